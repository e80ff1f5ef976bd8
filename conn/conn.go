// Package conn multiplexes channels over an unreliable link and drives the
// per-peer protocol: packet assembly within a byte budget, acknowledgement
// routing, ping/pong exchange and the replication plumbing on both ends.
package conn

import (
	"context"

	"tickwire/channel"
	"tickwire/internal/telemetry"
	"tickwire/logging"
	"tickwire/logging/netdiag"
	"tickwire/tick"
	"tickwire/transport"
	"tickwire/wire"
)

// Config tunes one connection.
type Config struct {
	// Channels defines the channel set; the slice index is the channel id.
	// Both peers must configure identical kinds per id.
	Channels []channel.Config
	// StructuralChannel is the id carrying replication topology. Its
	// messages are always drained before any other channel's.
	StructuralChannel uint8
	// ReplicationChannels lists every channel carrying replication
	// payloads, the structural channel included. The client applies these
	// to its world; everything else surfaces to the application.
	ReplicationChannels []uint8
	// PacketBudget bounds the payload bytes packed into one outgoing
	// packet.
	PacketBudget int
	// MaxPacketsPerPhase bounds how many packets one send phase emits.
	MaxPacketsPerPhase int
	// Sync tunes the tick synchronizer. The exchange is symmetric: both
	// ends ping, and either may read the synced estimate.
	Sync tick.SyncConfig
	// Peer labels diagnostics from this connection.
	Peer logging.PeerRef
}

func (c Config) withDefaults() Config {
	if c.PacketBudget <= 0 {
		c.PacketBudget = 1150
	}
	if c.MaxPacketsPerPhase <= 0 {
		c.MaxPacketsPerPhase = 8
	}
	return c
}

// Inbound is one application-visible message delivered by a channel.
type Inbound struct {
	Channel uint8
	Payload []byte
}

type pendingPong struct {
	id     uint16
	recvAt int64
}

// Conn runs the packet protocol for one remote peer over one link. It is
// driven from a single goroutine: ReceivePhase then SendPhase once per tick.
type Conn struct {
	link    transport.Link
	cfg     Config
	senders []*channel.Sender
	recvs   []*channel.Receiver
	sync    *tick.Synchronizer
	pongs   []pendingPong
	pub     logging.Publisher
	metrics telemetry.Metrics
	closed  bool
}

// New constructs a connection over the link.
func New(link transport.Link, cfg Config, pub logging.Publisher, metrics telemetry.Metrics) *Conn {
	cfg = cfg.withDefaults()
	if pub == nil {
		pub = logging.NopPublisher()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	senders := make([]*channel.Sender, len(cfg.Channels))
	recvs := make([]*channel.Receiver, len(cfg.Channels))
	for i, chCfg := range cfg.Channels {
		senders[i] = channel.NewSender(uint8(i), chCfg, metrics)
		recvs[i] = channel.NewReceiver(chCfg, metrics)
	}
	return &Conn{
		link:    link,
		cfg:     cfg,
		senders: senders,
		recvs:   recvs,
		sync:    tick.NewSynchronizer(cfg.Sync),
		pub:     pub,
		metrics: metrics,
	}
}

// Synchronizer exposes the tick estimator fed by this connection's pongs.
func (c *Conn) Synchronizer() *tick.Synchronizer {
	if c == nil {
		return nil
	}
	return c.sync
}

// IsConnected reports whether the underlying link is usable.
func (c *Conn) IsConnected() bool {
	return c != nil && !c.closed && c.link.IsConnected()
}

// BufferSend queues a message on a channel. now matters only for channel
// bookkeeping; the message leaves on the next SendPhase.
func (c *Conn) BufferSend(channelID uint8, payload []byte) (channel.MessageID, bool) {
	if c == nil || c.closed || int(channelID) >= len(c.senders) {
		return 0, false
	}
	return c.senders[channelID].BufferSend(payload)
}

// ReceivePhase drains the link, routes packet contents, and reads every
// deliverable message. The structural channel is drained completely before
// any other so topology always precedes the values that depend on it.
// Delivered maps channel id to the message ids acknowledged by the remote
// peer during this phase, for reliable and unreliable channels alike.
func (c *Conn) ReceivePhase(ctx context.Context, now int64) (messages []Inbound, delivered map[uint8][]channel.MessageID) {
	if c == nil || c.closed {
		return nil, nil
	}
	delivered = make(map[uint8][]channel.MessageID)
	for _, raw := range c.link.Receive() {
		packet, err := wire.DecodePacket(raw)
		if err != nil {
			netdiag.DecodeFailed(ctx, c.pub, 0, c.cfg.Peer, netdiag.DecodePayload{
				Reason: err.Error(),
			})
			continue
		}
		c.routePacket(ctx, now, packet, delivered)
	}

	for _, id := range c.channelOrder() {
		for _, payload := range c.recvs[id].DrainMessages() {
			messages = append(messages, Inbound{Channel: id, Payload: payload})
		}
	}
	return messages, delivered
}

// channelOrder yields every channel id with the structural channel first.
func (c *Conn) channelOrder() []uint8 {
	order := make([]uint8, 0, len(c.recvs))
	if int(c.cfg.StructuralChannel) < len(c.recvs) {
		order = append(order, c.cfg.StructuralChannel)
	}
	for i := range c.recvs {
		if uint8(i) == c.cfg.StructuralChannel {
			continue
		}
		order = append(order, uint8(i))
	}
	return order
}

func (c *Conn) routePacket(ctx context.Context, now int64, packet wire.Packet, delivered map[uint8][]channel.MessageID) {
	for _, ack := range packet.Acks {
		if int(ack.Channel) >= len(c.senders) {
			continue
		}
		if ids := c.senders[ack.Channel].ReceiveAck(ack); len(ids) > 0 {
			delivered[ack.Channel] = append(delivered[ack.Channel], ids...)
		}
	}
	for _, ping := range packet.Pings {
		c.pongs = append(c.pongs, pendingPong{id: ping.ID, recvAt: now})
	}
	for _, pong := range packet.Pongs {
		c.sync.HandlePong(pong, now)
	}
	for _, section := range packet.Sections {
		if int(section.Channel) >= len(c.recvs) {
			netdiag.DecodeFailed(ctx, c.pub, 0, c.cfg.Peer, netdiag.DecodePayload{
				Channel: section.Channel,
				Reason:  "unknown channel",
			})
			continue
		}
		if err := c.recvs[section.Channel].BufferRecv(section); err != nil {
			netdiag.DecodeFailed(ctx, c.pub, 0, c.cfg.Peer, netdiag.DecodePayload{
				Channel: section.Channel,
				Reason:  err.Error(),
			})
		}
	}
}

// SendPhase assembles and transmits outgoing packets: acknowledgements,
// ping/pong traffic, then channel sections within the byte budget. An empty
// phase with nothing to carry sends nothing.
func (c *Conn) SendPhase(ctx context.Context, now int64) error {
	if c == nil || c.closed {
		return transport.ErrClosed
	}
	rtt := c.sync.RTT()
	for _, s := range c.senders {
		s.CollectMessagesToSend(now, rtt)
	}

	header := wire.Packet{}
	for _, id := range c.channelOrder() {
		if ack, ok := c.recvs[id].Ack(id); ok {
			header.Acks = append(header.Acks, ack)
		}
	}
	if ping, ok := c.sync.MaybePing(now); ok {
		header.Pings = append(header.Pings, ping)
	}
	for _, p := range c.pongs {
		header.Pongs = append(header.Pongs, wire.Pong{
			PingID:       p.id,
			TimeReceived: p.recvAt,
			TimeSent:     now,
		})
	}
	c.pongs = c.pongs[:0]

	sent := 0
	for sent < c.cfg.MaxPacketsPerPhase {
		packet := header
		header = wire.Packet{} // header rides the first packet only
		budget := c.cfg.PacketBudget
		for _, id := range c.channelOrder() {
			if budget <= 0 {
				break
			}
			sections := c.senders[id].SendPacket(budget, now)
			for _, section := range sections {
				budget -= len(section.Payload) + 4
			}
			packet.Sections = append(packet.Sections, sections...)
		}
		if packet.Empty() {
			break
		}
		if err := c.link.Send(wire.EncodePacket(packet)); err != nil {
			return err
		}
		sent++
		if !c.anyQueued() {
			break
		}
	}
	return nil
}

func (c *Conn) anyQueued() bool {
	for _, s := range c.senders {
		if s.HasQueued() {
			return true
		}
	}
	return false
}

// Close tears the connection down and discards all channel state.
func (c *Conn) Close() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	c.senders = nil
	c.recvs = nil
	c.pongs = nil
	c.sync.Reset()
	return c.link.Close()
}
