package conn

import (
	"context"

	"tickwire/internal/telemetry"
	"tickwire/logging"
	"tickwire/replication"
	"tickwire/tick"
	"tickwire/transport"
	"tickwire/world"
)

// Peer is the authoritative side's endpoint for one connected client: the
// connection plus that client's replication stream.
type Peer struct {
	conn *Conn
	repl *replication.Sender
}

// NewPeer constructs a server-side peer over the link. The replication
// sender config's structural channel must match the connection config's.
func NewPeer(link transport.Link, cfg Config, w *world.World, replCfg replication.SenderConfig, pub logging.Publisher, logger telemetry.Logger, metrics telemetry.Metrics) *Peer {
	replCfg.StructuralChannel = cfg.StructuralChannel
	return &Peer{
		conn: New(link, cfg, pub, metrics),
		repl: replication.NewSender(w, replCfg, logger),
	}
}

// Conn exposes the underlying connection.
func (p *Peer) Conn() *Conn {
	if p == nil {
		return nil
	}
	return p.conn
}

// Replication exposes the per-peer replication sender.
func (p *Peer) Replication() *replication.Sender {
	if p == nil {
		return nil
	}
	return p.repl
}

// Step runs one full protocol turn for this peer: drain and route inbound
// traffic, feed acknowledgements to the replication sender, emit the
// replication stream for the current tick, and flush packets. It returns the
// application messages the client sent, inputs typically.
func (p *Peer) Step(ctx context.Context, current tick.Tick, now int64) ([]Inbound, error) {
	if p == nil {
		return nil, transport.ErrClosed
	}
	inbound, delivered := p.conn.ReceivePhase(ctx, now)
	for channelID, ids := range delivered {
		p.repl.HandleDelivered(channelID, ids)
	}
	for _, msg := range p.repl.Collect(current) {
		if id, ok := p.conn.BufferSend(msg.Channel, msg.Payload); ok {
			p.repl.TrackSent(msg, id)
		}
	}
	err := p.conn.SendPhase(ctx, now)
	return p.appMessages(inbound), err
}

// appMessages filters replication channels out of the inbound list; the
// authority never applies replication payloads from clients.
func (p *Peer) appMessages(inbound []Inbound) []Inbound {
	if len(inbound) == 0 {
		return nil
	}
	repl := make(map[uint8]struct{}, len(p.conn.cfg.ReplicationChannels))
	for _, id := range p.conn.cfg.ReplicationChannels {
		repl[id] = struct{}{}
	}
	var out []Inbound
	for _, msg := range inbound {
		if _, isRepl := repl[msg.Channel]; isRepl {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Close tears the peer down.
func (p *Peer) Close() error {
	if p == nil {
		return nil
	}
	return p.conn.Close()
}
