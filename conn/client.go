package conn

import (
	"context"

	"tickwire/internal/telemetry"
	"tickwire/logging"
	"tickwire/logging/netdiag"
	"tickwire/prediction"
	"tickwire/replication"
	"tickwire/tick"
	"tickwire/transport"
	"tickwire/world"
)

// Client is the consuming side's endpoint: the connection plus the
// replication receiver and the prediction manager over the local world.
type Client struct {
	conn *Conn
	recv *replication.Receiver
	pred *prediction.Manager
	pub  logging.Publisher
	peer logging.PeerRef

	replChannels map[uint8]struct{}
}

// NewClient constructs the client endpoint over the link.
func NewClient(link transport.Link, cfg Config, w *world.World, recvCfg replication.ReceiverConfig, predCfg prediction.Config, pub logging.Publisher, metrics telemetry.Metrics) *Client {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	recvCfg.Peer = cfg.Peer
	predCfg.Peer = cfg.Peer
	replChannels := make(map[uint8]struct{}, len(cfg.ReplicationChannels))
	for _, id := range cfg.ReplicationChannels {
		replChannels[id] = struct{}{}
	}
	return &Client{
		conn:         New(link, cfg, pub, metrics),
		recv:         replication.NewReceiver(w, recvCfg, pub),
		pred:         prediction.NewManager(w, predCfg, pub),
		pub:          pub,
		peer:         cfg.Peer,
		replChannels: replChannels,
	}
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *Conn {
	if c == nil {
		return nil
	}
	return c.conn
}

// Receiver exposes the replication receiver, for history access and for
// marking entities predicted.
func (c *Client) Receiver() *replication.Receiver {
	if c == nil {
		return nil
	}
	return c.recv
}

// Prediction exposes the prediction manager.
func (c *Client) Prediction() *prediction.Manager {
	if c == nil {
		return nil
	}
	return c.pred
}

// BufferSend queues an application message, an input frame typically.
func (c *Client) BufferSend(channelID uint8, payload []byte) bool {
	if c == nil {
		return false
	}
	_, ok := c.conn.BufferSend(channelID, payload)
	return ok
}

// Receive drains the link, applies replication payloads to the local world,
// and returns the remaining application messages. Predicted entities keep
// their predicted state; their confirmed values queue for Reconcile.
func (c *Client) Receive(ctx context.Context, now int64) []Inbound {
	if c == nil {
		return nil
	}
	inbound, _ := c.conn.ReceivePhase(ctx, now)
	var app []Inbound
	for _, msg := range inbound {
		if _, isRepl := c.replChannels[msg.Channel]; !isRepl {
			app = append(app, msg)
			continue
		}
		c.recv.ApplyPayload(ctx, msg.Channel, msg.Payload)
	}
	return app
}

// Reconcile folds the confirmed stream into the predicted timeline, rolling
// back and replaying when the authority disagreed. It returns true when a
// rollback ran.
func (c *Client) Reconcile(ctx context.Context, current tick.Tick, step prediction.StepFunc) bool {
	if c == nil {
		return false
	}
	return c.pred.Reconcile(ctx, c.recv.DrainConfirmed(), current, step)
}

// UpdateSyncedTick advances the tick estimate and publishes a diagnostic on
// a hard snap. Tick-indexed state must be flushed when snapped is non-nil;
// the prediction manager is reset here for the same reason.
func (c *Client) UpdateSyncedTick(ctx context.Context, now int64) (tick.Tick, bool, *tick.SnapEvent) {
	if c == nil {
		return 0, false, nil
	}
	synced, ok, snap := c.conn.Synchronizer().Update(now)
	if snap != nil {
		netdiag.TickSnap(ctx, c.pub, uint64(synced), c.peer, netdiag.TickSnapPayload{
			From: uint64(snap.From),
			To:   uint64(snap.To),
		})
		c.pred.Reset()
	}
	return synced, ok, snap
}

// Send flushes outgoing packets for this turn.
func (c *Client) Send(ctx context.Context, now int64) error {
	if c == nil {
		return transport.ErrClosed
	}
	return c.conn.SendPhase(ctx, now)
}

// MarkPredicted registers a local entity with both the receiver and the
// prediction manager, the two halves of prediction ownership.
func (c *Client) MarkPredicted(e world.Entity, predicted bool) {
	if c == nil {
		return
	}
	c.recv.SetPredicted(e, predicted)
	if predicted {
		c.pred.Predict(e)
	} else {
		c.pred.Unpredict(e)
	}
}

// Close tears the client endpoint down.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.conn.Close()
}
