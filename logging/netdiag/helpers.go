package netdiag

import (
	"context"

	"tickwire/logging"
)

const (
	// EventDecodeFailed is emitted when a payload or record cannot be decoded.
	EventDecodeFailed logging.EventType = "netdiag.decode_failed"
	// EventUnmappedEntity is emitted when an update references an entity with
	// no local mapping. This indicates an ordering-invariant violation upstream.
	EventUnmappedEntity logging.EventType = "netdiag.unmapped_entity"
	// EventChannelDrop is emitted when a channel discards a message.
	EventChannelDrop logging.EventType = "netdiag.channel_drop"
	// EventRollbackDepthExceeded is emitted when a divergence is older than the
	// retained prediction history and a full resync is required.
	EventRollbackDepthExceeded logging.EventType = "netdiag.rollback_depth_exceeded"
	// EventTickSnap is emitted when time sync corrects the estimated remote
	// tick by more than the hard drift bound.
	EventTickSnap logging.EventType = "netdiag.tick_snap"
)

// DecodePayload captures the context of a failed decode.
type DecodePayload struct {
	Channel uint8  `json:"channel"`
	Reason  string `json:"reason"`
}

// DecodeFailed publishes a warning for a dropped undecodable message.
func DecodeFailed(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.PeerRef, payload DecodePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDecodeFailed,
		Tick:     tick,
		Peer:     peer,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryChannel,
		Payload:  payload,
	})
}

// UnmappedPayload captures the identifiers of an orphaned update.
type UnmappedPayload struct {
	RemoteEntity uint64 `json:"remoteEntity"`
	Component    uint16 `json:"component"`
}

// UnmappedEntity publishes an error for an update that references an entity
// the receiver has never spawned. The update is dropped, not applied.
func UnmappedEntity(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.PeerRef, payload UnmappedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventUnmappedEntity,
		Tick:     tick,
		Peer:     peer,
		Severity: logging.SeverityError,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// ChannelDropPayload describes a message discarded by channel policy.
type ChannelDropPayload struct {
	Channel   uint8  `json:"channel"`
	MessageID uint16 `json:"messageId"`
	Reason    string `json:"reason"`
}

// ChannelDrop publishes a debug event for a policy-driven discard.
func ChannelDrop(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.PeerRef, payload ChannelDropPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventChannelDrop,
		Tick:     tick,
		Peer:     peer,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryChannel,
		Payload:  payload,
	})
}

// RollbackPayload captures how far back a divergence reached.
type RollbackPayload struct {
	Entity         uint64 `json:"entity"`
	DivergenceTick uint64 `json:"divergenceTick"`
	OldestRetained uint64 `json:"oldestRetained"`
}

// RollbackDepthExceeded publishes an error flagging an entity for resync.
func RollbackDepthExceeded(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.PeerRef, payload RollbackPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRollbackDepthExceeded,
		Tick:     tick,
		Peer:     peer,
		Severity: logging.SeverityError,
		Category: logging.CategoryPrediction,
		Payload:  payload,
	})
}

// TickSnapPayload records the discontinuity applied to the synced tick.
type TickSnapPayload struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// TickSnap publishes a warning for a hard tick correction. Consumers of the
// synced tick must flush tick-indexed state when they observe one.
func TickSnap(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.PeerRef, payload TickSnapPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickSnap,
		Tick:     tick,
		Peer:     peer,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryTimeSync,
		Payload:  payload,
	})
}
