// Package transport provides the unreliable datagram links the connection
// layer runs over. A link moves opaque packets with no delivery or ordering
// guarantee; everything stronger is built above it.
package transport

import "errors"

var (
	// ErrClosed is returned by operations on a link that has been closed.
	ErrClosed = errors.New("transport: link closed")
	// ErrPacketTooLarge is returned when a packet exceeds the link's frame
	// limit.
	ErrPacketTooLarge = errors.New("transport: packet too large")
)

// Link is a bidirectional unreliable packet pipe. Send may drop silently;
// Receive returns every packet that arrived since the previous call, in
// arrival order. Implementations are safe for one sender and one receiver
// goroutine.
type Link interface {
	Send(packet []byte) error
	Receive() [][]byte
	IsConnected() bool
	Close() error
}
