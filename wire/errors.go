package wire

import "errors"

var (
	// ErrShortBuffer reports a truncated payload.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrUnknownRecordKind reports an unrecognised replication record kind.
	ErrUnknownRecordKind = errors.New("wire: unknown record kind")
	// ErrBadVersion reports a packet with an unsupported protocol version.
	ErrBadVersion = errors.New("wire: unsupported protocol version")
	// ErrBadFragment reports a fragment header that cannot be satisfied.
	ErrBadFragment = errors.New("wire: malformed fragment")
	// ErrOversized reports a value that exceeds the encodable range.
	ErrOversized = errors.New("wire: value exceeds encodable range")
)
