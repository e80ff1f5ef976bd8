package wire

import "encoding/binary"

// Fragment is one chunk of a message that exceeded the fragmentation
// threshold. All fragments of a message share its MessageID; Index orders the
// chunks and Count announces how many exist.
type Fragment struct {
	MessageID uint16
	Index     uint8
	Count     uint8
	Chunk     []byte
}

const fragmentHeaderSize = 4

// MaxFragments is the largest fragment count the 8-bit header field can
// express. Payloads needing more chunks cannot be sent on the channel.
const MaxFragments = 255

// EncodeFragment renders the fragment header followed by the chunk bytes.
func EncodeFragment(f Fragment) []byte {
	buf := make([]byte, 0, fragmentHeaderSize+len(f.Chunk))
	buf = binary.BigEndian.AppendUint16(buf, f.MessageID)
	buf = append(buf, f.Index, f.Count)
	return append(buf, f.Chunk...)
}

// DecodeFragment parses a fragment section payload.
func DecodeFragment(buf []byte) (Fragment, error) {
	if len(buf) < fragmentHeaderSize {
		return Fragment{}, ErrShortBuffer
	}
	f := Fragment{
		MessageID: binary.BigEndian.Uint16(buf[:2]),
		Index:     buf[2],
		Count:     buf[3],
	}
	if f.Count == 0 || f.Index >= f.Count {
		return Fragment{}, ErrBadFragment
	}
	f.Chunk = append([]byte(nil), buf[fragmentHeaderSize:]...)
	return f, nil
}

// SplitMessage fragments payload into chunks of at most threshold bytes. A
// payload exactly at the threshold is not fragmented; callers should check
// len(payload) > threshold before splitting. Returns nil when the payload
// needs more than MaxFragments chunks: a wrapped count would complete a
// truncated reassembly on the far side.
func SplitMessage(messageID uint16, payload []byte, threshold int) []Fragment {
	if threshold <= 0 || len(payload) <= threshold {
		return []Fragment{{MessageID: messageID, Index: 0, Count: 1, Chunk: payload}}
	}
	count := (len(payload) + threshold - 1) / threshold
	if count > MaxFragments {
		return nil
	}
	fragments := make([]Fragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * threshold
		end := start + threshold
		if end > len(payload) {
			end = len(payload)
		}
		fragments = append(fragments, Fragment{
			MessageID: messageID,
			Index:     uint8(i),
			Count:     uint8(count),
			Chunk:     payload[start:end],
		})
	}
	return fragments
}
