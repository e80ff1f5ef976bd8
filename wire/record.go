package wire

import (
	"encoding/binary"
	"fmt"
)

// RecordKind identifies one replication record inside a payload.
type RecordKind uint8

const (
	RecordSpawn RecordKind = iota + 1
	RecordDespawn
	RecordInsert
	RecordRemove
	RecordUpdate
)

func (k RecordKind) String() string {
	switch k {
	case RecordSpawn:
		return "spawn"
	case RecordDespawn:
		return "despawn"
	case RecordInsert:
		return "insert"
	case RecordRemove:
		return "remove"
	case RecordUpdate:
		return "update"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const updateFlagDelta = 0x01

// ComponentPayload carries one serialized component value inside an
// insert/update record. Delta marks the data as a diff against the last value
// the receiving peer acknowledged.
type ComponentPayload struct {
	Component uint16
	Delta     bool
	Data      []byte
}

// Record is one replication entry: a structural change or a value update for
// a single entity. Entity ids are the sender's authoritative numbering; the
// receiver remaps them through its EntityMap.
type Record struct {
	Kind       RecordKind
	Entity     uint64
	Components []ComponentPayload
	Removed    []uint16
}

// AppendRecord appends the encoding of rec to buf.
func AppendRecord(buf []byte, rec Record) []byte {
	buf = append(buf, byte(rec.Kind))
	buf = AppendUvarint(buf, rec.Entity)
	switch rec.Kind {
	case RecordInsert, RecordUpdate:
		buf = AppendUvarint(buf, uint64(len(rec.Components)))
		for _, cp := range rec.Components {
			buf = AppendUvarint(buf, uint64(cp.Component))
			if rec.Kind == RecordUpdate {
				flags := byte(0)
				if cp.Delta {
					flags |= updateFlagDelta
				}
				buf = append(buf, flags)
			}
			buf = AppendUvarint(buf, uint64(len(cp.Data)))
			buf = append(buf, cp.Data...)
		}
	case RecordRemove:
		buf = AppendUvarint(buf, uint64(len(rec.Removed)))
		for _, id := range rec.Removed {
			buf = AppendUvarint(buf, uint64(id))
		}
	}
	return buf
}

// EncodePayload renders a replication payload: the originating tick followed
// by the record sequence.
func EncodePayload(tick uint16, records []Record) []byte {
	buf := make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint16(buf, tick)
	for _, rec := range records {
		buf = AppendRecord(buf, rec)
	}
	return buf
}

// DecodePayload parses a replication payload. On a malformed record it
// returns every record decoded before the fault together with the error so
// the caller can apply the healthy prefix and surface a diagnostic.
func DecodePayload(buf []byte) (uint16, []Record, error) {
	if len(buf) < 2 {
		return 0, nil, ErrShortBuffer
	}
	tick := binary.BigEndian.Uint16(buf[:2])
	rest := buf[2:]
	var records []Record
	for len(rest) > 0 {
		rec, n, err := decodeRecord(rest)
		if err != nil {
			return tick, records, err
		}
		records = append(records, rec)
		rest = rest[n:]
	}
	return tick, records, nil
}

func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < 1 {
		return Record{}, 0, ErrShortBuffer
	}
	kind := RecordKind(buf[0])
	off := 1
	entity, n, err := ReadUvarint(buf[off:])
	if err != nil {
		return Record{}, 0, err
	}
	off += n
	rec := Record{Kind: kind, Entity: entity}

	switch kind {
	case RecordSpawn, RecordDespawn:
		return rec, off, nil
	case RecordInsert, RecordUpdate:
		count, n, err := ReadUvarint(buf[off:])
		if err != nil {
			return Record{}, 0, err
		}
		off += n
		for i := uint64(0); i < count; i++ {
			comp, n, err := ReadUvarint(buf[off:])
			if err != nil {
				return Record{}, 0, err
			}
			off += n
			if comp > 0xFFFF {
				return Record{}, 0, ErrOversized
			}
			cp := ComponentPayload{Component: uint16(comp)}
			if kind == RecordUpdate {
				if off >= len(buf) {
					return Record{}, 0, ErrShortBuffer
				}
				cp.Delta = buf[off]&updateFlagDelta != 0
				off++
			}
			size, n, err := ReadUvarint(buf[off:])
			if err != nil {
				return Record{}, 0, err
			}
			off += n
			if uint64(len(buf)-off) < size {
				return Record{}, 0, ErrShortBuffer
			}
			cp.Data = append([]byte(nil), buf[off:off+int(size)]...)
			off += int(size)
			rec.Components = append(rec.Components, cp)
		}
		return rec, off, nil
	case RecordRemove:
		count, n, err := ReadUvarint(buf[off:])
		if err != nil {
			return Record{}, 0, err
		}
		off += n
		for i := uint64(0); i < count; i++ {
			comp, n, err := ReadUvarint(buf[off:])
			if err != nil {
				return Record{}, 0, err
			}
			off += n
			if comp > 0xFFFF {
				return Record{}, 0, ErrOversized
			}
			rec.Removed = append(rec.Removed, uint16(comp))
		}
		return rec, off, nil
	default:
		return Record{}, 0, fmt.Errorf("%w: %d", ErrUnknownRecordKind, uint8(kind))
	}
}
