package wire

import "encoding/binary"

// Version tracks the wire-protocol revision expected by peers.
const Version = 1

// Ack acknowledges delivery on one channel: Latest is the newest message id
// fully received, Bits marks receipt of the 32 ids preceding it (bit n set
// means Latest-1-n arrived).
type Ack struct {
	Channel uint8
	Latest  uint16
	Bits    uint32
}

// Acked reports whether id is covered by this ack.
func (a Ack) Acked(id uint16) bool {
	d := SeqDiff(a.Latest, id)
	if d == 0 {
		return true
	}
	if d < 1 || d > 32 {
		return false
	}
	return a.Bits&(1<<uint(d-1)) != 0
}

// Section is one channel payload carried in a packet. Fragment marks the
// payload as a fragment header + chunk instead of a whole message.
type Section struct {
	Channel  uint8
	Fragment bool
	Payload  []byte
}

const sectionFlagFragment = 0x01

// Packet is one datagram: acks and ping/pong control data in the header,
// followed by the channel sections that fit the send budget.
type Packet struct {
	Acks     []Ack
	Pings    []Ping
	Pongs    []Pong
	Sections []Section
}

// Empty reports whether the packet carries nothing worth transmitting.
func (p Packet) Empty() bool {
	return len(p.Acks) == 0 && len(p.Pings) == 0 && len(p.Pongs) == 0 && len(p.Sections) == 0
}

// EncodePacket renders the packet into a single datagram.
func EncodePacket(p Packet) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, Version)

	buf = append(buf, byte(len(p.Acks)))
	for _, ack := range p.Acks {
		buf = append(buf, ack.Channel)
		buf = binary.BigEndian.AppendUint16(buf, ack.Latest)
		buf = binary.BigEndian.AppendUint32(buf, ack.Bits)
	}

	buf = append(buf, byte(len(p.Pings)))
	for _, ping := range p.Pings {
		buf = binary.BigEndian.AppendUint16(buf, ping.ID)
	}

	buf = append(buf, byte(len(p.Pongs)))
	for _, pong := range p.Pongs {
		buf = binary.BigEndian.AppendUint16(buf, pong.PingID)
		buf = binary.BigEndian.AppendUint64(buf, uint64(pong.TimeReceived))
		buf = binary.BigEndian.AppendUint64(buf, uint64(pong.TimeSent))
	}

	buf = AppendUvarint(buf, uint64(len(p.Sections)))
	for _, section := range p.Sections {
		flags := byte(0)
		if section.Fragment {
			flags |= sectionFlagFragment
		}
		buf = append(buf, section.Channel, flags)
		buf = AppendUvarint(buf, uint64(len(section.Payload)))
		buf = append(buf, section.Payload...)
	}
	return buf
}

// DecodePacket parses one datagram. A fault anywhere invalidates the whole
// packet: datagram boundaries guarantee we never see a partial transmission,
// so a parse error means corruption or a version mismatch.
func DecodePacket(buf []byte) (Packet, error) {
	if len(buf) < 1 {
		return Packet{}, ErrShortBuffer
	}
	if buf[0] != Version {
		return Packet{}, ErrBadVersion
	}
	off := 1
	var p Packet

	if off >= len(buf) {
		return Packet{}, ErrShortBuffer
	}
	ackCount := int(buf[off])
	off++
	for i := 0; i < ackCount; i++ {
		if len(buf)-off < 7 {
			return Packet{}, ErrShortBuffer
		}
		p.Acks = append(p.Acks, Ack{
			Channel: buf[off],
			Latest:  binary.BigEndian.Uint16(buf[off+1 : off+3]),
			Bits:    binary.BigEndian.Uint32(buf[off+3 : off+7]),
		})
		off += 7
	}

	if off >= len(buf) {
		return Packet{}, ErrShortBuffer
	}
	pingCount := int(buf[off])
	off++
	for i := 0; i < pingCount; i++ {
		if len(buf)-off < 2 {
			return Packet{}, ErrShortBuffer
		}
		p.Pings = append(p.Pings, Ping{ID: binary.BigEndian.Uint16(buf[off : off+2])})
		off += 2
	}

	if off >= len(buf) {
		return Packet{}, ErrShortBuffer
	}
	pongCount := int(buf[off])
	off++
	for i := 0; i < pongCount; i++ {
		if len(buf)-off < 18 {
			return Packet{}, ErrShortBuffer
		}
		p.Pongs = append(p.Pongs, Pong{
			PingID:       binary.BigEndian.Uint16(buf[off : off+2]),
			TimeReceived: int64(binary.BigEndian.Uint64(buf[off+2 : off+10])),
			TimeSent:     int64(binary.BigEndian.Uint64(buf[off+10 : off+18])),
		})
		off += 18
	}

	sectionCount, n, err := ReadUvarint(buf[off:])
	if err != nil {
		return Packet{}, err
	}
	off += n
	for i := uint64(0); i < sectionCount; i++ {
		if len(buf)-off < 2 {
			return Packet{}, ErrShortBuffer
		}
		section := Section{Channel: buf[off], Fragment: buf[off+1]&sectionFlagFragment != 0}
		off += 2
		size, n, err := ReadUvarint(buf[off:])
		if err != nil {
			return Packet{}, err
		}
		off += n
		if uint64(len(buf)-off) < size {
			return Packet{}, ErrShortBuffer
		}
		section.Payload = append([]byte(nil), buf[off:off+int(size)]...)
		off += int(size)
		p.Sections = append(p.Sections, section)
	}
	return p, nil
}
