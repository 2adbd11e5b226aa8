// Package message implements the DNS wire codec used by the engine: message
// framing per RFC 1035 §4 with the mDNS amendments of RFC 6762 §18.
//
// Decoding is deliberately permissive at record granularity. A corrupt header
// condemns the whole packet, but a single malformed record is skipped and the
// rest of the message survives; mDNS traffic on real networks contains
// partially broken responses and a responder has to live with them.
package message

import (
	"encoding/binary"

	goerrors "errors"

	"github.com/pharos-net/pharos/internal/errors"
	"github.com/pharos-net/pharos/internal/protocol"
)

const headerLength = 12

// Header is the fixed 12-byte DNS message header (RFC 1035 §4.1.1).
type Header struct {
	ID    uint16
	Flags uint16
}

// IsResponse reports whether the QR bit is set.
func (h Header) IsResponse() bool { return h.Flags&protocol.FlagResponse != 0 }

// Opcode extracts the 4-bit opcode. mDNS requires zero (RFC 6762 §18.3).
func (h Header) Opcode() uint16 { return (h.Flags & protocol.OpcodeMask) >> 11 }

// Rcode extracts the response code. mDNS requires zero (RFC 6762 §18.11).
func (h Header) Rcode() uint16 { return h.Flags & protocol.RcodeMask }

// Question is one entry of the question section. Unicast carries the QU bit
// split out of the class field per RFC 6762 §18.12.
type Question struct {
	Name    string
	Type    protocol.RecordType
	Class   uint16
	Unicast bool
}

// ResourceRecord is a decoded resource record with its cache-flush bit split
// out of the class field per RFC 6762 §10.2.
type ResourceRecord struct {
	Name       string
	Type       protocol.RecordType
	Class      uint16
	TTL        uint32
	CacheFlush bool
	Data       RData
}

// Key returns the (name, type, packed rdata) identity used for answer
// deduplication and conflict detection.
func (rr *ResourceRecord) Key() string {
	packed := PackRData(rr.Data)
	return rr.Name + "\x00" + rr.Type.String() + "\x00" + string(packed)
}

// SameRRSet reports whether other names the same (name, type, class) set.
func (rr *ResourceRecord) SameRRSet(other *ResourceRecord) bool {
	return rr.Name == other.Name && rr.Type == other.Type && rr.Class == other.Class
}

// Message is a decoded DNS message.
type Message struct {
	Header      Header
	Questions   []Question
	Answers     []ResourceRecord
	Authorities []ResourceRecord
	Additionals []ResourceRecord

	// Skipped collects the record-scoped decode failures tolerated while
	// parsing; the records themselves are absent from the sections above.
	Skipped []*errors.WireFormatError
}

// ParseMessage decodes a DNS message.
//
// A short or malformed header, or a header carrying a non-zero opcode
// (RFC 6762 §18.3: "Multicast DNS messages received with an OPCODE other than
// zero MUST be silently ignored"), fails the whole message. Everything past
// the header is best-effort: a record that cannot be decoded is skipped, and
// if the section structure itself is unrecoverable the records parsed so far
// are returned.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) < headerLength {
		return nil, &errors.WireFormatError{
			Kind:   errors.Truncated,
			Offset: len(data),
			Detail: "message shorter than 12-byte header",
		}
	}

	msg := &Message{
		Header: Header{
			ID:    binary.BigEndian.Uint16(data[0:]),
			Flags: binary.BigEndian.Uint16(data[2:]),
		},
	}
	if msg.Header.Opcode() != 0 {
		return nil, &errors.WireFormatError{
			Kind:   errors.Unsupported,
			Offset: 2,
			Detail: "non-zero opcode",
		}
	}

	qdCount := int(binary.BigEndian.Uint16(data[4:]))
	anCount := int(binary.BigEndian.Uint16(data[6:]))
	nsCount := int(binary.BigEndian.Uint16(data[8:]))
	arCount := int(binary.BigEndian.Uint16(data[10:]))

	pos := headerLength
	for i := 0; i < qdCount; i++ {
		name, next, err := ParseName(data, pos)
		if err != nil {
			return msg, nil // unrecoverable mid-section, keep what we have
		}
		if next+4 > len(data) {
			return msg, nil
		}
		rtype := binary.BigEndian.Uint16(data[next:])
		class := binary.BigEndian.Uint16(data[next+2:])
		msg.Questions = append(msg.Questions, Question{
			Name:    name,
			Type:    protocol.RecordType(rtype),
			Class:   class &^ protocol.UnicastResponseBit,
			Unicast: class&protocol.UnicastResponseBit != 0,
		})
		pos = next + 4
	}

	sections := []*[]ResourceRecord{&msg.Answers, &msg.Authorities, &msg.Additionals}
	counts := []int{anCount, nsCount, arCount}
	for s, count := range counts {
		for i := 0; i < count; i++ {
			rr, next, err := parseRecord(data, pos)
			if err != nil {
				var wireErr *errors.WireFormatError
				if goerrors.As(err, &wireErr) {
					msg.Skipped = append(msg.Skipped, wireErr)
				}
				if next <= pos {
					return msg, nil // cannot resync, stop here
				}
				pos = next
				continue
			}
			*sections[s] = append(*sections[s], *rr)
			pos = next
		}
	}
	return msg, nil
}

// parseRecord decodes one resource record at pos. On an rdata-scoped failure
// it returns the offset of the next record so the caller can skip and
// continue; on a framing failure next == pos and the caller must stop.
func parseRecord(data []byte, pos int) (*ResourceRecord, int, error) {
	name, next, err := ParseName(data, pos)
	if err != nil {
		return nil, pos, err
	}
	if next+10 > len(data) {
		return nil, pos, &errors.WireFormatError{
			Kind:   errors.Truncated,
			Offset: next,
			Detail: "truncated record header",
		}
	}

	rtype := binary.BigEndian.Uint16(data[next:])
	class := binary.BigEndian.Uint16(data[next+2:])
	ttl := binary.BigEndian.Uint32(data[next+4:])
	rdLength := int(binary.BigEndian.Uint16(data[next+8:]))
	rdStart := next + 10
	rdEnd := rdStart + rdLength
	if rdEnd > len(data) {
		return nil, pos, &errors.WireFormatError{
			Kind:   errors.Truncated,
			Offset: rdStart,
			Detail: "rdata extends past end of message",
		}
	}

	rdata, err := parseRData(data, rdStart, rdLength, rtype)
	if err != nil {
		// Record-scoped: the frame is intact, only the payload is bad.
		return nil, rdEnd, err
	}

	return &ResourceRecord{
		Name:       name,
		Type:       protocol.RecordType(rtype),
		Class:      class &^ protocol.CacheFlushBit,
		TTL:        ttl,
		CacheFlush: class&protocol.CacheFlushBit != 0,
		Data:       rdata,
	}, rdEnd, nil
}

// Encode serializes the message, compressing owner names against earlier
// occurrences per RFC 1035 §4.1.4.
func (m *Message) Encode() ([]byte, error) {
	buf := make([]byte, headerLength, 512)
	binary.BigEndian.PutUint16(buf[0:], m.Header.ID)
	binary.BigEndian.PutUint16(buf[2:], m.Header.Flags)
	binary.BigEndian.PutUint16(buf[4:], uint16(len(m.Questions)))
	binary.BigEndian.PutUint16(buf[6:], uint16(len(m.Answers)))
	binary.BigEndian.PutUint16(buf[8:], uint16(len(m.Authorities)))
	binary.BigEndian.PutUint16(buf[10:], uint16(len(m.Additionals)))

	offsets := make(map[string]int)
	var err error
	for _, q := range m.Questions {
		buf, err = appendName(buf, q.Name, offsets)
		if err != nil {
			return nil, err
		}
		class := q.Class
		if q.Unicast {
			class |= protocol.UnicastResponseBit
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(q.Type))
		buf = binary.BigEndian.AppendUint16(buf, class)
	}

	for _, section := range [][]ResourceRecord{m.Answers, m.Authorities, m.Additionals} {
		for i := range section {
			buf, err = appendRecord(buf, &section[i], offsets)
			if err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func appendRecord(buf []byte, rr *ResourceRecord, offsets map[string]int) ([]byte, error) {
	buf, err := appendName(buf, rr.Name, offsets)
	if err != nil {
		return nil, err
	}
	class := rr.Class
	if rr.CacheFlush {
		class |= protocol.CacheFlushBit
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(rr.Type))
	buf = binary.BigEndian.AppendUint16(buf, class)
	buf = binary.BigEndian.AppendUint32(buf, rr.TTL)

	lengthAt := len(buf)
	buf = append(buf, 0, 0)
	buf = rr.Data.pack(buf)
	binary.BigEndian.PutUint16(buf[lengthAt:], uint16(len(buf)-lengthAt-2))
	return buf, nil
}
