package message

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
	"unicode/utf8"

	"github.com/pharos-net/pharos/internal/errors"
)

// RData is the typed payload of a resource record.
//
// pack appends the wire form of the payload to buf. Names inside rdata are
// written uncompressed: RFC 2782 forbids compressing the SRV target, and
// keeping PTR targets literal keeps the packed form usable as the canonical
// byte string for RFC 6762 §8.2 tiebreaking.
type RData interface {
	pack(buf []byte) []byte
}

// AData is an IPv4 address record payload (RFC 1035 §3.4.1).
type AData struct {
	Addr netip.Addr
}

func (d AData) pack(buf []byte) []byte {
	b := d.Addr.As4()
	return append(buf, b[:]...)
}

// AAAAData is an IPv6 address record payload (RFC 3596 §2.2).
type AAAAData struct {
	Addr netip.Addr
}

func (d AAAAData) pack(buf []byte) []byte {
	b := d.Addr.As16()
	return append(buf, b[:]...)
}

// PTRData points from a service type to a service instance (RFC 6763 §4.1).
type PTRData struct {
	Target string
}

func (d PTRData) pack(buf []byte) []byte {
	out, err := appendName(buf, d.Target, nil)
	if err != nil {
		return buf
	}
	return out
}

// SRVData locates a service instance (RFC 2782): priority, weight, port and
// target host, target uncompressed.
type SRVData struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

func (d SRVData) pack(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, d.Priority)
	buf = binary.BigEndian.AppendUint16(buf, d.Weight)
	buf = binary.BigEndian.AppendUint16(buf, d.Port)
	out, err := appendName(buf, d.Target, nil)
	if err != nil {
		return buf
	}
	return out
}

// TXTData carries the length-prefixed strings of a TXT record (RFC 6763 §6).
type TXTData struct {
	Strings []string
}

func (d TXTData) pack(buf []byte) []byte {
	if len(d.Strings) == 0 {
		// RFC 6763 §6: a service with no metadata MUST publish a TXT record
		// containing a single zero byte.
		return append(buf, 0)
	}
	for _, s := range d.Strings {
		if len(s) > 255 {
			s = s[:255]
		}
		buf = append(buf, byte(len(s)))
		buf = append(buf, s...)
	}
	return buf
}

// Pairs splits the TXT strings into key=value pairs per RFC 6763 §6.3.
// Strings without '=' map the whole string to "".
func (d TXTData) Pairs() map[string]string {
	pairs := make(map[string]string, len(d.Strings))
	for _, s := range d.Strings {
		if s == "" {
			continue
		}
		if i := strings.IndexByte(s, '='); i >= 0 {
			pairs[s[:i]] = s[i+1:]
		} else {
			pairs[s] = ""
		}
	}
	return pairs
}

// RawData preserves the payload of record types the engine does not model.
// mDNS responders stay permissive to traffic they do not understand.
type RawData struct {
	Bytes []byte
}

func (d RawData) pack(buf []byte) []byte {
	return append(buf, d.Bytes...)
}

// PackRData returns the packed wire form of an rdata payload. This is the
// byte string compared lexicographically during simultaneous-probe
// tiebreaking per RFC 6762 §8.2.
func PackRData(d RData) []byte {
	if d == nil {
		return nil
	}
	return d.pack(nil)
}

// parseRData decodes the payload of one record. data is the whole message so
// compressed names inside rdata (other implementations compress PTR targets)
// resolve correctly; the payload spans [start, start+length).
func parseRData(data []byte, start, length int, rtype uint16) (RData, error) {
	end := start + length
	if end > len(data) {
		return nil, &errors.WireFormatError{
			Kind:   errors.Truncated,
			Offset: start,
			Detail: "rdata extends past end of message",
		}
	}

	switch rtype {
	case 1: // A
		if length != 4 {
			return nil, &errors.WireFormatError{
				Kind:   errors.Truncated,
				Offset: start,
				Detail: fmt.Sprintf("A rdata length %d, want 4", length),
			}
		}
		return AData{Addr: netip.AddrFrom4([4]byte(data[start:end]))}, nil

	case 28: // AAAA
		if length != 16 {
			return nil, &errors.WireFormatError{
				Kind:   errors.Truncated,
				Offset: start,
				Detail: fmt.Sprintf("AAAA rdata length %d, want 16", length),
			}
		}
		return AAAAData{Addr: netip.AddrFrom16([16]byte(data[start:end]))}, nil

	case 12: // PTR
		target, _, err := ParseName(data, start)
		if err != nil {
			return nil, err
		}
		return PTRData{Target: target}, nil

	case 33: // SRV
		if length < 7 {
			return nil, &errors.WireFormatError{
				Kind:   errors.Truncated,
				Offset: start,
				Detail: fmt.Sprintf("SRV rdata length %d, want at least 7", length),
			}
		}
		target, _, err := ParseName(data, start+6)
		if err != nil {
			return nil, err
		}
		return SRVData{
			Priority: binary.BigEndian.Uint16(data[start:]),
			Weight:   binary.BigEndian.Uint16(data[start+2:]),
			Port:     binary.BigEndian.Uint16(data[start+4:]),
			Target:   target,
		}, nil

	case 16: // TXT
		var strs []string
		pos := start
		for pos < end {
			l := int(data[pos])
			pos++
			if pos+l > end {
				return nil, &errors.WireFormatError{
					Kind:   errors.Truncated,
					Offset: pos,
					Detail: "truncated TXT string",
				}
			}
			s := data[pos : pos+l]
			if !utf8.Valid(s) {
				return nil, &errors.WireFormatError{
					Kind:   errors.NonUtf8Text,
					Offset: pos,
					Detail: "TXT string is not valid UTF-8",
				}
			}
			if l > 0 {
				strs = append(strs, string(s))
			}
			pos += l
		}
		return TXTData{Strings: strs}, nil

	default:
		raw := make([]byte, length)
		copy(raw, data[start:end])
		return RawData{Bytes: raw}, nil
	}
}
