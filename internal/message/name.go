package message

import (
	"fmt"
	"strings"

	"github.com/pharos-net/pharos/internal/errors"
)

// Name length limits per RFC 1035 §3.1.
const (
	maxLabelLength = 63
	maxNameLength  = 255
)

// maxPointers bounds compression-pointer chains. A valid chain can never be
// longer than the number of labels a 255-byte name can hold.
const maxPointers = 128

// ParseName decodes a DNS name starting at offset, following compression
// pointers per RFC 1035 §4.1.4.
//
// Pointers must move strictly backwards in the message; forward or
// self-referencing pointers are rejected, which also rejects every pointer
// cycle. Returns the dotted name and the offset of the first byte after the
// name's in-place encoding.
func ParseName(data []byte, offset int) (string, int, error) {
	if offset < 0 || offset >= len(data) {
		return "", 0, &errors.WireFormatError{
			Kind:   errors.Truncated,
			Offset: offset,
			Detail: "offset out of bounds",
		}
	}

	var sb strings.Builder
	pos := offset
	end := -1 // offset after the name once the first pointer is taken
	total := 0
	jumps := 0

	for {
		if pos >= len(data) {
			return "", 0, &errors.WireFormatError{
				Kind:   errors.Truncated,
				Offset: pos,
				Detail: "truncated name",
			}
		}

		b := data[pos]
		switch {
		case b == 0:
			if end < 0 {
				end = pos + 1
			}
			return sb.String(), end, nil

		case b&0xC0 == 0xC0:
			if pos+1 >= len(data) {
				return "", 0, &errors.WireFormatError{
					Kind:   errors.Truncated,
					Offset: pos,
					Detail: "truncated compression pointer",
				}
			}
			target := int(b&0x3F)<<8 | int(data[pos+1])
			// RFC 1035 §4.1.4 pointers refer to a prior occurrence. Requiring
			// strictly backwards movement makes cycles impossible.
			if target >= pos {
				return "", 0, &errors.WireFormatError{
					Kind:   errors.BadLabel,
					Offset: pos,
					Detail: "invalid compression pointer: does not point backwards",
				}
			}
			jumps++
			if jumps > maxPointers {
				return "", 0, &errors.WireFormatError{
					Kind:   errors.BadLabel,
					Offset: pos,
					Detail: "invalid compression pointer: chain too long",
				}
			}
			if end < 0 {
				end = pos + 2
			}
			pos = target

		case b&0xC0 == 0x80:
			return "", 0, &errors.WireFormatError{
				Kind:   errors.BadLabel,
				Offset: pos,
				Detail: fmt.Sprintf("reserved label type 0x%02x", b&0xC0),
			}

		default:
			// Remaining byte values are 0x01-0x7F. Lengths 64-127 (the
			// 0x40 extended-label range included) are over-long labels.
			length := int(b)
			if length > maxLabelLength {
				return "", 0, &errors.WireFormatError{
					Kind:   errors.BadLabel,
					Offset: pos,
					Detail: fmt.Sprintf("label length %d exceeds maximum 63 bytes per RFC 1035 §3.1", length),
				}
			}
			if pos+1+length > len(data) {
				return "", 0, &errors.WireFormatError{
					Kind:   errors.Truncated,
					Offset: pos,
					Detail: "truncated label",
				}
			}
			total += length + 1
			if total > maxNameLength {
				return "", 0, &errors.WireFormatError{
					Kind:   errors.BadLabel,
					Offset: pos,
					Detail: "name exceeds maximum 255 bytes per RFC 1035 §3.1",
				}
			}
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
			sb.Write(data[pos+1 : pos+1+length])
			pos += 1 + length
		}
	}
}

// appendName encodes name onto buf in wire format, compressing suffixes that
// were already written per RFC 6762 §18.14 ("implementations SHOULD use name
// compression wherever possible").
//
// offsets maps a dotted name suffix to the message offset of its first
// encoding; it is shared across one message build. Labels are written as-is,
// so names carrying arbitrary UTF-8 instance labels (RFC 6763 §4.3) survive
// the trip. Callers validate host names separately via EncodeName.
func appendName(buf []byte, name string, offsets map[string]int) ([]byte, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return append(buf, 0), nil
	}

	rest := name
	for rest != "" {
		if off, ok := offsets[rest]; ok && off < 0x4000 {
			return append(buf, 0xC0|byte(off>>8), byte(off)), nil
		}

		label := rest
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			label = rest[:i]
		}
		if label == "" {
			return nil, &errors.ValidationError{Field: "name", Reason: fmt.Sprintf("empty label in %q", name)}
		}
		if len(label) > maxLabelLength {
			return nil, &errors.ValidationError{
				Field:  "name",
				Reason: fmt.Sprintf("label %q exceeds maximum length 63 bytes per RFC 1035 §3.1", label),
			}
		}

		if offsets != nil && len(buf) < 0x4000 {
			offsets[rest] = len(buf)
		}
		buf = append(buf, byte(len(label)))
		buf = append(buf, label...)

		if len(label) == len(rest) {
			rest = ""
		} else {
			rest = rest[len(label)+1:]
		}
	}
	return append(buf, 0), nil
}

// EncodeName encodes a host or service-type name without compression,
// enforcing RFC 1035 §3.1 host naming rules.
//
// Instance labels with spaces or other UTF-8 belong in
// EncodeServiceInstanceName, not here.
func EncodeName(name string) ([]byte, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return []byte{0}, nil
	}

	buf := make([]byte, 0, len(name)+2)
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return nil, &errors.ValidationError{Field: "name", Reason: fmt.Sprintf("empty label in %q", name)}
		}
		if len(label) > maxLabelLength {
			return nil, &errors.ValidationError{
				Field:  "name",
				Reason: fmt.Sprintf("label %q exceeds maximum length 63 bytes per RFC 1035 §3.1", label),
			}
		}
		if err := validateHostLabel(label); err != nil {
			return nil, err
		}
		buf = append(buf, byte(len(label)))
		buf = append(buf, label...)
	}
	buf = append(buf, 0)

	if len(buf) > maxNameLength {
		return nil, &errors.ValidationError{
			Field:  "name",
			Reason: fmt.Sprintf("name %q exceeds maximum 255 bytes per RFC 1035 §3.1", name),
		}
	}
	return buf, nil
}

// validateHostLabel enforces the preferred host-label syntax of RFC 1035
// §2.3.1, extended with the leading underscore used by DNS-SD service types
// (RFC 6763 §7).
func validateHostLabel(label string) error {
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_':
		case c == '-':
			if i == 0 || i == len(label)-1 {
				return &errors.ValidationError{
					Field:  "name",
					Reason: fmt.Sprintf("label %q: hyphen cannot be first or last character", label),
				}
			}
		default:
			return &errors.ValidationError{
				Field:  "name",
				Reason: fmt.Sprintf("label %q: invalid character %q", label, c),
			}
		}
	}
	return nil
}

// EncodeServiceInstanceName encodes <Instance>.<ServiceType> where the
// instance portion is a single label that may contain arbitrary UTF-8,
// including spaces and dots, per RFC 6763 §4.3.
func EncodeServiceInstanceName(instanceName, serviceType string) ([]byte, error) {
	if instanceName == "" {
		return nil, &errors.ValidationError{Field: "instance name", Reason: "must not be empty"}
	}
	if len(instanceName) > maxLabelLength {
		return nil, &errors.ValidationError{
			Field:  "instance name",
			Reason: fmt.Sprintf("%q exceeds maximum length 63 bytes per RFC 1035 §3.1", instanceName),
		}
	}

	typePart, err := EncodeName(serviceType)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 1+len(instanceName)+len(typePart))
	buf = append(buf, byte(len(instanceName)))
	buf = append(buf, instanceName...)
	buf = append(buf, typePart...)

	if len(buf) > maxNameLength {
		return nil, &errors.ValidationError{
			Field:  "name",
			Reason: fmt.Sprintf("name %q exceeds maximum 255 bytes per RFC 1035 §3.1", instanceName+"."+serviceType),
		}
	}
	return buf, nil
}
