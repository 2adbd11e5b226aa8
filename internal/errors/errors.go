// Package errors defines the structured error types surfaced by the engine.
//
// Decode failures are record-scoped and classified by DecodeKind; lifecycle
// failures (probing conflicts, rename exhaustion) get their own types so
// callers can match on them with errors.As.
package errors

import "fmt"

// DecodeKind classifies a wire-format decode failure.
type DecodeKind int

const (
	// Truncated means the message ended before a field it promised.
	Truncated DecodeKind = iota
	// BadLabel means a name label was malformed: over-long, an invalid
	// compression pointer, or a pointer cycle.
	BadLabel
	// NonUtf8Text means a TXT payload failed UTF-8 validation.
	NonUtf8Text
	// Unsupported means the message used a feature mDNS forbids or this
	// implementation does not handle (non-zero opcode, unknown class).
	Unsupported
)

// String returns the kind's name.
func (k DecodeKind) String() string {
	switch k {
	case Truncated:
		return "Truncated"
	case BadLabel:
		return "BadLabel"
	case NonUtf8Text:
		return "NonUtf8Text"
	case Unsupported:
		return "Unsupported"
	default:
		return fmt.Sprintf("DecodeKind(%d)", int(k))
	}
}

// WireFormatError reports a malformed DNS message per RFC 1035 §4.
//
// Offset is the byte position at which decoding failed, Detail names the
// field or rule that was violated.
type WireFormatError struct {
	Kind   DecodeKind
	Offset int
	Detail string
}

func (e *WireFormatError) Error() string {
	return fmt.Sprintf("wire format error (%s) at offset %d: %s", e.Kind, e.Offset, e.Detail)
}

// ValidationError reports an invalid caller-supplied value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictPendingError is returned when a record cannot be inserted into the
// authoritative partition because another record set is still probing the
// same name per RFC 6762 §8.1.
type ConflictPendingError struct {
	Name string
}

func (e *ConflictPendingError) Error() string {
	return fmt.Sprintf("name %q is being probed by another record set", e.Name)
}

// NameExhaustedError is the fatal condition reached when a record set lost
// every probe tiebreak and ran out of rename attempts per RFC 6762 §9.
type NameExhaustedError struct {
	Name     string
	Attempts int
}

func (e *NameExhaustedError) Error() string {
	return fmt.Sprintf("name conflict for %q unresolved after %d rename attempts", e.Name, e.Attempts)
}

// ClosedError is returned for operations on a handle whose record set or
// query has already reached a terminal state.
type ClosedError struct {
	What string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("%s is closed", e.What)
}
