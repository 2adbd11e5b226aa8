// Package protocol defines mDNS wire-level constants per RFC 6762 and RFC 1035.
//
// RFC 6762 §5: Multicast DNS uses UDP port 5353 and the link-local multicast
// groups 224.0.0.251 (IPv4) and ff02::fb (IPv6).
package protocol

import "fmt"

// Port is the mDNS UDP port per RFC 6762 §5.
const Port = 5353

// Multicast group addresses per RFC 6762 §5.
const (
	MulticastAddrIPv4 = "224.0.0.251"
	MulticastAddrIPv6 = "ff02::fb"
)

// ClassIN is the Internet class (RFC 1035 §3.2.4). mDNS uses no other class.
const ClassIN uint16 = 1

// Top-bit repurposing of the class field per RFC 6762.
//
// RFC 6762 §18.12: in questions the top bit of qclass requests a unicast
// response (QU bit). RFC 6762 §10.2: in resource records the top bit of the
// class marks the record as a member of a unique RRSet (cache-flush bit).
const (
	UnicastResponseBit uint16 = 1 << 15
	CacheFlushBit      uint16 = 1 << 15
)

// TTL values per RFC 6762 §10.
//
// Service discovery records (PTR, SRV, TXT) use 120 seconds so stale
// instances age out quickly; host address records use 75 minutes.
const (
	TTLDefault  uint32 = 4500
	TTLHostname uint32 = 4500
	TTLService  uint32 = 120
	TTLGoodbye  uint32 = 0
)

// RecordType identifies a DNS resource record type per RFC 1035 §3.2.2.
type RecordType uint16

const (
	RecordTypeA    RecordType = 1
	RecordTypePTR  RecordType = 12
	RecordTypeTXT  RecordType = 16
	RecordTypeAAAA RecordType = 28
	RecordTypeSRV  RecordType = 33
	RecordTypeNSEC RecordType = 47

	// RecordTypeANY is the QTYPE used by probe questions per RFC 6762 §8.1.
	RecordTypeANY RecordType = 255
)

// String returns the conventional mnemonic for the record type.
func (t RecordType) String() string {
	switch t {
	case RecordTypeA:
		return "A"
	case RecordTypePTR:
		return "PTR"
	case RecordTypeTXT:
		return "TXT"
	case RecordTypeAAAA:
		return "AAAA"
	case RecordTypeSRV:
		return "SRV"
	case RecordTypeNSEC:
		return "NSEC"
	case RecordTypeANY:
		return "ANY"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

// ParseRecordType maps a mnemonic back to its RecordType.
func ParseRecordType(s string) (RecordType, bool) {
	switch s {
	case "A":
		return RecordTypeA, true
	case "PTR":
		return RecordTypePTR, true
	case "TXT":
		return RecordTypeTXT, true
	case "AAAA":
		return RecordTypeAAAA, true
	case "SRV":
		return RecordTypeSRV, true
	case "NSEC":
		return RecordTypeNSEC, true
	case "ANY":
		return RecordTypeANY, true
	default:
		return 0, false
	}
}

// Header flag masks per RFC 1035 §4.1.1.
const (
	FlagResponse      uint16 = 1 << 15
	FlagAuthoritative uint16 = 1 << 10
	FlagTruncated     uint16 = 1 << 9
	OpcodeMask        uint16 = 0xF << 11
	RcodeMask         uint16 = 0xF
)
