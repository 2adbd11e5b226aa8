package engine

import (
	"net/netip"

	"github.com/pharos-net/pharos/internal/errors"
	"github.com/pharos-net/pharos/internal/message"
	"github.com/pharos-net/pharos/internal/protocol"
)

// ResourceRecord is re-exported so adapters can build and inspect records
// without importing the internal codec.
type ResourceRecord = message.ResourceRecord

// Typed rdata payloads, re-exported alongside ResourceRecord.
type (
	AData    = message.AData
	AAAAData = message.AAAAData
	PTRData  = message.PTRData
	SRVData  = message.SRVData
	TXTData  = message.TXTData
)

// RecordType is the DNS record type of a record or question.
type RecordType = protocol.RecordType

// Record type constants, re-exported for adapter convenience.
const (
	TypeA    = protocol.RecordTypeA
	TypePTR  = protocol.RecordTypePTR
	TypeTXT  = protocol.RecordTypeTXT
	TypeAAAA = protocol.RecordTypeAAAA
	TypeSRV  = protocol.RecordTypeSRV
	TypeANY  = protocol.RecordTypeANY
)

// ClassIN is the Internet class; mDNS uses no other.
const ClassIN = protocol.ClassIN

// RecordSet is a named group of records published as one unit and owned by
// one lifecycle state machine: typically the PTR+SRV+TXT+address records of
// a single service instance.
type RecordSet struct {
	// Name is the contested name the set probes for: the service instance
	// name, or the host name for bare address records.
	Name    string
	Records []ResourceRecord
}

// ServiceInfo describes one DNS-SD service instance per RFC 6763 §4.
type ServiceInfo struct {
	InstanceName string // "My Printer"
	ServiceType  string // "_ipp._tcp.local"
	Hostname     string // "myhost.local"
	Port         uint16
	IPv4         netip.Addr // zero value to omit the A record
	IPv6         netip.Addr // zero value to omit the AAAA record
	TXT          []string   // "key=value" strings
}

// BuildRecordSet assembles the standard DNS-SD record set for a service:
// PTR (shared), SRV, TXT and address records, with RFC 6762 §10 TTLs
// (120 s for service discovery data, 4500 s for host addresses).
func BuildRecordSet(info ServiceInfo) (RecordSet, error) {
	if info.InstanceName == "" {
		return RecordSet{}, &errors.ValidationError{Field: "instance name", Reason: "must not be empty"}
	}
	if _, err := message.EncodeName(info.ServiceType); err != nil {
		return RecordSet{}, err
	}
	if _, err := message.EncodeName(info.Hostname); err != nil {
		return RecordSet{}, err
	}
	if info.Port == 0 {
		return RecordSet{}, &errors.ValidationError{Field: "port", Reason: "must not be zero"}
	}

	instance := info.InstanceName + "." + info.ServiceType
	set := RecordSet{Name: instance}

	set.Records = append(set.Records, ResourceRecord{
		Name:  info.ServiceType,
		Type:  protocol.RecordTypePTR,
		Class: protocol.ClassIN,
		TTL:   protocol.TTLService,
		Data:  message.PTRData{Target: instance},
	})
	set.Records = append(set.Records, ResourceRecord{
		Name:  instance,
		Type:  protocol.RecordTypeSRV,
		Class: protocol.ClassIN,
		TTL:   protocol.TTLService,
		Data: message.SRVData{
			Port:   info.Port,
			Target: info.Hostname,
		},
	})
	set.Records = append(set.Records, ResourceRecord{
		Name:  instance,
		Type:  protocol.RecordTypeTXT,
		Class: protocol.ClassIN,
		TTL:   protocol.TTLService,
		Data:  message.TXTData{Strings: info.TXT},
	})
	if info.IPv4.IsValid() {
		set.Records = append(set.Records, ResourceRecord{
			Name:  info.Hostname,
			Type:  protocol.RecordTypeA,
			Class: protocol.ClassIN,
			TTL:   protocol.TTLHostname,
			Data:  message.AData{Addr: info.IPv4},
		})
	}
	if info.IPv6.IsValid() {
		set.Records = append(set.Records, ResourceRecord{
			Name:  info.Hostname,
			Type:  protocol.RecordTypeAAAA,
			Class: protocol.ClassIN,
			TTL:   protocol.TTLHostname,
			Data:  message.AAAAData{Addr: info.IPv6},
		})
	}
	return set, nil
}
