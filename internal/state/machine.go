// Package state implements the per-record-set publication lifecycle of
// RFC 6762 §8-§10: probing for conflicts, announcing, defending the name
// once established, and goodbye on withdrawal.
//
// The machine is sans-I/O. It never sleeps and never reads a clock; Advance
// is called with the current time and returns the packets-worth of work that
// is due plus the next deadline, and the caller owns the waiting.
package state

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pharos-net/pharos/internal/errors"
	"github.com/pharos-net/pharos/internal/message"
	"github.com/pharos-net/pharos/internal/protocol"
)

// Lifecycle timing per RFC 6762.
const (
	// ProbeCount and ProbeInterval per RFC 6762 §8.1: three probes, 250 ms
	// apart, before a name may be used.
	ProbeCount    = 3
	ProbeInterval = 250 * time.Millisecond

	// AnnounceCount announcements, the first immediately after probing
	// completes, subsequent ones at doubling intervals per RFC 6762 §8.3.
	AnnounceCount         = 3
	AnnounceFirstInterval = time.Second

	// GoodbyeCount goodbye packets (ttl=0) per RFC 6762 §10.1.
	GoodbyeCount    = 2
	GoodbyeInterval = 250 * time.Millisecond

	// MaxRenameAttempts bounds the RFC 6762 §9 rename loop. The RFC sets no
	// limit; ten keeps a hostile network from renaming us forever.
	MaxRenameAttempts = 10

	// DefenseWindow: a second conflicting announcement this soon after a
	// defense means we are being outcompeted and should rename, RFC 6762 §9.
	DefenseWindow = 10 * time.Second
)

// Phase is the lifecycle state of one published record set.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseProbing
	PhaseAnnouncing
	PhaseEstablished
	PhaseGoodbye
	PhaseClosed
	PhaseFatal
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseProbing:
		return "Probing"
	case PhaseAnnouncing:
		return "Announcing"
	case PhaseEstablished:
		return "Established"
	case PhaseGoodbye:
		return "Goodbye"
	case PhaseClosed:
		return "Closed"
	case PhaseFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// OutputKind tells the engine what kind of packet an Output asks for.
type OutputKind int

const (
	// OutputProbe: an ANY-type question for the candidate name with the
	// proposed records in the authority section, RFC 6762 §8.1.
	OutputProbe OutputKind = iota
	// OutputAnnounce: unsolicited response carrying the record set with the
	// cache-flush bit set, RFC 6762 §8.3.
	OutputAnnounce
	// OutputGoodbye: the record set with ttl=0, RFC 6762 §10.1.
	OutputGoodbye
)

// Output is one packet-worth of work the machine wants sent.
type Output struct {
	Kind    OutputKind
	Name    string
	Records []message.ResourceRecord
}

// Machine runs the publication lifecycle for one record set.
type Machine struct {
	name      string // current candidate name
	baseLabel string // first label before any rename suffix
	records   []message.ResourceRecord

	phase    Phase
	attempt  int
	interval time.Duration
	next     time.Time

	renames      int
	lastConflict time.Time
	defended     bool
	fatal        error
}

// NewMachine creates a machine for a record set whose contested name is name
// (the service instance or host name carried by the records).
func NewMachine(name string, records []message.ResourceRecord) *Machine {
	label := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		label = name[:i]
	}
	return &Machine{
		name:      name,
		baseLabel: label,
		records:   records,
		phase:     PhaseInit,
	}
}

// Name returns the current candidate name, including any rename suffix.
func (m *Machine) Name() string { return m.name }

// Records returns the candidate records with their current names.
func (m *Machine) Records() []message.ResourceRecord { return m.records }

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() Phase { return m.phase }

// Err returns the terminal error once the machine is Fatal.
func (m *Machine) Err() error { return m.fatal }

// NextDeadline returns when Advance next has work, zero when idle.
func (m *Machine) NextDeadline() time.Time {
	switch m.phase {
	case PhaseProbing, PhaseAnnouncing, PhaseGoodbye:
		return m.next
	default:
		return time.Time{}
	}
}

// Start begins probing. The first probe goes out on the next Advance; the
// RFC's initial 0-250 ms jitter is supplied by the engine, which seeds the
// deadline it passes here.
func (m *Machine) Start(now time.Time) {
	if m.phase != PhaseInit {
		return
	}
	m.phase = PhaseProbing
	m.attempt = 0
	m.next = now
}

// Withdraw moves the set toward Closed. Sets that never finished probing
// were never announced and close without goodbyes per RFC 6762 §10.1.
func (m *Machine) Withdraw(now time.Time) {
	switch m.phase {
	case PhaseInit, PhaseProbing:
		m.phase = PhaseClosed
	case PhaseAnnouncing, PhaseEstablished:
		m.phase = PhaseGoodbye
		m.attempt = 0
		m.next = now
	}
}

// Advance performs all work due at now and returns the outputs plus the next
// deadline (zero when the machine is idle or terminal).
func (m *Machine) Advance(now time.Time) ([]Output, time.Time) {
	var outs []Output
	for {
		if m.phase != PhaseProbing && m.phase != PhaseAnnouncing && m.phase != PhaseGoodbye {
			return outs, time.Time{}
		}
		if now.Before(m.next) {
			return outs, m.next
		}

		switch m.phase {
		case PhaseProbing:
			if m.attempt < ProbeCount {
				outs = append(outs, Output{Kind: OutputProbe, Name: m.name, Records: m.records})
				m.attempt++
				m.next = now.Add(ProbeInterval)
				continue
			}
			// Three probes out, 250 ms of silence after the last: clean.
			m.phase = PhaseAnnouncing
			m.attempt = 0
			m.interval = AnnounceFirstInterval
			m.next = now

		case PhaseAnnouncing:
			if m.attempt < AnnounceCount {
				outs = append(outs, Output{Kind: OutputAnnounce, Name: m.name, Records: m.flushRecords()})
				m.attempt++
				m.next = now.Add(m.interval)
				m.interval *= 2
				continue
			}
			m.phase = PhaseEstablished

		case PhaseGoodbye:
			if m.attempt < GoodbyeCount {
				outs = append(outs, Output{Kind: OutputGoodbye, Name: m.name, Records: m.goodbyeRecords()})
				m.attempt++
				m.next = now.Add(GoodbyeInterval)
				continue
			}
			m.phase = PhaseClosed
		}
	}
}

// HandleConflict processes a record seen on the wire that shares a
// (name, type, class) with one of ours but differs in rdata.
//
// theirs and ours are the packed rdata of the two contenders; RFC 6762 §8.2
// awards the name to the lexicographically greater byte string. Returns the
// defense announcement to send, if any.
func (m *Machine) HandleConflict(now time.Time, theirs, ours []byte) []Output {
	switch m.phase {
	case PhaseProbing:
		if bytes.Compare(theirs, ours) > 0 {
			m.rename(now)
		}
		// We win the tiebreak: keep probing, the loser backs off.
		return nil

	case PhaseEstablished:
		repeat := m.defended && now.Sub(m.lastConflict) < DefenseWindow
		m.lastConflict = now
		if repeat {
			// Defense did not stick; concede the name per RFC 6762 §9.
			m.defended = false
			m.rename(now)
			return nil
		}
		m.defended = true
		return []Output{{Kind: OutputAnnounce, Name: m.name, Records: m.flushRecords()}}

	default:
		return nil
	}
}

// rename mutates the candidate name with the next numeric suffix
// ("Name" → "Name-2" → "Name-3"…) and restarts probing from attempt zero,
// or goes Fatal once the attempts are spent.
func (m *Machine) rename(now time.Time) {
	if m.renames+1 >= MaxRenameAttempts {
		m.phase = PhaseFatal
		m.fatal = &errors.NameExhaustedError{Name: m.name, Attempts: m.renames + 1}
		return
	}
	m.renames++

	old := m.name
	newLabel := m.baseLabel + "-" + strconv.Itoa(m.renames+1)
	m.name = newLabel + strings.TrimPrefix(old, labelOf(old))

	for i := range m.records {
		if strings.EqualFold(m.records[i].Name, old) {
			m.records[i].Name = m.name
		}
		if ptr, ok := m.records[i].Data.(message.PTRData); ok && strings.EqualFold(ptr.Target, old) {
			m.records[i].Data = message.PTRData{Target: m.name}
		}
	}

	m.phase = PhaseProbing
	m.attempt = 0
	m.next = now.Add(ProbeInterval)
}

func labelOf(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func (m *Machine) flushRecords() []message.ResourceRecord {
	out := make([]message.ResourceRecord, len(m.records))
	copy(out, m.records)
	for i := range out {
		// PTR records are shared between instances of a service type and
		// must not carry the flush bit, RFC 6762 §10.2.
		if out[i].Type != protocol.RecordTypePTR {
			out[i].CacheFlush = true
		}
	}
	return out
}

func (m *Machine) goodbyeRecords() []message.ResourceRecord {
	out := make([]message.ResourceRecord, len(m.records))
	copy(out, m.records)
	for i := range out {
		out[i].TTL = 0
		out[i].CacheFlush = false
	}
	return out
}
