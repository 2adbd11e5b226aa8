// Package engine is a sans-I/O mDNS (RFC 6762) and DNS-SD (RFC 6763)
// protocol engine.
//
// The engine performs no socket I/O, starts no goroutines, and never reads a
// clock. It is a deterministic automaton: the adapter feeds it incoming
// packets and time advances, and each call returns the batch of packets to
// transmit plus the deadline at which the engine next has work. Any wait —
// a probe interval, a delayed multicast response, a query retransmit — is
// expressed purely as that returned deadline.
//
// All state is owned by the Engine instance and access is single-writer: the
// adapter serializes calls into it. There is nothing to cancel asynchronously
// because nothing inside ever blocks.
package engine

import (
	"math/rand"
	"net/netip"
	"strings"
	"time"

	"github.com/pharos-net/pharos/internal/errors"
	"github.com/pharos-net/pharos/internal/message"
	"github.com/pharos-net/pharos/internal/protocol"
	"github.com/pharos-net/pharos/internal/query"
	"github.com/pharos-net/pharos/internal/respond"
	"github.com/pharos-net/pharos/internal/state"
	"github.com/pharos-net/pharos/internal/store"
)

var (
	groupV4 = netip.AddrPortFrom(netip.MustParseAddr(protocol.MulticastAddrIPv4), protocol.Port)
	groupV6 = netip.AddrPortFrom(netip.MustParseAddr(protocol.MulticastAddrIPv6), protocol.Port)
)

const defaultCacheCapacity = 1024

// Handle identifies a published record set. Zero is never valid.
type Handle int

// QueryHandle identifies a running query. Zero is never valid.
type QueryHandle = query.Handle

// Match is a browse/resolve result: a cache insertion that answers one of
// the running queries, deduplicated per query by (name, type, rdata).
type Match = query.Match

// Phase re-exports the lifecycle phase of a published record set.
type Phase = state.Phase

// Lifecycle phases, re-exported for status inspection.
const (
	PhaseProbing     = state.PhaseProbing
	PhaseAnnouncing  = state.PhaseAnnouncing
	PhaseEstablished = state.PhaseEstablished
	PhaseGoodbye     = state.PhaseGoodbye
	PhaseClosed      = state.PhaseClosed
	PhaseFatal       = state.PhaseFatal
)

// OutgoingPacket is one UDP datagram the adapter should transmit.
type OutgoingPacket struct {
	Payload []byte
	Dest    netip.AddrPort
}

// Event reports a lifecycle transition of a published record set. Err is
// non-nil only for PhaseFatal (rename attempts exhausted).
type Event struct {
	Set   Handle
	Phase Phase
	Name  string
	Err   error
}

// Batch is the output of one engine step.
type Batch struct {
	Packets []OutgoingPacket
	Matches []Match
	Events  []Event
}

// Engine is the sans-I/O mDNS protocol engine.
type Engine struct {
	store     *store.Store
	responder *respond.Responder
	queries   *query.Engine
	machines  map[Handle]*state.Machine
	announced map[Handle]bool
	nextSet   Handle
	rng       *rand.Rand
	group     netip.AddrPort

	cacheCapacity  int
	pendingMatches []Match
}

// New creates an engine. Without WithRand the jitter source is seeded from
// the default rand source, which is fine for production and wrong for tests.
func New(opts ...Option) *Engine {
	e := &Engine{
		machines:      make(map[Handle]*state.Machine),
		announced:     make(map[Handle]bool),
		rng:           rand.New(rand.NewSource(rand.Int63())),
		group:         groupV4,
		cacheCapacity: defaultCacheCapacity,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.store = store.New(e.cacheCapacity)
	e.responder = respond.New(e.store, e.rng)
	e.queries = query.New(e.store)
	return e
}

// Publish starts the probe-announce lifecycle for a record set per
// RFC 6762 §8. The set is answered by the responder only once probing
// completes; progress is reported through Batch.Events.
//
// Returns ConflictPendingError if another record set is already probing the
// same name.
func (e *Engine) Publish(set RecordSet, now time.Time) (Handle, error) {
	if set.Name == "" || len(set.Records) == 0 {
		return 0, &errors.ValidationError{Field: "record set", Reason: "needs a name and at least one record"}
	}
	for _, m := range e.machines {
		if m.Phase() == state.PhaseProbing && strings.EqualFold(m.Name(), set.Name) {
			return 0, &errors.ConflictPendingError{Name: set.Name}
		}
	}

	e.nextSet++
	h := e.nextSet
	m := state.NewMachine(set.Name, set.Records)
	e.machines[h] = m
	e.store.MarkProbing(set.Name, int(h))

	// RFC 6762 §8.1: the first probe waits a random 0-250 ms so hosts
	// powering on together do not probe in lockstep.
	m.Start(now.Add(time.Duration(e.rng.Int63n(int64(state.ProbeInterval)))))
	return h, nil
}

// Withdraw takes a published record set off the air. Established sets send
// two goodbye (ttl=0) packets on the following ticks per RFC 6762 §10.1;
// sets still probing close immediately.
func (e *Engine) Withdraw(h Handle, now time.Time) error {
	m, ok := e.machines[h]
	if !ok {
		return &errors.ClosedError{What: "record set"}
	}
	e.store.ClearProbing(m.Name(), int(h))
	m.Withdraw(now)
	if m.Phase() == state.PhaseClosed {
		e.finishSet(h)
	}
	return nil
}

// SetPhase reports the lifecycle phase of a published record set, and its
// terminal error once Fatal.
func (e *Engine) SetPhase(h Handle) (Phase, error) {
	m, ok := e.machines[h]
	if !ok {
		return state.PhaseClosed, nil
	}
	return m.Phase(), m.Err()
}

// Query starts a continuous query per RFC 6762 §5.2. Already-cached answers
// surface as matches on the next Tick; new answers surface as their packets
// arrive.
func (e *Engine) Query(name string, rtype RecordType, class uint16, now time.Time) QueryHandle {
	h := e.queries.Start(name, rtype, class, now)

	// Replay what the cache already knows so late subscribers see the
	// same stream as early ones.
	it := e.store.Lookup(name, rtype, class)
	for _, ent, ok := it.Next(); ok; _, ent, ok = it.Next() {
		if ent.Origin != store.OriginLearned {
			continue
		}
		e.pendingMatches = append(e.pendingMatches, e.queries.Matches(&ent.Record, now)...)
	}
	return h
}

// StopQuery removes a query without touching the cache.
func (e *Engine) StopQuery(h QueryHandle) error {
	return e.queries.Stop(h)
}

// OnPacket feeds one incoming datagram into the engine.
//
// Malformed packets are dropped silently — mDNS defines no negative
// acknowledgement — as are messages with a non-zero opcode or response code
// per RFC 6762 §18. The returned batch holds any immediate replies; delayed
// work lands on the deadline reported by NextDeadline.
func (e *Engine) OnPacket(data []byte, src netip.AddrPort, now time.Time) Batch {
	var batch Batch

	msg, err := message.ParseMessage(data)
	if err != nil {
		return batch
	}
	if msg.Header.Rcode() != 0 {
		return batch
	}

	if msg.Header.IsResponse() {
		e.handleResponse(msg, now, &batch)
	} else {
		e.handleQuery(msg, src, now, &batch)
	}
	return batch
}

// Tick advances time-driven work: cache expiry, probe/announce/goodbye
// schedules, delayed responses, and query retransmits. It returns the output
// batch and the next deadline (zero when the engine is idle).
func (e *Engine) Tick(now time.Time) (Batch, time.Time) {
	var batch Batch

	e.store.Expire(now)

	for h, m := range e.machines {
		outs, _ := m.Advance(now)
		e.applyOutputs(h, m, outs, now, &batch)
	}

	for _, reply := range e.responder.Flush(now) {
		e.appendReply(reply, netip.AddrPort{}, &batch)
	}

	for _, q := range e.queries.Tick(now) {
		if pkt, err := q.Encode(); err == nil {
			batch.Packets = append(batch.Packets, OutgoingPacket{Payload: pkt, Dest: e.group})
		}
	}

	batch.Matches = append(batch.Matches, e.pendingMatches...)
	e.pendingMatches = nil

	return batch, e.NextDeadline()
}

// NextDeadline returns the earliest moment any component has work, zero when
// fully idle. The adapter schedules its timer from this.
func (e *Engine) NextDeadline() time.Time {
	next := e.store.NextExpiry()
	merge := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, m := range e.machines {
		merge(m.NextDeadline())
	}
	merge(e.responder.NextDeadline())
	merge(e.queries.NextDeadline())
	return next
}

func (e *Engine) handleQuery(msg *message.Message, src netip.AddrPort, now time.Time, batch *Batch) {
	for _, reply := range e.responder.HandleQuery(msg, src.Port(), now) {
		e.appendReply(reply, src, batch)
	}

	// A probe from another host carries its proposed records in the
	// authority section. If one collides with a name we are probing, settle
	// it by the RFC 6762 §8.2 tiebreak instead of waiting for both sides to
	// announce.
	for i := range msg.Authorities {
		e.checkConflict(&msg.Authorities[i], now, batch)
	}
}

func (e *Engine) handleResponse(msg *message.Message, now time.Time, batch *Batch) {
	records := make([]*message.ResourceRecord, 0, len(msg.Answers)+len(msg.Additionals))
	for i := range msg.Answers {
		records = append(records, &msg.Answers[i])
	}
	for i := range msg.Additionals {
		records = append(records, &msg.Additionals[i])
	}

	for _, rr := range records {
		if e.checkConflict(rr, now, batch) {
			continue
		}
		if rr.Class != protocol.ClassIN {
			continue
		}
		_, fresh := e.store.InsertLearned(*rr, now)
		if fresh {
			batch.Matches = append(batch.Matches, e.queries.Matches(rr, now)...)
		}
	}
}

// checkConflict tests an incoming record against every live record set and
// lets the owning machine resolve the tiebreak. Returns true when the record
// contested one of ours, in which case it must not enter the cache.
func (e *Engine) checkConflict(rr *message.ResourceRecord, now time.Time, batch *Batch) bool {
	conflicted := false
	for h, m := range e.machines {
		phase := m.Phase()
		if phase != state.PhaseProbing && phase != state.PhaseAnnouncing && phase != state.PhaseEstablished {
			continue
		}
		for _, ours := range m.Records() {
			// PTR records are shared, not unique: many hosts legitimately
			// publish instances under the same service-type name, so they
			// are neither probed nor defended (RFC 6762 §8.1).
			if ours.Type == protocol.RecordTypePTR {
				continue
			}
			if !strings.EqualFold(ours.Name, rr.Name) || ours.Type != rr.Type || ours.Class != rr.Class {
				continue
			}
			theirPacked := message.PackRData(rr.Data)
			ourPacked := message.PackRData(ours.Data)
			if string(theirPacked) == string(ourPacked) {
				continue // same data, no conflict, likely our own echo
			}

			conflicted = true
			oldName := m.Name()
			outs := m.HandleConflict(now, theirPacked, ourPacked)
			e.applyOutputs(h, m, outs, now, batch)
			e.noteTransition(h, m, oldName, batch)
			break
		}
	}
	return conflicted
}

// noteTransition reconciles engine bookkeeping after a conflict: renames
// move the probing claim, Fatal clears it and surfaces the error.
func (e *Engine) noteTransition(h Handle, m *state.Machine, oldName string, batch *Batch) {
	switch {
	case m.Phase() == state.PhaseFatal:
		e.store.ClearProbing(oldName, int(h))
		e.store.RemoveOwned(int(h))
		batch.Events = append(batch.Events, Event{Set: h, Phase: state.PhaseFatal, Name: oldName, Err: m.Err()})

	case m.Name() != oldName:
		e.store.ClearProbing(oldName, int(h))
		e.store.MarkProbing(m.Name(), int(h))
		e.store.RemoveOwned(int(h))
		e.announced[h] = false
		batch.Events = append(batch.Events, Event{Set: h, Phase: m.Phase(), Name: m.Name()})
	}
}

// applyOutputs turns machine outputs into packets and applies the side
// effects of phase transitions (store insertion after a clean probe, store
// removal after the last goodbye).
func (e *Engine) applyOutputs(h Handle, m *state.Machine, outs []state.Output, now time.Time, batch *Batch) {
	for _, out := range outs {
		var msg *message.Message
		switch out.Kind {
		case state.OutputProbe:
			msg = &message.Message{
				Questions: []message.Question{{
					Name:  out.Name,
					Type:  protocol.RecordTypeANY,
					Class: protocol.ClassIN,
				}},
				Authorities: out.Records,
			}
		case state.OutputAnnounce, state.OutputGoodbye:
			msg = &message.Message{
				Header:  message.Header{Flags: protocol.FlagResponse | protocol.FlagAuthoritative},
				Answers: out.Records,
			}
		}
		if pkt, err := msg.Encode(); err == nil {
			batch.Packets = append(batch.Packets, OutgoingPacket{Payload: pkt, Dest: e.group})
		}
	}

	switch m.Phase() {
	case state.PhaseAnnouncing, state.PhaseEstablished:
		if !e.announced[h] {
			e.announced[h] = true
			e.store.ClearProbing(m.Name(), int(h))
			for _, rr := range m.Records() {
				_, _ = e.store.InsertAuthoritative(rr, int(h), now)
			}
			batch.Events = append(batch.Events, Event{Set: h, Phase: state.PhaseAnnouncing, Name: m.Name()})
		}
	case state.PhaseClosed:
		e.finishSet(h)
	}
}

func (e *Engine) finishSet(h Handle) {
	if m, ok := e.machines[h]; ok {
		e.store.ClearProbing(m.Name(), int(h))
	}
	e.store.RemoveOwned(int(h))
	delete(e.machines, h)
	delete(e.announced, h)
}

// appendReply encodes a responder reply. Unicast replies go back to the
// query's source address; everything else goes to the multicast group.
func (e *Engine) appendReply(reply respond.Reply, src netip.AddrPort, batch *Batch) {
	pkt, err := reply.Msg.Encode()
	if err != nil {
		return
	}
	dest := e.group
	if reply.Unicast && src.IsValid() {
		dest = src
	}
	batch.Packets = append(batch.Packets, OutgoingPacket{Payload: pkt, Dest: dest})
}
