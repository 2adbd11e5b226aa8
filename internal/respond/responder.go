// Package respond answers incoming mDNS questions from the authoritative
// partition per RFC 6762 §6, with the traffic-reduction rules layered on:
// known-answer suppression, randomized multicast response delay, and a
// one-second duplicate-answer aggregation window.
package respond

import (
	"math/rand"
	"time"

	"github.com/pharos-net/pharos/internal/message"
	"github.com/pharos-net/pharos/internal/protocol"
	"github.com/pharos-net/pharos/internal/store"
)

// Multicast responses wait a random 20-120 ms per RFC 6762 §6: when several
// responders could answer the same question, the jitter spreads the replies
// out and lets duplicate suppression work.
const (
	ResponseDelayMin = 20 * time.Millisecond
	ResponseDelayMax = 120 * time.Millisecond
)

// AggregationWindow suppresses re-sending an answer multicast so soon after
// its last transmission per RFC 6762 §6.
const AggregationWindow = time.Second

// Reply is one response message the engine should transmit. Due is zero for
// immediate (unicast legacy) replies.
type Reply struct {
	Msg     *message.Message
	Unicast bool
	Due     time.Time
}

// Responder matches questions against the store's authoritative partition.
type Responder struct {
	store   *store.Store
	rng     *rand.Rand
	pending []Reply
	sent    map[string]time.Time
}

// New creates a responder over the shared record store. rng supplies the
// response-delay jitter so tests can pin it.
func New(s *store.Store, rng *rand.Rand) *Responder {
	return &Responder{
		store: s,
		rng:   rng,
		sent:  make(map[string]time.Time),
	}
}

// HandleQuery answers the questions of one incoming query message.
//
// Unicast legacy replies (source port ≠ 5353, RFC 6762 §6.7) are returned
// immediately with the query's id echoed; QU-bit questions go unicast unless
// a cache-flush or shared record in the answer set forces multicast.
// Multicast replies are scheduled 20-120 ms out and surface later via Flush.
func (r *Responder) HandleQuery(query *message.Message, srcPort uint16, now time.Time) []Reply {
	legacy := srcPort != protocol.Port

	var answers []message.ResourceRecord
	allUnicastRequested := len(query.Questions) > 0
	for _, q := range query.Questions {
		if q.Class != protocol.ClassIN && q.Class != 0 {
			continue
		}
		if !q.Unicast {
			allUnicastRequested = false
		}

		it := r.store.Lookup(q.Name, q.Type, protocol.ClassIN)
		for _, e, ok := it.Next(); ok; _, e, ok = it.Next() {
			if e.Origin != store.OriginAuthoritative {
				continue
			}
			rr := e.Record
			if knownAnswer(query, &rr) {
				continue
			}
			if !legacy && r.sentRecently(rr.Key(), now) {
				continue
			}
			answers = append(answers, rr)
		}
	}
	if len(answers) == 0 {
		return nil
	}

	unicast := legacy || (allUnicastRequested && !forcesMulticast(answers))

	resp := &message.Message{
		Header: message.Header{
			Flags: protocol.FlagResponse | protocol.FlagAuthoritative,
		},
		Answers: answers,
	}
	resp.Additionals = r.additionals(answers)

	if legacy {
		// RFC 6762 §6.7: legacy responses echo the query id and must not
		// carry the cache-flush bit.
		resp.Header.ID = query.Header.ID
		for i := range resp.Answers {
			resp.Answers[i].CacheFlush = false
		}
		for i := range resp.Additionals {
			resp.Additionals[i].CacheFlush = false
		}
		return []Reply{{Msg: resp, Unicast: true}}
	}

	r.markSent(answers, now)
	if unicast {
		return []Reply{{Msg: resp, Unicast: true}}
	}

	jitter := ResponseDelayMin + time.Duration(r.rng.Int63n(int64(ResponseDelayMax-ResponseDelayMin)))
	r.pending = append(r.pending, Reply{Msg: resp, Due: now.Add(jitter)})
	return nil
}

// Flush returns the delayed multicast replies that have come due.
func (r *Responder) Flush(now time.Time) []Reply {
	var due []Reply
	rest := r.pending[:0]
	for _, p := range r.pending {
		if !now.Before(p.Due) {
			due = append(due, p)
		} else {
			rest = append(rest, p)
		}
	}
	r.pending = rest
	return due
}

// NextDeadline returns the earliest pending reply's due time, zero when none.
func (r *Responder) NextDeadline() time.Time {
	var next time.Time
	for _, p := range r.pending {
		if next.IsZero() || p.Due.Before(next) {
			next = p.Due
		}
	}
	return next
}

// knownAnswer reports whether the query already lists rr with at least half
// its original ttl remaining, RFC 6762 §7.1.
func knownAnswer(query *message.Message, rr *message.ResourceRecord) bool {
	key := rr.Key()
	for i := range query.Answers {
		ka := &query.Answers[i]
		if ka.Key() == key && ka.TTL >= rr.TTL/2 {
			return true
		}
	}
	return false
}

// forcesMulticast reports whether the answer set contains records that must
// go to the group: flush-bit records (everyone's cache needs the overwrite)
// or shared records like PTR.
func forcesMulticast(answers []message.ResourceRecord) bool {
	for i := range answers {
		if answers[i].CacheFlush || answers[i].Type == protocol.RecordTypePTR {
			return true
		}
	}
	return false
}

func (r *Responder) sentRecently(key string, now time.Time) bool {
	last, ok := r.sent[key]
	return ok && now.Sub(last) < AggregationWindow
}

func (r *Responder) markSent(answers []message.ResourceRecord, now time.Time) {
	for i := range answers {
		r.sent[answers[i].Key()] = now
	}
	// Drop stale aggregation bookkeeping while we are here.
	for k, t := range r.sent {
		if now.Sub(t) >= AggregationWindow {
			delete(r.sent, k)
		}
	}
}

// additionals fills the additional section per RFC 6763 §12: SRV and TXT for
// PTR answers, addresses for SRV targets.
func (r *Responder) additionals(answers []message.ResourceRecord) []message.ResourceRecord {
	var out []message.ResourceRecord
	seen := make(map[string]bool, len(answers))
	for i := range answers {
		seen[answers[i].Key()] = true
	}

	add := func(name string, rtype protocol.RecordType) {
		it := r.store.Lookup(name, rtype, protocol.ClassIN)
		for _, e, ok := it.Next(); ok; _, e, ok = it.Next() {
			if e.Origin != store.OriginAuthoritative || seen[e.Record.Key()] {
				continue
			}
			seen[e.Record.Key()] = true
			out = append(out, e.Record)
		}
	}

	for i := range answers {
		switch d := answers[i].Data.(type) {
		case message.PTRData:
			add(d.Target, protocol.RecordTypeSRV)
			add(d.Target, protocol.RecordTypeTXT)
		case message.SRVData:
			add(d.Target, protocol.RecordTypeA)
			add(d.Target, protocol.RecordTypeAAAA)
		}
	}
	// Address records for SRV records we just added.
	for i := range out {
		if d, ok := out[i].Data.(message.SRVData); ok {
			add(d.Target, protocol.RecordTypeA)
			add(d.Target, protocol.RecordTypeAAAA)
		}
	}
	return out
}
