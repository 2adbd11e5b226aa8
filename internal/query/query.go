// Package query schedules continuous mDNS queries per RFC 6762 §5.2:
// retransmission with exponentially widening intervals, known-answer
// suppression from the cache, and per-query deduplication of results.
package query

import (
	"strings"
	"time"

	"github.com/pharos-net/pharos/internal/errors"
	"github.com/pharos-net/pharos/internal/message"
	"github.com/pharos-net/pharos/internal/protocol"
	"github.com/pharos-net/pharos/internal/store"
)

// Retransmission timing per RFC 6762 §5.2: the interval between queries
// starts at one second, doubles each time, and is capped at 60 minutes.
const (
	InitialInterval = time.Second
	MaxInterval     = 60 * time.Minute
)

// knownAnswerThreshold: cache entries above half their original ttl ride
// along as known answers; below that the querier wants fresh data
// (RFC 6762 §7.1).
const knownAnswerThreshold = 2

// Handle identifies a running query. The zero Handle is never valid.
type Handle int

// Match is one cache insertion surfaced to a query's consumer.
type Match struct {
	Query  Handle
	Record message.ResourceRecord
}

type entry struct {
	name     string
	rtype    protocol.RecordType
	class    uint16
	next     time.Time
	interval time.Duration
	seen     map[string]bool
	live     bool
}

// Engine drives all running queries against the shared record store.
type Engine struct {
	store   *store.Store
	queries []entry
	free    []Handle
}

// New creates a query engine over the shared store.
func New(s *store.Store) *Engine {
	return &Engine{store: s, queries: make([]entry, 1)} // slot 0 reserved
}

// Start begins a continuous query. The first transmission happens on the
// next Tick; answers already cached are surfaced immediately as matches by
// the caller replaying the cache through Matches.
func (e *Engine) Start(name string, rtype protocol.RecordType, class uint16, now time.Time) Handle {
	h := e.alloc()
	e.queries[h] = entry{
		name:     name,
		rtype:    rtype,
		class:    class,
		next:     now,
		interval: InitialInterval,
		seen:     make(map[string]bool),
		live:     true,
	}
	return h
}

// Stop removes a query. The cache keeps whatever the query learned.
func (e *Engine) Stop(h Handle) error {
	if h <= 0 || int(h) >= len(e.queries) || !e.queries[h].live {
		return &errors.ClosedError{What: "query"}
	}
	e.queries[h] = entry{}
	e.free = append(e.free, h)
	return nil
}

// Tick builds the question messages for every query whose deadline has
// elapsed, doubling its retry interval up to the cap.
func (e *Engine) Tick(now time.Time) []*message.Message {
	var msgs []*message.Message
	for h := range e.queries {
		q := &e.queries[h]
		if !q.live || now.Before(q.next) {
			continue
		}

		msg := &message.Message{
			Questions: []message.Question{{
				Name:  q.name,
				Type:  q.rtype,
				Class: q.class,
			}},
			Answers: e.knownAnswers(q, now),
		}
		msgs = append(msgs, msg)

		q.next = now.Add(q.interval)
		q.interval *= 2
		if q.interval > MaxInterval {
			q.interval = MaxInterval
		}
	}
	return msgs
}

// NextDeadline returns the earliest retransmit deadline, zero when no
// queries are running.
func (e *Engine) NextDeadline() time.Time {
	var next time.Time
	for h := range e.queries {
		q := &e.queries[h]
		if q.live && (next.IsZero() || q.next.Before(next)) {
			next = q.next
		}
	}
	return next
}

// Matches surfaces a freshly cached record to every query it answers,
// deduplicated per query by (name, type, rdata).
func (e *Engine) Matches(rr *message.ResourceRecord, now time.Time) []Match {
	var out []Match
	key := rr.Key()
	for h := range e.queries {
		q := &e.queries[h]
		if !q.live || !e.answers(q, rr) || q.seen[key] {
			continue
		}
		q.seen[key] = true
		out = append(out, Match{Query: Handle(h), Record: *rr})
	}
	return out
}

func (e *Engine) answers(q *entry, rr *message.ResourceRecord) bool {
	if q.rtype != protocol.RecordTypeANY && rr.Type != q.rtype {
		return false
	}
	if q.class != rr.Class {
		return false
	}
	return strings.EqualFold(q.name, rr.Name)
}

// knownAnswers collects cache entries for the question whose remaining ttl
// is above half the original, carried with their decremented ttl per
// RFC 6762 §7.1.
func (e *Engine) knownAnswers(q *entry, now time.Time) []message.ResourceRecord {
	var out []message.ResourceRecord
	it := e.store.Lookup(q.name, q.rtype, q.class)
	for _, ent, ok := it.Next(); ok; _, ent, ok = it.Next() {
		if ent.Origin != store.OriginLearned {
			continue
		}
		remaining := ent.RemainingTTL(now)
		if remaining <= ent.Record.TTL/knownAnswerThreshold {
			continue
		}
		rr := ent.Record
		rr.TTL = remaining
		rr.CacheFlush = false
		out = append(out, rr)
	}
	return out
}

func (e *Engine) alloc() Handle {
	if n := len(e.free); n > 0 {
		h := e.free[n-1]
		e.free = e.free[:n-1]
		return h
	}
	e.queries = append(e.queries, entry{})
	return Handle(len(e.queries) - 1)
}
