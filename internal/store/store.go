// Package store holds the engine's resource records in a slab arena with
// stable generation-tagged handles.
//
// The arena is split into an authoritative partition (records this host
// publishes) and a cache partition (records learned from the network).
// Handles stay valid across inserts and removals of other entries, which
// keeps expiry and eviction O(1) and spares callers from holding pointers
// into a growing slice. A slot's generation advances on every release, so a
// handle held across its entry's removal goes stale instead of aliasing
// whatever record reuses the slot.
package store

import (
	"strings"
	"time"

	"github.com/pharos-net/pharos/internal/errors"
	"github.com/pharos-net/pharos/internal/message"
	"github.com/pharos-net/pharos/internal/protocol"
)

// FlushGraceWindow protects very recently learned records from a cache-flush
// purge per RFC 6762 §10.2: "records received in the last second are not
// flushed immediately, to accommodate multi-packet responses."
const FlushGraceWindow = time.Second

// WithdrawalGrace delays removal of a goodbye (ttl=0) record per
// RFC 6762 §10.1, so queriers racing the withdrawal still see it briefly.
const WithdrawalGrace = time.Second

// Origin tells which partition an entry belongs to.
type Origin int

const (
	OriginAuthoritative Origin = iota
	OriginLearned
)

// Handle is a stable reference into the arena: a slot index paired with the
// slot's generation at insert time. The zero Handle is never valid, and a
// handle whose entry has been released stays invalid even after the slot is
// reused.
type Handle struct {
	slot int
	gen  uint32
}

// Valid reports whether the handle could ever refer to an entry. It does not
// check liveness; Get does.
func (h Handle) Valid() bool { return h.slot > 0 }

// Entry is one occupied arena slot.
type Entry struct {
	Record     message.ResourceRecord
	Origin     Origin
	Owner      int // publishing record set, authoritative entries only
	InsertedAt time.Time
	ExpiresAt  time.Time // zero for authoritative entries

	live bool
	gen  uint32
}

// RemainingTTL returns the seconds of life left at now, zero once expired.
// Authoritative entries always report their full original ttl.
func (e *Entry) RemainingTTL(now time.Time) uint32 {
	if e.Origin == OriginAuthoritative {
		return e.Record.TTL
	}
	if !now.Before(e.ExpiresAt) {
		return 0
	}
	remaining := e.ExpiresAt.Sub(now) / time.Second
	return uint32(remaining)
}

// Store is the record arena. Not safe for concurrent use; the engine is a
// single-writer automaton and serializes access.
type Store struct {
	slots    []Entry
	free     []int
	cacheLen int
	capacity int
	probing  map[string]int // lowercased name -> owning record set
}

// New creates a store bounded to capacity cache entries. Authoritative
// entries do not count against the bound and are never evicted.
func New(capacity int) *Store {
	return &Store{
		slots:    make([]Entry, 1, capacity+1), // slot 0 reserved, never handed out
		capacity: capacity,
		probing:  make(map[string]int),
	}
}

// MarkProbing records that owner is probing name, blocking authoritative
// inserts of the same name by other record sets until cleared.
func (s *Store) MarkProbing(name string, owner int) {
	s.probing[strings.ToLower(name)] = owner
}

// ClearProbing releases a probing claim. Only the claiming owner can clear it.
func (s *Store) ClearProbing(name string, owner int) {
	key := strings.ToLower(name)
	if s.probing[key] == owner {
		delete(s.probing, key)
	}
}

// InsertAuthoritative adds a published record.
//
// Returns ConflictPendingError if another record set currently holds a
// probing claim on the name. Re-inserting an identical (name, type, rdata)
// record returns the existing handle; the store never holds that identity
// twice.
func (s *Store) InsertAuthoritative(rr message.ResourceRecord, owner int, now time.Time) (Handle, error) {
	key := strings.ToLower(rr.Name)
	if claimant, ok := s.probing[key]; ok && claimant != owner {
		return Handle{}, &errors.ConflictPendingError{Name: rr.Name}
	}

	identity := rr.Key()
	for slot := range s.slots {
		e := &s.slots[slot]
		if e.live && e.Origin == OriginAuthoritative && e.Record.Key() == identity {
			return Handle{slot: slot, gen: e.gen}, nil
		}
	}

	slot := s.alloc()
	gen := s.slots[slot].gen
	s.slots[slot] = Entry{
		Record:     rr,
		Origin:     OriginAuthoritative,
		Owner:      owner,
		InsertedAt: now,
		live:       true,
		gen:        gen,
	}
	return Handle{slot: slot, gen: gen}, nil
}

// InsertLearned adds or refreshes a cache record per RFC 6762 §10.
//
// A ttl=0 record is a withdrawal: matching entries are rescheduled to expire
// after WithdrawalGrace instead of being removed on the spot, and nothing new
// is inserted. A cache-flush record first purges same (name, type, class)
// siblings that are at least FlushGraceWindow old.
//
// Inserts never fail; at capacity the oldest-expiring cache entry is evicted.
// The returned bool is true when the record's (name, type, rdata) identity
// was not in the cache before.
func (s *Store) InsertLearned(rr message.ResourceRecord, now time.Time) (Handle, bool) {
	identity := rr.Key()

	if rr.TTL == 0 {
		grace := now.Add(WithdrawalGrace)
		for slot := range s.slots {
			e := &s.slots[slot]
			if e.live && e.Origin == OriginLearned && e.Record.Key() == identity && e.ExpiresAt.After(grace) {
				e.ExpiresAt = grace
			}
		}
		return Handle{}, false
	}

	if rr.CacheFlush {
		for slot := range s.slots {
			e := &s.slots[slot]
			if e.live && e.Origin == OriginLearned &&
				e.Record.SameRRSet(&rr) && e.Record.Key() != identity &&
				now.Sub(e.InsertedAt) >= FlushGraceWindow {
				s.release(slot)
			}
		}
	}

	expires := now.Add(time.Duration(rr.TTL) * time.Second)
	for slot := range s.slots {
		e := &s.slots[slot]
		if e.live && e.Origin == OriginLearned && e.Record.Key() == identity {
			e.Record = rr
			e.InsertedAt = now
			e.ExpiresAt = expires
			return Handle{slot: slot, gen: e.gen}, false
		}
	}

	if s.cacheLen >= s.capacity {
		s.evictOldestExpiring()
	}
	slot := s.alloc()
	gen := s.slots[slot].gen
	s.slots[slot] = Entry{
		Record:     rr,
		Origin:     OriginLearned,
		InsertedAt: now,
		ExpiresAt:  expires,
		live:       true,
		gen:        gen,
	}
	s.cacheLen++
	return Handle{slot: slot, gen: gen}, true
}

// Remove frees an entry. Invalid or stale handles are ignored.
func (s *Store) Remove(h Handle) {
	if s.Get(h) == nil {
		return
	}
	s.release(h.slot)
}

// RemoveOwned frees every authoritative entry published by owner.
func (s *Store) RemoveOwned(owner int) {
	for slot := range s.slots {
		e := &s.slots[slot]
		if e.live && e.Origin == OriginAuthoritative && e.Owner == owner {
			s.release(slot)
		}
	}
}

// OwnedRecords returns the live authoritative records of one record set.
func (s *Store) OwnedRecords(owner int) []message.ResourceRecord {
	var out []message.ResourceRecord
	for slot := range s.slots {
		e := &s.slots[slot]
		if e.live && e.Origin == OriginAuthoritative && e.Owner == owner {
			out = append(out, e.Record)
		}
	}
	return out
}

// Expire drops cache entries whose derived expiry has passed.
func (s *Store) Expire(now time.Time) {
	for slot := range s.slots {
		e := &s.slots[slot]
		if e.live && e.Origin == OriginLearned && !now.Before(e.ExpiresAt) {
			s.release(slot)
		}
	}
}

// NextExpiry returns the earliest cache expiry, or the zero time when the
// cache is empty. The scheduler folds this into the engine's next deadline.
func (s *Store) NextExpiry() time.Time {
	var next time.Time
	for slot := range s.slots {
		e := &s.slots[slot]
		if e.live && e.Origin == OriginLearned {
			if next.IsZero() || e.ExpiresAt.Before(next) {
				next = e.ExpiresAt
			}
		}
	}
	return next
}

// Get returns the entry behind a handle, nil if freed, stale, or invalid.
// A handle from a released entry never resolves to the slot's new occupant:
// the generations no longer match.
func (s *Store) Get(h Handle) *Entry {
	if h.slot <= 0 || h.slot >= len(s.slots) {
		return nil
	}
	e := &s.slots[h.slot]
	if !e.live || e.gen != h.gen {
		return nil
	}
	return e
}

func (s *Store) alloc() int {
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return slot
	}
	s.slots = append(s.slots, Entry{})
	return len(s.slots) - 1
}

func (s *Store) release(slot int) {
	e := &s.slots[slot]
	if e.Origin == OriginLearned {
		s.cacheLen--
	}
	// Advancing the generation invalidates every handle to the old entry.
	*e = Entry{gen: e.gen + 1}
	s.free = append(s.free, slot)
}

func (s *Store) evictOldestExpiring() {
	victim := 0
	for slot := range s.slots {
		e := &s.slots[slot]
		if e.live && e.Origin == OriginLearned {
			if victim == 0 || e.ExpiresAt.Before(s.slots[victim].ExpiresAt) {
				victim = slot
			}
		}
	}
	if victim != 0 {
		s.release(victim)
	}
}

// Iterator walks the entries matching a (name, type, class) question,
// authoritative partition first, then cache. It is a single struct rather
// than a pair of iterator types so lookups stay allocation-free; Restart
// rewinds it for a second pass.
type Iterator struct {
	store *Store
	name  string
	rtype protocol.RecordType
	class uint16

	phase int // 0 = authoritative, 1 = cache
	pos   int
}

// Lookup returns an iterator over records answering the question. A type of
// ANY matches every record type per RFC 6762 §6.
func (s *Store) Lookup(name string, rtype protocol.RecordType, class uint16) Iterator {
	return Iterator{store: s, name: strings.ToLower(name), rtype: rtype, class: class, pos: 1}
}

// Next yields the next matching entry, ok=false at the end.
func (it *Iterator) Next() (Handle, *Entry, bool) {
	for it.phase < 2 {
		want := OriginAuthoritative
		if it.phase == 1 {
			want = OriginLearned
		}
		for ; it.pos < len(it.store.slots); it.pos++ {
			e := &it.store.slots[it.pos]
			if !e.live || e.Origin != want {
				continue
			}
			if !it.matches(&e.Record) {
				continue
			}
			h := Handle{slot: it.pos, gen: e.gen}
			it.pos++
			return h, e, true
		}
		it.phase++
		it.pos = 1
	}
	return Handle{}, nil, false
}

// Restart rewinds the iterator to the beginning of the authoritative phase.
func (it *Iterator) Restart() {
	it.phase = 0
	it.pos = 1
}

func (it *Iterator) matches(rr *message.ResourceRecord) bool {
	if !strings.EqualFold(rr.Name, it.name) {
		return false
	}
	if it.rtype != protocol.RecordTypeANY && rr.Type != it.rtype {
		return false
	}
	return it.class == rr.Class
}
