package store

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharos-net/pharos/internal/errors"
	"github.com/pharos-net/pharos/internal/message"
	"github.com/pharos-net/pharos/internal/protocol"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func aRecord(name, addr string, ttl uint32) message.ResourceRecord {
	return message.ResourceRecord{
		Name:  name,
		Type:  protocol.RecordTypeA,
		Class: protocol.ClassIN,
		TTL:   ttl,
		Data:  message.AData{Addr: netip.MustParseAddr(addr)},
	}
}

func TestInsertLearned_RefreshInPlace(t *testing.T) {
	s := New(16)

	rr := aRecord("host.local", "10.0.0.1", 120)
	h1, fresh := s.InsertLearned(rr, t0)
	require.True(t, fresh)

	h2, fresh := s.InsertLearned(rr, t0.Add(30*time.Second))
	assert.False(t, fresh, "same identity must refresh, not insert")
	assert.Equal(t, h1, h2)

	e := s.Get(h1)
	require.NotNil(t, e)
	assert.Equal(t, uint32(120), e.RemainingTTL(t0.Add(30*time.Second)))
}

func TestInsertLearned_GoodbyeReschedulesNotRemoves(t *testing.T) {
	s := New(16)

	rr := aRecord("host.local", "10.0.0.1", 120)
	h, _ := s.InsertLearned(rr, t0)

	goodbye := rr
	goodbye.TTL = 0
	gh, fresh := s.InsertLearned(goodbye, t0.Add(10*time.Second))
	assert.False(t, fresh)
	assert.Equal(t, Handle{}, gh)

	// Still visible inside the withdrawal grace window.
	require.NotNil(t, s.Get(h), "goodbye must not remove the record immediately")

	s.Expire(t0.Add(10*time.Second + WithdrawalGrace))
	assert.Nil(t, s.Get(h), "record must expire once the grace window passes")
}

func TestInsertLearned_CacheFlushSparesRecentRecords(t *testing.T) {
	s := New(16)

	old, _ := s.InsertLearned(aRecord("host.local", "10.0.0.1", 120), t0)
	young, _ := s.InsertLearned(aRecord("host.local", "10.0.0.2", 120), t0.Add(1500*time.Millisecond))

	// Flush arrives 2 s after the old record, 0.5 s after the young one.
	flush := aRecord("host.local", "10.0.0.3", 120)
	flush.CacheFlush = true
	_, fresh := s.InsertLearned(flush, t0.Add(2*time.Second))
	require.True(t, fresh)

	assert.Nil(t, s.Get(old), "flush must purge same-rrset records older than the grace window")
	assert.NotNil(t, s.Get(young), "flush must spare records younger than one second")
}

func TestInsertLearned_EvictsOldestExpiringAtCapacity(t *testing.T) {
	s := New(3)

	var handles []Handle
	for i := 0; i < 3; i++ {
		rr := aRecord(fmt.Sprintf("host%d.local", i), "10.0.0.1", uint32(100+i*100))
		h, _ := s.InsertLearned(rr, t0)
		handles = append(handles, h)
	}

	_, fresh := s.InsertLearned(aRecord("new.local", "10.0.0.9", 500), t0)
	require.True(t, fresh)

	assert.Nil(t, s.Get(handles[0]), "the soonest-expiring entry is the eviction victim")
	assert.NotNil(t, s.Get(handles[1]))
	assert.NotNil(t, s.Get(handles[2]))
}

func TestHandlesDoNotAliasAfterRelease(t *testing.T) {
	s := New(16)

	stale, _ := s.InsertLearned(aRecord("gone.local", "10.0.0.1", 60), t0)
	s.Remove(stale)

	// The freed slot is recycled for the next insert; the old handle must
	// not resolve to the new occupant.
	fresh, _ := s.InsertLearned(aRecord("other.local", "10.0.0.2", 120), t0)
	require.NotNil(t, s.Get(fresh))
	assert.Nil(t, s.Get(stale), "released handle must stay invalid after slot reuse")
	assert.NotEqual(t, stale, fresh)

	s.Remove(stale) // stale remove is a no-op
	assert.NotNil(t, s.Get(fresh), "removing a stale handle must not touch the slot's new entry")
}

func TestInsertAuthoritative_BlockedByProbingClaim(t *testing.T) {
	s := New(16)
	s.MarkProbing("printer.local", 1)

	_, err := s.InsertAuthoritative(aRecord("Printer.local", "10.0.0.1", 120), 2, t0)
	var conflict *errors.ConflictPendingError
	require.ErrorAs(t, err, &conflict, "claim check is case-insensitive")

	// The claimant itself can insert.
	_, err = s.InsertAuthoritative(aRecord("printer.local", "10.0.0.1", 120), 1, t0)
	require.NoError(t, err)

	// Only the claimant can clear the claim.
	s.ClearProbing("printer.local", 2)
	_, err = s.InsertAuthoritative(aRecord("printer.local", "10.0.0.2", 120), 2, t0)
	require.Error(t, err)

	s.ClearProbing("printer.local", 1)
	_, err = s.InsertAuthoritative(aRecord("printer.local", "10.0.0.2", 120), 2, t0)
	require.NoError(t, err)
}

func TestInsertAuthoritative_DeduplicatesIdentity(t *testing.T) {
	s := New(16)
	rr := aRecord("host.local", "10.0.0.1", 120)

	h1, err := s.InsertAuthoritative(rr, 1, t0)
	require.NoError(t, err)
	h2, err := s.InsertAuthoritative(rr, 1, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, s.OwnedRecords(1), 1)
}

func TestAuthoritativeEntriesNeverExpireNorEvict(t *testing.T) {
	s := New(1)

	ah, err := s.InsertAuthoritative(aRecord("mine.local", "10.0.0.1", 120), 1, t0)
	require.NoError(t, err)

	// Fill the cache past capacity; only learned entries may be evicted.
	s.InsertLearned(aRecord("c1.local", "10.0.0.2", 120), t0)
	s.InsertLearned(aRecord("c2.local", "10.0.0.3", 120), t0)

	s.Expire(t0.Add(24 * time.Hour))
	e := s.Get(ah)
	require.NotNil(t, e, "authoritative entries have no expiry")
	assert.Equal(t, uint32(120), e.RemainingTTL(t0.Add(24*time.Hour)))
}

func TestLookup_OrderAndANY(t *testing.T) {
	s := New(16)

	_, err := s.InsertAuthoritative(aRecord("host.local", "10.0.0.1", 120), 1, t0)
	require.NoError(t, err)
	s.InsertLearned(aRecord("HOST.local", "10.0.0.2", 120), t0)
	s.InsertLearned(message.ResourceRecord{
		Name:  "host.local",
		Type:  protocol.RecordTypeAAAA,
		Class: protocol.ClassIN,
		TTL:   120,
		Data:  message.AAAAData{Addr: netip.MustParseAddr("fe80::1")},
	}, t0)

	it := s.Lookup("host.local", protocol.RecordTypeANY, protocol.ClassIN)
	var origins []Origin
	var types []protocol.RecordType
	for _, e, ok := it.Next(); ok; _, e, ok = it.Next() {
		origins = append(origins, e.Origin)
		types = append(types, e.Record.Type)
	}

	require.Len(t, origins, 3, "ANY matches every type, names case-insensitively")
	assert.Equal(t, OriginAuthoritative, origins[0], "authoritative partition walks first")
	assert.Equal(t, []Origin{OriginAuthoritative, OriginLearned, OriginLearned}, origins)
	assert.Contains(t, types, protocol.RecordTypeAAAA)

	it.Restart()
	n := 0
	for _, _, ok := it.Next(); ok; _, _, ok = it.Next() {
		n++
	}
	assert.Equal(t, 3, n, "Restart rewinds for a second pass")
}

func TestNextExpiry(t *testing.T) {
	s := New(16)
	assert.True(t, s.NextExpiry().IsZero(), "empty cache has no expiry")

	s.InsertLearned(aRecord("a.local", "10.0.0.1", 300), t0)
	s.InsertLearned(aRecord("b.local", "10.0.0.2", 60), t0)

	assert.Equal(t, t0.Add(60*time.Second), s.NextExpiry())
}

func TestRemoveOwned(t *testing.T) {
	s := New(16)
	_, err := s.InsertAuthoritative(aRecord("a.local", "10.0.0.1", 120), 1, t0)
	require.NoError(t, err)
	_, err = s.InsertAuthoritative(aRecord("b.local", "10.0.0.2", 120), 2, t0)
	require.NoError(t, err)

	s.RemoveOwned(1)
	assert.Empty(t, s.OwnedRecords(1))
	assert.Len(t, s.OwnedRecords(2), 1)
}
