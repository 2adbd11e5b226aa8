package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharos-net/pharos/internal/errors"
	"github.com/pharos-net/pharos/internal/message"
	"github.com/pharos-net/pharos/internal/protocol"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func instanceRecords(instance string) []message.ResourceRecord {
	return []message.ResourceRecord{
		{
			Name:  "_http._tcp.local",
			Type:  protocol.RecordTypePTR,
			Class: protocol.ClassIN,
			TTL:   protocol.TTLService,
			Data:  message.PTRData{Target: instance},
		},
		{
			Name:  instance,
			Type:  protocol.RecordTypeSRV,
			Class: protocol.ClassIN,
			TTL:   protocol.TTLService,
			Data:  message.SRVData{Port: 8080, Target: "host.local"},
		},
	}
}

// drive advances the machine one deadline at a time and returns every output
// with the time it was produced, until the machine goes idle or terminal.
func drive(m *Machine, from time.Time) (outs []Output, times []time.Time) {
	now := from
	for i := 0; i < 32; i++ {
		batch, next := m.Advance(now)
		for _, o := range batch {
			outs = append(outs, o)
			times = append(times, now)
		}
		if next.IsZero() {
			return outs, times
		}
		now = next
	}
	return outs, times
}

func TestMachine_ProbeAnnounceSchedule(t *testing.T) {
	m := NewMachine("web._http._tcp.local", instanceRecords("web._http._tcp.local"))
	m.Start(t0)

	outs, times := drive(m, t0)
	require.Equal(t, PhaseEstablished, m.Phase())
	require.Len(t, outs, ProbeCount+AnnounceCount)

	for i := 0; i < ProbeCount; i++ {
		assert.Equal(t, OutputProbe, outs[i].Kind, "output %d", i)
	}
	for i := ProbeCount; i < ProbeCount+AnnounceCount; i++ {
		assert.Equal(t, OutputAnnounce, outs[i].Kind, "output %d", i)
	}

	// Probes 250 ms apart, and 250 ms of silence before the first announce.
	assert.Equal(t, ProbeInterval, times[1].Sub(times[0]))
	assert.Equal(t, ProbeInterval, times[2].Sub(times[1]))
	assert.Equal(t, ProbeInterval, times[3].Sub(times[2]))

	// Announce intervals double: 1 s then 2 s.
	assert.Equal(t, AnnounceFirstInterval, times[4].Sub(times[3]))
	assert.Equal(t, 2*AnnounceFirstInterval, times[5].Sub(times[4]))
}

func TestMachine_AnnounceSetsCacheFlushExceptPTR(t *testing.T) {
	m := NewMachine("web._http._tcp.local", instanceRecords("web._http._tcp.local"))
	m.Start(t0)
	outs, _ := drive(m, t0)

	announce := outs[ProbeCount]
	require.Equal(t, OutputAnnounce, announce.Kind)
	for _, rr := range announce.Records {
		if rr.Type == protocol.RecordTypePTR {
			assert.False(t, rr.CacheFlush, "shared PTR records must not carry the flush bit")
		} else {
			assert.True(t, rr.CacheFlush, "%v record missing flush bit", rr.Type)
		}
	}
}

func TestMachine_ProbeConflict_LoserRenames(t *testing.T) {
	m := NewMachine("web._http._tcp.local", instanceRecords("web._http._tcp.local"))
	m.Start(t0)
	m.Advance(t0) // first probe out

	outs := m.HandleConflict(t0.Add(100*time.Millisecond), []byte{0xFF}, []byte{0x01})
	assert.Empty(t, outs, "losing a probe tiebreak produces no packets")
	assert.Equal(t, PhaseProbing, m.Phase())
	assert.Equal(t, "web-2._http._tcp.local", m.Name())

	// Every record follows the rename, including the PTR target.
	for _, rr := range m.Records() {
		if ptr, ok := rr.Data.(message.PTRData); ok {
			assert.Equal(t, "web-2._http._tcp.local", ptr.Target)
		} else {
			assert.Equal(t, "web-2._http._tcp.local", rr.Name)
		}
	}
}

func TestMachine_ProbeConflict_WinnerKeepsProbing(t *testing.T) {
	m := NewMachine("web._http._tcp.local", instanceRecords("web._http._tcp.local"))
	m.Start(t0)
	m.Advance(t0)

	outs := m.HandleConflict(t0.Add(100*time.Millisecond), []byte{0x01}, []byte{0xFF})
	assert.Empty(t, outs)
	assert.Equal(t, "web._http._tcp.local", m.Name(), "tiebreak winner keeps the name")
	assert.Equal(t, PhaseProbing, m.Phase())
}

func TestMachine_EstablishedConflict_DefendsThenConcedes(t *testing.T) {
	m := NewMachine("web._http._tcp.local", instanceRecords("web._http._tcp.local"))
	m.Start(t0)
	drive(m, t0)
	require.Equal(t, PhaseEstablished, m.Phase())

	// First conflict: defend with a re-announcement.
	at := t0.Add(time.Minute)
	outs := m.HandleConflict(at, []byte{0xFF}, []byte{0x01})
	require.Len(t, outs, 1)
	assert.Equal(t, OutputAnnounce, outs[0].Kind)
	assert.Equal(t, PhaseEstablished, m.Phase())

	// Second conflict inside the defense window: concede and re-probe.
	outs = m.HandleConflict(at.Add(DefenseWindow/2), []byte{0xFF}, []byte{0x01})
	assert.Empty(t, outs)
	assert.Equal(t, PhaseProbing, m.Phase())
	assert.Equal(t, "web-2._http._tcp.local", m.Name())
}

func TestMachine_EstablishedConflict_SpacedConflictsKeepDefending(t *testing.T) {
	m := NewMachine("web._http._tcp.local", instanceRecords("web._http._tcp.local"))
	m.Start(t0)
	drive(m, t0)

	at := t0.Add(time.Minute)
	m.HandleConflict(at, []byte{0xFF}, []byte{0x01})
	outs := m.HandleConflict(at.Add(DefenseWindow+time.Second), []byte{0xFF}, []byte{0x01})
	require.Len(t, outs, 1, "conflicts outside the window each get a fresh defense")
	assert.Equal(t, "web._http._tcp.local", m.Name())
}

func TestMachine_RenameExhaustionGoesFatal(t *testing.T) {
	m := NewMachine("web._http._tcp.local", instanceRecords("web._http._tcp.local"))
	m.Start(t0)
	m.Advance(t0)

	now := t0
	for i := 0; i < MaxRenameAttempts; i++ {
		now = now.Add(time.Second)
		m.HandleConflict(now, []byte{0xFF}, []byte{0x01})
		if m.Phase() == PhaseFatal {
			break
		}
		m.Advance(now.Add(time.Second)) // keep the probe schedule moving
	}

	require.Equal(t, PhaseFatal, m.Phase())
	var exhausted *errors.NameExhaustedError
	require.ErrorAs(t, m.Err(), &exhausted)
	assert.Equal(t, MaxRenameAttempts, exhausted.Attempts)
	assert.True(t, m.NextDeadline().IsZero(), "fatal machines schedule nothing")
}

func TestMachine_WithdrawBeforeAnnounceClosesSilently(t *testing.T) {
	m := NewMachine("web._http._tcp.local", instanceRecords("web._http._tcp.local"))
	m.Start(t0)
	m.Advance(t0) // still probing

	m.Withdraw(t0.Add(100 * time.Millisecond))
	assert.Equal(t, PhaseClosed, m.Phase(), "never-announced sets close without goodbyes")

	outs, _ := drive(m, t0.Add(time.Second))
	assert.Empty(t, outs)
}

func TestMachine_GoodbyeSchedule(t *testing.T) {
	m := NewMachine("web._http._tcp.local", instanceRecords("web._http._tcp.local"))
	m.Start(t0)
	outs, _ := drive(m, t0)
	require.Equal(t, PhaseEstablished, m.Phase())

	at := t0.Add(time.Minute)
	m.Withdraw(at)
	outs, times := drive(m, at)

	require.Len(t, outs, GoodbyeCount)
	for _, o := range outs {
		assert.Equal(t, OutputGoodbye, o.Kind)
		for _, rr := range o.Records {
			assert.Zero(t, rr.TTL, "goodbye records carry ttl=0")
			assert.False(t, rr.CacheFlush)
		}
	}
	assert.Equal(t, GoodbyeInterval, times[1].Sub(times[0]))
	assert.Equal(t, PhaseClosed, m.Phase())
}
