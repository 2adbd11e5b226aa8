// Package integration exercises two engines against each other over a
// simulated link: every multicast packet one engine emits is fed into the
// other, and time advances along the engines' own deadlines. No sockets, no
// sleeps, fully deterministic.
package integration

import (
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharos-net/pharos/engine"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// link is a two-host mDNS segment.
type link struct {
	a, b    *engine.Engine
	addrA   netip.AddrPort
	addrB   netip.AddrPort
	now     time.Time
	matches []engine.Match // matches surfaced by b
	events  []engine.Event // events surfaced by a
}

func newLink(t *testing.T) *link {
	t.Helper()
	return &link{
		a:     engine.New(engine.WithRand(rand.New(rand.NewSource(7)))),
		b:     engine.New(engine.WithRand(rand.New(rand.NewSource(11)))),
		addrA: netip.MustParseAddrPort("192.168.1.10:5353"),
		addrB: netip.MustParseAddrPort("192.168.1.20:5353"),
		now:   t0,
	}
}

// pump runs both engines until neither has a deadline or limit steps pass,
// delivering every emitted packet to the other engine.
func (l *link) pump(limit int) {
	for i := 0; i < limit; i++ {
		batchA, nextA := l.a.Tick(l.now)
		batchB, nextB := l.b.Tick(l.now)
		l.events = append(l.events, batchA.Events...)
		l.matches = append(l.matches, batchB.Matches...)

		pending := [][]engine.OutgoingPacket{batchA.Packets, batchB.Packets}
		for len(pending[0])+len(pending[1]) > 0 {
			fromA, fromB := pending[0], pending[1]
			pending = [][]engine.OutgoingPacket{nil, nil}
			for _, pkt := range fromA {
				got := l.b.OnPacket(pkt.Payload, l.addrA, l.now)
				l.matches = append(l.matches, got.Matches...)
				pending[1] = append(pending[1], got.Packets...)
			}
			for _, pkt := range fromB {
				got := l.a.OnPacket(pkt.Payload, l.addrB, l.now)
				l.events = append(l.events, got.Events...)
				pending[0] = append(pending[0], got.Packets...)
			}
		}

		next := nextA
		if next.IsZero() || (!nextB.IsZero() && nextB.Before(next)) {
			next = nextB
		}
		if next.IsZero() {
			return
		}
		if next.Before(l.now) {
			next = l.now
		}
		l.now = next
	}
}

func service(instance string, port uint16) engine.RecordSet {
	set, err := engine.BuildRecordSet(engine.ServiceInfo{
		InstanceName: instance,
		ServiceType:  "_http._tcp.local",
		Hostname:     instance + "-host.local",
		Port:         port,
		IPv4:         netip.MustParseAddr("192.168.1.10"),
		TXT:          []string{"path=/"},
	})
	if err != nil {
		panic(err)
	}
	return set
}

// TestBrowseAcrossLink publishes on one engine and browses from the other:
// the announcement alone must populate the browser's cache and surface a
// match, with SRV and address data following on a directed query.
func TestBrowseAcrossLink(t *testing.T) {
	l := newLink(t)

	qh := l.b.Query("_http._tcp.local", engine.TypePTR, engine.ClassIN, l.now)
	_, err := l.a.Publish(service("web", 8080), l.now)
	require.NoError(t, err)

	l.pump(64)

	require.NotEmpty(t, l.matches, "announcement must reach the browsing engine")
	m := l.matches[0]
	assert.Equal(t, qh, m.Query)
	ptr, ok := m.Record.Data.(engine.PTRData)
	require.True(t, ok)
	assert.Equal(t, "web._http._tcp.local", ptr.Target)

	// Resolve the instance: the responder answers the SRV question and
	// brings the address record along as an additional.
	l.matches = nil
	l.b.Query("web._http._tcp.local", engine.TypeSRV, engine.ClassIN, l.now)
	l.pump(64)

	var srvSeen bool
	for _, m := range l.matches {
		if d, ok := m.Record.Data.(engine.SRVData); ok {
			srvSeen = true
			assert.Equal(t, uint16(8080), d.Port)
			assert.Equal(t, "web-host.local", d.Target)
		}
	}
	assert.True(t, srvSeen, "SRV answer missing")
}

// TestSimultaneousProbeTiebreak has both engines probe the same instance
// name at once; exactly one must win the RFC 6762 §8.2 tiebreak and the
// loser must re-probe under a "-2" name.
func TestSimultaneousProbeTiebreak(t *testing.T) {
	l := newLink(t)

	ha, err := l.a.Publish(service("printer", 8080), l.now)
	require.NoError(t, err)
	hb, err := l.b.Publish(service("printer", 9090), l.now)
	require.NoError(t, err)

	l.pump(64)

	phaseA, err := l.a.SetPhase(ha)
	require.NoError(t, err)
	phaseB, err := l.b.SetPhase(hb)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseEstablished, phaseA)
	assert.Equal(t, engine.PhaseEstablished, phaseB, "both sides settle, one renamed")

	renamed := 0
	for _, ev := range l.events {
		if ev.Name == "printer-2._http._tcp.local" {
			renamed++
		}
	}
	// Port 9090 packs greater than 8080, so engine a is the one that loses
	// its probe tiebreak and renames.
	assert.Greater(t, renamed, 0, "the tiebreak loser must rename")
}

// TestGoodbyePropagates withdraws a published service and checks the
// browsing engine's cache drops it within the withdrawal grace window.
func TestGoodbyePropagates(t *testing.T) {
	l := newLink(t)

	l.b.Query("_http._tcp.local", engine.TypePTR, engine.ClassIN, l.now)
	h, err := l.a.Publish(service("web", 8080), l.now)
	require.NoError(t, err)
	l.pump(64)
	require.NotEmpty(t, l.matches)

	require.NoError(t, l.a.Withdraw(h, l.now))
	l.pump(64)

	// After the goodbyes and the one-second grace, a late query on b finds
	// nothing to replay.
	l.now = l.now.Add(2 * time.Second)
	l.b.Tick(l.now)

	l.matches = nil
	l.b.Query("_http._tcp.local", engine.TypeANY, engine.ClassIN, l.now)
	batch, _ := l.b.Tick(l.now)
	for _, m := range batch.Matches {
		ptr, ok := m.Record.Data.(engine.PTRData)
		if ok {
			assert.NotEqual(t, "web._http._tcp.local", ptr.Target,
				"withdrawn instance must be gone from the cache")
		}
	}
}
