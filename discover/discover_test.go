package discover

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pharos-net/pharos/engine"
	"github.com/pharos-net/pharos/internal/protocol"
)

// newTestBrowser builds a browser with the query starter stubbed out, so the
// resolution pipeline can be driven directly through the match handler.
func newTestBrowser(service string) (*Browser, *[]string) {
	queried := &[]string{}
	b := &Browser{
		service:   service,
		log:       zap.NewNop(),
		pending:   make(map[string]*partial),
		byHost:    make(map[string][]string),
		addrQuery: make(map[string]bool),
		emitted:   gocache.New(time.Minute, time.Minute),
		entries:   make(chan ServiceEntry, 16),
	}
	b.runQuery = func(name string, rtype engine.RecordType, class uint16) error {
		*queried = append(*queried, fmt.Sprintf("%s %s", name, rtype))
		return nil
	}
	return b, queried
}

func match(rr engine.ResourceRecord) engine.Match {
	return engine.Match{Record: rr}
}

func TestBrowser_ResolvesInstanceThroughPipeline(t *testing.T) {
	b, queried := newTestBrowser("_ipp._tcp.local")

	b.onMatch(match(engine.ResourceRecord{
		Name:  "_ipp._tcp.local",
		Type:  engine.TypePTR,
		Class: protocol.ClassIN,
		TTL:   120,
		Data:  engine.PTRData{Target: "Printer._ipp._tcp.local"},
	}))
	assert.Contains(t, *queried, "Printer._ipp._tcp.local SRV")
	assert.Contains(t, *queried, "Printer._ipp._tcp.local TXT")

	b.onMatch(match(engine.ResourceRecord{
		Name:  "Printer._ipp._tcp.local",
		Type:  engine.TypeSRV,
		Class: protocol.ClassIN,
		TTL:   120,
		Data:  engine.SRVData{Port: 631, Target: "printer.local"},
	}))
	assert.Contains(t, *queried, "printer.local A")
	assert.Contains(t, *queried, "printer.local AAAA")

	b.onMatch(match(engine.ResourceRecord{
		Name:  "Printer._ipp._tcp.local",
		Type:  engine.TypeTXT,
		Class: protocol.ClassIN,
		TTL:   120,
		Data:  engine.TXTData{Strings: []string{"rp=ipp/print"}},
	}))
	select {
	case <-b.entries:
		t.Fatal("entry emitted before an address arrived")
	default:
	}

	b.onMatch(match(engine.ResourceRecord{
		Name:  "printer.local",
		Type:  engine.TypeA,
		Class: protocol.ClassIN,
		TTL:   4500,
		Data:  engine.AData{Addr: netip.MustParseAddr("192.168.1.9")},
	}))

	var got ServiceEntry
	select {
	case got = <-b.entries:
	default:
		t.Fatal("complete instance was not emitted")
	}
	assert.Equal(t, "Printer._ipp._tcp.local", got.Instance)
	assert.Equal(t, "printer.local", got.Hostname)
	assert.Equal(t, uint16(631), got.Port)
	require.Len(t, got.Addrs, 1)
	assert.Equal(t, netip.MustParseAddr("192.168.1.9"), got.Addrs[0])
	assert.Equal(t, []string{"rp=ipp/print"}, got.TXT)
}

func TestBrowser_CloseRacesEmissionSafely(t *testing.T) {
	b, _ := newTestBrowser("_ipp._tcp.local")

	feed := func(addr string) {
		b.onMatch(match(engine.ResourceRecord{
			Name:  "_ipp._tcp.local",
			Type:  engine.TypePTR,
			Class: protocol.ClassIN,
			TTL:   120,
			Data:  engine.PTRData{Target: "Printer._ipp._tcp.local"},
		}))
		b.onMatch(match(engine.ResourceRecord{
			Name:  "Printer._ipp._tcp.local",
			Type:  engine.TypeSRV,
			Class: protocol.ClassIN,
			TTL:   120,
			Data:  engine.SRVData{Port: 631, Target: "printer.local"},
		}))
		b.onMatch(match(engine.ResourceRecord{
			Name:  "Printer._ipp._tcp.local",
			Type:  engine.TypeTXT,
			Class: protocol.ClassIN,
			TTL:   120,
			Data:  engine.TXTData{},
		}))
		b.onMatch(match(engine.ResourceRecord{
			Name:  "printer.local",
			Type:  engine.TypeA,
			Class: protocol.ClassIN,
			TTL:   4500,
			Data:  engine.AData{Addr: netip.MustParseAddr(addr)},
		}))
	}

	feed("192.168.1.9")
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "second Close is a no-op")

	// A match dispatched after Close (the adapter loop may still be draining)
	// must be dropped, not sent on the closed channel.
	feed("192.168.1.10")

	_, open := <-b.entries
	assert.True(t, open, "the pre-Close emission is still readable")
	_, open = <-b.entries
	assert.False(t, open, "channel closes after the buffered entries drain")
}
