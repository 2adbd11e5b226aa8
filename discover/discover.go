// Package discover implements DNS-SD service browsing (RFC 6763 §4) on top
// of the adapter. It runs the PTR query for a service type, chases the
// SRV/TXT and address records of each discovered instance, and emits a
// ServiceEntry once an instance is fully resolved.
package discover

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/pharos-net/pharos/adapter"
	"github.com/pharos-net/pharos/engine"
	"github.com/pharos-net/pharos/internal/protocol"
)

// emittedSweep is how often the dedup cache drops expired entries.
const emittedSweep = 30 * time.Second

// ServiceEntry is one fully resolved service instance.
type ServiceEntry struct {
	// Instance is the full service instance name, e.g.
	// "My Printer._ipp._tcp.local".
	Instance string
	// Service is the browsed service type, e.g. "_ipp._tcp.local".
	Service  string
	Hostname string
	Port     uint16
	Addrs    []netip.Addr
	TXT      []string
}

// partial accumulates an instance's records until it is complete. An entry
// is emitted once it has a host, a port, at least one address, and its TXT
// record has been seen (an empty TXT still counts, per RFC 6763 §6.1).
type partial struct {
	entry   ServiceEntry
	txtSeen bool
	chased  bool // SRV/TXT queries started
}

// Browser browses one service type and resolves its instances.
type Browser struct {
	service string
	ad      *adapter.Adapter
	log     *zap.Logger

	// runQuery starts a continuous query on the adapter. Held as a field so
	// the resolution pipeline can be driven without sockets in tests.
	runQuery func(name string, rtype engine.RecordType, class uint16) error

	// All maps below are touched only from the adapter's loop goroutine via
	// the match handler, so they need no lock.
	pending   map[string]*partial  // instance name -> accumulating entry
	byHost    map[string][]string  // hostname -> instances waiting on it
	addrQuery map[string]bool      // hostnames with address queries running
	emitted   *gocache.Cache       // instance name -> last emitted ServiceEntry

	// mu orders emissions against Close: the entries channel is only closed
	// once no match handler can still be sending on it.
	mu      sync.Mutex
	closed  bool
	entries chan ServiceEntry
}

// New creates a browser for a service type such as "_ipp._tcp.local". The
// browser is inert until Run is called.
func New(service string, opts ...Option) (*Browser, error) {
	b := &Browser{
		service:   service,
		log:       zap.NewNop(),
		pending:   make(map[string]*partial),
		byHost:    make(map[string][]string),
		addrQuery: make(map[string]bool),
		emitted:   gocache.New(time.Duration(protocol.TTLService)*time.Second, emittedSweep),
		entries:   make(chan ServiceEntry, 16),
	}
	cfg := options{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log != nil {
		b.log = cfg.log
	}

	adOpts := append([]adapter.Option{
		adapter.WithLogger(b.log),
		adapter.WithMatchHandler(b.onMatch),
	}, cfg.adapterOpts...)

	ad, err := adapter.New(adOpts...)
	if err != nil {
		return nil, err
	}
	b.ad = ad
	b.runQuery = func(name string, rtype engine.RecordType, class uint16) error {
		_, err := ad.Query(name, rtype, class)
		return err
	}
	return b, nil
}

// Run starts the PTR query and pumps the adapter until the context is
// cancelled.
func (b *Browser) Run(ctx context.Context) error {
	if err := b.runQuery(b.service, engine.TypePTR, engine.ClassIN); err != nil {
		return err
	}
	b.log.Info("browsing", zap.String("service", b.service))
	return b.ad.Run(ctx)
}

// Entries streams resolved service instances. Re-resolutions with changed
// data are re-emitted; unchanged refreshes are suppressed for roughly one
// service TTL.
func (b *Browser) Entries() <-chan ServiceEntry {
	return b.entries
}

// Close shuts the browser and its adapter down. Safe to call more than once
// and safe against matches still being dispatched: the entries channel closes
// only after any in-flight emission has finished.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var err error
	if b.ad != nil {
		err = b.ad.Close()
	}
	close(b.entries)
	return err
}

// onMatch folds one learned record into the instance it belongs to. Runs on
// the adapter loop goroutine.
func (b *Browser) onMatch(m engine.Match) {
	rr := m.Record
	switch data := rr.Data.(type) {
	case engine.PTRData:
		if !strings.EqualFold(rr.Name, b.service) {
			return
		}
		b.foundInstance(data.Target)

	case engine.SRVData:
		p, ok := b.pending[canonical(rr.Name)]
		if !ok {
			return
		}
		if p.entry.Hostname != "" && !strings.EqualFold(p.entry.Hostname, data.Target) {
			// SRV target moved; previously gathered addresses are stale.
			b.forgetHost(p.entry.Hostname, rr.Name)
			p.entry.Addrs = nil
		}
		p.entry.Hostname = data.Target
		p.entry.Port = data.Port
		b.chaseAddrs(data.Target, rr.Name)
		b.tryEmit(p)

	case engine.TXTData:
		p, ok := b.pending[canonical(rr.Name)]
		if !ok {
			return
		}
		p.entry.TXT = data.Strings
		p.txtSeen = true
		b.tryEmit(p)

	case engine.AData:
		b.foundAddr(rr.Name, data.Addr)
	case engine.AAAAData:
		b.foundAddr(rr.Name, data.Addr)
	}
}

// foundInstance registers a new instance from a PTR answer and starts the
// SRV and TXT queries that resolve it.
func (b *Browser) foundInstance(instance string) {
	key := canonical(instance)
	p, ok := b.pending[key]
	if !ok {
		p = &partial{entry: ServiceEntry{Instance: instance, Service: b.service}}
		b.pending[key] = p
	}
	if p.chased {
		return
	}
	p.chased = true
	b.log.Debug("instance discovered", zap.String("instance", instance))
	if err := b.runQuery(instance, engine.TypeSRV, engine.ClassIN); err != nil {
		b.log.Warn("srv query failed", zap.String("instance", instance), zap.Error(err))
	}
	if err := b.runQuery(instance, engine.TypeTXT, engine.ClassIN); err != nil {
		b.log.Warn("txt query failed", zap.String("instance", instance), zap.Error(err))
	}
}

// chaseAddrs starts A and AAAA queries for an SRV target, once per host.
func (b *Browser) chaseAddrs(host, instance string) {
	hk := canonical(host)
	b.byHost[hk] = appendUnique(b.byHost[hk], canonical(instance))
	if b.addrQuery[hk] {
		return
	}
	b.addrQuery[hk] = true
	if err := b.runQuery(host, engine.TypeA, engine.ClassIN); err != nil {
		b.log.Warn("a query failed", zap.String("host", host), zap.Error(err))
	}
	if err := b.runQuery(host, engine.TypeAAAA, engine.ClassIN); err != nil {
		b.log.Warn("aaaa query failed", zap.String("host", host), zap.Error(err))
	}
}

// foundAddr attributes an address record to every instance whose SRV points
// at that host.
func (b *Browser) foundAddr(host string, addr netip.Addr) {
	for _, key := range b.byHost[canonical(host)] {
		p, ok := b.pending[key]
		if !ok {
			continue
		}
		if containsAddr(p.entry.Addrs, addr) {
			continue
		}
		p.entry.Addrs = append(p.entry.Addrs, addr)
		b.tryEmit(p)
	}
}

func (b *Browser) forgetHost(host, instance string) {
	hk := canonical(host)
	ik := canonical(instance)
	kept := b.byHost[hk][:0]
	for _, k := range b.byHost[hk] {
		if k != ik {
			kept = append(kept, k)
		}
	}
	if len(kept) == 0 {
		delete(b.byHost, hk)
	} else {
		b.byHost[hk] = kept
	}
}

// tryEmit delivers the entry if it is complete and differs from the last
// emission for this instance.
func (b *Browser) tryEmit(p *partial) {
	e := p.entry
	if e.Hostname == "" || e.Port == 0 || len(e.Addrs) == 0 || !p.txtSeen {
		return
	}
	key := canonical(e.Instance)
	if prev, ok := b.emitted.Get(key); ok && sameEntry(prev.(ServiceEntry), e) {
		return
	}
	b.emitted.SetDefault(key, e)

	out := e
	out.Addrs = append([]netip.Addr(nil), e.Addrs...)
	out.TXT = append([]string(nil), e.TXT...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.entries <- out:
		b.log.Info("service resolved",
			zap.String("instance", e.Instance),
			zap.String("host", e.Hostname),
			zap.Uint16("port", e.Port),
			zap.Int("addrs", len(e.Addrs)))
	default:
		b.log.Warn("entry channel full, dropping", zap.String("instance", e.Instance))
	}
}

func sameEntry(a, b ServiceEntry) bool {
	if a.Hostname != b.Hostname || a.Port != b.Port ||
		len(a.Addrs) != len(b.Addrs) || len(a.TXT) != len(b.TXT) {
		return false
	}
	for i := range a.Addrs {
		if a.Addrs[i] != b.Addrs[i] {
			return false
		}
	}
	for i := range a.TXT {
		if a.TXT[i] != b.TXT[i] {
			return false
		}
	}
	return true
}

func containsAddr(addrs []netip.Addr, a netip.Addr) bool {
	for _, x := range addrs {
		if x == a {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

// canonical folds a DNS name for map keying; mDNS names compare
// case-insensitively per RFC 6762 §9.2.
func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
