// Package adapter binds the sans-I/O protocol engine to real UDP multicast
// sockets. It owns the two things the engine deliberately does not: a clock
// and the network.
//
// The split of responsibilities is strict. The engine decides what to send
// and when; the adapter reads packets, feeds them in, transmits whatever the
// engine hands back, and sleeps exactly until the engine's next deadline. All
// engine access is serialized through one mutex, so the engine itself needs
// no locking.
package adapter

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pharos-net/pharos/engine"
	"github.com/pharos-net/pharos/internal/errors"
)

// readBufferSize sizes the socket receive buffer. mDNS bursts are small but
// a cache-flush storm after a network change can queue dozens of packets.
const readBufferSize = 1 << 16

// maxPacketSize bounds a single received datagram. RFC 6762 §17 caps mDNS
// messages at the interface MTU; 9000 covers jumbo frames.
const maxPacketSize = 9000

type inbound struct {
	data []byte
	src  netip.AddrPort
}

// Adapter drives an engine.Engine over a multicast UDP socket.
type Adapter struct {
	eng  *engine.Engine
	conn packetConn
	clk  clock.Clock
	log  *zap.Logger

	ifi        *net.Interface
	ipv6       bool
	engineOpts []engine.Option
	onMatch    func(engine.Match)
	onEvent    func(engine.Event)

	mu     sync.Mutex
	closed bool

	kick    chan struct{}
	packets chan inbound
	done    chan struct{}
}

// New opens the mDNS socket, joins the multicast group, and wraps a fresh
// engine. The adapter is inert until Run is called.
func New(opts ...Option) (*Adapter, error) {
	a := &Adapter{
		clk:     clock.New(),
		log:     zap.NewNop(),
		kick:    make(chan struct{}, 1),
		packets: make(chan inbound, 32),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.eng = engine.New(a.engineOpts...)

	var err error
	if a.ipv6 {
		a.conn, err = newV6Conn(a.ifi)
	} else {
		a.conn, err = newV4Conn(a.ifi)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Publish starts the probe-announce lifecycle for a record set. Lifecycle
// progress arrives through the event handler.
func (a *Adapter) Publish(set engine.RecordSet) (engine.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, &errors.ClosedError{What: "adapter"}
	}
	h, err := a.eng.Publish(set, a.clk.Now())
	if err != nil {
		return 0, err
	}
	a.log.Info("publishing record set", zap.String("name", set.Name), zap.Int("records", len(set.Records)))
	a.wake()
	return h, nil
}

// Withdraw takes a published record set off the air, sending goodbyes if it
// had announced.
func (a *Adapter) Withdraw(h engine.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return &errors.ClosedError{What: "adapter"}
	}
	if err := a.eng.Withdraw(h, a.clk.Now()); err != nil {
		return err
	}
	a.wake()
	return nil
}

// SetPhase reports the lifecycle phase of a published record set.
func (a *Adapter) SetPhase(h engine.Handle) (engine.Phase, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eng.SetPhase(h)
}

// Query starts a continuous query. Matches — cached and newly learned —
// arrive through the match handler.
func (a *Adapter) Query(name string, rtype engine.RecordType, class uint16) (engine.QueryHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, &errors.ClosedError{What: "adapter"}
	}
	h := a.eng.Query(name, rtype, class, a.clk.Now())
	a.log.Debug("query started", zap.String("name", name), zap.Stringer("type", rtype))
	a.wake()
	return h, nil
}

// StopQuery cancels a running query.
func (a *Adapter) StopQuery(h engine.QueryHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return &errors.ClosedError{What: "adapter"}
	}
	return a.eng.StopQuery(h)
}

// Run pumps the adapter until the context is cancelled or Close is called.
// It starts one receive goroutine and runs the engine loop on the calling
// goroutine, returning nil on clean shutdown.
func (a *Adapter) Run(ctx context.Context) error {
	go a.receiveLoop()

	timer := a.clk.Timer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	rearm := func(deadline time.Time) {
		if armed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		armed = false
		if deadline.IsZero() {
			return
		}
		d := deadline.Sub(a.clk.Now())
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
		armed = true
	}

	rearm(a.step(func(now time.Time) (engine.Batch, time.Time) {
		return a.eng.Tick(now)
	}))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.done:
			return nil

		case <-a.kick:
			rearm(a.deadline())

		case pkt := <-a.packets:
			rearm(a.step(func(now time.Time) (engine.Batch, time.Time) {
				batch := a.eng.OnPacket(pkt.data, pkt.src, now)
				return batch, a.eng.NextDeadline()
			}))

		case <-timer.C:
			armed = false
			rearm(a.step(func(now time.Time) (engine.Batch, time.Time) {
				return a.eng.Tick(now)
			}))
		}
	}
}

// Close shuts the adapter down. It does not send goodbyes; callers that want
// a graceful exit withdraw their record sets first and let the loop drain.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	a.mu.Unlock()

	var err error
	err = multierr.Append(err, a.conn.Close())
	err = multierr.Append(err, a.log.Sync())
	return err
}

// step runs one engine operation under the lock and transmits its output,
// returning the deadline to rearm the timer with.
func (a *Adapter) step(op func(time.Time) (engine.Batch, time.Time)) time.Time {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return time.Time{}
	}
	batch, deadline := op(a.clk.Now())
	a.mu.Unlock()

	a.dispatch(batch)
	return deadline
}

func (a *Adapter) deadline() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return time.Time{}
	}
	return a.eng.NextDeadline()
}

// dispatch transmits a batch's packets and delivers its matches and events.
// Runs outside the engine lock so handlers may call back into the Adapter.
func (a *Adapter) dispatch(batch engine.Batch) {
	for _, pkt := range batch.Packets {
		if _, err := a.conn.WriteTo(pkt.Payload, pkt.Dest); err != nil {
			a.log.Warn("transmit failed", zap.Stringer("dest", pkt.Dest), zap.Error(err))
		}
	}
	if a.onMatch != nil {
		for _, m := range batch.Matches {
			a.onMatch(m)
		}
	}
	for _, ev := range batch.Events {
		a.log.Info("record set transition",
			zap.Int("set", int(ev.Set)),
			zap.Stringer("phase", ev.Phase),
			zap.String("name", ev.Name),
			zap.Error(ev.Err))
		if a.onEvent != nil {
			a.onEvent(ev)
		}
	}
}

// receiveLoop reads datagrams until the socket closes and hands them to the
// run loop. Each packet gets its own buffer; the engine may retain slices of
// it for the life of a cache entry.
func (a *Adapter) receiveLoop() {
	buf := make([]byte, maxPacketSize)
	for {
		n, src, err := a.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-a.done:
			default:
				a.log.Warn("receive failed", zap.Error(err))
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case a.packets <- inbound{data: data, src: src}:
		case <-a.done:
			return
		}
	}
}

// wake nudges the run loop to re-read the engine deadline after an API call
// changed it. Callers hold a.mu.
func (a *Adapter) wake() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}
