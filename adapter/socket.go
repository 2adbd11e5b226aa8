package adapter

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/pharos-net/pharos/internal/protocol"
)

// packetConn is the slice of UDP behavior the run loop needs, satisfied by
// both address families.
type packetConn interface {
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	WriteTo(b []byte, dest netip.AddrPort) (int, error)
	Close() error
}

// v4Conn binds 0.0.0.0:5353, joins 224.0.0.251 and enables interface
// control messages per RFC 6762 §15.
type v4Conn struct {
	udp *net.UDPConn
	pc  *ipv4.PacketConn
}

func newV4Conn(ifi *net.Interface) (*v4Conn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(protocol.Port)))
	if err != nil {
		return nil, fmt.Errorf("bind mDNS port: %w", err)
	}
	udp := conn.(*net.UDPConn)
	if err := udp.SetReadBuffer(readBufferSize); err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("set read buffer: %w", err)
	}

	pc := ipv4.NewPacketConn(udp)
	group := &net.UDPAddr{IP: net.ParseIP(protocol.MulticastAddrIPv4)}
	if err := joinGroups(ifi, func(i *net.Interface) error { return pc.JoinGroup(i, group) }); err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("join %s: %w", protocol.MulticastAddrIPv4, err)
	}
	// Interface index extraction is best-effort; without it replies still
	// work, they just cannot be pinned per-interface.
	_ = pc.SetControlMessage(ipv4.FlagInterface, true)
	_ = pc.SetMulticastLoopback(true)

	return &v4Conn{udp: udp, pc: pc}, nil
}

func (c *v4Conn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, _, src, err := c.pc.ReadFrom(b)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, addrPortOf(src), nil
}

func (c *v4Conn) WriteTo(b []byte, dest netip.AddrPort) (int, error) {
	return c.udp.WriteToUDPAddrPort(b, dest)
}

func (c *v4Conn) Close() error { return c.udp.Close() }

// v6Conn is the IPv6 sibling: [::]:5353 and group ff02::fb.
type v6Conn struct {
	udp *net.UDPConn
	pc  *ipv6.PacketConn
}

func newV6Conn(ifi *net.Interface) (*v6Conn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp6", net.JoinHostPort("::", strconv.Itoa(protocol.Port)))
	if err != nil {
		return nil, fmt.Errorf("bind mDNS port: %w", err)
	}
	udp := conn.(*net.UDPConn)
	if err := udp.SetReadBuffer(readBufferSize); err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("set read buffer: %w", err)
	}

	pc := ipv6.NewPacketConn(udp)
	group := &net.UDPAddr{IP: net.ParseIP(protocol.MulticastAddrIPv6)}
	if err := joinGroups(ifi, func(i *net.Interface) error { return pc.JoinGroup(i, group) }); err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("join %s: %w", protocol.MulticastAddrIPv6, err)
	}
	_ = pc.SetControlMessage(ipv6.FlagInterface, true)
	_ = pc.SetMulticastLoopback(true)

	return &v6Conn{udp: udp, pc: pc}, nil
}

func (c *v6Conn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, _, src, err := c.pc.ReadFrom(b)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, addrPortOf(src), nil
}

func (c *v6Conn) WriteTo(b []byte, dest netip.AddrPort) (int, error) {
	return c.udp.WriteToUDPAddrPort(b, dest)
}

func (c *v6Conn) Close() error { return c.udp.Close() }

// joinGroups joins the multicast group on the given interface, or on every
// multicast-capable interface that is up when none was chosen.
func joinGroups(ifi *net.Interface, join func(*net.Interface) error) error {
	if ifi != nil {
		return join(ifi)
	}

	ifis, err := net.Interfaces()
	if err != nil {
		return err
	}
	joined := 0
	for i := range ifis {
		if ifis[i].Flags&net.FlagUp == 0 || ifis[i].Flags&net.FlagMulticast == 0 {
			continue
		}
		if join(&ifis[i]) == nil {
			joined++
		}
	}
	if joined == 0 {
		return fmt.Errorf("no multicast-capable interface accepted the join")
	}
	return nil
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.AddrPort()
	}
	return netip.AddrPort{}
}
