// Package netio owns the XDMCP manager's UDP socket lifecycle: dual-stack
// bind, optional IPv6 multicast join, and raw receive loops that relay
// datagrams onto a channel for a single consumer goroutine to process.
package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv6"
)

// MaxDatagramSize bounds the receive buffer per read, matching the wire
// codec's own ceiling.
const MaxDatagramSize = 65507

// ErrNoListeners indicates neither the IPv6 nor the IPv4 bind succeeded.
var ErrNoListeners = errors.New("netio: no UDP listener could be bound")

// datagramQueueDepth bounds how many received-but-not-yet-processed
// datagrams Listen will buffer before a slow consumer applies backpressure
// to the read loops.
const datagramQueueDepth = 64

// Datagram is one received UDP packet paired with its source address.
type Datagram struct {
	Src  netip.AddrPort
	Data []byte
}

// Socket owns the manager's UDP listeners: an IPv6 wildcard bind
// attempted first, then an IPv4 wildcard bind, per spec.md §4.9. Either
// bind may fail independently (a host with IPv6 disabled at the kernel,
// for instance); only both failing is fatal.
type Socket struct {
	logger *slog.Logger

	v6 *net.UDPConn
	v4 *net.UDPConn
}

// Open binds the manager's listening sockets on port, optionally joining
// the IPv6 multicast group at multicastAddr on every up, non-loopback
// interface when join is true.
func Open(logger *slog.Logger, port uint16, join bool, multicastAddr string) (*Socket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Socket{logger: logger.With("component", "netio")}

	if conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: int(port)}); err != nil {
		s.logger.Warn("IPv6 bind failed", "port", port, "err", err)
	} else {
		s.v6 = conn
	}

	if conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: int(port)}); err != nil {
		s.logger.Warn("IPv4 bind failed", "port", port, "err", err)
	} else {
		s.v4 = conn
	}

	if s.v6 == nil && s.v4 == nil {
		return nil, ErrNoListeners
	}

	if join && s.v6 != nil {
		if err := s.joinMulticast(multicastAddr); err != nil {
			s.logger.Warn("IPv6 multicast join failed", "group", multicastAddr, "err", err)
		}
	}

	return s, nil
}

func (s *Socket) joinMulticast(addr string) error {
	group := net.ParseIP(addr)
	if group == nil {
		return fmt.Errorf("netio: invalid multicast address %q", addr)
	}

	pc := ipv6.NewPacketConn(s.v6)

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("enumerate interfaces: %w", err)
	}

	joined := 0
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group}); err != nil {
			s.logger.Debug("multicast join failed on interface", "interface", iface.Name, "err", err)
			continue
		}
		joined++
	}

	if joined == 0 {
		return fmt.Errorf("netio: joined multicast group %q on no interface", addr)
	}
	return nil
}

// SendTo implements xdmcp.Sender, writing to whichever bound listener
// matches addr's family, falling back to the other if only one bound.
func (s *Socket) SendTo(addr netip.AddrPort, data []byte) error {
	conn := s.connFor(addr)
	if conn == nil {
		return fmt.Errorf("netio: no listener bound for address family of %s", addr)
	}
	_, err := conn.WriteToUDP(data, net.UDPAddrFromAddrPort(addr))
	return err
}

func (s *Socket) connFor(addr netip.AddrPort) *net.UDPConn {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		if s.v4 != nil {
			return s.v4
		}
		return s.v6
	}
	if s.v6 != nil {
		return s.v6
	}
	return s.v4
}

// Listen starts one raw receive goroutine per bound listener and returns a
// channel of the datagrams they read. These feeder goroutines do no
// protocol work at all — they only read bytes off the wire and relay
// them — so that every datagram, the housekeeping ticker, and ctx.Done()
// are all observed from exactly one place: the select loop in the
// consumer's own goroutine (xdmcp.Manager.Run), matching spec.md §5's
// single-threaded cooperative event loop. Two feeder goroutines are
// unavoidable at the I/O layer (the v6 and v4 sockets are two distinct
// file descriptors, each requiring its own blocking read), but neither
// one ever touches protocol state.
//
// The returned channel is closed once every feeder has stopped, which
// happens when ctx is cancelled (Listen closes the sockets itself to
// unblock any pending read) or a listener's read fails unexpectedly.
func (s *Socket) Listen(ctx context.Context) <-chan Datagram {
	out := make(chan Datagram, datagramQueueDepth)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	var wg sync.WaitGroup
	if s.v6 != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.recvLoop(ctx, s.v6, out) }()
	}
	if s.v4 != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.recvLoop(ctx, s.v4, out) }()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// recvLoop reads datagrams off conn until the read fails (ctx
// cancellation closes conn via Listen's watcher goroutine, which is what
// unblocks a pending read at shutdown).
func (s *Socket) recvLoop(ctx context.Context, conn *net.UDPConn, out chan<- Datagram) {
	buf := make([]byte, MaxDatagramSize)

	for {
		n, peer, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("UDP read failed", "err", err)
			}
			return
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		select {
		case out <- Datagram{Src: peer, Data: datagram}:
		case <-ctx.Done():
			return
		}
	}
}

// Close closes every bound listener.
func (s *Socket) Close() error {
	var err error
	if s.v6 != nil {
		if cerr := s.v6.Close(); cerr != nil {
			err = cerr
		}
	}
	if s.v4 != nil {
		if cerr := s.v4.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
