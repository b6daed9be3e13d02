package xdmcp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

// DefaultPort is the standard XDMCP UDP port.
const DefaultPort uint16 = 177

// Hostname is a resolved display hostname, as returned by a
// HostnameResolver. Alt holds any additional addresses the resolver
// found for the same name (used when a chooser offers a host by name
// that resolves to more than one address).
type Hostname struct {
	Name string
	Alt  []netip.Addr
}

// AddrEqual reports whether a and b refer to the same endpoint,
// comparing family, address bytes, and zone — grounded on the teacher's
// family-aware address comparison in its netio layer, generalized from
// plain net.IP to netip.Addr's value semantics.
func AddrEqual(a, b netip.Addr) bool {
	return a == b
}

// IsLoopback reports whether addr is a loopback address.
func IsLoopback(addr netip.Addr) bool {
	return addr.IsLoopback()
}

// LocalAddrSet tracks the host's own interface addresses so C7 can tell
// apart "from one of our own interfaces" from "from a genuine remote
// peer" (used by the indirect-query loopback-forwarding rule in 4.3/4.7)
// without a syscall on every datagram.
//
// Refreshed lazily: Refresh is cheap enough to call periodically from
// the Manager's ticker rather than on every lookup.
type LocalAddrSet struct {
	mu        sync.RWMutex
	addrs     map[netip.Addr]struct{}
	nonLoop   []netip.Addr
	refreshed time.Time
}

// NewLocalAddrSet creates an empty set; call Refresh before first use.
func NewLocalAddrSet() *LocalAddrSet {
	return &LocalAddrSet{addrs: make(map[netip.Addr]struct{})}
}

// Refresh re-enumerates the host's interface addresses via net.Interfaces.
func (s *LocalAddrSet) Refresh() error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("enumerate interfaces: %w", err)
	}

	addrs := make(map[netip.Addr]struct{})
	var nonLoop []netip.Addr

	for _, iface := range ifaces {
		ifAddrs, addrErr := iface.Addrs()
		if addrErr != nil {
			continue
		}
		for _, ifAddr := range ifAddrs {
			ipNet, ok := ifAddr.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			addrs[addr] = struct{}{}

			up := iface.Flags&net.FlagUp != 0
			loop := iface.Flags&net.FlagLoopback != 0
			if up && !loop && !addr.IsLoopback() {
				nonLoop = append(nonLoop, addr)
			}
		}
	}

	s.mu.Lock()
	s.addrs = addrs
	s.nonLoop = nonLoop
	s.refreshed = time.Now()
	s.mu.Unlock()

	return nil
}

// IsLocal reports whether addr belongs to this host's interface-address set.
func (s *LocalAddrSet) IsLocal(addr netip.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addrs[addr.Unmap()]
	return ok
}

// NonLoopback returns a snapshot of the host's non-loopback, up
// interface addresses — used by 4.7's INDIRECT_QUERY loopback-forwarding
// rule ("send one FORWARD_QUERY per non-loopback local address").
func (s *LocalAddrSet) NonLoopback() []netip.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]netip.Addr, len(s.nonLoop))
	copy(out, s.nonLoop)
	return out
}

// NetResolver is the default HostnameResolver, wrapping net.Resolver.
type NetResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewNetResolver creates a HostnameResolver bounded by timeout, per
// spec.md's "one reverse lookup per client" / "bounded name-resolution"
// requirement.
func NewNetResolver(timeout time.Duration) *NetResolver {
	return &NetResolver{resolver: net.DefaultResolver, timeout: timeout}
}

// ResolveHostname performs one bounded reverse DNS lookup, falling back
// to the address's string form when the lookup fails or times out —
// spec.md §6 requires "reverse lookup with fallback", never a hard error.
func (n *NetResolver) ResolveHostname(ctx context.Context, addr netip.Addr) (Hostname, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	names, err := n.resolver.LookupAddr(ctx, addr.String())
	if err != nil || len(names) == 0 {
		return Hostname{Name: addr.String()}, nil
	}

	return Hostname{Name: names[0]}, nil
}

// ResolveFirst resolves node to its first usable address, per spec.md
// §4.2's resolve_first contract — used when a chooser delivers a host
// by name rather than literal address.
func ResolveFirst(ctx context.Context, node string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(node); err == nil {
		return addr, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", node)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %q: %w", node, err)
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %q: %w", node, ErrNoAddresses)
	}

	addr, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return netip.Addr{}, fmt.Errorf("resolve %q: %w", node, ErrNoAddresses)
	}

	return addr.Unmap(), nil
}

// Render formats addr for log output as (host, service) per spec.md §4.2.
func Render(addr netip.AddrPort) (host, service string) {
	return addr.Addr().String(), fmt.Sprintf("%d", addr.Port())
}

// addrToWire renders addr as its big-endian byte form: 4 bytes for IPv4,
// 16 for IPv6, per spec.md §4.4/§4.7's ARRAY8 address encoding.
func addrToWire(addr netip.Addr) []byte {
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return b[:]
	}
	b := addr.As16()
	return b[:]
}

// wireToAddr parses an XDMCP wire address: 4 bytes for IPv4, 16 for IPv6.
func wireToAddr(b []byte) (netip.Addr, error) {
	switch len(b) {
	case 4:
		return netip.AddrFrom4([4]byte(b)), nil
	case 16:
		return netip.AddrFrom16([16]byte(b)), nil
	default:
		return netip.Addr{}, fmt.Errorf("xdmcp: invalid wire address length %d", len(b))
	}
}

// wireToPort parses an XDMCP wire port: 2 bytes big-endian, or
// DefaultPort when absent, per spec.md §4.4.
func wireToPort(b []byte) (uint16, error) {
	switch len(b) {
	case 0:
		return DefaultPort, nil
	case 2:
		return uint16(b[0])<<8 | uint16(b[1]), nil
	default:
		return 0, fmt.Errorf("xdmcp: invalid wire port length %d", len(b))
	}
}
