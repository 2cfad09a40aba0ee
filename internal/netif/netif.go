// Package netif tracks the broadcast-capable network interfaces used
// by the legacy UDP browse listener and broadcaster (spec.md §4.2).
package netif

import (
	"net"
	"sort"
	"sync"
	"time"
)

// Interface is one broadcast-capable network interface address.
type Interface struct {
	Address   net.IP
	Broadcast net.IP
	Port      int
}

// SockAddr is the address:port this interface should be used to send
// or receive legacy browse packets on.
func (i Interface) SockAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: i.Broadcast, Port: i.Port}
}

// rawInterface is the minimal host-reported shape this package needs;
// separated from net.Interface so tests can fabricate interfaces
// without a real network stack.
type rawInterface struct {
	flags net.Flags
	addrs []net.Addr
}

// InterfaceLister abstracts host interface+address enumeration for
// tests. The production implementation walks net.Interfaces().
type InterfaceLister interface {
	list() ([]rawInterface, error)
}

type systemLister struct{}

func (systemLister) list() ([]rawInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]rawInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, rawInterface{flags: iface.Flags, addrs: addrs})
	}
	return out, nil
}

// Tracker maintains the ordered set of broadcast-capable interfaces,
// refreshed on demand, at startup, before each broadcast cycle, and on
// debounced network-change notifications.
type Tracker struct {
	Port   int
	lister InterfaceLister

	mu         sync.Mutex
	interfaces []Interface

	debounceMu     sync.Mutex
	debounceTimer  *time.Timer
	debounceWindow time.Duration
}

// NewTracker creates a Tracker bound to port. A nil lister uses the
// real OS interface table.
func NewTracker(port int, lister InterfaceLister) *Tracker {
	if lister == nil {
		lister = systemLister{}
	}
	return &Tracker{Port: port, lister: lister, debounceWindow: 10 * time.Second}
}

// Refresh replaces the tracked interface set. An interface is included
// iff it is up, is not loopback, carries the broadcast flag, and has an
// IPv4 address with a broadcast address; IPv6 addresses (link-local or
// not) are skipped.
func (t *Tracker) Refresh() error {
	ifaces, err := t.lister.list()
	if err != nil {
		return err
	}

	var out []Interface
	for _, iface := range ifaces {
		if iface.flags&net.FlagUp == 0 {
			continue
		}
		if iface.flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.flags&net.FlagBroadcast == 0 {
			continue
		}
		for _, a := range iface.addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			if ip == nil {
				continue
			}
			ip4 := ip.To4()
			if ip4 == nil {
				// IPv6 link-local (and all other IPv6) is never used for
				// the legacy broadcast protocol, which is IPv4-only.
				continue
			}
			bcast := broadcastAddress(ip4, ipNet.Mask)
			if bcast == nil {
				continue
			}
			out = append(out, Interface{Address: ip4, Broadcast: bcast, Port: t.Port})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})

	t.mu.Lock()
	t.interfaces = out
	t.mu.Unlock()
	return nil
}

func broadcastAddress(ip net.IP, mask net.IPMask) net.IP {
	if len(mask) == net.IPv6len && len(ip) == net.IPv4len {
		mask = mask[12:]
	}
	if len(ip) != len(mask) {
		return nil
	}
	out := make(net.IP, len(ip))
	for i := range ip {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

// Interfaces returns the currently tracked set.
func (t *Tracker) Interfaces() []Interface {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Interface, len(t.interfaces))
	copy(out, t.interfaces)
	return out
}

// NotifyChange schedules a debounced refresh in response to a host
// network-change notification. Multiple notifications within the
// debounce window (10s) collapse into a single refresh, per spec.md
// §4.2.
func (t *Tracker) NotifyChange() {
	t.debounceMu.Lock()
	defer t.debounceMu.Unlock()
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
	}
	t.debounceTimer = time.AfterFunc(t.debounceWindow, func() {
		_ = t.Refresh()
	})
}
