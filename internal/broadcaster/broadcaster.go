// Package broadcaster implements the outgoing half of the legacy UDP
// browse protocol: periodically announce every locally shared queue on
// every broadcast-capable interface (spec §4.9).
package broadcaster

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"cupsbrowsed/internal/cupsclient"
	"cupsbrowsed/internal/logging"
	"cupsbrowsed/internal/netif"
)

// DefaultInterval is the fallback browse_interval.
const DefaultInterval = 30 * time.Second

// DefaultBrowseTimeout is the lease-duration advertised per packet
// when no configuration value is supplied.
const DefaultBrowseTimeout = 300 * time.Second

// MaxPacketSize is the largest datagram this broadcaster will send; a
// browse packet built from an oversized location/info/make-model is
// dropped rather than fragmented, matching a single MTU-sized UDP
// datagram.
const MaxPacketSize = 1400

// cupsPrinterNotShared mirrors the CUPS_PRINTER_NOT_SHARED printer-type
// bit; queues carrying it are skipped (spec §4.9).
const cupsPrinterNotShared = 0x00200000

// Broadcaster periodically re-announces the local print service's
// shared queues via legacy UDP browse packets.
type Broadcaster struct {
	Client        *cupsclient.Client
	Tracker       *netif.Tracker
	Interval      time.Duration
	BrowseTimeout time.Duration

	// Dial is overridable in tests; defaults to opening a UDP socket
	// per send, standing in for net.DialUDP.
	Dial func(addr *net.UDPAddr) (udpWriteCloser, error)

	// InterfaceList overrides how Cycle reads the current interface
	// set; production callers leave it nil and it reads from Tracker.
	// Tests that have no real network stack to enumerate can inject a
	// fixed set here without reaching into netif's unexported lister.
	InterfaceList func() []netif.Interface
}

// New builds a Broadcaster. A zero interval/browseTimeout uses the
// package defaults.
func New(client *cupsclient.Client, tracker *netif.Tracker, interval, browseTimeout time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if browseTimeout <= 0 {
		browseTimeout = DefaultBrowseTimeout
	}
	return &Broadcaster{
		Client:        client,
		Tracker:       tracker,
		Interval:      interval,
		BrowseTimeout: browseTimeout,
		Dial:          dialUDP,
	}
}

// udpWriteCloser is the subset of net.Conn / net.PacketConn that
// sendOne actually uses; it lets production (*net.UDPConn) and the
// test fakeConn satisfy Dial without widening to a full net interface.
type udpWriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

func dialUDP(addr *net.UDPAddr) (udpWriteCloser, error) {
	return net.DialUDP("udp4", nil, addr)
}

// Run blocks, broadcasting on Interval until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	b.Cycle(ctx)
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Cycle(ctx)
		}
	}
}

// Cycle refreshes the interface set, rebuilds browse data from the
// local print service, and sends one packet per (queue, interface)
// pair.
func (b *Broadcaster) Cycle(ctx context.Context) {
	if b.Tracker != nil {
		if err := b.Tracker.Refresh(); err != nil {
			logging.Debugf("broadcaster: interface refresh failed: %v", err)
		}
	}

	printers, err := b.Client.GetPrinters(ctx)
	if err != nil {
		logging.Debugf("broadcaster: Get-Printers failed: %v", err)
		return
	}

	var ifaces []netif.Interface
	switch {
	case b.InterfaceList != nil:
		ifaces = b.InterfaceList()
	case b.Tracker != nil:
		ifaces = b.Tracker.Interfaces()
	}
	if len(ifaces) == 0 {
		return
	}

	for _, p := range printers {
		if !p.IsShared || isNotShared(p) {
			continue
		}
		for _, iface := range ifaces {
			b.sendOne(p, iface)
		}
	}
}

func isNotShared(p cupsclient.PrinterRecord) bool {
	return findAttrInt(p.Attrs, "printer-type")&cupsPrinterNotShared != 0
}

func findAttrInt(attrs goipp.Attributes, name string) int {
	for _, a := range attrs {
		if a.Name != name || len(a.Values) == 0 {
			continue
		}
		if v, ok := a.Values[0].V.(goipp.Integer); ok {
			return int(v)
		}
	}
	return 0
}

func (b *Broadcaster) sendOne(p cupsclient.PrinterRecord, iface netif.Interface) {
	uri := substituteLocalhost(p.DeviceURI, iface.Address)
	packet := fmt.Sprintf("%x %x %s %q %q %q lease-duration=%d\n",
		0, 3, uri, p.Location, p.Info, p.MakeModel, int(b.BrowseTimeout.Seconds()))

	if len(packet) > MaxPacketSize {
		logging.Printf("broadcaster: packet for %s exceeds %d bytes, dropping", p.Name, MaxPacketSize)
		return
	}

	conn, err := b.Dial(iface.SockAddr())
	if err != nil {
		logging.Printf("broadcaster: dial %s for %s: %v", iface.SockAddr(), p.Name, err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(packet)); err != nil {
		logging.Printf("broadcaster: send %s on %s: %v", p.Name, iface.Address, err)
	}
}

// substituteLocalhost replaces a "localhost" host component in a
// device URI with addr, so a remote receiver can actually reach this
// queue (spec §4.9's per-interface URI substitution).
func substituteLocalhost(deviceURI string, addr net.IP) string {
	if addr == nil {
		return deviceURI
	}
	lower := strings.ToLower(deviceURI)
	idx := strings.Index(lower, "localhost")
	if idx < 0 {
		return deviceURI
	}
	return deviceURI[:idx] + addr.String() + deviceURI[idx+len("localhost"):]
}
