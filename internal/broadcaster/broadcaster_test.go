package broadcaster

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"cupsbrowsed/internal/cupsclient"
	"cupsbrowsed/internal/netif"
)

type fakeConn struct {
	addr  *net.UDPAddr
	sent  [][]byte
	onWrite func([]byte) (int, error)
}

func (f *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, nil }
func (f *fakeConn) Write(p []byte) (int, error) {
	f.sent = append(f.sent, append([]byte(nil), p...))
	if f.onWrite != nil {
		return f.onWrite(p)
	}
	return len(p), nil
}
func (f *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) { return f.Write(p) }
func (f *fakeConn) Close() error                                 { return nil }
func (f *fakeConn) LocalAddr() net.Addr                          { return f.addr }
func (f *fakeConn) SetDeadline(t time.Time) error                { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error             { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error            { return nil }

func newTestClient(t *testing.T, handle func(req *goipp.Message) *goipp.Message) (*cupsclient.Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req goipp.Message
		if err := req.Decode(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := handle(&req)
		w.Header().Set("Content-Type", goipp.ContentType)
		_ = resp.Encode(w)
	}))
	parsed, _ := url.Parse(srv.URL)
	return cupsclient.NewFromConfig(cupsclient.WithServer(parsed.Host)), srv.Close
}

func printerGroup(name, uri, location, info, model string, shared bool, ptype int) goipp.Group {
	return goipp.Group{
		Tag: goipp.TagPrinterGroup,
		Attrs: goipp.Attributes{
			goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String(name)),
			goipp.MakeAttribute("device-uri", goipp.TagURI, goipp.String(uri)),
			goipp.MakeAttribute("printer-location", goipp.TagText, goipp.String(location)),
			goipp.MakeAttribute("printer-info", goipp.TagText, goipp.String(info)),
			goipp.MakeAttribute("printer-make-and-model", goipp.TagText, goipp.String(model)),
			goipp.MakeAttribute("printer-is-shared", goipp.TagBoolean, goipp.Boolean(shared)),
			goipp.MakeAttribute("printer-type", goipp.TagInteger, goipp.Integer(ptype)),
		},
	}
}

func TestCycle_SendsOnePacketPerQueuePerInterface(t *testing.T) {
	client, closeFn := newTestClient(t, func(req *goipp.Message) *goipp.Message {
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		resp.Groups = append(resp.Groups,
			printerGroup("hplj", "ipp://localhost:631/printers/hplj", "Lobby", "HP LaserJet", "HP LaserJet 4", true, 0))
		return resp
	})
	defer closeFn()

	var sent []string
	var dialedAddrs []*net.UDPAddr
	b := New(client, nil, time.Second, 300*time.Second)
	b.InterfaceList = func() []netif.Interface {
		return []netif.Interface{
			{Address: net.ParseIP("192.0.2.10"), Broadcast: net.ParseIP("192.0.2.255"), Port: 631},
			{Address: net.ParseIP("192.0.2.20"), Broadcast: net.ParseIP("192.0.2.255"), Port: 631},
		}
	}
	b.Dial = func(addr *net.UDPAddr) (udpWriteCloser, error) {
		dialedAddrs = append(dialedAddrs, addr)
		conn := &fakeConn{addr: addr, onWrite: func(p []byte) (int, error) {
			sent = append(sent, string(p))
			return len(p), nil
		}}
		return conn, nil
	}

	b.Cycle(context.Background())

	if len(sent) != 2 {
		t.Fatalf("sent %d packets, want 2 (one per interface)", len(sent))
	}
	if !strings.Contains(sent[0], "192.0.2.10") {
		t.Fatalf("first packet device-uri not substituted: %q", sent[0])
	}
	if !strings.Contains(sent[1], "192.0.2.20") {
		t.Fatalf("second packet device-uri not substituted: %q", sent[1])
	}
	if !strings.Contains(sent[0], `"Lobby"`) || !strings.Contains(sent[0], `"HP LaserJet"`) {
		t.Fatalf("packet missing location/info fields: %q", sent[0])
	}
}

func TestCycle_NotSharedQueueIsSkipped(t *testing.T) {
	client, closeFn := newTestClient(t, func(req *goipp.Message) *goipp.Message {
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		resp.Groups = append(resp.Groups,
			printerGroup("private", "ipp://localhost:631/printers/private", "", "", "", true, cupsPrinterNotShared))
		return resp
	})
	defer closeFn()

	sent := 0
	b := New(client, nil, time.Second, 300*time.Second)
	b.InterfaceList = func() []netif.Interface {
		return []netif.Interface{{Address: net.ParseIP("192.0.2.10"), Broadcast: net.ParseIP("192.0.2.255"), Port: 631}}
	}
	b.Dial = func(addr *net.UDPAddr) (udpWriteCloser, error) {
		sent++
		return &fakeConn{addr: addr}, nil
	}

	b.Cycle(context.Background())

	if sent != 0 {
		t.Fatalf("dial called %d times, want 0 for a not-shared queue", sent)
	}
}

func TestCycle_NoInterfacesSkipsWithoutDialing(t *testing.T) {
	client, closeFn := newTestClient(t, func(req *goipp.Message) *goipp.Message {
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		resp.Groups = append(resp.Groups, printerGroup("hplj", "ipp://localhost:631/printers/hplj", "", "", "", true, 0))
		return resp
	})
	defer closeFn()

	b := New(client, nil, time.Second, 300*time.Second)
	b.InterfaceList = func() []netif.Interface { return nil }
	b.Dial = func(addr *net.UDPAddr) (udpWriteCloser, error) {
		t.Fatal("Dial should not be called with no interfaces")
		return nil, nil
	}

	b.Cycle(context.Background())
}

func TestSubstituteLocalhost(t *testing.T) {
	got := substituteLocalhost("socket://localhost:9100", net.ParseIP("192.0.2.10"))
	if got != "socket://192.0.2.10:9100" {
		t.Fatalf("got %q", got)
	}
	unchanged := substituteLocalhost("socket://printer.example.com:9100", net.ParseIP("192.0.2.10"))
	if unchanged != "socket://printer.example.com:9100" {
		t.Fatalf("got %q, want unchanged", unchanged)
	}
}

func TestSendOne_OversizePacketIsDropped(t *testing.T) {
	dialed := false
	b := &Broadcaster{BrowseTimeout: 300 * time.Second}
	b.Dial = func(addr *net.UDPAddr) (udpWriteCloser, error) {
		dialed = true
		return &fakeConn{addr: addr}, nil
	}

	huge := strings.Repeat("x", MaxPacketSize)
	p := cupsclient.PrinterRecord{Name: "hplj", DeviceURI: "ipp://localhost:631/printers/hplj", Info: huge}
	b.sendOne(p, netif.Interface{Address: net.ParseIP("192.0.2.10"), Broadcast: net.ParseIP("192.0.2.255"), Port: 631})

	if dialed {
		t.Fatal("Dial should not be called for an oversize packet")
	}
}
