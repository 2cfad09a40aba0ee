package intake

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"cupsbrowsed/internal/catalogue"
	"cupsbrowsed/internal/cupsclient"
	"cupsbrowsed/internal/localview"
)

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

// newUnsupportedViewServer backs a View with a client that declines every
// RPC, matching a print service with no notification support: View falls
// back to full enumeration, which fails too, so Refresh leaves the view's
// entries as they were (tests may seed them directly).
func newUnsupportedViewServer(t *testing.T) (*localview.View, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req goipp.Message
		if err := req.Decode(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := goipp.NewResponse(req.Version, goipp.StatusErrorOperationNotSupported, req.RequestID)
		w.Header().Set("Content-Type", goipp.ContentType)
		_ = resp.Encode(w)
	}))
	parsed, _ := url.Parse(srv.URL)
	client := cupsclient.NewFromConfig(cupsclient.WithServer(parsed.Host))
	return localview.New(client), srv.Close
}

func newTestIntake(t *testing.T, createIPPPrinterQueues bool) (*Intake, *catalogue.Catalogue, func()) {
	cat := catalogue.New()
	view, closeFn := newUnsupportedViewServer(t)
	in := New(cat, view, nil, fixedClock{now: time.Unix(1000, 0)}, createIPPPrinterQueues, "")
	return in, cat, closeFn
}

func TestRun_S1_SimpleDiscovery(t *testing.T) {
	in, cat, closeFn := newTestIntake(t, true)
	defer closeFn()
	var armed int
	in.ArmReconciler = func(context.Context) { armed++ }
	entry, created, err := in.Run(context.Background(), Event{
		Host:          "printer.local",
		Port:          631,
		Resource:      "printers/hplj",
		ServiceName:   "HPLJ",
		ServiceType:   "_ipp._tcp",
		ServiceDomain: "local",
		TXT:           map[string]string{"rp": "printers/hplj", "product": "(HP LaserJet)"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if entry == nil {
		t.Fatal("expected an entry")
	}
	if !created {
		t.Fatal("expected created = true for a brand new entry")
	}
	if armed != 1 {
		t.Fatalf("ArmReconciler calls = %d, want 1", armed)
	}
	if entry.Name != "hplj" {
		t.Fatalf("Name = %q, want hplj", entry.Name)
	}
	if entry.URI != "ipp://printer.local:631/printers/hplj" {
		t.Fatalf("URI = %q", entry.URI)
	}
	if entry.Host != "printer" {
		t.Fatalf("Host = %q, want printer", entry.Host)
	}
	if entry.Status != catalogue.StatusToBeCreated {
		t.Fatalf("Status = %v, want ToBeCreated", entry.Status)
	}
	if cat.Len() != 1 {
		t.Fatalf("catalogue length = %d, want 1", cat.Len())
	}
}

func TestRun_S2_NameCollisionWithExternalQueue(t *testing.T) {
	in, cat, closeFn := newTestIntake(t, true)
	defer closeFn()
	in.View.Entries()["hplj"] = localview.LocalPrinterEntry{DeviceURI: "usb://somewhere", DaemonControlled: false}

	entry, _, err := in.Run(context.Background(), Event{
		Host:        "printer.local",
		Port:        631,
		Resource:    "printers/hplj",
		ServiceType: "_ipp._tcp",
		TXT:         map[string]string{"product": "(HP LaserJet)"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if entry == nil || entry.Name != "hplj@printer" {
		t.Fatalf("expected fallback name hplj@printer, got %+v", entry)
	}
	if cat.FindByName("hplj") != nil {
		t.Fatal("expected original external hplj queue untouched in catalogue")
	}
}

func TestRun_S3_FailoverViaDuplicate(t *testing.T) {
	in, cat, closeFn := newTestIntake(t, true)
	defer closeFn()

	a, _, err := in.Run(context.Background(), Event{
		Host: "a", Port: 631, Resource: "printers/hplj", ServiceType: "_ipp._tcp",
		ServiceName: "HPLJ-A", ServiceDomain: "local",
		TXT: map[string]string{"product": "(HP LaserJet)"},
	})
	if err != nil || a == nil {
		t.Fatalf("Run(A): %v", err)
	}
	b, _, err := in.Run(context.Background(), Event{
		Host: "b", Port: 631, Resource: "printers/hplj", ServiceType: "_ipp._tcp",
		ServiceName: "HPLJ-B", ServiceDomain: "local",
		TXT: map[string]string{"product": "(HP LaserJet)"},
	})
	if err != nil || b == nil {
		t.Fatalf("Run(B): %v", err)
	}
	if a.Duplicate {
		t.Fatal("expected first entry to be primary")
	}
	if !b.Duplicate {
		t.Fatal("expected second entry to be marked duplicate")
	}
	if cat.Len() != 2 {
		t.Fatalf("catalogue length = %d, want 2", cat.Len())
	}
}

func TestRun_S4_RawRemoteQueueRejected(t *testing.T) {
	in, cat, closeFn := newTestIntake(t, true)
	defer closeFn()
	entry, _, err := in.Run(context.Background(), Event{
		Host: "printer.local", Port: 631, Resource: "printers/hplj", ServiceType: "_ipp._tcp",
		TXT: map[string]string{"rp": "printers/hplj"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected rejection, got %+v", entry)
	}
	if cat.Len() != 0 {
		t.Fatalf("expected no catalogue entry, got %d", cat.Len())
	}
}

func TestRun_DuplicateEventIsIdempotent(t *testing.T) {
	in, cat, closeFn := newTestIntake(t, true)
	defer closeFn()
	ev := Event{
		Host: "printer.local", Port: 631, Resource: "printers/hplj", ServiceType: "_ipp._tcp",
		ServiceName: "HPLJ", ServiceDomain: "local",
		TXT: map[string]string{"product": "(HP LaserJet)"},
	}
	if _, created, err := in.Run(context.Background(), ev); err != nil {
		t.Fatalf("Run(1): %v", err)
	} else if !created {
		t.Fatal("expected created = true on first intake")
	}
	if _, created, err := in.Run(context.Background(), ev); err != nil {
		t.Fatalf("Run(2): %v", err)
	} else if created {
		t.Fatal("expected created = false on the idempotent re-intake")
	}
	if cat.Len() != 1 {
		t.Fatalf("catalogue length = %d, want 1 (idempotent intake)", cat.Len())
	}
}

func TestRun_DirectPrinterRejectedWithoutKnownPDL(t *testing.T) {
	cat := catalogue.New()
	view, closeFn := newUnsupportedViewServer(t)
	defer closeFn()
	in := New(cat, view, nil, fixedClock{now: time.Unix(1000, 0)}, false, "")

	entry, _, err := in.Run(context.Background(), Event{
		Host: "printer.local", Port: 631, Resource: "ipp/print", ServiceType: "_ipp._tcp",
		TXT: map[string]string{"ty": "Some Printer"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected rejection without a known PDL, got %+v", entry)
	}
}

func TestRun_DirectPrinterAcceptedWithKnownPDL(t *testing.T) {
	cat := catalogue.New()
	view, closeFn := newUnsupportedViewServer(t)
	defer closeFn()
	in := New(cat, view, nil, fixedClock{now: time.Unix(1000, 0)}, false, "")

	entry, _, err := in.Run(context.Background(), Event{
		Host: "printer.local", Port: 631, Resource: "ipp/print", ServiceType: "_ipp._tcp",
		TXT: map[string]string{"ty": "Some Printer", "pdl": "application/pdf,image/pwg-raster"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if entry == nil {
		t.Fatal("expected acceptance with a known PDL")
	}
	if entry.DescriptionSource != catalogue.DescriptionInterfaceScriptPath {
		t.Fatalf("DescriptionSource = %v, want interface script (no generator wired)", entry.DescriptionSource)
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	cases := []string{"HP LaserJet!!4000", "Office/Printer.v2,x", "---leading-and-trailing---"}
	for _, s := range cases {
		once := Sanitize(s, ModePDL)
		twice := Sanitize(once, ModePDL)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: once=%q twice=%q", s, once, twice)
		}
	}
}
