// Package poll implements the per-upstream poll worker: repeatedly
// connect, subscribe-or-list, and feed discovered printers into Intake
// (spec §4.5.3).
package poll

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"cupsbrowsed/internal/catalogue"
	"cupsbrowsed/internal/clock"
	"cupsbrowsed/internal/cupsclient"
	"cupsbrowsed/internal/intake"
	"cupsbrowsed/internal/localview"
	"cupsbrowsed/internal/logging"
)

// DefaultInterval is how often a worker re-polls its upstream.
const DefaultInterval = 30 * time.Second

// ConnectTimeout bounds the preliminary reachability check in step 1.
const ConnectTimeout = 5 * time.Second

// subscriptionEvents is the event set §4.4/§4.5.3 subscribes to.
var subscriptionEvents = []string{
	"printer-added", "printer-changed", "printer-config-changed",
	"printer-modified", "printer-deleted", "printer-state-changed",
}

const noSubscription = -1

// cupsPrinterRemote and cupsPrinterImplicit are the CUPS printer-type
// bitmask flags used to filter Get-Printers replies to genuinely local,
// explicit, shared queues (spec §4.5.3 step 4).
const (
	cupsPrinterRemote   = 0x00000002
	cupsPrinterImplicit = 0x00010000
)

// Worker polls one upstream CUPS-compatible print service.
type Worker struct {
	Host     string
	Port     int
	Version  string // informational; "" (unset) unless BrowsePoll specified one
	Interval time.Duration

	Catalogue *catalogue.Catalogue
	View      *localview.View
	Intake    *intake.Intake
	Clock     clock.Clock
	Wheel     *clock.Wheel

	// Serialize wraps every timer-fired Poll with the caller's exclusion
	// mechanism; see Reconciler.Serialize for the reason. A nil Serialize
	// runs Poll directly, which is what this package's tests rely on by
	// calling Poll without going through Arm/Fire.
	Serialize func(func())

	client         *cupsclient.Client
	canSubscribe   bool
	subscriptionID int
	sequenceNumber int
	knownPrinters  map[string]cupsclient.PrinterRecord

	handle clock.Handle
	armed  bool
}

// New builds a Worker targeting host:port. version is the BrowsePoll
// line's optional "/version=X.Y" suffix, recorded but not otherwise
// interpreted by this daemon.
func New(host string, port int, version string, cat *catalogue.Catalogue, view *localview.View, in *intake.Intake, wheel *clock.Wheel) *Worker {
	var clk clock.Clock = clock.System
	if wheel != nil {
		clk = wheel
	}
	return &Worker{
		Host:           host,
		Port:           port,
		Version:        version,
		Interval:       DefaultInterval,
		Catalogue:      cat,
		View:           view,
		Intake:         in,
		Clock:          clk,
		Wheel:          wheel,
		canSubscribe:   true,
		subscriptionID: noSubscription,
		knownPrinters:  make(map[string]cupsclient.PrinterRecord),
	}
}

// Arm schedules the next Poll after d, cancelling any previously
// outstanding timer for this worker (one timer per owner, spec §5). A
// nil Wheel makes Arm a no-op, letting tests drive Poll directly.
func (w *Worker) Arm(ctx context.Context, d time.Duration) {
	if w.Wheel == nil {
		return
	}
	if w.armed {
		w.Wheel.Cancel(w.handle)
	}
	w.handle = w.Wheel.ScheduleAfter(d, func() { w.Fire(ctx) })
	w.armed = true
}

// Fire runs Poll through Serialize, if set; otherwise it runs Poll
// directly.
func (w *Worker) Fire(ctx context.Context) {
	if w.Serialize != nil {
		w.Serialize(func() { w.Poll(ctx) })
		return
	}
	w.Poll(ctx)
}

// Poll runs one iteration of the six-step protocol and reschedules
// itself at the end, regardless of outcome.
func (w *Worker) Poll(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	defer w.Arm(ctx, interval)

	if w.View != nil {
		w.View.Inhibit()
		defer w.View.Release()
	}

	// 1. Resolve + connect.
	if err := w.connect(ctx); err != nil {
		logging.Debugf("poll: %s:%d unreachable: %v", w.Host, w.Port, err)
		return
	}

	forceList := false

	// 2 / 3. Subscribe, or poll notifications on an existing subscription.
	if w.canSubscribe && w.subscriptionID == noSubscription {
		sub, err := w.client.CreatePrinterSubscription(ctx, "", subscriptionEvents, 0)
		if err != nil {
			logging.Debugf("poll: %s:%d subscribe failed, falling back to full list: %v", w.Host, w.Port, err)
			w.canSubscribe = false
			forceList = true
		} else {
			w.subscriptionID = sub.ID
			w.sequenceNumber = 0
			forceList = true
		}
	} else if w.subscriptionID != noSubscription {
		notes, err := w.client.GetNotifications(ctx, w.subscriptionID, w.sequenceNumber+1)
		switch {
		case err != nil && strings.Contains(strings.ToLower(err.Error()), "not-found"):
			logging.Debugf("poll: %s:%d subscription lease expired, recreating", w.Host, w.Port)
			w.subscriptionID = noSubscription
			forceList = true
		case err != nil:
			logging.Debugf("poll: %s:%d Get-Notifications failed, cancelling subscription: %v", w.Host, w.Port, err)
			_ = w.client.CancelSubscription(ctx, w.subscriptionID)
			w.subscriptionID = noSubscription
			forceList = true
		case len(notes) > 0:
			for _, n := range notes {
				if n.SequenceNumber > w.sequenceNumber {
					w.sequenceNumber = n.SequenceNumber
				}
			}
			forceList = true
		}
	}

	// 4 / 5. Full list, or keepalive re-assertion.
	if forceList || w.subscriptionID == noSubscription {
		w.fullList(ctx)
	} else {
		w.reassertKnown(ctx)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	if w.client == nil {
		w.client = cupsclient.NewFromConfig(cupsclient.WithServer(fmt.Sprintf("%s:%d", w.Host, w.Port)))
	}
	dctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", net.JoinHostPort(w.Host, strconv.Itoa(w.Port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

func (w *Worker) fullList(ctx context.Context) {
	printers, err := w.client.GetPrinters(ctx)
	if err != nil {
		logging.Debugf("poll: %s:%d Get-Printers failed: %v", w.Host, w.Port, err)
		return
	}

	known := make(map[string]cupsclient.PrinterRecord, len(printers))
	for _, p := range printers {
		if !p.IsShared || isRemoteOrImplicit(p) {
			continue
		}
		known[p.Name] = p
		w.intakePrinter(ctx, p)
	}
	w.knownPrinters = known
}

func (w *Worker) reassertKnown(ctx context.Context) {
	for _, p := range w.knownPrinters {
		w.intakePrinter(ctx, p)
	}
}

func (w *Worker) intakePrinter(ctx context.Context, p cupsclient.PrinterRecord) {
	host, port, resource := splitDeviceURI(p.URI)
	if host == "" {
		host, port, resource = w.Host, w.Port, "printers/"+p.Name
	}
	if _, _, err := w.Intake.Run(ctx, intake.Event{Host: host, Port: port, Resource: resource}); err != nil {
		logging.Printf("poll: intake for %q failed: %v", p.Name, err)
	}
}

func isRemoteOrImplicit(p cupsclient.PrinterRecord) bool {
	typ := findAttrInt(p.Attrs, "printer-type")
	return typ&(cupsPrinterRemote|cupsPrinterImplicit) != 0
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

// splitDeviceURI extracts host, port and resource from an ipp(s)://
// printer-uri-supported/device-uri value.
func splitDeviceURI(raw string) (host string, port int, resource string) {
	const ippPrefix, ippsPrefix = "ipp://", "ipps://"
	trimmed := raw
	switch {
	case strings.HasPrefix(raw, ippsPrefix):
		trimmed = raw[len(ippsPrefix):]
	case strings.HasPrefix(raw, ippPrefix):
		trimmed = raw[len(ippPrefix):]
	default:
		return "", 0, ""
	}
	slash := strings.IndexByte(trimmed, '/')
	hostport := trimmed
	if slash >= 0 {
		hostport = trimmed[:slash]
		resource = trimmed[slash+1:]
	}
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 631, resource
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return h, 631, resource
	}
	return h, portNum, resource
}
