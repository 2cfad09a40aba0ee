// Package daemon wires every built component into a single running
// process and implements the lifecycle controller (spec §4.10): startup
// recovery, signal handling, and auto-shutdown.
//
// The design notes call for mapping the source's callback-soup-plus-loop
// onto "goroutines + channels, where each discovery source is a producer
// and the reconciler is a single consumer". Daemon follows that mapping
// literally: every discovery source, timer fire, and signal runs on its
// own goroutine but only ever *enqueues* a closure; a single loop
// goroutine drains the queue and is the only thing that ever touches the
// catalogue or the local printer view, which is how those types stay
// lock-free as specified in §5.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cupsbrowsed/internal/allow"
	"cupsbrowsed/internal/broadcaster"
	"cupsbrowsed/internal/catalogue"
	"cupsbrowsed/internal/clock"
	"cupsbrowsed/internal/config"
	"cupsbrowsed/internal/cupsclient"
	"cupsbrowsed/internal/discovery/dnssd"
	"cupsbrowsed/internal/discovery/legacy"
	"cupsbrowsed/internal/discovery/poll"
	"cupsbrowsed/internal/intake"
	"cupsbrowsed/internal/localview"
	"cupsbrowsed/internal/logging"
	"cupsbrowsed/internal/netif"
	"cupsbrowsed/internal/reconciler"
)

// ConfirmDeadline is the CONFIRM constant: how long a recovered
// prior-session queue is given to be rediscovered before it is treated
// as gone, when no legacy broadcast reception is configured.
const ConfirmDeadline = 10 * time.Second

// Daemon wires every component together. Every field is set once by New
// and never mutated concurrently after Run starts; the mutable state
// Run's loop owns (Catalogue, View, per-source book-keeping) is reached
// only from closures sent over work.
type Daemon struct {
	Config config.Config

	Client     *cupsclient.Client
	Catalogue  *catalogue.Catalogue
	View       *localview.View
	Allow      *allow.Matcher
	Intake     *intake.Intake
	Tracker    *netif.Tracker
	Reconciler *reconciler.Reconciler

	Broadcaster    *broadcaster.Broadcaster
	LegacyListener *legacy.Listener
	PollWorkers    []*poll.Worker
	DNSSDBrowsers  []*dnssd.Browser

	work chan func()
	done chan struct{}

	autoshutdownWheel  *clock.Wheel
	autoshutdownHandle clock.Handle
	autoshutdownArmed  bool
	autoshutdownOn     bool
	discoveryLive      bool

	cancel context.CancelFunc
}

// New builds a Daemon from cfg. It does not start anything; call Run.
func New(cfg config.Config) *Daemon {
	setCupsServerEnv(cfg.DomainSocket)

	client := cupsclient.NewFromConfig()
	cat := catalogue.New()
	view := localview.New(client)

	var rules []allow.Rule
	for _, v := range cfg.BrowseAllow {
		rules = append(rules, allow.ParseRule(v))
	}
	matcher := allow.NewMatcher(rules)

	in := intake.New(cat, view, client, nil, cfg.CreateIPPPrinterQueues, "")

	browseTimeout := time.Duration(cfg.BrowseTimeout) * time.Second
	browsePort := cfg.BrowsePort
	if browsePort == 0 {
		browsePort = legacy.DefaultPort
	}
	browseInterval := time.Duration(cfg.BrowseInterval) * time.Second

	tracker := netif.NewTracker(browsePort, nil)

	recWheel := clock.NewWheel(nil)
	rec := reconciler.New(cat, client, view, recWheel, browseTimeout)

	d := &Daemon{
		Config:            cfg,
		Client:            client,
		Catalogue:         cat,
		View:              view,
		Allow:             matcher,
		Intake:            in,
		Tracker:           tracker,
		Reconciler:        rec,
		work:              make(chan func(), 64),
		done:              make(chan struct{}),
		autoshutdownWheel: clock.NewWheel(nil),
		autoshutdownOn:    cfg.AutoShutdown == config.AutoShutdownOn,
		discoveryLive:     true,
	}
	rec.Serialize = d.serialize
	in.ArmReconciler = func(ctx context.Context) { d.Reconciler.Arm(ctx, 0) }

	if hasProtocol(cfg.BrowseRemoteProtocols, "dnssd") {
		d.DNSSDBrowsers = []*dnssd.Browser{
			d.newBrowser("_ipp._tcp"),
			d.newBrowser("_ipps._tcp"),
		}
	}

	if hasProtocol(cfg.BrowseRemoteProtocols, "cups") {
		l := &legacy.Listener{Port: browsePort, Allow: matcher, Intake: in}
		l.Handle = func(ctx context.Context, ev intake.Event) (*catalogue.Entry, error) {
			d.serialize(func() {
				entry, created, err := in.Run(ctx, ev)
				if err != nil {
					logging.Printf("daemon: legacy intake failed: %v", err)
					return
				}
				if entry == nil {
					return
				}
				// process_browse_data: a newly created entry waits on the
				// normal create path; a re-asserted one has its lease
				// renewed so it survives until the next browse packet.
				now := time.Now()
				if created {
					entry.Status = catalogue.StatusBrowsePacketReceived
					entry.Deadline = now
				} else {
					entry.Status = catalogue.StatusDisappeared
					entry.Deadline = now.Add(browseTimeout)
				}
				d.Reconciler.Arm(ctx, 0)
			})
			return nil, nil
		}
		d.LegacyListener = l
	}

	if hasProtocol(cfg.BrowseLocalProtocols, "cups") {
		d.Broadcaster = broadcaster.New(client, tracker, browseInterval, browseTimeout)
	}

	for _, p := range cfg.BrowsePoll {
		w := poll.New(p.Host, p.Port, p.IPPVersion, cat, view, in, clock.NewWheel(nil))
		if browseInterval > 0 {
			w.Interval = browseInterval
		}
		w.Serialize = d.serialize
		d.PollWorkers = append(d.PollWorkers, w)
	}

	return d
}

func hasProtocol(protocols []string, name string) bool {
	for _, p := range protocols {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

func (d *Daemon) newBrowser(serviceType string) *dnssd.Browser {
	b := dnssd.New(serviceType, "")
	if d.Config.BrowseInterval > 0 {
		b.Interval = time.Duration(d.Config.BrowseInterval) * time.Second
	}
	b.IsLocal = d.isLocalAddress
	b.OnNew = func(ctx context.Context, ev intake.Event) {
		d.serialize(func() {
			if _, _, err := d.Intake.Run(ctx, ev); err != nil {
				logging.Printf("daemon: dnssd intake failed: %v", err)
			}
		})
	}
	b.OnRemove = func(name, typ, domain string) {
		d.serialize(func() {
			d.Reconciler.HandleRemove(context.Background(), name, typ, domain)
		})
	}
	b.OnFailure = func(err error) {
		logging.Debugf("daemon: dnssd browser %s failed: %v", serviceType, err)
		d.serialize(func() { d.discoveryLive = false })
	}
	b.OnSuccess = func() {
		d.serialize(func() { d.discoveryLive = true })
	}
	return b
}

func (d *Daemon) isLocalAddress(addr net.IP) bool {
	for _, iface := range d.Tracker.Interfaces() {
		if iface.Address.Equal(addr) {
			return true
		}
	}
	return false
}

// Active reports whether Run would do anything at all: at least one
// discovery direction or poll worker is configured (spec §7: "no
// directions enabled and no pollers: exit cleanly with code 0").
func (d *Daemon) Active() bool {
	return len(d.DNSSDBrowsers) > 0 || d.LegacyListener != nil || d.Broadcaster != nil || len(d.PollWorkers) > 0
}

// serialize sends fn to the loop goroutine and returns immediately; used
// by timer callbacks that don't need to observe the result.
func (d *Daemon) serialize(fn func()) {
	select {
	case d.work <- fn:
	case <-d.done:
	}
}

// Run starts every goroutine-based producer, then runs the single
// consumer loop until ctx is cancelled or a TERM/INT signal arrives. It
// returns the process exit code (spec §6).
func (d *Daemon) Run(ctx context.Context) int {
	if !d.Active() {
		logging.Printf("no discovery directions or poll servers configured, exiting")
		return 0
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()
	defer close(d.done)

	if err := d.Tracker.Refresh(); err != nil {
		logging.Debugf("daemon: initial interface refresh failed: %v", err)
	}

	if d.LegacyListener != nil {
		if err := d.LegacyListener.Listen(); err != nil {
			logging.Printf("daemon: legacy listener disabled: %v", err)
			d.LegacyListener = nil
		} else {
			go func() {
				if err := d.LegacyListener.Serve(loopCtx); err != nil && loopCtx.Err() == nil {
					logging.Printf("daemon: legacy listener stopped: %v", err)
				}
			}()
		}
	}

	for _, b := range d.DNSSDBrowsers {
		go b.Run(loopCtx)
	}
	if d.Broadcaster != nil {
		go d.Broadcaster.Run(loopCtx)
	}
	for _, w := range d.PollWorkers {
		w.Fire(loopCtx) // first iteration arms the rest via its own Wheel.
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	d.serialize(func() { d.startupRecovery(loopCtx) })

	exitCode := 0
	for {
		select {
		case <-loopCtx.Done():
			return exitCode
		case sig := <-sigCh:
			switch sig {
			case os.Interrupt, syscall.SIGTERM:
				d.serialize(func() { d.shutdown(loopCtx) })
			case syscall.SIGUSR1:
				d.serialize(func() { d.autoshutdownOn = false; d.cancelAutoShutdown() })
			case syscall.SIGUSR2:
				d.serialize(func() { d.autoshutdownOn = true; d.reviewAutoShutdown() })
			}
		case fn := <-d.work:
			fn()
			d.reviewAutoShutdown()
		}
	}
}

// startupRecovery synthesises UNCONFIRMED catalogue entries for every
// view entry this daemon owns from a prior session (spec §4.10).
func (d *Daemon) startupRecovery(ctx context.Context) {
	if err := d.View.Refresh(ctx); err != nil {
		logging.Printf("daemon: startup view refresh failed: %v", err)
	}

	deadline := ConfirmDeadline
	if hasProtocol(d.Config.BrowseRemoteProtocols, "cups") {
		deadline = time.Duration(d.Config.BrowseTimeout) * time.Second
	}
	now := time.Now()

	for name, entry := range d.View.Entries() {
		if !entry.DaemonControlled {
			continue
		}
		d.Catalogue.Add(&catalogue.Entry{
			Name:     name,
			URI:      entry.DeviceURI,
			Status:   catalogue.StatusUnconfirmed,
			Deadline: now.Add(deadline),
		})
	}
	d.Reconciler.Arm(ctx, 0)
}

// shutdown implements the TERM/INT handler: mark every entry DISAPPEARED
// with an immediate deadline, run one reconcile pass, then stop the
// loop.
func (d *Daemon) shutdown(ctx context.Context) {
	now := time.Now()
	for _, e := range d.Catalogue.All() {
		e.Status = catalogue.StatusDisappeared
		e.Deadline = now
	}
	d.Reconciler.Pass(ctx)
	d.cancel()
}

func (d *Daemon) cancelAutoShutdown() {
	if d.autoshutdownArmed {
		d.autoshutdownWheel.Cancel(d.autoshutdownHandle)
		d.autoshutdownArmed = false
	}
}

// reviewAutoShutdown is called after every processed work item: it
// arms or disarms the shutdown timer to match the current policy and
// catalogue state (spec §4.10: "any intake that grows the catalogue
// cancels the pending shutdown").
func (d *Daemon) reviewAutoShutdown() {
	wanted := d.autoshutdownWanted()
	if !wanted || !d.Catalogue.Empty() {
		d.cancelAutoShutdown()
		return
	}
	if d.autoshutdownArmed {
		return
	}
	timeout := time.Duration(d.Config.AutoShutdownTimeout) * time.Second
	d.autoshutdownHandle = d.autoshutdownWheel.ScheduleAfter(timeout, func() {
		d.serialize(func() { d.fireAutoShutdown() })
	})
	d.autoshutdownArmed = true
}

func (d *Daemon) autoshutdownWanted() bool {
	switch d.Config.AutoShutdown {
	case config.AutoShutdownOn:
		return d.autoshutdownOn
	case config.AutoShutdownAvahi:
		return !d.discoveryLive
	default:
		return false
	}
}

func (d *Daemon) fireAutoShutdown() {
	d.autoshutdownArmed = false
	if d.autoshutdownWanted() && d.Catalogue.Empty() {
		logging.Printf("daemon: auto-shutdown timer elapsed with an empty catalogue, exiting")
		d.cancel()
	}
}

// setCupsServerEnv implements spec §6's Environment rule: CUPS_SERVER is
// set to domainSocket if it exists and is world-readable, -writable and
// -executable, else to "localhost". cupsclient reads CUPS_SERVER lazily
// on every NewFromConfig call, so this must run before any client in
// this process is constructed.
func setCupsServerEnv(domainSocket string) {
	server := "localhost"
	if domainSocket != "" {
		if info, err := os.Stat(domainSocket); err == nil {
			const worldRWX = 0007
			if info.Mode().Perm()&worldRWX == worldRWX {
				server = domainSocket
			}
		}
	}
	os.Setenv("CUPS_SERVER", server)
}

// DescribeProtocols renders the active discovery directions for a
// one-line startup log message.
func (d *Daemon) DescribeProtocols() string {
	var parts []string
	if len(d.DNSSDBrowsers) > 0 {
		parts = append(parts, "dnssd")
	}
	if d.LegacyListener != nil {
		parts = append(parts, "cups-listen")
	}
	if d.Broadcaster != nil {
		parts = append(parts, "cups-broadcast")
	}
	if len(d.PollWorkers) > 0 {
		parts = append(parts, fmt.Sprintf("poll(%d)", len(d.PollWorkers)))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
