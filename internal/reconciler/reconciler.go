// Package reconciler implements the timer-driven state machine that
// drives every catalogue entry toward matching the local print
// service's actual queue set (spec §4.8).
package reconciler

import (
	"context"
	"os"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"cupsbrowsed/internal/catalogue"
	"cupsbrowsed/internal/clock"
	"cupsbrowsed/internal/cupsclient"
	"cupsbrowsed/internal/localview"
	"cupsbrowsed/internal/logging"
)

// RetryDelay is how long a transient failure defers the next attempt
// at an entry (the RETRY constant).
const RetryDelay = 10 * time.Second

// DefaultBrowseTimeout is used when no configuration value is supplied.
const DefaultBrowseTimeout = 300 * time.Second

// Reconciler scans the catalogue on each timer fire and re-arms itself
// on Wheel according to the minimum remaining deadline, guaranteeing at
// most one outstanding reconciler timer (Testable Property 3).
type Reconciler struct {
	Catalogue     *catalogue.Catalogue
	Client        *cupsclient.Client
	View          *localview.View
	Clock         clock.Clock
	Wheel         *clock.Wheel
	BrowseTimeout time.Duration

	// Serialize wraps every timer-fired Pass with the caller's exclusion
	// mechanism, since each owner's Wheel invokes its callback on its own
	// goroutine (clock.Wheel.ScheduleAfter uses time.AfterFunc). A nil
	// Serialize runs the pass directly, which is what every test in this
	// package relies on by calling Pass without going through Arm/Fire.
	Serialize func(func())

	handle clock.Handle
	armed  bool
}

// New builds a Reconciler. A zero or negative browseTimeout uses
// DefaultBrowseTimeout.
func New(cat *catalogue.Catalogue, client *cupsclient.Client, view *localview.View, wheel *clock.Wheel, browseTimeout time.Duration) *Reconciler {
	if browseTimeout <= 0 {
		browseTimeout = DefaultBrowseTimeout
	}
	var clk clock.Clock = clock.System
	if wheel != nil {
		clk = wheel
	}
	return &Reconciler{
		Catalogue:     cat,
		Client:        client,
		View:          view,
		Clock:         clk,
		Wheel:         wheel,
		BrowseTimeout: browseTimeout,
	}
}

// Arm cancels any previously outstanding timer and schedules the next
// pass after d (spec §5's single-outstanding-timer-per-owner rule). A
// nil Wheel (as used by tests that drive Pass directly) makes Arm a
// no-op.
func (r *Reconciler) Arm(ctx context.Context, d time.Duration) {
	if r.Wheel == nil {
		return
	}
	if r.armed {
		r.Wheel.Cancel(r.handle)
	}
	r.handle = r.Wheel.ScheduleAfter(d, func() { r.Fire(ctx) })
	r.armed = true
}

// Fire runs Pass through Serialize, if set; otherwise it runs Pass
// directly. Every timer-scheduled invocation goes through Fire so a
// caller that needs mutual exclusion with other goroutines only has to
// set Serialize once.
func (r *Reconciler) Fire(ctx context.Context) {
	if r.Serialize != nil {
		r.Serialize(func() { r.Pass(ctx) })
		return
	}
	r.Pass(ctx)
}

// Pass runs one reconcile pass over every catalogue entry (in
// catalogue order) and re-arms the wheel from the resulting minimum
// deadline. The local printer view is inhibited for the duration of the
// pass so the reconciler's own mutations are never mis-read back as
// external configuration (spec §4.4).
func (r *Reconciler) Pass(ctx context.Context) {
	now := r.Clock.Now()

	if r.View != nil {
		r.View.Inhibit()
		defer r.View.Release()
	}

	var dead []*catalogue.Entry
	for _, e := range r.Catalogue.All() {
		r.reconcileEntry(ctx, e, now, &dead)
	}
	r.Catalogue.RemoveAll(dead)

	r.rearm(ctx)
}

func (r *Reconciler) reconcileEntry(ctx context.Context, e *catalogue.Entry, now time.Time, dead *[]*catalogue.Entry) {
	if e.Status == catalogue.StatusUnconfirmed && e.DeadlinePassed(now) {
		e.Status = catalogue.StatusDisappeared
		e.Deadline = now
		// falls through to the DISAPPEARED handling below, same pass.
	}

	switch e.Status {
	case catalogue.StatusDisappeared:
		r.reconcileDisappeared(ctx, e, now, dead)
	case catalogue.StatusToBeCreated, catalogue.StatusBrowsePacketReceived:
		r.reconcileCreate(ctx, e, now)
	case catalogue.StatusConfirmed:
		// always a no-op.
	}
}

func (r *Reconciler) reconcileDisappeared(ctx context.Context, e *catalogue.Entry, now time.Time, dead *[]*catalogue.Entry) {
	if e.Duplicate {
		*dead = append(*dead, e)
		return
	}
	if !e.DeadlinePassed(now) {
		return
	}

	jobs, err := r.Client.JobCount(ctx, e.Name)
	if err != nil {
		logging.Debugf("reconciler: %s unreachable, retrying: %v", e.Name, err)
		e.Deadline = now.Add(RetryDelay)
		return
	}
	if jobs > 0 {
		logging.Debugf("reconciler: %s has %d active job(s), retrying", e.Name, jobs)
		e.Deadline = now.Add(RetryDelay)
		return
	}
	if def, err := r.Client.GetDefault(ctx); err == nil && def != "" && strings.EqualFold(def, e.Name) {
		logging.Debugf("reconciler: %s is the system default printer, retrying", e.Name)
		e.Deadline = now.Add(RetryDelay)
		return
	}

	if err := r.Client.DeletePrinter(ctx, e.Name); err != nil {
		logging.Printf("reconciler: delete %s failed, retrying: %v", e.Name, err)
		e.Deadline = now.Add(RetryDelay)
		return
	}
	*dead = append(*dead, e)
}

func (r *Reconciler) reconcileCreate(ctx context.Context, e *catalogue.Entry, now time.Time) {
	if e.Duplicate || !e.DeadlinePassed(now) {
		return
	}

	shared := false
	opts := cupsclient.AddModifyPrinterOptions{
		Name:      e.Name,
		DeviceURI: e.URI,
		Shared:    &shared,
		ExtraAttrs: goipp.Attributes{
			goipp.MakeAttribute(localview.OwnerSentinel, goipp.TagBoolean, goipp.Boolean(true)),
		},
	}
	hadArtefact := e.DescriptionSource != catalogue.DescriptionRaw && e.DescriptionPath != ""
	if hadArtefact {
		opts.PPDName = e.DescriptionPath
	}

	err := r.Client.AddModifyPrinter(ctx, opts)

	if hadArtefact {
		if rmErr := os.Remove(e.DescriptionPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.Debugf("reconciler: removing description artefact %s: %v", e.DescriptionPath, rmErr)
		}
		e.DescriptionPath = ""
		e.DescriptionSource = catalogue.DescriptionRaw
	}

	if err != nil {
		logging.Printf("reconciler: ADD_MODIFY %s failed, retrying: %v", e.Name, err)
		e.Deadline = now.Add(RetryDelay)
		return
	}

	if e.Status == catalogue.StatusBrowsePacketReceived {
		e.Status = catalogue.StatusDisappeared
		e.Deadline = now.Add(r.BrowseTimeout)
		return
	}
	e.Status = catalogue.StatusConfirmed
	e.Deadline = time.Time{}
}

func (r *Reconciler) rearm(ctx context.Context) {
	if r.Wheel == nil {
		return
	}
	min, ok := r.Catalogue.MinDeadline()
	if !ok {
		if r.armed {
			r.Wheel.Cancel(r.handle)
			r.armed = false
		}
		return
	}
	now := r.Clock.Now()
	delay := min.Sub(now)
	if delay < 0 {
		delay = 0
	}
	r.Arm(ctx, delay)
}

// HandleRemove implements the disappearance protocol for a
// service-discovery REMOVE event matched by service identity (spec
// §4.8). If a duplicate exists for the same local name on a different
// host, its identity is adopted into the removed entry, which becomes
// TO_BE_CREATED immediately; the former duplicate becomes DISAPPEARED.
// Per the resolved Open Question 2, description artefact paths are not
// carried across the takeover — a stale temp-file path in a long-lived
// process is worse than issuing a bare ADD_MODIFY. No description is
// regenerated for the adopted entry; Intake builds one only when it
// creates an entry.
func (r *Reconciler) HandleRemove(ctx context.Context, name, serviceType, domain string) {
	entry := r.Catalogue.FindByIdentity(name, serviceType, domain)
	if entry == nil {
		return
	}
	now := r.Clock.Now()

	if dup := r.findAdoptableDuplicate(entry); dup != nil {
		entry.URI = dup.URI
		entry.Host = dup.Host
		entry.ServiceName = dup.ServiceName
		entry.ServiceType = dup.ServiceType
		entry.ServiceDomain = dup.ServiceDomain
		entry.Hints = dup.Hints
		entry.DescriptionSource = catalogue.DescriptionRaw
		entry.DescriptionPath = ""
		entry.Status = catalogue.StatusToBeCreated
		entry.Deadline = now

		dup.Status = catalogue.StatusDisappeared
		dup.Deadline = now
		r.Arm(ctx, 0)
		return
	}

	entry.Status = catalogue.StatusDisappeared
	entry.Deadline = now
	r.Arm(ctx, 0)
}

func (r *Reconciler) findAdoptableDuplicate(entry *catalogue.Entry) *catalogue.Entry {
	for _, e := range r.Catalogue.FindByName(entry.Name) {
		if e == entry {
			continue
		}
		if e.Duplicate && !strings.EqualFold(e.Host, entry.Host) {
			return e
		}
	}
	return nil
}
