// Package localview maintains a snapshot of the queues currently defined
// in the local print service (spec §4.4), refreshed either via a single
// notification subscription or, on failure, by full re-enumeration on
// every call.
package localview

import (
	"context"
	"strings"

	"cupsbrowsed/internal/cupsclient"
	"cupsbrowsed/internal/logging"
)

// OwnerSentinel is the fixed option name stamped on every queue this
// daemon creates (spec §6: "<SENTINEL>-default = true"). Queues without
// it are externally owned and are never deleted by the Reconciler.
const OwnerSentinel = "cups-browsed-default"

var subscriptionEvents = []string{
	"printer-added",
	"printer-changed",
	"printer-config-changed",
	"printer-modified",
	"printer-deleted",
	"printer-state-changed",
}

// LocalPrinterEntry is the view's record for one locally defined queue.
type LocalPrinterEntry struct {
	DeviceURI        string
	DaemonControlled bool
}

// View owns the local-print-service snapshot. It is not goroutine-safe;
// the daemon's single event-loop goroutine is the only caller.
type View struct {
	client *cupsclient.Client

	entries map[string]LocalPrinterEntry

	inhibited bool

	canSubscribe       bool
	subscribeAttempted bool
	subscriptionID     int
	sequenceNumber     int
}

// New creates a View backed by client. The view starts with an empty
// snapshot; call Refresh before reading it.
func New(client *cupsclient.Client) *View {
	return &View{client: client, entries: make(map[string]LocalPrinterEntry)}
}

// Inhibit suppresses Refresh while the Reconciler or a poll worker is
// mutating the local print service, so the daemon's own changes are
// never mis-read as external configuration (spec §4.4).
func (v *View) Inhibit() { v.inhibited = true }

// Release lifts a prior Inhibit.
func (v *View) Release() { v.inhibited = false }

// Inhibited reports whether Refresh currently no-ops.
func (v *View) Inhibited() bool { return v.inhibited }

// Entries returns the current snapshot. The returned map must not be
// mutated by the caller.
func (v *View) Entries() map[string]LocalPrinterEntry {
	return v.entries
}

// Lookup returns the entry for name, if any.
func (v *View) Lookup(name string) (LocalPrinterEntry, bool) {
	e, ok := v.entries[name]
	return e, ok
}

// HasURI reports whether any local queue (daemon-owned or not) already
// uses uri, used by Intake's collision-resolution step 7.
func (v *View) HasURI(uri string) bool {
	for _, e := range v.entries {
		if e.DeviceURI == uri {
			return true
		}
	}
	return false
}

// Refresh rebuilds the view. While subscribed, it first checks for new
// notifications and only re-enumerates when an event was observed or the
// subscription's lease has expired (spec §4.4).
func (v *View) Refresh(ctx context.Context) error {
	if v.inhibited {
		return nil
	}

	if !v.canSubscribe && !v.subscribeAttempted {
		v.subscribeAttempted = true
		if err := v.trySubscribe(ctx); err != nil {
			logging.Debugf("local printer view: subscription unavailable, falling back to full enumeration: %v", err)
		} else {
			return v.reenumerate(ctx)
		}
	}

	if !v.canSubscribe {
		return v.reenumerate(ctx)
	}

	notifications, err := v.client.GetNotifications(ctx, v.subscriptionID, v.sequenceNumber+1)
	if err != nil {
		logging.Debugf("local printer view: Get-Notifications failed, recreating subscription: %v", err)
		v.canSubscribe = false
		v.subscribeAttempted = false
		v.subscriptionID = 0
		return v.reenumerate(ctx)
	}
	if len(notifications) == 0 {
		return nil
	}
	for _, n := range notifications {
		if n.SequenceNumber > v.sequenceNumber {
			v.sequenceNumber = n.SequenceNumber
		}
	}
	return v.reenumerate(ctx)
}

func (v *View) trySubscribe(ctx context.Context) error {
	sub, err := v.client.CreatePrinterSubscription(ctx, "", subscriptionEvents, 0)
	if err != nil {
		v.canSubscribe = false
		return err
	}
	v.canSubscribe = true
	v.subscriptionID = sub.ID
	v.sequenceNumber = 0
	return nil
}

func (v *View) reenumerate(ctx context.Context) error {
	printers, err := v.client.GetPrinters(ctx)
	if err != nil {
		return err
	}
	entries := make(map[string]LocalPrinterEntry, len(printers))
	for _, p := range printers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		entries[name] = LocalPrinterEntry{
			DeviceURI:        p.DeviceURI,
			DaemonControlled: p.BoolAttr(OwnerSentinel),
		}
	}
	v.entries = entries
	return nil
}
