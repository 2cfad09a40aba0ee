// Package intake implements the single normalisation function every
// discovery source calls: deciding eligibility, computing a local queue
// name with collision fallback, and inserting or updating a catalogue
// entry (spec §4.6, §4.7).
package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"cupsbrowsed/internal/catalogue"
	"cupsbrowsed/internal/clock"
	"cupsbrowsed/internal/cupsclient"
	"cupsbrowsed/internal/localview"
	"cupsbrowsed/internal/logging"
)

// Event is the single shape every discovery source funnels into Intake.
// TXT is nil for broadcast-origin advertisements, which carry no
// service-discovery identity or txt record.
type Event struct {
	Host          string
	Port          int
	Resource      string
	ServiceName   string
	ServiceType   string
	ServiceDomain string
	TXT           map[string]string
}

var directPDLsKnown = []string{
	"application/postscript",
	"application/pdf",
	"image/pwg-raster",
	"application/vnd.hp-PCL",
	"application/vnd.hp-PCLXL",
}

// DescriptionGenerator synthesises a printer description file from
// capability hints; the generator itself is an external collaborator
// (spec §1: "a pure function: capabilities → description bytes,
// specified only at its interface").
type DescriptionGenerator interface {
	Generate(hints catalogue.CapabilityHints) (path string, ok bool)
}

// NoDescriptionGenerator always declines, forcing Queue Construction to
// fall back to an interface script. It is the default when no generator
// is wired in.
type NoDescriptionGenerator struct{}

func (NoDescriptionGenerator) Generate(catalogue.CapabilityHints) (string, bool) { return "", false }

// Intake holds the collaborators needed to run the normalisation
// function: the catalogue it mutates, the local printer view it
// consults for collision resolution, and an IPP client used to fetch
// attributes for direct network printers.
type Intake struct {
	Catalogue              *catalogue.Catalogue
	View                   *localview.View
	Client                 *cupsclient.Client
	Clock                  clock.Clock
	CreateIPPPrinterQueues bool
	FilterBinary           string
	DescriptionGenerator   DescriptionGenerator

	// ArmReconciler is called after Run creates or updates a catalogue
	// entry, so the newly-pending entry is actually picked up instead of
	// waiting for some unrelated timer to fire next (spec §4.6 step 9:
	// "append, arm reconciler"). Every discovery source shares one Intake,
	// so wiring this once here covers dnssd, legacy and poll alike. Left
	// nil in tests that drive Run without a reconciler.
	ArmReconciler func(ctx context.Context)
}

// New builds an Intake. filterBinary names the command an interface
// script falls back to invoking when no description generator succeeds.
func New(cat *catalogue.Catalogue, view *localview.View, client *cupsclient.Client, clk clock.Clock, createIPPPrinterQueues bool, filterBinary string) *Intake {
	if clk == nil {
		clk = clock.System
	}
	return &Intake{
		Catalogue:              cat,
		View:                   view,
		Client:                 client,
		Clock:                  clk,
		CreateIPPPrinterQueues: createIPPPrinterQueues,
		FilterBinary:           filterBinary,
		DescriptionGenerator:   NoDescriptionGenerator{},
	}
}

// Run executes the nine-step Intake & Naming procedure (spec §4.6) and
// returns the entry that was created or updated, or nil if the
// advertisement was rejected or was a no-op. The second return value
// reports whether the entry was newly created (true) or an existing
// entry was re-asserted/updated (false); legacy broadcast reception
// uses it to choose between BROWSE_PACKET_RECEIVED and a lease renewal
// (spec §4.5.2). Whenever Run produces a non-nil entry it also arms
// the reconciler via ArmReconciler, if set.
func (in *Intake) Run(ctx context.Context, ev Event) (*catalogue.Entry, bool, error) {
	// 1. Compose URI.
	scheme := "ipp"
	if strings.Contains(strings.ToLower(ev.ServiceType), "ipps") {
		scheme = "ipps"
	}
	uri := fmt.Sprintf("%s://%s:%d/%s", scheme, ev.Host, ev.Port, ev.Resource)

	// 2. Sanitise host: strip ".local." before ".local" (boundary case).
	host := strings.TrimSuffix(ev.Host, ".local.")
	host = strings.TrimSuffix(host, ".local")

	// 3. Classify.
	shared, remoteQueueName := classify(ev.Resource)

	var model string
	var hints catalogue.CapabilityHints

	if shared {
		// 4. Raw-queue filter.
		if ev.TXT != nil {
			product, ok := ev.TXT["product"]
			if !ok || !strings.HasPrefix(product, "(") || !strings.HasSuffix(product, ")") {
				logging.Debugf("intake: rejecting shared queue %q, no usable product description", ev.Resource)
				return nil, false, nil
			}
		}
	} else {
		// 5. PDL / model extraction.
		model = firstNonEmpty(ev.TXT["ty"], ev.TXT["usb_MDL"], ev.TXT["product"])
		pdl := splitPDL(ev.TXT["pdl"])
		hints = catalogue.CapabilityHints{PDL: pdl, MakeModel: model}
		if !in.CreateIPPPrinterQueues && !hasKnownPDL(pdl) {
			logging.Debugf("intake: rejecting direct printer %q, no known PDL and queue creation disabled", ev.Host)
			return nil, false, nil
		}
	}

	// 6. Name sanitisation.
	var primaryName string
	if shared {
		primaryName = Sanitize(remoteQueueName, ModeName)
	} else {
		primaryName = Sanitize(model, ModeName)
	}
	if primaryName == "" {
		primaryName = "printer"
	}

	// 7. Collision resolution.
	if err := in.View.Refresh(ctx); err != nil {
		logging.Debugf("intake: local printer view refresh failed: %v", err)
	}
	if in.View.HasURI(uri) && in.Catalogue.FindByURI(uri) == nil {
		return nil, false, nil
	}
	name := primaryName
	if local, ok := in.View.Lookup(name); ok && !local.DaemonControlled {
		name = fmt.Sprintf("%s@%s", primaryName, host)
		if local2, ok := in.View.Lookup(name); ok && !local2.DaemonControlled {
			logging.Printf("intake: name %q and fallback %q both externally owned, rejecting %s", primaryName, name, uri)
			return nil, false, nil
		}
	}

	// 8. Catalogue lookup.
	entry := in.Catalogue.FindForIntake(name, host)

	// 9. Update-or-create.
	if entry != nil {
		in.updateEntry(entry, uri, host, ev)
		in.arm(ctx)
		return entry, false, nil
	}
	created, err := in.createEntry(ctx, name, uri, host, ev, shared, hints)
	if err != nil {
		return nil, false, err
	}
	in.arm(ctx)
	return created, true, nil
}

func (in *Intake) arm(ctx context.Context) {
	if in.ArmReconciler != nil {
		in.ArmReconciler(ctx)
	}
}

func classify(resource string) (shared bool, remoteQueueName string) {
	lower := strings.ToLower(resource)
	switch {
	case strings.HasPrefix(lower, "printers/"):
		return true, resource[len("printers/"):]
	case strings.HasPrefix(lower, "classes/"):
		return true, resource[len("classes/"):]
	default:
		return false, ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitPDL(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasKnownPDL(pdl []string) bool {
	for _, p := range pdl {
		for _, known := range directPDLsKnown {
			if strings.EqualFold(p, known) {
				return true
			}
		}
	}
	return false
}

// afterScheme returns everything from the first ':' onward, matching the
// original source's strchr(uri, ':') comparison used to detect any
// change past the scheme (resolved Open Question 1: any difference
// after the scheme triggers reassignment).
func afterScheme(uri string) string {
	if idx := strings.Index(uri, ":"); idx >= 0 {
		return uri[idx:]
	}
	return uri
}

func schemeOf(uri string) string {
	if idx := strings.Index(uri, ":"); idx >= 0 {
		return uri[:idx]
	}
	return uri
}

func (in *Intake) updateEntry(entry *catalogue.Entry, uri, host string, ev Event) {
	upgrading := schemeOf(entry.URI) == "ipp" && schemeOf(uri) == "ipps"
	changedTail := afterScheme(entry.URI) != afterScheme(uri)

	now := in.Clock.Now()
	if upgrading || changedTail {
		entry.URI = uri
		entry.Host = host
		entry.ServiceName = ev.ServiceName
		entry.ServiceType = ev.ServiceType
		entry.ServiceDomain = ev.ServiceDomain
		entry.Status = catalogue.StatusToBeCreated
		entry.Deadline = now
		return
	}
	if entry.Status == catalogue.StatusUnconfirmed || entry.Status == catalogue.StatusDisappeared {
		entry.Status = catalogue.StatusConfirmed
		entry.Deadline = time.Time{}
		if entry.Host == "" {
			entry.Host = host
		}
		if entry.ServiceName == "" {
			entry.ServiceName = ev.ServiceName
		}
		if entry.ServiceType == "" {
			entry.ServiceType = ev.ServiceType
		}
		if entry.ServiceDomain == "" {
			entry.ServiceDomain = ev.ServiceDomain
		}
	}
}

func (in *Intake) createEntry(ctx context.Context, name, uri, host string, ev Event, shared bool, hints catalogue.CapabilityHints) (*catalogue.Entry, error) {
	now := in.Clock.Now()
	entry := &catalogue.Entry{
		Name:          name,
		URI:           uri,
		Host:          host,
		ServiceName:   ev.ServiceName,
		ServiceType:   ev.ServiceType,
		ServiceDomain: ev.ServiceDomain,
		Status:        catalogue.StatusToBeCreated,
		Deadline:      now,
		Hints:         hints,
	}

	if shared {
		entry.DescriptionSource = catalogue.DescriptionRaw
		if older := in.Catalogue.FindPrimaryByName(name); older != nil {
			if older.Status != catalogue.StatusDisappeared && older.Status != catalogue.StatusUnconfirmed {
				// older already owns the queue; this arrival is a standby.
				// Duplicates are a steady state: no reconciler action pending.
				entry.Duplicate = true
				entry.Deadline = time.Time{}
			} else {
				older.Duplicate = true
				older.Deadline = time.Time{}
			}
		}
	} else {
		in.buildDirectPrinterDescription(ctx, entry, uri)
	}

	in.Catalogue.Add(entry)
	return entry, nil
}

func (in *Intake) buildDirectPrinterDescription(ctx context.Context, entry *catalogue.Entry, uri string) {
	if in.Client != nil {
		if _, err := in.Client.GetPrinterAttributes(ctx, entry.Name); err != nil {
			logging.Debugf("intake: Get-Printer-Attributes for %s failed: %v", entry.Name, err)
		}
	}
	if path, ok := in.DescriptionGenerator.Generate(entry.Hints); ok {
		entry.DescriptionSource = catalogue.DescriptionFilePath
		entry.DescriptionPath = path
		return
	}
	path, err := in.writeInterfaceScript(entry.Hints)
	if err != nil {
		logging.Printf("intake: failed to write interface script for %s: %v", entry.Name, err)
		entry.DescriptionSource = catalogue.DescriptionRaw
		return
	}
	entry.DescriptionSource = catalogue.DescriptionInterfaceScriptPath
	entry.DescriptionPath = path
}

func (in *Intake) writeInterfaceScript(hints catalogue.CapabilityHints) (string, error) {
	filter := in.FilterBinary
	if filter == "" {
		filter = "/usr/lib/cups/filter/driverless"
	}
	pdl := strings.Join(hints.PDL, ",")
	script := fmt.Sprintf("#!/bin/sh\nexec %s output-format=%s make-and-model=%s \"$@\"\n",
		shellQuote(filter), shellQuote(pdl), shellQuote(hints.MakeModel))

	path := filepath.Join(os.TempDir(), "cups-browsed-"+uuid.New().String()+".sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
