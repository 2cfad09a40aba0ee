// Package catalogue holds the in-memory set of remote printer entries the
// daemon is maintaining: the single source of truth consulted and mutated
// by Intake and the Reconciler (spec §4.5/§4.6/§4.8 in the design docs).
package catalogue

import (
	"sort"
	"strings"
	"time"
)

// Status is a RemotePrinterEntry's position in the per-entry state machine.
type Status int

const (
	StatusUnconfirmed Status = iota
	StatusConfirmed
	StatusToBeCreated
	StatusBrowsePacketReceived
	StatusDisappeared
)

func (s Status) String() string {
	switch s {
	case StatusUnconfirmed:
		return "unconfirmed"
	case StatusConfirmed:
		return "confirmed"
	case StatusToBeCreated:
		return "to_be_created"
	case StatusBrowsePacketReceived:
		return "browse_packet_received"
	case StatusDisappeared:
		return "disappeared"
	default:
		return "unknown"
	}
}

// DescriptionSource records what the Reconciler should attach to an
// ADD_MODIFY call when materialising an entry's local queue.
type DescriptionSource int

const (
	DescriptionRaw DescriptionSource = iota
	DescriptionFilePath
	DescriptionInterfaceScriptPath
)

// CapabilityHints carries the page-description-language list and
// make/model string extracted from a direct network printer's
// advertisement, consumed when constructing its description (§4.7).
type CapabilityHints struct {
	PDL       []string
	MakeModel string
}

// Entry is one RemotePrinterEntry: a printer the daemon has learned about
// and is (or was) maintaining a local queue for.
type Entry struct {
	Name          string
	URI           string
	Host          string
	ServiceName   string
	ServiceType   string
	ServiceDomain string

	Status   Status
	Deadline time.Time // zero value means "none": no action scheduled

	Duplicate bool

	DescriptionSource DescriptionSource
	DescriptionPath   string

	Hints CapabilityHints
}

// HasDeadline reports whether e has a scheduled reconciler action.
func (e *Entry) HasDeadline() bool {
	return !e.Deadline.IsZero()
}

// DeadlinePassed reports whether e's deadline is due relative to now
// (spec's "deadline <= now" test across every state in §4.8).
func (e *Entry) DeadlinePassed(now time.Time) bool {
	return e.HasDeadline() && !e.Deadline.After(now)
}

// MatchesServiceIdentity reports whether e originated from the
// service-discovery tuple (name, type, domain), matched
// case-insensitively as required for REMOVE-event correlation (§4.5.1).
func (e *Entry) MatchesServiceIdentity(name, typ, domain string) bool {
	return strings.EqualFold(e.ServiceName, name) &&
		strings.EqualFold(e.ServiceType, typ) &&
		strings.EqualFold(e.ServiceDomain, domain)
}

// Catalogue is the ordered, lock-free set of entries. It is owned
// exclusively by the daemon's single event-loop goroutine; per spec §5
// there is no internal synchronisation.
type Catalogue struct {
	entries []*Entry
}

// New returns an empty catalogue.
func New() *Catalogue {
	return &Catalogue{}
}

// Len reports the number of entries.
func (c *Catalogue) Len() int {
	return len(c.entries)
}

// All returns the entries in catalogue order (sorted by Name, then by
// insertion order among entries sharing a name — duplicates share a name
// deliberately per the data model's invariants).
func (c *Catalogue) All() []*Entry {
	return c.entries
}

// Add appends e to the catalogue and re-sorts, matching the C source's
// compare_remote_printers ordering discipline (kept name-sorted so
// iteration order is deterministic).
func (c *Catalogue) Add(e *Entry) {
	c.entries = append(c.entries, e)
	c.resort()
}

// Remove deletes e from the catalogue. A no-op if e is not present.
func (c *Catalogue) Remove(e *Entry) {
	for i, existing := range c.entries {
		if existing == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// RemoveAll deletes every entry in dead. Intended for use after a
// Reconciler pass has collected entries to drop into a side list,
// avoiding mutation-during-iteration (§9 design note on deletion).
func (c *Catalogue) RemoveAll(dead []*Entry) {
	if len(dead) == 0 {
		return
	}
	set := make(map[*Entry]bool, len(dead))
	for _, e := range dead {
		set[e] = true
	}
	kept := c.entries[:0:0]
	for _, e := range c.entries {
		if !set[e] {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

func (c *Catalogue) resort() {
	sort.SliceStable(c.entries, func(i, j int) bool {
		return strings.ToLower(c.entries[i].Name) < strings.ToLower(c.entries[j].Name)
	})
}

// FindByIdentity locates an entry matching the service-discovery identity
// tuple, used to correlate REMOVE events (§4.5.1, §4.8 disappearance
// protocol).
func (c *Catalogue) FindByIdentity(name, typ, domain string) *Entry {
	for _, e := range c.entries {
		if e.MatchesServiceIdentity(name, typ, domain) {
			return e
		}
	}
	return nil
}

// FindByName returns every entry (primary and duplicates) sharing name,
// matched case-insensitively.
func (c *Catalogue) FindByName(name string) []*Entry {
	var out []*Entry
	for _, e := range c.entries {
		if strings.EqualFold(e.Name, name) {
			out = append(out, e)
		}
	}
	return out
}

// FindByURI returns the first entry whose URI matches exactly.
func (c *Catalogue) FindByURI(uri string) *Entry {
	for _, e := range c.entries {
		if e.URI == uri {
			return e
		}
	}
	return nil
}

// FindPrimaryByName returns the non-duplicate entry for name, if any.
// Invariant: at most one such entry exists per name (data model
// invariant: "at most one non-duplicate entry per name holds the actual
// local queue").
func (c *Catalogue) FindPrimaryByName(name string) *Entry {
	for _, e := range c.entries {
		if strings.EqualFold(e.Name, name) && !e.Duplicate {
			return e
		}
	}
	return nil
}

// FindForIntake implements §4.6 step 8: an entry whose name matches
// case-insensitively and whose host matches, or whose host is empty, or
// whose status is UNCONFIRMED/DISAPPEARED.
func (c *Catalogue) FindForIntake(name, host string) *Entry {
	for _, e := range c.entries {
		if !strings.EqualFold(e.Name, name) {
			continue
		}
		if e.Host == "" || strings.EqualFold(e.Host, host) ||
			e.Status == StatusUnconfirmed || e.Status == StatusDisappeared {
			return e
		}
	}
	return nil
}

// MinDeadline returns the earliest non-zero deadline across every entry,
// and whether one exists. Used by the Reconciler to re-arm the timer
// wheel after a pass (§4.8: "recompute the wheel").
func (c *Catalogue) MinDeadline() (time.Time, bool) {
	var min time.Time
	found := false
	for _, e := range c.entries {
		if !e.HasDeadline() {
			continue
		}
		if !found || e.Deadline.Before(min) {
			min = e.Deadline
			found = true
		}
	}
	return min, found
}

// OnlyConfirmed reports whether every entry in the catalogue is
// CONFIRMED (Testable Property 5: after a pass, either the minimum
// deadline is in the future, or only CONFIRMED entries remain).
func (c *Catalogue) OnlyConfirmed() bool {
	for _, e := range c.entries {
		if e.Status != StatusConfirmed {
			return false
		}
	}
	return true
}

// Empty reports whether the catalogue has no entries, used by the
// auto-shutdown policy (§4.10).
func (c *Catalogue) Empty() bool {
	return len(c.entries) == 0
}
