// Package dnssd browses the service-discovery printer advertisements
// the daemon cares about, `_ipp._tcp` and `_ipps._tcp` (spec §4.5.1).
//
// hashicorp/mdns exposes only one-shot queries, not a persistent
// subscription; Browser adapts that into NEW/REMOVE events by diffing
// successive snapshots on a fixed poll interval (documented design
// decision, see DESIGN.md).
package dnssd

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"cupsbrowsed/internal/intake"
	"cupsbrowsed/internal/logging"
)

// DefaultQueryTimeout bounds how long a single poll waits for replies.
const DefaultQueryTimeout = 2 * time.Second

// DefaultInterval is how often a Browser re-polls its service type.
const DefaultInterval = 10 * time.Second

type seenEntry struct {
	host string
	port int
}

// Browser tracks one IPP service type ("_ipp._tcp" or "_ipps._tcp")
// under one domain.
type Browser struct {
	ServiceType  string
	Domain       string
	Interval     time.Duration
	QueryTimeout time.Duration

	// Query is overridable in tests; production callers leave it nil
	// and New fills in mdns.Query.
	Query func(params *mdns.QueryParam) error

	// IsLocal reports whether addr belongs to this host, used to drop
	// self-originated advertisements ("not flagged as from the local
	// machine", spec §4.5.1). Nil means no address is ever local.
	IsLocal func(addr net.IP) bool

	OnNew    func(ctx context.Context, ev intake.Event)
	OnRemove func(serviceName, serviceType, serviceDomain string)
	// OnFailure is invoked when a poll's query itself errors (client
	// disconnect or similar); the browser keeps retrying on the next
	// tick regardless, matching the "attempt to reconnect" policy.
	OnFailure func(err error)
	// OnSuccess is invoked once per poll that completed without a query
	// error, letting a caller track discovery-service availability (the
	// avahi-bound auto-shutdown mode, spec §4.10).
	OnSuccess func()

	seen map[string]seenEntry
}

// New builds a Browser for serviceType ("_ipp._tcp" or "_ipps._tcp").
func New(serviceType, domain string) *Browser {
	if domain == "" {
		domain = "local"
	}
	return &Browser{
		ServiceType:  serviceType,
		Domain:       domain,
		Interval:     DefaultInterval,
		QueryTimeout: DefaultQueryTimeout,
		Query:        mdns.Query,
		seen:         make(map[string]seenEntry),
	}
}

// Run polls on Interval until ctx is cancelled, blocking the caller;
// callers run one Run per Browser on its own goroutine.
func (b *Browser) Run(ctx context.Context) {
	b.Poll(ctx)
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
			b.Poll(ctx)
		}
	}
}

// Poll runs a single browse-and-diff cycle: query, synthesise NEW
// events for instances not seen on the previous cycle, then synthesise
// REMOVE events for instances that dropped out.
func (b *Browser) Poll(ctx context.Context) {
	timeout := b.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	query := b.Query
	if query == nil {
		query = mdns.Query
	}

	entries := make(chan *mdns.ServiceEntry, 64)
	go func() {
		err := query(&mdns.QueryParam{
			Service: b.ServiceType,
			Domain:  b.Domain,
			Timeout: timeout,
			Entries: entries,
		})
		switch {
		case err != nil && b.OnFailure != nil:
			b.OnFailure(err)
		case err == nil && b.OnSuccess != nil:
			b.OnSuccess()
		}
		close(entries)
	}()

	current := make(map[string]seenEntry)
	for entry := range entries {
		if entry == nil {
			continue
		}
		b.handleEntry(ctx, entry, current)
	}

	for name := range b.seen {
		if _, still := current[name]; !still {
			if b.OnRemove != nil {
				b.OnRemove(name, b.ServiceType, b.Domain)
			}
		}
	}
	b.seen = current
}

func (b *Browser) handleEntry(ctx context.Context, entry *mdns.ServiceEntry, current map[string]seenEntry) {
	var addr net.IP
	switch {
	case entry.AddrV4 != nil:
		addr = entry.AddrV4
	case entry.AddrV6 != nil:
		addr = entry.AddrV6
	}
	host := entry.Host
	if host == "" && addr != nil {
		host = addr.String()
	}
	if host == "" || entry.Port == 0 {
		return
	}
	if b.IsLocal != nil && addr != nil && b.IsLocal(addr) {
		return
	}

	name := instanceName(entry.Name, b.ServiceType, b.Domain)
	current[name] = seenEntry{host: host, port: entry.Port}

	if _, already := b.seen[name]; already {
		return
	}

	txt := parseTXT(entry.InfoFields)
	resource := strings.TrimPrefix(strings.TrimSpace(txt["rp"]), "/")
	if resource == "" {
		logging.Debugf("dnssd: %s advertises no rp txt record, ignoring", entry.Name)
		return
	}

	if b.OnNew != nil {
		b.OnNew(ctx, intake.Event{
			Host:          host,
			Port:          entry.Port,
			Resource:      resource,
			ServiceName:   name,
			ServiceType:   b.ServiceType,
			ServiceDomain: b.Domain,
			TXT:           txt,
		})
	}
}

// instanceName strips the "._service._tcp.domain." suffix mDNS appends
// to a service's advertised name, leaving the bare instance label used
// as the catalogue's service_name identity field.
func instanceName(name, serviceType, domain string) string {
	suffix := "." + strings.Trim(serviceType, ".") + "." + strings.Trim(domain, ".") + "."
	if idx := strings.Index(strings.ToLower(name), strings.ToLower(suffix)); idx >= 0 {
		return name[:idx]
	}
	return strings.TrimSuffix(name, ".")
}

// parseTXT mirrors the key=value txt-record parsing every mDNS IPP
// advertiser uses, preserving key case: the printing txt-record keys
// this daemon reads (rp, ty, pdl, product, usb_MDL) are mixed-case by
// convention, unlike ordinary DNS labels.
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		parts := strings.SplitN(record, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
