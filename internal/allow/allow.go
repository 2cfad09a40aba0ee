// Package allow implements the BrowseAllow matcher (spec.md §4.3).
package allow

import "net"

// Rule is a tagged variant matching one BrowseAllow configuration
// entry: an exact address, a network (address+mask), or "all".
type Rule struct {
	kind    ruleKind
	addr    net.IP
	network *net.IPNet
	invalid bool
}

type ruleKind int

const (
	kindExact ruleKind = iota
	kindNetwork
	kindAll
	kindInvalid
)

// Exact returns a rule matching a single address exactly.
func Exact(addr net.IP) Rule {
	if addr == nil {
		return Rule{kind: kindInvalid, invalid: true}
	}
	return Rule{kind: kindExact, addr: addr}
}

// Network returns a rule matching any address inside network.
func Network(network *net.IPNet) Rule {
	if network == nil {
		return Rule{kind: kindInvalid, invalid: true}
	}
	return Rule{kind: kindNetwork, network: network}
}

// All returns a rule matching every address.
func All() Rule { return Rule{kind: kindAll} }

// Invalid returns a rule that never matches but is retained so a
// config-parse error is visible rather than silently dropping a whole
// BrowseAllow block (spec.md §4.3).
func Invalid() Rule { return Rule{kind: kindInvalid, invalid: true} }

func (r Rule) matches(addr net.IP) bool {
	switch r.kind {
	case kindAll:
		return true
	case kindExact:
		return r.addr.Equal(addr)
	case kindNetwork:
		return r.network.Contains(addr)
	default:
		return false
	}
}

// Matcher holds the configured BrowseAllow rule set.
type Matcher struct {
	rules []Rule
}

// NewMatcher builds a Matcher from a parsed rule set.
func NewMatcher(rules []Rule) *Matcher {
	return &Matcher{rules: append([]Rule(nil), rules...)}
}

// Allowed reports whether addr is permitted to originate a legacy
// browse packet. An empty rule set, or one containing an "all" rule,
// allows everything. Allowed is a pure function of the current
// ruleset and addr (spec.md §8 Testable Property 4).
func (m *Matcher) Allowed(addr net.IP) bool {
	if m == nil || len(m.rules) == 0 {
		return true
	}
	for _, r := range m.rules {
		if r.matches(addr) {
			return true
		}
	}
	return false
}

// ParseRule parses one BrowseAllow value: "all", an exact address, a
// CIDR network ("ip/prefixlen"), or an address/mask pair
// ("ip/mask"). An unparseable rule returns Invalid(), never an error,
// per spec.md §4.3 ("retained so config-parse errors are visible").
func ParseRule(value string) Rule {
	switch value {
	case "", "all", "All", "ALL":
		return All()
	}
	if ip := net.ParseIP(value); ip != nil {
		return Exact(ip)
	}
	if _, network, err := net.ParseCIDR(value); err == nil {
		return Network(network)
	}
	if addr, mask, ok := splitAddrMask(value); ok {
		return Network(&net.IPNet{IP: addr.Mask(mask), Mask: mask})
	}
	return Invalid()
}

func splitAddrMask(value string) (net.IP, net.IPMask, bool) {
	idx := -1
	for i, c := range value {
		if c == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, false
	}
	addr := net.ParseIP(value[:idx])
	maskIP := net.ParseIP(value[idx+1:])
	if addr == nil || maskIP == nil {
		return nil, nil, false
	}
	if addr.To4() != nil && maskIP.To4() != nil {
		return addr, net.IPMask(maskIP.To4()), true
	}
	if addr16 := addr.To16(); addr16 != nil {
		if mask16 := maskIP.To16(); mask16 != nil {
			return addr, net.IPMask(mask16), true
		}
	}
	return nil, nil, false
}
