package proxy

import (
	"net"
	"strings"
	"sync/atomic"

	"github.com/srtbox/srt/internal/config"
)

// VerdictAction is the outcome of classifying a destination host.
type VerdictAction int

const (
	VerdictDeny VerdictAction = iota
	VerdictAllow
	VerdictMitm
)

// Verdict is the result of Filter.Classify. Endpoint is only meaningful
// when Action is VerdictMitm, and holds the unix socket path to dial.
type Verdict struct {
	Action   VerdictAction
	Endpoint string
}

// Snapshot is an immutable, pre-compiled view of the network policy. It is
// published atomically by Filter.Update so in-flight lookups never block a
// concurrent policy change and never observe a partially-applied one.
type Snapshot struct {
	denied            []string
	mitm              []config.MitmRule
	allowed           []string
	allowLocalBinding bool
}

func newSnapshot(cfg *config.Config) *Snapshot {
	if cfg == nil {
		return &Snapshot{}
	}
	return &Snapshot{
		denied:            cfg.Network.DeniedDomains,
		mitm:              cfg.Network.MitmDomains,
		allowed:           cfg.Network.AllowedDomains,
		allowLocalBinding: cfg.Network.AllowLocalBinding,
	}
}

// classify implements the five-step evaluation order: deny dominates,
// then mitm, then an empty allow-list is treated as wide open, then
// explicit allow matches, and anything left over is denied.
func (s *Snapshot) classify(host string) Verdict {
	host = normalizeHost(host)

	for _, pattern := range s.denied {
		if config.MatchesDomain(host, pattern) {
			return Verdict{Action: VerdictDeny}
		}
	}
	for _, rule := range s.mitm {
		if config.MatchesDomain(host, rule.Pattern) {
			return Verdict{Action: VerdictMitm, Endpoint: rule.Socket}
		}
	}
	if len(s.allowed) == 0 {
		return Verdict{Action: VerdictAllow}
	}
	for _, pattern := range s.allowed {
		if config.MatchesDomain(host, pattern) {
			return Verdict{Action: VerdictAllow}
		}
	}
	return Verdict{Action: VerdictDeny}
}

// classifyIP handles raw IP-literal destinations (no hostname to match
// against domain patterns): allowed only when the policy permits local
// binding and the address is loopback.
func (s *Snapshot) classifyIP(ip net.IP) Verdict {
	if s.allowLocalBinding && ip.IsLoopback() {
		return Verdict{Action: VerdictAllow}
	}
	return Verdict{Action: VerdictDeny}
}

func normalizeHost(host string) string {
	return strings.ToLower(host)
}

// Filter holds an atomically-swappable Snapshot consulted per connection.
// Readers never block a concurrent Update.
type Filter struct {
	snap  atomic.Pointer[Snapshot]
	debug bool
}

// NewFilter builds a Filter from the given config's network policy.
func NewFilter(cfg *config.Config, debug bool) *Filter {
	f := &Filter{debug: debug}
	f.snap.Store(newSnapshot(cfg))
	return f
}

// Update publishes a new Snapshot built from cfg. Connections that already
// captured the previous snapshot continue to use it.
func (f *Filter) Update(cfg *config.Config) {
	f.snap.Store(newSnapshot(cfg))
}

// Classify returns the verdict for a hostname under the currently
// published snapshot.
func (f *Filter) Classify(host string) Verdict {
	return f.snap.Load().classify(host)
}

// ClassifyIP returns the verdict for a raw IP-literal destination.
func (f *Filter) ClassifyIP(ip net.IP) Verdict {
	return f.snap.Load().classifyIP(ip)
}

// Allow reports whether host would be allowed outright (no MITM), for
// callers that only need a boolean.
func (f *Filter) Allow(host string) bool {
	return f.Classify(host).Action == VerdictAllow
}
