// Package facts provides the minimal host fact collector the Reconciler's
// send-facts step needs. The real fact collector (CPU model, distro,
// installed packages, public IP lookup, ...) is an external collaborator
// out of scope here; this package only satisfies the Reconciler's Facts
// interface with what's cheaply available from the standard library, so
// an agent with no richer fact source configured still registers
// something meaningful.
package facts

import (
	"os"
	"runtime"
	"sync"
	"time"
)

// Collector gathers a small, stable set of host facts. Values are cached
// for an interval since none of them change on a timescale shorter than
// the Reconciler's own facts cadence.
type Collector struct {
	mu        sync.Mutex
	cached    map[string]string
	cachedAt  time.Time
	cacheTTL  time.Duration
}

// New creates a Collector that refreshes its cache at most every ttl.
func New(ttl time.Duration) *Collector {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Collector{cacheTTL: ttl}
}

// CurrentFacts returns the agent's current fact set, keyed by fact name.
func (c *Collector) CurrentFacts() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.cachedAt) < c.cacheTTL {
		return c.cached
	}

	facts := map[string]string{
		"os_name": runtime.GOOS,
		"os_arch": runtime.GOARCH,
	}
	if hostname, err := os.Hostname(); err == nil {
		facts["hostname"] = hostname
	}

	c.cached = facts
	c.cachedAt = time.Now()
	return facts
}
