// Package discovery satisfies the Reconciler's Discovery interface at the
// boundary documented by spec.md as out of scope: the real process-table
// and container-introspection probes are external collaborators this
// module only consumes through an interface, never implements. Static
// provides a fixed, operator-supplied service/container list for agents
// that don't run a real probe alongside this one.
package discovery

import (
	"sync"

	"github.com/vitaliisemenov/hostagent/internal/metric"
	"github.com/vitaliisemenov/hostagent/internal/reconciler"
)

// Static is a Discovery source holding a fixed, externally-updated list of
// services and containers. A real probe would call SetServices/
// SetContainers as it re-scans the host; absent that, Static reports
// whatever was last set (empty, until something calls Set*).
type Static struct {
	mu         sync.RWMutex
	services   []metric.DiscoveredService
	containers []reconciler.DiscoveredContainer
}

// New creates an empty Static discovery source.
func New() *Static {
	return &Static{}
}

// SetServices replaces the discovered service list wholesale.
func (s *Static) SetServices(services []metric.DiscoveredService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = services
}

// SetContainers replaces the discovered container list wholesale.
func (s *Static) SetContainers(containers []reconciler.DiscoveredContainer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers = containers
}

// DiscoveredServices implements reconciler.Discovery.
func (s *Static) DiscoveredServices() []metric.DiscoveredService {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// DiscoveredContainers implements reconciler.Discovery.
func (s *Static) DiscoveredContainers() []reconciler.DiscoveredContainer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containers
}
