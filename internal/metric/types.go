// Package metric holds the data model shared by the ingest path (Collector
// Listener, Derivation Engine, Sample Cache) and the reconciliation/publishing
// path (Threshold Engine, Reconciler, Publisher).
package metric

import "time"

// Sample is one (measurement, item, value) observation at a point in time,
// as produced by the Derivation Engine and consumed by the Threshold Engine,
// Sample Cache and Publisher.
type Sample struct {
	Measurement string    `json:"measurement" validate:"required"`
	Item        string    `json:"item,omitempty"`
	Service     string    `json:"service,omitempty"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`

	// Status and CheckOutput are filled in by the Threshold Engine after
	// evaluation; a sample straight off the Derivation Engine leaves both
	// empty.
	Status      SoftStatus `json:"status,omitempty"`
	CheckOutput string     `json:"check_output,omitempty"`
}

// Key identifies a sample's slot in the Sample Cache: the same
// (measurement, item) pair always lands in the same slot, last-value-wins.
type Key struct {
	Measurement string
	Item        string
}

// SoftStatus is the hysteresis-latched severity a threshold evaluation can
// settle into, distinct from the instantaneous bound comparison.
type SoftStatus string

const (
	StatusOK       SoftStatus = "ok"
	StatusWarning  SoftStatus = "warning"
	StatusCritical SoftStatus = "critical"
	StatusUnknown  SoftStatus = "unknown"
)

// Valid reports whether s is one of the defined soft statuses.
func (s SoftStatus) Valid() bool {
	switch s {
	case StatusOK, StatusWarning, StatusCritical, StatusUnknown:
		return true
	default:
		return false
	}
}

// Severity ranks statuses so two can be compared ("worse than").
func (s SoftStatus) Severity() int {
	switch s {
	case StatusCritical:
		return 3
	case StatusWarning:
		return 2
	case StatusUnknown:
		return 1
	default:
		return 0
	}
}

// Threshold is one metric's alerting bounds. A nil bound means that side is
// unset. Thresholds come from two sources that are merged by the Threshold
// Engine: the static thresholds file (config-level) and the Reconciler's
// fetch-thresholds step (remote, takes precedence).
type Threshold struct {
	LowWarning   *float64 `json:"low_warning,omitempty"`
	LowCritical  *float64 `json:"low_critical,omitempty"`
	HighWarning  *float64 `json:"high_warning,omitempty"`
	HighCritical *float64 `json:"high_critical,omitempty"`
}

// IsZero reports whether no bound is set at all.
func (t Threshold) IsZero() bool {
	return t.LowWarning == nil && t.LowCritical == nil && t.HighWarning == nil && t.HighCritical == nil
}

// RegisteredMetric is a metric the Reconciler has registered with the API
// and persisted in the State Store, keyed by (label, item, service).
type RegisteredMetric struct {
	UUID         string    `json:"uuid,omitempty"`
	Label        string    `json:"label" validate:"required"`
	Item         string    `json:"item,omitempty"`
	StatusOf     string    `json:"status_of,omitempty"`
	ServiceID    string    `json:"service_id,omitempty"`
	ContainerID  string    `json:"container_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// IsRegistered reports whether the API has assigned this metric a remote
// id. An empty UUID means "register me" in the local registry.
func (m RegisteredMetric) IsRegistered() bool {
	return m.UUID != ""
}

// DiscoveredService is a service the agent's local discovery found running
// on the host (e.g. a listening nginx, a postgres process). The Reconciler
// registers these with the API and drives their lifecycle.
type DiscoveredService struct {
	Name      string            `json:"name" validate:"required"`
	Instance  string            `json:"instance,omitempty"`
	ExePath   string            `json:"exe_path,omitempty"`
	Stack     string            `json:"stack,omitempty"`
	Active    bool              `json:"active"`
	Tags      []string          `json:"tags,omitempty"`
	ListenOn  []string          `json:"listen_on,omitempty"`
	ExtraInfo map[string]string `json:"extra_info,omitempty"`
}

// RegisteredService mirrors DiscoveredService once the Reconciler has
// registered it with the API and obtained a UUID.
type RegisteredService struct {
	UUID     string `json:"uuid" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Instance string `json:"instance,omitempty"`
	Active   bool   `json:"active"`
}

// RegisteredContainer is a container the Reconciler registered with the API.
// ConfigHash is a digest of the payload last sent, so the Reconciler can
// skip re-sending a container whose inspection data hasn't changed.
type RegisteredContainer struct {
	UUID       string `json:"uuid" validate:"required"`
	DockerID   string `json:"docker_id" validate:"required"`
	ConfigHash string `json:"config_hash,omitempty"`
	Name       string `json:"name,omitempty"`
}
