package reconciler

import "time"

// apiMetric is the remote API's representation of a registered metric, as
// returned by GET /v1/metric/.
type apiMetric struct {
	ID                    string   `json:"id"`
	Label                 string   `json:"label"`
	Item                  string   `json:"item,omitempty"`
	ThresholdLowWarning   *float64 `json:"threshold_low_warning,omitempty"`
	ThresholdLowCritical  *float64 `json:"threshold_low_critical,omitempty"`
	ThresholdHighWarning  *float64 `json:"threshold_high_warning,omitempty"`
	ThresholdHighCritical *float64 `json:"threshold_high_critical,omitempty"`
}

// apiService is the remote API's representation of a registered service, as
// returned by GET /v1/service/.
type apiService struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// serviceWire is the request body sent to POST/PUT /v1/service/.
type serviceWire struct {
	Label           string `json:"label"`
	Instance        string `json:"instance,omitempty"`
	ExePath         string `json:"exe_path,omitempty"`
	Stack           string `json:"stack,omitempty"`
	Active          bool   `json:"active"`
	ListenAddresses string `json:"listen_addresses,omitempty"`
}

// containerWire is the request body sent to POST/PUT /v1/container/.
type containerWire struct {
	Name             string     `json:"name"`
	Command          string     `json:"command,omitempty"`
	DockerStatus     string     `json:"docker_status,omitempty"`
	DockerCreatedAt  *time.Time `json:"docker_created_at,omitempty"`
	DockerStartedAt  *time.Time `json:"docker_started_at,omitempty"`
	DockerFinishedAt *time.Time `json:"docker_finished_at,omitempty"`
	DockerID         string     `json:"docker_id"`
	DockerImageID    string     `json:"docker_image_id,omitempty"`
	DockerImageName  string     `json:"docker_image_name,omitempty"`
	DockerAPIVersion string     `json:"docker_api_version,omitempty"`
	DockerInspect    []byte     `json:"docker_inspect,omitempty"`
}
