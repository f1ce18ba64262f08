package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ThresholdDef is one threshold entry as it appears in the static
// thresholds file: low/high bounds for each soft/hard level, keyed by
// measurement name (and, optionally, item) by the caller.
type ThresholdDef struct {
	LowWarning   *float64 `yaml:"low_warning,omitempty"`
	LowCritical  *float64 `yaml:"low_critical,omitempty"`
	HighWarning  *float64 `yaml:"high_warning,omitempty"`
	HighCritical *float64 `yaml:"high_critical,omitempty"`
}

// ThresholdsFile is the on-disk shape of the static thresholds file
// referenced by Config.Agent.ThresholdsFile: a flat map from
// "measurement" or "measurement.item" to its bounds.
type ThresholdsFile struct {
	Thresholds map[string]ThresholdDef `yaml:"thresholds"`
}

// LoadThresholdsFile parses the static thresholds file. A missing file is
// not an error: an agent with no local threshold overrides still runs,
// relying solely on thresholds pushed down by the Reconciler.
func LoadThresholdsFile(path string) (*ThresholdsFile, error) {
	if path == "" {
		return &ThresholdsFile{Thresholds: map[string]ThresholdDef{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ThresholdsFile{Thresholds: map[string]ThresholdDef{}}, nil
		}
		return nil, fmt.Errorf("failed to read thresholds file: %w", err)
	}

	var tf ThresholdsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds file %s: %w", path, err)
	}
	if tf.Thresholds == nil {
		tf.Thresholds = map[string]ThresholdDef{}
	}
	return &tf, nil
}
