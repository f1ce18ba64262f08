// Package config loads and validates the agent's configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the agent's top-level configuration, unmarshalled from a YAML
// file and overridable via environment variables.
type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	API        APIConfig        `mapstructure:"api"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Log        LogConfig        `mapstructure:"log"`
	State      StateConfig      `mapstructure:"state"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// MetricsConfig configures the self-observability /metrics endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// AgentConfig holds account/registration identity, read by the Reconciler
// when it registers the agent for the first time.
type AgentConfig struct {
	Account         string   `mapstructure:"account" validate:"required"`
	RegistrationKey string   `mapstructure:"registration_key" validate:"required"`
	Name            string   `mapstructure:"name"`
	Domain          string   `mapstructure:"domain"`
	FQDN            string   `mapstructure:"fqdn"`
	Tags            []string `mapstructure:"tags"`
	ThresholdsFile  string   `mapstructure:"thresholds_file"`
	TagsFile        string   `mapstructure:"tags_file"`
}

// MQTTConfig configures the Publisher's pub/sub session.
type MQTTConfig struct {
	Host              string        `mapstructure:"host" validate:"required"`
	Port              int           `mapstructure:"port" validate:"min=1,max=65535"`
	SSL               bool          `mapstructure:"ssl"`
	SSLInsecure       bool          `mapstructure:"ssl_insecure"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	ClientIDPrefix    string        `mapstructure:"client_id_prefix"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	CAFile            string        `mapstructure:"ca_file"`
	PublicIP          string        `mapstructure:"public_ip"`
}

// APIConfig configures the Reconciler's REST client.
type APIConfig struct {
	Base           string        `mapstructure:"base" validate:"required"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimitRPM   int           `mapstructure:"rate_limit_rpm"`
	InsecureTLS    bool          `mapstructure:"insecure_tls"`
}

// CollectorConfig configures the Collector Listener and the per-connection
// Derivation Engine it constructs.
type CollectorConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	AcceptTimeout  time.Duration `mapstructure:"accept_timeout"`
	ReadBufferSize int           `mapstructure:"read_buffer_size"`

	DiskPathIgnorePrefixes []string `mapstructure:"disk_path_ignore_prefixes"`
	HostMountPrefix        string   `mapstructure:"host_mount_prefix"`
	NetworkBlacklist       []string `mapstructure:"network_blacklist"`
	LegacySectorCounts     bool     `mapstructure:"legacy_sector_counts"`
}

// CacheConfig configures the Sample Cache.
type CacheConfig struct {
	MaxAge        time.Duration `mapstructure:"max_age"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// ReconcilerConfig configures the reconciliation loop's cadence.
type ReconcilerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	FactInterval  time.Duration `mapstructure:"fact_interval"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// StateConfig configures the State Store's on-disk location.
type StateConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// LogConfig mirrors pkg/logger.Config in mapstructure-tagged form so it can
// be populated straight off viper.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// envOverride binds one BLEEMEO_AGENT_* variable onto a viper key. Narrower
// than AutomaticEnv's generic replacer: only the names spec.md §6 lists are
// honored, so an unrelated BLEEMEO_AGENT_FOO typo silently does nothing
// rather than half-applying.
var envOverrides = map[string]string{
	"BLEEMEO_AGENT_ACCOUNT":          "agent.account",
	"BLEEMEO_AGENT_REGISTRATION_KEY": "agent.registration_key",
	"BLEEMEO_AGENT_API_BASE":         "api.base",
	"BLEEMEO_AGENT_MQTT_HOST":        "mqtt.host",
	"BLEEMEO_AGENT_MQTT_PORT":        "mqtt.port",
	"BLEEMEO_AGENT_MQTT_SSL":         "mqtt.ssl",
	"BLEEMEO_AGENT_LOGGING_LEVEL":    "log.level",
	"BLEEMEO_AGENT_LOGGING_OUTPUT":   "log.output",
}

// LoadConfig loads configuration from the given YAML file, applies the
// BLEEMEO_AGENT_* environment overrides and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	bindEnvOverrides()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func bindEnvOverrides() {
	for env, key := range envOverrides {
		_ = viper.BindEnv(key, env)
	}
}

func setDefaults() {
	viper.SetDefault("agent.thresholds_file", "/etc/bleemeo/thresholds.yaml")
	viper.SetDefault("agent.tags_file", "")

	viper.SetDefault("mqtt.port", 8883)
	viper.SetDefault("mqtt.ssl", true)
	viper.SetDefault("mqtt.ssl_insecure", false)
	viper.SetDefault("mqtt.client_id_prefix", "bleemeo-agent")
	viper.SetDefault("mqtt.keep_alive", "30s")
	viper.SetDefault("mqtt.connect_timeout", "15s")
	viper.SetDefault("mqtt.reconnect_min_delay", "1s")
	viper.SetDefault("mqtt.reconnect_max_delay", "5m")

	viper.SetDefault("api.base", "https://api.bleemeo.com")
	viper.SetDefault("api.timeout", "10s")
	viper.SetDefault("api.rate_limit_rpm", 60)
	viper.SetDefault("api.insecure_tls", false)

	viper.SetDefault("collector.listen_addr", "127.0.0.1:2003")
	viper.SetDefault("collector.accept_timeout", "1s")
	viper.SetDefault("collector.read_buffer_size", 4096)

	viper.SetDefault("cache.max_age", "6m")
	viper.SetDefault("cache.purge_interval", "5m")

	viper.SetDefault("reconciler.interval", "15s")
	viper.SetDefault("reconciler.fact_interval", "24h")
	viper.SetDefault("reconciler.purge_interval", "1h")

	viper.SetDefault("state.path", "/var/lib/bleemeo/state.json")

	viper.SetDefault("metrics.listen_addr", "127.0.0.1:9100")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)
}

// Validate checks the required fields, the MQTT port range and the API
// base URL scheme. The structs' validate tags are not evaluated anywhere;
// this method is the only validation LoadConfig runs.
func (c *Config) Validate() error {
	if c.Agent.Account == "" {
		return fmt.Errorf("agent.account must be set")
	}
	if c.Agent.RegistrationKey == "" {
		return fmt.Errorf("agent.registration_key must be set")
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host must be set")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("invalid mqtt port: %d", c.MQTT.Port)
	}
	if !strings.HasPrefix(c.API.Base, "http://") && !strings.HasPrefix(c.API.Base, "https://") {
		return fmt.Errorf("api.base must be an http(s) URL, got %q", c.API.Base)
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path must be set")
	}
	return nil
}
