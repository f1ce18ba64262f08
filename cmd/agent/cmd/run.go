package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/hostagent/internal/cache"
	"github.com/vitaliisemenov/hostagent/internal/collector"
	"github.com/vitaliisemenov/hostagent/internal/config"
	"github.com/vitaliisemenov/hostagent/internal/derivation"
	"github.com/vitaliisemenov/hostagent/internal/discovery"
	"github.com/vitaliisemenov/hostagent/internal/facts"
	"github.com/vitaliisemenov/hostagent/internal/metric"
	"github.com/vitaliisemenov/hostagent/internal/publisher"
	"github.com/vitaliisemenov/hostagent/internal/reconciler"
	"github.com/vitaliisemenov/hostagent/internal/scheduler"
	"github.com/vitaliisemenov/hostagent/internal/state"
	"github.com/vitaliisemenov/hostagent/internal/supervisor"
	"github.com/vitaliisemenov/hostagent/internal/threshold"
	"github.com/vitaliisemenov/hostagent/pkg/logger"
	"github.com/vitaliisemenov/hostagent/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runAgent(ctx)
	},
}

// discreteMeasurements never get hysteresis latching: they already read
// as point-in-time counts rather than a continuously sampled gauge.
var discreteMeasurements = []string{"process_total", "users_logged"}

// neverInterval is the cadence given to jobs that should only ever run via
// an explicit Trigger (SIGHUP), never on their own schedule.
const neverInterval = 365 * 24 * time.Hour

func runAgent(ctx context.Context) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	store, err := state.Open(cfg.State.Path, log)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	if err := state.ApplyMigrations(store, log); err != nil {
		return fmt.Errorf("applying state migrations: %w", err)
	}

	reg := metrics.DefaultRegistry()
	sampleCache := cache.New(cfg.Cache.MaxAge, log, reg.Ingest())

	thresholdEngine := threshold.New(discreteMeasurements, log)
	if err := loadStaticThresholds(cfg.Agent.ThresholdsFile, thresholdEngine); err != nil {
		return fmt.Errorf("loading thresholds file: %w", err)
	}

	disc := discovery.New()
	factsCollector := facts.New(cfg.Reconciler.FactInterval)

	apiClient := reconciler.NewClient(reconciler.ClientConfig{
		BaseURL:      cfg.API.Base,
		Account:      cfg.Agent.Account,
		Password:     cfg.Agent.RegistrationKey,
		Timeout:      cfg.API.Timeout,
		RateLimitRPM: float64(cfg.API.RateLimitRPM),
		InsecureTLS:  cfg.API.InsecureTLS,
	})

	recon := reconciler.New(
		reconciler.Config{
			Account:         cfg.Agent.Account,
			Domain:          cfg.Agent.Domain,
			RegistrationKey: cfg.Agent.RegistrationKey,
			FQDN:            cfg.Agent.FQDN,
			DisplayName:     cfg.Agent.Name,
			Tags:            cfg.Agent.Tags,
			FactInterval:    cfg.Reconciler.FactInterval,
			PurgeInterval:   cfg.Reconciler.PurgeInterval,
		},
		apiClient,
		store,
		thresholdEngine,
		sampleCache.Purge,
		disc,
		factsCollector,
		log,
	)

	// The agent needs its own uuid before the Publisher can open an MQTT
	// session (the uuid is both the client id and the topic prefix), so
	// one reconciliation pass runs synchronously before anything else
	// starts, per the startup order's "Reconciler thread" step.
	recon.Run(ctx)
	agentUUID := apiClient.AgentUUID()
	if agentUUID == "" {
		return fmt.Errorf("agent registration did not complete, refusing to start")
	}

	sched := scheduler.New(log)

	metricResolver := reconciler.NewMetricIndex(store)
	pub := publisher.New(
		publisher.Config{
			BrokerURL:          mqttBrokerURL(cfg.MQTT),
			AgentUUID:          agentUUID,
			Password:           cfg.Agent.RegistrationKey,
			CAFile:             cfg.MQTT.CAFile,
			InsecureSkipVerify: cfg.MQTT.SSLInsecure,
			PublicIP:           cfg.MQTT.PublicIP,
		},
		metricResolver,
		func() { sched.Trigger("reconcile") },
		log,
	)

	sink := func(samples []metric.Sample) {
		now := time.Now()
		for _, s := range samples {
			if result, ok := thresholdEngine.Evaluate(s, now); ok {
				s.Status = result.Status
				s.CheckOutput = result.CheckOutput
				sampleCache.Put(result.StatusSample)
				pub.EnqueueSample(result.StatusSample)
			}
			sampleCache.Put(s)
			pub.EnqueueSample(s)
		}
	}

	newEngine := func() *derivation.Engine {
		return derivation.New(
			cfg.Collector.DiskPathIgnorePrefixes,
			cfg.Collector.HostMountPrefix,
			cfg.Collector.NetworkBlacklist,
			cfg.Collector.LegacySectorCounts,
			log,
		)
	}
	listener := collector.New(cfg.Collector.ListenAddr, newEngine, sampleCache, sink, log)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux}

	sched.Schedule("reconcile", func(ctx context.Context) { recon.Run(ctx) }, cfg.Reconciler.Interval, cfg.Reconciler.Interval)
	sched.Schedule("discovery", func(ctx context.Context) { recon.Run(ctx) }, neverInterval, neverInterval)
	sched.Schedule("send_facts", func(ctx context.Context) { recon.Run(ctx) }, neverInterval, neverInterval)
	sched.Schedule("queue_health", func(ctx context.Context) { pub.CheckQueueHealth(ctx) }, 30*time.Second, 30*time.Second)

	super := supervisor.New(sched, log)

	components := []supervisor.Component{
		{
			Name: "collector_listener",
			Start: func(ctx context.Context) error {
				errCh := make(chan error, 1)
				go func() { errCh <- listener.Run(ctx) }()
				select {
				case err := <-errCh:
					return err
				case <-time.After(200 * time.Millisecond):
					return nil
				}
			},
			Stop: listener.Shutdown,
		},
		{
			Name: "scheduler",
			Start: func(ctx context.Context) error {
				sched.Start(ctx)
				return nil
			},
			Stop: sched.Shutdown,
		},
		{
			Name: "publisher",
			Start: func(ctx context.Context) error {
				if err := pub.Connect(ctx); err != nil {
					return err
				}
				go pub.Run(ctx)
				return nil
			},
			Stop: pub.Shutdown,
		},
		{
			Name: "metrics_http",
			Start: func(ctx context.Context) error {
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("metrics server failed", "error", err)
					}
				}()
				return nil
			},
			Stop: func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsServer.Shutdown(shutdownCtx)
			},
		},
	}

	if err := supervisor.StartAll(ctx, components, log); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	super.ListenForSignals()

	log.Info("agent started", "agent_uuid", agentUUID)
	<-ctx.Done()
	log.Info("shutting down")

	super.Shutdown()
	supervisor.StopAll(components, log)
	return nil
}

// mqttBrokerURL builds the broker URL paho expects from the host/port/ssl
// triple the config carries separately (matching the original agent's own
// config shape instead of a single pre-joined URL).
func mqttBrokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.SSL {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
}

// loadStaticThresholds parses the configured thresholds file and seeds the
// engine's config-sourced bounds. Entries are keyed "measurement" or
// "measurement.item" in the file; the item half is optional.
func loadStaticThresholds(path string, engine *threshold.Engine) error {
	tf, err := config.LoadThresholdsFile(path)
	if err != nil {
		return err
	}

	merged := make(map[metric.Key]metric.Threshold, len(tf.Thresholds))
	for name, def := range tf.Thresholds {
		measurement, item := splitThresholdKey(name)
		merged[metric.Key{Measurement: measurement, Item: item}] = metric.Threshold{
			LowWarning:   def.LowWarning,
			LowCritical:  def.LowCritical,
			HighWarning:  def.HighWarning,
			HighCritical: def.HighCritical,
		}
	}
	engine.ReloadConfig(merged)
	return nil
}

func splitThresholdKey(name string) (measurement, item string) {
	if idx := strings.Index(name, "."); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return name, ""
}
