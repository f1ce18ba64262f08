// Package publisher implements the Publisher: the pub/sub session that
// ships samples to the broker, announces connect/disconnect, and relays
// server-pushed notifications back into the agent as a "sync now" signal.
package publisher

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vitaliisemenov/hostagent/internal/metric"
)

// maxNotificationSize is the hard cap on an incoming notification payload;
// anything larger is silently dropped, matching the original agent's
// behavior of never reporting an oversized message.
const maxNotificationSize = 64 * 1024

// dataFlushInterval bounds how long a resolved sample waits in the
// outbound batch before being published, independent of maxBatch.
const dataFlushInterval = 300 * time.Millisecond

// MetricResolver looks up the remote id for a (measurement, service, item)
// triple, as maintained by the Reconciler's register-metrics step.
//
//   - found=false means "not registered yet", the sample should be retried.
//   - id=="deleted" means the metric was deregistered; the sample is dropped.
type MetricResolver interface {
	ResolveMetricID(measurement, service, item string) (id string, found bool)
}

// Config configures one Publisher.
type Config struct {
	BrokerURL          string
	AgentUUID          string
	Password           string
	CAFile             string
	InsecureSkipVerify bool
	PublicIP           string
}

// Publisher owns the MQTT session, the bounded outbound queue, and the
// sample intake queue that waits on metric-id resolution.
type Publisher struct {
	cfg      Config
	client   mqtt.Client
	resolver MetricResolver
	logger   *slog.Logger

	outbound *outboundQueue
	intake   *intakeQueue
	breaker  *circuitBreaker

	onNotification func()

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a Publisher. onNotification is called whenever a valid
// threshold-update notification arrives; it is expected to flag the
// Reconciler for an out-of-schedule pass.
func New(cfg Config, resolver MetricResolver, onNotification func(), logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:            cfg,
		resolver:       resolver,
		logger:         logger.With("component", "publisher"),
		outbound:       newOutboundQueue(),
		intake:         newIntakeQueue(),
		breaker:        newCircuitBreaker(defaultCircuitBreakerConfig),
		onNotification: onNotification,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

func (p *Publisher) topic(suffix string) string {
	return fmt.Sprintf("v1/agent/%s/%s", p.cfg.AgentUUID, suffix)
}

// loadCAPool reads a PEM-encoded CA bundle for verifying the broker's
// certificate, used when the broker's cert isn't signed by a public CA.
func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no valid certificates found in %s", path)
	}
	return pool, nil
}

// Connect establishes the MQTT session: last-will on disconnect, then the
// connect announcement and the notification subscription.
func (p *Publisher) Connect(ctx context.Context) error {
	willPayload, _ := json.Marshal(map[string]string{"disconnect-cause": "disconnect-will"})

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.BrokerURL)
	opts.SetClientID(p.cfg.AgentUUID)
	opts.SetUsername(p.cfg.AgentUUID)
	opts.SetPassword(p.cfg.Password)
	opts.SetWill(p.topic("disconnect"), string(willPayload), 1, false)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.cfg.InsecureSkipVerify,
	}
	if p.cfg.CAFile != "" {
		pool, err := loadCAPool(p.cfg.CAFile)
		if err != nil {
			return fmt.Errorf("publisher: loading CA file: %w", err)
		}
		tlsConfig.RootCAs = pool
	}
	opts.SetTLSConfig(tlsConfig)
	opts.SetOnConnectHandler(p.handleConnect)

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publisher: connect timed out")
	}
	return token.Error()
}

func (p *Publisher) handleConnect(client mqtt.Client) {
	connectPayload, _ := json.Marshal(map[string]string{"public_ip": p.cfg.PublicIP})
	client.Publish(p.topic("connect"), 1, false, connectPayload)

	if token := client.Subscribe(p.topic("notification"), 1, p.handleNotification); token.Wait() && token.Error() != nil {
		p.logger.Error("failed to subscribe to notification topic", "error", token.Error())
	}
}

func (p *Publisher) handleNotification(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if len(payload) >= maxNotificationSize {
		p.logger.Debug("dropping oversized notification", "size", len(payload))
		return
	}

	var body struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return
	}
	if body.MessageType == "threshold-update" && p.onNotification != nil {
		p.onNotification()
	}
}

// Run starts the outbound publish loop and the intake resolver loop. It
// blocks until ctx is cancelled or Shutdown is called.
func (p *Publisher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.runOutboundLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.runIntakeLoop(ctx)
	}()
	wg.Wait()
	close(p.doneCh)
}

// EnqueueSample hands a sample to the intake queue, to await metric-id
// resolution before being published.
func (p *Publisher) EnqueueSample(s metric.Sample) {
	if !p.intake.push(s) {
		p.logger.Warn("intake queue full, dropping sample", "measurement", s.Measurement)
	}
}

// publish enqueues a raw outbound message, bounded by the outbound queue.
func (p *Publisher) publish(topic string, payload []byte, force bool) {
	if !p.outbound.enqueue(outboundMessage{Topic: topic, Payload: payload, QoS: 1, Force: force}) {
		p.logger.Warn("outbound queue full, dropping publish", "topic", topic)
	}
}

// PublishTopInfo compresses a process-table snapshot and enqueues it on
// the top_info topic.
func (p *Publisher) PublishTopInfo(snapshot any) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("publisher: encoding top_info: %w", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return fmt.Errorf("publisher: compressing top_info: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("publisher: closing top_info compressor: %w", err)
	}

	p.publish(p.topic("top_info"), buf.Bytes(), false)
	return nil
}

// runOutboundLoop drains the outbound queue, publishing each message and
// waiting for the broker ack before moving on, matching the spec's
// "depth decremented on publish-ack" bookkeeping (ack is modeled by the
// dequeue itself, since the queue only ever holds undelivered items).
func (p *Publisher) runOutboundLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			for {
				if !p.breaker.allow() {
					break
				}
				msg, ok := p.outbound.dequeue()
				if !ok {
					break
				}
				if p.client == nil || !p.client.IsConnected() {
					p.outbound.enqueue(msg)
					break
				}
				token := p.client.Publish(msg.Topic, msg.QoS, false, msg.Payload)
				token.Wait()
				if err := token.Error(); err != nil {
					p.logger.Warn("publish failed", "topic", msg.Topic, "error", err)
					p.breaker.recordFailure()
					p.outbound.enqueue(msg)
					break
				}
				p.breaker.recordSuccess()
			}
		}
	}
}

// runIntakeLoop resolves queued samples to remote metric ids and batches
// them onto the data topic, per spec §4.8's worker-loop shape: a 3s
// blocking wait before the first dequeue, 300ms polling after, a 500ms
// pause if a pass makes no progress.
func (p *Publisher) runIntakeLoop(ctx context.Context) {
	const initialWait = 3 * time.Second
	const polledWait = 300 * time.Millisecond

	interval := initialWait
	switchedToPoll := false
	var batch []resolvedSample

	flush := func() {
		if len(batch) == 0 {
			return
		}
		payload, err := json.Marshal(batch)
		if err == nil {
			p.publish(p.topic("data"), payload, false)
		}
		batch = batch[:0]
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-p.stopCh:
			flush()
			return
		case <-p.intake.notify:
		case <-timer.C:
		}

		if p.intake.len() == 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
			continue
		}

		if !switchedToPoll {
			switchedToPoll = true
			interval = polledWait
		}

		pending := p.intake.drain()
		progressed := false
		var retry []pendingSample

		for _, item := range pending {
			s := item.Sample
			id, found := p.resolver.ResolveMetricID(s.Measurement, s.Service, s.Item)
			switch {
			case found && id == "deleted":
				progressed = true
				continue
			case !found:
				retry = append(retry, item)
			default:
				progressed = true
				batch = append(batch, resolvedSample{
					Measurement: s.Measurement,
					Time:        s.Timestamp,
					Value:       s.Value,
					Item:        s.Item,
					Service:     s.Service,
					Status:      string(s.Status),
					CheckOutput: s.CheckOutput,
					MetricID:    id,
				})
				if len(batch) >= maxBatch {
					flush()
				}
			}
		}

		p.intake.requeue(retry)
		flush()

		if !progressed && len(retry) > 0 {
			time.Sleep(500 * time.Millisecond)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// Shutdown publishes the clean-shutdown disconnect announcement
// (force-enqueued past the queue cap), drains the outbound queue for up
// to 5 seconds, then disconnects.
func (p *Publisher) Shutdown() {
	p.once.Do(func() {
		payload, _ := json.Marshal(map[string]string{"disconnect-cause": "Clean shutdown"})
		p.publish(p.topic("disconnect"), payload, true)

		deadline := time.Now().Add(5 * time.Second)
		for p.outbound.depth() > 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}

		close(p.stopCh)
		<-p.doneCh

		if p.client != nil {
			p.client.Disconnect(250)
		}
	})
}

// QueueDepth reports the outbound queue's current length, for the
// health-check job.
func (p *Publisher) QueueDepth() int {
	return p.outbound.depth()
}

// healthCheckDepthWarn logs at info level above this depth and at warn
// level once the queue is at cap.
const healthCheckDepthWarn = 10

// CheckQueueHealth logs the current outbound queue depth when it's
// unusually deep, intended to run as a periodic scheduler job.
func (p *Publisher) CheckQueueHealth(context.Context) {
	depth := p.outbound.depth()
	switch {
	case depth >= maxQueue:
		p.logger.Warn("outbound queue at capacity, new publishes are being dropped", "depth", depth)
	case depth > healthCheckDepthWarn:
		p.logger.Info("outbound queue depth elevated", "depth", depth)
	}
	if state := p.breaker.currentState(); state != circuitClosed {
		p.logger.Warn("publish circuit breaker not closed", "state", state.String(), "depth", depth)
	}
}
