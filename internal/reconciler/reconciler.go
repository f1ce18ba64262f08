package reconciler

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/vitaliisemenov/hostagent/internal/metric"
	"github.com/vitaliisemenov/hostagent/internal/state"
	"github.com/vitaliisemenov/hostagent/internal/threshold"
)

// maxMetricRegisterFailures bounds how many client errors step 7 tolerates
// in one pass before giving up for this cycle, per spec ("register up to 3
// failures per pass then stop").
const maxMetricRegisterFailures = 3

// Discovery is the local service/container discovery subsystem's read
// side. Container engine discovery is optional: a nil Discovery degrades
// to "no locally discovered services/containers", which spec §7 treats as
// a normal degraded mode, not an error.
type Discovery interface {
	DiscoveredServices() []metric.DiscoveredService
	DiscoveredContainers() []DiscoveredContainer
}

// DiscoveredContainer is one container found by the (optional) container
// engine watcher.
type DiscoveredContainer struct {
	DockerID         string
	Name             string
	Command          string
	DockerStatus     string
	DockerCreatedAt  time.Time
	DockerStartedAt  time.Time
	DockerFinishedAt time.Time
	DockerImageID    string
	DockerImageName  string
	DockerAPIVersion string
	Inspect          json.RawMessage
}

// Facts provides the current host fact set (hostname, OS, kernel, ...)
// for step 8.
type Facts interface {
	CurrentFacts() map[string]string
}

// Config configures one Reconciler.
type Config struct {
	Account         string
	Domain          string
	RegistrationKey string
	FQDN            string
	DisplayName     string
	Tags            []string
	FactInterval    time.Duration
	PurgeInterval   time.Duration
}

// Reconciler runs the 8 ordered protocol steps of spec §4.7 against the
// remote API, keeping the State Store's registries authoritative.
type Reconciler struct {
	cfg        Config
	client     *Client
	store      *state.Store
	thresholds *threshold.Engine
	cachePurge func(keys []metric.Key)
	discovery  Discovery
	facts      Facts
	logger     *slog.Logger

	lastPurge     time.Time
	lastFactsSync time.Time
	appliedTags   []string
}

// New creates a Reconciler. cachePurge is called with the set of
// (measurement,item) keys whose metrics were just deregistered, so the
// Sample Cache can evict them instead of waiting out their TTL.
func New(cfg Config, client *Client, store *state.Store, thresholds *threshold.Engine, cachePurge func([]metric.Key), discovery Discovery, facts Facts, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FactInterval == 0 {
		cfg.FactInterval = 24 * time.Hour
	}
	if cfg.PurgeInterval == 0 {
		cfg.PurgeInterval = time.Hour
	}
	return &Reconciler{
		cfg:        cfg,
		client:     client,
		store:      store,
		thresholds: thresholds,
		cachePurge: cachePurge,
		discovery:  discovery,
		facts:      facts,
		logger:     logger.With("component", "reconciler"),
	}
}

// Run executes all 8 steps once, in order, isolating each one's failure so
// it never blocks the next. Intended to be scheduled every 15 seconds.
func (r *Reconciler) Run(ctx context.Context) {
	r.runStep(ctx, "register_agent", r.registerAgent)
	r.runStep(ctx, "purge_deleted_services", r.purgeDeletedServices)
	r.runStep(ctx, "fetch_thresholds", r.fetchThresholds)
	r.runStep(ctx, "update_tags", r.updateTags)
	r.runStep(ctx, "register_containers", r.registerContainers)
	r.runStep(ctx, "register_services", r.registerServices)
	r.runStep(ctx, "register_metrics", r.registerMetrics)
	r.runStep(ctx, "send_facts", r.sendFacts)
}

func (r *Reconciler) runStep(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reconciler step panicked", "step", name, "panic", rec)
		}
	}()
	if err := fn(ctx); err != nil {
		r.logger.Debug("reconciler step failed, will retry next pass", "step", name, "error", err)
	}
}

const agentUUIDKey = "agent_uuid"

// registerAgent is step 1: POST /v1/agent/ once, persisting the returned
// uuid. A no-op once agent_uuid is already in the State Store.
func (r *Reconciler) registerAgent(ctx context.Context) error {
	var uuid string
	found, err := r.store.Get(agentUUIDKey, &uuid)
	if err != nil {
		return err
	}
	if found && uuid != "" {
		r.client.SetAgentUUID(uuid)
		return nil
	}

	req := map[string]string{
		"account":          r.cfg.Account,
		"initial_password": r.cfg.RegistrationKey,
		"fqdn":             r.cfg.FQDN,
		"display_name":     r.cfg.DisplayName,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := r.client.do(ctx, http.MethodPost, "/v1/agent/", req, &resp); err != nil {
		return err
	}
	if resp.ID == "" {
		return fmt.Errorf("reconciler: agent registration returned no id")
	}

	r.client.SetAgentUUID(resp.ID)
	return r.store.Set(agentUUIDKey, resp.ID)
}

const registeredServicesKey = "registered_services"
const discoveredServicesKey = "discovered_services"

// purgeDeletedServices is step 2: reconcile the locally-known service set
// against both the local discovery snapshot and the remote API, hourly.
func (r *Reconciler) purgeDeletedServices(ctx context.Context) error {
	if !r.lastPurge.IsZero() && time.Since(r.lastPurge) < r.cfg.PurgeInterval {
		return nil
	}

	var registered []metric.RegisteredService
	if _, err := r.store.Get(registeredServicesKey, &registered); err != nil {
		return err
	}

	local := map[string]bool{}
	if r.discovery != nil {
		for _, svc := range r.discovery.DiscoveredServices() {
			local[svc.Name+"/"+svc.Instance] = true
		}
	}

	var kept []metric.RegisteredService
	for _, svc := range registered {
		key := svc.Name + "/" + svc.Instance
		if local[key] {
			kept = append(kept, svc)
			continue
		}
		if err := r.client.do(ctx, http.MethodDelete, "/v1/service/"+svc.UUID+"/", nil, nil); err != nil && !isClientError(err) {
			kept = append(kept, svc)
			continue
		}
		r.logger.Info("removed locally-deleted service", "name", svc.Name, "instance", svc.Instance)
	}

	remote, err := listAll[apiService](ctx, r.client, "/v1/service/?agent="+r.client.agentUUID)
	if err == nil {
		remoteIDs := map[string]bool{}
		for _, s := range remote {
			remoteIDs[s.ID] = true
		}
		final := kept[:0]
		for _, svc := range kept {
			if remoteIDs[svc.UUID] {
				final = append(final, svc)
			} else {
				r.logger.Info("service deleted remotely, removing locally", "name", svc.Name)
			}
		}
		kept = final
	}

	r.lastPurge = time.Now()
	return r.store.Set(registeredServicesKey, kept)
}

const thresholdsStoreKey = "remote_thresholds"

// fetchThresholds is step 3: rebuild the remote threshold map from the
// paginated metric listing and push it into the Threshold Engine.
func (r *Reconciler) fetchThresholds(ctx context.Context) error {
	results, err := listAll[apiMetric](ctx, r.client, "/v1/metric/?agent="+r.client.agentUUID)
	if err != nil {
		return err
	}

	var registered []metric.RegisteredMetric
	if _, err := r.store.Get(registeredMetricsKey, &registered); err != nil {
		return err
	}
	remoteIDs := make(map[string]bool, len(results))

	merged := map[metric.Key]metric.Threshold{}
	var purged []metric.Key
	for _, m := range results {
		remoteIDs[m.ID] = true
		key := metric.Key{Measurement: m.Label, Item: m.Item}
		merged[key] = metric.Threshold{
			LowWarning:   m.ThresholdLowWarning,
			LowCritical:  m.ThresholdLowCritical,
			HighWarning:  m.ThresholdHighWarning,
			HighCritical: m.ThresholdHighCritical,
		}
	}

	var kept []metric.RegisteredMetric
	for _, m := range registered {
		if m.IsRegistered() && !remoteIDs[m.UUID] {
			purged = append(purged, metric.Key{Measurement: m.Label, Item: m.Item})
			continue
		}
		kept = append(kept, m)
	}

	if r.thresholds != nil {
		r.thresholds.UpdateThresholds(merged)
	}
	if len(purged) > 0 && r.cachePurge != nil {
		r.cachePurge(purged)
	}

	if err := r.store.Set(registeredMetricsKey, kept); err != nil {
		return err
	}
	return r.store.Set(thresholdsStoreKey, merged)
}

const appliedTagsKey = "applied_tags"

// updateTags is step 4: if configured tags changed since last applied,
// merge them into the agent's current remote tag set.
func (r *Reconciler) updateTags(ctx context.Context) error {
	var lastApplied []string
	if _, err := r.store.Get(appliedTagsKey, &lastApplied); err != nil {
		return err
	}
	if stringSetEqual(lastApplied, r.cfg.Tags) {
		return nil
	}

	var current struct {
		Tags []string `json:"tags"`
	}
	if err := r.client.do(ctx, http.MethodGet, "/v1/agent/"+r.client.agentUUID+"/", nil, &current); err != nil {
		return err
	}

	removed := make(map[string]bool, len(lastApplied))
	for _, t := range lastApplied {
		removed[t] = true
	}
	merged := map[string]bool{}
	for _, t := range current.Tags {
		if !removed[t] {
			merged[t] = true
		}
	}
	for _, t := range r.cfg.Tags {
		merged[t] = true
	}

	final := make([]string, 0, len(merged))
	for t := range merged {
		final = append(final, t)
	}
	sort.Strings(final)

	if err := r.client.do(ctx, http.MethodPatch, "/v1/agent/"+r.client.agentUUID+"/", map[string]any{"tags": final}, nil); err != nil {
		return err
	}

	return r.store.Set(appliedTagsKey, r.cfg.Tags)
}

func stringSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

const registeredContainersKey = "registered_containers"

// registerContainers is step 5: hash each discovered container's
// canonical inspection payload and POST/PUT it if the hash changed.
func (r *Reconciler) registerContainers(ctx context.Context) error {
	if r.discovery == nil {
		return nil
	}

	var registered []metric.RegisteredContainer
	if _, err := r.store.Get(registeredContainersKey, &registered); err != nil {
		return err
	}
	byDockerID := make(map[string]metric.RegisteredContainer, len(registered))
	for _, c := range registered {
		byDockerID[c.DockerID] = c
	}

	discovered := r.discovery.DiscoveredContainers()
	seen := make(map[string]bool, len(discovered))

	for _, c := range discovered {
		seen[c.DockerID] = true
		hash := hashContainer(c)

		payload := containerWire{
			Name:             c.Name,
			Command:          c.Command,
			DockerStatus:     c.DockerStatus,
			DockerCreatedAt:  nullableTime(c.DockerCreatedAt),
			DockerStartedAt:  nullableTime(c.DockerStartedAt),
			DockerFinishedAt: nullableTime(c.DockerFinishedAt),
			DockerID:         c.DockerID,
			DockerImageID:    c.DockerImageID,
			DockerImageName:  c.DockerImageName,
			DockerAPIVersion: c.DockerAPIVersion,
			DockerInspect:    c.Inspect,
		}

		existing, known := byDockerID[c.DockerID]
		var resp struct {
			ID string `json:"id"`
		}
		var err error
		if known && existing.UUID != "" {
			if existing.ConfigHash == hash {
				continue
			}
			err = r.client.do(ctx, http.MethodPut, "/v1/container/"+existing.UUID+"/", payload, &resp)
			resp.ID = existing.UUID
		} else {
			err = r.client.do(ctx, http.MethodPost, "/v1/container/", payload, &resp)
		}
		if err != nil {
			if isClientError(err) {
				continue
			}
			return err
		}

		byDockerID[c.DockerID] = metric.RegisteredContainer{
			UUID: resp.ID, DockerID: c.DockerID, ConfigHash: hash, Name: c.Name,
		}
	}

	final := make([]metric.RegisteredContainer, 0, len(byDockerID))
	for dockerID, c := range byDockerID {
		if !seen[dockerID] {
			_ = r.client.do(ctx, http.MethodDelete, "/v1/container/"+c.UUID+"/", nil, nil)
			continue
		}
		final = append(final, c)
	}

	return r.store.Set(registeredContainersKey, final)
}

// hashContainer computes a SHA-1 digest over the canonical JSON
// representation of a discovered container's name, command, status, image
// id and inspection payload.
func hashContainer(c DiscoveredContainer) string {
	canonical, _ := json.Marshal(struct {
		Name    string
		Command string
		Status  string
		Image   string
		Inspect []byte
	}{c.Name, c.Command, c.DockerStatus, c.DockerImageID, c.Inspect})
	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:])
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// registerServices is step 6: POST each discovered service that has no
// remote id yet and PUT each one that has, on every pass. Payloads are not
// compared with what was last sent, so an unchanged service is PUT again.
func (r *Reconciler) registerServices(ctx context.Context) error {
	if r.discovery == nil {
		return nil
	}

	var registered []metric.RegisteredService
	if _, err := r.store.Get(registeredServicesKey, &registered); err != nil {
		return err
	}
	byKey := make(map[string]metric.RegisteredService, len(registered))
	for _, s := range registered {
		byKey[s.Name+"/"+s.Instance] = s
	}

	for _, svc := range r.discovery.DiscoveredServices() {
		key := svc.Name + "/" + svc.Instance
		payload := serviceWire{
			Label:           svc.Name,
			Instance:        svc.Instance,
			ExePath:         svc.ExePath,
			Stack:           svc.Stack,
			Active:          svc.Active,
			ListenAddresses: strings.Join(svc.ListenOn, ","),
		}

		existing, known := byKey[key]
		var resp struct {
			ID string `json:"id"`
		}
		var err error
		if known && existing.UUID != "" {
			err = r.client.do(ctx, http.MethodPut, "/v1/service/"+existing.UUID+"/", payload, &resp)
			resp.ID = existing.UUID
		} else {
			err = r.client.do(ctx, http.MethodPost, "/v1/service/", payload, &resp)
		}
		if err != nil {
			if isClientError(err) {
				continue
			}
			return err
		}

		byKey[key] = metric.RegisteredService{UUID: resp.ID, Name: svc.Name, Instance: svc.Instance, Active: svc.Active}
	}

	final := make([]metric.RegisteredService, 0, len(byKey))
	for _, s := range byKey {
		final = append(final, s)
	}
	return r.store.Set(registeredServicesKey, final)
}

const registeredMetricsKey = "registered_metrics"

// registerMetrics is step 7: register every locally-unregistered metric,
// up to maxMetricRegisterFailures client errors per pass.
func (r *Reconciler) registerMetrics(ctx context.Context) error {
	var registered []metric.RegisteredMetric
	if _, err := r.store.Get(registeredMetricsKey, &registered); err != nil {
		return err
	}

	byLabelItem := make(map[string]*metric.RegisteredMetric, len(registered))
	for i := range registered {
		byLabelItem[registered[i].Label+"|"+registered[i].Item] = &registered[i]
	}

	pending := make([]*metric.RegisteredMetric, 0)
	for i := range registered {
		if !registered[i].IsRegistered() {
			pending = append(pending, &registered[i])
		}
	}
	shuffle(pending)

	failures := 0
	for _, m := range pending {
		if failures >= maxMetricRegisterFailures {
			break
		}

		var statusOfID string
		if m.StatusOf != "" {
			parent, ok := byLabelItem[m.StatusOf+"|"+m.Item]
			if !ok || !parent.IsRegistered() {
				continue
			}
			statusOfID = parent.UUID
		}

		payload := map[string]any{
			"agent": r.client.agentUUID,
			"label": m.Label,
		}
		if m.Item != "" {
			payload["item"] = m.Item
		}
		if statusOfID != "" {
			payload["status_of"] = statusOfID
		}
		if m.ServiceID != "" {
			payload["service"] = m.ServiceID
		}
		if m.ContainerID != "" {
			payload["container"] = m.ContainerID
		}

		var resp struct {
			ID string `json:"id"`
		}
		err := r.client.do(ctx, http.MethodPost, "/v1/metric/", payload, &resp)
		switch {
		case err == nil:
			m.UUID = resp.ID
			m.RegisteredAt = time.Now()
		case isClientError(err):
			failures++
		case isServerError(err):
			return err
		default:
			return err
		}
	}

	return r.store.Set(registeredMetricsKey, registered)
}

func shuffle(items []*metric.RegisteredMetric) {
	for i := len(items) - 1; i > 0; i-- {
		j := pseudoRandomIndex(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// pseudoRandomIndex derives a shuffle index from the current clock reading
// instead of carrying a seeded PRNG field on Reconciler; good enough to
// break head-of-queue ordering across passes.
func pseudoRandomIndex(n int) int {
	if n <= 1 {
		return 0
	}
	return int(time.Now().UnixNano() % int64(n))
}

const lastFactsKey = "last_sent_facts"

// sendFacts is step 8: POST every current fact and DELETE the ones that
// were listed last time but are no longer current, once per FactInterval.
// The remote id each POST returns is saved for the next pass's DELETEs.
func (r *Reconciler) sendFacts(ctx context.Context) error {
	if !r.lastFactsSync.IsZero() && time.Since(r.lastFactsSync) < r.cfg.FactInterval {
		return nil
	}
	if r.facts == nil {
		return nil
	}

	current := r.facts.CurrentFacts()

	var previous map[string]string
	if _, err := r.store.Get(lastFactsKey, &previous); err != nil {
		return err
	}

	sent := make(map[string]string, len(current))
	for key, value := range current {
		var resp struct {
			ID string `json:"id"`
		}
		if err := r.client.do(ctx, http.MethodPost, "/v1/agentfact/", map[string]string{"key": key, "value": value}, &resp); err != nil {
			return err
		}
		sent[key] = resp.ID
	}

	for key, id := range previous {
		if _, stillCurrent := current[key]; !stillCurrent {
			_ = r.client.do(ctx, http.MethodDelete, "/v1/agentfact/"+id+"/", nil, nil)
		}
	}

	r.lastFactsSync = time.Now()
	return r.store.Set(lastFactsKey, sent)
}
