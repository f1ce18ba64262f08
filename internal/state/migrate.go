package state

import (
	"encoding/json"
	"log/slog"
)

// migration is one idempotent state-shape upgrade, applied once in order at
// startup. New migrations are appended; existing ones are never edited
// in place once released, so a state file's migration history stays
// reproducible across versions.
type migration struct {
	name  string
	apply func(s *Store, logger *slog.Logger) error
}

// Migrations lists every migration in the order they must run.
var Migrations = []migration{
	{name: "rekey_elasticsearch_search_time", apply: migrateElasticsearchSearchTimeKey},
	{name: "default_service_active_stack", apply: migrateServiceDefaults},
	{name: "drop_udp6_extra_ports", apply: migrateDropUDP6ExtraPorts},
}

// ApplyMigrations runs every migration against s, in order, logging each
// one it actually changes something for. Migrations never run during
// normal operation, only once at startup before anything else touches the
// store.
func ApplyMigrations(s *Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, m := range Migrations {
		if err := m.apply(s, logger.With("migration", m.name)); err != nil {
			return err
		}
	}
	return nil
}

// migrateElasticsearchSearchTimeKey copies the value stored under the
// legacy key elasticsearch_search_time, unchanged, to
// elasticsearch_search_time_ms and deletes the legacy key. The value's own
// contents are not re-keyed or converted.
func migrateElasticsearchSearchTimeKey(s *Store, logger *slog.Logger) error {
	const oldKey = "elasticsearch_search_time"
	const newKey = "elasticsearch_search_time_ms"

	var legacy json.RawMessage
	found, err := s.Get(oldKey, &legacy)
	if err != nil || !found {
		return nil
	}

	if err := s.Set(newKey, legacy); err != nil {
		return err
	}
	logger.Info("renamed legacy state key", "from", oldKey, "to", newKey)
	return s.Delete(oldKey)
}

// registeredServiceRaw is the minimal shape migrateServiceDefaults needs;
// it decodes only the fields it touches and leaves everything else in the
// raw JSON object alone.
type registeredServiceRaw map[string]interface{}

// migrateServiceDefaults fills in "active" and "stack" on any registered
// service saved by an older agent version that didn't record them.
func migrateServiceDefaults(s *Store, logger *slog.Logger) error {
	const key = "registered_services"

	var services []registeredServiceRaw
	found, err := s.Get(key, &services)
	if err != nil || !found {
		return nil
	}

	changed := false
	for _, svc := range services {
		if _, ok := svc["active"]; !ok {
			svc["active"] = true
			changed = true
		}
		if _, ok := svc["stack"]; !ok {
			svc["stack"] = ""
			changed = true
		}
	}

	if !changed {
		return nil
	}
	logger.Info("backfilled default fields on registered services", "count", len(services))
	return s.Set(key, services)
}

// migrateDropUDP6ExtraPorts strips the "/udp6" entries an older discovery
// pass could add to a service's extra_info["extra_ports"] map; the agent
// no longer distinguishes udp6 from udp for listening ports.
func migrateDropUDP6ExtraPorts(s *Store, logger *slog.Logger) error {
	const key = "discovered_services"

	var services []map[string]interface{}
	found, err := s.Get(key, &services)
	if err != nil || !found {
		return nil
	}

	changed := false
	for _, svc := range services {
		extra, ok := svc["extra_info"].(map[string]interface{})
		if !ok {
			continue
		}
		ports, ok := extra["extra_ports"].(map[string]interface{})
		if !ok {
			continue
		}
		for portKey := range ports {
			if len(portKey) > 5 && portKey[len(portKey)-5:] == "/udp6" {
				delete(ports, portKey)
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}
	logger.Info("dropped /udp6 extra_ports keys", "count", len(services))
	return s.Set(key, services)
}
