// Package readings derives the externally visible sensor readings from
// accrual records and publishes them over MQTT and HTTP.
package readings

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/occutrack/internal/accrual"
	"github.com/goodtune/occutrack/internal/metrics"
	"github.com/goodtune/occutrack/internal/state"
)

// Publisher posts a retained reading payload to a topic. The MQTT source
// satisfies this; tests supply a recording fake.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Reading is one published measurement with its attributes.
type Reading struct {
	EntityID   string                 `json:"entity_id"`
	Name       string                 `json:"name"`
	Value      float64                `json:"value"`
	Unit       string                 `json:"unit_of_measurement"`
	Attributes map[string]interface{} `json:"attributes"`
}

type entry struct {
	id   string
	name string
}

// Registry turns accrual records into duration and activation-count
// readings for every registered source.
type Registry struct {
	states          *state.Store
	publisher       Publisher
	prefix          string
	countersEnabled bool
	now             func() time.Time
	logger          zerolog.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// New builds a registry. publisher may be nil when nothing should be
// pushed (readings are still served over HTTP).
func New(states *state.Store, publisher Publisher, prefix string, countersEnabled bool, logger zerolog.Logger) *Registry {
	return &Registry{
		states:          states,
		publisher:       publisher,
		prefix:          prefix,
		countersEnabled: countersEnabled,
		now:             time.Now,
		logger:          logger.With().Str("component", "readings").Logger(),
		entries:         make(map[string]entry),
	}
}

// SetNow overrides the clock. Tests only.
func (r *Registry) SetNow(now func() time.Time) {
	r.now = now
}

// Register makes a source's readings available. It must be called before
// the first value is applied so initial readings carry the right name.
func (r *Registry) Register(id, name string) {
	r.mu.Lock()
	_, known := r.entries[id]
	r.entries[id] = entry{id: id, name: name}
	r.mu.Unlock()
	if !known {
		r.logger.Info().Str("source", id).Str("name", name).Msg("Tracking occupancy readings")
	}
}

// Refresh recomputes and republishes the readings for one source. Unknown
// identifiers are ignored.
func (r *Registry) Refresh(id string) {
	r.mu.Lock()
	ent, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	rec, ok := r.states.Get(id)
	if !ok {
		return
	}
	r.publish(ent, rec)
}

// RefreshAll republishes every registered source, typically after a
// reconcile pass.
func (r *Registry) RefreshAll() {
	r.mu.Lock()
	ents := make([]entry, 0, len(r.entries))
	for _, ent := range r.entries {
		ents = append(ents, ent)
	}
	r.mu.Unlock()
	for _, ent := range ents {
		if rec, ok := r.states.Get(ent.id); ok {
			r.publish(ent, rec)
		}
	}
}

func (r *Registry) publish(ent entry, rec accrual.Record) {
	now := r.now()
	total := accrual.ValueAsOf(rec, now)

	metrics.OccupancySeconds.WithLabelValues(ent.id).Set(total)
	metrics.OccupancyActivations.WithLabelValues(ent.id).Set(float64(rec.TotalActivations))

	if r.publisher == nil {
		return
	}
	for _, reading := range r.project(ent, rec, now) {
		topic := fmt.Sprintf("%s/sensor/%s/state", r.prefix, reading.EntityID)
		payload, err := json.Marshal(reading)
		if err != nil {
			r.logger.Error().Err(err).Str("source", ent.id).Msg("Failed to encode reading")
			continue
		}
		if err := r.publisher.Publish(topic, payload, true); err != nil {
			r.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish reading")
		}
	}
}

// project renders the readings for one record. With counters disabled the
// count reading and activation attributes are dropped at this boundary;
// the underlying record always keeps them.
func (r *Registry) project(ent entry, rec accrual.Record, now time.Time) []Reading {
	attrs := map[string]interface{}{
		"source_entity_id":          ent.id,
		"source_name":               ent.name,
		"current_occupancy_seconds": accrual.SessionSeconds(rec, now),
		"last_triggered":            optionalTime(rec.LastTriggered),
		"on_since":                  optionalTime(rec.OnSince),
	}
	if r.countersEnabled {
		attrs["total_activations"] = rec.TotalActivations
	}

	out := []Reading{{
		EntityID:   ent.id + "_occupancy_total",
		Name:       ent.name + " Occupancy Time",
		Value:      accrual.ValueAsOf(rec, now),
		Unit:       "s",
		Attributes: attrs,
	}}
	if r.countersEnabled {
		out = append(out, Reading{
			EntityID: ent.id + "_occupancy_count",
			Name:     ent.name + " Occupancy Count",
			Value:    float64(rec.TotalActivations),
			Unit:     "",
			Attributes: map[string]interface{}{
				"source_entity_id": ent.id,
				"source_name":      ent.name,
				"last_triggered":   optionalTime(rec.LastTriggered),
			},
		})
	}
	return out
}

// Handler serves the current readings as JSON on GET /readings.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		now := r.now()

		r.mu.Lock()
		ents := make([]entry, 0, len(r.entries))
		for _, ent := range r.entries {
			ents = append(ents, ent)
		}
		r.mu.Unlock()
		sort.Slice(ents, func(i, j int) bool { return ents[i].id < ents[j].id })

		readings := make([]Reading, 0, len(ents)*2)
		for _, ent := range ents {
			rec, ok := r.states.Get(ent.id)
			if !ok {
				continue
			}
			readings = append(readings, r.project(ent, rec, now)...)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(readings); err != nil {
			r.logger.Error().Err(err).Msg("Failed to encode readings response")
		}
	})
}

func optionalTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
