// Package tracker drives occupancy accrual: a periodic reconcile pass over
// the discovered sources plus push-based state change events, all applied
// from a single goroutine.
package tracker

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/occutrack/internal/accrual"
	"github.com/goodtune/occutrack/internal/metrics"
	"github.com/goodtune/occutrack/internal/readings"
	"github.com/goodtune/occutrack/internal/source"
	"github.com/goodtune/occutrack/internal/state"
)

const eventBuffer = 128

// Manager owns the reconcile loop and the event dispatcher. All record
// mutations happen on the Run goroutine.
type Manager struct {
	provider source.Provider
	events   source.EventSource
	states   *state.Store
	readings *readings.Registry
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	eventCh chan source.Event
	sub     source.Subscription
	tracked []string
}

// New builds a manager. interval is how often the provider is rescanned.
func New(provider source.Provider, events source.EventSource, states *state.Store, reg *readings.Registry, interval time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		provider: provider,
		events:   events,
		states:   states,
		readings: reg,
		interval: interval,
		now:      time.Now,
		logger:   logger.With().Str("component", "tracker").Logger(),
		eventCh:  make(chan source.Event, eventBuffer),
	}
}

// SetNow overrides the clock. Tests only.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// Run reconciles immediately, then loops on the rescan ticker and incoming
// events until ctx is cancelled. Pending state is flushed by the caller.
func (m *Manager) Run(ctx context.Context) {
	m.reconcile(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.cancelSubscription()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcile(ctx)
		case ev := <-m.eventCh:
			m.handleEvent(ev)
		}
	}
}

// Reconcile runs one pass outside the normal tick, for tests and the
// readiness probe.
func (m *Manager) Reconcile(ctx context.Context) {
	m.reconcile(ctx)
}

// reconcile enumerates the provider, seeds records for new sources,
// re-applies every candidate's current value and refreshes the
// subscription when the tracked set changed.
func (m *Manager) reconcile(ctx context.Context) {
	metrics.ReconcileRuns.Inc()

	candidates, err := m.provider.Snapshot(ctx)
	if err != nil {
		metrics.ReconcileErrors.Inc()
		m.logger.Warn().Err(err).Msg("Source snapshot failed, will retry next interval")
		return
	}

	now := m.now()
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)

		if _, known := m.states.Get(c.ID); !known {
			m.states.GetOrCreate(c.ID)
			m.logger.Info().Str("source", c.ID).Msg("Discovered occupancy source")
		}
		m.readings.Register(c.ID, c.Name)

		rec, _ := m.states.Get(c.ID)
		m.states.Put(c.ID, accrual.Apply(rec, c.Value, now))
	}
	sort.Strings(ids)

	if !equalIDs(m.tracked, ids) {
		m.resubscribe(ids)
	}

	m.states.ScheduleSave()
	m.readings.RefreshAll()
	metrics.SourcesTracked.Set(float64(len(ids)))
}

// resubscribe swaps the event subscription to cover ids. The new
// subscription is created before the old one is cancelled so no event is
// dropped in between.
func (m *Manager) resubscribe(ids []string) {
	sub, err := m.events.Subscribe(ids, m.enqueue)
	if err != nil {
		metrics.ReconcileErrors.Inc()
		m.logger.Error().Err(err).Msg("Failed to subscribe to source events")
		return
	}
	old := m.sub
	m.sub = sub
	m.tracked = ids
	if old != nil {
		old.Cancel()
	}
	m.logger.Debug().Int("sources", len(ids)).Msg("Updated event subscription")
}

func (m *Manager) cancelSubscription() {
	if m.sub != nil {
		m.sub.Cancel()
		m.sub = nil
	}
}

// enqueue hands an event to the Run goroutine. Events are dropped rather
// than blocking the source's delivery path when the buffer is full.
func (m *Manager) enqueue(ev source.Event) {
	select {
	case m.eventCh <- ev:
	default:
		m.logger.Warn().Str("source", ev.ID).Msg("Event buffer full, dropping event")
	}
}

func (m *Manager) handleEvent(ev source.Event) {
	if ev.Value == accrual.ValueUnknown {
		m.logger.Debug().Str("source", ev.ID).Msg("Ignoring unknown source value")
		return
	}
	metrics.EventsTotal.WithLabelValues(ev.Value.String()).Inc()

	rec, known := m.states.Get(ev.ID)
	if !known {
		rec = m.states.GetOrCreate(ev.ID)
	}
	m.states.Put(ev.ID, accrual.Apply(rec, ev.Value, m.now()))
	m.states.ScheduleSave()
	m.readings.Refresh(ev.ID)
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
