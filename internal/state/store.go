// Package state owns the in-memory identifier -> accrual record mapping and
// the debounced persistence of it.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/occutrack/internal/accrual"
	"github.com/goodtune/occutrack/internal/metrics"
	"github.com/goodtune/occutrack/internal/storage"
	"github.com/rs/zerolog"
)

// maxUnflushedFactor bounds the trailing-edge debounce: however often saves
// are rescheduled, a flush fires no later than this many save delays after
// the first unflushed mutation.
const maxUnflushedFactor = 6

// Store holds the authoritative accrual records for the process lifetime.
// The mapping is owned exclusively here; the accrual engine only ever sees
// record values handed out per key.
type Store struct {
	backend storage.Store
	logger  zerolog.Logger

	saveDelay    time.Duration
	maxUnflushed time.Duration
	now          func() time.Time

	mu         sync.Mutex
	states     map[string]accrual.Record
	timer      *time.Timer
	timerGen   uint64
	dirtySince time.Time

	// flushMu serializes snapshot-and-write pairs. Snapshots are taken
	// while it is held, so a later flush can never persist older state
	// than an earlier one. Lock order is flushMu before mu.
	flushMu sync.Mutex
}

// New creates a store persisting through backend with the given debounce
// delay.
func New(backend storage.Store, saveDelay time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		backend:      backend,
		logger:       logger.With().Str("component", "state-store").Logger(),
		saveDelay:    saveDelay,
		maxUnflushed: maxUnflushedFactor * saveDelay,
		now:          time.Now,
		states:       make(map[string]accrual.Record),
	}
}

// Load reads the persisted document once at startup. A load failure is not
// fatal: the store starts empty and in-memory state becomes authoritative.
func (s *Store) Load(ctx context.Context) {
	persisted, err := s.backend.LoadStates(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load persisted state, starting empty")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range persisted {
		s.states[id] = recordFromStorage(state)
	}
	s.logger.Info().Int("sources", len(s.states)).Msg("Loaded persisted state")
}

// Get returns the record for id, if tracked.
func (s *Store) Get(id string) (accrual.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[id]
	return rec, ok
}

// GetOrCreate returns the record for id, inserting a zero-valued one the
// first time the identifier is seen.
func (s *Store) GetOrCreate(id string) accrual.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[id]
	if !ok {
		rec = accrual.Record{}
		s.states[id] = rec
	}
	return rec
}

// Put stores the record for id.
func (s *Store) Put(id string, rec accrual.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = rec
}

// All returns a copy of the current mapping.
func (s *Store) All() map[string]accrual.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]accrual.Record, len(s.states))
	for id, rec := range s.states {
		out[id] = rec
	}
	return out
}

// Len returns the number of tracked identifiers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// ScheduleSave requests a debounced flush of the full mapping. Each call
// re-arms the window (trailing edge) but never beyond maxUnflushed after
// the first call in the window, so a steady stream of mutations cannot
// starve the flush indefinitely.
func (s *Store) ScheduleSave() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.timer == nil {
		s.dirtySince = now
		s.armLocked(s.saveDelay)
		return
	}

	deadline := now.Add(s.saveDelay)
	if bound := s.dirtySince.Add(s.maxUnflushed); deadline.After(bound) {
		deadline = bound
	}
	delay := deadline.Sub(now)
	if delay < 0 {
		delay = 0
	}
	// A fresh timer rather than Reset: the old one may already have fired
	// with its callback parked on a lock, and a Reset would re-arm it for
	// a second run of the same window. The generation check in
	// flushExpired drops such superseded callbacks.
	s.timer.Stop()
	s.armLocked(delay)
}

// armLocked starts a new generation-tagged timer. Caller holds mu.
func (s *Store) armLocked(delay time.Duration) {
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(delay, func() { s.flushExpired(gen) })
}

// Flush cancels any pending debounce and writes the current mapping now.
// Used on shutdown. The snapshot is taken under flushMu, after any
// in-flight debounced write has finished, so the state it persists is
// never older than what that write carried.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// Invalidate any callback that already fired but has not run yet.
	s.timerGen++
	s.dirtySince = time.Time{}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.write(ctx, snapshot)
}

// flushExpired runs when the debounce timer fires. flushMu is taken before
// the snapshot so a concurrent Flush cannot be overwritten with older
// state afterwards. The timer slot is released before the write starts, so
// mutations arriving during the write coalesce into a fresh window.
func (s *Store) flushExpired(gen uint64) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if gen != s.timerGen {
		// Superseded by a newer window or an explicit Flush.
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.dirtySince = time.Time{}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.write(context.Background(), snapshot); err != nil {
		// In-memory state stays authoritative; retry after another delay.
		s.mu.Lock()
		if s.timer == nil {
			s.dirtySince = s.now()
			s.armLocked(s.saveDelay)
		}
		s.mu.Unlock()
	}
}

func (s *Store) snapshotLocked() map[string]storage.SourceState {
	snapshot := make(map[string]storage.SourceState, len(s.states))
	for id, rec := range s.states {
		snapshot[id] = recordToStorage(rec)
	}
	return snapshot
}

// write persists one snapshot. Caller holds flushMu.
func (s *Store) write(ctx context.Context, snapshot map[string]storage.SourceState) error {
	if err := s.backend.SaveStates(ctx, snapshot); err != nil {
		metrics.StateSaveErrors.Inc()
		s.logger.Error().Err(err).Int("sources", len(snapshot)).Msg("Failed to persist state")
		return err
	}
	metrics.StateSaves.Inc()
	s.logger.Debug().Int("sources", len(snapshot)).Msg("Persisted state")
	return nil
}

func recordFromStorage(state storage.SourceState) accrual.Record {
	return accrual.Record{
		TotalSeconds:     state.TotalSeconds,
		TotalActivations: state.TotalActivations,
		OnSince:          state.OnSince,
		LastUpdated:      state.LastUpdated,
		LastTriggered:    state.LastTriggered,
	}
}

func recordToStorage(rec accrual.Record) storage.SourceState {
	return storage.SourceState{
		TotalSeconds:     rec.TotalSeconds,
		TotalActivations: rec.TotalActivations,
		OnSince:          rec.OnSince,
		LastUpdated:      rec.LastUpdated,
		LastTriggered:    rec.LastTriggered,
	}
}
