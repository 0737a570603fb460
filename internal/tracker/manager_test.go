package tracker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/occutrack/internal/accrual"
	"github.com/goodtune/occutrack/internal/readings"
	"github.com/goodtune/occutrack/internal/source"
	"github.com/goodtune/occutrack/internal/state"
	"github.com/goodtune/occutrack/internal/storage"
)

type nopBackend struct{}

func (nopBackend) LoadStates(context.Context) (map[string]storage.SourceState, error) {
	return nil, nil
}
func (nopBackend) LoadState(context.Context, string) (storage.SourceState, error) {
	return storage.SourceState{}, storage.ErrNotFound
}
func (nopBackend) SaveStates(context.Context, map[string]storage.SourceState) error { return nil }
func (nopBackend) Close() error                                                     { return nil }

func newTestManager(t *testing.T, fake *source.Fake) (*Manager, *state.Store) {
	t.Helper()
	states := state.New(nopBackend{}, time.Hour, zerolog.Nop())
	reg := readings.New(states, nil, "occutrack", true, zerolog.Nop())
	return New(fake, fake, states, reg, time.Minute, zerolog.Nop()), states
}

func TestReconcileSeedsAndAccrues(t *testing.T) {
	fake := source.NewFake()
	fake.SetCandidate("hall_motion", "Hall", accrual.ValueOn)
	fake.SetCandidate("porch_motion", "Porch", accrual.ValueOff)

	m, states := newTestManager(t, fake)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	m.Reconcile(context.Background())

	hall, ok := states.Get("hall_motion")
	if !ok {
		t.Fatal("hall_motion not seeded")
	}
	if hall.TotalActivations != 1 || !hall.Open() {
		t.Errorf("hall_motion = %+v, want one open activation", hall)
	}
	porch, ok := states.Get("porch_motion")
	if !ok {
		t.Fatal("porch_motion not seeded")
	}
	if porch.TotalActivations != 0 || porch.Open() {
		t.Errorf("porch_motion = %+v, want untouched zero record", porch)
	}
	if fake.Subscribes != 1 {
		t.Errorf("Subscribes = %d, want 1", fake.Subscribes)
	}

	// A second pass over the same set extends the open session without a
	// new activation and without resubscribing.
	now = now.Add(30 * time.Second)
	m.Reconcile(context.Background())

	hall, _ = states.Get("hall_motion")
	if hall.TotalSeconds != 30 {
		t.Errorf("TotalSeconds = %v, want 30", hall.TotalSeconds)
	}
	if hall.TotalActivations != 1 {
		t.Errorf("TotalActivations = %d, want 1", hall.TotalActivations)
	}
	if fake.Subscribes != 1 {
		t.Errorf("Subscribes = %d after unchanged set, want 1", fake.Subscribes)
	}
}

type recordingPublisher struct {
	payloads []string
}

func (p *recordingPublisher) Publish(topic string, payload []byte, retained bool) error {
	p.payloads = append(p.payloads, string(payload))
	return nil
}

func TestReconcileRegistersBeforePublishing(t *testing.T) {
	fake := source.NewFake()
	fake.SetCandidate("hall_motion", "Hall Motion", accrual.ValueOn)

	states := state.New(nopBackend{}, time.Hour, zerolog.Nop())
	pub := &recordingPublisher{}
	reg := readings.New(states, pub, "occutrack", true, zerolog.Nop())
	m := New(fake, fake, states, reg, time.Minute, zerolog.Nop())

	m.Reconcile(context.Background())

	// The first publication after discovery must already carry the
	// source's announced name and the applied activation.
	if len(pub.payloads) == 0 {
		t.Fatal("no readings published after reconcile")
	}
	first := pub.payloads[0]
	if !strings.Contains(first, "Hall Motion") {
		t.Errorf("reading published before registration: %s", first)
	}
	if !strings.Contains(first, `"total_activations":1`) {
		t.Errorf("reading missing applied activation: %s", first)
	}
}

func TestResubscribeOnSetChange(t *testing.T) {
	fake := source.NewFake()
	fake.SetCandidate("hall_motion", "Hall", accrual.ValueOff)

	m, _ := newTestManager(t, fake)
	m.Reconcile(context.Background())

	fake.SetCandidate("porch_motion", "Porch", accrual.ValueOff)
	m.Reconcile(context.Background())

	if fake.Subscribes != 2 {
		t.Errorf("Subscribes = %d, want 2", fake.Subscribes)
	}
	if fake.Cancels != 1 {
		t.Errorf("Cancels = %d, want 1", fake.Cancels)
	}
	if fake.ActiveSubscriptions() != 1 {
		t.Errorf("ActiveSubscriptions = %d, want 1", fake.ActiveSubscriptions())
	}
}

func TestVanishedSourceKeepsRecord(t *testing.T) {
	fake := source.NewFake()
	fake.SetCandidate("hall_motion", "Hall", accrual.ValueOn)

	m, states := newTestManager(t, fake)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })
	m.Reconcile(context.Background())

	fake.RemoveCandidate("hall_motion")
	now = now.Add(time.Minute)
	m.Reconcile(context.Background())

	rec, ok := states.Get("hall_motion")
	if !ok {
		t.Fatal("record evicted after source vanished")
	}
	if rec.TotalActivations != 1 {
		t.Errorf("TotalActivations = %d, want 1", rec.TotalActivations)
	}
}

func TestSnapshotErrorRetries(t *testing.T) {
	fake := source.NewFake()
	fake.SetCandidate("hall_motion", "Hall", accrual.ValueOff)
	fake.SnapshotErr = errors.New("broker unreachable")

	m, states := newTestManager(t, fake)
	m.Reconcile(context.Background())

	if states.Len() != 0 {
		t.Fatalf("records seeded despite snapshot failure: %d", states.Len())
	}
	if fake.Subscribes != 0 {
		t.Errorf("Subscribes = %d during failure, want 0", fake.Subscribes)
	}

	fake.SnapshotErr = nil
	m.Reconcile(context.Background())
	if _, ok := states.Get("hall_motion"); !ok {
		t.Fatal("record not seeded after snapshot recovered")
	}
}

func TestEventDispatchRules(t *testing.T) {
	fake := source.NewFake()
	m, states := newTestManager(t, fake)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	// Unknown values never touch records.
	m.handleEvent(source.Event{ID: "hall_motion", Value: accrual.ValueUnknown})
	if states.Len() != 0 {
		t.Fatalf("unknown value created a record")
	}

	// Untracked identifiers get an implicit zero record first.
	m.handleEvent(source.Event{ID: "hall_motion", Value: accrual.ValueOn})
	rec, ok := states.Get("hall_motion")
	if !ok {
		t.Fatal("event did not create implicit record")
	}
	if rec.TotalActivations != 1 || !rec.Open() {
		t.Errorf("record = %+v, want one open activation", rec)
	}

	now = now.Add(12 * time.Second)
	m.handleEvent(source.Event{ID: "hall_motion", Value: accrual.ValueOff})
	rec, _ = states.Get("hall_motion")
	if rec.TotalSeconds != 12 {
		t.Errorf("TotalSeconds = %v, want 12", rec.TotalSeconds)
	}
	if rec.Open() {
		t.Errorf("session still open after off event")
	}
}

func TestRunDeliversEvents(t *testing.T) {
	fake := source.NewFake()
	fake.SetCandidate("hall_motion", "Hall", accrual.ValueOff)

	m, states := newTestManager(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for fake.ActiveSubscriptions() == 0 {
		select {
		case <-deadline:
			t.Fatal("manager never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	fake.Emit("hall_motion", accrual.ValueOn)
	for {
		if rec, ok := states.Get("hall_motion"); ok && rec.TotalActivations == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("event never applied")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if fake.ActiveSubscriptions() != 0 {
		t.Errorf("subscription not cancelled on shutdown")
	}
}
