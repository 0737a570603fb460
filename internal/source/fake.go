package source

import (
	"context"
	"sort"
	"sync"

	"github.com/goodtune/occutrack/internal/accrual"
)

// Fake is an in-memory Provider and EventSource for tests.
type Fake struct {
	mu         sync.Mutex
	candidates map[string]Candidate
	subs       map[*fakeSubscription]struct{}

	SnapshotErr error
	Subscribes  int
	Cancels     int
}

// NewFake creates an empty fake source.
func NewFake() *Fake {
	return &Fake{
		candidates: make(map[string]Candidate),
		subs:       make(map[*fakeSubscription]struct{}),
	}
}

// SetCandidate adds or updates a discoverable source.
func (f *Fake) SetCandidate(id, name string, v accrual.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates[id] = Candidate{ID: id, Name: name, Value: v}
}

// RemoveCandidate drops a source from future snapshots.
func (f *Fake) RemoveCandidate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.candidates, id)
}

// Snapshot returns the current candidates, sorted for determinism.
func (f *Fake) Snapshot(ctx context.Context) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SnapshotErr != nil {
		return nil, f.SnapshotErr
	}
	out := make([]Candidate, 0, len(f.candidates))
	for _, c := range f.candidates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Subscribe registers a handler for the given identifier set.
func (f *Fake) Subscribe(ids []string, handler func(Event)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &fakeSubscription{src: f, handler: handler, ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		sub.ids[id] = struct{}{}
	}
	f.subs[sub] = struct{}{}
	f.Subscribes++
	return sub, nil
}

// Emit delivers an event to every live subscription covering the id.
func (f *Fake) Emit(id string, v accrual.Value) {
	f.mu.Lock()
	handlers := make([]func(Event), 0, len(f.subs))
	for sub := range f.subs {
		if _, ok := sub.ids[id]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(Event{ID: id, Value: v})
	}
}

// ActiveSubscriptions returns the number of uncancelled subscriptions.
func (f *Fake) ActiveSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeSubscription struct {
	src     *Fake
	handler func(Event)
	ids     map[string]struct{}
}

func (s *fakeSubscription) Cancel() {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	if _, ok := s.src.subs[s]; ok {
		delete(s.src.subs, s)
		s.src.Cancels++
	}
}
