package readings

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/occutrack/internal/accrual"
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

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	messages []published
}

func (p *fakePublisher) Publish(topic string, payload []byte, retained bool) error {
	p.messages = append(p.messages, published{topic: topic, payload: payload, retained: retained})
	return nil
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	return state.New(nopBackend{}, time.Hour, zerolog.Nop())
}

func seedRecord(states *state.Store, id string, now time.Time) accrual.Record {
	open := now.Add(-30 * time.Second)
	rec := accrual.Record{
		TotalSeconds:     120,
		TotalActivations: 4,
		OnSince:          &open,
		LastUpdated:      &open,
		LastTriggered:    &open,
	}
	states.Put(id, rec)
	return rec
}

func TestRefreshPublishesDurationAndCount(t *testing.T) {
	states := newTestStore(t)
	pub := &fakePublisher{}
	reg := New(states, pub, "occutrack", true, zerolog.Nop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.SetNow(func() time.Time { return now })

	reg.Register("hall_motion", "Hall Motion")
	seedRecord(states, "hall_motion", now)
	reg.Refresh("hall_motion")

	if len(pub.messages) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.messages))
	}
	for _, m := range pub.messages {
		if !m.retained {
			t.Errorf("message to %s not retained", m.topic)
		}
	}
	if got, want := pub.messages[0].topic, "occutrack/sensor/hall_motion_occupancy_total/state"; got != want {
		t.Fatalf("duration topic = %q, want %q", got, want)
	}

	var reading Reading
	if err := json.Unmarshal(pub.messages[0].payload, &reading); err != nil {
		t.Fatalf("unmarshal duration reading: %v", err)
	}
	if reading.Value != 150 {
		t.Errorf("duration value = %v, want 150", reading.Value)
	}
	if reading.Unit != "s" {
		t.Errorf("unit = %q, want s", reading.Unit)
	}
	if reading.Attributes["source_name"] != "Hall Motion" {
		t.Errorf("source_name = %v", reading.Attributes["source_name"])
	}
	if reading.Attributes["current_occupancy_seconds"] != float64(30) {
		t.Errorf("current_occupancy_seconds = %v, want 30", reading.Attributes["current_occupancy_seconds"])
	}
	if reading.Attributes["total_activations"] != float64(4) {
		t.Errorf("total_activations = %v, want 4", reading.Attributes["total_activations"])
	}

	var count Reading
	if err := json.Unmarshal(pub.messages[1].payload, &count); err != nil {
		t.Fatalf("unmarshal count reading: %v", err)
	}
	if count.EntityID != "hall_motion_occupancy_count" {
		t.Errorf("count entity = %q", count.EntityID)
	}
	if count.Value != 4 {
		t.Errorf("count value = %v, want 4", count.Value)
	}
}

func TestCountersDisabledDropsCountReading(t *testing.T) {
	states := newTestStore(t)
	pub := &fakePublisher{}
	reg := New(states, pub, "occutrack", false, zerolog.Nop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.SetNow(func() time.Time { return now })

	reg.Register("hall_motion", "Hall Motion")
	seedRecord(states, "hall_motion", now)
	reg.Refresh("hall_motion")

	if len(pub.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.messages))
	}
	var reading Reading
	if err := json.Unmarshal(pub.messages[0].payload, &reading); err != nil {
		t.Fatalf("unmarshal reading: %v", err)
	}
	if _, ok := reading.Attributes["total_activations"]; ok {
		t.Errorf("total_activations present with counters disabled: %v", reading.Attributes)
	}
}

func TestRefreshUnknownSourceIsNoop(t *testing.T) {
	states := newTestStore(t)
	pub := &fakePublisher{}
	reg := New(states, pub, "occutrack", true, zerolog.Nop())

	reg.Refresh("nobody")
	if len(pub.messages) != 0 {
		t.Fatalf("published %d messages for unknown source, want 0", len(pub.messages))
	}
}

func TestHandlerServesReadings(t *testing.T) {
	states := newTestStore(t)
	reg := New(states, nil, "occutrack", true, zerolog.Nop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.SetNow(func() time.Time { return now })

	reg.Register("zeta_motion", "Zeta")
	reg.Register("alpha_motion", "Alpha")
	seedRecord(states, "zeta_motion", now)
	seedRecord(states, "alpha_motion", now)

	rr := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/readings", nil))
	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var readings []Reading
	if err := json.Unmarshal(rr.Body.Bytes(), &readings); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(readings) != 4 {
		t.Fatalf("got %d readings, want 4", len(readings))
	}
	if readings[0].EntityID != "alpha_motion_occupancy_total" {
		t.Errorf("readings not sorted by source: first = %q", readings[0].EntityID)
	}

	rr = httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, httptest.NewRequest("POST", "/readings", nil))
	if rr.Code != 405 {
		t.Fatalf("POST status = %d, want 405", rr.Code)
	}
}
