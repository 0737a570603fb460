package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/occutrack/internal/storage"
	"go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "occutrack.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	onSince := time.Date(2025, 6, 1, 12, 0, 0, 500_000_000, time.UTC)
	lastUpdated := onSince.Add(30 * time.Second)
	lastTriggered := onSince

	in := map[string]storage.SourceState{
		"binary_sensor.hallway_motion": {
			TotalSeconds:     123.456,
			TotalActivations: 7,
			OnSince:          &onSince,
			LastUpdated:      &lastUpdated,
			LastTriggered:    &lastTriggered,
		},
		"binary_sensor.garage_presence": {
			TotalSeconds:     0,
			TotalActivations: 0,
		},
	}

	if err := store.SaveStates(context.Background(), in); err != nil {
		t.Fatalf("save states: %v", err)
	}

	out, err := store.LoadStates(context.Background())
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 states, got %d", len(out))
	}

	hall := out["binary_sensor.hallway_motion"]
	if hall.TotalSeconds != 123.456 {
		t.Errorf("expected total seconds 123.456, got %f", hall.TotalSeconds)
	}
	if hall.TotalActivations != 7 {
		t.Errorf("expected 7 activations, got %d", hall.TotalActivations)
	}
	if hall.OnSince == nil || !hall.OnSince.Equal(onSince) {
		t.Errorf("expected on_since %v, got %v", onSince, hall.OnSince)
	}
	if hall.LastUpdated == nil || !hall.LastUpdated.Equal(lastUpdated) {
		t.Errorf("expected last_updated %v, got %v", lastUpdated, hall.LastUpdated)
	}

	garage := out["binary_sensor.garage_presence"]
	if garage.OnSince != nil || garage.LastUpdated != nil || garage.LastTriggered != nil {
		t.Error("expected absent timestamps to load as nil")
	}
}

func TestLoadEmptyStore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	out, err := store.LoadStates(context.Background())
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty map on first run, got %d entries", len(out))
	}
}

func TestLoadSkipsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occutrack.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	good := map[string]storage.SourceState{
		"binary_sensor.ok": {TotalSeconds: 5, TotalActivations: 1},
	}
	if err := store.SaveStates(context.Background(), good); err != nil {
		t.Fatalf("save states: %v", err)
	}

	// Inject a corrupt value under another key.
	if err := store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketStates)).Put([]byte("binary_sensor.broken"), []byte("{not json"))
	}); err != nil {
		t.Fatalf("inject corrupt entry: %v", err)
	}

	out, err := store.LoadStates(context.Background())
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected corrupt entry to be skipped, got %d entries", len(out))
	}
	if out["binary_sensor.ok"].TotalSeconds != 5 {
		t.Error("expected intact entry to survive")
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	first := map[string]storage.SourceState{
		"binary_sensor.hallway_motion": {TotalSeconds: 1, TotalActivations: 1},
	}
	if err := store.SaveStates(context.Background(), first); err != nil {
		t.Fatalf("save states: %v", err)
	}

	second := map[string]storage.SourceState{
		"binary_sensor.hallway_motion": {TotalSeconds: 99, TotalActivations: 4},
	}
	if err := store.SaveStates(context.Background(), second); err != nil {
		t.Fatalf("save states: %v", err)
	}

	out, err := store.LoadStates(context.Background())
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	if out["binary_sensor.hallway_motion"].TotalSeconds != 99 {
		t.Fatalf("expected latest write to win, got %f", out["binary_sensor.hallway_motion"].TotalSeconds)
	}
}

func TestLoadStatePointLookup(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	onSince := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := map[string]storage.SourceState{
		"binary_sensor.hallway_motion": {
			TotalSeconds:     45,
			TotalActivations: 3,
			OnSince:          &onSince,
		},
	}
	if err := store.SaveStates(context.Background(), in); err != nil {
		t.Fatalf("save states: %v", err)
	}

	got, err := store.LoadState(context.Background(), "binary_sensor.hallway_motion")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if got.TotalSeconds != 45 || got.TotalActivations != 3 || got.OnSince == nil {
		t.Fatalf("unexpected state: %+v", got)
	}

	_, err = store.LoadState(context.Background(), "binary_sensor.nobody")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing id, got %v", err)
	}
}
