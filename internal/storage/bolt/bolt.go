// Package bolt implements storage.Store on a local bbolt database.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/occutrack/internal/storage"
	"go.etcd.io/bbolt"
)

const bucketStates = "occupancy_states"

// Store is a BoltDB-backed storage.Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a BoltDB-backed store at path.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketStates))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create states bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadStates reads every persisted source state. Entries that fail to
// decode are skipped so one corrupt value cannot poison the whole load.
func (s *Store) LoadStates(ctx context.Context) (map[string]storage.SourceState, error) {
	states := make(map[string]storage.SourceState)
	return states, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketStates))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var state storage.SourceState
			if err := json.Unmarshal(v, &state); err != nil {
				return nil // skip malformed entry
			}
			states[string(k)] = state
			return nil
		})
	})
}

// LoadState reads the persisted state for one identifier. Returns
// storage.ErrNotFound when the identifier has never been saved.
func (s *Store) LoadState(ctx context.Context, id string) (storage.SourceState, error) {
	var state storage.SourceState
	if err := ctx.Err(); err != nil {
		return state, err
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketStates))
		if b == nil {
			return storage.ErrNotFound
		}
		v := b.Get([]byte(id))
		if v == nil {
			return storage.ErrNotFound
		}
		if err := json.Unmarshal(v, &state); err != nil {
			return fmt.Errorf("decode state %s: %w", id, err)
		}
		return nil
	})
	return state, err
}

// SaveStates writes the full mapping in one transaction. Record existence
// is append-only upstream, so stale keys are never left behind.
func (s *Store) SaveStates(ctx context.Context, states map[string]storage.SourceState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketStates))
		if b == nil {
			return fmt.Errorf("states bucket missing")
		}
		for id, state := range states {
			data, err := json.Marshal(state)
			if err != nil {
				return fmt.Errorf("marshal state %s: %w", id, err)
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}
