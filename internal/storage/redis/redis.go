// Package redis implements storage.Store on a Redis server: one hash per
// source identifier plus an index set of known identifiers.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/occutrack/internal/config"
	"github.com/goodtune/occutrack/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyIndex     = "occutrack:states"
	keyStateFmt  = "occutrack:state:%s"
	timeLayout   = time.RFC3339Nano
	pingDeadline = 5 * time.Second
)

// Store is a Redis-backed storage.Store.
type Store struct {
	client *redis.Client
}

// Open creates a Redis-backed store and verifies connectivity.
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingDeadline)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// LoadStates fetches every indexed source state. Hashes that fail to parse
// are skipped rather than failing the whole load.
func (s *Store) LoadStates(ctx context.Context) (map[string]storage.SourceState, error) {
	ids, err := s.client.SMembers(ctx, keyIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list state index: %w", err)
	}

	states := make(map[string]storage.SourceState, len(ids))
	if len(ids) == 0 {
		return states, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, fmt.Sprintf(keyStateFmt, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}

	for i, id := range ids {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		state, err := parseSourceState(fields)
		if err != nil {
			continue // skip malformed entry
		}
		states[id] = state
	}
	return states, nil
}

// LoadState reads the persisted state for one identifier. Returns
// storage.ErrNotFound when the hash does not exist.
func (s *Store) LoadState(ctx context.Context, id string) (storage.SourceState, error) {
	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(keyStateFmt, id)).Result()
	if err != nil {
		return storage.SourceState{}, fmt.Errorf("fetch state %s: %w", id, err)
	}
	if len(fields) == 0 {
		return storage.SourceState{}, storage.ErrNotFound
	}
	return parseSourceState(fields)
}

// SaveStates writes the full mapping in one pipeline, replacing each hash
// so cleared timestamp fields do not linger.
func (s *Store) SaveStates(ctx context.Context, states map[string]storage.SourceState) error {
	pipe := s.client.Pipeline()
	for id, state := range states {
		key := fmt.Sprintf(keyStateFmt, id)
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, stateFields(state))
		pipe.SAdd(ctx, keyIndex, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save states: %w", err)
	}
	return nil
}

func stateFields(state storage.SourceState) map[string]any {
	fields := map[string]any{
		"total_seconds":     strconv.FormatFloat(state.TotalSeconds, 'f', -1, 64),
		"total_activations": strconv.Itoa(state.TotalActivations),
	}
	if state.OnSince != nil {
		fields["on_since"] = state.OnSince.Format(timeLayout)
	}
	if state.LastUpdated != nil {
		fields["last_updated"] = state.LastUpdated.Format(timeLayout)
	}
	if state.LastTriggered != nil {
		fields["last_triggered"] = state.LastTriggered.Format(timeLayout)
	}
	return fields
}

func parseSourceState(fields map[string]string) (storage.SourceState, error) {
	var state storage.SourceState

	if raw, ok := fields["total_seconds"]; ok {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return state, fmt.Errorf("parse total_seconds: %w", err)
		}
		state.TotalSeconds = seconds
	}
	if raw, ok := fields["total_activations"]; ok {
		activations, err := strconv.Atoi(raw)
		if err != nil {
			return state, fmt.Errorf("parse total_activations: %w", err)
		}
		state.TotalActivations = activations
	}

	var err error
	if state.OnSince, err = parseOptionalTime(fields, "on_since"); err != nil {
		return state, err
	}
	if state.LastUpdated, err = parseOptionalTime(fields, "last_updated"); err != nil {
		return state, err
	}
	if state.LastTriggered, err = parseOptionalTime(fields, "last_triggered"); err != nil {
		return state, err
	}
	return state, nil
}

func parseOptionalTime(fields map[string]string, name string) (*time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(timeLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return &ts, nil
}
