// Package storage defines the persistence primitive for accrual state and
// its shared types. Backends live in the bolt and redis subpackages.
package storage

import (
	"context"
	"errors"
	"os"
)

// ErrNotFound is returned by LoadState when the identifier has no
// persisted record.
var ErrNotFound = errors.New("storage: record not found")

// Store persists the full identifier -> SourceState mapping. Loading an
// empty or absent document yields an empty map, and individually malformed
// entries are skipped rather than failing the whole load. LoadState is a
// point lookup for one identifier.
type Store interface {
	LoadStates(ctx context.Context) (map[string]SourceState, error)
	LoadState(ctx context.Context, id string) (SourceState, error)
	SaveStates(ctx context.Context, states map[string]SourceState) error
	Close() error
}

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
