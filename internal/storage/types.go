package storage

import "time"

// SourceState is the persisted accrual state for one source identifier.
// Timestamps serialize as RFC 3339 strings; absent timestamps are null,
// never epoch zero.
type SourceState struct {
	TotalSeconds     float64    `json:"total_seconds"`
	TotalActivations int        `json:"total_activations"`
	OnSince          *time.Time `json:"on_since"`
	LastUpdated      *time.Time `json:"last_updated"`
	LastTriggered    *time.Time `json:"last_triggered"`
}
