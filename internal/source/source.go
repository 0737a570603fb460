// Package source defines the boundary to the systems that know about
// presence sensors: a discovery snapshot and a change-notification stream.
package source

import (
	"context"

	"github.com/goodtune/occutrack/internal/accrual"
)

// Candidate is one discoverable presence source with its current value.
type Candidate struct {
	ID    string
	Name  string
	Value accrual.Value
}

// Event is one change notification for a subscribed source.
type Event struct {
	ID    string
	Value accrual.Value
}

// Provider supplies the current snapshot of known candidate sources.
type Provider interface {
	Snapshot(ctx context.Context) ([]Candidate, error)
}

// Subscription is a cancellation token for an active event subscription.
type Subscription interface {
	Cancel()
}

// EventSource delivers change notifications scoped to an identifier set.
// Callers swap subscriptions by creating the replacement before cancelling
// the old token.
type EventSource interface {
	Subscribe(ids []string, handler func(Event)) (Subscription, error)
}
