// Package accrual implements the occupancy time accrual state machine.
// Apply is a pure transition over a Record; callers own the mapping from
// source identifier to Record and store results back themselves.
package accrual

import (
	"math"
	"strings"
	"time"
)

// Value is the observed state of a binary presence source.
type Value int

const (
	// ValueUnknown covers unavailable, missing, or non-boolean payloads.
	ValueUnknown Value = iota
	ValueOff
	ValueOn
)

// ParseValue maps a raw payload string to a Value. Anything that is not
// recognisably on or off is ValueUnknown and must never change state.
func ParseValue(raw string) Value {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on":
		return ValueOn
	case "off":
		return ValueOff
	default:
		return ValueUnknown
	}
}

// String returns the wire representation of the value.
func (v Value) String() string {
	switch v {
	case ValueOn:
		return "on"
	case ValueOff:
		return "off"
	default:
		return "unknown"
	}
}

// Record is the accrual state for one tracked source.
//
// OnSince is set iff a session is open. LastUpdated is the instant up to
// which TotalSeconds accounts for elapsed time and is set iff OnSince is.
// TotalSeconds and TotalActivations only ever increase.
type Record struct {
	TotalSeconds     float64
	TotalActivations int
	OnSince          *time.Time
	LastUpdated      *time.Time
	LastTriggered    *time.Time
}

// Open reports whether a session is currently in progress.
func (r Record) Open() bool {
	return r.OnSince != nil
}

// Apply folds one observation into a record and returns the updated record.
// It is idempotent under repeated observations of the same value: a second
// "on" extends accrual without incrementing activations, a second "off" is
// a no-op. Both ad-hoc events and periodic reconciliation observations go
// through here, which is what keeps reconciliation from double-counting a
// session it rediscovers mid-flight.
func Apply(rec Record, v Value, now time.Time) Record {
	switch v {
	case ValueOn:
		if rec.OnSince == nil {
			ts := now
			rec.OnSince = &ts
			rec.LastUpdated = &ts
			rec.LastTriggered = &ts
			rec.TotalActivations++
		} else {
			rec.TotalSeconds += elapsedSeconds(rec, now)
			ts := now
			rec.LastUpdated = &ts
		}
	case ValueOff:
		if rec.OnSince != nil {
			rec.TotalSeconds += elapsedSeconds(rec, now)
			rec.OnSince = nil
			rec.LastUpdated = nil
		}
	}
	// ValueUnknown: never infer state from absence of data.
	return rec
}

// ValueAsOf returns the cumulative accrued seconds including the tail of an
// open session up to now, without mutating the record. The result is rounded
// for display; rounding is never applied to persisted state.
func ValueAsOf(rec Record, now time.Time) float64 {
	return round2(rec.TotalSeconds + elapsedSeconds(rec, now))
}

// SessionSeconds returns the duration of the open session so far, or nil
// when the source is off.
func SessionSeconds(rec Record, now time.Time) *float64 {
	if rec.OnSince == nil {
		return nil
	}
	secs := round2(clampSeconds(now.Sub(*rec.OnSince)))
	return &secs
}

// elapsedSeconds is the not-yet-accrued interval of an open session,
// clamped so clock skew can never produce a negative contribution.
func elapsedSeconds(rec Record, now time.Time) float64 {
	if rec.OnSince == nil {
		return 0
	}
	last := rec.OnSince
	if rec.LastUpdated != nil {
		last = rec.LastUpdated
	}
	return clampSeconds(now.Sub(*last))
}

func clampSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
