// Package cache provides the storage layer for offline threat-intelligence
// lookups: the Record unit of storage, the Backend contract every store must
// satisfy, and durable and in-memory implementations of it.
package cache

import (
	"encoding/json"
	"time"
)

// Record is the unit of storage: one cached payload for one (source, key)
// pair, plus the freshness metadata the policy layer needs. Records are
// replaced wholesale on refresh, never merged. The staleness TTL is a
// source-level setting and is deliberately not stored on the record, so a
// configuration change re-classifies every existing record at read time.
type Record struct {
	// Source identifies the originating data source, e.g. "cve" or "nuclei".
	Source string `json:"source" firestore:"source"`
	// Key is the lookup identifier within the source, opaque to the cache.
	Key string `json:"key" firestore:"key"`
	// Payload is the cached value as an opaque serialized blob. The cache
	// never interprets its structure.
	Payload json.RawMessage `json:"payload,omitempty" firestore:"payload,omitempty"`
	// FetchedAt is when the payload (or the not-found answer) was obtained
	// from the remote source.
	FetchedAt time.Time `json:"fetched_at" firestore:"fetched_at"`
	// NotFound marks a negative result: the remote source authoritatively
	// reported that the key does not exist.
	NotFound bool `json:"not_found,omitempty" firestore:"not_found,omitempty"`
	// FetchError records the most recent refresh failure when a prior
	// payload is being kept as a stale fallback.
	FetchError string `json:"fetch_error,omitempty" firestore:"fetch_error,omitempty"`
}

// HasPayload reports whether the record carries a usable payload. A record
// with a payload remains a valid stale-fallback value regardless of
// FetchError.
func (r *Record) HasPayload() bool {
	return len(r.Payload) > 0
}

// Age returns how old the record is relative to now.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.FetchedAt)
}

// Clone returns a deep copy of the record so callers and backends never
// share payload bytes.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &clone
}
