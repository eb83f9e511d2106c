package cache

import (
	"encoding/json"
	"time"
)

// SchemaVersion tags every durable-tier record. Bump it whenever the Entry
// wire format changes; readers treat any other version as a miss and delete
// the record rather than attempting migration.
const SchemaVersion = 1

// Entry is one cached value with its freshness metadata. The value is kept as
// encoded JSON so both tiers share a single representation and callers cannot
// alias a mutable in-memory object.
type Entry struct {
	Version   int             `json:"schemaVersion"`
	Data      json.RawMessage `json:"data"`
	StoredAt  time.Time       `json:"storedAt"`
	TTLMillis int64           `json:"ttlMillis"`
}

// NewEntry stamps a freshly fetched value.
func NewEntry(data json.RawMessage, storedAt time.Time, ttl time.Duration) Entry {
	return Entry{
		Version:   SchemaVersion,
		Data:      data,
		StoredAt:  storedAt.UTC(),
		TTLMillis: ttl.Milliseconds(),
	}
}

// TTL returns the entry's time-to-live as a duration.
func (e Entry) TTL() time.Duration {
	return time.Duration(e.TTLMillis) * time.Millisecond
}

// ExpiresAt is the instant the entry turns stale.
func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL())
}

// Fresh reports whether the entry may still be served at the given instant.
// An entry is fresh strictly inside [storedAt, storedAt+ttl).
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL()
}
