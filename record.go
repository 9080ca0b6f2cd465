package lattice

import (
	"encoding/json"
	"time"
)

// Record is a mutable configuration entity replicated across nodes.
// The (Version, Timestamp, Origin) tuple totally orders all writes to the
// same (Table, ID) key; deletions are tombstoned records and participate
// in the same ordering.
type Record struct {
	// Table is the logical table the record belongs to.
	Table string `json:"table"`
	// ID identifies the record within its table.
	ID string `json:"id"`
	// Payload is the opaque application value. Nil for tombstones.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Version is the node-scoped sequence number stamped at write time.
	Version uint64 `json:"version"`
	// Origin is the ID of the node that produced this write.
	Origin string `json:"origin"`
	// Timestamp is the wall-clock write time in Unix nanoseconds.
	Timestamp int64 `json:"timestamp"`
	// Tombstone marks the record as deleted.
	Tombstone bool `json:"tombstone,omitempty"`
}

// Meta returns the record's sync metadata projection.
func (r Record) Meta() SyncMetadata {
	return SyncMetadata{
		Table:     r.Table,
		ID:        r.ID,
		Version:   r.Version,
		Origin:    r.Origin,
		Timestamp: r.Timestamp,
		Tombstone: r.Tombstone,
	}
}

// SyncMetadata is the payload-free projection of a Record exchanged during
// digest comparison.
type SyncMetadata struct {
	Table     string `json:"table"`
	ID        string `json:"id"`
	Version   uint64 `json:"version"`
	Origin    string `json:"origin"`
	Timestamp int64  `json:"timestamp"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// Supersedes reports whether m wins the last-writer-wins comparison against
// other. Higher version wins; ties break on later timestamp, then on the
// lexicographically greater origin. The order is total and deterministic, so
// every node picks the same winner regardless of delivery order. An exactly
// equal tuple does not supersede, which makes merge application idempotent.
func (m SyncMetadata) Supersedes(other SyncMetadata) bool {
	if m.Version != other.Version {
		return m.Version > other.Version
	}
	if m.Timestamp != other.Timestamp {
		return m.Timestamp > other.Timestamp
	}
	return m.Origin > other.Origin
}

// Equal reports whether two metadata tuples describe the same write.
func (m SyncMetadata) Equal(other SyncMetadata) bool {
	return m.Version == other.Version &&
		m.Timestamp == other.Timestamp &&
		m.Origin == other.Origin
}

// TimeSeriesEvent is an immutable observation. Events are identified by
// (Series, Time, Origin); re-delivery of the same identity is a no-op.
type TimeSeriesEvent struct {
	// Series is the series key (e.g. "sleep.duration", "temp.cabin").
	Series string `json:"series"`
	// Time is the observation time in Unix nanoseconds.
	Time int64 `json:"time"`
	// Origin is the ID of the node that recorded the event.
	Origin string `json:"origin"`
	// Value is the numeric measurement.
	Value float64 `json:"value"`
	// Meta carries optional labels attached to the event.
	Meta map[string]string `json:"meta,omitempty"`
}

// PeerState tracks replication progress against one peer. Pull and push
// watermarks advance independently per table; both are persisted so rounds
// stay incremental across restarts.
type PeerState struct {
	PeerID string `json:"peer_id"`
	// LastSync is the completion time of the last successful round.
	LastSync time.Time `json:"last_sync"`
	// PullWater maps table name to the highest version already merged from
	// this peer.
	PullWater map[string]uint64 `json:"pull_water"`
	// PushWater maps table name to the highest local version the peer has
	// acknowledged.
	PushWater map[string]uint64 `json:"push_water"`
	// SeriesWater maps series key to the highest event time already pulled
	// from this peer.
	SeriesWater map[string]int64 `json:"series_water"`
}

// PutResult is the per-record acknowledgment for a payload push.
type PutResult struct {
	Table   string `json:"table"`
	ID      string `json:"id"`
	Applied bool   `json:"applied"`
}
