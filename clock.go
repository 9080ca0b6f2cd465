package lattice

import "time"

// VersionClock issues node-local monotonically increasing sequence numbers.
// Each value is committed to the store before being handed out, so a crash
// can never cause sequence reuse. Cross-node comparison always uses the full
// (version, timestamp, origin) tuple, never raw sequence numbers alone.
type VersionClock struct {
	node  string
	store *SQLiteStore
}

// NewVersionClock creates a clock for node backed by store.
func NewVersionClock(node string, store *SQLiteStore) *VersionClock {
	return &VersionClock{node: node, store: store}
}

// NextSeq returns a value strictly greater than every value previously
// returned for this node, persisted before it is handed out.
func (c *VersionClock) NextSeq() (uint64, error) {
	return c.store.nextSeq(c.node)
}

// Current returns the last issued sequence number without advancing.
func (c *VersionClock) Current() (uint64, error) {
	return c.store.currentSeq(c.node)
}

// WallClock abstracts wall time and timers so the scheduler can be driven
// by a fake clock in tests instead of real sleeps.
type WallClock interface {
	Now() time.Time
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// systemClock is the real-time WallClock.
type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the real-time wall clock.
func SystemClock() WallClock { return systemClock{} }
