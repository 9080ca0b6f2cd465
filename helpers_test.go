package lattice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "lattice.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newTestPeer serves store over the real peer protocol and returns a Peer
// whose transport points at it.
func newTestPeer(t *testing.T, id string, store Store, tables []string) *Peer {
	t.Helper()
	mux := http.NewServeMux()
	NewPeerServer(id, store, tables, nil, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &Peer{
		ID:        id,
		Transport: NewHTTPTransport(srv.URL, "test-client", "gzip", 5*time.Second),
	}
}

func testRecord(table, id, payload string, version uint64, origin string, ts int64) Record {
	return Record{
		Table:     table,
		ID:        id,
		Payload:   []byte(payload),
		Version:   version,
		Origin:    origin,
		Timestamp: ts,
	}
}

// fakeTransport implements Transport in-memory with optional injected
// failure, for scheduler and reconciler tests that need no real network.
type fakeTransport struct {
	fail      bool
	pings     int
	metadata  []SyncMetadata
	payloads  map[string]Record // "table/id"
	events    map[string][]TimeSeriesEvent
	pushed    []Record
	pushedEvs []TimeSeriesEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		payloads: make(map[string]Record),
		events:   make(map[string][]TimeSeriesEvent),
	}
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.pings++
	if f.fail {
		return ErrPeerUnreachable
	}
	return nil
}

func (f *fakeTransport) GetMetadata(ctx context.Context, tables []string, since map[string]uint64) ([]SyncMetadata, error) {
	if f.fail {
		return nil, ErrPeerUnreachable
	}
	var out []SyncMetadata
	for _, m := range f.metadata {
		if m.Version > since[m.Table] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeTransport) GetPayload(ctx context.Context, table, id string) (Record, error) {
	if f.fail {
		return Record{}, ErrPeerUnreachable
	}
	rec, ok := f.payloads[table+"/"+id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeTransport) PutPayloads(ctx context.Context, recs []Record) ([]PutResult, error) {
	if f.fail {
		return nil, ErrPeerUnreachable
	}
	f.pushed = append(f.pushed, recs...)
	results := make([]PutResult, len(recs))
	for i, rec := range recs {
		results[i] = PutResult{Table: rec.Table, ID: rec.ID, Applied: true}
	}
	return results, nil
}

func (f *fakeTransport) GetTimeSeries(ctx context.Context, series string, since int64) ([]TimeSeriesEvent, error) {
	if f.fail {
		return nil, ErrPeerUnreachable
	}
	var out []TimeSeriesEvent
	for _, ev := range f.events[series] {
		if ev.Time > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeTransport) PushTimeSeries(ctx context.Context, events []TimeSeriesEvent) (int, error) {
	if f.fail {
		return 0, ErrPeerUnreachable
	}
	f.pushedEvs = append(f.pushedEvs, events...)
	return len(events), nil
}

func (f *fakeTransport) ListSeries(ctx context.Context) ([]string, error) {
	if f.fail {
		return nil, ErrPeerUnreachable
	}
	var out []string
	for name := range f.events {
		out = append(out, name)
	}
	return out, nil
}

// fakeWallClock is a manually advanced WallClock. After channels fire when
// Advance moves the clock past their deadlines.
type fakeWallClock struct {
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeWallClock() *fakeWallClock {
	return &fakeWallClock{now: time.Unix(1000000, 0)}
}

func (c *fakeWallClock) Now() time.Time { return c.now }

func (c *fakeWallClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeWallClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
	var remaining []fakeWaiter
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}
