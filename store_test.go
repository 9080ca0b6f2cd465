package lattice

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStorePutAppliesOnlyWinners(t *testing.T) {
	store := setupTestStore(t)

	v1 := testRecord("settings", "bedtime", `"22:00"`, 1, "node-a", 100)
	applied, err := store.Put(v1)
	if err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if !applied {
		t.Fatal("first write should apply")
	}

	v2 := testRecord("settings", "bedtime", `"22:30"`, 2, "node-b", 50)
	if applied, _ = store.Put(v2); !applied {
		t.Fatal("higher version should apply")
	}

	// Re-delivering v1 after v2 must be a no-op.
	if applied, _ = store.Put(v1); applied {
		t.Fatal("stale write should not apply")
	}

	rec, err := store.Get("settings", "bedtime")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Payload) != `"22:30"` {
		t.Fatalf("expected v2 payload, got %s", rec.Payload)
	}
}

func TestStorePutIsIdempotent(t *testing.T) {
	store := setupTestStore(t)

	rec := testRecord("settings", "tz", `"UTC"`, 3, "hub", 100)
	if applied, _ := store.Put(rec); !applied {
		t.Fatal("first apply should succeed")
	}
	if applied, _ := store.Put(rec); applied {
		t.Fatal("identical re-delivery should be a no-op")
	}

	got, _ := store.Get("settings", "tz")
	if got.Version != 3 || got.Origin != "hub" {
		t.Fatalf("unexpected record after re-delivery: %+v", got)
	}
}

func TestStorePutIsCommutative(t *testing.T) {
	a := testRecord("settings", "k", `"a"`, 1, "node-a", 100)
	b := testRecord("settings", "k", `"b"`, 1, "node-b", 200)

	s1 := setupTestStore(t)
	if _, err := s1.Put(a); err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Put(b); err != nil {
		t.Fatal(err)
	}

	s2 := setupTestStore(t)
	if _, err := s2.Put(b); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Put(a); err != nil {
		t.Fatal(err)
	}

	r1, _ := s1.Get("settings", "k")
	r2, _ := s2.Get("settings", "k")
	if string(r1.Payload) != string(r2.Payload) || !r1.Meta().Equal(r2.Meta()) {
		t.Fatalf("merge order changed the outcome: %+v vs %+v", r1, r2)
	}
	if string(r1.Payload) != `"b"` {
		t.Fatalf("later timestamp should have won, got %s", r1.Payload)
	}
}

func TestStoreGetNotFound(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.Get("settings", "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreScanChangedSince(t *testing.T) {
	store := setupTestStore(t)
	for i := uint64(1); i <= 5; i++ {
		rec := testRecord("settings", string(rune('a'+i)), `1`, i, "hub", int64(i))
		if _, err := store.Put(rec); err != nil {
			t.Fatal(err)
		}
	}

	it, err := store.ScanChangedSince("settings", 2)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var versions []uint64
	for it.Next() {
		versions = append(versions, it.Record().Version)
	}
	if it.Err() != nil {
		t.Fatal(it.Err())
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 records above the mark, got %d", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("scan not ascending: %v", versions)
		}
	}
}

func TestAppendTimeSeriesDeduplicates(t *testing.T) {
	store := setupTestStore(t)

	ev := TimeSeriesEvent{Series: "temp", Time: 12345, Origin: "node-a", Value: 21.5}
	fresh, err := store.AppendTimeSeries(ev)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("first append should be fresh")
	}

	// Same identity delivered again, possibly via a different peer.
	if fresh, _ = store.AppendTimeSeries(ev); fresh {
		t.Fatal("re-delivered event should be a no-op")
	}

	// Same series and time from a different origin is a distinct event.
	other := TimeSeriesEvent{Series: "temp", Time: 12345, Origin: "node-b", Value: 21.6}
	if fresh, _ = store.AppendTimeSeries(other); !fresh {
		t.Fatal("distinct origin should be a new event")
	}

	it, err := store.ScanTimeSeriesSince("temp", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	count := 0
	for it.Next() {
		count++
	}
	if count != 2 {
		t.Fatalf("expected exactly 2 stored events, got %d", count)
	}
}

func TestScanTimeSeriesSinceAscending(t *testing.T) {
	store := setupTestStore(t)
	for _, ts := range []int64{30, 10, 20, 40} {
		_, err := store.AppendTimeSeries(TimeSeriesEvent{Series: "hr", Time: ts, Origin: "w", Value: float64(ts)})
		if err != nil {
			t.Fatal(err)
		}
	}

	it, err := store.ScanTimeSeriesSince("hr", 10)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var times []int64
	for it.Next() {
		times = append(times, it.Event().Time)
	}
	if len(times) != 3 {
		t.Fatalf("expected 3 events after t=10, got %d", len(times))
	}
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			t.Fatalf("scan not ascending: %v", times)
		}
	}
}

func TestPeerStateRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	st, err := store.PeerState("cabin")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.PullWater) != 0 || !st.LastSync.IsZero() {
		t.Fatal("first contact should return zero state")
	}

	st.PullWater["settings"] = 7
	st.PushWater["settings"] = 4
	st.SeriesWater["temp"] = 999
	st.LastSync = time.Unix(0, 42)
	if err := store.SavePeerState(st); err != nil {
		t.Fatal(err)
	}

	got, err := store.PeerState("cabin")
	if err != nil {
		t.Fatal(err)
	}
	if got.PullWater["settings"] != 7 || got.PushWater["settings"] != 4 {
		t.Fatalf("watermarks lost: %+v", got)
	}
	if got.SeriesWater["temp"] != 999 {
		t.Fatalf("series watermark lost: %+v", got)
	}
	if got.LastSync.UnixNano() != 42 {
		t.Fatalf("last sync lost: %v", got.LastSync)
	}
}

func TestVersionClockMonotonicAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clock.db")

	store, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	clock := NewVersionClock("hub", store)

	var last uint64
	for i := 0; i < 10; i++ {
		seq, err := clock.NextSeq()
		if err != nil {
			t.Fatal(err)
		}
		if seq <= last {
			t.Fatalf("sequence not strictly increasing: %d after %d", seq, last)
		}
		last = seq
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	clock = NewVersionClock("hub", reopened)
	seq, err := clock.NextSeq()
	if err != nil {
		t.Fatal(err)
	}
	if seq <= last {
		t.Fatalf("sequence reused after restart: %d after %d", seq, last)
	}
}

func TestPurgeTombstones(t *testing.T) {
	store := setupTestStore(t)

	old := Record{Table: "settings", ID: "gone", Version: 1, Origin: "hub", Timestamp: 100, Tombstone: true}
	fresh := Record{Table: "settings", ID: "recent", Version: 2, Origin: "hub", Timestamp: 900, Tombstone: true}
	live := testRecord("settings", "keep", `1`, 3, "hub", 100)
	for _, rec := range []Record{old, fresh, live} {
		if _, err := store.Put(rec); err != nil {
			t.Fatal(err)
		}
	}

	purged, err := store.PurgeTombstones(500)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged tombstone, got %d", purged)
	}

	if _, err := store.Get("settings", "gone"); err != ErrNotFound {
		t.Fatal("old tombstone should be gone")
	}
	if rec, err := store.Get("settings", "recent"); err != nil || !rec.Tombstone {
		t.Fatal("recent tombstone should survive")
	}
	if _, err := store.Get("settings", "keep"); err != nil {
		t.Fatal("live record should survive")
	}
}

func TestStoreFatalHandlerOnDurabilityFailure(t *testing.T) {
	var fatal error
	store, err := OpenStore(filepath.Join(t.TempDir(), "x.db"),
		WithFatalHandler(func(err error) { fatal = err }))
	if err != nil {
		t.Fatal(err)
	}
	// Closing the database underneath makes the next write fail to commit.
	if err := store.db.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = store.Put(testRecord("settings", "k", `1`, 1, "hub", 1))
	if err == nil {
		t.Fatal("write on closed database should fail")
	}
	if fatal == nil {
		t.Fatal("durability failure should invoke the fatal handler")
	}
}
