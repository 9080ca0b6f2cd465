package lattice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestQueue(t *testing.T, path string, threshold int) *OfflineQueue {
	t.Helper()
	q, err := OpenOfflineQueue(path, threshold, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func queueRecord(rec Record) QueuedMutation {
	return QueuedMutation{Record: &rec}
}

// brittleTransport delivers a fixed number of mutations and then fails.
type brittleTransport struct {
	*fakeTransport
	remaining int
}

func (b *brittleTransport) PutPayloads(ctx context.Context, recs []Record) ([]PutResult, error) {
	if b.remaining <= 0 {
		return nil, ErrPeerUnreachable
	}
	b.remaining--
	return b.fakeTransport.PutPayloads(ctx, recs)
}

func (b *brittleTransport) PushTimeSeries(ctx context.Context, events []TimeSeriesEvent) (int, error) {
	if b.remaining <= 0 {
		return 0, ErrPeerUnreachable
	}
	b.remaining--
	return b.fakeTransport.PushTimeSeries(ctx, events)
}

func TestOfflineQueuePreservesSubmissionOrder(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.jsonl"), 0)

	for i := uint64(1); i <= 3; i++ {
		rec := testRecord("settings", "bedtime", `"v"`, i, "cabin", int64(i))
		if err := q.Enqueue(queueRecord(rec)); err != nil {
			t.Fatal(err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	tr := newFakeTransport()
	if err := q.Flush(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 {
		t.Fatalf("Len after flush = %d", q.Len())
	}
	if len(tr.pushed) != 3 {
		t.Fatalf("delivered %d records, want 3", len(tr.pushed))
	}
	for i, rec := range tr.pushed {
		if rec.Version != uint64(i+1) {
			t.Fatalf("delivery out of order: got version %d at position %d", rec.Version, i)
		}
	}
}

func TestOfflineQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")

	q := openTestQueue(t, path, 0)
	if err := q.Enqueue(queueRecord(testRecord("settings", "a", `1`, 1, "cabin", 1))); err != nil {
		t.Fatal(err)
	}
	ev := TimeSeriesEvent{Series: "temp", Time: 5, Origin: "cabin", Value: 20}
	if err := q.Enqueue(QueuedMutation{Event: &ev}); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openTestQueue(t, path, 0)
	if reopened.Len() != 2 {
		t.Fatalf("Len after restart = %d, want 2", reopened.Len())
	}

	tr := newFakeTransport()
	if err := reopened.Flush(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
	if len(tr.pushed) != 1 || len(tr.pushedEvs) != 1 {
		t.Fatalf("delivered %d records and %d events", len(tr.pushed), len(tr.pushedEvs))
	}
}

func TestOfflineQueueStopsAtFirstFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q := openTestQueue(t, path, 0)

	for i := uint64(1); i <= 3; i++ {
		rec := testRecord("settings", "k", `1`, i, "cabin", int64(i))
		if err := q.Enqueue(queueRecord(rec)); err != nil {
			t.Fatal(err)
		}
	}

	tr := &brittleTransport{fakeTransport: newFakeTransport(), remaining: 1}
	err := q.Flush(context.Background(), tr)
	if !errors.Is(err, ErrPeerUnreachable) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("Len after partial flush = %d, want 2", q.Len())
	}

	// Acknowledgments are durable: a restart must not re-deliver the first
	// entry.
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	reopened := openTestQueue(t, path, 0)
	if reopened.Len() != 2 {
		t.Fatalf("Len after restart = %d, want 2", reopened.Len())
	}
	tr2 := newFakeTransport()
	if err := reopened.Flush(context.Background(), tr2); err != nil {
		t.Fatal(err)
	}
	if len(tr2.pushed) != 2 || tr2.pushed[0].Version != 2 {
		t.Fatalf("restart re-delivered wrong entries: %+v", tr2.pushed)
	}
}

func TestOfflineQueueCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q := openTestQueue(t, path, 2)

	for i := uint64(1); i <= 4; i++ {
		rec := testRecord("settings", "k", `1`, i, "cabin", int64(i))
		if err := q.Enqueue(queueRecord(rec)); err != nil {
			t.Fatal(err)
		}
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Flush(context.Background(), newFakeTransport()); err != nil {
		t.Fatal(err)
	}

	// All four entries were acknowledged, which passes the threshold; the
	// rewritten file holds nothing.
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size() >= before.Size() {
		t.Fatalf("compaction did not shrink the file: %d -> %d", before.Size(), after.Size())
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	if reopened := openTestQueue(t, path, 2); reopened.Len() != 0 {
		t.Fatalf("Len after compaction and restart = %d", reopened.Len())
	}
}

func TestOfflineQueueRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	if err := os.WriteFile(path, []byte("{\"record\":{}}\nnot json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenOfflineQueue(path, 0, nil); !errors.Is(err, ErrQueueCorrupt) {
		t.Fatalf("expected ErrQueueCorrupt, got %v", err)
	}
}

func TestOfflineQueueFlushToHubKeepsHighestVersion(t *testing.T) {
	// Three offline edits to the same field drain in order; the hub's
	// comparator leaves only the final value.
	hub := setupTestStore(t)
	peer := newTestPeer(t, "hub", hub, testTables)

	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.jsonl"), 0)
	values := []string{`"21:00"`, `"21:30"`, `"22:00"`}
	for i, v := range values {
		rec := testRecord("settings", "bedtime", v, uint64(i+1), "cabin", int64(i+1))
		if err := q.Enqueue(queueRecord(rec)); err != nil {
			t.Fatal(err)
		}
	}

	if err := q.Flush(context.Background(), peer.Transport); err != nil {
		t.Fatal(err)
	}

	got, err := hub.Get("settings", "bedtime")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != `"22:00"` || got.Version != 3 {
		t.Fatalf("hub kept %s (v%d), want the final edit", got.Payload, got.Version)
	}
}
