package lattice

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// QueuedMutation is one buffered local mutation: either a config record
// write (including tombstones) or a time-series event. Exactly one field is
// set.
type QueuedMutation struct {
	Record *Record          `json:"record,omitempty"`
	Event  *TimeSeriesEvent `json:"event,omitempty"`
}

// queueLine is the on-disk framing: a mutation line or an ack marker that
// advances the head past one delivered entry.
type queueLine struct {
	QueuedMutation
	Ack bool `json:"ack,omitempty"`
}

// OfflineQueue is the durable client-side buffer for mutations made while
// disconnected from the hub. Entries are kept in submission order in an
// append-only JSON-lines file; delivery acknowledgments are appended as
// marker lines and the file is rewritten once enough of its head is dead.
type OfflineQueue struct {
	path             string
	compactThreshold int
	logger           *slog.Logger

	mu      sync.Mutex
	file    *os.File
	entries []QueuedMutation
	head    int // count of acknowledged entries at the front
	closed  bool
}

// OpenOfflineQueue opens or creates the queue file at path, replaying any
// existing contents.
func OpenOfflineQueue(path string, compactThreshold int, logger *slog.Logger) (*OfflineQueue, error) {
	if compactThreshold <= 0 {
		compactThreshold = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	q := &OfflineQueue{
		path:             path,
		compactThreshold: compactThreshold,
		logger:           logger,
	}
	if err := q.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	q.file = f
	return q, nil
}

func (q *OfflineQueue) replay() error {
	f, err := os.Open(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	// Payloads can exceed the default token size; allow up to 16MB lines.
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry queueLine
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
		}
		if entry.Ack {
			q.head++
			continue
		}
		q.entries = append(q.entries, entry.QueuedMutation)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
	}
	if q.head > len(q.entries) {
		return fmt.Errorf("%w: %d acks for %d entries", ErrQueueCorrupt, q.head, len(q.entries))
	}
	return nil
}

// Enqueue appends a mutation durably, preserving submission order.
func (q *OfflineQueue) Enqueue(m QueuedMutation) error {
	if m.Record == nil && m.Event == nil {
		return errors.New("empty mutation")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if err := q.appendLine(queueLine{QueuedMutation: m}); err != nil {
		return err
	}
	q.entries = append(q.entries, m)
	return nil
}

// Len returns the number of undelivered entries.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) - q.head
}

// Flush attempts delivery head-first over tr and stops at the first
// failure, leaving the remaining queue untouched. Acknowledged entries are
// removed from the head. Mutations to the same field are all transmitted;
// the hub's comparator keeps only the highest-version one, which is correct
// if not bandwidth-optimal.
func (q *OfflineQueue) Flush(ctx context.Context, tr Transport) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	for q.head < len(q.entries) {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := q.entries[q.head]
		var err error
		switch {
		case m.Record != nil:
			_, err = tr.PutPayloads(ctx, []Record{*m.Record})
		case m.Event != nil:
			_, err = tr.PushTimeSeries(ctx, []TimeSeriesEvent{*m.Event})
		}
		if err != nil {
			return fmt.Errorf("flush queue: %w", err)
		}
		if err := q.appendLine(queueLine{Ack: true}); err != nil {
			return err
		}
		q.head++
	}

	if q.head >= q.compactThreshold {
		if err := q.compact(); err != nil {
			return err
		}
	}
	return nil
}

// compact rewrites the file with only undelivered entries. Called with the
// lock held.
func (q *OfflineQueue) compact() error {
	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("compact queue: %w", err)
	}
	w := bufio.NewWriter(f)
	remaining := q.entries[q.head:]
	for _, m := range remaining {
		data, err := json.Marshal(queueLine{QueuedMutation: m})
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("compact queue: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			_ = f.Close()
			return fmt.Errorf("compact queue: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("compact queue: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("compact queue: %w", err)
	}

	if err := q.file.Close(); err != nil {
		q.logger.Warn("close old queue file", "err", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("compact queue: %w", err)
	}
	nf, err := os.OpenFile(q.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen queue: %w", err)
	}
	q.file = nf
	q.entries = append([]QueuedMutation(nil), remaining...)
	q.head = 0
	return nil
}

// appendLine writes and fsyncs one line. Called with the lock held.
func (q *OfflineQueue) appendLine(entry queueLine) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	if _, err := q.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}
	if err := q.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}
	return nil
}

// Close flushes nothing further and releases the file.
func (q *OfflineQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.file.Close()
}
