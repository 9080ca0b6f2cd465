// Package lattice keeps configuration records and time-series events
// consistent across a primary hub and intermittently-connected secondary
// nodes. Conflicts are resolved by a deterministic last-writer-wins
// comparator over (version, timestamp, origin), replication is incremental
// via per-peer watermarks, and nodes that go offline for days converge again
// after one successful round with each peer.
package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const gcInterval = time.Hour

// Node is the main synchronization engine handle.
type Node struct {
	cfg    Config
	logger *slog.Logger

	store *SQLiteStore
	clock *VersionClock
	wall  WallClock

	peers []*Peer
	recon *Reconciler
	sched *Scheduler
	feed  *ChangeFeed
	srv   *PeerServer

	forwarder *RemoteWriteForwarder
	queue     *OfflineQueue
	snapshots *S3SnapshotStore

	halted atomic.Bool

	mu     sync.Mutex
	closed bool
	gcStop chan struct{}
	gcDone chan struct{}
}

// Open validates the configuration, opens the local store, and starts the
// per-peer sync workers. Misconfiguration is a startup-time fatal error.
func Open(cfg Config) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node", cfg.NodeID)

	n := &Node{
		cfg:    cfg,
		logger: logger,
		wall:   SystemClock(),
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	store, err := OpenStore(cfg.Path, WithFatalHandler(n.halt))
	if err != nil {
		return nil, err
	}
	n.store = store
	n.clock = NewVersionClock(cfg.NodeID, store)

	if cfg.Feed != nil && cfg.Feed.Enabled {
		n.feed = NewChangeFeed(*cfg.Feed, logger)
	}
	if cfg.RemoteWrite != nil && cfg.RemoteWrite.Enabled {
		n.forwarder = NewRemoteWriteForwarder(*cfg.RemoteWrite, cfg.NodeID, logger)
		n.forwarder.Start()
	}
	if cfg.OfflineQueue != nil && cfg.OfflineQueue.Enabled {
		qpath := cfg.OfflineQueue.Path
		if qpath == "" {
			qpath = cfg.Path + ".queue"
		}
		queue, err := OpenOfflineQueue(qpath, cfg.OfflineQueue.CompactThreshold, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		n.queue = queue
	}
	if cfg.Snapshot != nil && cfg.Snapshot.S3 != nil {
		snapshots, err := NewS3SnapshotStore(*cfg.Snapshot.S3)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		n.snapshots = snapshots
	}

	for _, pc := range cfg.Peers {
		n.peers = append(n.peers, &Peer{
			ID:        pc.ID,
			Transport: NewHTTPTransport(pc.URL, cfg.NodeID, cfg.Compression, cfg.RequestTimeout),
		})
	}

	n.recon = NewReconciler(cfg.NodeID, store, cfg.Tables, n.wall, logger)
	if n.feed != nil {
		n.recon.SetFeed(n.feed)
	}
	if n.forwarder != nil {
		n.recon.SetEventHook(n.forwarder.Enqueue)
	}

	n.sched = NewScheduler(SchedulerConfig{
		BaseInterval:   cfg.SyncInterval,
		MaxBackoff:     cfg.MaxBackoff,
		ProbeTimeout:   cfg.RequestTimeout,
		StaleThreshold: cfg.StaleThreshold,
	}, n.recon, n.peers, n.wall, logger)
	n.sched.SetHaltedCheck(n.halted.Load)
	if n.queue != nil {
		n.sched.SetBeforeRound(func(ctx context.Context, peer *Peer) error {
			return n.queue.Flush(ctx, peer.Transport)
		})
	}

	n.srv = NewPeerServer(cfg.NodeID, store, cfg.Tables, n.feed, logger)

	n.sched.Start()
	go n.gcLoop()

	logger.Info("node started", "peers", len(n.peers), "tables", len(cfg.Tables))
	return n, nil
}

// halt latches a durability failure: synchronization stops and mutations
// are refused until the operator restores from a healthy snapshot.
func (n *Node) halt(err error) {
	if !n.halted.Swap(true) {
		n.logger.Error("node halted, full resync required", "err", err)
	}
}

// Halted reports whether the node has latched a durability failure.
func (n *Node) Halted() bool { return n.halted.Load() }

// Close stops the sync workers. An in-flight round finishes committing the
// merges it has already computed; no partial-record writes are possible.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.sched.Stop()
	close(n.gcStop)
	<-n.gcDone
	if n.forwarder != nil {
		n.forwarder.Stop()
	}
	if n.queue != nil {
		_ = n.queue.Close()
	}
	return n.store.Close()
}

// Put writes a config record locally, stamped with the next clock sequence
// and the current wall time. The write replicates to peers on their next
// rounds; with an offline queue configured it is also buffered for
// head-first replay to the hub.
func (n *Node) Put(table, id string, payload json.RawMessage) (Record, error) {
	return n.write(table, id, payload, false)
}

// Delete tombstones a record. The tombstone replicates like any other
// mutation and can only be undone by a strictly higher version.
func (n *Node) Delete(table, id string) (Record, error) {
	return n.write(table, id, nil, true)
}

func (n *Node) write(table, id string, payload json.RawMessage, tombstone bool) (Record, error) {
	if n.halted.Load() {
		return Record{}, ErrHalted
	}
	if !n.tableConfigured(table) {
		return Record{}, fmt.Errorf("table %q is not replicated", table)
	}

	seq, err := n.clock.NextSeq()
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Table:     table,
		ID:        id,
		Payload:   payload,
		Version:   seq,
		Origin:    n.cfg.NodeID,
		Timestamp: n.wall.Now().UnixNano(),
		Tombstone: tombstone,
	}
	if _, err := n.store.Put(rec); err != nil {
		return Record{}, err
	}
	if n.feed != nil {
		n.feed.PublishRecord(rec)
	}
	if n.queue != nil {
		if err := n.queue.Enqueue(QueuedMutation{Record: &rec}); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Get returns the current value of a record. Tombstoned records read as
// not found.
func (n *Node) Get(table, id string) (Record, error) {
	rec, err := n.store.Get(table, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Tombstone {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// AppendEvent records an immutable time-series observation originating at
// this node.
func (n *Node) AppendEvent(series string, at time.Time, value float64, meta map[string]string) (TimeSeriesEvent, error) {
	if n.halted.Load() {
		return TimeSeriesEvent{}, ErrHalted
	}
	ev := TimeSeriesEvent{
		Series: series,
		Time:   at.UnixNano(),
		Origin: n.cfg.NodeID,
		Value:  value,
		Meta:   meta,
	}
	fresh, err := n.store.AppendTimeSeries(ev)
	if err != nil {
		return TimeSeriesEvent{}, err
	}
	if fresh {
		if n.feed != nil {
			n.feed.PublishEvent(ev)
		}
		if n.forwarder != nil {
			n.forwarder.Enqueue(ev)
		}
		if n.queue != nil {
			if err := n.queue.Enqueue(QueuedMutation{Event: &ev}); err != nil {
				return TimeSeriesEvent{}, err
			}
		}
	}
	return ev, nil
}

// Events returns locally stored events for series with time > since.
func (n *Node) Events(series string, since time.Time) ([]TimeSeriesEvent, error) {
	it, err := n.store.ScanTimeSeriesSince(series, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []TimeSeriesEvent
	for it.Next() {
		out = append(out, it.Event())
	}
	return out, it.Err()
}

// SyncNow schedules an immediate round with the named peer.
func (n *Node) SyncNow(peerID string) error {
	return n.sched.SyncNow(peerID)
}

// SyncAllNow schedules an immediate round with every peer.
func (n *Node) SyncAllNow() {
	for _, p := range n.peers {
		_ = n.sched.SyncNow(p.ID)
	}
}

// NodeHealth is an externally reportable health snapshot.
type NodeHealth struct {
	NodeID      string       `json:"node_id"`
	Halted      bool         `json:"halted"`
	Peers       []PeerHealth `json:"peers"`
	Sync        SyncStats    `json:"sync"`
	QueueDepth  int          `json:"queue_depth"`
	FeedDropped int64        `json:"feed_dropped,omitempty"`
}

// Health returns the node's health, including per-peer staleness.
func (n *Node) Health() NodeHealth {
	h := NodeHealth{
		NodeID: n.cfg.NodeID,
		Halted: n.halted.Load(),
		Peers:  n.sched.Health(),
		Sync:   n.recon.Stats(),
	}
	if n.queue != nil {
		h.QueueDepth = n.queue.Len()
	}
	if n.feed != nil {
		h.FeedDropped = n.feed.Dropped()
	}
	return h
}

// Handler returns the HTTP handler exposing the peer protocol, the change
// feed, and health reporting. Authentication and transport security are the
// caller's responsibility.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	n.srv.Register(mux)
	if n.feed != nil {
		mux.Handle("/lattice/v1/watch", n.feed)
	}
	mux.HandleFunc("/lattice/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, n.Health())
	})
	return mux
}

// ExportSnapshot writes the node's full state to w, encrypted when a
// snapshot password is configured.
func (n *Node) ExportSnapshot(w io.Writer) error {
	snap, err := takeSnapshot(n.store, n.cfg.NodeID)
	if err != nil {
		return err
	}
	data, err := encodeSnapshot(snap, n.snapshotPassword())
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ImportSnapshot replaces the node's state with the snapshot read from r
// and clears the durability latch. This is the operator-driven full resync
// path.
func (n *Node) ImportSnapshot(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := decodeSnapshot(data, n.snapshotPassword())
	if err != nil {
		return err
	}
	if err := restoreSnapshot(n.store, n.cfg.NodeID, snap); err != nil {
		return err
	}
	n.halted.Store(false)
	n.logger.Info("snapshot restored", "records", len(snap.Records), "events", len(snap.Events))
	return nil
}

// UploadSnapshot exports the node's state to the configured S3 bucket.
func (n *Node) UploadSnapshot(ctx context.Context, key string) error {
	if n.snapshots == nil {
		return fmt.Errorf("no snapshot store configured")
	}
	snap, err := takeSnapshot(n.store, n.cfg.NodeID)
	if err != nil {
		return err
	}
	data, err := encodeSnapshot(snap, n.snapshotPassword())
	if err != nil {
		return err
	}
	return n.snapshots.Upload(ctx, key, data)
}

// RestoreSnapshotFromS3 downloads and restores a snapshot by key.
func (n *Node) RestoreSnapshotFromS3(ctx context.Context, key string) error {
	if n.snapshots == nil {
		return fmt.Errorf("no snapshot store configured")
	}
	data, err := n.snapshots.Download(ctx, key)
	if err != nil {
		return err
	}
	snap, err := decodeSnapshot(data, n.snapshotPassword())
	if err != nil {
		return err
	}
	if err := restoreSnapshot(n.store, n.cfg.NodeID, snap); err != nil {
		return err
	}
	n.halted.Store(false)
	return nil
}

func (n *Node) snapshotPassword() string {
	if n.cfg.Snapshot == nil {
		return ""
	}
	return n.cfg.Snapshot.KeyPassword
}

func (n *Node) tableConfigured(table string) bool {
	for _, t := range n.cfg.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// gcLoop purges expired tombstones in the background. The retention window
// must exceed the worst-case offline duration of any peer, or a premature
// purge can let a stale copy resurrect the deleted record.
func (n *Node) gcLoop() {
	defer close(n.gcDone)
	for {
		select {
		case <-n.gcStop:
			return
		case <-n.wall.After(gcInterval):
		}
		cutoff := n.wall.Now().Add(-n.cfg.TombstoneRetention).UnixNano()
		purged, err := n.store.PurgeTombstones(cutoff)
		if err != nil {
			n.logger.Warn("tombstone purge failed", "err", err)
			continue
		}
		if purged > 0 {
			n.logger.Debug("purged tombstones", "count", purged)
		}
	}
}
