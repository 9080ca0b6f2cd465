package lattice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// pushBatchSize is the number of records per PutPayloads request.
const pushBatchSize = 500

// Peer is one configured remote node together with its transport and the
// lock that keeps rounds against it from overlapping.
type Peer struct {
	ID        string
	Transport Transport

	mu sync.Mutex
}

// RoundStats summarizes one reconciliation round.
type RoundStats struct {
	Peer          string
	RecordsPulled int
	RecordsPushed int
	EventsPulled  int
	Skipped       int
	Duration      time.Duration
}

// SyncStats are cumulative reconciliation counters across all peers since
// the node started.
type SyncStats struct {
	Rounds        uint64 `json:"rounds"`
	FailedRounds  uint64 `json:"failed_rounds"`
	RecordsPulled uint64 `json:"records_pulled"`
	RecordsPushed uint64 `json:"records_pushed"`
	EventsPulled  uint64 `json:"events_pulled"`
	Skipped       uint64 `json:"skipped"`
}

// Reconciler executes synchronization rounds against peers. Each merge it
// applies is individually atomic and monotonic under the store's comparator,
// so a round aborted partway leaves only safe, resumable progress behind.
type Reconciler struct {
	node   string
	store  Store
	tables []string
	feed   *ChangeFeed             // optional, receives applied merges
	onPull func(ev TimeSeriesEvent) // optional, receives freshly pulled events
	wall   WallClock
	logger *slog.Logger

	statsMu sync.Mutex
	stats   SyncStats
}

// NewReconciler creates a reconciler for this node's store.
func NewReconciler(node string, store Store, tables []string, wall WallClock, logger *slog.Logger) *Reconciler {
	if wall == nil {
		wall = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		node:   node,
		store:  store,
		tables: tables,
		wall:   wall,
		logger: logger,
	}
}

// SetFeed attaches a change feed notified of every applied merge.
func (r *Reconciler) SetFeed(feed *ChangeFeed) { r.feed = feed }

// SetEventHook attaches a callback for freshly pulled time-series events.
func (r *Reconciler) SetEventHook(fn func(TimeSeriesEvent)) { r.onPull = fn }

// Sync runs one round against peer: pull winning records, push records the
// peer lacks, pull new time-series events, then advance the persisted
// watermarks. A transport failure aborts the round for this peer only;
// merges already applied stay applied.
func (r *Reconciler) Sync(ctx context.Context, peer *Peer) (RoundStats, error) {
	if !peer.mu.TryLock() {
		return RoundStats{Peer: peer.ID}, ErrRoundInProgress
	}
	defer peer.mu.Unlock()

	stats, err := r.round(ctx, peer)
	r.statsMu.Lock()
	r.stats.Rounds++
	if err != nil {
		r.stats.FailedRounds++
	}
	r.stats.RecordsPulled += uint64(stats.RecordsPulled)
	r.stats.RecordsPushed += uint64(stats.RecordsPushed)
	r.stats.EventsPulled += uint64(stats.EventsPulled)
	r.stats.Skipped += uint64(stats.Skipped)
	r.statsMu.Unlock()
	return stats, err
}

// Stats returns the cumulative counters.
func (r *Reconciler) Stats() SyncStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

func (r *Reconciler) round(ctx context.Context, peer *Peer) (RoundStats, error) {
	start := r.wall.Now()
	stats := RoundStats{Peer: peer.ID}

	st, err := r.store.PeerState(peer.ID)
	if err != nil {
		return stats, fmt.Errorf("load peer state: %w", err)
	}

	remote, err := peer.Transport.GetMetadata(ctx, r.tables, st.PullWater)
	if err != nil {
		return stats, fmt.Errorf("get metadata: %w", err)
	}

	if err := r.pullRecords(ctx, peer, remote, &st, &stats); err != nil {
		return stats, err
	}
	if err := r.pushRecords(ctx, peer, remote, &st, &stats); err != nil {
		return stats, err
	}
	if err := r.pullEvents(ctx, peer, &st, &stats); err != nil {
		return stats, err
	}

	st.LastSync = r.wall.Now()
	if err := r.store.SavePeerState(st); err != nil {
		return stats, fmt.Errorf("save peer state: %w", err)
	}

	stats.Duration = r.wall.Now().Sub(start)
	r.logger.Debug("round complete", "peer", peer.ID,
		"pulled", stats.RecordsPulled, "pushed", stats.RecordsPushed,
		"events", stats.EventsPulled, "skipped", stats.Skipped)
	return stats, nil
}

// pullRecords fetches and applies every remote record that wins the
// comparator against the local copy. The pull watermark for a table advances
// to the highest version below which nothing was skipped, so a record that
// failed to fetch or apply is naturally retried next round.
func (r *Reconciler) pullRecords(ctx context.Context, peer *Peer, remote []SyncMetadata, st *PeerState, stats *RoundStats) error {
	byTable := make(map[string][]SyncMetadata)
	for _, m := range remote {
		byTable[m.Table] = append(byTable[m.Table], m)
	}

	for table, entries := range byTable {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Version < entries[j].Version
		})

		mark := st.PullWater[table]
		blocked := false
		for _, entry := range entries {
			skip, err := r.pullOne(ctx, peer, entry, stats)
			if err != nil {
				return err
			}
			if skip {
				// Hold the watermark so this record is retried next round.
				blocked = true
				stats.Skipped++
				continue
			}
			if !blocked && entry.Version > mark {
				mark = entry.Version
			}
		}
		st.PullWater[table] = mark
	}
	return nil
}

// pullOne merges one remote record. It returns skip=true for per-record
// failures that should not abort the round, and a non-nil error for
// transport or durability failures that should.
func (r *Reconciler) pullOne(ctx context.Context, peer *Peer, entry SyncMetadata, stats *RoundStats) (skip bool, err error) {
	local, err := r.store.Get(entry.Table, entry.ID)
	switch {
	case err == ErrNotFound:
		// No local copy; the peer wins by default.
	case err != nil:
		return false, fmt.Errorf("read local record: %w", err)
	default:
		if !entry.Supersedes(local.Meta()) {
			return false, nil // local copy is current or newer
		}
	}

	rec, err := peer.Transport.GetPayload(ctx, entry.Table, entry.ID)
	if err != nil {
		if errors.Is(err, ErrPeerUnreachable) {
			return false, fmt.Errorf("get payload: %w", err)
		}
		// Malformed or vanished payloads are skipped, not fatal.
		r.logger.Warn("payload fetch failed", "peer", peer.ID,
			"table", entry.Table, "id", entry.ID, "err", err)
		return true, nil
	}

	applied, err := r.store.Put(rec)
	if err != nil {
		if errors.Is(err, ErrDurability) {
			return false, err
		}
		r.logger.Warn("merge apply failed", "peer", peer.ID,
			"table", rec.Table, "id", rec.ID, "err", err)
		return true, nil
	}
	if applied {
		stats.RecordsPulled++
		if r.feed != nil {
			r.feed.PublishRecord(rec)
		}
	}
	return false, nil
}

// pushRecords sends local records the peer is missing or holds an older
// version of. The peer applies them through its own comparator and
// acknowledges each record; the push watermark advances past every
// acknowledged version.
func (r *Reconciler) pushRecords(ctx context.Context, peer *Peer, remote []SyncMetadata, st *PeerState, stats *RoundStats) error {
	type key struct{ table, id string }
	reported := make(map[key]SyncMetadata, len(remote))
	for _, m := range remote {
		reported[key{m.Table, m.ID}] = m
	}

	for _, table := range r.tables {
		it, err := r.store.ScanChangedSince(table, st.PushWater[table])
		if err != nil {
			return fmt.Errorf("scan for push: %w", err)
		}
		var candidates []Record
		for it.Next() {
			rec := it.Record()
			if theirs, ok := reported[key{rec.Table, rec.ID}]; ok {
				if !rec.Meta().Supersedes(theirs) {
					continue // the peer already reported this or newer
				}
			}
			candidates = append(candidates, rec)
		}
		err = it.Err()
		_ = it.Close()
		if err != nil {
			return fmt.Errorf("scan for push: %w", err)
		}

		mark := st.PushWater[table]
		for len(candidates) > 0 {
			batch := candidates
			if len(batch) > pushBatchSize {
				batch = batch[:pushBatchSize]
			}
			candidates = candidates[len(batch):]

			results, err := peer.Transport.PutPayloads(ctx, batch)
			if err != nil {
				st.PushWater[table] = mark
				return fmt.Errorf("put payloads: %w", err)
			}

			acked := make(map[key]bool, len(results))
			for _, res := range results {
				acked[key{res.Table, res.ID}] = true
				if res.Applied {
					stats.RecordsPushed++
				}
			}
			for _, rec := range batch {
				if !acked[key{rec.Table, rec.ID}] {
					// Unacknowledged: retried next round.
					stats.Skipped++
					candidates = nil
					break
				}
				if rec.Version > mark {
					mark = rec.Version
				}
			}
		}
		st.PushWater[table] = mark
	}
	return nil
}

// pullEvents fetches time-series events newer than the per-series watermark.
// Events are immutable and identified by (series, time, origin), so applying
// them needs no conflict resolution and repeats are no-ops.
func (r *Reconciler) pullEvents(ctx context.Context, peer *Peer, st *PeerState, stats *RoundStats) error {
	series, err := peer.Transport.ListSeries(ctx)
	if err != nil {
		return fmt.Errorf("list series: %w", err)
	}

	for _, name := range series {
		since := st.SeriesWater[name]
		events, err := peer.Transport.GetTimeSeries(ctx, name, since)
		if err != nil {
			return fmt.Errorf("get timeseries %q: %w", name, err)
		}
		maxTS := since
		for _, ev := range events {
			fresh, err := r.store.AppendTimeSeries(ev)
			if err != nil {
				return fmt.Errorf("append event: %w", err)
			}
			if fresh {
				stats.EventsPulled++
				if r.feed != nil {
					r.feed.PublishEvent(ev)
				}
				if r.onPull != nil {
					r.onPull(ev)
				}
			}
			if ev.Time > maxTS {
				maxTS = ev.Time
			}
		}
		st.SeriesWater[name] = maxTS
	}
	return nil
}
