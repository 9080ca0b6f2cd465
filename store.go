package lattice

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// Store is the narrow persistence interface the sync engine requires:
// keyed record storage with comparator-gated writes, an append-only
// time-series log, and per-peer replication watermarks.
type Store interface {
	// Put applies the record only if it supersedes the stored one under the
	// last-writer-wins comparator. The read-compare-write is atomic with
	// respect to concurrent callers. Returns whether the record was applied.
	Put(rec Record) (bool, error)

	// Get returns the current record, or ErrNotFound. Tombstoned records
	// are returned with Tombstone set.
	Get(table, id string) (Record, error)

	// ScanChangedSince returns an ascending-by-version iterator over records
	// in table with version strictly greater than mark.
	ScanChangedSince(table string, mark uint64) (*RecordIterator, error)

	// AppendTimeSeries inserts an event, ignoring duplicates of the same
	// (series, time, origin) identity. Returns whether the event was new.
	AppendTimeSeries(ev TimeSeriesEvent) (bool, error)

	// ScanTimeSeriesSince returns an ascending-by-time iterator over events
	// in series with time strictly greater than since.
	ScanTimeSeriesSince(series string, since int64) (*EventIterator, error)

	// ListSeries returns the distinct series keys present locally.
	ListSeries() ([]string, error)

	// PeerState returns the persisted replication state for a peer,
	// zero-valued on first contact.
	PeerState(peerID string) (PeerState, error)

	// SavePeerState persists the replication state for a peer.
	SavePeerState(st PeerState) error
}

// SQLiteStore implements Store on a single SQLite database file. The same
// file also persists the version clock sequence, so a record can never be
// stamped with a sequence number that did not survive to disk first.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex // serializes read-compare-write transactions
	closed bool

	// onFatal is invoked when a write cannot be made durable.
	onFatal func(error)
}

// StoreOption configures a SQLiteStore.
type StoreOption func(*SQLiteStore)

// WithFatalHandler sets a callback invoked on durability failures.
func WithFatalHandler(fn func(error)) StoreOption {
	return func(s *SQLiteStore) {
		s.onFatal = fn
	}
}

// OpenStore opens or creates the SQLite store at path.
func OpenStore(path string, opts ...StoreOption) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// The write path is serialized by s.mu; a single connection keeps the
	// driver from returning SQLITE_BUSY on overlapping readers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS records (
			tbl       TEXT NOT NULL,
			id        TEXT NOT NULL,
			payload   BLOB,
			version   INTEGER NOT NULL,
			origin    TEXT NOT NULL,
			ts        INTEGER NOT NULL,
			tombstone INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tbl, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_version ON records(tbl, version)`,
		`CREATE TABLE IF NOT EXISTS timeseries (
			series TEXT NOT NULL,
			ts     INTEGER NOT NULL,
			origin TEXT NOT NULL,
			value  REAL NOT NULL,
			meta   TEXT,
			PRIMARY KEY (series, ts, origin)
		)`,
		`CREATE TABLE IF NOT EXISTS peer_tables (
			peer       TEXT NOT NULL,
			tbl        TEXT NOT NULL,
			pull_water INTEGER NOT NULL DEFAULT 0,
			push_water INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (peer, tbl)
		)`,
		`CREATE TABLE IF NOT EXISTS peer_series (
			peer   TEXT NOT NULL,
			series TEXT NOT NULL,
			max_ts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (peer, series)
		)`,
		`CREATE TABLE IF NOT EXISTS peer_meta (
			peer      TEXT PRIMARY KEY,
			last_sync INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS clock (
			node TEXT PRIMARY KEY,
			seq  INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// fatal reports a durability failure and returns the wrapped error.
func (s *SQLiteStore) fatal(err error) error {
	wrapped := fmt.Errorf("%w: %v", ErrDurability, err)
	if s.onFatal != nil {
		s.onFatal(wrapped)
	}
	return wrapped
}

// Put applies rec only if it supersedes the stored tuple. The comparator
// evaluation and the write happen inside one transaction under s.mu, so
// merges from different peers cannot race past each other.
func (s *SQLiteStore) Put(rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, s.fatal(err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur SyncMetadata
	row := tx.QueryRow(
		`SELECT version, origin, ts, tombstone FROM records WHERE tbl = ? AND id = ?`,
		rec.Table, rec.ID)
	var tomb int
	err = row.Scan(&cur.Version, &cur.Origin, &cur.Timestamp, &tomb)
	switch {
	case err == sql.ErrNoRows:
		// First write for this key.
	case err != nil:
		return false, fmt.Errorf("read current record: %w", err)
	default:
		cur.Table, cur.ID, cur.Tombstone = rec.Table, rec.ID, tomb != 0
		if !rec.Meta().Supersedes(cur) {
			return false, nil
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO records (tbl, id, payload, version, origin, ts, tombstone)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tbl, id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			origin = excluded.origin,
			ts = excluded.ts,
			tombstone = excluded.tombstone`,
		rec.Table, rec.ID, []byte(rec.Payload), rec.Version, rec.Origin,
		rec.Timestamp, boolInt(rec.Tombstone)); err != nil {
		return false, s.fatal(err)
	}
	if err := tx.Commit(); err != nil {
		return false, s.fatal(err)
	}
	return true, nil
}

// Get returns the current record, including tombstones.
func (s *SQLiteStore) Get(table, id string) (Record, error) {
	rec := Record{Table: table, ID: id}
	var payload []byte
	var tomb int
	err := s.db.QueryRow(
		`SELECT payload, version, origin, ts, tombstone FROM records WHERE tbl = ? AND id = ?`,
		table, id).Scan(&payload, &rec.Version, &rec.Origin, &rec.Timestamp, &tomb)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	rec.Payload = payload
	rec.Tombstone = tomb != 0
	return rec, nil
}

// RecordIterator lazily yields records from a scan in ascending version
// order. Callers must Close it.
type RecordIterator struct {
	rows *sql.Rows
	cur  Record
	err  error
}

// Next advances the iterator. It returns false at the end or on error.
func (it *RecordIterator) Next() bool {
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}
	var payload []byte
	var tomb int
	it.err = it.rows.Scan(&it.cur.Table, &it.cur.ID, &payload,
		&it.cur.Version, &it.cur.Origin, &it.cur.Timestamp, &tomb)
	if it.err != nil {
		return false
	}
	it.cur.Payload = payload
	it.cur.Tombstone = tomb != 0
	return true
}

// Record returns the current record.
func (it *RecordIterator) Record() Record { return it.cur }

// Err returns the first error encountered during iteration.
func (it *RecordIterator) Err() error { return it.err }

// Close releases the iterator.
func (it *RecordIterator) Close() error { return it.rows.Close() }

// ScanChangedSince returns records in table with version > mark, ascending.
func (s *SQLiteStore) ScanChangedSince(table string, mark uint64) (*RecordIterator, error) {
	rows, err := s.db.Query(
		`SELECT tbl, id, payload, version, origin, ts, tombstone
		 FROM records WHERE tbl = ? AND version > ? ORDER BY version ASC`,
		table, mark)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return &RecordIterator{rows: rows}, nil
}

// AppendTimeSeries inserts ev if its (series, time, origin) identity is new.
func (s *SQLiteStore) AppendTimeSeries(ev TimeSeriesEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	var meta []byte
	if len(ev.Meta) > 0 {
		var err error
		meta, err = json.Marshal(ev.Meta)
		if err != nil {
			return false, fmt.Errorf("encode event meta: %w", err)
		}
	}
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO timeseries (series, ts, origin, value, meta)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.Series, ev.Time, ev.Origin, ev.Value, meta)
	if err != nil {
		return false, s.fatal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	return n > 0, nil
}

// EventIterator lazily yields time-series events in ascending time order.
type EventIterator struct {
	rows *sql.Rows
	cur  TimeSeriesEvent
	err  error
}

// Next advances the iterator.
func (it *EventIterator) Next() bool {
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}
	var meta []byte
	it.err = it.rows.Scan(&it.cur.Series, &it.cur.Time, &it.cur.Origin,
		&it.cur.Value, &meta)
	if it.err != nil {
		return false
	}
	it.cur.Meta = nil
	if len(meta) > 0 {
		it.err = json.Unmarshal(meta, &it.cur.Meta)
		if it.err != nil {
			return false
		}
	}
	return true
}

// Event returns the current event.
func (it *EventIterator) Event() TimeSeriesEvent { return it.cur }

// Err returns the first error encountered during iteration.
func (it *EventIterator) Err() error { return it.err }

// Close releases the iterator.
func (it *EventIterator) Close() error { return it.rows.Close() }

// ScanTimeSeriesSince returns events in series with time > since, ascending.
func (s *SQLiteStore) ScanTimeSeriesSince(series string, since int64) (*EventIterator, error) {
	rows, err := s.db.Query(
		`SELECT series, ts, origin, value, meta
		 FROM timeseries WHERE series = ? AND ts > ? ORDER BY ts ASC`,
		series, since)
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return &EventIterator{rows: rows}, nil
}

// ListSeries returns the distinct series keys present locally.
func (s *SQLiteStore) ListSeries() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT series FROM timeseries ORDER BY series`)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// PeerState returns the persisted replication state for peerID. A peer never
// synced before gets zero watermarks, which makes the first round a full
// digest exchange.
func (s *SQLiteStore) PeerState(peerID string) (PeerState, error) {
	st := PeerState{
		PeerID:      peerID,
		PullWater:   make(map[string]uint64),
		PushWater:   make(map[string]uint64),
		SeriesWater: make(map[string]int64),
	}

	var last int64
	err := s.db.QueryRow(`SELECT last_sync FROM peer_meta WHERE peer = ?`, peerID).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return st, fmt.Errorf("load peer meta: %w", err)
	}
	if last > 0 {
		st.LastSync = time.Unix(0, last)
	}

	rows, err := s.db.Query(
		`SELECT tbl, pull_water, push_water FROM peer_tables WHERE peer = ?`, peerID)
	if err != nil {
		return st, fmt.Errorf("load peer tables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tbl string
		var pull, push uint64
		if err := rows.Scan(&tbl, &pull, &push); err != nil {
			return st, err
		}
		st.PullWater[tbl] = pull
		st.PushWater[tbl] = push
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	srows, err := s.db.Query(
		`SELECT series, max_ts FROM peer_series WHERE peer = ?`, peerID)
	if err != nil {
		return st, fmt.Errorf("load peer series: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var series string
		var maxTS int64
		if err := srows.Scan(&series, &maxTS); err != nil {
			return st, err
		}
		st.SeriesWater[series] = maxTS
	}
	return st, srows.Err()
}

// SavePeerState persists the replication state for a peer in one
// transaction.
func (s *SQLiteStore) SavePeerState(st PeerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return s.fatal(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO peer_meta (peer, last_sync) VALUES (?, ?)
		 ON CONFLICT (peer) DO UPDATE SET last_sync = excluded.last_sync`,
		st.PeerID, st.LastSync.UnixNano()); err != nil {
		return s.fatal(err)
	}
	for tbl := range st.PullWater {
		if _, err := tx.Exec(
			`INSERT INTO peer_tables (peer, tbl, pull_water, push_water) VALUES (?, ?, ?, ?)
			 ON CONFLICT (peer, tbl) DO UPDATE SET
				pull_water = excluded.pull_water,
				push_water = excluded.push_water`,
			st.PeerID, tbl, st.PullWater[tbl], st.PushWater[tbl]); err != nil {
			return s.fatal(err)
		}
	}
	for series, maxTS := range st.SeriesWater {
		if _, err := tx.Exec(
			`INSERT INTO peer_series (peer, series, max_ts) VALUES (?, ?, ?)
			 ON CONFLICT (peer, series) DO UPDATE SET max_ts = excluded.max_ts`,
			st.PeerID, series, maxTS); err != nil {
			return s.fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.fatal(err)
	}
	return nil
}

// PurgeTombstones deletes tombstoned records older than cutoff (Unix nanos).
// The retention window must exceed the worst-case offline duration of any
// peer, or a delete can resurrect.
func (s *SQLiteStore) PurgeTombstones(cutoff int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	res, err := s.db.Exec(
		`DELETE FROM records WHERE tombstone = 1 AND ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	return res.RowsAffected()
}

// nextSeq atomically increments and persists the clock sequence for node,
// returning the new value. The commit lands before the value is handed out.
func (s *SQLiteStore) nextSeq(node string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, s.fatal(err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	err = tx.QueryRow(`SELECT seq FROM clock WHERE node = ?`, node).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	seq++
	if _, err := tx.Exec(
		`INSERT INTO clock (node, seq) VALUES (?, ?)
		 ON CONFLICT (node) DO UPDATE SET seq = excluded.seq`,
		node, seq); err != nil {
		return 0, s.fatal(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, s.fatal(err)
	}
	return seq, nil
}

// currentSeq returns the last issued sequence number for node.
func (s *SQLiteStore) currentSeq(node string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(`SELECT seq FROM clock WHERE node = ?`, node).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return seq, nil
}

// setSeq forces the clock sequence for node, used by snapshot import.
func (s *SQLiteStore) setSeq(node string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.Exec(
		`INSERT INTO clock (node, seq) VALUES (?, ?)
		 ON CONFLICT (node) DO UPDATE SET seq = excluded.seq`,
		node, seq); err != nil {
		return s.fatal(err)
	}
	return nil
}

// reset wipes all replicated state in one transaction, used by snapshot
// import before reloading.
func (s *SQLiteStore) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tx, err := s.db.Begin()
	if err != nil {
		return s.fatal(err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{
		`DELETE FROM records`,
		`DELETE FROM timeseries`,
		`DELETE FROM peer_tables`,
		`DELETE FROM peer_series`,
		`DELETE FROM peer_meta`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return s.fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.fatal(err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
