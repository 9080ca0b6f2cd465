package lattice

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// snapshotNonceSize is the AES-GCM nonce size.
	snapshotNonceSize = 12
	// snapshotSaltSize is the PBKDF2 salt size.
	snapshotSaltSize = 32
	// snapshotKeySize is the AES-256 key size.
	snapshotKeySize = 32
	// snapshotKDFIterations is the PBKDF2 iteration count.
	snapshotKDFIterations = 100000
)

// Snapshot is the full replicated state of a node, used for operator-driven
// resync after a durability failure.
type Snapshot struct {
	NodeID    string            `json:"node_id"`
	CreatedAt int64             `json:"created_at"`
	Seq       uint64            `json:"seq"`
	Records   []Record          `json:"records"`
	Events    []TimeSeriesEvent `json:"events"`
}

// exportRecords returns every record, tombstones included, ordered by
// (table, id) for a stable snapshot layout.
func (s *SQLiteStore) exportRecords() ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT tbl, id, payload, version, origin, ts, tombstone
		 FROM records ORDER BY tbl, id`)
	if err != nil {
		return nil, fmt.Errorf("export records: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		var tomb int
		if err := rows.Scan(&rec.Table, &rec.ID, &payload, &rec.Version,
			&rec.Origin, &rec.Timestamp, &tomb); err != nil {
			return nil, err
		}
		rec.Payload = payload
		rec.Tombstone = tomb != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// exportEvents returns every time-series event ordered by (series, time).
func (s *SQLiteStore) exportEvents() ([]TimeSeriesEvent, error) {
	rows, err := s.db.Query(
		`SELECT series, ts, origin, value, meta FROM timeseries ORDER BY series, ts`)
	if err != nil {
		return nil, fmt.Errorf("export events: %w", err)
	}
	defer rows.Close()
	var out []TimeSeriesEvent
	for rows.Next() {
		var ev TimeSeriesEvent
		var meta []byte
		if err := rows.Scan(&ev.Series, &ev.Time, &ev.Origin, &ev.Value, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// takeSnapshot captures the store's full state.
func takeSnapshot(store *SQLiteStore, nodeID string) (*Snapshot, error) {
	records, err := store.exportRecords()
	if err != nil {
		return nil, err
	}
	events, err := store.exportEvents()
	if err != nil {
		return nil, err
	}
	seq, err := store.currentSeq(nodeID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		NodeID:    nodeID,
		CreatedAt: time.Now().UnixNano(),
		Seq:       seq,
		Records:   records,
		Events:    events,
	}, nil
}

// restoreSnapshot replaces the store's replicated state with the snapshot
// contents. Peer watermarks are cleared so the next round against each peer
// is a full digest exchange, and the clock sequence is advanced past the
// snapshot's so new local writes still supersede restored ones.
func restoreSnapshot(store *SQLiteStore, nodeID string, snap *Snapshot) error {
	if err := store.reset(); err != nil {
		return err
	}
	for _, rec := range snap.Records {
		if _, err := store.Put(rec); err != nil {
			return fmt.Errorf("restore record %s/%s: %w", rec.Table, rec.ID, err)
		}
	}
	for _, ev := range snap.Events {
		if _, err := store.AppendTimeSeries(ev); err != nil {
			return fmt.Errorf("restore event %s: %w", ev.Series, err)
		}
	}
	cur, err := store.currentSeq(nodeID)
	if err != nil {
		return err
	}
	if snap.Seq > cur {
		if err := store.setSeq(nodeID, snap.Seq); err != nil {
			return err
		}
	}
	return nil
}

// encodeSnapshot serializes a snapshot as gzip-compressed JSON, sealed with
// AES-256-GCM when password is non-empty. The encrypted layout is
// salt || nonce || ciphertext.
func encodeSnapshot(snap *Snapshot, password string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if password == "" {
		return buf.Bytes(), nil
	}

	salt := make([]byte, snapshotSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := snapshotAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, snapshotNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, snapshotSaltSize+snapshotNonceSize+buf.Len()+16)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, buf.Bytes(), nil)
	return out, nil
}

// decodeSnapshot reverses encodeSnapshot.
func decodeSnapshot(data []byte, password string) (*Snapshot, error) {
	if password != "" {
		if len(data) < snapshotSaltSize+snapshotNonceSize {
			return nil, errors.New("snapshot too short")
		}
		salt := data[:snapshotSaltSize]
		nonce := data[snapshotSaltSize : snapshotSaltSize+snapshotNonceSize]
		gcm, err := snapshotAEAD(password, salt)
		if err != nil {
			return nil, err
		}
		data, err = gcm.Open(nil, nonce, data[snapshotSaltSize+snapshotNonceSize:], nil)
		if err != nil {
			return nil, fmt.Errorf("decrypt snapshot: %w", err)
		}
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	defer gz.Close()
	var snap Snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func snapshotAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, snapshotKDFIterations, snapshotKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return gcm, nil
}

// S3SnapshotStore stores encoded snapshots in an S3-compatible bucket.
type S3SnapshotStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3SnapshotStore creates a snapshot store for the configured bucket.
func NewS3SnapshotStore(cfg S3Config) (*S3SnapshotStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3SnapshotStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Upload stores an encoded snapshot under key.
func (s *S3SnapshotStore) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	return nil
}

// Download fetches an encoded snapshot by key.
func (s *S3SnapshotStore) Download(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		return nil, fmt.Errorf("download snapshot: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download snapshot: %w", err)
	}
	return data, nil
}

// List returns snapshot keys under the configured prefix, newest-named
// last.
func (s *S3SnapshotStore) List(ctx context.Context) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
