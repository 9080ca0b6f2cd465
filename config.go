package lattice

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines node configuration.
type Config struct {
	// NodeID uniquely identifies this node among all peers. Required.
	NodeID string `yaml:"node_id"`

	// Path is the file path for the local SQLite store. Required.
	Path string `yaml:"path"`

	// Tables lists the replicated config tables. Required, at least one.
	Tables []string `yaml:"tables"`

	// Peers are the remote nodes this node reconciles with. A thin client
	// typically configures a single peer (the hub).
	Peers []PeerConfig `yaml:"peers"`

	// SyncInterval is the base interval between reconciliation rounds per
	// peer. Default: 1m.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxBackoff caps the failure backoff interval. Default: 30m.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// RequestTimeout bounds every transport call. Default: 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// StaleThreshold is the number of consecutive failed rounds after which
	// a peer is reported stale. Default: 5.
	StaleThreshold int `yaml:"stale_threshold"`

	// TombstoneRetention is how long deleted records are kept before
	// garbage collection. Must exceed the worst-case offline duration of
	// any peer. Default: 720h (30 days).
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`

	// Compression selects the request body codec for payload pushes:
	// "gzip", "snappy", or "" for uncompressed. Default: "gzip".
	Compression string `yaml:"compression"`

	// OfflineQueue configures the durable client-side mutation buffer.
	// If nil, mutations are written straight to the local store only.
	OfflineQueue *OfflineQueueConfig `yaml:"offline_queue"`

	// Feed configures the WebSocket change feed.
	// If nil or Enabled is false, the feed endpoint is disabled.
	Feed *FeedConfig `yaml:"feed"`

	// RemoteWrite configures forwarding of applied time-series events to a
	// Prometheus remote-write endpoint. If nil or Enabled is false, no
	// forwarding occurs.
	RemoteWrite *RemoteWriteConfig `yaml:"remote_write"`

	// Snapshot configures full-state snapshots for operator-driven resync.
	Snapshot *SnapshotConfig `yaml:"snapshot"`

	// Logger receives structured log output. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// PeerConfig identifies one remote peer.
type PeerConfig struct {
	// ID is the peer's node ID. Required, unique.
	ID string `yaml:"id"`
	// URL is the peer's base URL (e.g. "http://hub:7946"). Required.
	URL string `yaml:"url"`
}

// DefaultConfig returns a configuration with sensible defaults.
// NodeID, Path, and Tables must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		SyncInterval:       time.Minute,
		MaxBackoff:         30 * time.Minute,
		RequestTimeout:     10 * time.Second,
		StaleThreshold:     5,
		TombstoneRetention: 720 * time.Hour,
		Compression:        "gzip",
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// validate checks the configuration at startup. Misconfiguration is fatal.
func (c *Config) validate() error {
	if c.NodeID == "" {
		return errors.New("node_id is required")
	}
	if c.Path == "" {
		return errors.New("path is required")
	}
	if len(c.Tables) == 0 {
		return errors.New("at least one table is required")
	}
	seen := make(map[string]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" || p.URL == "" {
			return fmt.Errorf("peer %q: id and url are required", p.ID)
		}
		if p.ID == c.NodeID {
			return fmt.Errorf("peer %q duplicates the local node ID", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate peer ID %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	switch c.Compression {
	case "", "gzip", "snappy":
	default:
		return fmt.Errorf("unknown compression codec %q", c.Compression)
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Minute
	}
	if c.MaxBackoff < c.SyncInterval {
		c.MaxBackoff = 30 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5
	}
	if c.TombstoneRetention <= 0 {
		c.TombstoneRetention = 720 * time.Hour
	}
	return nil
}

// OfflineQueueConfig configures the durable offline mutation queue.
type OfflineQueueConfig struct {
	// Enabled turns on offline queueing.
	Enabled bool `yaml:"enabled"`
	// Path is the queue file path. Defaults to <store path>.queue.
	Path string `yaml:"path"`
	// CompactThreshold is the number of acknowledged entries tolerated at
	// the head of the file before it is rewritten. Default: 256.
	CompactThreshold int `yaml:"compact_threshold"`
}

// FeedConfig configures the WebSocket change feed.
type FeedConfig struct {
	// Enabled turns on the /lattice/v1/watch endpoint.
	Enabled bool `yaml:"enabled"`
	// BufferSize is the per-subscriber channel buffer. Default: 256.
	BufferSize int `yaml:"buffer_size"`
	// PingInterval is how often to ping subscribers. Default: 30s.
	PingInterval time.Duration `yaml:"ping_interval"`
	// WriteTimeout bounds WebSocket writes. Default: 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RemoteWriteConfig configures Prometheus remote-write forwarding.
type RemoteWriteConfig struct {
	// Enabled turns on forwarding.
	Enabled bool `yaml:"enabled"`
	// URL is the remote-write endpoint.
	URL string `yaml:"url"`
	// BatchSize is the maximum samples per request. Default: 500.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval is the maximum time a sample waits before being sent.
	// Default: 5s.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries is the attempt count per batch. Default: 3.
	MaxRetries int `yaml:"max_retries"`
}

// SnapshotConfig configures full-state snapshots.
type SnapshotConfig struct {
	// KeyPassword, if non-empty, encrypts snapshots with a key derived via
	// PBKDF2.
	KeyPassword string `yaml:"key_password"`
	// S3 optionally stores snapshots in an S3-compatible bucket.
	S3 *S3Config `yaml:"s3"`
}

// S3Config configures the S3 snapshot store.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint for compatible services (MinIO).
	Endpoint string `yaml:"endpoint"`
	// Prefix is prepended to all object keys.
	Prefix string `yaml:"prefix"`
	// AccessKeyID and SecretAccessKey are static credentials. Prefer IAM
	// roles or environment variables; do not commit credentials.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}
