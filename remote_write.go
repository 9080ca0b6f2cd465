package lattice

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// RemoteWriteForwarder forwards locally-applied time-series events to a
// Prometheus remote-write endpoint. Events are batched and flushed on a
// timer; delivery failures are retried a bounded number of times and then
// dropped, since the events remain queryable locally.
type RemoteWriteForwarder struct {
	cfg    RemoteWriteConfig
	node   string
	client *http.Client
	logger *slog.Logger

	queue chan TimeSeriesEvent
	stop  chan struct{}
	done  chan struct{}
}

// NewRemoteWriteForwarder creates a forwarder. Call Start to begin
// forwarding.
func NewRemoteWriteForwarder(cfg RemoteWriteConfig, node string, logger *slog.Logger) *RemoteWriteForwarder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteWriteForwarder{
		cfg:    cfg,
		node:   node,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		queue:  make(chan TimeSeriesEvent, 10000),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the forwarding loop.
func (f *RemoteWriteForwarder) Start() {
	go f.loop()
}

// Stop flushes pending samples and stops the loop.
func (f *RemoteWriteForwarder) Stop() {
	close(f.stop)
	<-f.done
}

// Enqueue buffers an event for forwarding; full buffers drop rather than
// block the merge path.
func (f *RemoteWriteForwarder) Enqueue(ev TimeSeriesEvent) {
	select {
	case f.queue <- ev:
	default:
	}
}

func (f *RemoteWriteForwarder) loop() {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]TimeSeriesEvent, 0, f.cfg.BatchSize)
	for {
		select {
		case <-f.stop:
			f.flush(batch)
			return
		case ev := <-f.queue:
			batch = append(batch, ev)
			if len(batch) >= f.cfg.BatchSize {
				f.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				f.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (f *RemoteWriteForwarder) flush(events []TimeSeriesEvent) {
	if len(events) == 0 || f.cfg.URL == "" {
		return
	}

	req := buildWriteRequest(events)
	raw, err := req.Marshal()
	if err != nil {
		f.logger.Error("remote write marshal error", "err", err)
		return
	}
	payload := snappy.Encode(nil, raw)

	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		err = f.send(payload)
		if err == nil {
			return
		}
		if attempt < f.cfg.MaxRetries {
			select {
			case <-f.stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	f.logger.Warn("remote write dropped batch",
		"samples", len(events), "attempts", f.cfg.MaxRetries, "err", err)
}

func (f *RemoteWriteForwarder) send(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("remote write status %d", resp.StatusCode)
	}
	return nil
}

// buildWriteRequest converts events into remote-write protobuf form,
// grouping samples by series identity.
func buildWriteRequest(events []TimeSeriesEvent) *prompb.WriteRequest {
	grouped := make(map[string][]TimeSeriesEvent)
	for _, ev := range events {
		key := ev.Series + "\x00" + ev.Origin
		grouped[key] = append(grouped[key], ev)
	}

	req := &prompb.WriteRequest{}
	for _, group := range grouped {
		labels := []prompb.Label{
			{Name: "__name__", Value: sanitizeMetricName(group[0].Series)},
			{Name: "origin", Value: group[0].Origin},
		}
		for k, v := range group[0].Meta {
			labels = append(labels, prompb.Label{Name: sanitizeMetricName(k), Value: v})
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

		ts := prompb.TimeSeries{Labels: labels}
		for _, ev := range group {
			ts.Samples = append(ts.Samples, prompb.Sample{
				Value:     ev.Value,
				Timestamp: ev.Time / int64(time.Millisecond),
			})
		}
		sort.Slice(ts.Samples, func(i, j int) bool {
			return ts.Samples[i].Timestamp < ts.Samples[j].Timestamp
		})
		req.Timeseries = append(req.Timeseries, ts)
	}
	return req
}

// sanitizeMetricName maps a series key to a valid Prometheus metric name.
func sanitizeMetricName(name string) string {
	out := []byte(name)
	for i, c := range out {
		valid := c == '_' || c == ':' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9' && i > 0)
		if !valid {
			out[i] = '_'
		}
	}
	return string(out)
}
