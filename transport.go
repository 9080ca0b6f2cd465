package lattice

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang/snappy"
)

// Transport abstracts reachability probing and record/metadata exchange with
// one peer. Every call is bounded by a timeout; a timeout or connection
// failure is reported as ErrPeerUnreachable for this round, never as a fatal
// error. Retry cadence belongs to the Scheduler, so Transport never retries.
type Transport interface {
	// Ping probes peer reachability.
	Ping(ctx context.Context) error

	// GetMetadata returns the peer's sync metadata for records with version
	// greater than the given per-table marks. An absent mark means a full
	// digest for that table.
	GetMetadata(ctx context.Context, tables []string, since map[string]uint64) ([]SyncMetadata, error)

	// GetPayload fetches one full record.
	GetPayload(ctx context.Context, table, id string) (Record, error)

	// PutPayloads pushes full records to the peer, which applies them via
	// its own comparator and acknowledges each one.
	PutPayloads(ctx context.Context, recs []Record) ([]PutResult, error)

	// GetTimeSeries returns the peer's events in series with time greater
	// than since.
	GetTimeSeries(ctx context.Context, series string, since int64) ([]TimeSeriesEvent, error)

	// PushTimeSeries delivers events to the peer, which deduplicates by
	// identity. Returns the number newly stored.
	PushTimeSeries(ctx context.Context, events []TimeSeriesEvent) (int, error)

	// ListSeries returns the series keys the peer holds.
	ListSeries(ctx context.Context) ([]string, error)
}

// Wire types for the peer protocol.

type metadataRequest struct {
	Tables []string          `json:"tables"`
	Since  map[string]uint64 `json:"since,omitempty"`
}

type metadataResponse struct {
	Entries []SyncMetadata `json:"entries"`
}

type putPayloadsRequest struct {
	Records []Record `json:"records"`
}

type putPayloadsResponse struct {
	Results []PutResult `json:"results"`
}

type timeSeriesResponse struct {
	Events []TimeSeriesEvent `json:"events"`
}

type pushTimeSeriesRequest struct {
	Events []TimeSeriesEvent `json:"events"`
}

type pushTimeSeriesResponse struct {
	Accepted int `json:"accepted"`
}

type seriesResponse struct {
	Series []string `json:"series"`
}

type pingResponse struct {
	Node string `json:"node"`
	Time int64  `json:"time"`
}

// HTTPTransport implements Transport over the peer's HTTP API.
type HTTPTransport struct {
	baseURL string
	node    string // local node ID, sent for peer logging
	codec   string // "gzip", "snappy", or ""
	client  *http.Client
}

// NewHTTPTransport creates a transport for the peer at baseURL. Every call
// is bounded by timeout. codec selects request body compression.
func NewHTTPTransport(baseURL, node, codec string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		baseURL: baseURL,
		node:    node,
		codec:   codec,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Ping(ctx context.Context) error {
	var resp pingResponse
	return t.get(ctx, "/lattice/v1/ping", nil, &resp)
}

func (t *HTTPTransport) GetMetadata(ctx context.Context, tables []string, since map[string]uint64) ([]SyncMetadata, error) {
	req := metadataRequest{Tables: tables, Since: since}
	var resp metadataResponse
	if err := t.post(ctx, "/lattice/v1/metadata", req, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (t *HTTPTransport) GetPayload(ctx context.Context, table, id string) (Record, error) {
	q := url.Values{"table": {table}, "id": {id}}
	var rec Record
	if err := t.get(ctx, "/lattice/v1/payload", q, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (t *HTTPTransport) PutPayloads(ctx context.Context, recs []Record) ([]PutResult, error) {
	req := putPayloadsRequest{Records: recs}
	var resp putPayloadsResponse
	if err := t.post(ctx, "/lattice/v1/payloads", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (t *HTTPTransport) GetTimeSeries(ctx context.Context, series string, since int64) ([]TimeSeriesEvent, error) {
	q := url.Values{"series": {series}, "since": {strconv.FormatInt(since, 10)}}
	var resp timeSeriesResponse
	if err := t.get(ctx, "/lattice/v1/timeseries", q, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (t *HTTPTransport) PushTimeSeries(ctx context.Context, events []TimeSeriesEvent) (int, error) {
	req := pushTimeSeriesRequest{Events: events}
	var resp pushTimeSeriesResponse
	if err := t.post(ctx, "/lattice/v1/timeseries", req, &resp); err != nil {
		return 0, err
	}
	return resp.Accepted, nil
}

func (t *HTTPTransport) ListSeries(ctx context.Context) ([]string, error) {
	var resp seriesResponse
	if err := t.get(ctx, "/lattice/v1/series", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Series, nil
}

func (t *HTTPTransport) get(ctx context.Context, path string, q url.Values, out any) error {
	u := t.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return t.do(req, out)
}

func (t *HTTPTransport) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var body []byte
	var encoding string
	switch t.codec {
	case "gzip":
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(payload); err != nil {
			_ = gz.Close()
			return fmt.Errorf("compress request: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("compress request: %w", err)
		}
		body, encoding = buf.Bytes(), "gzip"
	case "snappy":
		body, encoding = snappy.Encode(nil, payload), "snappy"
	default:
		body = payload
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	return t.do(req, out)
}

func (t *HTTPTransport) do(req *http.Request, out any) error {
	req.Header.Set("X-Lattice-Node", t.node)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: status %d", ErrPeerUnreachable, resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer rejected request: status %d: %s", resp.StatusCode, body)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ Transport = (*HTTPTransport)(nil)
