package lattice

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/snappy"
)

const maxRequestBody = 32 << 20 // 32MB

// PeerServer exposes the peer protocol over HTTP. It is the server half of
// HTTPTransport: every transport call maps to exactly one route here.
type PeerServer struct {
	node   string
	store  Store
	tables map[string]struct{}
	feed   *ChangeFeed // optional
	logger *slog.Logger
}

// NewPeerServer creates the protocol handler for this node's store.
func NewPeerServer(node string, store Store, tables []string, feed *ChangeFeed, logger *slog.Logger) *PeerServer {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		allowed[t] = struct{}{}
	}
	return &PeerServer{
		node:   node,
		store:  store,
		tables: allowed,
		feed:   feed,
		logger: logger,
	}
}

// Register mounts the protocol routes on mux.
func (ps *PeerServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/lattice/v1/ping", ps.handlePing)
	mux.HandleFunc("/lattice/v1/metadata", ps.handleMetadata)
	mux.HandleFunc("/lattice/v1/payload", ps.handlePayload)
	mux.HandleFunc("/lattice/v1/payloads", ps.handlePayloads)
	mux.HandleFunc("/lattice/v1/timeseries", ps.handleTimeSeries)
	mux.HandleFunc("/lattice/v1/series", ps.handleSeries)
}

func (ps *PeerServer) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, pingResponse{Node: ps.node, Time: time.Now().UnixNano()})
}

func (ps *PeerServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req metadataRequest
	if err := ps.readBody(w, r, &req); err != nil {
		return
	}

	resp := metadataResponse{Entries: []SyncMetadata{}}
	for _, table := range req.Tables {
		if _, ok := ps.tables[table]; !ok {
			continue
		}
		it, err := ps.store.ScanChangedSince(table, req.Since[table])
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for it.Next() {
			resp.Entries = append(resp.Entries, it.Record().Meta())
		}
		err = it.Err()
		_ = it.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, resp)
}

func (ps *PeerServer) handlePayload(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	id := r.URL.Query().Get("id")
	if table == "" || id == "" {
		http.Error(w, "table and id are required", http.StatusBadRequest)
		return
	}
	rec, err := ps.store.Get(table, id)
	if err == ErrNotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func (ps *PeerServer) handlePayloads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req putPayloadsRequest
	if err := ps.readBody(w, r, &req); err != nil {
		return
	}

	from := r.Header.Get("X-Lattice-Node")
	results := make([]PutResult, 0, len(req.Records))
	for _, rec := range req.Records {
		res := PutResult{Table: rec.Table, ID: rec.ID}
		if _, ok := ps.tables[rec.Table]; !ok {
			results = append(results, res)
			continue
		}
		applied, err := ps.store.Put(rec)
		if err != nil {
			// The record is reported unapplied; the peer retries next round.
			ps.logger.Warn("push apply failed",
				"from", from, "table", rec.Table, "id", rec.ID, "err", err)
			results = append(results, res)
			continue
		}
		res.Applied = applied
		if applied && ps.feed != nil {
			ps.feed.PublishRecord(rec)
		}
		results = append(results, res)
	}
	writeJSON(w, putPayloadsResponse{Results: results})
}

func (ps *PeerServer) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		series := r.URL.Query().Get("series")
		if series == "" {
			http.Error(w, "series is required", http.StatusBadRequest)
			return
		}
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		it, err := ps.store.ScanTimeSeriesSince(series, since)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := timeSeriesResponse{Events: []TimeSeriesEvent{}}
		for it.Next() {
			resp.Events = append(resp.Events, it.Event())
		}
		err = it.Err()
		_ = it.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, resp)

	case http.MethodPost:
		var req pushTimeSeriesRequest
		if err := ps.readBody(w, r, &req); err != nil {
			return
		}
		accepted := 0
		for _, ev := range req.Events {
			fresh, err := ps.store.AppendTimeSeries(ev)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if fresh {
				accepted++
				if ps.feed != nil {
					ps.feed.PublishEvent(ev)
				}
			}
		}
		writeJSON(w, pushTimeSeriesResponse{Accepted: accepted})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (ps *PeerServer) handleSeries(w http.ResponseWriter, r *http.Request) {
	series, err := ps.store.ListSeries()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if series == nil {
		series = []string{}
	}
	writeJSON(w, seriesResponse{Series: series})
}

// readBody decodes a JSON request body, honoring gzip and snappy
// Content-Encoding. On error it writes the HTTP response itself.
func (ps *PeerServer) readBody(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return err
	}
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return err
		}
		body, err = io.ReadAll(gz)
		_ = gz.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return err
		}
	case "snappy":
		body, err = snappy.Decode(nil, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return err
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		http.Error(w, fmt.Sprintf("malformed request: %v", err), http.StatusBadRequest)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
