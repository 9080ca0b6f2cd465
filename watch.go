package lattice

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ChangeKind identifies what a feed message carries.
type ChangeKind string

const (
	ChangeRecord ChangeKind = "record"
	ChangeEvent  ChangeKind = "event"
)

// Change is one applied mutation streamed to feed subscribers.
type Change struct {
	Kind   ChangeKind       `json:"kind"`
	Record *Record          `json:"record,omitempty"`
	Event  *TimeSeriesEvent `json:"event,omitempty"`
}

// FeedSubscription is an active change feed subscription.
type FeedSubscription struct {
	ID     string
	ch     chan Change
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// C returns the channel for receiving changes.
func (s *FeedSubscription) C() <-chan Change { return s.ch }

// Close ends the subscription.
func (s *FeedSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// ChangeFeed fans out applied merges and time-series appends to WebSocket
// subscribers, so thin clients get push updates instead of polling. Slow
// subscribers drop messages rather than block the write path.
type ChangeFeed struct {
	cfg    FeedConfig
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[string]*FeedSubscription
	nextID  atomic.Uint64
	dropped atomic.Int64
}

// NewChangeFeed creates a change feed.
func NewChangeFeed(cfg FeedConfig, logger *slog.Logger) *ChangeFeed {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeFeed{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]*FeedSubscription),
	}
}

// Subscribe registers an in-process subscriber.
func (f *ChangeFeed) Subscribe() *FeedSubscription {
	sub := &FeedSubscription{
		ID:   fmt.Sprintf("sub-%d", f.nextID.Add(1)),
		ch:   make(chan Change, f.cfg.BufferSize),
		done: make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[sub.ID] = sub
	f.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber.
func (f *ChangeFeed) Unsubscribe(sub *FeedSubscription) {
	f.mu.Lock()
	delete(f.subs, sub.ID)
	f.mu.Unlock()
	sub.Close()
}

// PublishRecord fans out an applied record merge.
func (f *ChangeFeed) PublishRecord(rec Record) {
	f.publish(Change{Kind: ChangeRecord, Record: &rec})
}

// PublishEvent fans out a freshly stored time-series event.
func (f *ChangeFeed) PublishEvent(ev TimeSeriesEvent) {
	f.publish(Change{Kind: ChangeEvent, Event: &ev})
}

func (f *ChangeFeed) publish(c Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		select {
		case sub.ch <- c:
		default:
			f.dropped.Add(1)
		}
	}
}

// Dropped returns the count of messages dropped for slow subscribers.
func (f *ChangeFeed) Dropped() int64 { return f.dropped.Load() }

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and streams changes until the client
// disconnects.
func (f *ChangeFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("feed upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := f.Subscribe()
	defer f.Unsubscribe(sub)

	// Discard inbound frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	pinger := time.NewTicker(f.cfg.PingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-sub.done:
			return
		case c := <-sub.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
			if err := conn.WriteJSON(c); err != nil {
				return
			}
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
