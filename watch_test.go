package lattice

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestChangeFeedFanout(t *testing.T) {
	feed := NewChangeFeed(FeedConfig{}, nil)
	a := feed.Subscribe()
	b := feed.Subscribe()
	defer feed.Unsubscribe(a)
	defer feed.Unsubscribe(b)

	rec := testRecord("settings", "bedtime", `"22:00"`, 1, "hub", 100)
	feed.PublishRecord(rec)
	ev := TimeSeriesEvent{Series: "temp", Time: 10, Origin: "hub", Value: 20}
	feed.PublishEvent(ev)

	for _, sub := range []*FeedSubscription{a, b} {
		c := <-sub.C()
		if c.Kind != ChangeRecord || c.Record.ID != "bedtime" {
			t.Fatalf("unexpected first change: %+v", c)
		}
		c = <-sub.C()
		if c.Kind != ChangeEvent || c.Event.Series != "temp" {
			t.Fatalf("unexpected second change: %+v", c)
		}
	}
}

func TestChangeFeedDropsForSlowSubscriber(t *testing.T) {
	feed := NewChangeFeed(FeedConfig{BufferSize: 1}, nil)
	sub := feed.Subscribe()
	defer feed.Unsubscribe(sub)

	for i := 0; i < 3; i++ {
		feed.PublishRecord(testRecord("settings", "k", `1`, uint64(i+1), "hub", int64(i)))
	}
	if feed.Dropped() != 2 {
		t.Fatalf("Dropped = %d, want 2", feed.Dropped())
	}
	// The subscriber still gets the first message; the write path never
	// blocked.
	select {
	case c := <-sub.C():
		if c.Record.Version != 1 {
			t.Fatalf("unexpected buffered change: %+v", c)
		}
	default:
		t.Fatal("buffered change missing")
	}
}

func TestChangeFeedUnsubscribeStopsDelivery(t *testing.T) {
	feed := NewChangeFeed(FeedConfig{}, nil)
	sub := feed.Subscribe()
	feed.Unsubscribe(sub)

	feed.PublishRecord(testRecord("settings", "k", `1`, 1, "hub", 1))
	select {
	case <-sub.C():
		t.Fatal("unsubscribed subscription received a change")
	default:
	}
	select {
	case <-sub.done:
	default:
		t.Fatal("unsubscribe should close the subscription")
	}
}

func TestChangeFeedWebSocketStream(t *testing.T) {
	feed := NewChangeFeed(FeedConfig{}, nil)
	srv := httptest.NewServer(feed)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Wait for the server side of the upgrade to register its subscription.
	deadline := time.Now().Add(5 * time.Second)
	for {
		feed.mu.RLock()
		n := len(feed.subs)
		feed.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	feed.PublishRecord(testRecord("settings", "bedtime", `"22:30"`, 2, "hub", 100))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var c Change
	if err := conn.ReadJSON(&c); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if c.Kind != ChangeRecord || c.Record == nil || string(c.Record.Payload) != `"22:30"` {
		t.Fatalf("unexpected change over websocket: %+v", c)
	}
}
