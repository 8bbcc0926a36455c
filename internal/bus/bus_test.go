package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testEvent struct {
	Seq int `json:"seq"`
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestPublishReachesPeerInstance(t *testing.T) {
	rdb := newTestRedis(t)
	a := New(rdb, "server-a")
	b := New(rdb, "server-b")
	defer a.Close()
	defer b.Close()

	got := make(chan testEvent, 1)
	cancel, err := b.Subscribe(TopicGame("g1"), func(topic string, payload []byte) {
		var ev testEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		got <- ev
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := a.Publish(context.Background(), TopicGame("g1"), testEvent{Seq: 7}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Seq != 7 {
			t.Fatalf("seq = %d, want 7", ev.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestSelfOriginatedFramesDropped(t *testing.T) {
	rdb := newTestRedis(t)
	a := New(rdb, "server-a")
	defer a.Close()

	got := make(chan struct{}, 1)
	cancel, err := a.Subscribe(TopicPresence, func(string, []byte) { got <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := a.Publish(context.Background(), TopicPresence, testEvent{Seq: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-got:
		t.Fatalf("self-originated frame was delivered")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	rdb := newTestRedis(t)
	a := New(rdb, "server-a")
	b := New(rdb, "server-b")
	defer a.Close()
	defer b.Close()

	got := make(chan struct{}, 4)
	cancel, err := b.Subscribe(TopicIdentity("u1"), func(string, []byte) { got <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	cancel() // idempotent

	_ = a.Publish(context.Background(), TopicIdentity("u1"), testEvent{Seq: 1})
	select {
	case <-got:
		t.Fatalf("delivery after cancel")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := ParseRedisURL("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("ParseRedisURL: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if _, err := ParseRedisURL("http://localhost"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
