package hub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestBackoffNext(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{100, time.Second},
	}
	for _, tc := range cases {
		if got := b.Next(tc.attempt); got != tc.want {
			t.Errorf("Next(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBridgeFallsBackToLocalWhenPublishFails(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	local := NewRegistry()
	c := newFakeConn("a")
	local.Admit(c)

	bridge := NewRedisBridge(client, "test:events", local)
	d, err := bridge.Broadcast(context.Background(), Event{Kind: KindNewMessage, UserID: "u1"})
	if err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	if d.Delivered != 1 || len(c.frames()) != 1 {
		t.Errorf("expected local delivery, got %+v", d)
	}
}

func TestBridgeRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	local := NewRegistry()
	c := newFakeConn("a")
	local.Admit(c)

	channel := "test:events:" + time.Now().Format("150405.000000")
	bridge := NewRedisBridge(client, channel, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridge.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := bridge.Broadcast(ctx, Event{Kind: KindNewMessage, UserID: "u1"}); err != nil {
			t.Fatal(err)
		}
		if len(c.frames()) > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("event published to redis never reached the local registry")
}
