package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	received [][]byte
	failWith error
	closed   bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.received = append(c.received, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.failWith = err
	c.mu.Unlock()
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.received...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestBroadcastFansOutToEverySubscriber(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Admit(a)
	r.Admit(b)

	ev := Event{Kind: KindNewMessage, UserID: "u1", Message: "hi"}
	d, err := r.Broadcast(context.Background(), ev)
	if err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	if d != (Delivery{Attempted: 2, Delivered: 2}) {
		t.Errorf("delivery = %+v", d)
	}

	want, _ := json.Marshal(ev)
	for _, c := range []*fakeConn{a, b} {
		got := c.frames()
		if len(got) != 1 || string(got[0]) != string(want) {
			t.Errorf("conn %s received %q, want one frame %q", c.id, got, want)
		}
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestFailedSubscriberIsPruned(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("dead")
	c.fail(errors.New("broken pipe"))
	r.Admit(c)

	d, err := r.Broadcast(context.Background(), Event{Kind: KindChatEnded, UserID: "u1"})
	if err != nil {
		t.Fatalf("Broadcast should not surface delivery errors, got %v", err)
	}
	if d.Pruned != 1 || d.Delivered != 0 {
		t.Errorf("delivery = %+v", d)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after prune", r.Len())
	}
	if !c.isClosed() {
		t.Error("pruned connection should be closed")
	}

	d, err = r.Broadcast(context.Background(), Event{Kind: KindChatEnded, UserID: "u2"})
	if err != nil {
		t.Fatalf("second Broadcast error: %v", err)
	}
	if d != (Delivery{}) {
		t.Errorf("broadcast to empty set delivered %+v", d)
	}
}

func TestRemovedSubscriberReceivesNothing(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Admit(a)
	r.Admit(b)
	r.Remove(a)

	if _, err := r.Broadcast(context.Background(), Event{Kind: KindAdminReply, UserID: "u1", Message: "ok"}); err != nil {
		t.Fatal(err)
	}
	if len(a.frames()) != 0 {
		t.Error("removed connection received a frame")
	}
	if len(b.frames()) != 1 {
		t.Errorf("remaining connection received %d frames, want 1", len(b.frames()))
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	r := NewRegistry(WithConcurrency(1))
	good1, bad, good2 := newFakeConn("g1"), newFakeConn("bad"), newFakeConn("g2")
	bad.fail(errors.New("reset by peer"))
	for _, c := range []*fakeConn{good1, bad, good2} {
		r.Admit(c)
	}

	d, err := r.Broadcast(context.Background(), Event{Kind: KindNewMessage})
	if err != nil {
		t.Fatal(err)
	}
	if d.Attempted != 3 || d.Delivered != 2 || d.Pruned != 1 {
		t.Errorf("delivery = %+v", d)
	}
	if len(good1.frames()) != 1 || len(good2.frames()) != 1 {
		t.Error("healthy connections missed the event")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestAdmitIsIdempotentPerIdentity(t *testing.T) {
	r := NewRegistry()
	first := newFakeConn("same")
	second := newFakeConn("same")
	r.Admit(first)
	r.Admit(first)
	r.Admit(second)

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if _, err := r.Broadcast(context.Background(), Event{Kind: KindNewMessage}); err != nil {
		t.Fatal(err)
	}
	if len(first.frames()) != 0 || len(second.frames()) != 1 {
		t.Error("the later admission should replace the earlier one")
	}
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Admit(newFakeConn("a"))
	r.Remove(newFakeConn("never-admitted"))
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestUnicast(t *testing.T) {
	r := NewRegistry()
	ok := newFakeConn("ok")
	bad := newFakeConn("bad")
	bad.fail(ErrClosed)
	r.Admit(ok)
	r.Admit(bad)

	if err := r.Unicast(context.Background(), ok, []byte(`{"type":"connected"}`)); err != nil {
		t.Fatalf("Unicast error: %v", err)
	}
	if got := ok.frames(); len(got) != 1 || string(got[0]) != `{"type":"connected"}` {
		t.Errorf("unicast frame = %q", got)
	}

	err := r.Unicast(context.Background(), bad, []byte("x"))
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeliveryError, got %T %v", err, err)
	}
	if de.ConnID != "bad" || !errors.Is(err, ErrClosed) {
		t.Errorf("DeliveryError = %+v", de)
	}
	if r.Len() != 2 {
		t.Error("Unicast must not change the live set")
	}
}

func TestBroadcastEncodingError(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("a")
	r.Admit(c)

	if _, err := r.Broadcast(context.Background(), make(chan int)); err == nil {
		t.Fatal("expected encoding error")
	}

	r = NewRegistry(WithEncoder(func(any) ([]byte, error) { return nil, fmt.Errorf("boom") }))
	r.Admit(c)
	if _, err := r.Broadcast(context.Background(), Event{}); err == nil {
		t.Fatal("expected encoder error")
	}
	if len(c.frames()) != 0 || r.Len() != 1 {
		t.Error("encoding failure must not deliver or prune")
	}
}

// gatedConn blocks in Send until released, then fails.
type gatedConn struct {
	id      string
	started chan struct{}
	release chan struct{}
}

func (g *gatedConn) ID() string { return g.id }

func (g *gatedConn) Send(context.Context, []byte) error {
	close(g.started)
	<-g.release
	return errors.New("write timeout")
}

func TestStaleFailureDoesNotEvictReadmission(t *testing.T) {
	r := NewRegistry()
	old := &gatedConn{id: "x", started: make(chan struct{}), release: make(chan struct{})}
	r.Admit(old)

	done := make(chan Delivery)
	go func() {
		d, _ := r.Broadcast(context.Background(), Event{Kind: KindNewMessage})
		done <- d
	}()

	<-old.started
	fresh := newFakeConn("x")
	r.Admit(fresh)
	close(old.release)

	d := <-done
	if d.Pruned != 0 {
		t.Errorf("Pruned = %d, want 0", d.Pruned)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if _, err := r.Broadcast(context.Background(), Event{Kind: KindNewMessage}); err != nil {
		t.Fatal(err)
	}
	if len(fresh.frames()) != 1 {
		t.Error("re-admitted connection should still receive events")
	}

	r.Remove(old)
	if r.Len() != 1 {
		t.Fatalf("Len after removing the stale handle = %d, want 1", r.Len())
	}
	if _, err := r.Broadcast(context.Background(), Event{Kind: KindNewMessage}); err != nil {
		t.Fatal(err)
	}
	if len(fresh.frames()) != 2 {
		t.Error("stale Remove evicted the re-admitted connection")
	}
	r.Remove(fresh)
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

type ctxConn struct{ id string }

func (c ctxConn) ID() string { return c.id }

func (c ctxConn) Send(ctx context.Context, _ []byte) error { return ctx.Err() }

func TestCancelledBroadcastDoesNotPrune(t *testing.T) {
	r := NewRegistry()
	r.Admit(ctxConn{id: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := r.Broadcast(ctx, Event{Kind: KindNewMessage})
	if err != nil {
		t.Fatal(err)
	}
	if d.Pruned != 0 || r.Len() != 1 {
		t.Errorf("cancelled broadcast pruned a healthy connection: %+v len=%d", d, r.Len())
	}
}

type slowConn struct {
	id       string
	inflight *atomic.Int32
	peak     *atomic.Int32
}

func (s slowConn) ID() string { return s.id }

func (s slowConn) Send(context.Context, []byte) error {
	n := s.inflight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	s.inflight.Add(-1)
	return nil
}

func TestBroadcastConcurrencyIsBounded(t *testing.T) {
	var inflight, peak atomic.Int32
	r := NewRegistry(WithConcurrency(2))
	for i := 0; i < 10; i++ {
		r.Admit(slowConn{id: fmt.Sprintf("c%d", i), inflight: &inflight, peak: &peak})
	}
	d, err := r.Broadcast(context.Background(), Event{Kind: KindNewMessage})
	if err != nil {
		t.Fatal(err)
	}
	if d.Delivered != 10 {
		t.Errorf("Delivered = %d, want 10", d.Delivered)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent sends = %d, want <= 2", p)
	}
}

func TestConcurrentAdmitRemoveBroadcast(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i))
			r.Admit(c)
			if i%2 == 0 {
				r.Remove(c)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := r.Broadcast(context.Background(), Event{Kind: KindNewMessage}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if r.Len() != 10 {
		t.Errorf("Len = %d, want 10", r.Len())
	}
}

func TestShutdownClosesMembers(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Admit(a)
	r.Admit(b)
	r.Shutdown()

	if r.Len() != 0 {
		t.Errorf("Len = %d after Shutdown", r.Len())
	}
	if !a.isClosed() || !b.isClosed() {
		t.Error("Shutdown should close every member")
	}
}
