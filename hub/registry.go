// Package hub keeps the live set of admin subscriber connections and fans events out to them.
//
// A Registry encodes each event once and writes it to a snapshot of the members taken at
// call time. A connection whose write fails is removed after the fan-out; the failure never
// reaches the caller or the other members.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chat-relay/telemetry"
)

// Conn is one open duplex channel to a subscriber. Implementations must be comparable
// (typically a pointer) so stale handles can be told apart from re-admissions.
type Conn interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
}

// Broadcaster fans an event out to subscribers. Registry and RedisBridge implement it.
type Broadcaster interface {
	Broadcast(ctx context.Context, event any) (Delivery, error)
}

// Encoder serializes an event into the frame written to every connection.
type Encoder func(v any) ([]byte, error)

// Delivery summarizes one broadcast.
type Delivery struct {
	Attempted int
	Delivered int
	Pruned    int
}

// member wraps one admission so a stale failure cannot evict a later re-admission.
type member struct {
	conn Conn
}

type Registry struct {
	mu          sync.Mutex
	members     map[string]*member
	encode      Encoder
	concurrency int
	log         *slog.Logger
}

type Option func(*Registry)

// WithEncoder replaces the default JSON encoder.
func WithEncoder(enc Encoder) Option {
	return func(r *Registry) {
		if enc != nil {
			r.encode = enc
		}
	}
}

// WithConcurrency bounds how many connection writes run at once during a broadcast.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the logger used for pruning diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		members:     make(map[string]*member),
		encode:      json.Marshal,
		concurrency: 16,
		log:         slog.Default().With(slog.String("component", "hub")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Admit adds conn to the live set. A second admission with the same ID replaces the first.
func (r *Registry) Admit(conn Conn) {
	r.mu.Lock()
	r.members[conn.ID()] = &member{conn: conn}
	n := len(r.members)
	r.mu.Unlock()
	telemetry.SetSubscribers(n)
	r.log.Debug("subscriber admitted", slog.String("conn", conn.ID()), slog.Int("live", n))
}

// Remove deletes conn from the live set. Absent connections, and handles replaced by a
// later admission with the same ID, are ignored.
func (r *Registry) Remove(conn Conn) {
	r.mu.Lock()
	if cur, ok := r.members[conn.ID()]; ok && cur.conn == conn {
		delete(r.members, conn.ID())
	}
	n := len(r.members)
	r.mu.Unlock()
	telemetry.SetSubscribers(n)
}

// Len returns the number of live members.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Unicast writes a pre-serialized payload to one connection. The live set is not touched.
func (r *Registry) Unicast(ctx context.Context, conn Conn, payload []byte) error {
	if err := conn.Send(ctx, payload); err != nil {
		return &DeliveryError{ConnID: conn.ID(), Err: err}
	}
	return nil
}

// Broadcast encodes event once and delivers it to every live member.
// The only error returned is an encoding failure.
func (r *Registry) Broadcast(ctx context.Context, event any) (Delivery, error) {
	payload, err := r.encode(event)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode event: %w", err)
	}
	return r.BroadcastRaw(ctx, payload), nil
}

// BroadcastRaw delivers an already encoded payload to every live member and prunes the
// members whose write failed.
func (r *Registry) BroadcastRaw(ctx context.Context, payload []byte) Delivery {
	ctx, span := telemetry.StartSpan(ctx, "hub", "hub.broadcast")
	defer span.End()

	r.mu.Lock()
	snapshot := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		snapshot = append(snapshot, m)
	}
	r.mu.Unlock()

	d := Delivery{Attempted: len(snapshot)}
	if len(snapshot) == 0 {
		telemetry.RecordDelivery(0, 0)
		telemetry.SetSpanSuccess(span)
		return d
	}

	errs := make([]error, len(snapshot))
	telemetry.TimeFunc(telemetry.HubBroadcastDuration, func() {
		var g errgroup.Group
		g.SetLimit(r.concurrency)
		for i, m := range snapshot {
			g.Go(func() error {
				errs[i] = m.conn.Send(ctx, payload)
				return nil
			})
		}
		_ = g.Wait()
	})

	var failed []*member
	for i, err := range errs {
		switch {
		case err == nil:
			d.Delivered++
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			// the caller gave up; the connection itself did not fail
		default:
			failed = append(failed, snapshot[i])
			r.log.Debug("delivery failed, pruning subscriber",
				slog.Any("err", &DeliveryError{ConnID: snapshot[i].conn.ID(), Err: err}))
		}
	}

	if len(failed) > 0 {
		var closers []io.Closer
		r.mu.Lock()
		for _, m := range failed {
			id := m.conn.ID()
			if cur, ok := r.members[id]; ok && cur == m {
				delete(r.members, id)
				d.Pruned++
				if c, ok := m.conn.(io.Closer); ok {
					closers = append(closers, c)
				}
			}
		}
		n := len(r.members)
		r.mu.Unlock()
		telemetry.SetSubscribers(n)
		for _, c := range closers {
			_ = c.Close()
		}
	}

	telemetry.RecordDelivery(d.Delivered, len(failed))
	span.SetAttributes(
		attribute.Int("hub.attempted", d.Attempted),
		attribute.Int("hub.delivered", d.Delivered),
		attribute.Int("hub.pruned", d.Pruned),
	)
	telemetry.SetSpanSuccess(span)
	return d
}

// Shutdown drops every member and closes the ones that implement io.Closer.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	members := r.members
	r.members = make(map[string]*member)
	r.mu.Unlock()
	telemetry.SetSubscribers(0)

	for _, m := range members {
		if c, ok := m.conn.(io.Closer); ok {
			_ = c.Close()
		}
	}
	r.log.Info("hub shut down", slog.Int("closed", len(members)))
}

var _ Broadcaster = (*Registry)(nil)
