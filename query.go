package freshness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shopfront/freshness/pkg/cache"
	"github.com/shopfront/freshness/pkg/multiplex"
	"github.com/shopfront/freshness/pkg/realtime"
)

// FetchFunc loads the authoritative value of a query.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// ApplyFunc derives the next value from a pushed change. prev is the current
// value and hasPrev reports whether there is one. Returning ok false makes
// the query refetch instead.
type ApplyFunc[T any] func(prev T, hasPrev bool, ev realtime.ChangeEvent) (next T, ok bool)

// WatchOptions describes a query: where its value is cached, how it is
// fetched and which changes keep it fresh.
type WatchOptions[T any] struct {
	// Key is the cache key. Queries with the same key share the cached value,
	// fetches and polling.
	Key string
	// TTL is how long a fetched value is fresh.
	TTL time.Duration
	// StaleTime is how long past TTL the value is still served while it is
	// revalidated.
	StaleTime time.Duration
	// Persist overrides the durable-mirror eligibility rules when set.
	Persist *bool

	Fetch FetchFunc[T]

	// Channel and Specs subscribe to a robust channel. Table and Filter
	// subscribe to the shared channel of a table instead. Leave both empty
	// for a query that is only cached.
	Channel string
	Specs   []realtime.ChangeSpec
	Table   string
	Filter  multiplex.Filter

	// Apply turns a pushed change into a new value. When nil, every change
	// triggers a refetch.
	Apply ApplyFunc[T]

	// PollInterval is used while push updates are unavailable. Zero uses the
	// polling default.
	PollInterval time.Duration

	// OnChange receives every new value of the query, whether it came from a
	// fetch, a push or a poll.
	OnChange func(T)
	// OnStatus receives the status events of the underlying channel.
	OnStatus realtime.StatusFunc
}

func (o WatchOptions[T]) validate() error {
	var errs []error
	if o.Key == "" {
		errs = append(errs, errors.New("key is required"))
	}
	if o.Fetch == nil {
		errs = append(errs, errors.New("fetch is required"))
	}
	if o.TTL <= 0 {
		errs = append(errs, errors.New("ttl must be positive"))
	}
	if o.StaleTime < 0 {
		errs = append(errs, errors.New("stale time must not be negative"))
	}
	if o.Channel != "" && o.Table != "" {
		errs = append(errs, errors.New("channel and table are mutually exclusive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("freshness: invalid watch options: %w", err)
	}
	return nil
}

func (o WatchOptions[T]) setOptions() []cache.SetOption {
	opts := []cache.SetOption{cache.WithStaleTime(o.StaleTime)}
	if o.Persist != nil {
		opts = append(opts, cache.WithPersist(*o.Persist))
	}
	return opts
}

// Query is a live view of one cached value.
type Query[T any] struct {
	c    *Client
	opts WatchOptions[T]

	mu        sync.Mutex
	value     T
	ok        bool
	err       error
	updatedAt time.Time
	alive     bool
	sub       *multiplex.Subscription
	unwatch   func()
}

// Watch starts a query. A fresh cached value is returned as is. A stale one
// is returned and revalidated in the background. On a miss the value is
// fetched before Watch returns. A failed fetch is not returned as an error:
// the query keeps the last known value, even if it has expired, and Err
// reports the failure.
//
// Watch only fails on invalid options or a closed client.
func Watch[T any](ctx context.Context, c *Client, opts WatchOptions[T]) (*Query[T], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	q := &Query[T]{c: c, opts: opts, alive: true}
	q.unwatch = c.watch(opts.Key, q.receive)

	res := cache.Get[T](c.store, opts.Key)
	switch {
	case res.OK && !res.NeedsRevalidation:
		q.set(res.Value)
	case res.OK:
		q.set(res.Value)
		c.background(q.revalidate)
	default:
		_ = q.Refresh(ctx)
	}

	if err := q.subscribe(ctx); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *Query[T]) subscribe(ctx context.Context) error {
	opts := []multiplex.SubscribeOption{
		multiplex.WithFallback(q.opts.Key, q.Refresh, q.opts.PollInterval),
	}
	if q.opts.OnStatus != nil {
		opts = append(opts, multiplex.WithStatus(q.opts.OnStatus))
	}

	var (
		sub *multiplex.Subscription
		err error
	)
	switch {
	case q.opts.Channel != "":
		sub, err = q.c.mux.Subscribe(ctx, q.opts.Channel, q.opts.Specs, q.onEvent, opts...)
	case q.opts.Table != "":
		sub, err = q.c.mux.SubscribeTable(ctx, q.opts.Table, q.opts.Filter, q.onEvent, opts...)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	q.mu.Lock()
	if !q.alive {
		q.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	q.sub = sub
	q.mu.Unlock()
	return nil
}

// Value returns the current value and whether there is one.
func (q *Query[T]) Value() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.value, q.ok
}

// Err returns the error of the last failed fetch, or nil once a later value
// arrived.
func (q *Query[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// UpdatedAt is when the query last received a value.
func (q *Query[T]) UpdatedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updatedAt
}

// Mode reports how the query is kept fresh. Queries without a channel report
// multiplex.ModeClosed.
func (q *Query[T]) Mode() multiplex.Mode {
	q.mu.Lock()
	sub := q.sub
	q.mu.Unlock()
	if sub == nil {
		return multiplex.ModeClosed
	}
	return sub.Mode()
}

// Refresh fetches the value, writes it to the cache and publishes it to every
// query of the same key. Concurrent refreshes of a key share one fetch, and
// its value is published once.
func (q *Query[T]) Refresh(ctx context.Context) error {
	if _, err := q.fetch(ctx); err != nil {
		q.fail(err)
		return err
	}
	return nil
}

// fetch shares one fetch per key between concurrent callers. The shared
// fetch does not end with the context of the caller that started it: each
// caller stops waiting when its own context is done, and the fetch still
// completes, caches and publishes its value.
func (q *Query[T]) fetch(ctx context.Context) (T, error) {
	var zero T

	ch := q.c.flights.DoChan(q.opts.Key, func() (any, error) {
		fctx, cancel := q.c.flightContext(ctx)
		defer cancel()

		v, err := q.opts.Fetch(fctx)
		if err != nil {
			return nil, err
		}
		q.c.store.Set(q.opts.Key, v, q.opts.TTL, q.opts.setOptions()...)
		// A refresh started by a watcher of the value starts a new fetch
		// instead of waiting on this one.
		q.c.flights.Forget(q.opts.Key)
		q.c.publish(q.opts.Key, v)
		return v, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return zero, res.Err
	}
	t, ok := res.Val.(T)
	if !ok {
		return zero, fmt.Errorf("freshness: %s: fetched %T, want %T", q.opts.Key, res.Val, zero)
	}
	return t, nil
}

func (q *Query[T]) revalidate(ctx context.Context) {
	_ = q.Refresh(ctx)
}

// fail keeps the current value. Without one, an expired cached value is
// better than nothing.
func (q *Query[T]) fail(err error) {
	q.c.logger.Warn("freshness.Query fetch failed, serving last known value", "key", q.opts.Key, "error", err)

	q.mu.Lock()
	hasValue := q.ok
	q.mu.Unlock()

	if !hasValue {
		if v, ok := cache.Peek[T](q.c.store, q.opts.Key); ok {
			q.set(v)
		}
	}

	q.mu.Lock()
	if q.alive {
		q.err = err
	}
	q.mu.Unlock()
}

// onEvent applies a pushed change once per key: every query of the key is
// subscribed and receives the same event, but only the first one to see it
// applies it and publishes the result to the others.
func (q *Query[T]) onEvent(ev realtime.ChangeEvent) {
	q.mu.Lock()
	alive := q.alive
	q.mu.Unlock()
	if !alive {
		return
	}

	applied := false
	first := q.c.applyOnce(q.opts.Key, ev, func() {
		if q.opts.Apply == nil {
			return
		}
		q.mu.Lock()
		prev, hasPrev := q.value, q.ok
		q.mu.Unlock()

		next, ok := q.opts.Apply(prev, hasPrev, ev)
		if !ok {
			return
		}
		q.c.store.Set(q.opts.Key, next, q.opts.TTL, q.opts.setOptions()...)
		q.c.publish(q.opts.Key, next)
		applied = true
	})
	if first && !applied {
		q.c.background(q.revalidate)
	}
}

func (q *Query[T]) receive(v any) {
	t, ok := v.(T)
	if !ok {
		q.c.logger.Error("BUG: freshness.Query received a value of the wrong type", "key", q.opts.Key, "type", fmt.Sprintf("%T", v))
		return
	}
	q.set(t)
}

// set stores v and notifies OnChange unless the query was closed.
func (q *Query[T]) set(v T) {
	q.mu.Lock()
	if !q.alive {
		q.mu.Unlock()
		return
	}
	q.value, q.ok = v, true
	q.err = nil
	q.updatedAt = q.c.clock.Now()
	q.mu.Unlock()

	if q.opts.OnChange != nil {
		q.opts.OnChange(v)
	}
}

// Close stops the query. Pending fetches still write the cache but no longer
// reach the query. Calling Close more than once has no further effect.
func (q *Query[T]) Close() {
	q.mu.Lock()
	if !q.alive {
		q.mu.Unlock()
		return
	}
	q.alive = false
	sub, unwatch := q.sub, q.unwatch
	q.sub = nil
	q.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
}
