package multiplex

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/freshness/internal/realtimetest"
	"github.com/shopfront/freshness/internal/testenv"
	"github.com/shopfront/freshness/pkg/backoff"
	"github.com/shopfront/freshness/pkg/health"
	"github.com/shopfront/freshness/pkg/logger"
	"github.com/shopfront/freshness/pkg/polling"
	"github.com/shopfront/freshness/pkg/realtime"
)

var (
	epoch      = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	errDropped = errors.New("socket dropped")

	productSpecs = []realtime.ChangeSpec{{
		Event:  realtime.EventAll,
		Schema: "public",
		Table:  "products",
		Filter: "id=eq.1",
	}}
)

type fakeHealth struct {
	mu        sync.Mutex
	healthy   bool
	listeners map[int]health.ListenerFunc
	next      int
}

func newFakeHealth(healthy bool) *fakeHealth {
	return &fakeHealth{healthy: healthy, listeners: make(map[int]health.ListenerFunc)}
}

func (h *fakeHealth) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *fakeHealth) OnChange(fn health.ListenerFunc) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

func (h *fakeHealth) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *fakeHealth) Set(healthy bool) {
	h.mu.Lock()
	prev := h.healthy
	h.healthy = healthy
	fns := make([]health.ListenerFunc, 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	state := func(ok bool) health.HealthState {
		if ok {
			return health.HealthState{State: health.StateHealthy, Connected: true, InitialConnectionEstablished: true}
		}
		return health.HealthState{State: health.StateUnhealthy, InitialConnectionEstablished: true}
	}
	for _, fn := range fns {
		fn(state(prev), state(healthy))
	}
}

type retryLog struct {
	mu       sync.Mutex
	attempts []int
}

func (l *retryLog) factory() backoff.Retryer {
	return &loggedRetryer{log: l}
}

func (l *retryLog) get() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.attempts...)
}

// loggedRetryer waits base<<attempt, without jitter.
type loggedRetryer struct {
	log *retryLog
}

func (r *loggedRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	r.log.attempts = append(r.log.attempts, attempt)
	return time.Second << attempt, true
}

func (r *loggedRetryer) Reset() {}

type statusLog struct {
	mu       sync.Mutex
	statuses []realtime.Status
}

func (l *statusLog) record(ev realtime.StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, ev.Status)
}

func (l *statusLog) get() []realtime.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]realtime.Status(nil), l.statuses...)
}

type eventLog struct {
	mu     sync.Mutex
	events []realtime.ChangeEvent
}

func (l *eventLog) handle(ev realtime.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) get() []realtime.ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]realtime.ChangeEvent(nil), l.events...)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

type fixture struct {
	client  *realtimetest.Client
	health  *fakeHealth
	clock   *testclock.Clock
	pollClk *testclock.Clock
	poller  *polling.Coordinator
	retries *retryLog
	mux     *Multiplexer
}

func newFixture(t *testing.T, configure ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		client:  realtimetest.NewClient(),
		health:  newFakeHealth(true),
		clock:   testclock.NewClock(epoch),
		pollClk: testclock.NewClock(epoch),
		retries: &retryLog{},
	}
	log := logger.New(testenv.NewTestLogHandler(testenv.WithIgnoreDebug(),
		testenv.WithIgnoreErrorPrefixes("multiplex.Multiplexer gave up")))

	var err error
	f.poller, err = polling.New(polling.DefaultConfig(), polling.WithClock(f.pollClk), polling.WithLogger(log))
	require.NoError(t, err)

	cfg := DefaultConfig()
	for _, c := range configure {
		c(&cfg)
	}
	f.mux, err = New(cfg, f.client, f.health, f.poller,
		WithClock(f.clock),
		WithLogger(log),
		WithRetryer(f.retries.factory),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		f.mux.Close()
		f.poller.Close()
	})
	return f
}

func (f *fixture) subscribe(t *testing.T, name string, opts ...SubscribeOption) *Subscription {
	t.Helper()
	sub, err := f.mux.Subscribe(context.Background(), name, productSpecs, func(realtime.ChangeEvent) {}, opts...)
	require.NoError(t, err)
	return sub
}

func (f *fixture) registration(t *testing.T, name string) RegistrationInfo {
	t.Helper()
	for _, info := range f.mux.Registrations() {
		if info.Name == name {
			return info
		}
	}
	t.Fatalf("no registration %q", name)
	return RegistrationInfo{}
}

// advance fires the single pending retry timer and waits for the channel
// it opens.
func (f *fixture) advance(t *testing.T, d time.Duration, wantChannel string) {
	t.Helper()
	require.NoError(t, f.clock.WaitAdvance(d, time.Second, 1))
	require.Eventually(t, func() bool {
		ch, ok := f.client.Get(wantChannel)
		return ok && ch.SubscribeCalls() > 0
	}, time.Second, time.Millisecond, "channel %s was not opened", wantChannel)
}

func noRefresh(context.Context) error { return nil }

func productEvent(id int) realtime.ChangeEvent {
	return realtime.ChangeEvent{
		Schema: "public",
		Table:  "products",
		Type:   realtime.EventUpdate,
		Record: map[string]any{"id": float64(id), "stock": float64(3)},
	}
}

func TestReferenceCounting(t *testing.T) {
	f := newFixture(t)

	const n = 4
	subs := make([]*Subscription, n)
	for i := range subs {
		subs[i] = f.subscribe(t, "product-1")
	}

	assert.Equal(t, []string{"product-1"}, f.client.Created())
	assert.Equal(t, n, f.registration(t, "product-1").Subscribers)

	for _, s := range subs[:n-1] {
		s.Unsubscribe()
		assert.Equal(t, []string{"product-1"}, f.client.Active())
	}
	subs[n-2].Unsubscribe()
	assert.Equal(t, 1, f.registration(t, "product-1").Subscribers)

	subs[n-1].Unsubscribe()
	assert.Empty(t, f.client.Active())
	assert.Empty(t, f.mux.Registrations())
	assert.Equal(t, ModeClosed, subs[n-1].Mode())
}

func TestSubscribeReportsStatusAndDelivers(t *testing.T) {
	f := newFixture(t)

	firstStatus, secondStatus := &statusLog{}, &statusLog{}
	firstEvents, secondEvents := &eventLog{}, &eventLog{}

	first, err := f.mux.Subscribe(context.Background(), "product-1", productSpecs, firstEvents.handle,
		WithStatus(firstStatus.record))
	require.NoError(t, err)
	assert.Equal(t, ModePush, first.Mode())
	assert.Equal(t, "product-1", first.Name())
	assert.NotEmpty(t, first.ID())

	second, err := f.mux.Subscribe(context.Background(), "product-1", productSpecs, secondEvents.handle,
		WithStatus(secondStatus.record))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	assert.Equal(t, []realtime.Status{realtime.StatusSubscribed}, firstStatus.get())
	assert.Equal(t, []realtime.Status{realtime.StatusSubscribed}, secondStatus.get())

	assert.Equal(t, 1, f.client.Deliver(productEvent(1)), "one binding fans out to both subscribers")
	assert.Equal(t, 1, firstEvents.len())
	assert.Equal(t, 1, secondEvents.len())

	second.Unsubscribe()
	f.client.Deliver(productEvent(1))
	assert.Equal(t, 2, firstEvents.len())
	assert.Equal(t, 1, secondEvents.len())

	assert.False(t, f.registration(t, "product-1").LastActivity.IsZero())
}

func TestSharedTableRoutesByFilter(t *testing.T) {
	f := newFixture(t)

	one, two, all := &eventLog{}, &eventLog{}, &eventLog{}
	_, err := f.mux.SubscribeTable(context.Background(), "products", Filter{"id": 1}, one.handle)
	require.NoError(t, err)
	_, err = f.mux.SubscribeTable(context.Background(), "products", Filter{"id": 2}, two.handle)
	require.NoError(t, err)
	_, err = f.mux.SubscribeTable(context.Background(), "products", nil, all.handle)
	require.NoError(t, err)

	assert.Equal(t, []string{TableChannelName("products")}, f.client.Created())
	ch, ok := f.client.Get(TableChannelName("products"))
	require.True(t, ok)
	assert.Equal(t, []realtime.ChangeSpec{{Event: realtime.EventAll, Schema: "public", Table: "products"}}, ch.Specs())

	f.client.Deliver(productEvent(1))
	assert.Equal(t, 1, one.len())
	assert.Zero(t, two.len())
	assert.Equal(t, 1, all.len())

	f.client.Deliver(realtime.ChangeEvent{
		Schema:    "public",
		Table:     "products",
		Type:      realtime.EventDelete,
		OldRecord: map[string]any{"id": float64(2)},
	})
	assert.Equal(t, 1, one.len())
	assert.Equal(t, 1, two.len())
	assert.Equal(t, 2, all.len())
}

func TestDispatchNumbersEvents(t *testing.T) {
	f := newFixture(t)

	first, second := &eventLog{}, &eventLog{}
	_, err := f.mux.SubscribeTable(context.Background(), "products", Filter{"id": 1}, first.handle)
	require.NoError(t, err)
	_, err = f.mux.SubscribeTable(context.Background(), "products", Filter{"id": 1}, second.handle)
	require.NoError(t, err)

	f.client.Deliver(productEvent(1))
	f.client.Deliver(productEvent(1))

	a, b := first.get(), second.get()
	require.Len(t, a, 2)
	require.Len(t, b, 2)
	assert.NotZero(t, a[0].Seq)
	assert.Equal(t, a[0].Seq, b[0].Seq, "every handler sees the same number for one event")
	assert.Equal(t, a[1].Seq, b[1].Seq)
	assert.Greater(t, a[1].Seq, a[0].Seq)
}

func TestKindMismatch(t *testing.T) {
	f := newFixture(t)

	_, err := f.mux.SubscribeTable(context.Background(), "products", nil, func(realtime.ChangeEvent) {})
	require.NoError(t, err)

	_, err = f.mux.Subscribe(context.Background(), TableChannelName("products"), productSpecs, func(realtime.ChangeEvent) {})
	assert.Error(t, err)
}

func TestSubscribeValidation(t *testing.T) {
	f := newFixture(t)
	h := func(realtime.ChangeEvent) {}

	_, err := f.mux.Subscribe(context.Background(), "", productSpecs, h)
	assert.Error(t, err)
	_, err = f.mux.Subscribe(context.Background(), "product-1", nil, h)
	assert.Error(t, err)
	_, err = f.mux.Subscribe(context.Background(), "product-1", productSpecs, nil)
	assert.Error(t, err)
	_, err = f.mux.SubscribeTable(context.Background(), "", nil, h)
	assert.Error(t, err)
	_, err = f.mux.Subscribe(context.Background(), "product-1", productSpecs, h, WithFallback("", noRefresh, 0))
	assert.Error(t, err)

	assert.Empty(t, f.mux.Registrations())
}

func TestResubscribesOnDrop(t *testing.T) {
	f := newFixture(t)
	status := &statusLog{}
	events := &eventLog{}

	_, err := f.mux.Subscribe(context.Background(), "product-1", productSpecs, events.handle, WithStatus(status.record))
	require.NoError(t, err)

	require.True(t, f.client.Emit("product-1", realtime.StatusClosed, errDropped))

	info := f.registration(t, "product-1")
	assert.Equal(t, StateRetrying, info.State)
	assert.Equal(t, 1, info.RetryCount)
	assert.Empty(t, f.client.Active(), "failed channel is removed")

	f.advance(t, time.Second, "product-1-retry-1")

	require.Eventually(t, func() bool {
		return f.registration(t, "product-1").State == StateSubscribed
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"product-1", "product-1-retry-1"}, f.client.Created())
	assert.Equal(t, []realtime.Status{
		realtime.StatusSubscribed,
		realtime.StatusClosed,
		realtime.StatusSubscribed,
	}, status.get())

	f.client.Deliver(productEvent(1))
	assert.Equal(t, 1, events.len())
}

func TestSubscribeErrorSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.client.SetConnected(false)

	status := &statusLog{}
	sub := f.subscribe(t, "product-1", WithStatus(status.record))

	assert.Equal(t, ModePending, sub.Mode())
	assert.Equal(t, StateRetrying, f.registration(t, "product-1").State)
	assert.Equal(t, []realtime.Status{realtime.StatusError}, status.get())

	f.client.SetConnected(true)
	f.advance(t, time.Second, "product-1-retry-1")
	require.Eventually(t, func() bool { return sub.Mode() == ModePush }, time.Second, time.Millisecond)
}

func TestBackoffResetsAfterSubscribed(t *testing.T) {
	f := newFixture(t)
	f.client.AutoSubscribe = false

	f.subscribe(t, "product-1")
	require.True(t, f.client.Emit("product-1", realtime.StatusSubscribed, nil))

	require.True(t, f.client.Emit("product-1", realtime.StatusClosed, errDropped))
	f.advance(t, time.Second, "product-1-retry-1")

	require.True(t, f.client.Emit("product-1-retry-1", realtime.StatusTimedOut, nil))
	assert.Equal(t, 2, f.registration(t, "product-1").BackoffAttempt)
	f.advance(t, 2*time.Second, "product-1-retry-2")

	require.True(t, f.client.Emit("product-1-retry-2", realtime.StatusSubscribed, nil))
	assert.Zero(t, f.registration(t, "product-1").BackoffAttempt)

	require.True(t, f.client.Emit("product-1-retry-2", realtime.StatusError, errDropped))
	f.advance(t, time.Second, "product-1-retry-3")

	// Non-decreasing while failing, back to zero after SUBSCRIBED.
	assert.Equal(t, []int{0, 1, 0}, f.retries.get())
	assert.Equal(t, 3, f.registration(t, "product-1").RetryCount)
}

func TestStaleChannelCallbacksAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.client.AutoSubscribe = false

	status := &statusLog{}
	f.subscribe(t, "product-1", WithStatus(status.record))
	old, ok := f.client.Get("product-1")
	require.True(t, ok)

	require.True(t, f.client.Emit("product-1", realtime.StatusError, errDropped))
	// The removed channel cannot report again, and a second failure of the
	// same channel must not schedule a second retry.
	assert.False(t, old.Emit(realtime.StatusClosed, errDropped))
	assert.Equal(t, []int{0}, f.retries.get())
	assert.Equal(t, []realtime.Status{realtime.StatusError}, status.get())
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	status := &statusLog{}

	sub := f.subscribe(t, "product-1",
		WithMaxRetries(2),
		WithStatus(status.record),
		WithFallback("product:1", noRefresh, 0),
	)

	require.True(t, f.client.Emit("product-1", realtime.StatusClosed, errDropped))
	f.advance(t, time.Second, "product-1-retry-1")
	require.Eventually(t, func() bool { return sub.Mode() == ModePush }, time.Second, time.Millisecond)

	require.True(t, f.client.Emit("product-1-retry-1", realtime.StatusClosed, errDropped))
	f.advance(t, time.Second, "product-1-retry-2")
	require.Eventually(t, func() bool { return sub.Mode() == ModePush }, time.Second, time.Millisecond)

	require.True(t, f.client.Emit("product-1-retry-2", realtime.StatusClosed, errDropped))

	info := f.registration(t, "product-1")
	assert.Equal(t, StateGivenUp, info.State)
	assert.Equal(t, 1, info.Polling)
	assert.Equal(t, ModePolling, sub.Mode())
	assert.Equal(t, []string{"product:1"}, f.poller.Active())
	assert.Empty(t, f.client.Active())
	assert.Equal(t, []realtime.Status{
		realtime.StatusSubscribed,
		realtime.StatusClosed,
		realtime.StatusSubscribed,
		realtime.StatusClosed,
		realtime.StatusSubscribed,
		realtime.StatusClosed,
		realtime.StatusMaxRetriesExceeded,
	}, status.get())

	// No further automatic retries.
	f.clock.Advance(time.Hour)
	assert.Len(t, f.client.Created(), 3)

	// The next subscribe on the name starts over.
	again := f.subscribe(t, "product-1")
	assert.Equal(t, []string{"product-1", "product-1-retry-1", "product-1-retry-2", "product-1"}, f.client.Created())
	assert.Equal(t, ModePush, again.Mode())
	assert.Equal(t, ModePush, sub.Mode())
	assert.Empty(t, f.poller.Active())

	info = f.registration(t, "product-1")
	assert.Equal(t, StateSubscribed, info.State)
	assert.Equal(t, 2, info.Subscribers)
	assert.Zero(t, info.RetryCount)
}

func TestRetryCountResetsAfterStableWindow(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxRetries = 1 })

	f.subscribe(t, "product-1")
	require.True(t, f.client.Emit("product-1", realtime.StatusClosed, errDropped))
	f.advance(t, time.Second, "product-1-retry-1")
	require.Eventually(t, func() bool {
		return f.registration(t, "product-1").State == StateSubscribed
	}, time.Second, time.Millisecond)

	f.clock.Advance(3 * time.Minute)

	require.True(t, f.client.Emit("product-1-retry-1", realtime.StatusClosed, errDropped))
	info := f.registration(t, "product-1")
	assert.Equal(t, StateRetrying, info.State, "count started over")
	assert.Equal(t, 1, info.RetryCount)

	f.advance(t, time.Second, "product-1-retry-1")
	require.Eventually(t, func() bool {
		return f.registration(t, "product-1").State == StateSubscribed
	}, time.Second, time.Millisecond)

	// A quick second failure exceeds the cap.
	require.True(t, f.client.Emit("product-1-retry-1", realtime.StatusClosed, errDropped))
	assert.Equal(t, StateGivenUp, f.registration(t, "product-1").State)
}

func TestUnhealthyAtCallTimeGivesPollingFallback(t *testing.T) {
	f := newFixture(t)
	f.health.Set(false)

	refreshed := make(chan struct{}, 10)
	refresh := func(context.Context) error {
		refreshed <- struct{}{}
		return nil
	}

	sub := f.subscribe(t, "product-1", WithFallback("product:1", refresh, 0))
	bare := f.subscribe(t, "product-1")

	assert.Equal(t, ModePolling, sub.Mode())
	assert.Equal(t, ModePending, bare.Mode())
	assert.Empty(t, f.client.Created(), "no channel opened while unhealthy")
	assert.Equal(t, StateWaitingForHealth, f.registration(t, "product-1").State)
	assert.Equal(t, []string{"product:1"}, f.poller.Active())

	require.NoError(t, f.pollClk.WaitAdvance(polling.DefaultConfig().Interval, time.Second, 1))
	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("fallback did not refresh")
	}

	f.health.Set(true)

	assert.Equal(t, []string{"product-1"}, f.client.Created())
	assert.Equal(t, ModePush, sub.Mode())
	assert.Equal(t, ModePush, bare.Mode())
	assert.Empty(t, f.poller.Active(), "polling stops once subscribed")
}

func TestHealthLossFallsBackAndRecovers(t *testing.T) {
	f := newFixture(t)

	sub := f.subscribe(t, "product-1", WithFallback("product:1", noRefresh, 0))
	table, err := f.mux.SubscribeTable(context.Background(), "orders", Filter{"store_id": "s1"},
		func(realtime.ChangeEvent) {}, WithFallback("orders:s1", noRefresh, time.Second))
	require.NoError(t, err)

	f.health.Set(false)
	assert.Equal(t, ModePolling, sub.Mode())
	assert.Equal(t, ModePolling, table.Mode())
	assert.Equal(t, []string{"orders:s1", "product:1"}, f.poller.Active())

	// The transport drop closes every channel; retries wait for health.
	f.client.DropAll(errDropped)
	require.NoError(t, f.clock.WaitAdvance(time.Second, time.Second, 2))
	require.Eventually(t, func() bool {
		for _, info := range f.mux.Registrations() {
			if info.State != StateWaitingForHealth {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
	created := len(f.client.Created())

	f.health.Set(true)

	assert.Len(t, f.client.Created(), created+2)
	assert.Equal(t, ModePush, sub.Mode())
	assert.Equal(t, ModePush, table.Mode())
	assert.Empty(t, f.poller.Active())
}

func TestResubscribeAll(t *testing.T) {
	f := newFixture(t)

	f.subscribe(t, "product-1")
	f.subscribe(t, "product-2")
	require.Len(t, f.client.Created(), 2)

	f.mux.ResubscribeAll(context.Background())
	assert.Equal(t, []string{"product-1", "product-2", "product-1", "product-2"}, f.client.Created())
	assert.Equal(t, []string{"product-1", "product-2"}, f.client.Active())

	f.health.Set(false)
	f.mux.ResubscribeAll(context.Background())
	assert.Len(t, f.client.Created(), 4)
}

func TestUnsubscribeDuringRetryCancelsIt(t *testing.T) {
	f := newFixture(t)

	sub := f.subscribe(t, "product-1")
	require.True(t, f.client.Emit("product-1", realtime.StatusClosed, errDropped))
	sub.Unsubscribe()

	f.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []string{"product-1"}, f.client.Created())
	assert.Empty(t, f.mux.Registrations())
}

func TestUnsubscribeStopsPolling(t *testing.T) {
	f := newFixture(t)
	f.health.Set(false)

	a := f.subscribe(t, "product-1", WithFallback("product:1", noRefresh, 0))
	b := f.subscribe(t, "product-1", WithFallback("product:1", noRefresh, 0))
	assert.Equal(t, 2, f.poller.Refs("product:1"))

	a.Unsubscribe()
	assert.Equal(t, 1, f.poller.Refs("product:1"))
	b.Unsubscribe()
	assert.Empty(t, f.poller.Active())
}

func TestClose(t *testing.T) {
	f := newFixture(t)

	sub := f.subscribe(t, "product-1")
	f.health.Set(false)
	polled := f.subscribe(t, "product-2", WithFallback("product:2", noRefresh, 0))
	require.Equal(t, 1, f.health.listenerCount())

	f.mux.Close()

	assert.Empty(t, f.client.Active())
	assert.Empty(t, f.poller.Active())
	assert.Empty(t, f.mux.Registrations())
	assert.Zero(t, f.health.listenerCount())
	assert.Equal(t, ModeClosed, sub.Mode())
	assert.Equal(t, ModeClosed, polled.Mode())

	_, err := f.mux.Subscribe(context.Background(), "product-3", productSpecs, func(realtime.ChangeEvent) {})
	assert.ErrorIs(t, err, ErrClosed)

	sub.Unsubscribe()
	f.mux.Close()
}

// After the monitor gives up, new subscribers receive polling fallbacks
// instead of channels, and get push again once a re-probe succeeds.
func TestGivenUpMonitorForcesPolling(t *testing.T) {
	client := realtimetest.NewClient()
	client.SetConnected(false)
	client.FailConnect(errDropped)

	cfg := health.DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.CheckInterval = time.Hour
	cfg.ReprobeInterval = time.Hour

	monitor, err := health.New(cfg, client.Transport())
	require.NoError(t, err)
	t.Cleanup(monitor.Close)

	poller, err := polling.New(polling.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(poller.Close)

	mux, err := New(DefaultConfig(), client, monitor, poller)
	require.NoError(t, err)
	t.Cleanup(mux.Close)

	require.NoError(t, monitor.Start(context.Background()))
	require.Eventually(t, func() bool { return monitor.Snapshot().GivenUp }, time.Second, time.Millisecond)
	assert.Equal(t, 10, client.ConnectCalls())
	assert.False(t, monitor.IsHealthy())

	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i], err = mux.Subscribe(context.Background(), "product-1", productSpecs, func(realtime.ChangeEvent) {},
			WithFallback("product:1", noRefresh, 0))
		require.NoError(t, err)
		assert.Equal(t, ModePolling, subs[i].Mode())
	}
	assert.Empty(t, client.Created())
	assert.Equal(t, 3, poller.Refs("product:1"))

	client.FailConnect(nil)
	require.True(t, monitor.Reprobe(context.Background()))

	assert.Equal(t, []string{"product-1"}, client.Created())
	for _, s := range subs {
		assert.Equal(t, ModePush, s.Mode())
	}
	assert.Empty(t, poller.Active())
}
