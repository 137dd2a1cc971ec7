// Package multiplex shares physical push channels between logical
// subscribers.
//
// Two strategies coexist. Subscribe opens one robust channel per logical name
// and reuses it for every subscriber of that name. SubscribeTable opens one
// channel per table and routes each change only to the subscribers whose
// Filter matches the changed row. Either way, the channel is torn down when
// its last subscriber leaves.
//
// A channel that reports CLOSED, CHANNEL_ERROR or TIMED_OUT is resubscribed
// once after an exponential backoff, under a retry-suffixed physical name.
// Each logical name has a retry cap; once exceeded the name stops retrying,
// its subscribers are told MAX_RETRIES_EXCEEDED and fall back to polling
// until the next Subscribe on that name.
//
// The multiplexer consults the health monitor when a subscriber arrives: if
// push delivery is unavailable no channel is opened and the subscriber is
// handed to the polling coordinator instead. Health recovery reopens every
// registration that has not given up, and polling stops once its channel
// reports SUBSCRIBED.
package multiplex

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/juju/clock"

	"github.com/shopfront/freshness/pkg/backoff"
	"github.com/shopfront/freshness/pkg/health"
	"github.com/shopfront/freshness/pkg/logger"
	"github.com/shopfront/freshness/pkg/polling"
	"github.com/shopfront/freshness/pkg/realtime"
)

var ErrClosed = errors.New("multiplex: multiplexer is closed")

// Health is the part of the health monitor the multiplexer needs.
type Health interface {
	IsHealthy() bool
	OnChange(fn health.ListenerFunc) (cancel func())
}

var _ Health = (*health.Monitor)(nil)

type Option func(*Multiplexer)

func WithClock(c clock.Clock) Option {
	return func(m *Multiplexer) { m.clock = c }
}

func WithLogger(l logger.Logger) Option {
	return func(m *Multiplexer) { m.logger = logger.OrNop(l) }
}

// WithRetryer sets the factory for per-registration resubscribe backoff.
func WithRetryer(newRetryer func() backoff.Retryer) Option {
	return func(m *Multiplexer) { m.newRetryer = newRetryer }
}

// Fallback describes how a subscriber refreshes its data while push delivery
// is unavailable. Subscribers sharing a Key share one poller.
type Fallback struct {
	Key      string
	Refresh  polling.RefreshFunc
	Interval time.Duration
}

type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	status     realtime.StatusFunc
	fallback   *Fallback
	maxRetries int
}

// WithStatus receives the status changes of the subscriber's channel,
// including MAX_RETRIES_EXCEEDED.
func WithStatus(fn realtime.StatusFunc) SubscribeOption {
	return func(o *subscribeOptions) { o.status = fn }
}

// WithFallback polls refresh under key whenever the subscriber cannot
// receive pushes.
func WithFallback(key string, refresh polling.RefreshFunc, interval time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		o.fallback = &Fallback{Key: key, Refresh: refresh, Interval: interval}
	}
}

// WithMaxRetries overrides the per-name retry cap. It only applies when the
// subscribe creates the registration.
func WithMaxRetries(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.maxRetries = n }
}

// Mode is how a subscription currently receives updates.
type Mode int

const (
	// ModePending means a channel is being opened or retried.
	ModePending Mode = iota
	ModePush
	ModePolling
	ModeClosed
)

func (m Mode) String() string {
	switch m {
	case ModePending:
		return "pending"
	case ModePush:
		return "push"
	case ModePolling:
		return "polling"
	case ModeClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Subscription is one logical subscriber.
type Subscription struct {
	m    *Multiplexer
	reg  *registration
	sub  *subscriber
	once sync.Once
}

// ID is unique per subscription.
func (s *Subscription) ID() string {
	return s.sub.id
}

// Name is the logical name the subscription is registered under.
func (s *Subscription) Name() string {
	return s.reg.name
}

func (s *Subscription) Mode() Mode {
	return s.m.mode(s)
}

// Unsubscribe detaches the subscriber, stops its polling and tears the
// physical channel down if it was the last one. Calling it more than once
// has no further effect.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.m.unsubscribe(s)
	})
}

type effects []func()

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// Multiplexer owns the channel registrations. It is safe for concurrent use.
// Channel operations, handlers and status callbacks always run outside its
// lock.
type Multiplexer struct {
	cfg        Config
	client     realtime.Client
	health     Health
	poller     *polling.Coordinator
	clock      clock.Clock
	logger     logger.Logger
	newRetryer func() backoff.Retryer

	ctx        context.Context
	cancel     context.CancelFunc
	stopHealth func()

	mu      sync.Mutex
	regs    map[string]*registration
	windows map[string]*retryWindow
	seq     uint64
	closed  bool
}

func New(cfg Config, client realtime.Client, h Health, poller *polling.Coordinator, opts ...Option) (*Multiplexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil || h == nil || poller == nil {
		return nil, errors.New("multiplex: client, health and poller are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		cfg:     cfg,
		client:  client,
		health:  h,
		poller:  poller,
		clock:   clock.WallClock,
		logger:  logger.Nop(),
		ctx:     ctx,
		cancel:  cancel,
		regs:    make(map[string]*registration),
		windows: make(map[string]*retryWindow),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.newRetryer == nil {
		m.newRetryer = func() backoff.Retryer {
			return &backoff.ExponentialBackoffRetryer{
				InitialDelay: cfg.BaseDelay,
				MaxDelay:     cfg.MaxDelay,
				Multiplier:   2,
				JitterFactor: 0.5,
			}
		}
	}
	m.stopHealth = h.OnChange(m.onHealthChange)
	return m, nil
}

// TableChannelName is the logical name of the shared channel for table.
func TableChannelName(table string) string {
	return "table:" + table
}

// Subscribe attaches handler to the robust channel name, opening it with
// specs if this is its first subscriber. Later subscribers share the
// channel as opened; their specs are not applied.
func (m *Multiplexer) Subscribe(ctx context.Context, name string, specs []realtime.ChangeSpec, handler realtime.Handler, opts ...SubscribeOption) (*Subscription, error) {
	if name == "" {
		return nil, errors.New("multiplex: channel name is required")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("multiplex: channel %q needs at least one change spec", name)
	}
	return m.subscribe(ctx, name, KindRobust, specs, nil, handler, opts)
}

// SubscribeTable attaches handler to the shared channel of table. handler
// only sees changes whose row matches filter.
func (m *Multiplexer) SubscribeTable(ctx context.Context, table string, filter Filter, handler realtime.Handler, opts ...SubscribeOption) (*Subscription, error) {
	if table == "" {
		return nil, errors.New("multiplex: table is required")
	}
	specs := []realtime.ChangeSpec{{Event: realtime.EventAll, Schema: m.cfg.Schema, Table: table}}
	return m.subscribe(ctx, TableChannelName(table), KindTable, specs, filter, handler, opts)
}

func (m *Multiplexer) subscribe(ctx context.Context, name string, kind Kind, specs []realtime.ChangeSpec, filter Filter, handler realtime.Handler, opts []SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("multiplex: handler for %q is required", name)
	}

	o := subscribeOptions{maxRetries: m.cfg.MaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fallback != nil && (o.fallback.Key == "" || o.fallback.Refresh == nil) {
		return nil, fmt.Errorf("multiplex: fallback for %q needs a key and a refresh func", name)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("multiplex: subscriber id: %w", err)
	}
	sub := &subscriber{
		id:       id.String(),
		handler:  handler,
		filter:   filter,
		status:   o.status,
		fallback: o.fallback,
	}

	var fx effects
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	reg, ok := m.regs[name]
	if !ok {
		reg = &registration{
			name:       name,
			kind:       kind,
			specs:      slices.Clone(specs),
			maxRetries: o.maxRetries,
			retryer:    m.newRetryer(),
		}
		m.regs[name] = reg
	} else {
		if reg.kind != kind {
			m.mu.Unlock()
			return nil, fmt.Errorf("multiplex: %q is registered as a %s channel", name, reg.kind)
		}
		if kind == KindRobust && !slices.Equal(reg.specs, specs) {
			m.logger.Warn("multiplex.Multiplexer channel already open with other change specs, keeping them",
				"name", name)
		}
	}
	reg.subs = append(reg.subs, sub)
	reg.lastActivity = m.clock.Now()

	if reg.state == StateGivenUp {
		delete(m.windows, name)
		reg.backoffAttempt = 0
		reg.retryer.Reset()
		m.logger.Info("multiplex.Multiplexer reopening given-up channel", "name", name)
	}

	switch {
	case !m.health.IsHealthy():
		switch reg.state {
		case StateIdle, StateGivenUp:
			reg.state = StateWaitingForHealth
		}
		m.logger.Debug("multiplex.Multiplexer transport unhealthy, not opening channel", "name", name,
			"fallback", sub.fallback != nil)
		m.startPollingLocked(sub)
	case reg.state == StateIdle || reg.state == StateWaitingForHealth || reg.state == StateGivenUp:
		fx = append(fx, m.openLocked(ctx, reg))
	case reg.state == StateSubscribed:
		if sub.status != nil {
			ev := realtime.StatusEvent{Status: realtime.StatusSubscribed, Channel: reg.physical}
			status := sub.status
			fx = append(fx, func() { status(ev) })
		}
	}
	m.mu.Unlock()

	fx.run()
	return &Subscription{m: m, reg: reg, sub: sub}, nil
}

func (m *Multiplexer) currentLocked(reg *registration, gen uint64) bool {
	return !m.closed && m.regs[reg.name] == reg && reg.generation == gen
}

// openLocked moves reg to a new physical channel generation and returns the
// work that opens it.
func (m *Multiplexer) openLocked(ctx context.Context, reg *registration) func() {
	reg.stopTimer()

	retry := 0
	if w, ok := m.windows[reg.name]; ok {
		retry = w.count
	}
	reg.generation++
	reg.state = StateOpening
	reg.physical = reg.physicalName(retry)

	gen, physical, specs := reg.generation, reg.physical, reg.specs
	return func() {
		m.open(ctx, reg, gen, physical, specs)
	}
}

func (m *Multiplexer) open(ctx context.Context, reg *registration, gen uint64, physical string, specs []realtime.ChangeSpec) {
	ch := m.client.Channel(physical, realtime.ChannelConfig{JoinTimeout: m.cfg.JoinTimeout})
	for _, spec := range specs {
		ch.On(spec, func(ev realtime.ChangeEvent) {
			m.dispatch(reg, gen, ev)
		})
	}

	m.mu.Lock()
	if !m.currentLocked(reg, gen) {
		m.mu.Unlock()
		m.removeChannel(ch)
		return
	}
	reg.channel = ch
	m.mu.Unlock()

	m.logger.Debug("multiplex.Multiplexer opening channel", "name", reg.name, "physical", physical)
	err := ch.Subscribe(ctx, func(ev realtime.StatusEvent) {
		m.handleStatus(reg, gen, ev)
	})
	if err != nil {
		m.handleStatus(reg, gen, realtime.StatusEvent{Status: realtime.StatusError, Channel: physical, Err: err})
	}
}

func (m *Multiplexer) dispatch(reg *registration, gen uint64, ev realtime.ChangeEvent) {
	m.mu.Lock()
	if !m.currentLocked(reg, gen) {
		m.mu.Unlock()
		return
	}
	reg.lastActivity = m.clock.Now()
	m.seq++
	ev.Seq = m.seq
	targets := make([]realtime.Handler, 0, len(reg.subs))
	for _, s := range reg.subs {
		if s.wants(ev) {
			targets = append(targets, s.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range targets {
		h(ev)
	}
}

func (m *Multiplexer) handleStatus(reg *registration, gen uint64, ev realtime.StatusEvent) {
	var fx effects

	m.mu.Lock()
	if !m.currentLocked(reg, gen) {
		m.mu.Unlock()
		return
	}

	switch ev.Status {
	case realtime.StatusSubscribed:
		reg.state = StateSubscribed
		reg.backoffAttempt = 0
		reg.retryer.Reset()
		reg.lastActivity = m.clock.Now()
		for _, s := range reg.subs {
			m.stopPollingLocked(s)
		}
		fx = append(fx, m.notifyLocked(reg, ev))
		m.logger.Debug("multiplex.Multiplexer channel subscribed", "name", reg.name, "physical", ev.Channel)
	case realtime.StatusClosed, realtime.StatusError, realtime.StatusTimedOut:
		fx = m.failLocked(reg, ev)
	default:
		m.logger.Debug("multiplex.Multiplexer ignoring channel status", "name", reg.name, "status", ev.Status)
	}
	m.mu.Unlock()

	fx.run()
}

// failLocked tears down the failed channel and either schedules exactly one
// resubscription or gives the name up.
func (m *Multiplexer) failLocked(reg *registration, ev realtime.StatusEvent) effects {
	var fx effects

	if ch := reg.channel; ch != nil {
		reg.channel = nil
		fx = append(fx, func() { m.removeChannel(ch) })
	}
	// Later callbacks from the failed channel are stale.
	reg.generation++
	fx = append(fx, m.notifyLocked(reg, ev))

	now := m.clock.Now()
	w, ok := m.windows[reg.name]
	if !ok {
		w = &retryWindow{}
		m.windows[reg.name] = w
	}
	if !w.lastFailure.IsZero() && now.Sub(w.lastFailure) >= m.cfg.RetryResetWindow {
		w.count = 0
	}
	w.lastFailure = now

	if w.count >= reg.maxRetries {
		reg.state = StateGivenUp
		reg.stopTimer()
		m.logger.Error("multiplex.Multiplexer gave up resubscribing channel", "name", reg.name,
			"retries", w.count, "status", ev.Status, "error", ev.Err)
		for _, s := range reg.subs {
			m.startPollingLocked(s)
		}
		fx = append(fx, m.notifyLocked(reg, realtime.StatusEvent{
			Status:  realtime.StatusMaxRetriesExceeded,
			Channel: reg.physical,
			Err:     ev.Err,
		}))
		return fx
	}

	w.count++
	delay, ok := reg.retryer.NextDelay(reg.backoffAttempt, ev.Err)
	if !ok {
		delay = m.cfg.MaxDelay
	}
	reg.backoffAttempt++
	reg.state = StateRetrying

	gen := reg.generation
	reg.stopTimer()
	reg.retryTimer = m.clock.AfterFunc(delay, func() {
		m.retry(reg, gen)
	})

	m.logger.Warn("multiplex.Multiplexer channel dropped, resubscribing", "name", reg.name,
		"status", ev.Status, "error", ev.Err, "retry", w.count, "delay", delay)
	return fx
}

func (m *Multiplexer) retry(reg *registration, gen uint64) {
	m.mu.Lock()
	if !m.currentLocked(reg, gen) || reg.state != StateRetrying {
		m.mu.Unlock()
		return
	}
	reg.retryTimer = nil

	if !m.health.IsHealthy() {
		reg.state = StateWaitingForHealth
		for _, s := range reg.subs {
			m.startPollingLocked(s)
		}
		m.mu.Unlock()
		m.logger.Debug("multiplex.Multiplexer transport unhealthy, waiting to resubscribe", "name", reg.name)
		return
	}

	open := m.openLocked(m.ctx, reg)
	m.mu.Unlock()
	open()
}

func (m *Multiplexer) notifyLocked(reg *registration, ev realtime.StatusEvent) func() {
	fns := make([]realtime.StatusFunc, 0, len(reg.subs))
	for _, s := range reg.subs {
		if s.status != nil {
			fns = append(fns, s.status)
		}
	}
	return func() {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (m *Multiplexer) startPollingLocked(s *subscriber) {
	if s.fallback == nil || s.poll != nil {
		return
	}
	interval := s.fallback.Interval
	if interval <= 0 {
		interval = m.cfg.PollInterval
	}
	s.poll = m.poller.Start(s.fallback.Key, s.fallback.Refresh, interval)
}

func (m *Multiplexer) stopPollingLocked(s *subscriber) {
	if s.poll == nil {
		return
	}
	s.poll.Unsubscribe()
	s.poll = nil
}

func (m *Multiplexer) removeChannel(ch realtime.Channel) {
	if err := m.client.RemoveChannel(m.ctx, ch); err != nil {
		m.logger.Debug("multiplex.Multiplexer failed to remove channel", "physical", ch.Name(), "error", err)
	}
}

func (m *Multiplexer) onHealthChange(prev, next health.HealthState) {
	switch {
	case prev.Healthy() == next.Healthy():
	case next.Healthy():
		m.logger.Info("multiplex.Multiplexer transport healthy, resubscribing channels")
		m.resubscribe(m.ctx)
	default:
		m.logger.Warn("multiplex.Multiplexer transport unhealthy, falling back to polling")
		m.mu.Lock()
		for _, reg := range m.regs {
			for _, s := range reg.subs {
				m.startPollingLocked(s)
			}
		}
		m.mu.Unlock()
	}
}

// ResubscribeAll reopens every registration that has not given up on a
// fresh physical channel. It does nothing while the transport is unhealthy.
func (m *Multiplexer) ResubscribeAll(ctx context.Context) {
	if !m.health.IsHealthy() {
		m.logger.Debug("multiplex.Multiplexer not resubscribing, transport unhealthy")
		return
	}
	m.resubscribe(ctx)
}

func (m *Multiplexer) resubscribe(ctx context.Context) {
	var teardown, opens effects

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for _, name := range m.namesLocked() {
		reg := m.regs[name]
		if reg.state == StateGivenUp {
			continue
		}
		if ch := reg.channel; ch != nil {
			reg.channel = nil
			teardown = append(teardown, func() { m.removeChannel(ch) })
		}
		reg.backoffAttempt = 0
		reg.retryer.Reset()
		opens = append(opens, m.openLocked(ctx, reg))
	}
	m.mu.Unlock()

	teardown.run()
	opens.run()
}

func (m *Multiplexer) namesLocked() []string {
	names := make([]string, 0, len(m.regs))
	for name := range m.regs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Multiplexer) unsubscribe(s *Subscription) {
	var fx effects

	m.mu.Lock()
	reg := s.reg
	if _, ok := reg.remove(s.sub.id); ok {
		m.stopPollingLocked(s.sub)
	}
	if len(reg.subs) == 0 && m.regs[reg.name] == reg {
		delete(m.regs, reg.name)
		reg.stopTimer()
		reg.generation++
		reg.state = StateIdle
		if ch := reg.channel; ch != nil {
			reg.channel = nil
			fx = append(fx, func() { m.removeChannel(ch) })
		}
		if w, ok := m.windows[reg.name]; ok && m.clock.Now().Sub(w.lastFailure) >= m.cfg.RetryResetWindow {
			delete(m.windows, reg.name)
		}
		m.logger.Debug("multiplex.Multiplexer last subscriber left, channel removed", "name", reg.name)
	}
	m.mu.Unlock()

	fx.run()
}

func (m *Multiplexer) mode(s *Subscription) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(s.reg.subs, s.sub) {
		return ModeClosed
	}
	if s.sub.poll != nil {
		return ModePolling
	}
	if s.reg.state == StateSubscribed {
		return ModePush
	}
	return ModePending
}

// Registrations describes every logical name, sorted by name.
func (m *Multiplexer) Registrations() []RegistrationInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]RegistrationInfo, 0, len(m.regs))
	for _, name := range m.namesLocked() {
		reg := m.regs[name]
		info := RegistrationInfo{
			Name:           reg.name,
			Kind:           reg.kind,
			Physical:       reg.physical,
			State:          reg.state,
			Subscribers:    len(reg.subs),
			Polling:        reg.polling(),
			BackoffAttempt: reg.backoffAttempt,
			LastActivity:   reg.lastActivity,
		}
		if w, ok := m.windows[name]; ok {
			info.RetryCount = w.count
		}
		infos = append(infos, info)
	}
	return infos
}

// Close removes every channel, stops all polling started by the
// multiplexer and detaches from the health monitor.
func (m *Multiplexer) Close() {
	var fx effects

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, reg := range m.regs {
		reg.stopTimer()
		reg.generation++
		for _, s := range reg.subs {
			m.stopPollingLocked(s)
		}
		reg.subs = nil
		if ch := reg.channel; ch != nil {
			reg.channel = nil
			fx = append(fx, func() { m.removeChannel(ch) })
		}
	}
	m.regs = make(map[string]*registration)
	m.mu.Unlock()

	m.stopHealth()
	fx.run()
	m.cancel()
}
