// Package health watches the realtime transport and decides whether push
// delivery is usable.
//
// The Monitor periodically inspects the transport, keeps it alive with
// heartbeats, reconnects with exponential backoff when it drops, and gives up
// after a bounded number of consecutive failures. A given-up monitor re-probes
// at a reduced frequency and becomes healthy again once a probe succeeds.
// Connection failures are logged, never returned to callers: they only make
// IsHealthy report false.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/shopfront/freshness/pkg/backoff"
	"github.com/shopfront/freshness/pkg/logger"
	"github.com/shopfront/freshness/pkg/realtime"
)

// ListenerFunc is called after every state change, outside the monitor lock.
type ListenerFunc func(prev, next HealthState)

type Option func(*Monitor)

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithLogger(l logger.Logger) Option {
	return func(m *Monitor) { m.logger = logger.OrNop(l) }
}

// WithRetryer replaces the exponential backoff built from the config.
func WithRetryer(r backoff.Retryer) Option {
	return func(m *Monitor) { m.retryer = r }
}

// WithRecoveryRetryer sets the delays between the recovery attempts of a
// given-up monitor. The default tries every Config.ReprobeInterval without
// limit. Once the retryer stops, only an explicit Reprobe call can restore
// the monitor.
func WithRecoveryRetryer(r backoff.Retryer) Option {
	return func(m *Monitor) { m.recovery = r }
}

// Monitor tracks the health of one realtime transport. It is safe for
// concurrent use.
type Monitor struct {
	cfg       Config
	transport realtime.Transport
	clock     clock.Clock
	logger    logger.Logger
	retryer   backoff.Retryer
	recovery  backoff.Retryer

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu                 sync.Mutex
	state              State
	connected          bool
	initialEstablished bool
	attempts           int
	givenUp            bool
	// reconnecting is set while a reconnect loop runs, so only one runs.
	reconnecting bool
	started      bool
	listeners    map[uint64]ListenerFunc
	nextListener uint64
}

func New(cfg Config, transport realtime.Transport, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("health: transport is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:       cfg,
		transport: transport,
		clock:     clock.WallClock,
		logger:    logger.Nop(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[uint64]ListenerFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retryer == nil {
		m.retryer = &backoff.ExponentialBackoffRetryer{
			InitialDelay: cfg.BaseDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   2,
			JitterFactor: 0.5,
		}
	}
	if m.recovery == nil {
		m.recovery = backoff.NewFixedDelayRetryer(cfg.ReprobeInterval, 0)
	}
	return m, nil
}

// Start makes the initial connection attempt in the background and starts
// the check, heartbeat and re-probe loops. ctx bounds the initial attempt
// only; later attempts run until Close. Start fails only if the monitor was
// already started or is closed.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("health: monitor already started")
	}
	if m.state == StateClosed {
		m.mu.Unlock()
		return errors.New("health: monitor is closed")
	}
	m.started = true
	m.mu.Unlock()

	if m.transport.IsConnected() {
		m.markHealthy()
	} else {
		m.update(func() {
			m.transitionLocked(StateConnecting)
		})
		m.triggerReconnect(ctx)
	}

	m.runLoop(m.cfg.CheckInterval, func(ctx context.Context) { m.Check(ctx) })
	if m.cfg.HeartbeatInterval > 0 {
		m.runLoop(m.cfg.HeartbeatInterval, func(ctx context.Context) {
			if err := m.Heartbeat(ctx); err != nil {
				m.logger.Warn("health.Monitor heartbeat failed", "error", err)
				m.Check(ctx)
			}
		})
	}
	m.recoveryLoop()

	m.logger.Debug("health.Monitor started", "state", m.State())
	return nil
}

// recoveryLoop retries a given-up monitor with the delays of the recovery
// retryer, restarting the sequence whenever the monitor is not given up.
func (m *Monitor) recoveryLoop() {
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		attempt := 0
		for {
			delay, ok := m.recovery.NextDelay(attempt, nil)
			if !ok {
				m.logger.Warn("health.Monitor stopped recovery attempts", "attempts", attempt)
				return
			}
			select {
			case <-m.ctx.Done():
				return
			case <-m.clock.After(delay):
			}

			if !m.Snapshot().GivenUp {
				attempt = 0
				continue
			}
			if m.Reprobe(m.ctx) {
				attempt = 0
				continue
			}
			attempt++
		}
	}()
}

func (m *Monitor) runLoop(interval time.Duration, tick func(context.Context)) {
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-m.clock.After(interval):
			}
			tick(m.ctx)
		}
	}()
}

// IsHealthy reports connected && initial connection established && !given up.
func (m *Monitor) IsHealthy() bool {
	return m.Snapshot().Healthy()
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Snapshot() HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() HealthState {
	return HealthState{
		State:                        m.state,
		Connected:                    m.connected,
		InitialConnectionEstablished: m.initialEstablished,
		ConnectionAttempts:           m.attempts,
		GivenUp:                      m.givenUp,
	}
}

// OnChange registers fn for state changes. The returned func unregisters it.
func (m *Monitor) OnChange(fn ListenerFunc) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// update runs fn under the lock and notifies listeners if the snapshot
// changed.
func (m *Monitor) update(fn func()) {
	m.mu.Lock()
	prev := m.snapshotLocked()
	fn()
	next := m.snapshotLocked()
	var listeners []ListenerFunc
	if prev != next {
		listeners = make([]ListenerFunc, 0, len(m.listeners))
		for _, l := range m.listeners {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()

	if prev.State != next.State {
		m.logger.Debug("health.Monitor state transitioned", "from", prev.State, "to", next.State,
			"attempts", next.ConnectionAttempts)
	}
	for _, l := range listeners {
		l(prev, next)
	}
}

func (m *Monitor) transitionLocked(next State) bool {
	if m.state == next {
		return true
	}
	if err := m.state.validateTransitionTo(next); err != nil {
		m.logger.Error("BUG: health.Monitor refused state transition", "error", err)
		return false
	}
	m.state = next
	return true
}

func (m *Monitor) markHealthy() {
	m.update(func() {
		if m.state == StateClosed {
			return
		}
		m.connected = true
		m.initialEstablished = true
		m.attempts = 0
		m.givenUp = false
		m.transitionLocked(StateHealthy)
	})
	m.retryer.Reset()
	m.recovery.Reset()
}

// Check inspects the transport once. A healthy to unhealthy flip starts a
// reconnect; seeing the transport connected again makes the monitor healthy.
// A given-up monitor is left alone until a re-probe succeeds.
func (m *Monitor) Check(ctx context.Context) State {
	connected := m.transport.IsConnected()

	m.mu.Lock()
	state := m.state
	givenUp := m.givenUp
	reconnecting := m.reconnecting
	m.mu.Unlock()

	switch {
	case state == StateClosed || state == StateUninitialized || givenUp:
		return state
	case connected && state != StateHealthy && !reconnecting:
		m.logger.Info("health.Monitor transport is connected again")
		m.markHealthy()
	case !connected && state == StateHealthy:
		m.logger.Warn("health.Monitor transport disconnected")
		m.update(func() {
			m.connected = false
			m.transitionLocked(StateUnhealthy)
		})
		m.triggerReconnect(nil)
	case !connected && !reconnecting:
		m.triggerReconnect(nil)
	}

	return m.State()
}

// triggerReconnect starts the reconnect loop unless one is running. A
// non-nil first also bounds the first attempt.
func (m *Monitor) triggerReconnect(first context.Context) {
	m.mu.Lock()
	if m.reconnecting || m.givenUp || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.loops.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.loops.Done()
		defer func() {
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
		}()
		m.reconnectLoop(m.ctx, first)
	}()
}

func (m *Monitor) reconnectLoop(ctx, first context.Context) {
	for {
		var attempt int
		stop := false
		m.update(func() {
			if m.state == StateClosed || m.givenUp {
				stop = true
				return
			}
			m.attempts++
			attempt = m.attempts
			m.transitionLocked(StateConnecting)
		})
		if stop {
			return
		}

		attemptCtx, release := ctx, func() {}
		if first != nil {
			attemptCtx, release = boundBy(ctx, first)
			first = nil
		}
		err := m.connect(attemptCtx)
		release()
		if err == nil {
			m.logger.Info("health.Monitor reconnected", "attempt", attempt)
			m.markHealthy()
			return
		}
		if ctx.Err() != nil {
			return
		}

		m.logger.Warn("health.Monitor connection attempt failed", "attempt", attempt,
			"max_attempts", m.cfg.MaxAttempts, "error", err)

		gaveUp := false
		m.update(func() {
			if m.state == StateClosed {
				return
			}
			m.connected = false
			if m.attempts >= m.cfg.MaxAttempts {
				m.givenUp = true
				gaveUp = true
				m.transitionLocked(StateGivenUp)
				return
			}
			m.transitionLocked(StateUnhealthy)
		})
		if gaveUp {
			m.logger.Error("health.Monitor gave up reconnecting, push delivery is unavailable",
				"attempts", attempt, "reprobe_interval", m.cfg.ReprobeInterval)
			return
		}

		delay, ok := m.retryer.NextDelay(attempt-1, err)
		if !ok {
			delay = m.cfg.MaxDelay
		}
		m.logger.Debug("health.Monitor waiting before next attempt", "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(delay):
		}

		if m.transport.IsConnected() {
			m.markHealthy()
			return
		}
	}
}

// connect makes one connection attempt through the Connector capability.
// Transports without it can only be observed, so the attempt succeeds only
// if the transport reconnected by itself.
func (m *Monitor) connect(ctx context.Context) error {
	if m.transport.IsConnected() {
		return nil
	}

	connector, ok := m.transport.(realtime.Connector)
	if !ok {
		return realtime.ErrNotConnected
	}

	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	if err := connector.Connect(ctx); err != nil {
		return fmt.Errorf("health: connect: %w", err)
	}
	if !m.transport.IsConnected() {
		return realtime.ErrNotConnected
	}
	return nil
}

// Reprobe makes a single connection attempt from the given-up state and
// reports whether the monitor is healthy afterwards. The attempt does not
// count towards MaxAttempts.
func (m *Monitor) Reprobe(ctx context.Context) bool {
	proceed := false
	m.update(func() {
		if !m.givenUp || m.state == StateClosed {
			return
		}
		proceed = m.transitionLocked(StateConnecting)
	})
	if !proceed {
		return m.IsHealthy()
	}

	m.logger.Debug("health.Monitor re-probing transport")
	if err := m.connect(ctx); err != nil {
		m.logger.Debug("health.Monitor re-probe failed", "error", err)
		m.update(func() {
			m.transitionLocked(StateGivenUp)
		})
		return false
	}

	m.logger.Info("health.Monitor re-probe succeeded, push delivery restored")
	m.markHealthy()
	return true
}

// Heartbeat sends one keepalive if the monitor is healthy and the transport
// can send. It returns the send error, if any.
func (m *Monitor) Heartbeat(ctx context.Context) error {
	if m.State() != StateHealthy {
		return nil
	}
	sender, ok := m.transport.(realtime.Sender)
	if !ok {
		return nil
	}
	if err := sender.Send(ctx, realtime.HeartbeatMessage()); err != nil {
		return fmt.Errorf("health: heartbeat: %w", err)
	}
	return nil
}

// Close stops every loop and waits for them to exit. It does not close the
// transport.
func (m *Monitor) Close() {
	m.update(func() {
		m.transitionLocked(StateClosed)
	})
	m.cancel()
	m.loops.Wait()
}

// boundBy derives a context from ctx that is also cancelled when other is
// done.
func boundBy(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	if other.Err() != nil {
		cancel()
		return ctx, cancel
	}
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
