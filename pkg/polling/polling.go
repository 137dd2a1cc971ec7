// Package polling is the timer-based refresh path used when push delivery is
// unavailable.
//
// A Coordinator runs at most one poller per logical key. Callers asking for a
// key that is already polled attach to the running poller and bump its
// reference count; the poller stops when the last one detaches. Each tick
// calls the refresh function of the longest-attached caller, so concurrent
// consumers of one key cause one fetch per interval, not one each.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/shopfront/freshness/pkg/logger"
)

// RefreshFunc fetches a fresh value and writes it wherever the caller keeps
// it, typically the cache store.
type RefreshFunc func(ctx context.Context) error

type Config struct {
	// Interval is used when Start is called with a zero interval.
	Interval time.Duration
	// RefreshTimeout bounds a single refresh. Zero means no bound.
	RefreshTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		RefreshTimeout: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("polling: interval must be positive, got %s", c.Interval))
	}
	if c.RefreshTimeout < 0 {
		errs = append(errs, fmt.Errorf("polling: refresh timeout must not be negative, got %s", c.RefreshTimeout))
	}
	return errors.Join(errs...)
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l logger.Logger) Option {
	return func(co *Coordinator) { co.logger = logger.OrNop(l) }
}

// Coordinator owns the pollers. It is safe for concurrent use.
type Coordinator struct {
	cfg    Config
	clock  clock.Clock
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pollers map[string]*poller
	nextID  uint64
	closed  bool
}

type attachment struct {
	id      uint64
	refresh RefreshFunc
}

type poller struct {
	key      string
	interval time.Duration
	stop     chan struct{}
	// attached is ordered by attach time.
	attached []attachment
}

func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		clock:   clock.WallClock,
		logger:  logger.Nop(),
		ctx:     ctx,
		cancel:  cancel,
		pollers: make(map[string]*poller),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscription is one caller's attachment to a poller.
type Subscription struct {
	c    *Coordinator
	key  string
	id   uint64
	once sync.Once
}

// Key returns the polled key.
func (s *Subscription) Key() string {
	return s.key
}

// Unsubscribe detaches the caller. The poller stops with its last caller.
// Calling it more than once has no further effect.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.c != nil {
			s.c.detach(s.key, s.id)
		}
	})
}

// Start attaches refresh to the poller for key, starting one if none runs.
// The first refresh happens one interval from now; callers are expected to
// have fetched already. A zero interval uses the configured default. A
// caller attaching to a running poller keeps that poller's interval.
//
// On a closed coordinator Start returns an inert subscription.
func (c *Coordinator) Start(key string, refresh RefreshFunc, interval time.Duration) *Subscription {
	if interval <= 0 {
		interval = c.cfg.Interval
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Warn("polling.Coordinator start on closed coordinator", "key", key)
		return &Subscription{key: key}
	}

	c.nextID++
	id := c.nextID

	p, ok := c.pollers[key]
	if ok {
		p.attached = append(p.attached, attachment{id: id, refresh: refresh})
		if p.interval != interval {
			c.logger.Debug("polling.Coordinator attached with different interval, keeping the running one",
				"key", key, "running", p.interval, "requested", interval)
		}
		c.logger.Debug("polling.Coordinator attached to running poller", "key", key, "refs", len(p.attached))
		return &Subscription{c: c, key: key, id: id}
	}

	p = &poller{
		key:      key,
		interval: interval,
		stop:     make(chan struct{}),
		attached: []attachment{{id: id, refresh: refresh}},
	}
	c.pollers[key] = p
	c.wg.Add(1)
	go c.run(p)

	c.logger.Debug("polling.Coordinator started poller", "key", key, "interval", interval)
	return &Subscription{c: c, key: key, id: id}
}

func (c *Coordinator) detach(key string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pollers[key]
	if !ok {
		return
	}
	for i, a := range p.attached {
		if a.id == id {
			p.attached = append(p.attached[:i:i], p.attached[i+1:]...)
			break
		}
	}
	if len(p.attached) > 0 {
		return
	}

	delete(c.pollers, key)
	close(p.stop)
	c.logger.Debug("polling.Coordinator stopped poller", "key", key)
}

func (c *Coordinator) run(p *poller) {
	defer c.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case <-c.ctx.Done():
			return
		case <-c.clock.After(p.interval):
		}

		refresh := c.current(p)
		if refresh == nil {
			return
		}
		c.refresh(p.key, refresh)
	}
}

// current returns the refresh of the longest-attached caller, or nil if the
// poller was stopped.
func (c *Coordinator) current(p *poller) RefreshFunc {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-p.stop:
		return nil
	default:
	}
	if len(p.attached) == 0 {
		return nil
	}
	return p.attached[0].refresh
}

func (c *Coordinator) refresh(key string, refresh RefreshFunc) {
	ctx := c.ctx
	if c.cfg.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RefreshTimeout)
		defer cancel()
	}

	if err := refresh(ctx); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("polling.Coordinator refresh failed", "key", key, "error", err)
	}
}

// Active returns the polled keys, sorted.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.pollers))
	for k := range c.pollers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Refs returns how many callers are attached to key's poller.
func (c *Coordinator) Refs(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pollers[key]; ok {
		return len(p.attached)
	}
	return 0
}

// Close stops every poller and waits for in-flight refreshes to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for key, p := range c.pollers {
		close(p.stop)
		delete(c.pollers, key)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
