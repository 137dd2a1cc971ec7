package freshness

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/shopfront/freshness/pkg/cache"
	"github.com/shopfront/freshness/pkg/dataapi"
	"github.com/shopfront/freshness/pkg/health"
	"github.com/shopfront/freshness/pkg/logger"
	"github.com/shopfront/freshness/pkg/multiplex"
	"github.com/shopfront/freshness/pkg/polling"
	"github.com/shopfront/freshness/pkg/realtime"
	"github.com/shopfront/freshness/pkg/realtime/gorillaws"
	"github.com/shopfront/freshness/pkg/realtime/gws"
	"github.com/shopfront/freshness/pkg/storage"
	"github.com/shopfront/freshness/pkg/storage/filestore"
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("freshness: client is closed")

// Client wires the cache store, the connection health monitor, the channel
// multiplexer and the polling coordinator together. One Client is meant to be
// shared by every consumer of a process.
type Client struct {
	cfg    Config
	clock  clock.Clock
	logger logger.Logger

	store    *cache.Store
	storage  storage.Storage
	realtime realtime.Client
	monitor  *health.Monitor
	poller   *polling.Coordinator
	mux      *multiplex.Multiplexer
	api      dataapi.API

	// flights deduplicates concurrent fetches of the same cache key.
	flights singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	watchers    map[string]map[uint64]func(any)
	nextWatcher uint64
	applied     map[string]*appliedEvents
}

type options struct {
	clock    clock.Clock
	logger   logger.Logger
	storage  storage.Storage
	realtime realtime.Client
	api      dataapi.API
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = logger.OrNop(l) }
}

// WithStorage sets the durable mirror of the cache, overriding
// Config.StorageDir.
func WithStorage(st storage.Storage) Option {
	return func(o *options) { o.storage = st }
}

// WithRealtimeClient sets the change-feed client, overriding
// Config.RealtimeURL and Config.Transport.
func WithRealtimeClient(c realtime.Client) Option {
	return func(o *options) { o.realtime = c }
}

// WithDataAPI sets the request/response API, overriding Config.DataURL.
func WithDataAPI(api dataapi.API) Option {
	return func(o *options) { o.api = api }
}

// New builds a Client. Call Start to begin monitoring the connection.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		clock:  clock.WallClock,
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	st := o.storage
	if st == nil && cfg.StorageDir != "" {
		fs, err := filestore.Open(cfg.StorageDir, cfg.StorageQuota)
		if err != nil {
			return nil, fmt.Errorf("freshness: open storage: %w", err)
		}
		st = fs
	}

	cacheOpts := []cache.Option{cache.WithClock(o.clock), cache.WithLogger(o.logger)}
	if st != nil {
		cacheOpts = append(cacheOpts, cache.WithStorage(st))
	}
	store, err := cache.New(cfg.Cache, cacheOpts...)
	if err != nil {
		return nil, err
	}

	rt := o.realtime
	if rt == nil {
		if rt, err = newRealtimeClient(cfg, o); err != nil {
			return nil, err
		}
	}

	api := o.api
	if api == nil {
		if cfg.DataURL == "" {
			return nil, errors.New("freshness: a data API URL or WithDataAPI is required")
		}
		api = dataapi.New(cfg.DataURL, cfg.APIKey, dataapi.WithLogger(o.logger))
	}

	monitor, err := health.New(cfg.Health, rt.Transport(),
		health.WithClock(o.clock), health.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	poller, err := polling.New(cfg.Polling,
		polling.WithClock(o.clock), polling.WithLogger(o.logger))
	if err != nil {
		monitor.Close()
		return nil, err
	}
	mux, err := multiplex.New(cfg.Multiplex, rt, monitor, poller,
		multiplex.WithClock(o.clock), multiplex.WithLogger(o.logger))
	if err != nil {
		poller.Close()
		monitor.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		clock:    o.clock,
		logger:   o.logger,
		store:    store,
		storage:  st,
		realtime: rt,
		monitor:  monitor,
		poller:   poller,
		mux:      mux,
		api:      api,
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]map[uint64]func(any)),
		applied:  make(map[string]*appliedEvents),
	}, nil
}

func newRealtimeClient(cfg Config, o options) (realtime.Client, error) {
	if cfg.RealtimeURL == "" {
		return nil, errors.New("freshness: a realtime URL or WithRealtimeClient is required")
	}
	u, err := url.Parse(cfg.RealtimeURL)
	if err != nil {
		return nil, fmt.Errorf("freshness: invalid realtime URL: %w", err)
	}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("apikey", cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	switch cfg.Transport {
	case TransportGWS:
		return gws.New(u.String(),
			gws.WithLogger(o.logger),
			gws.WithClock(o.clock),
			gws.WithJoinTimeout(cfg.Multiplex.JoinTimeout),
		), nil
	default:
		return gorillaws.New(u.String(),
			gorillaws.WithLogger(o.logger),
			gorillaws.WithClock(o.clock),
			gorillaws.WithJoinTimeout(cfg.Multiplex.JoinTimeout),
		), nil
	}
}

// Start starts the health monitor, which connects the transport in the
// background when it is not connected yet.
func (c *Client) Start(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.monitor.Start(ctx)
}

// Cache returns the shared cache store.
func (c *Client) Cache() *cache.Store {
	return c.store
}

// API returns the request/response data API.
func (c *Client) API() dataapi.API {
	return c.api
}

// Health returns a snapshot of the connection health.
func (c *Client) Health() health.HealthState {
	return c.monitor.Snapshot()
}

// OnHealthChange registers fn for health transitions.
func (c *Client) OnHealthChange(fn health.ListenerFunc) (cancel func()) {
	return c.monitor.OnChange(fn)
}

// IsRealtimeConnectionHealthy reports whether push updates can be relied on.
func (c *Client) IsRealtimeConnectionHealthy() bool {
	return c.monitor.IsHealthy()
}

// Reprobe makes one connection attempt if the monitor has given up.
func (c *Client) Reprobe(ctx context.Context) bool {
	return c.monitor.Reprobe(ctx)
}

// CreateRobustChannel subscribes handler to the robust channel name bound to
// specs. Subscribers of the same name share one physical channel.
func (c *Client) CreateRobustChannel(ctx context.Context, name string, specs []realtime.ChangeSpec, handler realtime.Handler, opts ...multiplex.SubscribeOption) (*multiplex.Subscription, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.mux.Subscribe(ctx, name, specs, handler, opts...)
}

// SubscribeToSharedTableChanges subscribes handler to the changes of table
// whose row matches filter. All subscribers of a table share one channel.
func (c *Client) SubscribeToSharedTableChanges(ctx context.Context, table string, filter multiplex.Filter, handler realtime.Handler, opts ...multiplex.SubscribeOption) (*multiplex.Subscription, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.mux.SubscribeTable(ctx, table, filter, handler, opts...)
}

// ResubscribeAll tears down and reopens every channel.
func (c *Client) ResubscribeAll(ctx context.Context) {
	c.mux.ResubscribeAll(ctx)
}

// Registrations describes every channel registration.
func (c *Client) Registrations() []multiplex.RegistrationInfo {
	return c.mux.Registrations()
}

// ActivePolls lists the keys currently polled.
func (c *Client) ActivePolls() []string {
	return c.poller.Active()
}

// Close stops every subscription, poll and background revalidation. The
// transport is disconnected if it supports it. The durable mirror is left
// intact.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.watchers = make(map[string]map[uint64]func(any))
	c.applied = make(map[string]*appliedEvents)
	c.mu.Unlock()

	c.cancel()
	c.mux.Close()
	c.poller.Close()
	c.monitor.Close()
	c.wg.Wait()

	if d, ok := c.realtime.Transport().(realtime.Disconnector); ok {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Health.ConnectTimeout)
		defer cancel()
		if err := d.Disconnect(ctx); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			return fmt.Errorf("freshness: disconnect: %w", err)
		}
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// background runs fn on its own goroutine with the client's context. It
// reports false without running fn once the client is closed.
func (c *Client) background(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

// flightContext derives the context of a shared fetch from the context of
// the caller that started it. It keeps the caller's values and deadline but
// not its cancellation, and it ends when the client is closed.
func (c *Client) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	fctx := context.WithoutCancel(ctx)
	cancelDeadline := context.CancelFunc(func() {})
	if deadline, ok := ctx.Deadline(); ok {
		fctx, cancelDeadline = context.WithDeadline(fctx, deadline)
	}
	fctx, cancel := context.WithCancel(fctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return fctx, func() {
		stop()
		cancel()
		cancelDeadline()
	}
}

// watch registers fn to receive every value published for key.
func (c *Client) watch(key string, fn func(any)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}

	id := c.nextWatcher
	c.nextWatcher++
	if c.watchers[key] == nil {
		c.watchers[key] = make(map[uint64]func(any))
		c.applied[key] = &appliedEvents{}
	}
	c.watchers[key][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ws, ok := c.watchers[key]; ok {
			delete(ws, id)
			if len(ws) == 0 {
				delete(c.watchers, key)
				delete(c.applied, key)
			}
		}
	}
}

// publish hands v to every watcher of key, outside the lock.
func (c *Client) publish(key string, v any) {
	c.mu.Lock()
	fns := make([]func(any), 0, len(c.watchers[key]))
	for _, fn := range c.watchers[key] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// appliedEventsWindow is how many recent change events are remembered per
// key. Concurrent dispatches of different events may interleave, so one
// remembered event is not enough.
const appliedEventsWindow = 64

// appliedEvents remembers the change events already applied to one key.
// Its lock also serializes applying changes to the key.
type appliedEvents struct {
	mu   sync.Mutex
	seqs [appliedEventsWindow]uint64
	next int
}

func (a *appliedEvents) claim(seq uint64) bool {
	for _, s := range a.seqs {
		if s == seq {
			return false
		}
	}
	a.seqs[a.next] = seq
	a.next = (a.next + 1) % len(a.seqs)
	return true
}

// applyOnce runs fn for the first delivery of a change event to the queries
// of key and reports whether it ran. An event reaches every query of a key
// that subscribed to it, but must change the key's value only once. Events
// without a sequence number always run fn.
func (c *Client) applyOnce(key string, ev realtime.ChangeEvent, fn func()) bool {
	c.mu.Lock()
	a := c.applied[key]
	c.mu.Unlock()
	if a == nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.Seq != 0 && !a.claim(ev.Seq) {
		return false
	}
	fn()
	return true
}
