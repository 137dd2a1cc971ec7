// Package realtimetest provides an in-process realtime.Client for unit tests.
// Tests flip the connection state, fail connects, emit channel statuses and
// deliver change events without any network.
package realtimetest

import (
	"context"
	"sort"
	"sync"

	"github.com/shopfront/freshness/pkg/realtime"
)

// Client is a fake realtime.Client. Its transport implements IsConnected,
// Connect, Disconnect and Send unless Bare is set.
type Client struct {
	// AutoSubscribe acknowledges every Subscribe on a connected client with
	// StatusSubscribed before Subscribe returns.
	AutoSubscribe bool
	// Bare hides the optional transport capabilities.
	Bare bool

	mu              sync.Mutex
	connected       bool
	connectErr      error
	connectCalls    int
	disconnectCalls int
	sendErr         error
	sent            []realtime.Message
	channels        map[string]*Channel
	created         []string
}

var _ realtime.Client = (*Client)(nil)

// NewClient returns a connected client that acknowledges subscribes.
func NewClient() *Client {
	return &Client{
		AutoSubscribe: true,
		connected:     true,
		channels:      make(map[string]*Channel),
	}
}

func (c *Client) Channel(name string, cfg realtime.ChannelConfig) realtime.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := &Channel{client: c, name: name, cfg: cfg}
	c.channels[name] = ch
	c.created = append(c.created, name)
	return ch
}

func (c *Client) RemoveChannel(ctx context.Context, ch realtime.Channel) error {
	if ch == nil {
		return nil
	}
	return ch.Unsubscribe(ctx)
}

func (c *Client) Transport() realtime.Transport {
	if c.Bare {
		return bareTransport{c: c}
	}
	return (*transport)(c)
}

// SetConnected flips the reported connection state.
func (c *Client) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// FailConnect makes every Connect fail with err until called with nil.
func (c *Client) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// FailSend makes every Send fail with err until called with nil.
func (c *Client) FailSend(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Client) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *Client) DisconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectCalls
}

// Sent returns the messages sent over the transport.
func (c *Client) Sent() []realtime.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Message(nil), c.sent...)
}

// Created lists every channel name ever created, in order.
func (c *Client) Created() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.created...)
}

// Active lists the names of channels that are neither unsubscribed nor
// removed, sorted.
func (c *Client) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the live channel registered under name.
func (c *Client) Get(name string) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	return ch, ok
}

// Emit reports status on the live channel name. It reports whether the
// channel exists and has a status callback.
func (c *Client) Emit(name string, status realtime.Status, err error) bool {
	ch, ok := c.Get(name)
	if !ok {
		return false
	}
	return ch.Emit(status, err)
}

// DropAll reports StatusClosed on every subscribed channel, as a transport
// does when its connection is lost.
func (c *Client) DropAll(err error) {
	c.mu.Lock()
	chs := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chs = append(chs, ch)
	}
	c.mu.Unlock()

	for _, ch := range chs {
		ch.Emit(realtime.StatusClosed, err)
	}
}

// Deliver hands ev to every matching binding of every subscribed channel.
func (c *Client) Deliver(ev realtime.ChangeEvent) int {
	c.mu.Lock()
	chs := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chs = append(chs, ch)
	}
	c.mu.Unlock()

	delivered := 0
	for _, ch := range chs {
		delivered += ch.Deliver(ev)
	}
	return delivered
}

func (c *Client) remove(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.name] == ch {
		delete(c.channels, ch.name)
	}
}

type transport Client

func (t *transport) IsConnected() bool {
	return (*Client)(t).IsConnected()
}

func (t *transport) Connect(ctx context.Context) error {
	c := (*Client)(t)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connectCalls++
	if c.connectErr != nil {
		return c.connectErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.connected = true
	return nil
}

func (t *transport) Disconnect(ctx context.Context) error {
	c := (*Client)(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCalls++
	c.connected = false
	return nil
}

func (t *transport) Send(ctx context.Context, msg realtime.Message) error {
	c := (*Client)(t)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return realtime.ErrNotConnected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

type bareTransport struct {
	c *Client
}

func (t bareTransport) IsConnected() bool { return t.c.IsConnected() }

type binding struct {
	spec    realtime.ChangeSpec
	handler realtime.Handler
}

// Channel is a fake realtime.Channel.
type Channel struct {
	client *Client
	name   string
	cfg    realtime.ChannelConfig

	mu             sync.Mutex
	bindings       []binding
	status         realtime.StatusFunc
	subscribeCalls int
	subscribed     bool
	unsubscribed   bool
}

var _ realtime.Channel = (*Channel)(nil)

func (ch *Channel) Name() string { return ch.name }

func (ch *Channel) On(spec realtime.ChangeSpec, handler realtime.Handler) realtime.Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bindings = append(ch.bindings, binding{spec: spec, handler: handler})
	return ch
}

func (ch *Channel) Specs() []realtime.ChangeSpec {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	specs := make([]realtime.ChangeSpec, 0, len(ch.bindings))
	for _, b := range ch.bindings {
		specs = append(specs, b.spec)
	}
	return specs
}

func (ch *Channel) Subscribe(ctx context.Context, status realtime.StatusFunc) error {
	ch.mu.Lock()
	if ch.unsubscribed {
		ch.mu.Unlock()
		return realtime.ErrChannelClosed
	}
	ch.subscribeCalls++
	ch.status = status
	ch.mu.Unlock()

	if !ch.client.IsConnected() {
		return realtime.ErrNotConnected
	}
	if ch.client.AutoSubscribe {
		ch.Emit(realtime.StatusSubscribed, nil)
	}
	return nil
}

func (ch *Channel) Unsubscribe(ctx context.Context) error {
	ch.mu.Lock()
	ch.unsubscribed = true
	ch.subscribed = false
	ch.status = nil
	ch.mu.Unlock()

	ch.client.remove(ch)
	return nil
}

// Emit reports status to the subscriber, if any.
func (ch *Channel) Emit(status realtime.Status, err error) bool {
	ch.mu.Lock()
	fn := ch.status
	if fn != nil {
		ch.subscribed = status == realtime.StatusSubscribed
	}
	ch.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(realtime.StatusEvent{Status: status, Channel: ch.name, Err: err})
	return true
}

// Deliver hands ev to the matching bindings if the channel is subscribed.
func (ch *Channel) Deliver(ev realtime.ChangeEvent) int {
	ch.mu.Lock()
	if !ch.subscribed {
		ch.mu.Unlock()
		return 0
	}
	bindings := append([]binding(nil), ch.bindings...)
	ch.mu.Unlock()

	ev.Channel = ch.name
	n := 0
	for _, b := range bindings {
		if b.spec.Matches(ev) {
			b.handler(ev)
			n++
		}
	}
	return n
}

func (ch *Channel) SubscribeCalls() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.subscribeCalls
}

func (ch *Channel) Subscribed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.subscribed
}
