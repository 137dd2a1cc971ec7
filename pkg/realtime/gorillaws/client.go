// Package gorillaws is a realtime client over github.com/gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/juju/clock"

	"github.com/shopfront/freshness/pkg/logger"
	"github.com/shopfront/freshness/pkg/realtime"
	"github.com/shopfront/freshness/pkg/realtime/wire"
)

// DefaultDialer is gorilla's default dialer with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// closeWriteTimeout bounds the close message write when ctx has no deadline.
const closeWriteTimeout = time.Second

// State is the connection state.
//
//	StatePending       -> StateConnecting
//	StateConnecting    -> StateConnected | StateDisconnected
//	StateConnected     -> StateDisconnecting | StateDisconnected
//	StateDisconnecting -> StateDisconnected
//	StateDisconnected  -> StateConnecting
type State int

const (
	StateUnknown State = iota
	StatePending
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

type Option func(*Client)

func WithDialer(d *gorilla.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = logger.OrNop(l) }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithJoinTimeout sets the default time to wait for a join reply.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Client) { c.joinTimeout = d }
}

// Client is a realtime.Client. It implements realtime.Transport together with
// the Connector, Disconnector and Sender capabilities.
type Client struct {
	*wire.Toolkit

	url         string
	dialer      *gorilla.Dialer
	logger      logger.Logger
	clock       clock.Clock
	joinTimeout time.Duration

	// connLock guards conn for reads and writes after a successful connect.
	connLock sync.Mutex
	conn     *gorilla.Conn

	// stateLock is separate from connLock so a failed connection reports
	// errors to writers immediately, without waiting for a reconnect.
	stateLock sync.RWMutex
	state     State
}

var (
	_ realtime.Client       = (*Client)(nil)
	_ realtime.Transport    = (*Client)(nil)
	_ realtime.Connector    = (*Client)(nil)
	_ realtime.Disconnector = (*Client)(nil)
	_ realtime.Sender       = (*Client)(nil)
)

// New creates a client for the websocket endpoint at url. It does not
// connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		dialer: DefaultDialer,
		logger: logger.Nop(),
		clock:  clock.WallClock,
		state:  StatePending,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Toolkit = wire.NewToolkit(c, c.clock, c.logger)
	if c.joinTimeout > 0 {
		c.Toolkit.JoinTimeout = c.joinTimeout
	}
	return c
}

func (c *Client) Transport() realtime.Transport { return c }

func (c *Client) State() State {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Client) transitionToConnecting() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	switch c.state {
	case StateConnected:
		return errors.New("gorillaws.Client is already connected")
	case StateConnecting:
		return errors.New("gorillaws.Client is already connecting")
	case StateDisconnecting:
		return errors.New("gorillaws.Client is disconnecting")
	case StatePending, StateDisconnected:
	default:
		c.logger.Warn("BUG: gorillaws.Client is in an unknown state, trying to connect anyway", "state", c.state)
	}

	c.state = StateConnecting
	return nil
}

func (c *Client) setState(s State) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.state = s
}

// Connect dials the endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transitionToConnecting(); err != nil {
		return err
	}

	conn, res, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("gorillaws.Client failed to connect: %w", err)
	}
	if res != nil && res.Body != nil {
		res.Body.Close()
	}

	c.connLock.Lock()
	c.conn = conn
	c.connLock.Unlock()

	c.setState(StateConnected)
	c.logger.Debug("gorillaws.Client connected", "url", c.url)

	go c.readLoop(conn)
	return nil
}

// Disconnect sends a close message and closes the connection. Channels
// observe StatusClosed.
func (c *Client) Disconnect(ctx context.Context) error {
	c.stateLock.Lock()
	if c.state != StateConnected {
		c.stateLock.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	c.stateLock.Unlock()

	defer c.setState(StateDisconnected)

	c.connLock.Lock()
	conn := c.conn
	c.conn = nil
	c.connLock.Unlock()

	if conn == nil {
		return nil
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(closeWriteTimeout)
	}
	if err := conn.WriteControl(gorilla.CloseMessage,
		gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), deadline); err != nil {
		c.logger.Warn("gorillaws.Client failed to write close message", "error", err)
	}

	return conn.Close()
}

// WriteFrame implements wire.FrameWriter.
func (c *Client) WriteFrame(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn == nil {
		return realtime.ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("BUG: gorillaws.Client failed to set write deadline: %w", err)
		}
		defer c.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}

	return c.conn.WriteMessage(gorilla.TextMessage, data)
}

func (c *Client) readLoop(conn *gorilla.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}
		c.HandleFrame(data)
	}
}

func (c *Client) handleReadError(conn *gorilla.Conn, err error) {
	c.connLock.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.connLock.Unlock()

	if current {
		c.setState(StateDisconnected)
		conn.Close()
	}

	switch {
	case errors.Is(err, net.ErrClosed), gorilla.IsCloseError(err, gorilla.CloseNormalClosure):
		c.logger.Debug("gorillaws.Client connection closed")
	default:
		c.logger.Warn("gorillaws.Client connection lost", "error", err)
	}

	c.HandleDisconnect(err)
}
