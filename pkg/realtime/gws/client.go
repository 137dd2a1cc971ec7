// Package gws is a realtime client over github.com/lxzan/gws.
//
// It is interchangeable with package gorillaws.
package gws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/lxzan/gws"

	"github.com/shopfront/freshness/pkg/logger"
	"github.com/shopfront/freshness/pkg/realtime"
	"github.com/shopfront/freshness/pkg/realtime/wire"
)

const closeNormal = 1000

type Option func(*Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = logger.OrNop(l) }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

func WithJoinTimeout(d time.Duration) Option {
	return func(c *Client) { c.joinTimeout = d }
}

// WithHandshakeTimeout bounds the websocket handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

type Client struct {
	*wire.Toolkit

	url              string
	logger           logger.Logger
	clock            clock.Clock
	joinTimeout      time.Duration
	handshakeTimeout time.Duration

	connLock sync.Mutex
	conn     *gws.Conn
}

var (
	_ realtime.Client       = (*Client)(nil)
	_ realtime.Transport    = (*Client)(nil)
	_ realtime.Connector    = (*Client)(nil)
	_ realtime.Disconnector = (*Client)(nil)
	_ realtime.Sender       = (*Client)(nil)
)

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:              url,
		logger:           logger.Nop(),
		clock:            clock.WallClock,
		handshakeTimeout: 5 * time.Second,
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

func (c *Client) IsConnected() bool {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.conn != nil
}

type websocketHandler struct {
	client *Client
}

func (h *websocketHandler) OnOpen(socket *gws.Conn) {}

func (h *websocketHandler) OnClose(socket *gws.Conn, err error) {
	c := h.client

	c.connLock.Lock()
	current := c.conn == socket
	if current {
		c.conn = nil
	}
	c.connLock.Unlock()

	if err == nil || errors.Is(err, net.ErrClosed) || !current {
		c.logger.Debug("gws.Client connection closed", "error", err)
	} else {
		c.logger.Warn("gws.Client connection lost", "error", err)
	}

	c.HandleDisconnect(err)
}

func (h *websocketHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *websocketHandler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *websocketHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	h.client.HandleFrame(message.Bytes())
}

// Connect opens the websocket and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.IsConnected() {
		return errors.New("gws.Client is already connected")
	}

	conn, _, err := gws.NewClient(&websocketHandler{client: c}, &gws.ClientOption{
		Addr:             c.url,
		HandshakeTimeout: c.handshakeTimeout,
		PermessageDeflate: gws.PermessageDeflate{
			Enabled: true,
		},
	})
	if err != nil {
		return fmt.Errorf("gws.Client failed to connect: %w", err)
	}

	c.connLock.Lock()
	c.conn = conn
	c.connLock.Unlock()

	c.logger.Debug("gws.Client connected", "url", c.url)

	go conn.ReadLoop()
	return nil
}

// Disconnect closes the connection. The read loop reports StatusClosed to the
// channels when it exits.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connLock.Lock()
	conn := c.conn
	c.conn = nil
	c.connLock.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.WriteClose(closeNormal, nil); err != nil {
		c.logger.Warn("gws.Client failed to write close message", "error", err)
	}
	return conn.NetConn().Close()
}

// WriteFrame implements wire.FrameWriter.
func (c *Client) WriteFrame(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.connLock.Lock()
	conn := c.conn
	c.connLock.Unlock()

	if conn == nil {
		return realtime.ErrNotConnected
	}
	return conn.WriteMessage(gws.OpcodeText, data)
}
