package wire

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/clock"

	"github.com/shopfront/freshness/pkg/logger"
	"github.com/shopfront/freshness/pkg/realtime"
)

// DefaultJoinTimeout bounds the wait for a join reply.
const DefaultJoinTimeout = 10 * time.Second

// FrameWriter writes one encoded frame to the connection. It returns
// realtime.ErrNotConnected when there is no connection.
type FrameWriter interface {
	WriteFrame(ctx context.Context, data []byte) error
}

// Toolkit is the transport-independent half of a realtime client: the
// channel registry, join bookkeeping and frame dispatch. Transports embed it
// and feed it the frames they read.
type Toolkit struct {
	Writer      FrameWriter
	Clock       clock.Clock
	Logger      logger.Logger
	JoinTimeout time.Duration

	ref atomic.Uint64

	mu       sync.Mutex
	channels map[string]*Channel
	// pending maps join refs to the channel waiting for the reply.
	pending map[string]*Channel
}

func NewToolkit(w FrameWriter, clk clock.Clock, log logger.Logger) *Toolkit {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Toolkit{
		Writer:      w,
		Clock:       clk,
		Logger:      logger.OrNop(log),
		JoinTimeout: DefaultJoinTimeout,
		channels:    make(map[string]*Channel),
		pending:     make(map[string]*Channel),
	}
}

func (tk *Toolkit) nextRef() string {
	return strconv.FormatUint(tk.ref.Add(1), 10)
}

// Channel returns the channel registered under name, creating it if needed.
func (tk *Toolkit) Channel(name string, cfg realtime.ChannelConfig) realtime.Channel {
	topic := Topic(name)

	tk.mu.Lock()
	defer tk.mu.Unlock()

	if ch, ok := tk.channels[topic]; ok {
		return ch
	}

	ch := &Channel{tk: tk, name: name, topic: topic, cfg: cfg}
	tk.channels[topic] = ch
	return ch
}

// RemoveChannel unsubscribes ch and drops it from the registry.
func (tk *Toolkit) RemoveChannel(ctx context.Context, ch realtime.Channel) error {
	if ch == nil {
		return nil
	}
	return ch.Unsubscribe(ctx)
}

// Channels lists the registered channel names, sorted.
func (tk *Toolkit) Channels() []string {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	names := make([]string, 0, len(tk.channels))
	for _, ch := range tk.channels {
		names = append(names, ch.name)
	}
	sort.Strings(names)
	return names
}

// Send writes msg as a frame. A ref is assigned when msg has none.
func (tk *Toolkit) Send(ctx context.Context, msg realtime.Message) error {
	ref := msg.Ref
	if ref == "" {
		ref = tk.nextRef()
	}
	data, err := Encode(msg.Topic, msg.Event, ref, msg.Payload)
	if err != nil {
		return err
	}
	return tk.write(ctx, data)
}

func (tk *Toolkit) write(ctx context.Context, data []byte) error {
	if tk.Writer == nil {
		return realtime.ErrNotConnected
	}
	return tk.Writer.WriteFrame(ctx, data)
}

func (tk *Toolkit) unregister(ch *Channel) {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	if tk.channels[ch.topic] == ch {
		delete(tk.channels, ch.topic)
	}
	for ref, p := range tk.pending {
		if p == ch {
			delete(tk.pending, ref)
		}
	}
}

func (tk *Toolkit) addPending(ref string, ch *Channel) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	tk.pending[ref] = ch
}

func (tk *Toolkit) takePending(ref string) (*Channel, bool) {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	ch, ok := tk.pending[ref]
	if ok {
		delete(tk.pending, ref)
	}
	return ch, ok
}

func (tk *Toolkit) lookup(topic string) (*Channel, bool) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	ch, ok := tk.channels[topic]
	return ch, ok
}

func (tk *Toolkit) snapshot() []*Channel {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	chs := make([]*Channel, 0, len(tk.channels))
	for _, ch := range tk.channels {
		chs = append(chs, ch)
	}
	return chs
}

// HandleFrame dispatches one frame read from the connection. Handlers and
// status callbacks run on the calling goroutine, so events are delivered in
// the order they were read.
func (tk *Toolkit) HandleFrame(data []byte) {
	h, payload, err := Peek(data)
	if err != nil {
		tk.Logger.Warn("wire.Toolkit dropping malformed frame", "error", err)
		return
	}

	switch h.Event {
	case EventReply:
		if h.Topic == HeartbeatTopic {
			return
		}
		tk.handleReply(h, payload)
	case EventChange:
		tk.handleChange(h, payload)
	case EventClose:
		if ch, ok := tk.lookup(h.Topic); ok {
			ch.drop(realtime.StatusClosed, nil)
		}
	case EventError:
		if ch, ok := tk.lookup(h.Topic); ok {
			_, reason := ReplyStatus(payload)
			ch.drop(realtime.StatusError, fmt.Errorf("wire: server reported channel error: %s", reason))
		}
	default:
		tk.Logger.Debug("wire.Toolkit ignoring frame", "topic", h.Topic, "event", h.Event)
	}
}

func (tk *Toolkit) handleReply(h Header, payload []byte) {
	ch, ok := tk.takePending(h.Ref)
	if !ok {
		tk.Logger.Debug("wire.Toolkit reply for unknown ref", "topic", h.Topic, "ref", h.Ref)
		return
	}

	status, reason := ReplyStatus(payload)
	if status == ReplyOK {
		ch.joined(h.Ref)
		return
	}
	if reason == "" {
		reason = "join rejected"
	}
	ch.rejected(h.Ref, errors.New(reason))
}

func (tk *Toolkit) handleChange(h Header, payload []byte) {
	ch, ok := tk.lookup(h.Topic)
	if !ok {
		tk.Logger.Debug("wire.Toolkit change for unknown topic", "topic", h.Topic)
		return
	}

	var p ChangePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		tk.Logger.Warn("wire.Toolkit failed to decode change", "topic", h.Topic, "error", err)
		return
	}
	ch.deliver(p.Data)
}

// HandleDisconnect reports StatusClosed to every joining or joined channel.
func (tk *Toolkit) HandleDisconnect(err error) {
	for _, ch := range tk.snapshot() {
		ch.drop(realtime.StatusClosed, err)
	}
}
