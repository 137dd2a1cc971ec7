package wire

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/freshness/pkg/realtime"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames []Frame
	err    error
}

func (w *recordingWriter) WriteFrame(_ context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *recordingWriter) last() Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames[len(w.frames)-1]
}

type statusRecorder struct {
	mu     sync.Mutex
	events []realtime.StatusEvent
}

func (r *statusRecorder) record(ev realtime.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *statusRecorder) statuses() []realtime.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.Status, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

func reply(t *testing.T, topic, ref, status string) []byte {
	t.Helper()
	data, err := Encode(topic, EventReply, ref, ReplyPayload{Status: status, Response: map[string]any{"reason": "nope"}})
	require.NoError(t, err)
	return data
}

func change(t *testing.T, topic string, ev realtime.ChangeEvent) []byte {
	t.Helper()
	data, err := Encode(topic, EventChange, "", ChangePayload{Data: ev})
	require.NoError(t, err)
	return data
}

func newToolkit() (*Toolkit, *recordingWriter, *testclock.Clock) {
	w := &recordingWriter{}
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewToolkit(w, clk, nil), w, clk
}

func TestSubscribeSendsJoinWithBindings(t *testing.T) {
	tk, w, _ := newToolkit()

	ch := tk.Channel("product:1", realtime.ChannelConfig{}).
		On(realtime.ChangeSpec{Event: realtime.EventUpdate, Schema: "public", Table: "products", Filter: "id=eq.1"}, func(realtime.ChangeEvent) {})

	require.NoError(t, ch.Subscribe(context.Background(), nil))

	f := w.last()
	assert.Equal(t, "realtime:product:1", f.Topic)
	assert.Equal(t, EventJoin, f.Event)
	assert.NotEmpty(t, f.Ref)

	var join JoinPayload
	require.NoError(t, json.Unmarshal(f.Payload, &join))
	require.Len(t, join.Config.Changes, 1)
	assert.Equal(t, "id=eq.1", join.Config.Changes[0].Filter)
}

func TestReplyOKReportsSubscribedAndRoutesChanges(t *testing.T) {
	tk, w, _ := newToolkit()
	var rec statusRecorder

	var got []realtime.ChangeEvent
	ch := tk.Channel("orders", realtime.ChannelConfig{}).
		On(realtime.ChangeSpec{Event: realtime.EventInsert, Table: "orders"}, func(ev realtime.ChangeEvent) {
			got = append(got, ev)
		})
	require.NoError(t, ch.Subscribe(context.Background(), rec.record))

	// changes before the join is acknowledged are dropped
	tk.HandleFrame(change(t, "realtime:orders", realtime.ChangeEvent{Table: "orders", Type: realtime.EventInsert}))
	assert.Empty(t, got)

	tk.HandleFrame(reply(t, "realtime:orders", w.last().Ref, ReplyOK))
	assert.Equal(t, []realtime.Status{realtime.StatusSubscribed}, rec.statuses())

	tk.HandleFrame(change(t, "realtime:orders", realtime.ChangeEvent{
		Table: "orders", Type: realtime.EventInsert, Record: map[string]any{"id": "o1"},
	}))
	tk.HandleFrame(change(t, "realtime:orders", realtime.ChangeEvent{Table: "orders", Type: realtime.EventDelete}))
	tk.HandleFrame(change(t, "realtime:other", realtime.ChangeEvent{Table: "orders", Type: realtime.EventInsert}))

	require.Len(t, got, 1)
	assert.Equal(t, "orders", got[0].Channel)
	assert.Equal(t, "o1", got[0].Record["id"])
}

func TestReplyErrorReportsError(t *testing.T) {
	tk, w, _ := newToolkit()
	var rec statusRecorder

	ch := tk.Channel("c", realtime.ChannelConfig{})
	require.NoError(t, ch.Subscribe(context.Background(), rec.record))
	tk.HandleFrame(reply(t, "realtime:c", w.last().Ref, ReplyError))

	require.Len(t, rec.events, 1)
	assert.Equal(t, realtime.StatusError, rec.events[0].Status)
	assert.EqualError(t, rec.events[0].Err, "nope")

	// the channel can join again
	require.NoError(t, ch.Subscribe(context.Background(), rec.record))
}

func TestJoinTimeout(t *testing.T) {
	tk, w, clk := newToolkit()
	var rec statusRecorder

	ch := tk.Channel("slow", realtime.ChannelConfig{JoinTimeout: 3 * time.Second})
	require.NoError(t, ch.Subscribe(context.Background(), rec.record))
	ref := w.last().Ref

	require.NoError(t, clk.WaitAdvance(3*time.Second, time.Second, 1))
	require.Eventually(t, func() bool {
		return len(rec.statuses()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []realtime.Status{realtime.StatusTimedOut}, rec.statuses())

	// a late reply is ignored
	tk.HandleFrame(reply(t, "realtime:slow", ref, ReplyOK))
	assert.Len(t, rec.statuses(), 1)
}

func TestSubscribeFailsWithoutConnection(t *testing.T) {
	tk, w, _ := newToolkit()
	w.err = realtime.ErrNotConnected

	ch := tk.Channel("c", realtime.ChannelConfig{})
	err := ch.Subscribe(context.Background(), nil)
	assert.ErrorIs(t, err, realtime.ErrNotConnected)

	w.err = nil
	assert.NoError(t, ch.Subscribe(context.Background(), nil), "a failed subscribe leaves the channel reusable")
}

func TestDisconnectReportsClosed(t *testing.T) {
	tk, w, _ := newToolkit()
	var a, b statusRecorder

	chA := tk.Channel("a", realtime.ChannelConfig{})
	require.NoError(t, chA.Subscribe(context.Background(), a.record))
	tk.HandleFrame(reply(t, "realtime:a", w.last().Ref, ReplyOK))

	chB := tk.Channel("b", realtime.ChannelConfig{})
	require.NoError(t, chB.Subscribe(context.Background(), b.record))

	// never subscribed, reports nothing
	tk.Channel("idle", realtime.ChannelConfig{})

	tk.HandleDisconnect(nil)

	assert.Equal(t, []realtime.Status{realtime.StatusSubscribed, realtime.StatusClosed}, a.statuses())
	assert.Equal(t, []realtime.Status{realtime.StatusClosed}, b.statuses())
}

func TestServerCloseAndError(t *testing.T) {
	tk, w, _ := newToolkit()
	var rec statusRecorder

	ch := tk.Channel("c", realtime.ChannelConfig{})
	require.NoError(t, ch.Subscribe(context.Background(), rec.record))
	tk.HandleFrame(reply(t, "realtime:c", w.last().Ref, ReplyOK))

	closeFrame, err := Encode("realtime:c", EventClose, "", nil)
	require.NoError(t, err)
	tk.HandleFrame(closeFrame)

	require.NoError(t, ch.Subscribe(context.Background(), rec.record))
	tk.HandleFrame(reply(t, "realtime:c", w.last().Ref, ReplyOK))

	errFrame, err := Encode("realtime:c", EventError, "", ReplyPayload{Response: map[string]any{"reason": "boom"}})
	require.NoError(t, err)
	tk.HandleFrame(errFrame)

	assert.Equal(t, []realtime.Status{
		realtime.StatusSubscribed, realtime.StatusClosed,
		realtime.StatusSubscribed, realtime.StatusError,
	}, rec.statuses())
}

func TestUnsubscribe(t *testing.T) {
	tk, w, _ := newToolkit()
	var rec statusRecorder

	ch := tk.Channel("c", realtime.ChannelConfig{})
	require.NoError(t, ch.Subscribe(context.Background(), rec.record))
	tk.HandleFrame(reply(t, "realtime:c", w.last().Ref, ReplyOK))

	require.NoError(t, tk.RemoveChannel(context.Background(), ch))
	assert.Equal(t, EventLeave, w.last().Event)
	assert.Empty(t, tk.Channels())

	tk.HandleDisconnect(nil)
	assert.Equal(t, []realtime.Status{realtime.StatusSubscribed}, rec.statuses(), "no status after unsubscribe")

	assert.ErrorIs(t, ch.Subscribe(context.Background(), nil), realtime.ErrChannelClosed)

	// a new channel under the same name is independent
	again := tk.Channel("c", realtime.ChannelConfig{})
	assert.NotSame(t, ch, again)
}

func TestUnsubscribeWithoutConnectionSucceeds(t *testing.T) {
	tk, w, _ := newToolkit()

	ch := tk.Channel("c", realtime.ChannelConfig{})
	require.NoError(t, ch.Subscribe(context.Background(), nil))
	w.err = realtime.ErrNotConnected

	assert.NoError(t, ch.Unsubscribe(context.Background()))
}

func TestChannelIsReusedByName(t *testing.T) {
	tk, _, _ := newToolkit()

	a := tk.Channel("x", realtime.ChannelConfig{})
	b := tk.Channel("x", realtime.ChannelConfig{})
	assert.Same(t, a, b)
	assert.Equal(t, []string{"x"}, tk.Channels())
}

func TestSendAssignsRef(t *testing.T) {
	tk, w, _ := newToolkit()

	require.NoError(t, tk.Send(context.Background(), realtime.HeartbeatMessage()))
	f := w.last()
	assert.Equal(t, HeartbeatTopic, f.Topic)
	assert.Equal(t, EventHeartbeat, f.Event)
	assert.NotEmpty(t, f.Ref)
}

func TestHandleFrameIgnoresGarbage(t *testing.T) {
	tk, _, _ := newToolkit()

	assert.NotPanics(t, func() {
		tk.HandleFrame([]byte("not json"))
		tk.HandleFrame([]byte(`{"topic":"realtime:x"}`))
		tk.HandleFrame([]byte(`{"topic":"realtime:x","event":"postgres_changes","payload":{"data":42}}`))
		tk.HandleFrame([]byte(`{"topic":"realtime:x","event":"phx_reply","ref":null,"payload":{}}`))
	})
}

func TestPeek(t *testing.T) {
	h, payload, err := Peek([]byte(`{"topic":"realtime:a","event":"phx_reply","ref":"7","payload":{"status":"ok"}}`))
	require.NoError(t, err)
	assert.Equal(t, Header{Topic: "realtime:a", Event: EventReply, Ref: "7"}, h)

	status, reason := ReplyStatus(payload)
	assert.Equal(t, ReplyOK, status)
	assert.Empty(t, reason)
}
