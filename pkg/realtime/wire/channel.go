package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/juju/clock"

	"github.com/shopfront/freshness/pkg/realtime"
)

type channelState int

const (
	stateIdle channelState = iota
	stateJoining
	stateJoined
	stateLeft
)

type binding struct {
	spec    realtime.ChangeSpec
	handler realtime.Handler
}

// Channel is a realtime.Channel backed by a Toolkit.
type Channel struct {
	tk    *Toolkit
	name  string
	topic string
	cfg   realtime.ChannelConfig

	mu        sync.Mutex
	bindings  []binding
	state     channelState
	status    realtime.StatusFunc
	joinRef   string
	joinTimer clock.Timer
}

var _ realtime.Channel = (*Channel)(nil)

func (ch *Channel) Name() string { return ch.name }

// Topic is the topic the channel joins.
func (ch *Channel) Topic() string { return ch.topic }

func (ch *Channel) On(spec realtime.ChangeSpec, handler realtime.Handler) realtime.Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bindings = append(ch.bindings, binding{spec: spec, handler: handler})
	return ch
}

// Subscribe sends the join frame and arms the join timeout.
func (ch *Channel) Subscribe(ctx context.Context, status realtime.StatusFunc) error {
	ch.mu.Lock()
	switch ch.state {
	case stateLeft:
		ch.mu.Unlock()
		return fmt.Errorf("wire: subscribe %s: %w", ch.name, realtime.ErrChannelClosed)
	case stateJoining, stateJoined:
		ch.mu.Unlock()
		return fmt.Errorf("wire: channel %s is already subscribed", ch.name)
	}

	ref := ch.tk.nextRef()
	ch.state = stateJoining
	ch.status = status
	ch.joinRef = ref
	specs := make([]realtime.ChangeSpec, 0, len(ch.bindings))
	for _, b := range ch.bindings {
		specs = append(specs, b.spec)
	}
	ch.mu.Unlock()

	data, err := Encode(ch.topic, EventJoin, ref, JoinPayload{Config: JoinConfig{Changes: specs}})
	if err != nil {
		ch.resetJoin(ref)
		return err
	}

	ch.tk.addPending(ref, ch)
	if err := ch.tk.write(ctx, data); err != nil {
		ch.tk.takePending(ref)
		ch.resetJoin(ref)
		return fmt.Errorf("wire: subscribe %s: %w", ch.name, err)
	}

	timeout := ch.cfg.JoinTimeout
	if timeout <= 0 {
		timeout = ch.tk.JoinTimeout
	}

	ch.mu.Lock()
	if ch.state == stateJoining && ch.joinRef == ref {
		ch.joinTimer = ch.tk.Clock.AfterFunc(timeout, func() { ch.timedOut(ref) })
	}
	ch.mu.Unlock()

	ch.tk.Logger.Debug("wire.Channel sent join", "channel", ch.name, "ref", ref)
	return nil
}

func (ch *Channel) resetJoin(ref string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.joinRef == ref && ch.state == stateJoining {
		ch.state = stateIdle
		ch.status = nil
	}
}

// Unsubscribe leaves the topic and removes the channel from the registry.
// A missing connection is not an error: there is nothing left to leave.
func (ch *Channel) Unsubscribe(ctx context.Context) error {
	ch.mu.Lock()
	wasActive := ch.state == stateJoining || ch.state == stateJoined
	ch.state = stateLeft
	ch.status = nil
	ch.stopTimerLocked()
	ch.mu.Unlock()

	ch.tk.unregister(ch)

	if !wasActive {
		return nil
	}

	data, err := Encode(ch.topic, EventLeave, ch.tk.nextRef(), nil)
	if err != nil {
		return err
	}
	if err := ch.tk.write(ctx, data); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		return fmt.Errorf("wire: unsubscribe %s: %w", ch.name, err)
	}
	return nil
}

func (ch *Channel) stopTimerLocked() {
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
		ch.joinTimer = nil
	}
}

func (ch *Channel) joined(ref string) {
	ch.mu.Lock()
	if ch.state != stateJoining || ch.joinRef != ref {
		ch.mu.Unlock()
		return
	}
	ch.state = stateJoined
	ch.stopTimerLocked()
	status := ch.status
	ch.mu.Unlock()

	ch.notify(status, realtime.StatusSubscribed, nil)
}

func (ch *Channel) rejected(ref string, err error) {
	ch.mu.Lock()
	if ch.state != stateJoining || ch.joinRef != ref {
		ch.mu.Unlock()
		return
	}
	ch.state = stateIdle
	ch.stopTimerLocked()
	status := ch.status
	ch.mu.Unlock()

	ch.notify(status, realtime.StatusError, err)
}

func (ch *Channel) timedOut(ref string) {
	ch.mu.Lock()
	if ch.state != stateJoining || ch.joinRef != ref {
		ch.mu.Unlock()
		return
	}
	ch.state = stateIdle
	ch.joinTimer = nil
	status := ch.status
	ch.mu.Unlock()

	ch.tk.takePending(ref)
	ch.notify(status, realtime.StatusTimedOut, nil)
}

// drop moves a joining or joined channel back to idle and reports st.
func (ch *Channel) drop(st realtime.Status, err error) {
	ch.mu.Lock()
	if ch.state != stateJoining && ch.state != stateJoined {
		ch.mu.Unlock()
		return
	}
	ch.state = stateIdle
	ch.stopTimerLocked()
	status := ch.status
	ch.mu.Unlock()

	ch.notify(status, st, err)
}

func (ch *Channel) deliver(ev realtime.ChangeEvent) {
	ch.mu.Lock()
	if ch.state != stateJoined {
		ch.mu.Unlock()
		return
	}
	bindings := make([]binding, len(ch.bindings))
	copy(bindings, ch.bindings)
	ch.mu.Unlock()

	ev.Channel = ch.name
	for _, b := range bindings {
		if b.spec.Matches(ev) {
			b.handler(ev)
		}
	}
}

func (ch *Channel) notify(status realtime.StatusFunc, st realtime.Status, err error) {
	ch.tk.Logger.Debug("wire.Channel status", "channel", ch.name, "status", st, "error", err)
	if status != nil {
		status(realtime.StatusEvent{Status: st, Channel: ch.name, Err: err})
	}
}
