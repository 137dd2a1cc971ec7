// Package realtime defines the push change-feed contract the freshness layer
// consumes: a client that hands out named channels, channels that deliver
// row-change events for tables, and the transport underneath them.
//
// Two websocket implementations live in the gorillaws and gws subpackages.
// Both speak the frame format in package wire.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by operations that need a live transport.
	ErrNotConnected = errors.New("realtime: transport is not connected")
	// ErrChannelClosed is returned when subscribing a channel that was removed.
	ErrChannelClosed = errors.New("realtime: channel is closed")
)

// Status is the lifecycle status a channel reports to its subscriber.
type Status int

const (
	StatusUnknown Status = iota
	StatusSubscribed
	StatusClosed
	StatusError
	StatusTimedOut
	// StatusMaxRetriesExceeded is never produced by a transport. The
	// multiplexer reports it once it stops resubscribing a channel.
	StatusMaxRetriesExceeded
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusClosed:
		return "CLOSED"
	case StatusError:
		return "CHANNEL_ERROR"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusMaxRetriesExceeded:
		return "MAX_RETRIES_EXCEEDED"
	default:
		return "UNKNOWN"
	}
}

// StatusEvent is delivered to the status callback of Channel.Subscribe.
type StatusEvent struct {
	Status Status
	// Channel is the physical channel name that produced the event.
	Channel string
	Err     error
}

func (e StatusEvent) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Channel, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Channel, e.Status)
}

// StatusFunc receives channel status changes.
type StatusFunc func(StatusEvent)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	// EventAll matches every event type.
	EventAll EventType = "*"
)

// ChangeSpec selects the row changes a channel binding receives.
type ChangeSpec struct {
	Event  EventType `json:"event"`
	Schema string    `json:"schema,omitempty"`
	Table  string    `json:"table"`
	// Filter is evaluated by the server, e.g. "id=eq.42".
	Filter string `json:"filter,omitempty"`
}

// Matches reports whether ev is selected by the event type, schema and table
// of s. The server-side Filter is not re-evaluated here.
func (s ChangeSpec) Matches(ev ChangeEvent) bool {
	if s.Event != "" && s.Event != EventAll && s.Event != ev.Type {
		return false
	}
	if s.Schema != "" && ev.Schema != "" && s.Schema != ev.Schema {
		return false
	}
	return s.Table == "" || s.Table == ev.Table
}

// ChangeEvent is one row change pushed by the server.
type ChangeEvent struct {
	// Channel is the physical channel the event arrived on.
	Channel    string         `json:"-"`
	Schema     string         `json:"schema"`
	Table      string         `json:"table"`
	Type       EventType      `json:"type"`
	Record     map[string]any `json:"record"`
	OldRecord  map[string]any `json:"old_record"`
	CommitTime time.Time      `json:"commit_timestamp"`
	// Seq is set by the receiver of the event and is the same for every
	// handler the event is dispatched to. Zero means unset.
	Seq uint64 `json:"-"`
}

// Row returns the row the event is about: the new record, or the old record
// for deletes.
func (e ChangeEvent) Row() map[string]any {
	if e.Type == EventDelete && len(e.OldRecord) > 0 {
		return e.OldRecord
	}
	if e.Record != nil {
		return e.Record
	}
	return e.OldRecord
}

// Handler receives change events.
type Handler func(ChangeEvent)

// ChannelConfig holds per-channel options.
type ChannelConfig struct {
	// JoinTimeout bounds the wait for the server to acknowledge a subscribe.
	// Zero uses the client default.
	JoinTimeout time.Duration
}

// Channel is a physical push subscription.
type Channel interface {
	// Name is the physical channel name.
	Name() string
	// On binds handler to the changes selected by spec. It must be called
	// before Subscribe and returns the channel for chaining.
	On(spec ChangeSpec, handler Handler) Channel
	// Subscribe asks the server to start delivering changes. The outcome
	// arrives asynchronously on status.
	Subscribe(ctx context.Context, status StatusFunc) error
	// Unsubscribe stops delivery. No status is reported afterwards.
	Unsubscribe(ctx context.Context) error
}

// Client creates and removes channels.
type Client interface {
	Channel(name string, cfg ChannelConfig) Channel
	RemoveChannel(ctx context.Context, ch Channel) error
	Transport() Transport
}

// Transport is the connection underneath a Client. It only has to report
// whether it is connected. The optional capabilities below are discovered
// with type assertions.
type Transport interface {
	IsConnected() bool
}

// Connector can (re)establish the transport connection.
type Connector interface {
	Connect(ctx context.Context) error
}

// Disconnector can drop the transport connection.
type Disconnector interface {
	Disconnect(ctx context.Context) error
}

// Sender can push a raw message over the transport, e.g. a heartbeat.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a raw transport message.
type Message struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
}

// HeartbeatMessage is the keepalive the health monitor sends.
func HeartbeatMessage() Message {
	return Message{Topic: "phoenix", Event: "heartbeat", Payload: map[string]any{}}
}
