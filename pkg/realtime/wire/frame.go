// Package wire holds the frame format and the channel bookkeeping shared by
// the websocket transports.
//
// Every frame is a JSON object {"topic","event","payload","ref"}. Channels
// join with a join frame and are acknowledged by a reply frame carrying the
// join ref. Row changes arrive as change frames on the channel topic.
package wire

import (
	"errors"
	"fmt"

	"github.com/buger/jsonparser"
	json "github.com/goccy/go-json"

	"github.com/shopfront/freshness/pkg/realtime"
)

const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"
	EventChange    = "postgres_changes"

	// TopicPrefix is prepended to channel names to form topics.
	TopicPrefix = "realtime:"
	// HeartbeatTopic carries keepalives that do not belong to any channel.
	HeartbeatTopic = "phoenix"

	ReplyOK    = "ok"
	ReplyError = "error"
)

// Frame is the unit exchanged over the websocket.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// JoinPayload is sent with a join frame.
type JoinPayload struct {
	Config JoinConfig `json:"config"`
}

type JoinConfig struct {
	Changes []realtime.ChangeSpec `json:"postgres_changes"`
}

// ReplyPayload acknowledges a frame that carried a ref.
type ReplyPayload struct {
	Status   string         `json:"status"`
	Response map[string]any `json:"response,omitempty"`
}

// ChangePayload wraps a row change.
type ChangePayload struct {
	Data realtime.ChangeEvent `json:"data"`
}

// Topic returns the topic for a channel name.
func Topic(name string) string {
	return TopicPrefix + name
}

// Encode builds a frame with payload marshaled as JSON.
func Encode(topic, event, ref string, payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Topic: topic, Event: event, Payload: raw, Ref: ref})
}

// Header is the routing part of a frame.
type Header struct {
	Topic string
	Event string
	Ref   string
}

// Peek reads the routing fields of a frame without decoding its payload, and
// returns the raw payload.
func Peek(data []byte) (Header, []byte, error) {
	var h Header
	var err error

	if h.Topic, err = jsonparser.GetString(data, "topic"); err != nil {
		return h, nil, fmt.Errorf("wire: frame without topic: %w", err)
	}
	if h.Event, err = jsonparser.GetString(data, "event"); err != nil {
		return h, nil, fmt.Errorf("wire: frame without event: %w", err)
	}
	// ref is optional and may be null
	if ref, dataType, _, err := jsonparser.Get(data, "ref"); err == nil && dataType == jsonparser.String {
		h.Ref = string(ref)
	}

	payload, _, _, err := jsonparser.Get(data, "payload")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return h, nil, fmt.Errorf("wire: malformed payload: %w", err)
	}
	return h, payload, nil
}

// ReplyStatus extracts status and, on error, the reason from a reply payload.
func ReplyStatus(payload []byte) (status, reason string) {
	status, _ = jsonparser.GetString(payload, "status")
	reason, _ = jsonparser.GetString(payload, "response", "reason")
	return status, reason
}
