// Package fakerealtime provides a fake change-feed websocket server for
// transport tests. It speaks the frame format of package wire, acknowledges
// joins, leaves and heartbeats, and lets tests push row changes, close
// channels and drop connections.
//
// The websocket server is implemented using the `gws` library.
package fakerealtime

import (
	"context"
	"errors"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lxzan/gws"

	"github.com/shopfront/freshness/pkg/realtime"
	"github.com/shopfront/freshness/pkg/realtime/wire"
)

// JoinBehavior controls how the server answers join frames.
type JoinBehavior int

const (
	JoinAccept JoinBehavior = iota
	JoinReject
	// JoinIgnore never replies, which makes the client time out.
	JoinIgnore
)

type subscription struct {
	topic   string
	changes []realtime.ChangeSpec
}

// Server is a fake realtime server.
type Server struct {
	addr     string
	listener net.Listener
	server   *gws.Server

	mu         sync.RWMutex
	conns      map[*gws.Conn]map[string]subscription
	joins      JoinBehavior
	heartbeats int
	received   []wire.Header
}

type handler struct {
	server *Server
}

// NewServer creates a server. Use "127.0.0.1:0" to bind to a random port.
func NewServer(addr string) *Server {
	s := &Server{
		addr:  addr,
		conns: make(map[*gws.Conn]map[string]subscription),
	}
	s.server = gws.NewServer(&handler{server: s}, &gws.ServerOption{})
	s.server.OnError = func(_ net.Conn, err error) {
		if !isClosedError(err) {
			log.Printf("fakerealtime: server error: %v", err)
		}
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(listener); err != nil && !isClosedError(err) {
			log.Printf("fakerealtime: server error: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() error {
	s.DropConnections()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// URL returns the websocket URL clients should dial.
func (s *Server) URL() string {
	addr := s.addr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	return "ws://" + addr + "/realtime/v1/websocket"
}

// SetJoinBehavior changes how future joins are answered.
func (s *Server) SetJoinBehavior(b JoinBehavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = b
}

// Subscribed lists the topics joined across all connections, sorted, with
// duplicates.
func (s *Server) Subscribed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var topics []string
	for _, subs := range s.conns {
		for topic := range subs {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// Connections reports the number of open connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Heartbeats reports the number of heartbeats received.
func (s *Server) Heartbeats() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heartbeats
}

// Received returns the headers of every frame received so far.
func (s *Server) Received() []wire.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]wire.Header(nil), s.received...)
}

// Broadcast pushes a row change to every channel with a binding for table
// and the event type.
func (s *Server) Broadcast(table string, typ realtime.EventType, record, oldRecord map[string]any) {
	ev := realtime.ChangeEvent{
		Schema:     "public",
		Table:      table,
		Type:       typ,
		Record:     record,
		OldRecord:  oldRecord,
		CommitTime: time.Now().UTC(),
	}

	type target struct {
		conn  *gws.Conn
		topic string
	}
	var targets []target

	s.mu.RLock()
	for conn, subs := range s.conns {
		for _, sub := range subs {
			for _, spec := range sub.changes {
				if spec.Matches(ev) {
					targets = append(targets, target{conn: conn, topic: sub.topic})
					break
				}
			}
		}
	}
	s.mu.RUnlock()

	for _, t := range targets {
		s.send(t.conn, t.topic, wire.EventChange, "", wire.ChangePayload{Data: ev})
	}
}

// CloseChannel tells every subscriber of the channel name that it was closed.
func (s *Server) CloseChannel(name string) {
	topic := wire.Topic(name)
	for _, conn := range s.subscribersOf(topic) {
		s.mu.Lock()
		delete(s.conns[conn], topic)
		s.mu.Unlock()
		s.send(conn, topic, wire.EventClose, "", nil)
	}
}

func (s *Server) subscribersOf(topic string) []*gws.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conns []*gws.Conn
	for conn, subs := range s.conns {
		if _, ok := subs[topic]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// DropConnections closes every connection without a close handshake.
func (s *Server) DropConnections() {
	s.mu.RLock()
	conns := make([]*gws.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		conn.NetConn().Close()
	}
}

func (s *Server) send(conn *gws.Conn, topic, event, ref string, payload any) {
	data, err := wire.Encode(topic, event, ref, payload)
	if err != nil {
		log.Printf("fakerealtime: failed to encode %s: %v", event, err)
		return
	}
	if err := conn.WriteMessage(gws.OpcodeText, data); err != nil && !isClosedError(err) {
		log.Printf("fakerealtime: failed to write %s: %v", event, err)
	}
}

func (h *handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.conns[socket] = make(map[string]subscription)
	h.server.mu.Unlock()
}

func (h *handler) OnClose(socket *gws.Conn, err error) {
	h.server.mu.Lock()
	delete(h.server.conns, socket)
	h.server.mu.Unlock()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *handler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	s := h.server

	hdr, payload, err := wire.Peek(message.Bytes())
	if err != nil {
		log.Printf("fakerealtime: malformed frame: %v", err)
		return
	}

	s.mu.Lock()
	s.received = append(s.received, hdr)
	behavior := s.joins
	s.mu.Unlock()

	switch hdr.Event {
	case wire.EventHeartbeat:
		s.mu.Lock()
		s.heartbeats++
		s.mu.Unlock()
		s.send(socket, wire.HeartbeatTopic, wire.EventReply, hdr.Ref, wire.ReplyPayload{Status: wire.ReplyOK})

	case wire.EventJoin:
		switch behavior {
		case JoinIgnore:
			return
		case JoinReject:
			s.send(socket, hdr.Topic, wire.EventReply, hdr.Ref, wire.ReplyPayload{
				Status:   wire.ReplyError,
				Response: map[string]any{"reason": "join rejected by server"},
			})
			return
		}

		var join wire.JoinPayload
		if err := json.Unmarshal(payload, &join); err != nil {
			s.send(socket, hdr.Topic, wire.EventReply, hdr.Ref, wire.ReplyPayload{
				Status:   wire.ReplyError,
				Response: map[string]any{"reason": "malformed join payload"},
			})
			return
		}

		s.mu.Lock()
		if subs, ok := s.conns[socket]; ok {
			subs[hdr.Topic] = subscription{topic: hdr.Topic, changes: join.Config.Changes}
		}
		s.mu.Unlock()
		s.send(socket, hdr.Topic, wire.EventReply, hdr.Ref, wire.ReplyPayload{Status: wire.ReplyOK})

	case wire.EventLeave:
		s.mu.Lock()
		if subs, ok := s.conns[socket]; ok {
			delete(subs, hdr.Topic)
		}
		s.mu.Unlock()
		s.send(socket, hdr.Topic, wire.EventReply, hdr.Ref, wire.ReplyPayload{Status: wire.ReplyOK})
	}
}

func isClosedError(err error) bool {
	return err != nil && (errors.Is(err, net.ErrClosed) || strings.HasSuffix(err.Error(), "use of closed network connection"))
}
