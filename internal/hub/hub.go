// Package hub terminates real-time client sockets and fans publications out
// to their subscribers.
//
// Sockets live in a slab keyed by an opaque socket id; the subject index
// stores ids, never socket references, so eviction is a slab delete plus an
// index sweep. The hub exclusively owns every socket's write end.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skyfleet/gateway/config"
	"github.com/skyfleet/gateway/internal/auth"
	"github.com/skyfleet/gateway/internal/logging"
	"github.com/skyfleet/gateway/internal/metrics"
)

// SnapshotSource resolves the last-known payload for a stream, used for
// initial delivery on subscribe. Implemented by the publisher ingress cache.
type SnapshotSource interface {
	Snapshot(subjectKey, kind string) (json.RawMessage, bool)
}

// stream identifies one (subject, kind) fan-out group.
type stream struct {
	subject string
	kind    string
}

// Hub owns the socket slab and the subject index.
type Hub struct {
	cfg       config.HubConfig
	collector *metrics.Collector
	snapshots SnapshotSource
	upgrader  websocket.Upgrader

	mu            sync.RWMutex
	sockets       map[string]*socket
	index         map[stream]map[string]struct{}
	subscriptions map[string]map[stream]struct{} // socket id -> streams held

	closed bool
}

// New creates a hub. snapshots may be nil when no snapshot cache is wired.
func New(cfg config.HubConfig, collector *metrics.Collector, snapshots SnapshotSource, allowOrigins []string) *Hub {
	return &Hub{
		cfg:       cfg,
		collector: collector,
		snapshots: snapshots,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowOrigins),
		},
		sockets:       make(map[string]*socket),
		index:         make(map[stream]map[string]struct{}),
		subscriptions: make(map[string]map[stream]struct{}),
	}
}

func originChecker(allowOrigins []string) func(*http.Request) bool {
	for _, o := range allowOrigins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	allowed := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin header.
		return origin == "" || allowed[origin]
	}
}

// ServeSocket upgrades the request and runs the socket until disconnect.
// Admission has already happened; ac is nil for anonymous namespaces.
func (h *Hub) ServeSocket(w http.ResponseWriter, r *http.Request, ac *auth.AuthContext) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		logging.Debug("socket upgrade rejected", zap.Error(err))
		return
	}

	s := newSocket(uuid.New().String(), conn, ac, h.cfg.QueueDepth)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.forceClose(websocket.CloseGoingAway, "server-shutdown", h.cfg.WriteTimeout)
		return
	}
	h.sockets[s.id] = s
	h.subscriptions[s.id] = make(map[stream]struct{})
	h.mu.Unlock()
	h.collector.ActiveSockets.Inc()

	logging.Debug("socket attached",
		zap.String("socket", s.id),
		zap.Bool("authenticated", ac != nil),
	)

	go s.writePump(h.cfg.PingInterval, h.cfg.WriteTimeout)

	s.Enqueue(marshalEvent(welcomeEvent{
		Event:     EventConnectionEstablished,
		SocketID:  s.id,
		Timestamp: wireTimestamp(),
	}), h.cfg.SlowConsumerStrikes)

	ctl := &controller{hub: h, sock: s}
	h.readPump(s, ctl)

	h.Detach(s.id)
	s.markClosed()
	conn.Close()
}

// readPump consumes frames until the connection dies, dispatching each to
// the subscription controller. It is the connection's only reader.
func (h *Hub) readPump(s *socket, ctl *controller) {
	s.conn.SetReadLimit(64 << 10)
	s.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		if !ctl.Handle(payload) {
			return
		}
	}
}

// Join adds (subject, kind, socket) to the index. Idempotent: a duplicate
// subscribe leaves exactly one entry.
func (h *Hub) Join(socketID, subjectKey, kind string) bool {
	key := stream{subject: subjectKey, kind: kind}

	h.mu.Lock()
	defer h.mu.Unlock()

	held, ok := h.subscriptions[socketID]
	if !ok {
		return false
	}
	if _, dup := held[key]; dup {
		return true
	}
	held[key] = struct{}{}

	members, ok := h.index[key]
	if !ok {
		members = make(map[string]struct{})
		h.index[key] = members
	}
	members[socketID] = struct{}{}
	h.collector.Subscriptions.Inc()
	return true
}

// Leave removes (subject, kind, socket) from the index, deleting the stream
// entry when its subscriber set empties.
func (h *Hub) Leave(socketID, subjectKey, kind string) bool {
	key := stream{subject: subjectKey, kind: kind}

	h.mu.Lock()
	defer h.mu.Unlock()

	held, ok := h.subscriptions[socketID]
	if !ok {
		return false
	}
	if _, has := held[key]; !has {
		return false
	}
	delete(held, key)
	h.dropMember(key, socketID)
	h.collector.Subscriptions.Dec()
	return true
}

// dropMember removes a socket from a stream's member set. Caller holds mu.
func (h *Hub) dropMember(key stream, socketID string) {
	members := h.index[key]
	delete(members, socketID)
	if len(members) == 0 {
		delete(h.index, key)
	}
}

// Detach evicts a socket from the slab and from every stream it joined.
func (h *Hub) Detach(socketID string) {
	h.mu.Lock()
	if _, ok := h.sockets[socketID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sockets, socketID)
	held := h.subscriptions[socketID]
	delete(h.subscriptions, socketID)
	for key := range held {
		h.dropMember(key, socketID)
	}
	h.mu.Unlock()

	h.collector.ActiveSockets.Dec()
	h.collector.Subscriptions.Sub(float64(len(held)))
}

// Broadcast delivers a publication to every subscriber of (subject, kind).
// The fan-out never blocks: lagging subscribers drop frames and, past the
// strike bound, are force-closed.
func (h *Hub) Broadcast(subjectKey, kind string, payload json.RawMessage) int {
	frame := marshalEvent(dataEvent{
		Event:      DataEventName(kind),
		SubjectKey: subjectKey,
		Data:       payload,
		Timestamp:  wireTimestamp(),
		Broadcast:  true,
	})

	key := stream{subject: subjectKey, kind: kind}

	h.mu.RLock()
	targets := make([]*socket, 0, len(h.index[key]))
	for id := range h.index[key] {
		if s, ok := h.sockets[id]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	var lagging []*socket
	for _, s := range targets {
		switch s.Enqueue(frame, h.cfg.SlowConsumerStrikes) {
		case enqueuedAfterDrop:
			h.collector.MessagesDropped.Inc()
		case enqueueExceededStrikes:
			h.collector.MessagesDropped.Inc()
			lagging = append(lagging, s)
		}
	}

	for _, s := range lagging {
		h.evictSlowConsumer(s)
	}
	return len(targets)
}

func (h *Hub) evictSlowConsumer(s *socket) {
	h.collector.SlowConsumers.Inc()
	logging.Warn("closing lagging consumer", zap.String("socket", s.id))
	h.Detach(s.id)
	s.forceClose(CloseLaggingConsumer, "lagging-consumer", h.cfg.WriteTimeout)
}

// Unicast delivers a frame to one socket.
func (h *Hub) Unicast(socketID string, frame []byte) bool {
	h.mu.RLock()
	s, ok := h.sockets[socketID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	switch s.Enqueue(frame, h.cfg.SlowConsumerStrikes) {
	case enqueueExceededStrikes:
		h.evictSlowConsumer(s)
		return false
	case enqueueClosed:
		return false
	}
	return true
}

// Counts reports slab and index sizes for introspection.
func (h *Hub) Counts() (sockets, subscriptions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, held := range h.subscriptions {
		subscriptions += len(held)
	}
	return len(h.sockets), subscriptions
}

// SubscriberCount reports the member count for one stream.
func (h *Hub) SubscriberCount(subjectKey, kind string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.index[stream{subject: subjectKey, kind: kind}])
}

// Shutdown refuses new sockets, notifies every connected client, and waits
// up to grace for them to disconnect before forcing the remainder closed.
func (h *Hub) Shutdown(grace time.Duration) {
	h.mu.Lock()
	h.closed = true
	targets := make([]*socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(grace)
	for _, s := range targets {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server-shutdown")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
	}

	// Clients that ack the close frame unwind through readPump and detach
	// themselves. Poll until the slab drains or the grace period lapses.
	for time.Now().Before(deadline) {
		h.mu.RLock()
		remaining := len(h.sockets)
		h.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	h.mu.Lock()
	stragglers := make([]*socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		stragglers = append(stragglers, s)
	}
	h.mu.Unlock()
	for _, s := range stragglers {
		h.Detach(s.id)
		s.forceClose(websocket.CloseGoingAway, "server-shutdown", h.cfg.WriteTimeout)
	}
}
