package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/skyfleet/gateway/internal/auth"
)

// CloseLaggingConsumer is the close code sent to sockets evicted by the
// slow-consumer policy. 1013 is "try again later".
const CloseLaggingConsumer = 1013

// socket is one terminated client connection. The hub owns the write end:
// everything outbound goes through Enqueue and is drained by writePump,
// the connection's single writer.
type socket struct {
	id        string
	conn      *websocket.Conn
	auth      *auth.AuthContext // nil for anonymous sockets
	createdAt time.Time

	mu      sync.Mutex // guards send ordering, strikes, closed
	send    chan []byte
	strikes int
	closed  bool

	// Policy violations are tolerated at a trickle; a burst closes the
	// socket.
	violations *rate.Limiter

	done chan struct{}
}

func newSocket(id string, conn *websocket.Conn, ac *auth.AuthContext, queueDepth int) *socket {
	return &socket{
		id:         id,
		conn:       conn,
		auth:       ac,
		createdAt:  time.Now(),
		send:       make(chan []byte, queueDepth),
		violations: rate.NewLimiter(rate.Every(10*time.Second), 5),
		done:       make(chan struct{}),
	}
}

// enqueueResult reports how an Enqueue landed.
type enqueueResult int

const (
	enqueued enqueueResult = iota
	enqueuedAfterDrop
	enqueueExceededStrikes
	enqueueClosed
)

// Enqueue appends a frame to the socket's bounded write queue. A full queue
// drops the oldest frame and records a strike; once strikes pass maxStrikes
// the caller must force-close the socket. Never blocks the broadcaster.
func (s *socket) Enqueue(msg []byte, maxStrikes int) enqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return enqueueClosed
	}

	select {
	case s.send <- msg:
		return enqueued
	default:
	}

	// Queue full. Drop the oldest frame to make room; the subscriber keeps
	// a contiguous suffix of the stream.
	select {
	case <-s.send:
	default:
	}
	s.strikes++
	select {
	case s.send <- msg:
	default:
	}

	if s.strikes >= maxStrikes {
		return enqueueExceededStrikes
	}
	return enqueuedAfterDrop
}

// markClosed flips the socket to closed and reports whether this call won.
func (s *socket) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	return true
}

// forceClose sends a close frame with the given code and reason, then tears
// the connection down.
func (s *socket) forceClose(code int, reason string, writeTimeout time.Duration) {
	if !s.markClosed() {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	s.conn.Close()
}

// writePump is the connection's single writer: it drains the send queue and
// keeps the connection alive with periodic pings.
func (s *socket) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
