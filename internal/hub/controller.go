package hub

import (
	"encoding/json"
	"regexp"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skyfleet/gateway/internal/auth"
	"github.com/skyfleet/gateway/internal/logging"
)

// SnapshotRecorder is the optional write side of a snapshot source. When the
// wired source implements it, client-published status updates refresh the
// last-known snapshot.
type SnapshotRecorder interface {
	Record(subjectKey, kind string, payload json.RawMessage)
}

// Permission required to push status updates from a client socket.
const statusPublishPermission = "drones:status:write"

// kindReadPermission maps a stream kind to the permission that grants
// third-party read access.
func kindReadPermission(kind string) string {
	switch kind {
	case KindStatus:
		return "drones:status:read"
	case KindCommandResponse:
		return "drones:commands:read"
	default:
		return "drones:telemetry:read"
	}
}

// Subject keys are opaque but bounded: drone ids and user ids as issued by
// the fleet services.
var subjectKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// controller is the per-socket event state machine. One controller per
// socket, driven only by that socket's read loop, so it needs no locking of
// its own.
type controller struct {
	hub  *Hub
	sock *socket
}

// Handle processes one inbound frame. A false return tells the read loop to
// stop; the controller has already closed the socket with a reason.
func (c *controller) Handle(payload []byte) bool {
	var ev inboundEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		// Malformed framing is unrecoverable.
		c.sock.forceClose(websocket.CloseUnsupportedData, "malformed-frame", c.hub.cfg.WriteTimeout)
		return false
	}

	switch ev.Event {
	case EventSubscribe:
		return c.subscribe(ev)
	case EventUnsubscribe:
		return c.unsubscribe(ev)
	case EventPublishStatusUpdate:
		return c.publishStatus(ev)
	default:
		return c.emit(errorEvent{
			Event:   EventError,
			Error:   "unknown-event",
			Message: "unrecognized event type",
		})
	}
}

func (c *controller) subscribe(ev inboundEvent) bool {
	if c.sock.auth == nil {
		return c.subscriptionError(ev.SubjectKey, "authentication-required", "subscribe requires a credential")
	}
	if !subjectKeyPattern.MatchString(ev.SubjectKey) {
		return c.subscriptionError(ev.SubjectKey, "invalid-subject", "subject identifier does not parse")
	}
	kind, ok := NormalizeKind(ev.Kind)
	if !ok {
		return c.subscriptionError(ev.SubjectKey, "invalid-kind", "unknown subscription kind")
	}
	if !c.canRead(ev.SubjectKey, kind) {
		if !c.violation() {
			return false
		}
		return c.subscriptionError(ev.SubjectKey, "authorization-denied", "subject not readable with current credential")
	}

	if !c.hub.Join(c.sock.id, ev.SubjectKey, kind) {
		return false
	}

	ack := ackEvent{
		Event:      EventSubscribed,
		SubjectKey: ev.SubjectKey,
		Kind:       kind,
		Timestamp:  wireTimestamp(),
	}
	if c.hub.snapshots != nil {
		if snap, ok := c.hub.snapshots.Snapshot(ev.SubjectKey, kind); ok {
			ack.Snapshot = snap
		}
	}
	return c.emit(ack)
}

func (c *controller) unsubscribe(ev inboundEvent) bool {
	kind, ok := NormalizeKind(ev.Kind)
	if !ok {
		return c.subscriptionError(ev.SubjectKey, "invalid-kind", "unknown subscription kind")
	}
	if !c.hub.Leave(c.sock.id, ev.SubjectKey, kind) {
		return c.subscriptionError(ev.SubjectKey, "not-subscribed", "no such subscription")
	}
	return c.emit(ackEvent{
		Event:      EventUnsubscribed,
		SubjectKey: ev.SubjectKey,
		Kind:       kind,
		Timestamp:  wireTimestamp(),
	})
}

func (c *controller) publishStatus(ev inboundEvent) bool {
	ac := c.sock.auth
	if ac == nil {
		return c.eventError(ev.SubjectKey, "authentication-required", "publishing requires a credential")
	}
	if !ac.IsAdmin() && !ac.HasPermission(statusPublishPermission) {
		if !c.violation() {
			return false
		}
		return c.eventError(ev.SubjectKey, "authorization-denied", "status publishing not permitted")
	}
	if !subjectKeyPattern.MatchString(ev.SubjectKey) {
		return c.eventError(ev.SubjectKey, "invalid-subject", "subject identifier does not parse")
	}
	if len(ev.Update) == 0 {
		return c.eventError(ev.SubjectKey, "invalid-payload", "update payload missing")
	}

	if rec, ok := c.hub.snapshots.(SnapshotRecorder); ok {
		rec.Record(ev.SubjectKey, KindStatus, ev.Update)
	}
	c.hub.Broadcast(ev.SubjectKey, KindStatus, ev.Update)
	return true
}

// canRead is the per-subject admission check re-evaluated on every
// subscribe: admin, the subject itself, or a holder of the kind's read
// permission.
func (c *controller) canRead(subjectKey, kind string) bool {
	ac := c.sock.auth
	if ac.IsAdmin() {
		return true
	}
	if ac.SubjectID == subjectKey {
		return true
	}
	return ac.HasPermission(kindReadPermission(kind))
}

// violation records a policy violation against the socket's tolerance. A
// false return means the socket was closed for repeated violations.
func (c *controller) violation() bool {
	if c.sock.violations.Allow() {
		return true
	}
	logging.Warn("closing socket for repeated policy violations",
		zap.String("socket", c.sock.id),
		zap.String("subject", subjectLabel(c.sock.auth)),
	)
	c.hub.Detach(c.sock.id)
	c.sock.forceClose(websocket.ClosePolicyViolation, "policy-violation", c.hub.cfg.WriteTimeout)
	return false
}

func subjectLabel(ac *auth.AuthContext) string {
	if ac == nil {
		return "anonymous"
	}
	return ac.SubjectID
}

func (c *controller) subscriptionError(subjectKey, code, message string) bool {
	return c.emit(errorEvent{
		Event:      EventSubscriptionError,
		Error:      code,
		Message:    message,
		SubjectKey: subjectKey,
	})
}

func (c *controller) eventError(subjectKey, code, message string) bool {
	return c.emit(errorEvent{
		Event:      EventError,
		Error:      code,
		Message:    message,
		SubjectKey: subjectKey,
	})
}

func (c *controller) emit(v any) bool {
	switch c.sock.Enqueue(marshalEvent(v), c.hub.cfg.SlowConsumerStrikes) {
	case enqueueExceededStrikes:
		c.hub.evictSlowConsumer(c.sock)
		return false
	case enqueueClosed:
		return false
	}
	return true
}
