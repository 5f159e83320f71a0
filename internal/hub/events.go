package hub

import (
	"encoding/json"
	"time"
)

// Subscription kinds carried on the wire. "telemetry" arrives from older
// clients and is normalized to KindPosition on receipt.
const (
	KindPosition        = "position"
	KindStatus          = "status"
	KindCommandResponse = "command-response"

	kindTelemetryAlias = "telemetry"
)

// NormalizeKind maps a wire kind to its canonical name. ok is false for
// kinds the hub does not serve.
func NormalizeKind(kind string) (string, bool) {
	switch kind {
	case KindPosition, KindStatus, KindCommandResponse:
		return kind, true
	case kindTelemetryAlias:
		return KindPosition, true
	default:
		return "", false
	}
}

// Client-to-hub event types.
const (
	EventSubscribe           = "subscribe"
	EventUnsubscribe         = "unsubscribe"
	EventPublishStatusUpdate = "publish-status-update"
)

// Hub-to-client event types.
const (
	EventSubscribed            = "subscribed"
	EventUnsubscribed          = "unsubscribed"
	EventPositionUpdate        = "position-update"
	EventStatusUpdate          = "status-update"
	EventCommandResponse       = "command-response"
	EventSubscriptionError     = "subscription-error"
	EventError                 = "event-error"
	EventConnectionEstablished = "connection-established"
)

// inboundEvent is the envelope for every client frame.
type inboundEvent struct {
	Event      string          `json:"event"`
	SubjectKey string          `json:"subjectKey"`
	Kind       string          `json:"kind,omitempty"`
	Update     json.RawMessage `json:"update,omitempty"`
}

// ackEvent confirms a subscribe or unsubscribe, optionally carrying the
// last-known snapshot for the stream.
type ackEvent struct {
	Event      string          `json:"event"`
	SubjectKey string          `json:"subjectKey"`
	Kind       string          `json:"kind"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	Timestamp  string          `json:"timestamp"`
}

// dataEvent carries a broadcast publication to a subscriber.
type dataEvent struct {
	Event      string          `json:"event"`
	SubjectKey string          `json:"subjectKey"`
	Data       json.RawMessage `json:"data"`
	Timestamp  string          `json:"timestamp"`
	Broadcast  bool            `json:"broadcast"`
}

// errorEvent reports a recoverable per-event failure on the same socket.
type errorEvent struct {
	Event      string `json:"event"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	SubjectKey string `json:"subjectKey,omitempty"`
}

// welcomeEvent is sent once, immediately after the upgrade completes.
type welcomeEvent struct {
	Event     string `json:"event"`
	SocketID  string `json:"socketId"`
	Timestamp string `json:"timestamp"`
}

// DataEventName maps a kind to the outbound event type for its stream.
func DataEventName(kind string) string {
	switch kind {
	case KindStatus:
		return EventStatusUpdate
	case KindCommandResponse:
		return EventCommandResponse
	default:
		return EventPositionUpdate
	}
}

func wireTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func marshalEvent(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All event structs marshal cleanly; raw payloads are pre-validated
		// json.RawMessage values.
		return []byte(`{"event":"event-error","error":"encoding","message":"internal encoding failure"}`)
	}
	return b
}
