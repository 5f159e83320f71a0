// Package publish is the ingress for trusted-backend publications: validate,
// stamp a receipt, refresh the last-known snapshot, broadcast.
package publish

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/skyfleet/gateway/internal/auth"
	"github.com/skyfleet/gateway/internal/errors"
	"github.com/skyfleet/gateway/internal/hub"
	"github.com/skyfleet/gateway/internal/logging"
	"github.com/skyfleet/gateway/internal/metrics"
)

// Permission a caller needs to publish into the hub.
const publishPermission = "realtime:publish"

// maxPublicationBytes bounds a single publication body.
const maxPublicationBytes = 256 << 10

// Publication is the inbound wire shape.
type Publication struct {
	SubjectKey string          `json:"subjectKey"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	OriginTS   string          `json:"originTimestamp,omitempty"`
}

// Receipt is returned to the publisher. Publications are not durable;
// delivered counts the subscribers the fan-out reached at receipt time.
type Receipt struct {
	SubjectKey string `json:"subjectKey"`
	Kind       string `json:"kind"`
	Delivered  int    `json:"delivered"`
	ReceivedAt string `json:"receivedAt"`
}

// Ingress accepts publications over HTTP and hands them to the hub.
type Ingress struct {
	hub       *hub.Hub
	cache     *SnapshotCache
	collector *metrics.Collector
}

// NewIngress creates the publisher ingress. The cache is shared with the
// hub's subscribe path for initial-snapshot delivery.
func NewIngress(h *hub.Hub, cache *SnapshotCache, collector *metrics.Collector) *Ingress {
	return &Ingress{hub: h, cache: cache, collector: collector}
}

// ServeHTTP handles POST publications. Admission (credential verification)
// has already run; this handler enforces the publish permission.
func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errors.New(http.StatusMethodNotAllowed, "method not allowed").WriteJSON(w, r)
		return
	}

	ac := auth.FromContext(r.Context())
	if ac == nil {
		errors.ErrAuthenticationRequired.WriteJSON(w, r)
		return
	}
	if !ac.IsAdmin() && !ac.HasPermission(publishPermission) {
		errors.ErrAuthorizationDenied.WriteJSON(w, r)
		return
	}

	var pub Publication
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublicationBytes))
	if err := dec.Decode(&pub); err != nil {
		errors.ErrBadRequest.WithDetail("malformed publication body").WriteJSON(w, r)
		return
	}

	kind, ok := hub.NormalizeKind(pub.Kind)
	if !ok {
		errors.ErrBadRequest.WithDetail("unknown publication kind").WriteJSON(w, r)
		return
	}
	if pub.SubjectKey == "" {
		errors.ErrBadRequest.WithDetail("subjectKey required").WriteJSON(w, r)
		return
	}
	if len(pub.Payload) == 0 {
		errors.ErrBadRequest.WithDetail("payload required").WriteJSON(w, r)
		return
	}

	in.cache.Record(pub.SubjectKey, kind, pub.Payload)
	delivered := in.hub.Broadcast(pub.SubjectKey, kind, pub.Payload)
	in.collector.PublicationsIn.WithLabelValues(kind).Inc()

	logging.Debug("publication accepted",
		zap.String("subject", pub.SubjectKey),
		zap.String("kind", kind),
		zap.Int("delivered", delivered),
	)

	errors.WriteOK(w, r, http.StatusOK, "publication accepted", Receipt{
		SubjectKey: pub.SubjectKey,
		Kind:       kind,
		Delivered:  delivered,
		ReceivedAt: receiptTimestamp(),
	})
}
