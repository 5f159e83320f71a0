// Package gateway wires the edge components together: ingress dispatch,
// the admin surface, and the process lifecycle.
package gateway

import (
	stderrors "errors"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet/gateway/config"
	"github.com/skyfleet/gateway/internal/auth"
	"github.com/skyfleet/gateway/internal/errors"
	"github.com/skyfleet/gateway/internal/hub"
	"github.com/skyfleet/gateway/internal/logging"
	"github.com/skyfleet/gateway/internal/metrics"
	"github.com/skyfleet/gateway/internal/middleware"
	"github.com/skyfleet/gateway/internal/policy"
	"github.com/skyfleet/gateway/internal/proxy"
	"github.com/skyfleet/gateway/internal/router"
	"github.com/skyfleet/gateway/internal/websocket"
)

// Ingress is the request entry point: match a route, admit or reject, then
// dispatch to the forward engine, the tunnel, or the local hub.
type Ingress struct {
	table     *router.Table
	verifier  *auth.Verifier
	engine    *proxy.Engine
	tunnel    *websocket.Tunnel
	hub       *hub.Hub
	collector *metrics.Collector

	draining atomic.Bool
}

// NewIngress assembles the ingress handler.
func NewIngress(table *router.Table, verifier *auth.Verifier, engine *proxy.Engine, tunnel *websocket.Tunnel, h *hub.Hub, collector *metrics.Collector) *Ingress {
	return &Ingress{
		table:     table,
		verifier:  verifier,
		engine:    engine,
		tunnel:    tunnel,
		hub:       h,
		collector: collector,
	}
}

// StartDraining makes every subsequent request fail fast with a shutdown
// body. In-flight requests are unaffected.
func (g *Ingress) StartDraining() {
	g.draining.Store(true)
}

func (g *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		errors.ErrShuttingDown.WriteJSON(w, r)
		return
	}

	isUpgrade := websocket.IsUpgradeRequest(r)

	var m *router.Match
	if isUpgrade {
		m = g.table.MatchUpgrade(r.URL.Path)
	} else {
		m = g.table.MatchHTTP(r.URL.Path)
	}
	if m == nil {
		logging.Warn("no matching route",
			zap.String("path", r.URL.Path),
			zap.Bool("upgrade", isUpgrade),
		)
		if isUpgrade {
			errors.ErrUpgradeNotSupported.WriteJSON(w, r)
		} else {
			errors.ErrNoRoute.WriteJSON(w, r)
		}
		return
	}

	ac, ok := g.admit(w, r, m)
	if !ok {
		return
	}

	start := time.Now()
	if isUpgrade {
		// Socket lifetimes are not request durations; sockets report
		// through the hub gauges instead.
		if m.Route.IsLocalHub() {
			g.hub.ServeSocket(w, r, ac)
		} else {
			g.tunnel.Serve(w, r, m, forwardAuth(ac))
		}
		return
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	g.engine.Serve(sw, r, m, forwardAuth(ac))
	g.collector.ObserveRequest(m.Route.ID, sw.status, time.Since(start))
}

// admit runs credential verification and policy evaluation. A false return
// means the rejection has been written.
func (g *Ingress) admit(w http.ResponseWriter, r *http.Request, m *router.Match) (*auth.AuthContext, bool) {
	requiresAuth := m.Route.Policy.Kind != config.RequireNone

	var ac *auth.AuthContext
	if token := auth.ExtractToken(r); token != "" {
		verified, err := g.verifier.Verify(token)
		if err != nil {
			if requiresAuth {
				detail := "invalid"
				var ve *auth.VerifyError
				if stderrors.As(err, &ve) {
					detail = string(ve.Category)
				}
				g.observeRejection(m.Route.ID, http.StatusUnauthorized)
				errors.ErrCredentialRejected.WithDetail(detail).WriteJSON(w, r)
				return nil, false
			}
			// A public route ignores a bad credential and runs anonymous.
		} else {
			ac = verified
		}
	}

	decision := policy.Evaluate(ac, m.Route.Policy, m.PathParams)
	if !decision.Allowed {
		if ac == nil {
			g.observeRejection(m.Route.ID, http.StatusUnauthorized)
			errors.ErrAuthenticationRequired.WriteJSON(w, r)
		} else {
			logging.Warn("authorization denied",
				zap.String("route", m.Route.ID),
				zap.String("subject", ac.SubjectID),
				zap.String("reason", decision.Reason),
			)
			g.observeRejection(m.Route.ID, http.StatusForbidden)
			errors.ErrAuthorizationDenied.WithDetail(decision.Reason).WriteJSON(w, r)
		}
		return nil, false
	}
	return ac, true
}

func (g *Ingress) observeRejection(route string, status int) {
	g.collector.ObserveRequest(route, status, 0)
}

func forwardAuth(ac *auth.AuthContext) *proxy.ForwardAuth {
	if ac == nil {
		return nil
	}
	return &proxy.ForwardAuth{
		SubjectID:   ac.SubjectID,
		Username:    ac.Username,
		Roles:       ac.Roles,
		Permissions: ac.Permissions,
	}
}

// VerifyAuthenticated is middleware for surfaces outside the route table
// (the publisher ingress): it requires a valid credential and stores the
// AuthContext in the request context.
func VerifyAuthenticated(verifier *auth.Verifier) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.ExtractToken(r)
			if token == "" {
				errors.ErrAuthenticationRequired.WriteJSON(w, r)
				return
			}
			ac, err := verifier.Verify(token)
			if err != nil {
				detail := "invalid"
				var ve *auth.VerifyError
				if stderrors.As(err, &ve) {
					detail = string(ve.Category)
				}
				errors.ErrCredentialRejected.WithDetail(detail).WriteJSON(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithContext(r.Context(), ac)))
		})
	}
}

// statusWriter captures the final status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
