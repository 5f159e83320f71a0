// Package proxy forwards admitted HTTP requests to discovered backend
// instances, with per-route timeout and retry budgets.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet/gateway/internal/errors"
	"github.com/skyfleet/gateway/internal/health"
	"github.com/skyfleet/gateway/internal/logging"
	"github.com/skyfleet/gateway/internal/metrics"
	"github.com/skyfleet/gateway/internal/middleware"
	"github.com/skyfleet/gateway/internal/registry"
	"github.com/skyfleet/gateway/internal/router"
)

// Identity headers stamped on every forwarded request. Inbound values are
// stripped first so a client cannot impersonate the gateway.
const (
	HeaderAuthSubject     = "X-Auth-Subject"
	HeaderAuthUsername    = "X-Auth-Username"
	HeaderAuthRoles       = "X-Auth-Roles"
	HeaderAuthPermissions = "X-Auth-Permissions"
)

// Statuses that justify re-picking an instance, for methods safe to retry.
var retryableStatuses = map[int]bool{
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// Methods whose attempts may have reached the backend and still be retried.
var retryableMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Engine is the forwarding core. It picks an instance per attempt from the
// registry snapshot, so a retry lands on a different instance when one is
// available.
type Engine struct {
	registry     *registry.Client
	observations *health.Log
	collector    *metrics.Collector
	transport    http.RoundTripper
}

// NewEngine creates an engine with a pooled transport shared by all routes.
func NewEngine(reg *registry.Client, obs *health.Log, collector *metrics.Collector) *Engine {
	return &Engine{
		registry:     reg,
		observations: obs,
		collector:    collector,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// SetTransport overrides the outbound transport (tests).
func (e *Engine) SetTransport(t http.RoundTripper) { e.transport = t }

// ForwardAuth carries the identity fields stamped onto outbound requests.
// Nil means the route admitted the request anonymously.
type ForwardAuth struct {
	SubjectID   string
	Username    string
	Roles       []string
	Permissions []string
}

// Serve forwards one admitted request along the matched route and writes the
// backend's response, or a gateway-originated error envelope, to w. Each
// attempt carries its own deadline from the route's timeout budget, so a
// stalled instance burns one attempt, not the whole retry budget.
func (e *Engine) Serve(w http.ResponseWriter, r *http.Request, m *router.Match, fa *ForwardAuth) {
	route := m.Route

	// A body can only be replayed across attempts if buffered up front.
	var bodyBytes []byte
	if route.Retries > 0 && r.Body != nil && r.Body != http.NoBody {
		var err error
		bodyBytes, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			errors.ErrBadRequest.WithDetail("unreadable request body").WriteJSON(w, r)
			return
		}
	}

	var lastErr error
	lastTimeout := false

	for attempt := 0; attempt <= route.Retries; attempt++ {
		if attempt > 0 {
			e.collector.RetriesTotal.WithLabelValues(route.Backend).Inc()
		}
		if r.Context().Err() != nil {
			// The client is gone; no one is waiting for another attempt.
			break
		}

		inst, err := e.registry.Pick(route.Backend)
		if err != nil {
			lastErr = err
			break
		}

		ctx, cancel := context.WithTimeout(r.Context(), route.Timeout)
		out := e.buildRequest(ctx, r, route, inst, fa, bodyBytes)
		resp, err := e.transport.RoundTrip(out)
		if err != nil {
			cancel()
			outcome := health.ClassifyError(err)
			e.record(route.Backend, inst.ID, outcome)
			lastErr = err
			lastTimeout = outcome == health.OutcomeTimeout
			// A connection that never opened cannot have produced side
			// effects, so even non-idempotent methods are safe to re-send.
			// A timed-out attempt may have reached the backend, so only
			// safe methods re-send after one.
			if retryableMethods[r.Method] || isDialFailure(err) {
				continue
			}
			break
		}
		lastTimeout = false

		if resp.StatusCode >= 500 {
			e.record(route.Backend, inst.ID, health.Outcome5xx)
		} else {
			e.record(route.Backend, inst.ID, health.OutcomeOK)
		}

		if retryableStatuses[resp.StatusCode] && retryableMethods[r.Method] && attempt < route.Retries {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			cancel()
			lastErr = nil
			continue
		}

		e.writeResponse(w, resp)
		cancel()
		return
	}

	e.writeTerminalError(w, r, route, lastTimeout, lastErr)
}

func (e *Engine) record(backend, instanceID string, outcome health.Outcome) {
	e.observations.Record(health.Observation{
		Backend:    backend,
		InstanceID: instanceID,
		Outcome:    outcome,
	})
	if outcome != health.OutcomeOK {
		e.collector.BackendUnhealthy.WithLabelValues(backend, string(outcome)).Inc()
	}
}

// buildRequest constructs the outbound request: rewritten target, copied
// headers minus hop-by-hop, forwarding metadata, and the identity stamp.
func (e *Engine) buildRequest(ctx context.Context, r *http.Request, route *router.Route, inst *registry.Instance, fa *ForwardAuth, bodyBytes []byte) *http.Request {
	target := url.URL{
		Scheme:   "http",
		Host:     inst.HostPort(),
		Path:     route.StripPrefix(r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}

	out := (&http.Request{
		Method:        r.Method,
		URL:           &target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Host:          target.Host,
		ContentLength: r.ContentLength,
	}).WithContext(ctx)

	if bodyBytes != nil {
		out.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		out.ContentLength = int64(len(bodyBytes))
	} else if r.Body != nil {
		out.Body = r.Body
	}

	out.Header = make(http.Header, len(r.Header)+8)
	for k, vv := range r.Header {
		out.Header[k] = vv
	}
	removeHopHeaders(out.Header)

	// Strip any client-supplied identity headers before stamping our own.
	out.Header.Del(HeaderAuthSubject)
	out.Header.Del(HeaderAuthUsername)
	out.Header.Del(HeaderAuthRoles)
	out.Header.Del(HeaderAuthPermissions)
	if fa != nil {
		out.Header.Set(HeaderAuthSubject, fa.SubjectID)
		out.Header.Set(HeaderAuthUsername, fa.Username)
		if len(fa.Roles) > 0 {
			out.Header.Set(HeaderAuthRoles, strings.Join(fa.Roles, ","))
		}
		if len(fa.Permissions) > 0 {
			out.Header.Set(HeaderAuthPermissions, strings.Join(fa.Permissions, ","))
		}
	}

	if id := middleware.GetRequestID(r); id != "" {
		out.Header.Set(middleware.HeaderRequestID, id)
	}

	if clientIP := extractClientIP(r); clientIP != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", r.Host)

	return out
}

// writeResponse relays the backend response verbatim. Backend error bodies
// pass through untouched; only gateway-originated failures use the envelope.
func (e *Engine) writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Debug("response relay interrupted", zap.Error(err))
	}
}

func (e *Engine) writeTerminalError(w http.ResponseWriter, r *http.Request, route *router.Route, lastTimeout bool, lastErr error) {
	switch {
	case lastTimeout:
		errors.ErrGatewayTimeout.WriteJSON(w, r)
	case lastErr == registry.ErrNoInstance, lastErr == nil:
		errors.ErrServiceUnavailable.WriteJSON(w, r)
	default:
		logging.Warn("forward failed",
			zap.String("route", route.ID),
			zap.String("backend", route.Backend),
			zap.Error(lastErr),
		)
		errors.ErrBadGateway.WithDetail(lastErr.Error()).WriteJSON(w, r)
	}
}

// isDialFailure reports whether the request died before the connection
// opened. Such attempts reached no backend and are replay-safe.
func isDialFailure(err error) bool {
	for err != nil {
		if opErr, ok := err.(*net.OpError); ok {
			return opErr.Op == "dial"
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}

func extractClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Hop-by-hop headers stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
