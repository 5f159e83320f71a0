package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gorilla "github.com/gorilla/websocket"

	"github.com/skyfleet/gateway/config"
	"github.com/skyfleet/gateway/internal/auth"
	"github.com/skyfleet/gateway/internal/health"
	"github.com/skyfleet/gateway/internal/hub"
	"github.com/skyfleet/gateway/internal/metrics"
	"github.com/skyfleet/gateway/internal/middleware"
	"github.com/skyfleet/gateway/internal/proxy"
	"github.com/skyfleet/gateway/internal/registry"
	"github.com/skyfleet/gateway/internal/registry/memory"
	"github.com/skyfleet/gateway/internal/router"
	"github.com/skyfleet/gateway/internal/websocket"
)

type testGateway struct {
	ingress  *Ingress
	verifier *auth.Verifier
	mem      *memory.Registry
	client   *registry.Client
	hub      *hub.Hub
	backends map[string]*atomic.Int32 // hits per backend
}

// newTestGateway wires a full ingress over in-memory discovery, with one
// recording backend per service name.
func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	mem := memory.New()
	tg := &testGateway{
		mem:      mem,
		backends: make(map[string]*atomic.Int32),
	}

	startBackend := func(name string) {
		hits := &atomic.Int32{}
		tg.backends[name] = hits
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Header().Set("X-Subject-Seen", r.Header.Get(proxy.HeaderAuthSubject))
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)
		host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
		port, _ := strconv.Atoi(portStr)
		mem.Register(context.Background(), &registry.Instance{
			ID: name + "-1", Name: name, Address: host, Port: port,
		})
	}
	startBackend("auth-service")
	startBackend("drone-service")
	startBackend("user-service")

	client := registry.NewClient(mem, time.Hour, time.Hour)
	for _, b := range []string{"auth-service", "drone-service", "user-service"} {
		client.Track(b)
	}
	client.RefreshAll(context.Background())
	tg.client = client

	table := router.New([]config.RouteConfig{
		{ID: "auth", Prefix: "/auth", Transport: "http", Backend: "auth-service"},
		{ID: "drone", Prefix: "/drone", Transport: "http", Backend: "drone-service",
			Policy: config.PolicyConfig{Require: config.RequireAuthenticated}},
		{ID: "users", Prefix: "/users/{userId}", Transport: "http", Backend: "user-service",
			Policy: config.PolicyConfig{Require: config.RequireOwnership, OwnershipParam: "userId"}},
		{ID: "realtime", Prefix: "/ws/realtime", Transport: "upgrade", Backend: config.LocalHub,
			Policy: config.PolicyConfig{Require: config.RequireAuthenticated}},
	}, time.Second, 0)

	verifier := auth.NewVerifier("test-secret", "skyfleet", "gateway", auth.StaticRevocationSet{})
	tg.verifier = verifier

	collector := metrics.NewCollector()
	obs := health.NewLog(64)
	engine := proxy.NewEngine(client, obs, collector)
	tunnel := websocket.NewTunnel(client, obs)
	h := hub.New(config.HubConfig{
		QueueDepth:          16,
		SlowConsumerStrikes: 3,
		IdleTimeout:         time.Minute,
		PingInterval:        30 * time.Second,
		WriteTimeout:        time.Second,
	}, collector, nil, []string{"*"})
	tg.hub = h

	tg.ingress = NewIngress(table, verifier, engine, tunnel, h, collector)
	return tg
}

func (tg *testGateway) token(t *testing.T, subject string, roles, perms []string) string {
	t.Helper()
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "skyfleet",
			Audience:  jwt.ClaimStrings{"gateway"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	claims.User.ID = subject
	claims.User.Username = "user-" + subject
	claims.User.Active = true
	claims.Grants.Roles = roles
	claims.Grants.Permissions = perms
	claims.Session.SessionID = "sess-" + subject

	raw, err := tg.verifier.Sign(claims)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func (tg *testGateway) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	tg.ingress.ServeHTTP(w, r)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode envelope %q: %v", w.Body.String(), err)
	}
	return body
}

func TestNoRouteReturns404(t *testing.T) {
	tg := newTestGateway(t)
	w := tg.do(t, http.MethodGet, "/nothing/here", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body["message"] != "no matching route" || body["path"] != "/nothing/here" {
		t.Errorf("body = %v", body)
	}
}

func TestAdmissionWithoutCredential(t *testing.T) {
	tg := newTestGateway(t)
	w := tg.do(t, http.MethodGet, "/drone/123", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body["message"] != "authentication required" {
		t.Errorf("body = %v", body)
	}
	if hits := tg.backends["drone-service"].Load(); hits != 0 {
		t.Errorf("backend reached %d times on rejected request", hits)
	}
}

func TestAdmissionRejectsBadToken(t *testing.T) {
	tg := newTestGateway(t)
	w := tg.do(t, http.MethodGet, "/drone/123", "not.a.token")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if body := decodeEnvelope(t, w); body["message"] != "credential rejected" {
		t.Errorf("body = %v", body)
	}
	if hits := tg.backends["drone-service"].Load(); hits != 0 {
		t.Errorf("backend reached %d times on rejected request", hits)
	}
}

func TestAdmissionExpiredToken(t *testing.T) {
	tg := newTestGateway(t)
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "7",
			Issuer:    "skyfleet",
			Audience:  jwt.ClaimStrings{"gateway"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	claims.User.Active = true
	raw, _ := tg.verifier.Sign(claims)

	w := tg.do(t, http.MethodGet, "/drone/123", raw)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if body := decodeEnvelope(t, w); body["error"] != "expired" {
		t.Errorf("detail = %v, want expired category", body["error"])
	}
}

func TestOwnershipDeniedForOtherSubject(t *testing.T) {
	tg := newTestGateway(t)
	token := tg.token(t, "7", nil, nil)

	w := tg.do(t, http.MethodGet, "/users/42/profile", token)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if hits := tg.backends["user-service"].Load(); hits != 0 {
		t.Errorf("backend reached %d times on denied request", hits)
	}
}

func TestOwnershipAllowsOwnerAndStampsSubject(t *testing.T) {
	tg := newTestGateway(t)
	token := tg.token(t, "7", nil, nil)

	w := tg.do(t, http.MethodGet, "/users/7/profile", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Subject-Seen"); got != "7" {
		t.Errorf("backend saw subject %q, want 7", got)
	}
}

func TestOwnershipAdminOverride(t *testing.T) {
	tg := newTestGateway(t)
	token := tg.token(t, "1", []string{"admin"}, nil)

	w := tg.do(t, http.MethodGet, "/users/42/profile", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want admin to pass ownership gate", w.Code)
	}
}

func TestPublicRouteAnonymous(t *testing.T) {
	tg := newTestGateway(t)
	w := tg.do(t, http.MethodGet, "/auth/login", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want public route forwarded", w.Code)
	}
	if got := w.Header().Get("X-Subject-Seen"); got != "" {
		t.Errorf("anonymous request carried subject %q", got)
	}
}

func TestPublicRouteIgnoresBadToken(t *testing.T) {
	tg := newTestGateway(t)
	w := tg.do(t, http.MethodGet, "/auth/login", "garbage")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, public route must admit despite bad token", w.Code)
	}
}

func TestDrainingRejectsNewRequests(t *testing.T) {
	tg := newTestGateway(t)
	tg.ingress.StartDraining()

	w := tg.do(t, http.MethodGet, "/auth/login", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if body := decodeEnvelope(t, w); body["message"] != "gateway shutting down" {
		t.Errorf("body = %v", body)
	}
}

func TestUpgradeUnknownPrefixRejected(t *testing.T) {
	tg := newTestGateway(t)

	r := httptest.NewRequest(http.MethodGet, "/ws/unknown", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	tg.ingress.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeEnvelope(t, w); body["message"] != "protocol upgrade not supported" {
		t.Errorf("body = %v", body)
	}
}

func TestHubUpgradeRequiresCredential(t *testing.T) {
	tg := newTestGateway(t)
	srv := httptest.NewServer(middleware.NewChain(middleware.RequestID()).Then(tg.ingress))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/realtime"
	_, resp, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("anonymous upgrade admitted")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %+v, want 401", resp)
	}
}

func TestHubUpgradeTerminatesLocally(t *testing.T) {
	tg := newTestGateway(t)
	srv := httptest.NewServer(middleware.NewChain(middleware.RequestID()).Then(tg.ingress))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tg.token(t, "7", nil, nil))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/realtime"
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if ev["event"] != hub.EventConnectionEstablished {
		t.Errorf("first event = %v", ev["event"])
	}

	sockets, _ := tg.hub.Counts()
	if sockets != 1 {
		t.Errorf("hub sockets = %d, want 1", sockets)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	tg := newTestGateway(t)
	handler := middleware.NewChain(middleware.RequestID()).Then(tg.ingress)

	r := httptest.NewRequest(http.MethodGet, "/missing", nil)
	r.Header.Set(middleware.HeaderRequestID, "corr-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if got := w.Header().Get(middleware.HeaderRequestID); got != "corr-123" {
		t.Errorf("request id header = %q", got)
	}
}
