package websocket

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/skyfleet/gateway/config"
	"github.com/skyfleet/gateway/internal/health"
	"github.com/skyfleet/gateway/internal/proxy"
	"github.com/skyfleet/gateway/internal/registry"
	"github.com/skyfleet/gateway/internal/registry/memory"
	"github.com/skyfleet/gateway/internal/router"
)

var testUpgrader = gorilla.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func echoBackend(t *testing.T, gotHeaders chan<- http.Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotHeaders != nil {
			gotHeaders <- r.Header.Clone()
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func tunnelGateway(t *testing.T, backend *httptest.Server, fa *proxy.ForwardAuth) *httptest.Server {
	t.Helper()

	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(backend.URL, "http://"))
	port, _ := strconv.Atoi(portStr)

	mem := memory.New()
	mem.Register(context.Background(), &registry.Instance{
		ID: "ws1", Name: "llm-service", Address: host, Port: port,
	})
	client := registry.NewClient(mem, time.Hour, time.Hour)
	client.Track("llm-service")
	client.RefreshAll(context.Background())

	tbl := router.New([]config.RouteConfig{
		{ID: "llm", Prefix: "/ws/llm", Transport: "upgrade", Backend: "llm-service"},
	}, time.Second, 0)

	tunnel := NewTunnel(client, health.NewLog(16))
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := tbl.MatchUpgrade(r.URL.Path)
		if m == nil {
			http.NotFound(w, r)
			return
		}
		tunnel.Serve(w, r, m, fa)
	}))
}

func TestTunnelEcho(t *testing.T) {
	backend := echoBackend(t, nil)
	defer backend.Close()
	gw := tunnelGateway(t, backend, nil)
	defer gw.Close()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/ws/llm/chat"
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial through tunnel: %v", err)
	}
	defer conn.Close()

	for _, msg := range []string{"hello", "world"} {
		if err := conn.WriteMessage(gorilla.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != msg {
			t.Errorf("echo = %q, want %q", got, msg)
		}
	}
}

func TestTunnelStampsIdentity(t *testing.T) {
	headers := make(chan http.Header, 1)
	backend := echoBackend(t, headers)
	defer backend.Close()
	gw := tunnelGateway(t, backend, &proxy.ForwardAuth{SubjectID: "9", Username: "pilot"})
	defer gw.Close()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/ws/llm/chat"
	reqHeader := http.Header{}
	reqHeader.Set(proxy.HeaderAuthSubject, "forged")
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, reqHeader)
	if err != nil {
		t.Fatalf("dial through tunnel: %v", err)
	}
	defer conn.Close()

	h := <-headers
	if h.Get(proxy.HeaderAuthSubject) != "9" {
		t.Errorf("subject = %q, forged header not replaced", h.Get(proxy.HeaderAuthSubject))
	}
	if h.Get(proxy.HeaderAuthUsername) != "pilot" {
		t.Errorf("username = %q", h.Get(proxy.HeaderAuthUsername))
	}
}

func TestTunnelStripsPrefix(t *testing.T) {
	paths := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer backend.Close()
	gw := tunnelGateway(t, backend, nil)
	defer gw.Close()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/ws/llm/chat/42"
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	if got := <-paths; got != "/chat/42" {
		t.Errorf("backend path = %q, want /chat/42", got)
	}
}

func TestTunnelNoBackend(t *testing.T) {
	mem := memory.New()
	client := registry.NewClient(mem, time.Hour, time.Hour)
	client.Track("llm-service")
	client.RefreshAll(context.Background())

	tbl := router.New([]config.RouteConfig{
		{ID: "llm", Prefix: "/ws/llm", Transport: "upgrade", Backend: "llm-service"},
	}, time.Second, 0)
	tunnel := NewTunnel(client, health.NewLog(16))

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tunnel.Serve(w, r, tbl.MatchUpgrade(r.URL.Path), nil)
	}))
	defer gw.Close()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/ws/llm/chat"
	_, resp, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded with no backend registered")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("resp = %+v, want 503", resp)
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if IsUpgradeRequest(r) {
		t.Error("plain GET classified as upgrade")
	}
	r.Header.Set("Connection", "keep-alive, Upgrade")
	r.Header.Set("Upgrade", "websocket")
	if !IsUpgradeRequest(r) {
		t.Error("websocket upgrade not recognized")
	}
	r.Header.Set("Upgrade", "h2c")
	if IsUpgradeRequest(r) {
		t.Error("h2c upgrade misclassified as websocket")
	}
}
