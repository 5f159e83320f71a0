package gateway

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skyfleet/gateway/config"
)

// freePort grabs an ephemeral port for listener tests.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Auth.Secret = "test-secret"
	cfg.Registry.Type = "memory"
	cfg.Registry.Self.Name = "" // no self-registration in tests
	cfg.Routes = []config.RouteConfig{
		{ID: "drone", Prefix: "/drone", Transport: "http", Backend: "drone-service"},
		{ID: "realtime", Prefix: "/ws/drones", Transport: "upgrade", Backend: config.LocalHub,
			Policy: config.PolicyConfig{Require: config.RequireAuthenticated}},
	}
	return cfg
}

func TestNewServerWiresComponents(t *testing.T) {
	s, err := NewServer(memoryConfig())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	backends := s.table.Backends()
	if len(backends) != 1 || backends[0] != "drone-service" {
		t.Errorf("tracked backends = %v", backends)
	}
	if s.revocation != nil {
		t.Error("revocation set built without redis configured")
	}
	if s.adminServer == nil {
		t.Error("admin server not built despite admin.enabled")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Auth.Secret = ""
	if _, err := NewServer(cfg); err == nil {
		t.Fatal("NewServer admitted a config without a secret")
	}
}

func TestReloadRoutes(t *testing.T) {
	s, err := NewServer(memoryConfig())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if err := s.ReloadRoutes(); err == nil {
		t.Error("reload without a config path should fail")
	}

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	reloaded := `
listen:
  port: 8080
auth:
  secret: test-secret
registry:
  type: memory
routes:
  - id: config
    prefix: /config
    transport: http
    backend: config-service
`
	if err := os.WriteFile(path, []byte(reloaded), 0o644); err != nil {
		t.Fatal(err)
	}
	s.SetConfigPath(path)

	if err := s.ReloadRoutes(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m := s.table.MatchHTTP("/config/settings"); m == nil || m.Route.Backend != "config-service" {
		t.Errorf("new route not active after reload: %+v", m)
	}
	if m := s.table.MatchHTTP("/drone/1"); m != nil {
		t.Errorf("old route survived reload: %+v", m)
	}
	// Both generations' backends stay tracked for discovery.
	found := false
	for _, b := range s.regClient.Backends() {
		if b == "config-service" {
			found = true
		}
	}
	if !found {
		t.Error("reloaded backend not tracked in registry client")
	}
}

func TestShutdownIsDrainOrdered(t *testing.T) {
	cfg := memoryConfig()
	cfg.Listen.Address = "127.0.0.1"
	cfg.Listen.Port = freePort(t)
	cfg.Admin.Port = freePort(t)

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Give the listeners a moment to bind before tearing down.
	time.Sleep(50 * time.Millisecond)

	if err := s.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !s.ingress.draining.Load() {
		t.Error("ingress not draining after shutdown")
	}
}
