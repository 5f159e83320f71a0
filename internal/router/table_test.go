package router

import (
	"testing"
	"time"

	"github.com/skyfleet/gateway/config"
)

func testRoutes() []config.RouteConfig {
	return []config.RouteConfig{
		{ID: "auth", Prefix: "/auth", Transport: "http", Backend: "auth-service"},
		{ID: "drone", Prefix: "/drone", Transport: "http", Backend: "drone-service", Timeout: 10 * time.Second, Retries: 2},
		{ID: "drone-commands", Prefix: "/drone/commands", Transport: "http", Backend: "drone-command-service"},
		{ID: "users", Prefix: "/users/{userId}", Transport: "http", Backend: "auth-service",
			Policy: config.PolicyConfig{Require: config.RequireOwnership, OwnershipParam: "userId"}},
		{ID: "realtime", Prefix: "/ws/realtime", Transport: "upgrade", Backend: config.LocalHub},
		{ID: "llm-stream", Prefix: "/ws/llm", Transport: "upgrade", Backend: "llm-service"},
	}
}

func newTestTable() *Table {
	return New(testRoutes(), 30*time.Second, 1)
}

func TestLongestPrefixWins(t *testing.T) {
	tbl := newTestTable()

	m := tbl.MatchHTTP("/drone/commands/launch")
	if m == nil || m.Route.ID != "drone-commands" {
		t.Fatalf("match = %+v, want drone-commands", m)
	}

	m = tbl.MatchHTTP("/drone/123/telemetry")
	if m == nil || m.Route.ID != "drone" {
		t.Fatalf("match = %+v, want drone", m)
	}
}

func TestNoMatch(t *testing.T) {
	tbl := newTestTable()
	if m := tbl.MatchHTTP("/nothing/here"); m != nil {
		t.Errorf("match = %+v, want nil", m)
	}
	if m := tbl.MatchUpgrade("/ws/unknown"); m != nil {
		t.Errorf("upgrade match = %+v, want nil", m)
	}
}

func TestUpgradeAndHTTPAreSeparate(t *testing.T) {
	tbl := newTestTable()
	if m := tbl.MatchHTTP("/ws/realtime"); m != nil {
		t.Errorf("upgrade route matched as http: %+v", m)
	}
	m := tbl.MatchUpgrade("/ws/realtime")
	if m == nil || !m.Route.IsLocalHub() {
		t.Fatalf("match = %+v, want local hub", m)
	}
	m = tbl.MatchUpgrade("/ws/llm/chat")
	if m == nil || m.Route.Backend != "llm-service" {
		t.Fatalf("match = %+v, want llm-service", m)
	}
}

func TestParamBinding(t *testing.T) {
	tbl := newTestTable()
	m := tbl.MatchHTTP("/users/42/profile")
	if m == nil || m.Route.ID != "users" {
		t.Fatalf("match = %+v, want users", m)
	}
	if m.PathParams["userId"] != "42" {
		t.Errorf("userId = %q, want 42", m.PathParams["userId"])
	}
}

func TestStripPrefix(t *testing.T) {
	tbl := newTestTable()

	tests := []struct {
		path, want string
	}{
		{"/drone/123/telemetry", "/123/telemetry"},
		{"/drone", "/"},
		{"/users/42/profile", "/42/profile"},
	}
	for _, tt := range tests {
		m := tbl.MatchHTTP(tt.path)
		if m == nil {
			t.Fatalf("no match for %s", tt.path)
		}
		if got := m.Route.StripPrefix(tt.path); got != tt.want {
			t.Errorf("StripPrefix(%s) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestDefaultsApplied(t *testing.T) {
	tbl := newTestTable()
	m := tbl.MatchHTTP("/auth/login")
	if m.Route.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v", m.Route.Timeout)
	}
	m = tbl.MatchHTTP("/drone/1")
	if m.Route.Timeout != 10*time.Second || m.Route.Retries != 2 {
		t.Errorf("route budgets = %v/%d", m.Route.Timeout, m.Route.Retries)
	}
}

func TestEqualLengthPrefixPrefersLocalHub(t *testing.T) {
	routes := []config.RouteConfig{
		{ID: "tunnel", Prefix: "/ws/stream", Transport: "upgrade", Backend: "llm-service"},
		{ID: "hub", Prefix: "/ws/events", Transport: "upgrade", Backend: config.LocalHub},
	}
	tbl := New(routes, time.Second, 0)

	// Both prefixes have two segments; sorting puts the hub route first,
	// so a path matching both (none here) would resolve to the hub. Verify
	// ordering directly.
	all := tbl.Routes()
	if !all[0].IsLocalHub() {
		t.Errorf("first upgrade route = %s, want local hub", all[0].ID)
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	tbl := newTestTable()

	old := tbl.MatchHTTP("/drone/1")
	if old == nil {
		t.Fatal("no match before reload")
	}

	tbl.Load([]config.RouteConfig{
		{ID: "only", Prefix: "/only", Transport: "http", Backend: "svc"},
	}, time.Second, 0)

	if m := tbl.MatchHTTP("/drone/1"); m != nil {
		t.Errorf("old route still matching after reload: %+v", m)
	}
	if m := tbl.MatchHTTP("/only/x"); m == nil {
		t.Error("new route not matching after reload")
	}
	// The route pointer obtained before reload stays valid.
	if old.Route.Backend != "drone-service" {
		t.Error("pre-reload route mutated")
	}
}

func TestBackends(t *testing.T) {
	tbl := newTestTable()
	names := tbl.Backends()
	want := map[string]bool{
		"auth-service": true, "drone-service": true,
		"drone-command-service": true, "llm-service": true,
	}
	if len(names) != len(want) {
		t.Fatalf("backends = %v", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected backend %q", n)
		}
	}
}
