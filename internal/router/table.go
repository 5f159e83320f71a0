// Package router holds the declarative route table: URL prefixes bound to
// backends, policies, and budgets. Matching is longest-prefix; reload swaps
// the whole table atomically so in-flight requests finish on the table they
// started with.
package router

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skyfleet/gateway/config"
	"github.com/skyfleet/gateway/internal/policy"
)

// Route is one immutable entry of a table generation.
type Route struct {
	ID        string
	Prefix    string
	Transport string
	Backend   string
	Policy    policy.Requirement
	Timeout   time.Duration
	Retries   int

	segments []segment
	order    int
}

// segment is one pre-split prefix element. A param segment matches any
// value and binds it under the param name.
type segment struct {
	literal string
	param   string // non-empty for {name} segments
}

// IsLocalHub reports whether this route terminates at the gateway's hub.
func (r *Route) IsLocalHub() bool {
	return r.Backend == config.LocalHub
}

// Match is a successful table lookup.
type Match struct {
	Route      *Route
	PathParams map[string]string
}

// snapshot is one immutable table generation, with routes pre-sorted for
// longest-prefix-wins matching.
type snapshot struct {
	http    []*Route
	upgrade []*Route
}

// Table is the process-wide route table behind a snapshot pointer.
type Table struct {
	current atomic.Pointer[snapshot]
}

// New builds a table from configuration. Defaults for timeout and retries
// are applied here so every Route carries its full budget.
func New(routes []config.RouteConfig, defaultTimeout time.Duration, defaultRetries int) *Table {
	t := &Table{}
	t.Load(routes, defaultTimeout, defaultRetries)
	return t
}

// Load replaces the table atomically. The next lookup sees the new
// generation; lookups already holding the old snapshot are unaffected.
func (t *Table) Load(routes []config.RouteConfig, defaultTimeout time.Duration, defaultRetries int) {
	snap := &snapshot{}

	for i, rc := range routes {
		route := &Route{
			ID:        rc.ID,
			Prefix:    rc.Prefix,
			Transport: rc.Transport,
			Backend:   rc.Backend,
			Policy:    policy.Compile(rc.Policy),
			Timeout:   rc.Timeout,
			Retries:   rc.Retries,
			segments:  splitPrefix(rc.Prefix),
			order:     i,
		}
		if route.Timeout <= 0 {
			route.Timeout = defaultTimeout
		}
		if route.Retries < 0 {
			route.Retries = defaultRetries
		}

		switch rc.Transport {
		case config.TransportUpgrade:
			snap.upgrade = append(snap.upgrade, route)
		default:
			snap.http = append(snap.http, route)
		}
	}

	sortRoutes(snap.http)
	sortRoutes(snap.upgrade)
	t.current.Store(snap)
}

// sortRoutes orders by prefix length descending (longest prefix wins).
// Equal-length prefixes put the local hub ahead of tunneled backends, then
// fall back to declaration order.
func sortRoutes(routes []*Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		si, sj := len(routes[i].segments), len(routes[j].segments)
		if si != sj {
			return si > sj
		}
		hi, hj := routes[i].IsLocalHub(), routes[j].IsLocalHub()
		if hi != hj {
			return hi
		}
		return routes[i].order < routes[j].order
	})
}

// MatchHTTP finds the route for a plain HTTP request path.
func (t *Table) MatchHTTP(path string) *Match {
	return match(t.current.Load().http, path)
}

// MatchUpgrade finds the route for a protocol-upgrade request path.
func (t *Table) MatchUpgrade(path string) *Match {
	return match(t.current.Load().upgrade, path)
}

// Routes returns all routes of the current generation, HTTP first.
func (t *Table) Routes() []*Route {
	snap := t.current.Load()
	out := make([]*Route, 0, len(snap.http)+len(snap.upgrade))
	out = append(out, snap.http...)
	out = append(out, snap.upgrade...)
	return out
}

// Backends returns the distinct backend names referenced by the table,
// excluding the local hub.
func (t *Table) Backends() []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range t.Routes() {
		if r.IsLocalHub() || seen[r.Backend] {
			continue
		}
		seen[r.Backend] = true
		names = append(names, r.Backend)
	}
	return names
}

func match(routes []*Route, path string) *Match {
	reqSegments := splitPath(path)

	for _, route := range routes {
		params, ok := matchSegments(reqSegments, route.segments)
		if ok {
			return &Match{Route: route, PathParams: params}
		}
	}
	return nil
}

// matchSegments checks that the request path starts with the route's
// prefix, binding any param segments.
func matchSegments(reqSegments []string, prefix []segment) (map[string]string, bool) {
	if len(reqSegments) < len(prefix) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range prefix {
		if seg.param != "" {
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg.param] = reqSegments[i]
			continue
		}
		if reqSegments[i] != seg.literal {
			return nil, false
		}
	}
	return params, true
}

// StripPrefix removes the route's literal prefix from a request path for
// forwarding. Only the leading literal segments are stripped; from the
// first param segment on, the path is kept, because the backend needs the
// bound values ("/users/{userId}" forwards "/users/42/profile" as
// "/42/profile").
func (r *Route) StripPrefix(path string) string {
	literals := 0
	for _, seg := range r.segments {
		if seg.param != "" {
			break
		}
		literals++
	}

	reqSegments := splitPath(path)
	if len(reqSegments) <= literals {
		return "/"
	}
	return "/" + strings.Join(reqSegments[literals:], "/")
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func splitPrefix(prefix string) []segment {
	parts := splitPath(prefix)
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			segs = append(segs, segment{param: p[1 : len(p)-1]})
		} else {
			segs = append(segs, segment{literal: p})
		}
	}
	return segs
}
