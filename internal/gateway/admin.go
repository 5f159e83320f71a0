package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/skyfleet/gateway/internal/errors"
	"github.com/skyfleet/gateway/internal/health"
	"github.com/skyfleet/gateway/internal/hub"
	"github.com/skyfleet/gateway/internal/metrics"
	"github.com/skyfleet/gateway/internal/registry"
	"github.com/skyfleet/gateway/internal/router"
)

// Admin is the introspection surface, served on its own port.
type Admin struct {
	registry     *registry.Client
	observations *health.Log
	hub          *hub.Hub
	table        *router.Table
	collector    *metrics.Collector
	startedAt    time.Time
}

// NewAdmin creates the admin surface.
func NewAdmin(reg *registry.Client, obs *health.Log, h *hub.Hub, table *router.Table, collector *metrics.Collector) *Admin {
	return &Admin{
		registry:     reg,
		observations: obs,
		hub:          h,
		table:        table,
		collector:    collector,
		startedAt:    time.Now(),
	}
}

// Handler builds the admin router.
func (a *Admin) Handler() http.Handler {
	r := httprouter.New()
	r.HandlerFunc(http.MethodGet, "/health", a.liveness)
	r.HandlerFunc(http.MethodGet, "/health/system", a.system)
	r.HandlerFunc(http.MethodGet, "/health/services", a.services)
	r.GET("/health/services/:name", a.service)
	r.GET("/health/services/:name/availability", a.availability)
	r.HandlerFunc(http.MethodGet, "/routes", a.routes)
	r.HandlerFunc(http.MethodPost, "/refresh", a.refresh)
	r.Handler(http.MethodGet, "/metrics", a.collector.Handler())
	return r
}

func (a *Admin) liveness(w http.ResponseWriter, r *http.Request) {
	errors.WriteOK(w, r, http.StatusOK, "ok", map[string]any{
		"uptime_seconds": int(time.Since(a.startedAt).Seconds()),
	})
}

// serviceStatus is one backend's view in the system and service reports.
type serviceStatus struct {
	Name        string               `json:"name"`
	Instances   []*registry.Instance `json:"instances"`
	LastOutcome string               `json:"last_outcome,omitempty"`
	Available   bool                 `json:"available"`
}

func (a *Admin) statusFor(name string) serviceStatus {
	s := serviceStatus{
		Name:      name,
		Instances: a.registry.Instances(name),
	}
	s.Available = len(s.Instances) > 0
	if obs, ok := a.observations.LastOutcome(name); ok {
		s.LastOutcome = string(obs.Outcome)
		if obs.Outcome != health.OutcomeOK {
			s.Available = false
		}
	}
	return s
}

func (a *Admin) system(w http.ResponseWriter, r *http.Request) {
	sockets, subscriptions := a.hub.Counts()

	backends := make([]serviceStatus, 0)
	degraded := 0
	for _, name := range a.registry.Backends() {
		s := a.statusFor(name)
		if !s.Available {
			degraded++
		}
		backends = append(backends, s)
	}

	status := "healthy"
	if degraded > 0 {
		status = "degraded"
	}
	errors.WriteOK(w, r, http.StatusOK, "system health", map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(a.startedAt).Seconds()),
		"sockets":        sockets,
		"subscriptions":  subscriptions,
		"backends":       backends,
	})
}

func (a *Admin) services(w http.ResponseWriter, r *http.Request) {
	out := make([]serviceStatus, 0)
	for _, name := range a.registry.Backends() {
		out = append(out, a.statusFor(name))
	}
	errors.WriteOK(w, r, http.StatusOK, "backend services", out)
}

func (a *Admin) service(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if !a.tracked(name) {
		errors.New(http.StatusNotFound, "unknown service").WriteJSON(w, r)
		return
	}
	errors.WriteOK(w, r, http.StatusOK, "service health", a.statusFor(name))
}

func (a *Admin) availability(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if !a.tracked(name) {
		errors.New(http.StatusNotFound, "unknown service").WriteJSON(w, r)
		return
	}

	hours := 1
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 24*30 {
			errors.ErrBadRequest.WithDetail("hours must be a positive integer").WriteJSON(w, r)
			return
		}
		hours = n
	}

	report := a.observations.AvailabilityFor(name, time.Duration(hours)*time.Hour)
	errors.WriteOK(w, r, http.StatusOK, "availability", report)
}

func (a *Admin) tracked(name string) bool {
	for _, n := range a.registry.Backends() {
		if n == name {
			return true
		}
	}
	return false
}

// routeView is the introspection shape of one route table entry.
type routeView struct {
	ID        string `json:"id"`
	Prefix    string `json:"prefix"`
	Transport string `json:"transport"`
	Backend   string `json:"backend"`
	Policy    string `json:"policy"`
	TimeoutMS int64  `json:"timeout_ms"`
	Retries   int    `json:"retries"`
}

func (a *Admin) routes(w http.ResponseWriter, r *http.Request) {
	all := a.table.Routes()
	out := make([]routeView, 0, len(all))
	for _, route := range all {
		out = append(out, routeView{
			ID:        route.ID,
			Prefix:    route.Prefix,
			Transport: route.Transport,
			Backend:   route.Backend,
			Policy:    route.Policy.Kind,
			TimeoutMS: route.Timeout.Milliseconds(),
			Retries:   route.Retries,
		})
	}
	errors.WriteOK(w, r, http.StatusOK, "route table", out)
}

func (a *Admin) refresh(w http.ResponseWriter, r *http.Request) {
	a.registry.RefreshAll(r.Context())
	errors.WriteOK(w, r, http.StatusOK, "registry cache refreshed", nil)
}
