// Package health tracks backend health observations. The log is advisory:
// routing decisions come from the registry, not from here.
package health

import (
	"sync"
	"time"
)

// Outcome classifies one forward attempt or probe.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeTimeout Outcome = "timeout"
	OutcomeRefused Outcome = "refused"
	Outcome5xx     Outcome = "5xx"
)

// Observation is one (backend, instance, outcome) data point.
type Observation struct {
	Backend    string    `json:"backend"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
	Outcome    Outcome   `json:"outcome"`
}

// DefaultLogCapacity bounds the rolling window scanned by availability
// queries.
const DefaultLogCapacity = 4096

// Log is an append-only ring of observations shared by the proxy engine
// and the liveness prober.
type Log struct {
	mu    sync.Mutex
	buf   []Observation
	next  int
	count int
}

// NewLog creates a ring with the given capacity (DefaultLogCapacity if
// non-positive).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Log{buf: make([]Observation, capacity)}
}

// Record appends an observation, overwriting the oldest entry when full.
func (l *Log) Record(obs Observation) {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}
	l.mu.Lock()
	l.buf[l.next] = obs
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
	l.mu.Unlock()
}

// Window returns observations for a backend newer than since, oldest
// first. An empty backend selects all backends.
func (l *Log) Window(backend string, since time.Time) []Observation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Observation, 0, l.count)
	start := l.next - l.count
	for i := 0; i < l.count; i++ {
		idx := (start + i + len(l.buf)) % len(l.buf)
		obs := l.buf[idx]
		if backend != "" && obs.Backend != backend {
			continue
		}
		if obs.Timestamp.Before(since) {
			continue
		}
		out = append(out, obs)
	}
	return out
}

// Availability summarizes a backend's rolling window.
type Availability struct {
	Backend      string  `json:"backend"`
	WindowHours  float64 `json:"window_hours"`
	Observations int     `json:"observations"`
	Successes    int     `json:"successes"`
	Ratio        float64 `json:"ratio"`
}

// AvailabilityFor computes the success ratio for a backend over the given
// window. With no observations the ratio reports 1.0: absence of evidence
// is not an outage.
func (l *Log) AvailabilityFor(backend string, window time.Duration) Availability {
	obs := l.Window(backend, time.Now().Add(-window))

	a := Availability{
		Backend:      backend,
		WindowHours:  window.Hours(),
		Observations: len(obs),
		Ratio:        1.0,
	}
	for _, o := range obs {
		if o.Outcome == OutcomeOK {
			a.Successes++
		}
	}
	if a.Observations > 0 {
		a.Ratio = float64(a.Successes) / float64(a.Observations)
	}
	return a
}

// LastOutcome returns the most recent observation for a backend, if any.
func (l *Log) LastOutcome(backend string) (Observation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 1; i <= l.count; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		if l.buf[idx].Backend == backend {
			return l.buf[idx], true
		}
	}
	return Observation{}, false
}
