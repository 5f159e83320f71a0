package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/skyfleet/gateway/internal/logging"
)

// serviceCache is the immutable per-service snapshot. Pickers read it
// through an atomic pointer and never take a lock; refresh publishes a new
// value wholesale.
type serviceCache struct {
	instances []*Instance
	fetchedAt time.Time
}

// Client caches healthy instances per backend name on top of a Registry.
//
// Selection is round-robin over the current snapshot. When the registry is
// unreachable the previous snapshot keeps serving until the staleness bound
// passes, after which Pick returns ErrNoInstance.
type Client struct {
	registry        Registry
	refreshInterval time.Duration
	stalenessBound  time.Duration

	mu       sync.Mutex // guards the services map shape, not the snapshots
	services map[string]*serviceEntry

	cancel context.CancelFunc
	done   chan struct{}
}

type serviceEntry struct {
	cache  atomic.Pointer[serviceCache]
	cursor atomic.Uint64
}

// NewClient creates a caching registry client. Call Start to begin the
// refresh loop and Track to declare the backend names to watch.
func NewClient(reg Registry, refreshInterval, stalenessBound time.Duration) *Client {
	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Second
	}
	if stalenessBound <= 0 {
		stalenessBound = 2 * time.Minute
	}
	return &Client{
		registry:        reg,
		refreshInterval: refreshInterval,
		stalenessBound:  stalenessBound,
		services:        make(map[string]*serviceEntry),
	}
}

// Track declares a backend name for discovery. Idempotent.
func (c *Client) Track(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.services[name]; !ok {
		c.services[name] = &serviceEntry{}
	}
}

// Start performs an initial refresh and launches the periodic refresh loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	c.RefreshAll(ctx)

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RefreshAll(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// RefreshAll re-queries the registry for every tracked backend. Transient
// registry errors are retried with exponential backoff within the refresh
// window; on persistent failure the stale snapshot is retained.
func (c *Client) RefreshAll(ctx context.Context) {
	for _, name := range c.tracked() {
		c.refreshOne(ctx, name)
	}
}

func (c *Client) tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	return names
}

func (c *Client) refreshOne(ctx context.Context, name string) {
	var instances []*Instance

	op := func() error {
		var err error
		instances, err = c.registry.Discover(ctx, name)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		logging.Warn("registry refresh failed, serving stale cache",
			zap.String("service", name),
			zap.Error(err),
		)
		return
	}

	entry := c.entry(name)
	entry.cache.Store(&serviceCache{
		instances: instances,
		fetchedAt: time.Now(),
	})
}

func (c *Client) entry(name string) *serviceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.services[name]
	if !ok {
		e = &serviceEntry{}
		c.services[name] = e
	}
	return e
}

// Pick returns the next instance for a backend using round-robin over the
// current snapshot. It never blocks and never queries the registry inline.
func (c *Client) Pick(name string) (*Instance, error) {
	c.mu.Lock()
	entry, ok := c.services[name]
	c.mu.Unlock()
	if !ok {
		return nil, ErrNoInstance
	}

	snap := entry.cache.Load()
	if snap == nil || len(snap.instances) == 0 {
		return nil, ErrNoInstance
	}
	if time.Since(snap.fetchedAt) > c.stalenessBound {
		return nil, ErrNoInstance
	}

	idx := entry.cursor.Add(1)
	return snap.instances[(idx-1)%uint64(len(snap.instances))], nil
}

// Instances returns the current snapshot for a backend (for introspection).
func (c *Client) Instances(name string) []*Instance {
	c.mu.Lock()
	entry, ok := c.services[name]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	snap := entry.cache.Load()
	if snap == nil {
		return nil
	}
	out := make([]*Instance, len(snap.instances))
	copy(out, snap.instances)
	return out
}

// Backends returns all tracked backend names.
func (c *Client) Backends() []string {
	return c.tracked()
}
