package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet/gateway/internal/logging"
	"github.com/skyfleet/gateway/internal/registry"
)

// Prober runs periodic liveness probes against every known backend
// instance and records the outcomes in the observation log.
type Prober struct {
	registry *registry.Client
	log      *Log
	client   *http.Client
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober over the registry client's tracked backends.
func NewProber(reg *registry.Client, log *Log, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		registry: reg,
		log:      log,
		interval: interval,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Start launches the probe loop.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
}

// Stop halts the probe loop.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range p.registry.Backends() {
		for _, inst := range p.registry.Instances(name) {
			wg.Add(1)
			go func(name string, inst *registry.Instance) {
				defer wg.Done()
				p.probeOne(ctx, name, inst)
			}(name, inst)
		}
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, name string, inst *registry.Instance) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.URL()+"/health", nil)
	if err != nil {
		return
	}

	resp, err := p.client.Do(req)
	outcome := ClassifyError(err)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			outcome = Outcome5xx
		} else {
			outcome = OutcomeOK
		}
	}

	p.log.Record(Observation{
		Backend:    name,
		InstanceID: inst.ID,
		Outcome:    outcome,
	})

	if outcome != OutcomeOK {
		logging.Debug("liveness probe failed",
			zap.String("backend", name),
			zap.String("instance", inst.ID),
			zap.String("outcome", string(outcome)),
		)
	}
}

// ClassifyError maps a transport error to an observation outcome.
func ClassifyError(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeRefused
}
