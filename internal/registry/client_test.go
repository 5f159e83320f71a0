package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skyfleet/gateway/internal/registry"
	"github.com/skyfleet/gateway/internal/registry/memory"
)

func twoInstances(t *testing.T, reg *memory.Registry, service string) {
	t.Helper()
	ctx := context.Background()
	for _, inst := range []*registry.Instance{
		{ID: "a", Name: service, Address: "10.0.0.1", Port: 8080},
		{ID: "b", Name: service, Address: "10.0.0.2", Port: 8080},
	} {
		if err := reg.Register(ctx, inst); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
}

func TestPickRoundRobin(t *testing.T) {
	reg := memory.New()
	twoInstances(t, reg, "drone-service")

	client := registry.NewClient(reg, time.Minute, time.Minute)
	client.Track("drone-service")
	client.RefreshAll(context.Background())

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		inst, err := client.Pick("drone-service")
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		seen[inst.ID]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Errorf("round-robin distribution = %v", seen)
	}
}

func TestPickUnknownBackend(t *testing.T) {
	client := registry.NewClient(memory.New(), time.Minute, time.Minute)
	if _, err := client.Pick("nope"); !errors.Is(err, registry.ErrNoInstance) {
		t.Errorf("err = %v, want ErrNoInstance", err)
	}
}

func TestStaleServingWithinBound(t *testing.T) {
	reg := memory.New()
	twoInstances(t, reg, "drone-service")

	client := registry.NewClient(reg, time.Minute, time.Minute)
	client.Track("drone-service")
	client.RefreshAll(context.Background())

	// Registry goes down; refresh fails but the snapshot keeps serving.
	reg.SetFailing(true)
	client.RefreshAll(context.Background())

	if _, err := client.Pick("drone-service"); err != nil {
		t.Errorf("pick within staleness bound: %v", err)
	}
}

func TestStaleBeyondBound(t *testing.T) {
	reg := memory.New()
	twoInstances(t, reg, "drone-service")

	// Zero-ish staleness bound: anything cached is immediately stale.
	client := registry.NewClient(reg, time.Minute, time.Nanosecond)
	client.Track("drone-service")
	client.RefreshAll(context.Background())

	time.Sleep(time.Millisecond)
	if _, err := client.Pick("drone-service"); !errors.Is(err, registry.ErrNoInstance) {
		t.Errorf("err = %v, want ErrNoInstance past staleness bound", err)
	}
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	reg := memory.New()
	ctx := context.Background()
	reg.Register(ctx, &registry.Instance{ID: "a", Name: "svc", Address: "10.0.0.1", Port: 80})

	client := registry.NewClient(reg, time.Minute, time.Minute)
	client.Track("svc")
	client.RefreshAll(ctx)

	reg.Deregister(ctx, "a")
	reg.Register(ctx, &registry.Instance{ID: "b", Name: "svc", Address: "10.0.0.2", Port: 80})
	client.RefreshAll(ctx)

	inst, err := client.Pick("svc")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if inst.ID != "b" {
		t.Errorf("picked %s, want b after snapshot replacement", inst.ID)
	}
}
