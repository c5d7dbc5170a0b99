package lifecycle

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"funchost/internal/core/instances"
	"funchost/internal/core/runtime"
)

func fastConfig() Config {
	return Config{
		ReconcileInterval:  10 * time.Millisecond,
		HealthInterval:     10 * time.Millisecond,
		ProbeTimeout:       50 * time.Millisecond,
		StartupDeadline:    300 * time.Millisecond,
		UnhealthyThreshold: 2,
		BackoffBase:        10 * time.Millisecond,
		BackoffMax:         40 * time.Millisecond,
	}
}

func nopLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fakeRuntime simulates a container engine with controllable probe results.
type fakeRuntime struct {
	mu            sync.Mutex
	nextPort      int
	running       map[runtime.Handle]runtime.Endpoint
	health        map[string]runtime.Health // endpoint addr -> forced health
	defaultSick   bool                      // new endpoints never go healthy
	unavailable   bool
	starts, stops int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		nextPort: 42000,
		running:  map[runtime.Handle]runtime.Endpoint{},
		health:   map[string]runtime.Health{},
	}
}

func (f *fakeRuntime) Start(_ context.Context, _ runtime.ImageRef) (runtime.Handle, runtime.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return "", runtime.Endpoint{}, fmt.Errorf("engine down: %w", runtime.ErrUnavailable)
	}
	f.starts++
	f.nextPort++
	h := runtime.Handle(fmt.Sprintf("ctr-%d", f.nextPort))
	ep := runtime.Endpoint{Host: "127.0.0.1", Port: f.nextPort}
	f.running[h] = ep
	if f.defaultSick {
		f.health[ep.Addr()] = runtime.Unhealthy
	}
	return h, ep, nil
}

func (f *fakeRuntime) Stop(_ context.Context, h runtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[h]; ok {
		f.stops++
		delete(f.running, h)
	}
	return nil // duplicate stop is a no-op
}

func (f *fakeRuntime) Probe(_ context.Context, ep runtime.Endpoint) runtime.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.health[ep.Addr()]; ok {
		return h
	}
	for _, running := range f.running {
		if running.Addr() == ep.Addr() {
			return runtime.Healthy
		}
	}
	return runtime.Unhealthy
}

func (f *fakeRuntime) setHealth(addr string, h runtime.Health) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[addr] = h
}

func (f *fakeRuntime) setUnavailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = v
}

func (f *fakeRuntime) clearHealth() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = map[string]runtime.Health{}
}

func (f *fakeRuntime) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

const key = "GET /hello"

func setup(t *testing.T, desired int) (*fakeRuntime, *instances.Registry, *Manager, context.CancelFunc) {
	t.Helper()
	rt := newFakeRuntime()
	reg := instances.NewRegistry(nil, nil, nopLogger())
	reg.PublishImage(key, "app-1", 1, "img:v1")
	if err := reg.SetDesired(key, desired); err != nil {
		t.Fatalf("set desired: %v", err)
	}

	mgr := NewManager(rt, reg, fastConfig(), nopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.Wait()
	})
	return rt, reg, mgr, cancel
}

func healthyCount(reg *instances.Registry) int {
	snap, ok := reg.Snapshot(key)
	if !ok {
		return 0
	}
	return snap.HealthyCount()
}

func TestScalesUpToDesiredAndStops(t *testing.T) {
	rt, reg, _, _ := setup(t, 2)

	eventually(t, func() bool { return healthyCount(reg) == 2 }, "never reached 2 healthy")

	// No churn once converged.
	time.Sleep(100 * time.Millisecond)
	starts, stops := rt.counts()
	if starts != 2 || stops != 0 {
		t.Fatalf("converged state churned: starts=%d stops=%d", starts, stops)
	}
}

func TestUnhealthyInstanceReplacedExactlyOnce(t *testing.T) {
	rt, reg, _, _ := setup(t, 3)
	eventually(t, func() bool { return healthyCount(reg) == 3 }, "never reached 3 healthy")

	snap, _ := reg.Snapshot(key)
	victim := snap.HealthyInstances()[0]
	rt.setHealth(victim.Endpoint.Addr(), runtime.Unhealthy)

	eventually(t, func() bool {
		_, gone := reg.Get(victim.ID)
		return !gone && healthyCount(reg) == 3
	}, "unhealthy instance never replaced")

	starts, stops := rt.counts()
	if starts != 4 {
		t.Fatalf("starts = %d, want exactly 1 replacement beyond the initial 3", starts)
	}
	if stops != 1 {
		t.Fatalf("stops = %d, want exactly the failed instance", stops)
	}
}

func TestRollingReplacementNeverDropsBelowFloor(t *testing.T) {
	_, reg, mgr, _ := setup(t, 2)
	eventually(t, func() bool { return healthyCount(reg) == 2 }, "never reached 2 healthy")

	var mu sync.Mutex
	floorViolated := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 400; i++ {
			if healthyCount(reg) < 1 { // min(desired=2, 1)
				mu.Lock()
				floorViolated = true
				mu.Unlock()
			}
			time.Sleep(time.Millisecond)
		}
	}()

	reg.PublishImage(key, "app-1", 2, "img:v2")
	mgr.Kick(key)

	eventually(t, func() bool {
		snap, _ := reg.Snapshot(key)
		if snap.HealthyCount() != 2 {
			return false
		}
		for _, in := range snap.All {
			if in.ImageRef != "img:v2" {
				return false
			}
		}
		return true
	}, "rollout to v2 never completed")

	<-done
	mu.Lock()
	defer mu.Unlock()
	if floorViolated {
		t.Fatal("healthy count dropped below min(desired, 1) during rollout")
	}
}

func TestScaleToZeroDrainsRoute(t *testing.T) {
	rt, reg, mgr, _ := setup(t, 2)
	eventually(t, func() bool { return healthyCount(reg) == 2 }, "never reached 2 healthy")

	if err := reg.SetDesired(key, 0); err != nil {
		t.Fatalf("set desired: %v", err)
	}
	mgr.Kick(key)

	eventually(t, func() bool {
		snap, _ := reg.Snapshot(key)
		return len(snap.All) == 0
	}, "route never drained to zero")

	rt.mu.Lock()
	left := len(rt.running)
	rt.mu.Unlock()
	if left != 0 {
		t.Fatalf("%d containers still running after scale to zero", left)
	}
}

func TestStartupDeadlineStopsStuckInstance(t *testing.T) {
	rt := newFakeRuntime()
	rt.defaultSick = true // instances never pass a probe
	reg := instances.NewRegistry(nil, nil, nopLogger())
	reg.PublishImage(key, "app-1", 1, "img:v1")
	_ = reg.SetDesired(key, 1)

	mgr := NewManager(rt, reg, fastConfig(), nopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		mgr.Wait()
	}()
	mgr.Start(ctx)

	eventually(t, func() bool {
		_, stops := rt.counts()
		return stops >= 1
	}, "stuck Starting instance never hit the startup deadline")

	if n := healthyCount(reg); n != 0 {
		t.Fatalf("healthy = %d for an instance that never passed a probe", n)
	}
}

func TestRuntimeOutageDegradesRouteAndRecovers(t *testing.T) {
	rt, reg, _, _ := setup(t, 1)
	eventually(t, func() bool { return healthyCount(reg) == 1 }, "never reached 1 healthy")

	snap, _ := reg.Snapshot(key)
	victim := snap.HealthyInstances()[0]
	rt.setUnavailable(true)
	rt.setHealth(victim.Endpoint.Addr(), runtime.Unhealthy) // force a replacement attempt

	eventually(t, func() bool {
		s, _ := reg.Snapshot(key)
		return s.Degraded
	}, "route never marked degraded while the engine was down")

	rt.setUnavailable(false)
	rt.clearHealth()

	eventually(t, func() bool {
		s, _ := reg.Snapshot(key)
		return !s.Degraded && s.HealthyCount() == 1
	}, "route never recovered after the engine came back")
}
