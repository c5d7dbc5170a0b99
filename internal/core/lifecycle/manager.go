// Package lifecycle reconciles desired versus actual instance counts per
// route: it starts and stops containers, drives health checks, replaces
// failed instances and performs zero-downtime rolling replacements when a new
// image is published.
package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funchost/internal/core/instances"
	"funchost/internal/core/runtime"
	"funchost/pkg/backoff"
)

// Config are the manager's timing knobs.
type Config struct {
	ReconcileInterval  time.Duration
	HealthInterval     time.Duration
	ProbeTimeout       time.Duration
	StartupDeadline    time.Duration
	UnhealthyThreshold int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 3 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.StartupDeadline <= 0 {
		c.StartupDeadline = 30 * time.Second
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Manager runs one reconciliation loop per route plus one health-check loop
// per instance. Reconciliation decisions for a route are strictly serialized;
// routes reconcile in parallel.
type Manager struct {
	rt  runtime.Runner
	reg *instances.Registry
	cfg Config
	lg  zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	loops  map[string]*routeLoop
	nudges map[string]chan struct{}
	wg     sync.WaitGroup
}

type routeLoop struct {
	key  string
	kick chan struct{}

	// loop-goroutine local: start throttling while the runtime is down
	bo            *backoff.Backoff
	degradedUntil time.Time
}

func NewManager(rt runtime.Runner, reg *instances.Registry, cfg Config, lg zerolog.Logger) *Manager {
	return &Manager{
		rt:     rt,
		reg:    reg,
		cfg:    cfg.withDefaults(),
		lg:     lg.With().Str("component", "lifecycle-manager").Logger(),
		loops:  map[string]*routeLoop{},
		nudges: map[string]chan struct{}{},
	}
}

// Start binds the manager to ctx and spawns loops for routes already known to
// the registry. Further routes are picked up via EnsureRoute.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	for _, key := range m.reg.RouteKeys() {
		m.EnsureRoute(key)
	}
}

// Wait blocks until every loop has exited after Start's ctx was canceled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// EnsureRoute guarantees a reconciliation loop exists for key and wakes it.
func (m *Manager) EnsureRoute(key string) {
	m.mu.Lock()
	if m.ctx == nil {
		m.mu.Unlock()
		return
	}
	l, ok := m.loops[key]
	if !ok {
		l = &routeLoop{
			key:  key,
			kick: make(chan struct{}, 1),
			bo:   backoff.New(m.cfg.BackoffBase, m.cfg.BackoffMax),
		}
		m.loops[key] = l
		m.wg.Add(1)
		go m.runLoop(l)
	}
	m.mu.Unlock()
	if ok {
		m.Kick(key)
	}
}

// Kick wakes a route's loop without waiting for the next tick.
func (m *Manager) Kick(key string) {
	m.mu.Lock()
	l, ok := m.loops[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// NudgeProbe asks for an immediate health check of one instance. The
// dispatcher calls this for instances that failed a forwarded request; health
// determination stays here, off the hot path.
func (m *Manager) NudgeProbe(instanceID string) {
	m.mu.Lock()
	ch, ok := m.nudges[instanceID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// StopAll stops every instance the registry knows about. Used on host
// shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, snap := range m.reg.Snapshots() {
		for _, in := range snap.All {
			if in.Health == instances.Stopped {
				continue
			}
			if err := m.rt.Stop(ctx, in.Handle); err != nil {
				m.lg.Error().Err(err).Str("instance", in.ID).Msg("stop during shutdown")
			}
		}
	}
}

func (m *Manager) runLoop(l *routeLoop) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		m.reconcile(l)
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-l.kick:
		}
	}
}

// reconcile performs one serialized pass for a route: scale up, roll over
// instances on a superseded image, scale down.
func (m *Manager) reconcile(l *routeLoop) {
	snap, ok := m.reg.Snapshot(l.key)
	if !ok || snap.Poisoned || snap.ImageRef == "" {
		return
	}
	desired := snap.Desired

	var cur, old []instances.Instance
	for _, in := range snap.All {
		if in.ImageRef == snap.ImageRef {
			cur = append(cur, in)
		} else {
			old = append(old, in)
		}
	}
	curHealthy, curStarting := count(cur, instances.Healthy), count(cur, instances.Starting)

	// Scale up toward desired with the current image.
	if short := desired - (curHealthy + curStarting); short > 0 && time.Now().After(l.degradedUntil) {
		for i := 0; i < short; i++ {
			if !m.startOne(l, snap.ImageRef) {
				break
			}
		}
	}

	// Rolling replacement: instances on a superseded image are stopped as
	// soon as the new image holds at least min(desired, 1) healthy capacity.
	// Starting/Unhealthy old instances carry no capacity and go immediately.
	floor := min(desired, 1)
	for _, in := range old {
		switch in.Health {
		case instances.Starting, instances.Unhealthy:
			m.stopInstance(in.ID, "superseded image")
		case instances.Healthy:
			if curHealthy >= floor {
				m.stopInstance(in.ID, "rolling replacement")
			}
		}
	}

	// Scale down: stop the oldest non-serving instances first to preserve
	// healthy capacity.
	if excess := (curHealthy + curStarting) - desired; excess > 0 {
		candidates := stopOrder(cur)
		for i := 0; i < excess && i < len(candidates); i++ {
			m.stopInstance(candidates[i].ID, "scaling down")
		}
	}
	if desired == 0 {
		for _, in := range cur {
			if in.Health == instances.Unhealthy {
				m.stopInstance(in.ID, "scaling to zero")
			}
		}
	}
}

// startOne creates and starts a single instance synchronously, keeping
// per-route decisions serialized. Reports false when the pass should stop
// starting more.
func (m *Manager) startOne(l *routeLoop, ref runtime.ImageRef) bool {
	in, err := m.reg.Create(l.key, ref)
	if err != nil {
		return false
	}

	handle, ep, err := m.rt.Start(m.ctx, ref)
	if err != nil {
		_ = m.reg.Transition(in.ID, instances.Stopping, "start failed: "+err.Error())
		_ = m.reg.Transition(in.ID, instances.Stopped, "")
		m.reg.Remove(in.ID)
		if errors.Is(err, runtime.ErrUnavailable) {
			// The engine itself is down: mark the route Degraded and retry
			// with exponential backoff instead of hammering it.
			m.reg.MarkDegraded(l.key, true)
			l.degradedUntil = time.Now().Add(l.bo.Next())
			m.lg.Warn().Err(err).Str("route", l.key).
				Time("retry_after", l.degradedUntil).Msg("runtime unavailable, route degraded")
		} else {
			m.lg.Error().Err(err).Str("route", l.key).Msg("instance start failed")
		}
		return false
	}

	m.reg.MarkDegraded(l.key, false)
	l.bo.Reset()
	l.degradedUntil = time.Time{}

	_ = m.reg.SetEndpoint(in.ID, handle, ep)
	m.watch(in.ID, l.key)
	m.lg.Info().Str("route", l.key).Str("instance", in.ID).
		Str("endpoint", ep.Addr()).Msg("instance starting")
	return true
}

// watch runs the per-instance health-check loop on a fixed interval,
// independent of reconciliation.
func (m *Manager) watch(id, key string) {
	nudge := make(chan struct{}, 1)
	m.mu.Lock()
	m.nudges[id] = nudge
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.nudges, id)
			m.mu.Unlock()
		}()

		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
			case <-nudge:
			}
			if !m.probeOnce(id, key) {
				return
			}
		}
	}()
}

// probeOnce performs one health check. Reports false when the watch loop
// should exit.
func (m *Manager) probeOnce(id, key string) bool {
	in, ok := m.reg.Get(id)
	if !ok || in.Health == instances.Stopping || in.Health == instances.Stopped {
		return false
	}

	pctx, cancel := context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
	health := m.rt.Probe(pctx, in.Endpoint)
	cancel()

	if health == runtime.Healthy {
		_, _ = m.reg.RecordProbe(id, true)
		if in.Health == instances.Starting || in.Health == instances.Unhealthy {
			if err := m.reg.Transition(id, instances.Healthy, "probe ok"); err == nil {
				m.Kick(key)
			}
		}
		return true
	}

	after, err := m.reg.RecordProbe(id, false)
	if err != nil {
		return false
	}
	switch in.Health {
	case instances.Starting:
		if time.Since(in.StartedAt) > m.cfg.StartupDeadline {
			m.stopInstance(id, "startup deadline exceeded")
			return false
		}
	case instances.Healthy:
		_ = m.reg.Transition(id, instances.Unhealthy, "probe failed")
	case instances.Unhealthy:
		if after.Fails >= m.cfg.UnhealthyThreshold {
			m.stopInstance(id, "unhealthy threshold exceeded")
			return false
		}
	}
	return true
}

// stopInstance drives Stopping -> Stopped and releases the record. Stop on
// the runtime is idempotent, so concurrent stop attempts are harmless.
func (m *Manager) stopInstance(id, reason string) {
	in, ok := m.reg.Get(id)
	if !ok {
		return
	}
	if err := m.reg.Transition(id, instances.Stopping, reason); err != nil {
		return // already stopping elsewhere
	}
	if in.Handle != "" {
		if err := m.rt.Stop(m.ctx, in.Handle); err != nil {
			if errors.Is(err, runtime.ErrUnavailable) {
				m.reg.MarkDegraded(in.RouteKey, true)
			}
			m.lg.Error().Err(err).Str("instance", id).Msg("instance stop failed")
		}
	}
	_ = m.reg.Transition(id, instances.Stopped, "")
	m.reg.Remove(id)
	m.Kick(in.RouteKey)
	m.lg.Info().Str("instance", id).Str("route", in.RouteKey).
		Str("reason", reason).Msg("instance stopped")
}

func count(ins []instances.Instance, h instances.Health) int {
	n := 0
	for _, in := range ins {
		if in.Health == h {
			n++
		}
	}
	return n
}

// stopOrder sorts scale-down candidates: Starting before Unhealthy before
// Healthy, oldest first within each class.
func stopOrder(ins []instances.Instance) []instances.Instance {
	rank := func(h instances.Health) int {
		switch h {
		case instances.Starting:
			return 0
		case instances.Unhealthy:
			return 1
		case instances.Healthy:
			return 2
		}
		return 3
	}
	out := make([]instances.Instance, 0, len(ins))
	for _, in := range ins {
		if in.Health == instances.Starting || in.Health == instances.Unhealthy || in.Health == instances.Healthy {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if rank(out[i].Health) != rank(out[j].Health) {
			return rank(out[i].Health) < rank(out[j].Health)
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
