package instances

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funchost/internal/core/runtime"
	"funchost/pkg/rand"
)

var (
	ErrUnknownRoute    = errors.New("unknown route")
	ErrUnknownInstance = errors.New("unknown instance")
	ErrNegativeDesired = errors.New("desired count must not be negative")
)

// BadTransitionError reports an instance event that the state machine does
// not allow.
type BadTransitionError struct {
	From, To Health
}

func (e *BadTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// Snapshot is a consistent, read-only view of one route's state. It is safe
// to retain: all contained values are copies.
type Snapshot struct {
	RouteKey string
	AppID    string
	Version  int
	ImageRef runtime.ImageRef
	Desired  int
	Degraded bool
	Poisoned bool
	Gen      uint64
	All      []Instance
}

// HealthyInstances returns the instances eligible for dispatch.
func (s Snapshot) HealthyInstances() []Instance {
	var out []Instance
	for _, in := range s.All {
		if in.Health == Healthy {
			out = append(out, in)
		}
	}
	return out
}

func (s Snapshot) count(h Health) int {
	n := 0
	for _, in := range s.All {
		if in.Health == h {
			n++
		}
	}
	return n
}

// HealthyCount counts Healthy instances in the snapshot.
func (s Snapshot) HealthyCount() int { return s.count(Healthy) }

// StartingCount counts Starting instances in the snapshot.
func (s Snapshot) StartingCount() int { return s.count(Starting) }

type routeState struct {
	appID     string
	version   int
	imageRef  runtime.ImageRef
	desired   int
	degraded  bool
	poisoned  bool
	instances map[string]Instance
}

// Registry is the single source of truth for what should be running. It holds
// route -> {image ref, desired count, instance set} and exposes atomic
// mutations and linearizable snapshots. It contains no scheduling logic; the
// lifecycle manager owns all instance decisions.
type Registry struct {
	mu      sync.RWMutex
	routes  map[string]*routeState
	byID    map[string]string // instance ID -> route key
	gen     uint64
	sink    EventSink      // optional
	persist StatePersister // optional
	lg      zerolog.Logger
}

func NewRegistry(sink EventSink, persist StatePersister, lg zerolog.Logger) *Registry {
	return &Registry{
		routes:  map[string]*routeState{},
		byID:    map[string]string{},
		sink:    sink,
		persist: persist,
		lg:      lg.With().Str("component", "instance-registry").Logger(),
	}
}

// Seed installs route state loaded from durable storage without re-persisting
// it. Used at boot only.
func (r *Registry) Seed(key, appID string, version int, imageRef string, desired int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[key] = &routeState{
		appID:     appID,
		version:   version,
		imageRef:  runtime.ImageRef(imageRef),
		desired:   desired,
		instances: map[string]Instance{},
	}
	r.gen++
}

// PublishImage installs a new image reference for a route, creating the route
// if this is its first successful build. Existing instances keep their old
// ref; the lifecycle manager rolls them over.
func (r *Registry) PublishImage(key, appID string, version int, ref runtime.ImageRef) {
	r.mu.Lock()
	rs, ok := r.routes[key]
	if !ok {
		rs = &routeState{instances: map[string]Instance{}}
		r.routes[key] = rs
	}
	rs.appID = appID
	rs.version = version
	rs.imageRef = ref
	rs.poisoned = false
	r.gen++
	desired := rs.desired
	r.mu.Unlock()

	r.persistRoute(key, appID, version, string(ref), desired)
	r.lg.Info().Str("route", key).Str("image", string(ref)).
		Int("version", version).Msg("image published")
}

// SetDesired updates the desired instance count for a route.
func (r *Registry) SetDesired(key string, n int) error {
	if n < 0 {
		return ErrNegativeDesired
	}
	r.mu.Lock()
	rs, ok := r.routes[key]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownRoute
	}
	rs.desired = n
	r.gen++
	appID, version, ref := rs.appID, rs.version, rs.imageRef
	r.mu.Unlock()

	r.persistRoute(key, appID, version, string(ref), n)
	return nil
}

// MarkDegraded flags a route whose container runtime is unreachable.
func (r *Registry) MarkDegraded(key string, degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.routes[key]; ok && rs.degraded != degraded {
		rs.degraded = degraded
		r.gen++
	}
}

// Poison marks a route whose persisted state is unreadable. The dispatcher
// refuses poisoned routes; the rest of the host is unaffected.
func (r *Registry) Poison(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.routes[key]; ok {
		rs.poisoned = true
		r.gen++
	}
}

// Create records a new Starting instance for a route and returns a copy. The
// instance is invisible to the dispatcher until its first successful probe
// promotes it to Healthy.
func (r *Registry) Create(key string, ref runtime.ImageRef) (Instance, error) {
	r.mu.Lock()
	rs, ok := r.routes[key]
	if !ok {
		r.mu.Unlock()
		return Instance{}, ErrUnknownRoute
	}
	in := Instance{
		ID:        rand.ID16(),
		RouteKey:  key,
		ImageRef:  ref,
		Health:    Starting,
		StartedAt: time.Now().UTC(),
	}
	rs.instances[in.ID] = in
	r.byID[in.ID] = key
	r.gen++
	r.mu.Unlock()

	r.emit(Event{InstanceID: in.ID, RouteKey: key, From: Starting, To: Starting,
		Detail: "created", At: in.StartedAt})
	return in, nil
}

// SetEndpoint records where a started instance listens.
func (r *Registry) SetEndpoint(id string, h runtime.Handle, ep runtime.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byID[id]
	if !ok {
		return ErrUnknownInstance
	}
	in := r.routes[key].instances[id]
	in.Handle = h
	in.Endpoint = ep
	r.routes[key].instances[id] = in
	r.gen++
	return nil
}

// Transition applies one state-machine edge to an instance and appends the
// event to its log.
func (r *Registry) Transition(id string, to Health, detail string) error {
	r.mu.Lock()
	key, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownInstance
	}
	in := r.routes[key].instances[id]
	if !canTransition(in.Health, to) {
		r.mu.Unlock()
		return &BadTransitionError{From: in.Health, To: to}
	}
	from := in.Health
	in.Health = to
	if to == Healthy {
		in.Fails = 0
	}
	r.routes[key].instances[id] = in
	r.gen++
	r.mu.Unlock()

	r.emit(Event{InstanceID: id, RouteKey: key, From: from, To: to,
		Detail: detail, At: time.Now().UTC()})
	return nil
}

// RecordProbe updates probe bookkeeping and returns the instance copy. It
// does not change health state; the lifecycle manager decides transitions
// from the returned failure count.
func (r *Registry) RecordProbe(id string, ok bool) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, found := r.byID[id]
	if !found {
		return Instance{}, ErrUnknownInstance
	}
	in := r.routes[key].instances[id]
	in.LastProbe = time.Now().UTC()
	if ok {
		in.Fails = 0
	} else {
		in.Fails++
	}
	r.routes[key].instances[id] = in
	return in, nil
}

// Remove deletes a Stopped instance from the registry. Its event log remains
// in the sink.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.routes[key].instances, id)
	delete(r.byID, id)
	r.gen++
}

// Get returns a copy of one instance.
func (r *Registry) Get(id string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byID[id]
	if !ok {
		return Instance{}, false
	}
	in, ok := r.routes[key].instances[id]
	return in, ok
}

// Snapshot returns a consistent copy of one route's state. A reader never
// observes a half-updated instance set.
func (r *Registry) Snapshot(key string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.routes[key]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(key, rs), true
}

// Snapshots returns a consistent copy of every route's state.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.routes))
	for key, rs := range r.routes {
		out = append(out, r.snapshotLocked(key, rs))
	}
	return out
}

// HasRoute reports whether a route has ever published an image.
func (r *Registry) HasRoute(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[key]
	return ok
}

// RouteKeysForApp lists the routes currently owned by one app.
func (r *Registry) RouteKeysForApp(appID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for k, rs := range r.routes {
		if rs.appID == appID {
			keys = append(keys, k)
		}
	}
	return keys
}

// RouteKeys lists the routes the registry knows about.
func (r *Registry) RouteKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.routes))
	for k := range r.routes {
		keys = append(keys, k)
	}
	return keys
}

func (r *Registry) snapshotLocked(key string, rs *routeState) Snapshot {
	snap := Snapshot{
		RouteKey: key,
		AppID:    rs.appID,
		Version:  rs.version,
		ImageRef: rs.imageRef,
		Desired:  rs.desired,
		Degraded: rs.degraded,
		Poisoned: rs.poisoned,
		Gen:      r.gen,
		All:      make([]Instance, 0, len(rs.instances)),
	}
	for _, in := range rs.instances {
		snap.All = append(snap.All, in)
	}
	return snap
}

func (r *Registry) emit(ev Event) {
	if r.sink != nil {
		r.sink.Append(ev)
	}
	r.lg.Debug().Str("instance", ev.InstanceID).Str("route", ev.RouteKey).
		Str("from", ev.From.String()).Str("to", ev.To.String()).
		Str("detail", ev.Detail).Msg("instance event")
}

func (r *Registry) persistRoute(key, appID string, version int, ref string, desired int) {
	if r.persist != nil {
		r.persist.PersistRouteState(key, appID, version, ref, desired)
	}
}
