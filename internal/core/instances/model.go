package instances

import (
	"fmt"
	"time"

	"funchost/internal/core/runtime"
)

// Health is the lifecycle state of one container instance.
type Health int

const (
	Starting Health = iota
	Healthy
	Unhealthy
	Stopping
	Stopped
)

func (h Health) String() string {
	switch h {
	case Starting:
		return "starting"
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("health(%d)", int(h))
}

// transitions is the instance state machine. Starting -> Stopping covers the
// startup-deadline edge; Unhealthy -> Healthy covers probe recovery.
var transitions = map[Health][]Health{
	Starting:  {Healthy, Stopping},
	Healthy:   {Unhealthy, Stopping},
	Unhealthy: {Healthy, Stopping},
	Stopping:  {Stopped},
	Stopped:   {},
}

func canTransition(from, to Health) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Instance is one running container bound to an image reference. Values are
// copied out of the registry; only the registry mutates them.
type Instance struct {
	ID        string
	RouteKey  string
	ImageRef  runtime.ImageRef
	Handle    runtime.Handle
	Endpoint  runtime.Endpoint
	Health    Health
	Fails     int // consecutive failed probes
	LastProbe time.Time
	StartedAt time.Time
}

// Event is one entry of the append-only per-instance lifecycle log.
type Event struct {
	InstanceID string
	RouteKey   string
	From       Health
	To         Health
	Detail     string
	At         time.Time
}

// EventRecord is the persisted form of Event.
type EventRecord struct {
	ID         uint   `gorm:"primaryKey"`
	InstanceID string `gorm:"index"`
	RouteKey   string
	FromState  string
	ToState    string
	Detail     string
	CreatedAt  time.Time
}

// EventSink receives lifecycle events for durable append. Implementations
// must not block the registry for long.
type EventSink interface {
	Append(ev Event)
}

// StatePersister receives route-level state changes (image ref, desired
// count) for durable storage.
type StatePersister interface {
	PersistRouteState(key, appID string, version int, imageRef string, desired int)
}
