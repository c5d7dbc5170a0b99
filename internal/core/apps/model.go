package apps

import "time"

// FunctionApp is one registered unit of user code. Re-registering the same
// name supersedes the previous version and triggers a rebuild.
type FunctionApp struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex" json:"name"`
	Version     int       `json:"version"`
	SourcePath  string    `json:"-"` // host path of the staged source bundle
	BuildConfig string    `json:"-"` // JSON-encoded key/value build settings
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RouteBinding maps one HTTP method+path to a function app version. Seq is
// the registration order; the highest Seq owns a contested key.
type RouteBinding struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	AppID     string    `gorm:"index" json:"app_id"`
	Version   int       `json:"version"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Key is the canonical route identity used across the registry and dispatcher.
func (r RouteBinding) Key() string {
	return r.Method + " " + r.Path
}

// BuildStatus tracks the build pipeline outcome for one app version.
type BuildStatus string

const (
	BuildPending    BuildStatus = "pending"
	BuildRunning    BuildStatus = "building"
	BuildSucceeded  BuildStatus = "succeeded"
	BuildFailed     BuildStatus = "failed"
	BuildSuperseded BuildStatus = "superseded"
)

// BuildRecord is the immutable outcome of one build. Failed records retain
// the toolchain diagnostic verbatim for debugging.
type BuildRecord struct {
	ID         uint        `gorm:"primaryKey" json:"-"`
	AppID      string      `gorm:"index" json:"app_id"`
	Version    int         `json:"version"`
	Status     BuildStatus `json:"status"`
	ImageRef   string      `json:"image_ref,omitempty"`
	Diagnostic string      `json:"diagnostic,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// RouteState is the durable route -> image/desired-count mapping the instance
// registry is seeded from on boot.
type RouteState struct {
	Key       string `gorm:"primaryKey"`
	AppID     string
	Version   int
	ImageRef  string
	Desired   int
	UpdatedAt time.Time
}
