package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrNotFound reports a missing app or route.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a registration synchronously. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// reservedPrefixes are owned by the host API and can never be bound to a
// function app.
var reservedPrefixes = []string{"/apps", "/routes", "/swagger", "/hello"}

// RegisterRequest is the manifest a registration call submits.
type RegisterRequest struct {
	Name        string
	Routes      []RouteSpec
	BuildConfig map[string]string
}

type RouteSpec struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// AppSummary is the list view of a registered app.
type AppSummary struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Version     int         `json:"version"`
	BuildStatus BuildStatus `json:"build_status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Store owns the manifest and route model: registered apps, their route
// bindings and build records. Route lookup is served from an in-memory index
// kept consistent with the database under the store's lock.
type Store struct {
	db *gorm.DB
	lg zerolog.Logger

	mu    sync.RWMutex
	index *routeIndex
}

func NewStore(db *gorm.DB, lg zerolog.Logger) (*Store, error) {
	s := &Store{
		db:    db,
		lg:    lg.With().Str("component", "app-store").Logger(),
		index: newRouteIndex(),
	}

	var bindings []RouteBinding
	if err := db.Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("load route bindings: %w", err)
	}
	for _, b := range bindings {
		s.index.put(b)
	}
	return s, nil
}

// Register validates the manifest, assigns the next version for the app name
// and persists it. It returns immediately; the build runs asynchronously.
//
// Conflict policy: a binding whose (method, path) is already owned by another
// app is atomically transferred to the new registration.
func (s *Store) Register(ctx context.Context, req RegisterRequest) (*FunctionApp, []RouteBinding, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}

	cfg, err := json.Marshal(req.BuildConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("encode build config: %w", err)
	}

	var app FunctionApp
	var bindings []RouteBinding

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch err := tx.Where("name = ?", req.Name).First(&app).Error; {
		case err == nil:
			app.Version++
		case errors.Is(err, gorm.ErrRecordNotFound):
			app = FunctionApp{ID: uuid.NewString(), Name: req.Name, Version: 1}
		default:
			return err
		}
		app.BuildConfig = string(cfg)
		if err := tx.Save(&app).Error; err != nil {
			return err
		}

		// Drop the app's previous bindings and any binding another app holds
		// on a contested key, then insert the new set.
		if err := tx.Where("app_id = ?", app.ID).Delete(&RouteBinding{}).Error; err != nil {
			return err
		}
		for _, r := range req.Routes {
			if err := tx.Where("method = ? AND path = ?", r.Method, r.Path).
				Delete(&RouteBinding{}).Error; err != nil {
				return err
			}
			b := RouteBinding{
				AppID:   app.ID,
				Version: app.Version,
				Method:  r.Method,
				Path:    r.Path,
			}
			if err := tx.Create(&b).Error; err != nil {
				return err
			}
			bindings = append(bindings, b)
		}

		rec := BuildRecord{AppID: app.ID, Version: app.Version, Status: BuildPending}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return nil, nil, fmt.Errorf("persist registration: %w", err)
	}

	s.mu.Lock()
	s.index.dropApp(app.ID)
	for _, b := range bindings {
		s.index.put(b)
	}
	s.mu.Unlock()

	s.lg.Info().Str("app_id", app.ID).Str("name", app.Name).
		Int("version", app.Version).Int("routes", len(bindings)).
		Msg("registration accepted")
	return &app, bindings, nil
}

// LookupRoute resolves method+path to its owning binding. Exact matches win
// over prefix matches; longer prefixes win over shorter; contested keys
// belong to the most recent registration.
func (s *Store) LookupRoute(method, path string) (RouteBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.index.lookup(method, path)
	if !ok {
		return RouteBinding{}, ErrNotFound
	}
	return b, nil
}

// Routes returns a copy of every active binding.
func (s *Store) Routes() []RouteBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.all()
}

// List returns summaries of all registered apps with their latest build state.
func (s *Store) List(ctx context.Context) ([]AppSummary, error) {
	var all []FunctionApp
	if err := s.db.WithContext(ctx).Order("created_at").Find(&all).Error; err != nil {
		return nil, err
	}
	out := make([]AppSummary, 0, len(all))
	for _, a := range all {
		sum := AppSummary{ID: a.ID, Name: a.Name, Version: a.Version, CreatedAt: a.CreatedAt}
		if rec, err := s.Build(ctx, a.ID, a.Version); err == nil {
			sum.BuildStatus = rec.Status
		}
		out = append(out, sum)
	}
	return out, nil
}

// Get returns one app by ID.
func (s *Store) Get(ctx context.Context, id string) (*FunctionApp, error) {
	var app FunctionApp
	if err := s.db.WithContext(ctx).First(&app, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &app, nil
}

// IDByName resolves an app name to its ID.
func (s *Store) IDByName(ctx context.Context, name string) (string, error) {
	var app FunctionApp
	if err := s.db.WithContext(ctx).First(&app, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return app.ID, nil
}

// Bindings returns the active bindings of one app.
func (s *Store) Bindings(appID string) []RouteBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RouteBinding
	for _, b := range s.index.all() {
		if b.AppID == appID {
			out = append(out, b)
		}
	}
	return out
}

// LatestVersion returns the currently registered version of an app. The build
// pipeline uses it to discard stale builds.
func (s *Store) LatestVersion(ctx context.Context, appID string) (int, error) {
	app, err := s.Get(ctx, appID)
	if err != nil {
		return 0, err
	}
	return app.Version, nil
}

// Build returns the build record of one app version.
func (s *Store) Build(ctx context.Context, appID string, version int) (*BuildRecord, error) {
	var rec BuildRecord
	err := s.db.WithContext(ctx).
		Where("app_id = ? AND version = ?", appID, version).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// SetBuildStatus records a build pipeline transition for one app version.
func (s *Store) SetBuildStatus(ctx context.Context, appID string, version int, status BuildStatus, imageRef, diagnostic string) error {
	res := s.db.WithContext(ctx).Model(&BuildRecord{}).
		Where("app_id = ? AND version = ?", appID, version).
		Updates(map[string]any{
			"status":     status,
			"image_ref":  imageRef,
			"diagnostic": diagnostic,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSourcePath records where the staged bundle for an app lives on disk.
func (s *Store) SetSourcePath(ctx context.Context, appID, path string) error {
	return s.db.WithContext(ctx).Model(&FunctionApp{}).
		Where("id = ?", appID).Update("source_path", path).Error
}

// SaveRouteState persists the durable route -> image/desired mapping.
func (s *Store) SaveRouteState(ctx context.Context, st RouteState) error {
	st.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Save(&st).Error
}

// LoadRouteStates returns every persisted route state for boot-time seeding.
func (s *Store) LoadRouteStates(ctx context.Context) ([]RouteState, error) {
	var states []RouteState
	if err := s.db.WithContext(ctx).Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

// DeleteRouteState removes a route that no longer has an owner.
func (s *Store) DeleteRouteState(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&RouteState{}, "key = ?", key).Error
}

func validate(req RegisterRequest) error {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	for _, r := range name {
		if r != '-' && r != '_' && !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') {
			return &ValidationError{Field: "name", Reason: "must be lowercase alphanumeric, '-' or '_'"}
		}
	}
	if len(req.Routes) == 0 {
		return &ValidationError{Field: "routes", Reason: "at least one route binding is required"}
	}
	seen := map[string]bool{}
	for _, r := range req.Routes {
		if !allowedMethods[r.Method] {
			return &ValidationError{Field: "routes", Reason: fmt.Sprintf("unsupported method %q", r.Method)}
		}
		if !strings.HasPrefix(r.Path, "/") {
			return &ValidationError{Field: "routes", Reason: fmt.Sprintf("path %q must start with '/'", r.Path)}
		}
		if strings.Contains(r.Path, "//") || strings.ContainsAny(r.Path, " \t") {
			return &ValidationError{Field: "routes", Reason: fmt.Sprintf("malformed path %q", r.Path)}
		}
		for _, p := range reservedPrefixes {
			if r.Path == p || strings.HasPrefix(r.Path, p+"/") {
				return &ValidationError{Field: "routes", Reason: fmt.Sprintf("path %q is reserved", r.Path)}
			}
		}
		k := r.Method + " " + r.Path
		if seen[k] {
			return &ValidationError{Field: "routes", Reason: fmt.Sprintf("duplicate binding %s", k)}
		}
		seen[k] = true
	}
	return nil
}
