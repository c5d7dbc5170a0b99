package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"

	"funchost/internal/core/apps"
	"funchost/internal/core/build"
	"funchost/internal/core/instances"
)

// Store is the slice of the app store the API serves from.
type Store interface {
	Register(ctx context.Context, req apps.RegisterRequest) (*apps.FunctionApp, []apps.RouteBinding, error)
	List(ctx context.Context) ([]apps.AppSummary, error)
	Get(ctx context.Context, id string) (*apps.FunctionApp, error)
	IDByName(ctx context.Context, name string) (string, error)
	Bindings(appID string) []apps.RouteBinding
	Routes() []apps.RouteBinding
	Build(ctx context.Context, appID string, version int) (*apps.BuildRecord, error)
	SetBuildStatus(ctx context.Context, appID string, version int, status apps.BuildStatus, imageRef, diagnostic string) error
}

// Builds accepts build jobs.
type Builds interface {
	Submit(job build.Job) error
}

// Views reads route state for the status endpoints.
type Views interface {
	Snapshot(key string) (instances.Snapshot, bool)
	SetDesired(key string, n int) error
}

// Scaler wakes the lifecycle manager after a scale change.
type Scaler interface {
	Kick(key string)
}

type Handler struct {
	store    Store
	builds   Builds
	views    Views
	scaler   Scaler
	dispatch http.Handler
	lg       zerolog.Logger
}

func NewHandler(store Store, builds Builds, views Views, scaler Scaler, dispatch http.Handler, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := &Handler{store: store, builds: builds, views: views, scaler: scaler, dispatch: dispatch, lg: lg}

	r.Route("/apps", func(r chi.Router) {
		r.Post("/", h.handleRegister)
		r.Get("/", h.handleList)
		r.Get("/name/{appName}/id", h.handleIDByName)
		r.Get("/{appID}", h.handleGet)
		r.Get("/{appID}/status", h.handleStatus)
		r.Post("/{appID}/scale", h.handleScale)
	})
	r.Get("/routes", h.handleRoutes)
	r.Get("/hello", h.handleHello)
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	// Everything else is function traffic.
	r.NotFound(dispatch.ServeHTTP)
	r.MethodNotAllowed(dispatch.ServeHTTP)

	return r
}

type registerRequest struct {
	Name        string            `json:"name"`
	Source      string            `json:"source"` // base64-encoded zip bundle
	Routes      []apps.RouteSpec  `json:"routes"`
	BuildConfig map[string]string `json:"build_config,omitempty"`
}

type registerResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// handleRegister accepts an app manifest plus source bundle and queues a
// build. The registration is durable before the response; the build is not.
//
//	@Summary	Register a function app version
//	@Accept		json
//	@Produce	json
//	@Param		request	body	registerRequest	true	"app manifest and source bundle"
//	@Success	202	{object}	registerResponse
//	@Failure	400	{object}	errorResponse
//	@Failure	429	{object}	errorResponse
//	@Router		/apps [post]
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	source, err := base64.StdEncoding.DecodeString(req.Source)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "source must be a base64-encoded zip")
		return
	}
	if len(source) == 0 {
		writeErr(w, http.StatusBadRequest, "source bundle is empty")
		return
	}

	app, bindings, err := h.store.Register(r.Context(), apps.RegisterRequest{
		Name:        req.Name,
		Routes:      req.Routes,
		BuildConfig: req.BuildConfig,
	})
	if err != nil {
		var verr *apps.ValidationError
		if errors.As(err, &verr) {
			writeErr(w, http.StatusBadRequest, verr.Error())
			return
		}
		h.lg.Error().Err(err).Msg("register app")
		writeErr(w, http.StatusInternalServerError, "registration failed")
		return
	}

	err = h.builds.Submit(build.Job{App: *app, Routes: bindings, Source: source})
	if errors.Is(err, build.ErrBusy) {
		// The registration stands; the caller resubmits to build it.
		_ = h.store.SetBuildStatus(r.Context(), app.ID, app.Version,
			apps.BuildFailed, "", "build queue full, resubmit to retry")
		writeErr(w, http.StatusTooManyRequests, "build queue full")
		return
	}
	if err != nil {
		h.lg.Error().Err(err).Msg("submit build")
		writeErr(w, http.StatusInternalServerError, "submit build failed")
		return
	}

	writeJSON(w, http.StatusAccepted, registerResponse{ID: app.ID, Name: app.Name, Version: app.Version})
}

// handleList returns all registered apps.
//
//	@Summary	List registered apps
//	@Produce	json
//	@Success	200	{array}	apps.AppSummary
//	@Router		/apps [get]
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		h.lg.Error().Err(err).Msg("list apps")
		writeErr(w, http.StatusInternalServerError, "list apps failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleIDByName resolves an app name to its ID.
//
//	@Summary	Resolve app name to ID
//	@Produce	json
//	@Param		appName	path	string	true	"app name"
//	@Success	200	{object}	map[string]string
//	@Failure	404	{object}	errorResponse
//	@Router		/apps/name/{appName}/id [get]
func (h *Handler) handleIDByName(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "appName")
	id, err := h.store.IDByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, apps.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "no app named "+name)
			return
		}
		h.lg.Error().Err(err).Msg("resolve app name")
		writeErr(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

type appDetail struct {
	apps.FunctionApp
	Routes []apps.RouteBinding `json:"routes"`
	Build  *apps.BuildRecord   `json:"build,omitempty"`
}

// handleGet returns one app with its routes and latest build record.
//
//	@Summary	Get one app
//	@Produce	json
//	@Param		appID	path	string	true	"app ID"
//	@Success	200	{object}	appDetail
//	@Failure	404	{object}	errorResponse
//	@Router		/apps/{appID} [get]
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appID")
	app, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, apps.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "no such app")
			return
		}
		h.lg.Error().Err(err).Msg("get app")
		writeErr(w, http.StatusInternalServerError, "get app failed")
		return
	}

	detail := appDetail{FunctionApp: *app, Routes: h.store.Bindings(id)}
	if rec, err := h.store.Build(r.Context(), id, app.Version); err == nil {
		detail.Build = rec
	}
	writeJSON(w, http.StatusOK, detail)
}

type routeStatus struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Desired   int    `json:"desired"`
	Healthy   int    `json:"healthy"`
	Starting  int    `json:"starting"`
	Unhealthy int    `json:"unhealthy"`
	Degraded  bool   `json:"degraded"`
	ImageRef  string `json:"image_ref,omitempty"`
}

type appStatus struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Version     int              `json:"version"`
	BuildStatus apps.BuildStatus `json:"build_status"`
	Diagnostic  string           `json:"diagnostic,omitempty"`
	Routes      []routeStatus    `json:"routes"`
}

// handleStatus reports build and per-route instance state for one app.
//
//	@Summary	Get app runtime status
//	@Produce	json
//	@Param		appID	path	string	true	"app ID"
//	@Success	200	{object}	appStatus
//	@Failure	404	{object}	errorResponse
//	@Router		/apps/{appID}/status [get]
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appID")
	app, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, apps.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "no such app")
			return
		}
		h.lg.Error().Err(err).Msg("get app")
		writeErr(w, http.StatusInternalServerError, "get app failed")
		return
	}

	status := appStatus{ID: app.ID, Name: app.Name, Version: app.Version}
	if rec, err := h.store.Build(r.Context(), id, app.Version); err == nil {
		status.BuildStatus = rec.Status
		status.Diagnostic = rec.Diagnostic
	}
	for _, b := range h.store.Bindings(id) {
		rs := routeStatus{Method: b.Method, Path: b.Path}
		if snap, ok := h.views.Snapshot(b.Key()); ok {
			rs.Desired = snap.Desired
			rs.Healthy = snap.HealthyCount()
			rs.Starting = snap.StartingCount()
			rs.Unhealthy = len(snap.All) - rs.Healthy - rs.Starting
			rs.Degraded = snap.Degraded
			rs.ImageRef = string(snap.ImageRef)
		}
		status.Routes = append(status.Routes, rs)
	}
	writeJSON(w, http.StatusOK, status)
}

type scaleRequest struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Replicas int    `json:"replicas"`
}

// handleScale sets the desired instance count of one of the app's routes.
// Zero is allowed and drains the route.
//
//	@Summary	Scale one route of an app
//	@Accept		json
//	@Produce	json
//	@Param		appID	path	string			true	"app ID"
//	@Param		request	body	scaleRequest	true	"route and replica count"
//	@Success	200	{object}	map[string]int
//	@Failure	400	{object}	errorResponse
//	@Failure	404	{object}	errorResponse
//	@Router		/apps/{appID}/scale [post]
func (h *Handler) handleScale(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appID")
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var binding *apps.RouteBinding
	for _, b := range h.store.Bindings(id) {
		if b.Method == req.Method && b.Path == req.Path {
			binding = &b
			break
		}
	}
	if binding == nil {
		writeErr(w, http.StatusNotFound, "app does not own this route")
		return
	}

	key := binding.Key()
	if err := h.views.SetDesired(key, req.Replicas); err != nil {
		if errors.Is(err, instances.ErrNegativeDesired) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, instances.ErrUnknownRoute) {
			writeErr(w, http.StatusConflict, "route has no successful build yet")
			return
		}
		h.lg.Error().Err(err).Msg("set desired")
		writeErr(w, http.StatusInternalServerError, "scale failed")
		return
	}
	h.scaler.Kick(key)
	writeJSON(w, http.StatusOK, map[string]int{"replicas": req.Replicas})
}

// handleRoutes lists every active route binding with its serving state.
//
//	@Summary	List active routes
//	@Produce	json
//	@Success	200	{array}	routeStatus
//	@Router		/routes [get]
func (h *Handler) handleRoutes(w http.ResponseWriter, r *http.Request) {
	out := make([]routeStatus, 0)
	for _, b := range h.store.Routes() {
		rs := routeStatus{Method: b.Method, Path: b.Path}
		if snap, ok := h.views.Snapshot(b.Key()); ok {
			rs.Desired = snap.Desired
			rs.Healthy = snap.HealthyCount()
			rs.Starting = snap.StartingCount()
			rs.Unhealthy = len(snap.All) - rs.Healthy - rs.Starting
			rs.Degraded = snap.Degraded
			rs.ImageRef = string(snap.ImageRef)
		}
		out = append(out, rs)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHello is the host liveness endpoint.
//
//	@Summary	Host liveness
//	@Produce	json
//	@Success	200	{object}	map[string]string
//	@Router		/hello [get]
func (h *Handler) handleHello(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "funchost is running"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
