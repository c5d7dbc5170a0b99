package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"funchost/internal/core/apps"
	"funchost/internal/core/build"
	"funchost/internal/core/instances"
)

func nopLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

type fakeStore struct {
	mu       sync.Mutex
	apps     map[string]*apps.FunctionApp
	bindings map[string][]apps.RouteBinding
	builds   map[string]*apps.BuildRecord // appID
	statuses []apps.BuildStatus
	regErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps:     map[string]*apps.FunctionApp{},
		bindings: map[string][]apps.RouteBinding{},
		builds:   map[string]*apps.BuildRecord{},
	}
}

func (s *fakeStore) Register(_ context.Context, req apps.RegisterRequest) (*apps.FunctionApp, []apps.RouteBinding, error) {
	if s.regErr != nil {
		return nil, nil, s.regErr
	}
	app := &apps.FunctionApp{ID: "id-" + req.Name, Name: req.Name, Version: 1}
	var bs []apps.RouteBinding
	for i, r := range req.Routes {
		bs = append(bs, apps.RouteBinding{Seq: uint64(i + 1), AppID: app.ID, Version: 1, Method: r.Method, Path: r.Path})
	}
	s.mu.Lock()
	s.apps[app.ID] = app
	s.bindings[app.ID] = bs
	s.mu.Unlock()
	return app, bs, nil
}

func (s *fakeStore) List(context.Context) ([]apps.AppSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []apps.AppSummary
	for _, a := range s.apps {
		out = append(out, apps.AppSummary{ID: a.ID, Name: a.Name, Version: a.Version})
	}
	return out, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*apps.FunctionApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, apps.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) IDByName(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.apps {
		if a.Name == name {
			return a.ID, nil
		}
	}
	return "", apps.ErrNotFound
}

func (s *fakeStore) Bindings(appID string) []apps.RouteBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings[appID]
}

func (s *fakeStore) Routes() []apps.RouteBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []apps.RouteBinding
	for _, bs := range s.bindings {
		out = append(out, bs...)
	}
	return out
}

func (s *fakeStore) Build(_ context.Context, appID string, _ int) (*apps.BuildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.builds[appID]
	if !ok {
		return nil, apps.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) SetBuildStatus(_ context.Context, _ string, _ int, status apps.BuildStatus, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

type fakeBuilds struct {
	mu   sync.Mutex
	jobs []build.Job
	err  error
}

func (b *fakeBuilds) Submit(job build.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.jobs = append(b.jobs, job)
	return nil
}

type fakeViews struct {
	mu      sync.Mutex
	snaps   map[string]instances.Snapshot
	desired map[string]int
	setErr  error
}

func newFakeViews() *fakeViews {
	return &fakeViews{snaps: map[string]instances.Snapshot{}, desired: map[string]int{}}
}

func (v *fakeViews) Snapshot(key string) (instances.Snapshot, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.snaps[key]
	return s, ok
}

func (v *fakeViews) SetDesired(key string, n int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.setErr != nil {
		return v.setErr
	}
	v.desired[key] = n
	return nil
}

type fakeScaler struct {
	mu     sync.Mutex
	kicked []string
}

func (s *fakeScaler) Kick(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicked = append(s.kicked, key)
}

type markerDispatch struct{}

func (markerDispatch) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot) // distinguishable from any API status
}

func newTestHandler(store *fakeStore, builds *fakeBuilds, views *fakeViews, scaler *fakeScaler) http.Handler {
	return NewHandler(store, builds, views, scaler, markerDispatch{}, nopLogger())
}

func registerBody(t *testing.T, name string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"name":   name,
		"source": base64.StdEncoding.EncodeToString([]byte("zipbytes")),
		"routes": []map[string]string{{"method": "GET", "path": "/greet"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestRegisterAcceptsAndQueuesBuild(t *testing.T) {
	store := newFakeStore()
	builds := &fakeBuilds{}
	h := newTestHandler(store, builds, newFakeViews(), &fakeScaler{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/apps", strings.NewReader(registerBody(t, "greeter"))))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp registerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Name != "greeter" || resp.Version != 1 {
		t.Fatalf("response = %+v", resp)
	}
	builds.mu.Lock()
	defer builds.mu.Unlock()
	if len(builds.jobs) != 1 || string(builds.jobs[0].Source) != "zipbytes" {
		t.Fatalf("build job not queued: %+v", builds.jobs)
	}
}

func TestRegisterRejectsBadBase64(t *testing.T) {
	h := newTestHandler(newFakeStore(), &fakeBuilds{}, newFakeViews(), &fakeScaler{})

	body := `{"name": "x", "source": "not base64!!!", "routes": [{"method": "GET", "path": "/x"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/apps", strings.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRegisterValidationErrorIs400(t *testing.T) {
	store := newFakeStore()
	store.regErr = &apps.ValidationError{Field: "routes", Reason: "path \"/apps\" is reserved"}
	h := newTestHandler(store, &fakeBuilds{}, newFakeViews(), &fakeScaler{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/apps", strings.NewReader(registerBody(t, "bad"))))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "reserved") {
		t.Fatalf("body = %s, want the validation reason", rec.Body.String())
	}
}

func TestRegisterFullQueueIs429AndRecordsFailure(t *testing.T) {
	store := newFakeStore()
	builds := &fakeBuilds{err: build.ErrBusy}
	h := newTestHandler(store, builds, newFakeViews(), &fakeScaler{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/apps", strings.NewReader(registerBody(t, "busy"))))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.statuses) != 1 || store.statuses[0] != apps.BuildFailed {
		t.Fatalf("statuses = %v, want one failed record", store.statuses)
	}
}

func TestIDByName(t *testing.T) {
	store := newFakeStore()
	store.apps["id-greeter"] = &apps.FunctionApp{ID: "id-greeter", Name: "greeter", Version: 1}
	h := newTestHandler(store, &fakeBuilds{}, newFakeViews(), &fakeScaler{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apps/name/greeter/id", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["id"] != "id-greeter" {
		t.Fatalf("resp = %v", resp)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apps/name/missing/id", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStatusReportsRouteHealth(t *testing.T) {
	store := newFakeStore()
	store.apps["a1"] = &apps.FunctionApp{ID: "a1", Name: "greeter", Version: 2}
	store.bindings["a1"] = []apps.RouteBinding{{AppID: "a1", Method: "GET", Path: "/greet"}}
	store.builds["a1"] = &apps.BuildRecord{AppID: "a1", Version: 2, Status: apps.BuildSucceeded, ImageRef: "funchost/greeter:v2"}

	views := newFakeViews()
	views.snaps["GET /greet"] = instances.Snapshot{
		Desired:  2,
		ImageRef: "funchost/greeter:v2",
		All: []instances.Instance{
			{ID: "i1", Health: instances.Healthy},
			{ID: "i2", Health: instances.Starting},
		},
	}
	h := newTestHandler(store, &fakeBuilds{}, views, &fakeScaler{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apps/a1/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var got appStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BuildStatus != apps.BuildSucceeded {
		t.Fatalf("build status = %s", got.BuildStatus)
	}
	if len(got.Routes) != 1 || got.Routes[0].Healthy != 1 || got.Routes[0].Starting != 1 || got.Routes[0].Desired != 2 {
		t.Fatalf("routes = %+v", got.Routes)
	}
}

func TestScaleSetsDesiredAndKicks(t *testing.T) {
	store := newFakeStore()
	store.apps["a1"] = &apps.FunctionApp{ID: "a1", Name: "greeter", Version: 1}
	store.bindings["a1"] = []apps.RouteBinding{{AppID: "a1", Method: "GET", Path: "/greet"}}
	views := newFakeViews()
	scaler := &fakeScaler{}
	h := newTestHandler(store, &fakeBuilds{}, views, scaler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/apps/a1/scale",
		strings.NewReader(`{"method": "GET", "path": "/greet", "replicas": 0}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	views.mu.Lock()
	n, ok := views.desired["GET /greet"]
	views.mu.Unlock()
	if !ok || n != 0 {
		t.Fatalf("desired = %d (set=%v), want explicit 0", n, ok)
	}
	scaler.mu.Lock()
	defer scaler.mu.Unlock()
	if len(scaler.kicked) != 1 || scaler.kicked[0] != "GET /greet" {
		t.Fatalf("kicked = %v", scaler.kicked)
	}
}

func TestScaleUnknownRouteIs404(t *testing.T) {
	store := newFakeStore()
	store.apps["a1"] = &apps.FunctionApp{ID: "a1", Name: "greeter", Version: 1}
	h := newTestHandler(store, &fakeBuilds{}, newFakeViews(), &fakeScaler{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/apps/a1/scale",
		strings.NewReader(`{"method": "GET", "path": "/other", "replicas": 1}`)))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUnmatchedPathsFallThroughToDispatcher(t *testing.T) {
	h := newTestHandler(newFakeStore(), &fakeBuilds{}, newFakeViews(), &fakeScaler{})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/greet", nil),
		httptest.NewRequest(http.MethodPost, "/orders/42/submit", nil),
		httptest.NewRequest(http.MethodDelete, "/apps", nil), // method miss on an API path
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusTeapot {
			t.Fatalf("%s %s: status = %d, want dispatcher marker", req.Method, req.URL.Path, rec.Code)
		}
	}
}

func TestHello(t *testing.T) {
	h := newTestHandler(newFakeStore(), &fakeBuilds{}, newFakeViews(), &fakeScaler{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
