// Package build is the build pipeline: it turns registered source bundles
// into container images. Builds for different apps run concurrently up to a
// configured limit; builds for the same app are serialized with
// last-submitted-wins semantics.
package build

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"funchost/internal/core/apps"
	"funchost/internal/core/runtime"
	"funchost/internal/scaffold"
)

// ErrBusy rejects a submission when the bounded queue is full.
var ErrBusy = errors.New("build queue full")

// Store is the slice of the app store the pipeline needs.
type Store interface {
	LatestVersion(ctx context.Context, appID string) (int, error)
	SetBuildStatus(ctx context.Context, appID string, version int, status apps.BuildStatus, imageRef, diagnostic string) error
	SetSourcePath(ctx context.Context, appID, path string) error
	DeleteRouteState(ctx context.Context, key string) error
}

// Publisher receives successful build results.
type Publisher interface {
	PublishImage(key, appID string, version int, ref runtime.ImageRef)
	SetDesired(key string, n int) error
	HasRoute(key string) bool
	RouteKeysForApp(appID string) []string
}

// Activator wakes the lifecycle manager for a route after a publish.
type Activator interface {
	EnsureRoute(key string)
}

// Job is one submitted build: an app version, its route bindings and the raw
// zip bundle.
type Job struct {
	App    apps.FunctionApp
	Routes []apps.RouteBinding
	Source []byte
}

// Options configure the pool.
type Options struct {
	Concurrency     int
	QueueSize       int
	StorageDir      string
	BaseImage       string // default base when the bundle names none
	RegistryPrefix  string // optional tag prefix, e.g. a private registry host
	DefaultReplicas int
}

// Pool runs builds as bounded-concurrency background tasks.
type Pool struct {
	builder runtime.Builder
	store   Store
	pub     Publisher
	act     Activator
	opts    Options
	lg      zerolog.Logger

	queue chan Job

	mu      sync.Mutex
	latest  map[string]int                // app ID -> newest submitted version
	cancels map[string]context.CancelFunc // app ID -> in-flight build cancel
	perApp  map[string]*sync.Mutex        // app ID -> build serialization lock

	wg sync.WaitGroup
}

func NewPool(builder runtime.Builder, store Store, pub Publisher, act Activator, opts Options, lg zerolog.Logger) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.DefaultReplicas < 1 {
		opts.DefaultReplicas = 1
	}
	return &Pool{
		builder: builder,
		store:   store,
		pub:     pub,
		act:     act,
		opts:    opts,
		lg:      lg.With().Str("component", "build-pool").Logger(),
		queue:   make(chan Job, opts.QueueSize),
		latest:  map[string]int{},
		cancels: map[string]context.CancelFunc{},
		perApp:  map[string]*sync.Mutex{},
	}
}

// Start launches the worker goroutines. They exit when ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.queue:
					p.run(ctx, job)
				}
			}
		}()
	}
}

// Wait blocks until all workers have drained after Start's ctx is canceled.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Submit enqueues a build. A newer submission for the same app cancels the
// in-flight build cooperatively; its result is discarded, not applied.
// Returns ErrBusy when the queue is full.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	if job.App.Version > p.latest[job.App.ID] {
		p.latest[job.App.ID] = job.App.Version
		if cancel := p.cancels[job.App.ID]; cancel != nil {
			cancel()
		}
	}
	p.mu.Unlock()

	select {
	case p.queue <- job:
		return nil
	default:
		return ErrBusy
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	id, ver := job.App.ID, job.App.Version
	lg := p.lg.With().Str("app_id", id).Int("version", ver).Logger()

	if p.stale(ctx, id, ver) {
		lg.Info().Msg("discarding superseded build before start")
		_ = p.store.SetBuildStatus(ctx, id, ver, apps.BuildSuperseded, "", "superseded by a newer registration")
		return
	}

	// Serialize builds of the same app across workers.
	lock := p.appLock(id)
	lock.Lock()
	defer lock.Unlock()

	jctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	if p.latest[id] == ver {
		p.cancels[id] = cancel
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.cancels[id] != nil && p.latest[id] == ver {
			delete(p.cancels, id)
		}
		p.mu.Unlock()
	}()

	_ = p.store.SetBuildStatus(ctx, id, ver, apps.BuildRunning, "", "")
	lg.Info().Msg("build started")

	dir, err := p.materialize(ctx, job)
	if err != nil {
		lg.Error().Err(err).Msg("staging failed")
		_ = p.store.SetBuildStatus(ctx, id, ver, apps.BuildFailed, "", err.Error())
		return
	}

	ref, err := p.builder.BuildImage(jctx, dir, p.tag(job.App.Name, ver))
	if err != nil {
		if jctx.Err() != nil || p.stale(ctx, id, ver) {
			lg.Info().Msg("discarding canceled build result")
			_ = p.store.SetBuildStatus(ctx, id, ver, apps.BuildSuperseded, "", "superseded by a newer registration")
			return
		}
		var berr *runtime.BuildError
		diag := err.Error()
		if errors.As(err, &berr) {
			diag = berr.Output
		}
		lg.Error().Err(err).Msg("build failed")
		// A failed build never touches running instances of the prior version.
		_ = p.store.SetBuildStatus(ctx, id, ver, apps.BuildFailed, "", diag)
		return
	}

	if p.stale(ctx, id, ver) {
		lg.Info().Str("image", string(ref)).Msg("discarding stale build result")
		_ = p.store.SetBuildStatus(ctx, id, ver, apps.BuildSuperseded, string(ref), "superseded by a newer registration")
		return
	}

	_ = p.store.SetBuildStatus(ctx, id, ver, apps.BuildSucceeded, string(ref), "")
	kept := map[string]bool{}
	for _, b := range job.Routes {
		key := b.Key()
		kept[key] = true
		isNew := !p.pub.HasRoute(key)
		p.pub.PublishImage(key, id, ver, ref)
		if isNew {
			_ = p.pub.SetDesired(key, p.opts.DefaultReplicas)
		}
		p.act.EnsureRoute(key)
	}

	// Routes this app owned but no longer binds are drained and their durable
	// state dropped so they do not come back on reboot.
	for _, key := range p.pub.RouteKeysForApp(id) {
		if kept[key] {
			continue
		}
		lg.Info().Str("route", key).Msg("route dropped by re-registration, draining")
		_ = p.pub.SetDesired(key, 0)
		p.act.EnsureRoute(key)
		_ = p.store.DeleteRouteState(ctx, key)
	}
	lg.Info().Str("image", string(ref)).Msg("build succeeded")
}

// stale reports whether a newer registration for the app exists.
func (p *Pool) stale(ctx context.Context, appID string, version int) bool {
	p.mu.Lock()
	newest := p.latest[appID]
	p.mu.Unlock()
	if newest > version {
		return true
	}
	cur, err := p.store.LatestVersion(ctx, appID)
	return err == nil && cur > version
}

func (p *Pool) appLock(appID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.perApp[appID]
	if !ok {
		lock = &sync.Mutex{}
		p.perApp[appID] = lock
	}
	return lock
}

func (p *Pool) tag(name string, version int) string {
	tag := fmt.Sprintf("funchost/%s:v%d", name, version)
	if p.opts.RegistryPrefix != "" {
		tag = strings.TrimSuffix(p.opts.RegistryPrefix, "/") + "/" + tag
	}
	return tag
}

// materialize stages the bundle on disk: extract the zip, resolve the bundle
// manifest against the registration build config, and inject the runner
// scaffold.
func (p *Pool) materialize(ctx context.Context, job Job) (string, error) {
	dir := filepath.Join(p.opts.StorageDir, job.App.ID, fmt.Sprintf("v%d", job.App.Version))
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	if err := extractZip(job.Source, dir); err != nil {
		return "", fmt.Errorf("extract bundle: %w", err)
	}

	m, err := loadManifest(dir)
	if err != nil {
		return "", err
	}
	var cfg map[string]string
	if job.App.BuildConfig != "" {
		if err := json.Unmarshal([]byte(job.App.BuildConfig), &cfg); err != nil {
			return "", fmt.Errorf("decode build config: %w", err)
		}
	}
	m = m.merge(cfg)
	if m.BaseImage == "" {
		m.BaseImage = p.opts.BaseImage
	}

	err = scaffold.Materialize(dir, scaffold.Params{
		BaseImage:    m.BaseImage,
		BuildCommand: m.Build,
		RunCommand:   m.Run,
		Env:          m.Env,
	})
	if err != nil {
		return "", err
	}

	if err := p.store.SetSourcePath(ctx, job.App.ID, dir); err != nil {
		return "", fmt.Errorf("record source path: %w", err)
	}
	return dir, nil
}

func extractZip(data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
			return fmt.Errorf("unsafe path %q in bundle", f.Name)
		}
		dst := filepath.Join(dir, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		mode := f.Mode().Perm()
		if mode == 0 {
			mode = 0o644
		}
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return err
		}
		out.Close()
		rc.Close()
	}
	return nil
}
