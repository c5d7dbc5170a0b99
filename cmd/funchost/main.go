package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"funchost/internal/adapters/docker"
	"funchost/internal/adapters/gorm"
	"funchost/internal/adapters/kubernetes"
	"funchost/internal/config"
	"funchost/internal/core/apps"
	"funchost/internal/core/build"
	"funchost/internal/core/dispatch"
	"funchost/internal/core/instances"
	"funchost/internal/core/lifecycle"
	"funchost/internal/core/runtime"
	api "funchost/internal/delivery/http"

	_ "funchost/docs"

	"github.com/rs/zerolog"
)

// @title           funchost API
// @version         1.0
// @description     Self-hosted build-and-route orchestrator for function apps.
// @host            localhost:8080
// @BasePath        /
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "funchost").Logger()

	cfg := config.MustLoad()
	log.Info().
		Str("deployment_env", string(cfg.DeploymentEnv)).
		Msg("bootstrapping host")

	db, err := gorm.New(cfg.DatabaseDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("gorm connect")
	}

	// Images are always built against the local Docker daemon. Under
	// kubernetes the daemon pushes them to the shared registry and the
	// cluster runs the instances.
	dcli, err := docker.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("docker client init")
	}
	var runner runtime.Runner = dcli
	if cfg.DeploymentEnv == config.EnvKubernetes {
		kcli, err := kubernetes.New(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("kubernetes client init")
		}
		runner = kcli
	}

	store, err := apps.NewStore(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("app store init")
	}

	reg := instances.NewRegistry(
		gorm.NewEventLog(db, log),
		gorm.NewPersister(store, log),
		log,
	)

	// Seed route state from the last run. A record without an image ref
	// cannot be served; the route is poisoned until its app is re-registered.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	states, err := store.LoadRouteStates(bootCtx)
	bootCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("load route state")
	}
	for _, st := range states {
		reg.Seed(st.Key, st.AppID, st.Version, st.ImageRef, st.Desired)
		if st.ImageRef == "" {
			log.Error().Str("route", st.Key).Msg("route state has no image, poisoning")
			reg.Poison(st.Key)
		}
	}

	mgr := lifecycle.NewManager(runner, reg, lifecycle.Config{
		ReconcileInterval:  cfg.ReconcileInterval,
		HealthInterval:     cfg.HealthInterval,
		ProbeTimeout:       cfg.ProbeTimeout,
		StartupDeadline:    cfg.StartupDeadline,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
	}, log)

	pool := build.NewPool(dcli, store, reg, mgr, build.Options{
		Concurrency:     cfg.BuildConcurrency,
		QueueSize:       cfg.BuildQueueSize,
		StorageDir:      cfg.StorageDir,
		BaseImage:       cfg.BaseImage,
		RegistryPrefix:  cfg.RegistryURL,
		DefaultReplicas: cfg.DefaultReplicas,
	}, log)

	dispatcher := dispatch.NewDispatcher(store, reg, mgr, cfg.DispatchTimeout, log)
	handler := api.NewHandler(store, pool, reg, mgr, dispatcher, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr.Start(ctx)
	pool.Start(ctx)

	go func() {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down host...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	mgr.StopAll(shutdownCtx)
	mgr.Wait()
	pool.Wait()

	log.Info().Msg("shutdown complete")
}
