package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/admin"
	"github.com/weir-sfu/weir/pkg/config"
	"github.com/weir-sfu/weir/pkg/engine/mediasoup"
	"github.com/weir-sfu/weir/pkg/engine/pool"
	"github.com/weir-sfu/weir/pkg/events"
	"github.com/weir-sfu/weir/pkg/profiling"
	"github.com/weir-sfu/weir/pkg/routing"
	"github.com/weir-sfu/weir/pkg/signal"
	"github.com/weir-sfu/weir/pkg/tasks"
	"github.com/weir-sfu/weir/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Define functions that are called before exiting.
	// This is useful to stop the profiler if it's enabled.
	deferredFunctions := []func(){}
	if *cpuProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitCPUProfiling(*cpuProfile))
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitMemoryProfiling(*memProfile))
	}
	runDeferred := func() {
		for _, function := range deferredFunctions {
			function()
		}
	}

	// Load the config file from the environment variable or path.
	cfg, err := config.Load(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set up tracing before anything that creates spans.
	tracerProvider, err := telemetry.SetupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		logrus.WithError(err).Fatal("could not set up telemetry")
		return
	}

	routerOptions, err := cfg.EngineRouterOptions()
	if err != nil {
		logrus.WithError(err).Fatal("invalid router options")
		return
	}

	bus := events.NewBus()
	metrics := telemetry.NewMetrics()
	metrics.Observe(ctx, bus)

	workerPool := pool.New(mediasoup.New(), bus, pool.Config{
		NumWorkers:          cfg.NumWorkers,
		MaxRoutersPerWorker: cfg.MaxRoutersPerWorker,
		WorkerSettings:      cfg.EngineWorkerSettings(),
		RouterOptions:       routerOptions,
	})
	if err := workerPool.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("could not start worker pool")
		return
	}

	registry := routing.New(workerPool, bus, cfg.ConferenceConfig())
	server := signal.NewServer(registry, bus, metrics, cfg.SignalConfig())
	adminService := admin.NewService(registry, workerPool, bus, server)
	runner := tasks.NewRunner(workerPool, registry, cfg.SweepInterval())
	bus.Publish(events.Event{Type: events.ServerStarted})

	signalServer := &http.Server{Addr: cfg.Server.Bind, Handler: server.Handler()}
	adminServer := &http.Server{Addr: cfg.Admin.Bind, Handler: adminHandler(adminService, metrics)}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logrus.WithField("bind", cfg.Server.Bind).Info("signaling server listening")
		if err := signalServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logrus.WithField("bind", cfg.Admin.Bind).Info("admin server listening")
		if err := adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = signalServer.Shutdown(shutdownCtx)
		_ = adminServer.Shutdown(shutdownCtx)

		return nil
	})

	if err := group.Wait(); err != nil {
		logrus.WithError(err).Error("server failed")
	}

	// Teardown order matters: stop the timers, then drop the clients, then
	// the conferences, then the engine workers they ran on.
	logrus.Info("shutting down")
	runner.Close()
	server.Close()
	registry.Close()
	workerPool.Close()
	bus.Shutdown()

	if tracerProvider != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tracerProvider.Shutdown(shutdownCtx)
		cancel()
	}

	runDeferred()
}

// adminHandler mounts the admin API next to the metrics and pprof endpoints
// on the operator-facing listener.
func adminHandler(service *admin.Service, metrics *telemetry.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/debug/pprof/*", pprof.Index)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/heap", pprof.Handler("heap").ServeHTTP)
	r.Mount("/", service.Handler())

	return r
}
