// Package main is the entry point for the qplane orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"qplane/internal/backend"
	"qplane/internal/checkpoint"
	"qplane/internal/config"
	"qplane/internal/logger"
	"qplane/internal/observability"
	"qplane/internal/orchestrator"
	"qplane/internal/pipeline"
	"qplane/internal/scheduler"
	"qplane/internal/server"
	"qplane/internal/store"
	"qplane/internal/store/memory"
	"qplane/internal/store/postgres"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New()
	ctx := context.Background()

	// Stores: postgres when configured, in-memory otherwise.
	var (
		jobs   store.JobStore
		events store.EventStore
	)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer pg.Close()

		if *migrateFlag {
			log.Println("Running database migrations...")
			if err := postgres.Migrate(pg.DB()); err != nil {
				log.Fatalf("Migration failed: %v", err)
			}
			log.Println("Migrations completed successfully")
		}
		jobs, events = pg, pg
	} else {
		mem := memory.New()
		jobs, events = mem, mem
	}

	// Blob storage collaborator. The tiered storage service is external;
	// the in-process store covers single-instance deployments.
	blobs := memory.NewBlobStore()

	// Scheduler over the configured device catalog.
	catalog, err := scheduler.LoadCatalog(cfg.DeviceCatalog)
	if err != nil {
		log.Fatalf("Failed to load device catalog: %v", err)
	}
	var policy scheduler.Policy = scheduler.FirstFit{}
	if cfg.SchedulerPolicy == "quality-aware" {
		policy = scheduler.QualityAware{}
	}
	engine := scheduler.NewEngine(catalog.Devices, scheduler.Options{Policy: policy})

	coord := checkpoint.NewCoordinator(blobs, slogger)
	driver := pipeline.NewDriver(engine, coord, jobs, events, blobs,
		pipeline.Collaborators{
			Compiler: backend.SimCompiler{},
			Executor: backend.NewSimExecutor(),
		},
		pipeline.Config{
			MaxConcurrentStages: cfg.MaxConcurrentStages,
			DefaultDeadline:     cfg.JobDeadline,
		},
		slogger,
	)
	orch := orchestrator.New(jobs, events, blobs, coord, driver, slogger)

	// Tracing
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "qplane-orchestrator", cfg.OTELEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Printf("Failed to shutdown tracer: %v", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	// Observable gauge reading live allocations only when scraped.
	meter := otel.Meter("qplane-orchestrator")
	_, err = meter.Int64ObservableGauge("qplane.allocations.active",
		metric.WithDescription("Number of device allocations currently held"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(len(engine.Allocations())))
			return nil
		}),
	)
	if err != nil {
		log.Printf("Failed to register allocations metric: %v", err)
	}

	// Relaunch anything that was mid-flight when the previous instance
	// stopped.
	if err := orch.Recover(ctx); err != nil {
		log.Printf("Recovery failed: %v", err)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := server.New(addr, server.NewHandlers(orch), metricsHandler, slogger)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("qplane orchestrator starting on %s (%d devices)", addr, len(catalog.Devices))
		if err := srv.Run(runCtx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	<-runCtx.Done()

	log.Println("Shutting down orchestrator...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := driver.Shutdown(shutdownCtx); err != nil {
		log.Printf("Driver shutdown incomplete: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited properly")
}
