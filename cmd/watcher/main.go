package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/gjovanov/harvex/internal/app/batchsync"
	"github.com/gjovanov/harvex/internal/config"
	"github.com/gjovanov/harvex/internal/config/fileloader"
	"github.com/gjovanov/harvex/internal/domain/batch"
	"github.com/gjovanov/harvex/internal/domain/events"
	"github.com/gjovanov/harvex/internal/infra/eventbus/memory"
	"github.com/gjovanov/harvex/internal/infra/harvexapi"
	"github.com/gjovanov/harvex/pkg/common"
	"github.com/gjovanov/harvex/pkg/common/logger"
	"github.com/gjovanov/harvex/pkg/common/otel"
)

var build = "develop"

const serviceType = "batch-watcher"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("BATCH-WATCHER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"instance": uuid.New().String(),
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, log, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Configuration

	configPath := flag.String("config", "", "path to a yaml config file")
	baseURL := flag.String("api", "", "batch API base URL (overrides config)")
	flag.Parse()

	var cfg config.Config
	if *configPath != "" {
		loaded, err := fileloader.NewFileLoader(*configPath).Load(ctx)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = *loaded
	} else {
		cfg = config.Default()
		cfg.API.BaseURL = os.Getenv("HARVEX_API_URL")
	}
	if *baseURL != "" {
		cfg.API.BaseURL = *baseURL
	}
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("no API base URL: set -api, -config, or HARVEX_API_URL")
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support

	tracerProvider := trace.TracerProvider(noop.NewTracerProvider())
	if cfg.Otel.Enabled {
		log.Info(ctx, "startup", "status", "initializing tracing support")

		tp, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceType,
			ExporterEndpoint: cfg.Otel.ExporterEndpoint,
			Probability:      cfg.Otel.Probability,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"hostname":         hostname,
			},
			InsecureExporter: true,
		})
		if err != nil {
			return fmt.Errorf("starting tracing: %w", err)
		}
		defer teardown(ctx)
		tracerProvider = tp
	}
	tracer := tracerProvider.Tracer(serviceType)

	// -------------------------------------------------------------------------
	// Build the synchronizer

	log.Info(ctx, "startup", "status", "initializing api client", "base_url", cfg.API.BaseURL)

	rateLimiter := common.NewRateLimiter(cfg.API.RateLimit.RPS, cfg.API.RateLimit.Burst)
	client, err := harvexapi.NewClient(
		cfg.API.BaseURL,
		&http.Client{Timeout: cfg.API.RequestTimeout.Std()},
		rateLimiter,
		tracer,
	)
	if err != nil {
		return fmt.Errorf("creating api client: %w", err)
	}

	broker := memory.NewBroker()
	defer broker.Close()

	var metrics batchsync.SyncMetrics
	if cfg.Otel.Enabled {
		metrics, err = batchsync.NewSyncMetrics(otel.GetMeterProvider())
		if err != nil {
			return fmt.Errorf("creating metrics: %w", err)
		}
	}

	opener := batchsync.StreamOpenerFunc(
		func(ctx context.Context, jobID string) (batchsync.ProgressStream, error) {
			return client.StreamProgress(ctx, jobID)
		})

	sync := batchsync.NewSynchronizer(client, opener, broker, cfg, nil, log, tracer, metrics)
	defer sync.Close()

	// -------------------------------------------------------------------------
	// Watch the cache and report state changes

	err = broker.Subscribe(ctx,
		[]events.EventType{
			batch.EventTypeJobUpdated,
			batch.EventTypeJobRemoved,
			batch.EventTypeStreamClosed,
			batch.EventTypeFetchFailed,
		},
		func(ctx context.Context, evt events.DomainEvent) error {
			switch payload := evt.Payload.(type) {
			case batch.JobUpdatedEvent:
				job := payload.Job
				log.Info(ctx, "job updated",
					"job_id", job.ID(),
					"name", job.Name(),
					"status", batch.StatusLabel(job.Status()),
					"percent", batch.PercentComplete(job),
					"completed", job.CompletedUnits(),
					"failed", job.FailedUnits(),
					"total", job.TotalUnits(),
				)
			case batch.JobRemovedEvent:
				log.Info(ctx, "job removed", "job_id", payload.JobID)
			case batch.StreamClosedEvent:
				log.Info(ctx, "stream closed",
					"job_id", payload.JobID,
					"reason", string(payload.Reason),
					"cause", payload.Cause,
				)
			case batch.FetchFailedEvent:
				log.Warn(ctx, "fetch failed",
					"job_id", payload.JobID, "cause", payload.Cause)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("subscribing to job events: %w", err)
	}

	// Seed the cache; processing jobs get their streams opened here.
	jobs, err := sync.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	log.Info(ctx, "startup", "status", "cache seeded", "num_jobs", len(jobs))

	// -------------------------------------------------------------------------
	// Shutdown

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown

	log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig.String())
	defer log.Info(ctx, "shutdown", "status", "shutdown complete")

	return nil
}
