// Package main wires together the tokenlens service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/api"
	"github.com/tokenlens/tokenlens/internal/clock/system"
	"github.com/tokenlens/tokenlens/internal/collect"
	"github.com/tokenlens/tokenlens/internal/config"
	"github.com/tokenlens/tokenlens/internal/extract"
	"github.com/tokenlens/tokenlens/internal/hash/sha256"
	idgen "github.com/tokenlens/tokenlens/internal/id/uuid"
	"github.com/tokenlens/tokenlens/internal/insight"
	"github.com/tokenlens/tokenlens/internal/loader"
	"github.com/tokenlens/tokenlens/internal/logging"
	"github.com/tokenlens/tokenlens/internal/metrics"
	"github.com/tokenlens/tokenlens/internal/policy/ratelimit"
	"github.com/tokenlens/tokenlens/internal/progress"
	"github.com/tokenlens/tokenlens/internal/progress/sinks"
	pubsubpublisher "github.com/tokenlens/tokenlens/internal/publisher/pubsub"
	queuememory "github.com/tokenlens/tokenlens/internal/queue/memory"
	queuepubsub "github.com/tokenlens/tokenlens/internal/queue/pubsub"
	"github.com/tokenlens/tokenlens/internal/scan"
	"github.com/tokenlens/tokenlens/internal/storage/gcs"
	memorystorage "github.com/tokenlens/tokenlens/internal/storage/memory"
	"github.com/tokenlens/tokenlens/internal/storage/postgres"
	"github.com/tokenlens/tokenlens/internal/store"
	"github.com/tokenlens/tokenlens/internal/token/diff"
	"github.com/tokenlens/tokenlens/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	// Stores.
	var (
		scans     store.ScanRepository
		snapshots store.SnapshotRepository
	)
	if cfg.DB.Enabled {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		scanStore, err := postgres.NewScanStore(pool)
		if err != nil {
			return err
		}
		snapshotStore, err := postgres.NewSnapshotStore(pool)
		if err != nil {
			return err
		}
		scans, snapshots = scanStore, snapshotStore
		logger.Info("using postgres stores")
	} else {
		scans = memorystorage.NewScanStore()
		snapshots = memorystorage.NewSnapshotStore()
		logger.Info("using in-memory stores")
	}

	// Stylesheet archive.
	var archive scan.Archive
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		defer client.Close()
		archive, err = gcs.New(ctx, client, gcs.Config{
			Bucket: cfg.Storage.GCSBucket,
		})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		logger.Info("using gcs archive", zap.String("bucket", cfg.Storage.GCSBucket))
	default:
		archive = memorystorage.NewArchive()
		logger.Info("using in-memory archive")
	}

	// Pub/Sub client shared by the completion publisher and the queue.
	var psClient *pubsub.Client
	if cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		defer client.Close()
		psClient = client
	}

	var publisher scan.Publisher
	if psClient != nil && cfg.PubSub.TopicName != "" {
		pub, err := pubsubpublisher.New(ctx, psClient, cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		defer pub.Close() //nolint:errcheck // best-effort flush
		publisher = pub
	}

	var queue scan.Queue
	var closeQueue func()
	switch cfg.Queue.Provider {
	case "pubsub":
		q, err := queuepubsub.New(ctx, psClient, queuepubsub.Config{
			TopicID:        cfg.Queue.TopicName,
			SubscriptionID: cfg.Queue.Subscription,
			Buffer:         cfg.Queue.Capacity,
			Logger:         logger.Named("queue"),
		})
		if err != nil {
			return fmt.Errorf("init pubsub queue: %w", err)
		}
		q.Start(ctx)
		queue, closeQueue = q, q.Close
	default:
		q := queuememory.NewQueue(cfg.Queue.Capacity)
		queue, closeQueue = q, q.Close
	}

	// Progress fan-out: live streams plus batched sinks.
	registry := progress.NewRegistry(progress.RegistryConfig{Logger: logger.Named("registry")})
	defer registry.Close()

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register scan metrics: %w", err)
	}
	hub := progress.NewHub(
		progress.HubConfig{Logger: logger.Named("hub")},
		sinks.NewLogSink(logger.Named("events")),
		promSink,
		sinks.NewStoreSink(scans, logger.Named("scan_store")),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("hub close", zap.Error(err))
		}
	}()

	sessions := scan.NewSessions(registry, scan.SessionsConfig{
		Loader: loader.Config{
			SkeletonTimeout:     time.Duration(cfg.Loader.SkeletonTimeoutMs) * time.Millisecond,
			MinSkeletonDuration: time.Duration(cfg.Loader.MinSkeletonDurationMs) * time.Millisecond,
			TransitionDuration:  time.Duration(cfg.Loader.TransitionDurationMs) * time.Millisecond,
			StreamingEnabled:    cfg.Loader.StreamingEnabled,
		},
		Logger: logger.Named("sessions"),
	})

	// Collection.
	probe := collect.NewColly(collect.CollyConfig{
		UserAgent: cfg.Collector.UserAgent,
		Timeout:   time.Duration(cfg.Collector.TimeoutSeconds) * time.Second,
		MaxSheets: cfg.Collector.MaxSheets,
	})
	var headless scan.Collector
	var detector scan.RenderDetector
	if cfg.Headless.Enabled {
		hc, err := collect.NewHeadless(collect.HeadlessConfig{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Collector.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			SettleDelay:       time.Duration(cfg.Headless.SettleDelayMs) * time.Millisecond,
			MaxSheets:         cfg.Collector.MaxSheets,
		})
		if err != nil {
			logger.Warn("headless collector init failed", zap.Error(err))
		} else {
			headless = hc
			detector = collect.NewDetector(collect.DetectorConfig{
				ScriptThreshold: cfg.Headless.ScriptThreshold,
			})
		}
	}

	// Extraction.
	var extractor scan.Extractor
	if cfg.Extractor.Mode == "remote" {
		remote, err := extract.NewRemote(extract.RemoteConfig{
			BaseURL: cfg.Extractor.BaseURL,
			APIKey:  cfg.Extractor.APIKey,
			Timeout: time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init remote extractor: %w", err)
		}
		extractor = remote
	} else {
		extractor = extract.NewStatic(nil)
		logger.Warn("using static extractor fixtures; configure extractor.mode=remote for real scans")
	}

	// Optional AI validation.
	var validator insight.Validator = insight.NewNoop()
	if cfg.Insight.Provider == "openai" {
		v, err := insight.NewOpenAI(insight.OpenAIConfig{
			APIKey: cfg.Insight.APIKey,
			Model:  cfg.Insight.Model,
			Logger: logger.Named("insight"),
		})
		if err != nil {
			return fmt.Errorf("init openai validator: %w", err)
		}
		validator = v
	}

	diffs, err := diff.NewCache(0)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RPS,
		DefaultBurst: cfg.RateLimit.Burst,
	})
	hasher := sha256.New()
	clock := system.New()
	ids := idgen.New()

	workerCfg := worker.Config{
		Topic:         cfg.Worker.CompletionTopic,
		ArchivePrefix: cfg.Storage.Prefix,
		ScanTimeout:   cfg.ScanBudget(),
	}
	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		w, err := worker.New(worker.Deps{
			Queue:     queue,
			Sessions:  sessions,
			Emitter:   hub,
			Probe:     probe,
			Headless:  headless,
			Detector:  detector,
			Extractor: extractor,
			Validator: validator,
			Scans:     scans,
			Snapshots: snapshots,
			Archive:   archive,
			Publisher: publisher,
			Policy:    limiter,
			Hasher:    hasher,
			Clock:     clock,
			Diffs:     diffs,
			Logger:    logger.Named("worker").With(zap.Int("index", i)),
		}, workerCfg)
		if err != nil {
			return fmt.Errorf("build worker: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	apiServer := api.NewServer(cfg, api.Deps{
		Scans:     scans,
		Snapshots: snapshots,
		Queue:     queue,
		Sessions:  sessions,
		Registry:  registry,
		Diffs:     diffs,
		IDGen:     ids,
		Clock:     clock,
		Logger:    logger.Named("api"),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	closeQueue()
	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}
