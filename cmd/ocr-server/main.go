/**
 * OCR Socket Server - Main Entry Point
 *
 * Serves OCR results for one shared image file over a small TCP protocol.
 *
 * Architecture:
 * - Listener + one ConnectionHandler goroutine per client (connection ceiling)
 * - Bounded TaskQueue with non-blocking admission ("Server is busy")
 * - Fixed WorkerPool, the only place inference runs
 * - Memoized engines: in-process Tesseract and sidecar-backed easyocr/paddleocr/rapidocr
 * - Optional Redis result cache + job events, PostgreSQL job history,
 *   Asynq result forwarding, Prometheus metrics
 */

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/ocr-server/internal/clients"
	"github.com/adverant/nexus/ocr-server/internal/config"
	"github.com/adverant/nexus/ocr-server/internal/engine"
	"github.com/adverant/nexus/ocr-server/internal/logging"
	"github.com/adverant/nexus/ocr-server/internal/metrics"
	"github.com/adverant/nexus/ocr-server/internal/processor"
	"github.com/adverant/nexus/ocr-server/internal/protocol"
	"github.com/adverant/nexus/ocr-server/internal/queue"
	"github.com/adverant/nexus/ocr-server/internal/server"
	"github.com/adverant/nexus/ocr-server/internal/storage"
)

func main() {
	envErr := godotenv.Load(".env.ocr")

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Configure(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger := logging.NewLogger("Main")
	if envErr != nil {
		logger.Debug(".env.ocr not found, using system environment variables")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("OCR server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("OCR server starting",
		"addr", cfg.Addr(),
		"workers", cfg.WorkerCount,
		"queueCapacity", cfg.QueueCapacity,
		"maxConnections", cfg.MaxConnections,
		"imagePath", cfg.ImagePath)

	taskQueue := queue.NewTaskQueue(cfg.QueueCapacity)
	m := metrics.New(taskQueue.Len)

	registry, err := buildRegistry(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	warmup(ctx, cfg, registry, logger)

	store, err := storage.NewManager(&storage.ManagerConfig{
		RedisURL:    cfg.RedisURL,
		CacheTTL:    cfg.CacheTTL,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	// Storage and forwarding do network I/O and stay off the worker path.
	var background []queue.TaskObserver
	if store.Enabled() {
		background = append(background, store)
	}

	if cfg.ResultQueue != "" {
		publisher, err := queue.NewResultPublisher(&queue.PublisherConfig{
			RedisURL:  cfg.RedisURL,
			QueueName: cfg.ResultQueue,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize result publisher: %w", err)
		}
		defer publisher.Close()
		background = append(background, publisher)
		logger.Info("Result forwarding enabled", "queue", cfg.ResultQueue)
	}

	proc, err := processor.NewProcessor(&processor.ProcessorConfig{
		Engines:          registry,
		Cache:            store.Cache(),
		MaxChars:         cfg.MaxCharsPerDetection,
		UpscaleIfNeeded:  cfg.UpscaleIfNeeded,
		UpscaleMinWidth:  cfg.UpscaleMinWidth,
		UpscaleMinHeight: cfg.UpscaleMinHeight,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize processor: %w", err)
	}

	pool, err := queue.NewPool(&queue.PoolConfig{
		Queue:               taskQueue,
		Processor:           proc,
		Workers:             cfg.WorkerCount,
		Observers:           []queue.TaskObserver{m},
		BackgroundObservers: background,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize worker pool: %w", err)
	}
	pool.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		pool.Stop(stopCtx)
	}()

	srv, err := server.New(server.Config{
		Addr:              cfg.Addr(),
		MaxConnections:    cfg.MaxConnections,
		ConnectionTimeout: cfg.ConnectionTimeout,
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteChunkSize:    cfg.WriteChunkSize,
		ShutdownGrace:     cfg.ShutdownGrace,
		ImagePath:         cfg.ImagePath,
		Defaults: protocol.Defaults{
			Language:   cfg.DefaultLanguage,
			Engine:     cfg.DefaultEngine,
			CharLevel:  cfg.DefaultCharLevel,
			Preprocess: cfg.DefaultPreprocess,
		},
	}, taskQueue, m)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	ln, err := srv.Listen(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})

	if cfg.MetricsAddr != "" {
		metricsServer := m.NewServer(cfg.MetricsAddr)
		g.Go(func() error {
			logger.Info("Metrics server listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info("OCR server is READY",
		"engines", registry.Names(),
		"defaultEngine", cfg.DefaultEngine,
		"defaultLanguage", cfg.DefaultLanguage,
		"redis", cfg.RedisURL != "",
		"postgres", cfg.DatabaseURL != "")

	err = g.Wait()
	logger.Info("Shutting down", "queued", taskQueue.Len())
	return err
}

// buildRegistry registers Tesseract (when enabled) and the sidecar engines
// (when a sidecar URL is configured).
func buildRegistry(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *logging.Logger) (*engine.Registry, error) {
	registry := engine.NewRegistry()

	if cfg.TesseractEnabled {
		e, err := engine.NewTesseractEngine(cfg.TesseractLevel, m.EngineInitialized)
		if err != nil {
			return nil, fmt.Errorf("failed to create tesseract engine: %w", err)
		}
		registry.Register(e)
	}

	if cfg.SidecarURL != "" {
		client := clients.NewInferenceClient(cfg.SidecarURL, cfg.SidecarTimeout)

		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.HealthCheck(healthCtx); err != nil {
			logger.Warn("Inference sidecar not reachable yet", "url", cfg.SidecarURL, "error", err)
		}
		cancel()

		for _, name := range []string{engine.EasyOCR, engine.PaddleOCR, engine.RapidOCR} {
			e, err := engine.NewBridgeEngine(client, name, m.EngineInitialized)
			if err != nil {
				return nil, fmt.Errorf("failed to create %s engine: %w", name, err)
			}
			registry.Register(e)
		}
	}

	if len(registry.Names()) == 0 {
		logger.Warn("No OCR engines registered; every request will fail",
			"hint", "set OCR_SIDECAR_URL or OCR_TESSERACT_ENABLED=true")
	}
	return registry, nil
}

// warmup loads the default engine so the first request does not pay for it
func warmup(ctx context.Context, cfg *config.Config, registry *engine.Registry, logger *logging.Logger) {
	if _, ok := registry.Get(cfg.DefaultEngine); !ok {
		logger.Warn("Default engine is not registered", "engine", cfg.DefaultEngine, "available", registry.Names())
		return
	}

	start := time.Now()
	warmCtx, cancel := context.WithTimeout(ctx, cfg.SidecarTimeout)
	defer cancel()
	if err := registry.Warmup(warmCtx, cfg.DefaultEngine, cfg.WarmupLanguage); err != nil {
		logger.Warn("Engine warmup failed", "engine", cfg.DefaultEngine, "lang", cfg.WarmupLanguage, "error", err)
		return
	}
	logger.Info("Engine warmed up",
		"engine", cfg.DefaultEngine,
		"lang", cfg.WarmupLanguage,
		"duration", time.Since(start))
}
