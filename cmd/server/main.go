package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/auth"
	"github.com/tecnicocursos/render-api/internal/client"
	"github.com/tecnicocursos/render-api/internal/config"
	"github.com/tecnicocursos/render-api/internal/handler"
	"github.com/tecnicocursos/render-api/internal/logging"
	"github.com/tecnicocursos/render-api/internal/middleware"
	"github.com/tecnicocursos/render-api/internal/pipeline"
	"github.com/tecnicocursos/render-api/internal/progress"
	"github.com/tecnicocursos/render-api/internal/project"
	"github.com/tecnicocursos/render-api/internal/queue"
	"github.com/tecnicocursos/render-api/internal/service"
	"github.com/tecnicocursos/render-api/internal/store"
	"github.com/tecnicocursos/render-api/internal/worker"
	ws "github.com/tecnicocursos/render-api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Server.LogLevel,
		Format:      cfg.Server.LogFormat,
		Development: cfg.Server.Env == "development",
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}

// infra holds the drivers selected by configuration.
type infra struct {
	redis    *redis.Client
	jobs     store.JobStore
	projects project.Repository
	broker   progress.Broker
	queue    queue.Queue // nil when asynq owns delivery
	enqueuer queue.Enqueuer
	stats    queue.StatsReader
	closers  []func()
}

func (in *infra) close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	in, err := setupInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer in.close()

	// Initialize external clients
	storage := setupStorage(cfg, logger)
	var tts pipeline.Synthesizer = &client.MockTTS{Delay: 200 * time.Millisecond}
	ttsClient := client.NewTTSClient(&cfg.TTS)
	if ttsClient.IsConfigured() {
		tts = ttsClient
	} else {
		logger.Info("TTS service not configured, using mock narration")
	}
	var renderer pipeline.Encoder = &client.MockRenderer{Delay: time.Second}
	rendererClient := client.NewRendererClient(&cfg.Renderer)
	if rendererClient.IsConfigured() {
		renderer = rendererClient
	} else {
		logger.Info("Renderer not configured, using mock encoder")
	}

	stages := pipeline.DefaultStages(pipeline.Deps{
		Storage:              storage,
		TTS:                  tts,
		Renderer:             renderer,
		SupportedMediaCodecs: cfg.Render.SupportedMediaCodecs,
		MaxDurationMs:        cfg.Render.MaxTimelineSeconds * 1000,
		SignedURLTTL:         cfg.Render.SignedURLTTL,
	})
	pl := pipeline.New(in.jobs, in.broker, logger.Named("pipeline"), pipeline.Config{
		BackoffBase: cfg.Render.BackoffBase,
		BackoffMax:  cfg.Render.BackoffMax,
	}, stages)
	executor := worker.NewExecutor(in.jobs, pl, in.broker, logger.Named("executor"), cfg.Render.HeartbeatInterval)

	renderService := service.NewRenderService(in.jobs, in.projects, in.enqueuer, in.stats, in.broker,
		validator.New(), logger.Named("service"), service.RenderConfig{
			MaxAttempts:        cfg.Render.MaxAttempts,
			MaxTimelineSeconds: cfg.Render.MaxTimelineSeconds,
		})

	errCh := make(chan error, 2)

	if cfg.Server.RunsWorkers() {
		if in.queue != nil {
			// An in-memory queue starts empty; refill it from a store that outlived the last process
			if lister, ok := in.jobs.(store.UnfinishedLister); ok && cfg.Queue.Driver == "memory" {
				if _, err := worker.Requeue(ctx, lister, in.queue, logger.Named("requeue")); err != nil {
					return err
				}
			}
			pool := worker.NewPool(in.queue, executor, worker.PoolConfig{
				Concurrency:  cfg.Render.Concurrency,
				LeaseTTL:     cfg.Render.LeaseTTL,
				PollInterval: cfg.Render.PollInterval,
			}, logger.Named("pool"))
			pool.Start(ctx)
			defer pool.Stop()
			renderService.SetWorkerStats(pool)
			logger.Info("Worker pool started", zap.Int("concurrency", cfg.Render.Concurrency))
		} else {
			srv := newAsynqServer(cfg, logger, pl)
			mux := asynq.NewServeMux()
			mux.HandleFunc(queue.TaskTypeRender, worker.NewRenderWorker(executor, logger.Named("asynq")).ProcessTask)
			if err := srv.Start(mux); err != nil {
				return fmt.Errorf("failed to start asynq server: %w", err)
			}
			defer srv.Shutdown()
			logger.Info("Asynq worker server started", zap.Int("concurrency", cfg.Render.Concurrency))
		}
	}

	if purger, ok := in.jobs.(*store.SQLiteStore); ok && cfg.Store.Retention > 0 {
		go purgeLoop(ctx, purger, cfg.Store.Retention, logger)
	}

	if !cfg.Server.RunsAPI() {
		<-ctx.Done()
		logger.Info("Shutting down workers...")
		return nil
	}

	app := newApp(cfg, logger, in, renderService, storage, ttsClient, rendererClient)

	go func() {
		addr := ":" + cfg.Server.Port
		logger.Info("Server starting", zap.String("addr", addr), zap.String("role", cfg.Server.Role))
		if err := app.Listen(addr); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-errCh:
		return err
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("Server shutdown error", zap.Error(err))
	}
	return nil
}

func setupInfra(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*infra, error) {
	in := &infra{}
	needsRedis := cfg.Store.Driver == "redis" || cfg.Queue.Driver == "redis" ||
		cfg.Queue.Driver == "asynq" || cfg.Projects.Driver == "redis"

	if needsRedis {
		in.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		in.closers = append(in.closers, func() { _ = in.redis.Close() })
		if err := in.redis.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available", zap.Error(err))
		}
	}

	switch cfg.Store.Driver {
	case "memory":
		in.jobs = store.NewMemoryStore()
	case "redis":
		in.jobs = store.NewRedisStore(in.redis, cfg.Store.Retention)
	case "sqlite":
		st, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			in.close()
			return nil, err
		}
		in.closers = append(in.closers, func() { _ = st.Close() })
		in.jobs = st
	default:
		in.close()
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	switch cfg.Projects.Driver {
	case "memory":
		in.projects = project.NewMemoryRepository()
	case "redis":
		in.projects = project.NewRedisRepository(in.redis)
	default:
		in.close()
		return nil, fmt.Errorf("unknown projects driver %q", cfg.Projects.Driver)
	}

	switch cfg.Progress.Driver {
	case "local":
		in.broker = progress.NewLocalBroker(cfg.Progress.Buffer)
	case "nats":
		nc, err := progress.ConnectNATS(cfg.Progress.NATSURL)
		if err != nil {
			in.close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		b, err := progress.NewNATSBroker(nc, cfg.Progress.SubjectPrefix, cfg.Progress.Buffer, logger.Named("nats"))
		if err != nil {
			nc.Close()
			in.close()
			return nil, fmt.Errorf("failed to subscribe to progress events: %w", err)
		}
		in.closers = append(in.closers, b.Close)
		in.broker = b
	default:
		in.close()
		return nil, fmt.Errorf("unknown progress driver %q", cfg.Progress.Driver)
	}

	switch cfg.Queue.Driver {
	case "memory":
		q := queue.NewMemoryQueue()
		in.queue, in.enqueuer, in.stats = q, q, q
	case "redis":
		q := queue.NewRedisQueue(in.redis, cfg.Queue.Prefix)
		in.queue, in.enqueuer, in.stats = q, q, q
	case "asynq":
		opt := redisOpt(cfg)
		asynqClient := asynq.NewClient(opt)
		inspector := asynq.NewInspector(opt)
		in.closers = append(in.closers, func() {
			_ = asynqClient.Close()
			_ = inspector.Close()
		})
		q := queue.NewAsynqEnqueuer(asynqClient, inspector, cfg.Render.MaxAttempts, cfg.Store.Retention)
		in.enqueuer, in.stats = q, q
	default:
		in.close()
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}

	if cfg.Server.Role != config.RoleAll && cfg.Progress.Driver == "local" {
		logger.Warn("Split api/worker roles with local progress: streams only see events published in this process")
	}
	return in, nil
}

func setupStorage(cfg *config.Config, logger *zap.Logger) client.StorageClient {
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err == nil {
			return r2Client
		}
		logger.Warn("R2 client not initialized", zap.Error(err))
	} else {
		logger.Info("R2 storage not configured, using memory storage")
	}
	return client.NewMemoryStorage("")
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func newAsynqServer(cfg *config.Config, logger *zap.Logger, pl *pipeline.Pipeline) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	return asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency: cfg.Render.Concurrency,
		Queues:      queue.AsynqQueueWeights,
		LogLevel:    asynqLogLevel,
		Logger:      logger.Named("asynq").Sugar(),
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return pl.Backoff(n + 1)
		},
		ShutdownTimeout: 30 * time.Second,
	})
}

func purgeLoop(ctx context.Context, st *store.SQLiteStore, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeFinishedBefore(ctx, time.Now().Add(-retention))
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Failed to purge finished jobs", zap.Error(err))
			} else if n > 0 {
				logger.Info("Purged finished jobs", zap.Int64("count", n))
			}
		}
	}
}

func newApp(
	cfg *config.Config,
	logger *zap.Logger,
	in *infra,
	renderService *service.RenderService,
	storage client.StorageClient,
	ttsClient *client.TTSClient,
	rendererClient *client.RendererClient,
) *fiber.App {
	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			logger.Warn("JWKS verifier not initialized", zap.Error(err))
		} else {
			tokenVerifier = jwksVerifier
			in.closers = append(in.closers, func() { _ = jwksVerifier.Close() })
		}
	}

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		logger.Info("Gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware(middleware.GatewayOptions{
			SharedSecret: cfg.Gateway.SharedSecret,
			RequiredRole: cfg.Zitadel.RequiredRole,
		})
	} else if tokenVerifier != nil {
		apiAuthMiddleware = middleware.NewAuthMiddlewareWithFallback(tokenVerifier, cfg.JWT.Secret).Authenticate()
	} else {
		apiAuthMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: handler.ErrorHandler,
		BodyLimit:    25 * 1024 * 1024, // slide assets up to 20MB
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	_, usesR2 := storage.(*client.R2Client)
	hub := ws.NewHub(renderService, logger.Named("ws"))
	health := func(c *fiber.Ctx) error {
		status := "ok"
		if in.redis != nil {
			if err := in.redis.Ping(c.Context()).Err(); err != nil {
				status = "degraded"
			}
		}
		if c.QueryBool("deep") {
			if ttsClient.IsConfigured() && ttsClient.HealthCheck(c.Context()) != nil {
				status = "degraded"
			}
			if rendererClient.IsConfigured() && rendererClient.HealthCheck(c.Context()) != nil {
				status = "degraded"
			}
		}
		return c.JSON(fiber.Map{
			"status": status,
			"role":   cfg.Server.Role,
			"services": fiber.Map{
				"tts":      ttsClient.IsConfigured(),
				"renderer": rendererClient.IsConfigured(),
				"r2":       usesR2,
				"auth":     tokenVerifier != nil || cfg.JWT.Secret != "",
			},
			"streams": hub.Active(),
		})
	}

	handler.Register(app, handler.Routes{
		Auth:          apiAuthMiddleware,
		Verify:        handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret),
		Limiter:       middleware.NewRateLimiter(in.redis),
		SubmitPerHour: cfg.RateLimit.SubmitPerHour,
		Render:        handler.NewRenderHandler(renderService, logger.Named("http")),
		Projects:      handler.NewProjectHandler(renderService, logger.Named("http")),
		Assets:        handler.NewAssetHandler(service.NewAssetService(storage, in.projects), logger.Named("http")),
		Hub:           hub,
		Health:        health,
	})
	return app
}
