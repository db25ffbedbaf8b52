package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/videogen/internal/auth"
	"github.com/makeasinger/videogen/internal/client"
	"github.com/makeasinger/videogen/internal/config"
	"github.com/makeasinger/videogen/internal/handler"
	"github.com/makeasinger/videogen/internal/logger"
	"github.com/makeasinger/videogen/internal/middleware"
	"github.com/makeasinger/videogen/internal/service"
	ws "github.com/makeasinger/videogen/internal/websocket"
	"github.com/makeasinger/videogen/internal/worker"
	"github.com/makeasinger/videogen/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := validator.New()

	hub := ws.NewHub(log)
	go hub.Run()
	defer hub.Stop()

	// Video client (optional - jobs are rejected with 503 without it)
	var klingClient *client.KlingClient
	if cfg.Kling.Configured() {
		klingClient, err = client.NewKlingClient(&cfg.Kling, client.WithLogger(log))
		if err != nil {
			log.Error("video client not initialized", "error", err)
		}
	} else {
		log.Info("kling credentials not configured, video generation disabled")
	}

	// R2 client (optional - videos are served from the provider URL without it)
	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(ctx, &cfg.R2)
		if err != nil {
			log.Warn("R2 client not initialized", "error", err)
		} else {
			storage = r2Client
		}
	}

	// OIDC verifier (optional - falls back to HMAC caller tokens)
	var tokenVerifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		verifier, err := auth.NewOIDCVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Warn("OIDC verifier not initialized", "error", err)
		} else {
			tokenVerifier = verifier
			defer verifier.Close()
		}
	}

	videoService := service.NewVideoService(redisClient, asynqClient, service.VideoSettings{
		Enabled:  klingClient != nil,
		MaxRetry: cfg.Worker.MaxRetry,
		Timeout:  service.TaskTimeout(cfg.Kling),
	})

	videoHandler := handler.NewVideoHandler(videoService, validate)
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(tokenVerifier, cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
	})

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
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"kling": klingClient != nil,
				"r2":    storage != nil,
				"auth":  tokenVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", apiAuthMiddleware)

	video := api.Group("/video")
	video.Post("/generate", rateLimiter.VideoLimit(cfg.RateLimit.VideoPerHour), videoHandler.Generate)
	video.Get("/status/:jobId", videoHandler.Status)
	video.Get("/result/:jobId", videoHandler.Result)
	video.Post("/cancel/:jobId", videoHandler.Cancel)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", apiAuthMiddleware, videoHandler.AuthorizeStream, websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	var workerSrv *asynq.Server
	if klingClient != nil {
		workerSrv = newWorkerServer(cfg, redisOpt, log)
		videoWorker := worker.NewVideoWorker(videoService, klingClient, storage, hub, cfg.Kling.MaxWait, log)

		mux := asynq.NewServeMux()
		mux.HandleFunc(service.TaskTypeVideo, videoWorker.ProcessTask)

		if err := workerSrv.Start(mux); err != nil {
			log.Error("failed to start worker server", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", "addr", addr, "env", cfg.Server.Env)
	if err := app.Listen(addr); err != nil {
		log.Error("server error", "error", err)
	}

	if workerSrv != nil {
		workerSrv.Shutdown()
	}
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, log *slog.Logger) *asynq.Server {
	level, _ := logger.ParseLevel(cfg.Server.LogLevel)

	asynqLogLevel := asynq.InfoLevel
	switch {
	case level <= slog.LevelDebug:
		asynqLogLevel = asynq.DebugLevel
	case level >= slog.LevelError:
		asynqLogLevel = asynq.ErrorLevel
	case level >= slog.LevelWarn:
		asynqLogLevel = asynq.WarnLevel
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			service.QueueVideo: 1,
		},
		LogLevel: asynqLogLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			log.Warn("video task attempt failed", "type", task.Type(), "retry", retried, "error", err)
		}),
	})
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
