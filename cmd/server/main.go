// Package main - SellBridge realtime messaging backend entry point
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/khunghaydien/sellbridge-backend/internal/adapters/gateway"
	"github.com/khunghaydien/sellbridge-backend/internal/adapters/handler"
	"github.com/khunghaydien/sellbridge-backend/internal/adapters/repository"
	"github.com/khunghaydien/sellbridge-backend/internal/adapters/tokencrypt"
	"github.com/khunghaydien/sellbridge-backend/internal/adapters/websocket"
	"github.com/khunghaydien/sellbridge-backend/internal/config"
	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
	"github.com/khunghaydien/sellbridge-backend/internal/core/services"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app := &cli.App{
		Name:    "sellbridge",
		Usage:   "Facebook page webhook ingestion and realtime fan-out server",
		Version: handler.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (TOML); environment variables override it",
				EnvVars: []string{"SELLBRIDGE_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}
			return serve(cfg)
		},
		Commands: []*cli.Command{
			{
				Name:  "check-config",
				Usage: "Load and validate configuration, then exit",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					fmt.Printf("✓ Config OK (port: %d, env: %s, db: %t, redis: %t, rest api: %t)\n",
						cfg.App.Port, cfg.App.Env, cfg.DB.Enabled(), cfg.Redis.Enabled(), cfg.Auth.JWTSecret != "")
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	setupLogger(cfg.App.LogLevel)

	fmt.Println("=== SellBridge - Realtime Messaging Backend ===")

	// 1. Storage (optional: in-memory mode when nothing is configured)
	fmt.Println("[1/4] Connecting storage...")
	var (
		db  *sql.DB
		rdb *redis.Client
		err error
	)
	if cfg.DB.Enabled() {
		db, err = connectMariaDB(cfg.DB, 5, 2*time.Second)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Println("✓ MariaDB connection established")
	}
	if cfg.Redis.Enabled() {
		rdb, err = connectRedis(cfg.Redis, 5, 2*time.Second)
		if err != nil {
			return err
		}
		defer rdb.Close()
		fmt.Println("✓ Redis connection established")
	}

	// 2. Repositories
	fmt.Println("[2/4] Initializing repositories...")
	var (
		tokens      ports.PageTokenStore
		webhookRepo ports.WebhookRepository
		users       ports.UserRepository
	)
	if db != nil {
		mariadbRepo := repository.NewMariaDBRepository(db)
		tokens, webhookRepo, users = mariadbRepo, mariadbRepo, mariadbRepo
	}
	if rdb != nil {
		tokens = repository.NewRedisTokenCache(rdb, tokens, cfg.Redis.TokenTTL)
	}
	if tokens == nil {
		tokens = repository.NewMemoryTokenStore()
		fmt.Println("✓ Page tokens kept in memory (no MariaDB/Redis configured)")
	}

	// 3. Core services
	fmt.Println("[3/4] Initializing services...")
	graph := gateway.NewFacebookClient(gateway.ClientConfig{
		BaseURL:       cfg.Facebook.GraphURL,
		APIVersion:    cfg.Facebook.APIVersion,
		RatePerSecond: cfg.Facebook.RatePerSecond,
	})
	senders := services.NewSenderCache(tokens, graph)
	aggregator := services.NewAggregator(senders)

	registry := websocket.NewRegistry(cfg.Realtime.ClientBuffer)
	registry.OnRemove = func(id, reason string) {
		if reason != websocket.ReasonDisconnect && reason != websocket.ReasonShutdown {
			slog.Warn("Realtime client dropped", "connection_id", id, "reason", reason)
		}
	}

	dispatcher := services.NewDispatcher(aggregator, registry, webhookRepo, cfg.Ingest.QueueSize)

	var watchdog *services.Watchdog
	if cfg.Watchdog.Enabled && webhookRepo != nil {
		watchdog = services.NewWatchdog(webhookRepo, services.WatchdogConfig{
			Interval:      cfg.Watchdog.Interval,
			Retention:     cfg.Watchdog.Retention,
			DiskThreshold: cfg.Watchdog.DiskThreshold,
			BatchSize:     cfg.Watchdog.BatchSize,
			Path:          cfg.Watchdog.Path,
		})
	}

	// 4. HTTP handlers
	fmt.Println("[4/4] Initializing HTTP handlers...")
	ew := handler.ErrorWriter{Development: cfg.IsDevelopment()}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"code":200,"message":"SellBridge is running","data":null}`)
	})

	webhookHandler := handler.NewWebhookHandler(dispatcher, cfg.Facebook.VerifyToken)
	mux.HandleFunc("GET /webhook/facebook", webhookHandler.HandleFacebookVerify)
	mux.HandleFunc("POST /webhook/facebook", webhookHandler.HandleFacebookEvent)

	wsServer := websocket.NewServer(registry, cfg.Realtime.AllowedOrigins)
	mux.HandleFunc("GET /ws", wsServer.ServeWS)

	status := handler.NewStatusHandler(handler.StatusDeps{
		Connections:       registry,
		Conversations:     aggregator,
		Senders:           senders,
		Queue:             dispatcher,
		WatchdogThreshold: cfg.Watchdog.DiskThreshold,
		DiskPath:          cfg.Watchdog.Path,
	}, nil)
	mux.HandleFunc("GET /api/status", status.GetStatus)
	mux.HandleFunc("GET /api/system/metrics", status.GetSystemMetrics)

	if cfg.Auth.JWTSecret != "" {
		var decrypter handler.TokenDecrypter
		if cfg.Auth.EncryptionKey != "" {
			cipher, err := tokencrypt.New(cfg.Auth.EncryptionKey)
			if err != nil {
				return err
			}
			decrypter = cipher
		}

		fb := handler.NewFacebookHandler(graph, tokens, aggregator, decrypter, ew)
		auth := handler.NewAuthMiddleware(cfg.Auth.JWTSecret, users, ew)
		mux.Handle("GET /api/pages", auth.RequireAuth(http.HandlerFunc(fb.GetUserPages)))
		mux.Handle("GET /api/pages/{pageId}/conversations", auth.RequireAuth(http.HandlerFunc(fb.GetPageConversations)))
		mux.Handle("GET /api/conversations/{conversationId}/messages", auth.RequireAuth(http.HandlerFunc(fb.GetConversationMessages)))
		mux.Handle("POST /api/pages/{pageId}/messages", auth.RequireAuth(http.HandlerFunc(fb.SendMessage)))
		mux.Handle("POST /api/pages/{pageId}/feed", auth.RequireAuth(http.HandlerFunc(fb.CreatePost)))
	} else {
		slog.Warn("JWT_SECRET not set, REST API disabled")
	}

	fmt.Println("\n✅ Infrastructure Ready")

	return run(cfg.App.Port, mux, dispatcher, registry, watchdog)
}

// run serves until SIGINT/SIGTERM, then stops accepting requests, drains the
// ingest queue and closes every realtime connection.
func run(port int, h http.Handler, dispatcher *services.Dispatcher, registry *websocket.Registry, watchdog *services.Watchdog) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// The worker outlives the signal context so queued deliveries still drain
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		dispatcher.Run(workerCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Printf("[HTTP] Server listening on %s\n", srv.Addr)
		fmt.Printf("[HTTP] Facebook webhook: http://localhost:%d/webhook/facebook\n", port)
		fmt.Printf("[HTTP] Realtime channel: ws://localhost:%d/ws\n", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if watchdog != nil {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("PANIC recovered in watchdog", "panic", r)
				}
			}()
			watchdog.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		dispatcher.Close()
		select {
		case <-workerDone:
		case <-shutdownCtx.Done():
			cancelWorker()
			<-workerDone
		}

		registry.CloseAll()
		slog.Info("Shutdown complete")
		return err
	})

	return g.Wait()
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// connectMariaDB attempts to connect to MariaDB with retry logic
// Retries are necessary because Docker containers may still be initializing
func connectMariaDB(cfg config.DBConfig, maxRetries int, retryDelay time.Duration) (*sql.DB, error) {
	dsn := cfg.GetDSN()

	var db *sql.DB
	var err error

	for i := 1; i <= maxRetries; i++ {
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			slog.Warn("Failed to configure DB driver", "attempt", i, "max_retries", maxRetries, "error", err)
			time.Sleep(retryDelay)
			continue
		}

		err = db.Ping()
		if err == nil {
			return db, nil
		}

		slog.Warn("Cannot ping MariaDB", "attempt", i, "max_retries", maxRetries, "error", err)
		db.Close()

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	return nil, fmt.Errorf("cannot connect to MariaDB after %d attempts: %w", maxRetries, err)
}

// connectRedis attempts to connect to Redis with retry logic
func connectRedis(cfg config.RedisConfig, maxRetries int, retryDelay time.Duration) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})

	ctx := context.Background()
	var err error

	for i := 1; i <= maxRetries; i++ {
		err = rdb.Ping(ctx).Err()
		if err == nil {
			return rdb, nil
		}

		slog.Warn("Cannot ping Redis", "attempt", i, "max_retries", maxRetries, "error", err)

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	rdb.Close()
	return nil, fmt.Errorf("cannot connect to Redis after %d attempts: %w", maxRetries, err)
}
