package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/prabhdeep-singh/katalyst-assistant/internal/api"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/auth"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/config"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/llm"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/logger"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/prompt"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/redis"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/service/assistant"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/service/query"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/storage"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/worker"
)

var (
	cfgFile string
	dbType  string
)

var rootCmd = &cobra.Command{
	Use:          "katalyst",
	Short:        "Role-aware assistant API for IFS Cloud consultants",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("KATALYST_CONFIG"), "path to config file")
	rootCmd.PersistentFlags().StringVar(&dbType, "db", envOr("KATALYST_DB", "sqlite3"), "database driver (sqlite3 or mysql)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setup() (*config.Config, *sql.DB, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logCloser, err := logger.Setup(cfg.Log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("setup logger: %w", err)
	}
	slog.Info("config loaded", "db", dbType, "model", cfg.LLM.Model)

	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logCloser.Close()
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		logCloser.Close()
		return nil, nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	cleanup := func() {
		db.Close()
		logCloser.Close()
	}
	return cfg, db, cleanup, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	_, _, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()
	slog.Info("database schema is up to date", "db", dbType)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, db, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		rdb     *redis.Client
		limiter api.RateLimiter
	)
	if redis.Enabled(cfg) {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		limiter = redis.NewLimiter(rdb, "katalyst:ratelimit")
	} else {
		slog.Warn("redis not configured, token cache and rate limiting disabled")
	}

	assistantService := assistant.NewService(db)
	janitorInterval := time.Duration(cfg.BasicConfig.JanitorInterval) * time.Minute
	if janitorInterval <= 0 {
		janitorInterval = assistant.DefaultTokenCleanupInterval
	}
	assistantService.StartTokenJanitor(ctx, janitorInterval)

	authService := auth.NewService(db, rdb, cfg.Auth.SecretKey, time.Duration(cfg.Auth.TokenExpireMinutes)*time.Minute)

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})
	defer dispatcher.Close()

	gateways := query.NewGatewayFactory(
		llm.Config{
			ModelName:      cfg.LLM.Model,
			APIKey:         cfg.LLM.APIKey,
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
			MaxRetries:     cfg.LLM.MaxRetries,
		},
		llm.Options{
			Endpoints: llm.Endpoints{
				GeminiBaseURL: cfg.LLM.GeminiBaseURL,
				OpenAIURL:     cfg.LLM.OpenAIURL,
			},
			StopOnClientErrors: !cfg.LLM.ShouldRetryClientErrors(),
		},
	)
	composer := prompt.NewComposer(prompt.DefaultCatalog())
	queries := query.NewService(composer, assistantService, gateways, dispatcher, cfg.BasicConfig.HistoryLimit)

	handlers := api.NewHandler(assistantService, authService, queries, limiter, cfg.BasicConfig.MaxQueryLength)
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger())
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8000"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "address", addr, "provider", llm.SelectProvider(llm.Config{ModelName: cfg.LLM.Model}, llm.Endpoints{}).Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}
