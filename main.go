package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llm-flow-engine/pkg/config"
	"llm-flow-engine/pkg/db"
	"llm-flow-engine/services/models"
	"llm-flow-engine/services/workflow"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()
	slog.SetDefault(config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat))

	var overrides map[string]models.ModelConfig
	if cfg.ModelsFile != "" {
		var err error
		overrides, err = models.LoadOverridesFile(cfg.ModelsFile)
		if err != nil {
			slog.Error("Failed to load model overrides", "path", cfg.ModelsFile, "error", err)
			return
		}
	}
	store, err := models.NewStore(overrides)
	if err != nil {
		slog.Error("Invalid model configuration", "error", err)
		return
	}

	metrics := workflow.NewMetrics(prometheus.DefaultRegisterer)

	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Models:          store,
		Logger:          slog.Default(),
		Metrics:         metrics,
		MaxConcurrency:  cfg.MaxConcurrency,
		ExecutorTimeout: cfg.ExecutorTimeout,
		RunTimeout:      cfg.RunTimeout,
	})
	if err != nil {
		slog.Error("Failed to create engine", "error", err)
		return
	}

	var repo interface {
		workflow.WorkflowRepo
		workflow.SchemaRepo
	}
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			return
		}
		defer pool.Close()
		repo = workflow.NewRepository(pool)
		slog.Info("Using Postgres workflow store")
	} else {
		conn, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			slog.Error("Failed to open SQLite database", "path", cfg.SQLitePath, "error", err)
			return
		}
		defer conn.Close()
		repo = workflow.NewSQLiteRepository(conn)
		slog.Info("Using SQLite workflow store", "path", cfg.SQLitePath)
	}

	// Initialize database schema and seed data
	if err := workflow.InitDB(ctx, repo); err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return
	}

	// setup router
	mainRouter := mux.NewRouter()
	mainRouter.Handle("/metrics", promhttp.Handler()).Methods("GET")
	mainRouter.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()

	workflowService := workflow.NewService(repo, engine, metrics)
	workflowService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.ListenAddr, "models", store.Len(), "functions", len(engine.Functions()))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
	}
}
