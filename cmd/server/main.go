package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-crm-deals/internal/client"
	"github.com/pesio-ai/be-crm-deals/internal/config"
	"github.com/pesio-ai/be-crm-deals/internal/database"
	"github.com/pesio-ai/be-crm-deals/internal/handler"
	"github.com/pesio-ai/be-crm-deals/internal/middleware"
	"github.com/pesio-ai/be-crm-deals/internal/repository"
	"github.com/pesio-ai/be-crm-deals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := newLogger(cfg)

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting CRM Deals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Apply schema migrations
	dbCfg := database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnLife: cfg.Database.MaxConnLife,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}
	if cfg.Database.Migrate {
		if err := database.Migrate(dbCfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		log.Info().Msg("Schema migrations applied")
	}

	// Initialize database
	db, err := database.New(ctx, dbCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS (optional; empty URL disables notifications)
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name))
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer natsConn.Drain()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set; notification publishing disabled")
	}

	// Initialize repositories
	dealRepo := repository.NewDealRepository(db)
	workflowRepo := repository.NewWorkflowDefinitionRepository(db)
	ledgerRepo := repository.NewApprovalLedgerRepository(db)
	conflictRepo := repository.NewConflictRepository(db)
	historyRepo := repository.NewAssignmentHistoryRepository(db)

	// Initialize collaborator clients
	publisher := client.NewNotificationPublisher(natsConn, log)
	directory := client.NewDirectoryClient(cfg.Clients.DirectoryURL, cfg.Clients.DirectoryTimeout)

	// Initialize services
	dealService := service.NewDealService(dealRepo, workflowRepo, ledgerRepo, directory, publisher, log)
	approvalService := service.NewApprovalService(dealRepo, workflowRepo, ledgerRepo, directory, publisher, log)
	assignmentService := service.NewAssignmentService(dealRepo, historyRepo, conflictRepo, publisher, log)

	// Setup HTTP routes
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	httpHandler := handler.NewHTTPHandler(dealService, approvalService, assignmentService, log)
	httpHandler.Register(router)

	// Apply middleware, innermost first. RequestID wraps last so the id
	// is in the context before Logger and Recovery run.
	var h http.Handler = router
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Recovery(log)(h)
	h = middleware.Logger(log)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// newLogger builds the service logger honoring LOG_LEVEL and the
// environment (console output in development, JSON elsewhere).
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Service.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out = os.Stdout
	logger := zerolog.New(out)
	if cfg.Service.Environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}

	return logger.Level(level).With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Logger()
}
