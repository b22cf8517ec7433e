package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/cache"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/config"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/database"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/handlers"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/identity"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/middleware"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeline"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/reidentify"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/repository"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/secrets"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/series"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/template"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/transfer"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log.Info().Msg("Starting deidentification pipeline")

	// Connect to database
	if err := database.Connect(database.Config{
		DSN:      cfg.DSN(),
		LogLevel: cfg.DBLogLevel,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Initialize cache
	var cacheImpl cache.Cache
	if cfg.CacheEnabled && cfg.CacheType == "redis" {
		addr := fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)
		cacheImpl, err = cache.NewRedisCache(addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		log.Info().Msg("Redis cache initialized")
	} else {
		cacheImpl = cache.NewMemoryCache()
		log.Info().Msg("Memory cache initialized")
	}

	// Create stage directories
	for _, d := range []string{
		cfg.ImportDir, cfg.ProcessingDir, cfg.DeidentDir,
		cfg.ArchiveDir, cfg.DownloadDir, cfg.ExportDir,
	} {
		if err := os.MkdirAll(d, 0755); err != nil {
			log.Fatal().Err(err).Str("dir", d).Msg("Failed to create stage directory")
		}
	}

	// Credential encryption
	box, err := secrets.NewBox(cfg.CredentialKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid credential key")
	}

	// Initialize repositories
	identityRepo := repository.NewIdentityRepository()
	processingRepo := repository.NewProcessingRepository()
	transferRepo := repository.NewTransferRepository()
	templateRepo := repository.NewTemplateRepository()
	credentialRepo := repository.NewCredentialRepository(box, cfg.APIBaseURL)

	// Initialize pipeline components
	mapper := identity.New(identityRepo)
	matcher := template.NewMatcher(templateRepo, cacheImpl)
	materializer := series.NewMaterializer(cfg.ProcessingDir, cfg.Modalities())
	engine := reidentify.New(mapper, cfg.ExportDir)

	transferClient := transfer.NewClient(transfer.Config{
		BaseURL:          cfg.APIBaseURL,
		HealthEndpoint:   cfg.HealthEndpoint,
		UploadEndpoint:   cfg.UploadEndpoint,
		StatusEndpoint:   cfg.StatusEndpoint,
		DownloadEndpoint: cfg.DownloadEndpoint,
		NotifyEndpoint:   cfg.NotifyEndpoint,
		RefreshEndpoint:  cfg.RefreshEndpoint,
		ClientID:         cfg.ClientID,
		MaxRetries:       cfg.MaxRetries,
		RequestTimeout:   time.Duration(cfg.RequestTimeout) * time.Second,
		SkipHealthCheck:  cfg.SkipHealthCheck,
		DoneStatus:       cfg.RemoteDoneStatus,
		FailStatus:       cfg.RemoteFailStatus,
	}, credentialRepo)
	transferSvc := transfer.NewService(transferClient, transferRepo, cfg.ArchiveDir, cfg.DownloadDir)

	p := pipeline.New(processingRepo, transferRepo, transferSvc, materializer, matcher, mapper, engine, pipeline.Dirs{
		Import:   cfg.ImportDir,
		Working:  cfg.ProcessingDir,
		Deident:  cfg.DeidentDir,
		Archive:  cfg.ArchiveDir,
		Artifact: cfg.DownloadDir,
		Export:   cfg.ExportDir,
	})

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler()
	operatorHandler := handlers.NewOperatorHandler(p, processingRepo, templateRepo, transferSvc)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Operator API
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/records", operatorHandler.ListRecords)
		r.Get("/records/{id}", operatorHandler.GetRecord)
		r.Post("/records/{id}/restart", operatorHandler.RestartRecord)

		r.Post("/transfers/{id}/retry", operatorHandler.RetryTransfer)

		r.Post("/scan/export", operatorHandler.TriggerExportChain)
		r.Post("/scan/import", operatorHandler.TriggerImportChain)

		r.Get("/templates", operatorHandler.ListTemplates)
		r.Post("/templates", operatorHandler.RegisterTemplate)
		r.Delete("/templates/{id}", operatorHandler.DeactivateTemplate)
	})

	// Background stage loops
	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()
	go runChain(runCtx, time.Duration(cfg.ScanIntervalSeconds)*time.Second, func(ctx context.Context) {
		p.RunExportChain(ctx)
	})
	go runChain(runCtx, time.Duration(cfg.PollIntervalSeconds)*time.Second, func(ctx context.Context) {
		p.RunImportChain(ctx)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	stopRuns()

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

// runChain executes fn on a fixed interval until ctx is cancelled.
func runChain(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
