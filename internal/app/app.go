package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"corpora/features/document"
	"corpora/features/job"
	"corpora/features/query"
	"corpora/features/stats"
	"corpora/internal/adapter"
	"corpora/internal/adapter/gemini"
	windex "corpora/internal/adapter/weaviate"
	"corpora/internal/config"
	"corpora/internal/extract"
	"corpora/internal/ingest"
	"corpora/internal/middleware"
	"corpora/internal/reconcile"
	"corpora/internal/retrieval"
	"corpora/internal/settings"
)

type App struct {
	Handler  http.Handler
	Consumer *ingest.Consumer

	port int
}

func New(cfg *config.Config, db *sql.DB, index *windex.Index, taskPub job.EventPublisher) (*App, error) {
	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(db)
	settingsService := settings.NewService(settingsRepo)
	seedSettings(cfg, settingsService)
	settingsHandler := settings.NewHandler(settingsService)

	// Repositories
	docRepo := document.NewPostgresRepo(db)
	chunkRepo := document.NewChunkRepo(db)
	jobRepo := job.NewPostgresRepo(db)

	// Ingestion pipeline
	extractor := extract.NewExtractor(extract.NewURLFetcher(0))
	embedder := adapter.NewDynamicEmbedder(settingsService, cfg.OpenAIModel)

	pipeline := ingest.NewPipeline(docRepo, chunkRepo, extractor, embedder, index, ingest.Options{
		EmbedBatchSize:  cfg.EmbedBatchSize,
		UpsertBatchSize: cfg.UpsertBatchSize,
		EmbedWorkers:    cfg.EmbedWorkers,
		RetryAttempts:   cfg.RetryAttempts,
		ChunkMaxSize:    cfg.ChunkMaxSize,
		ChunkOverlap:    cfg.ChunkOverlap,
		ProviderRPS:     cfg.ProviderRPS,
	})
	consumer := ingest.NewConsumer(pipeline, jobRepo)

	// Feature: Document
	reconciler := reconcile.NewService(docRepo, chunkRepo, index, cfg.MaxChunkBound)
	docService := document.NewService(docRepo, chunkRepo, taskPub, reconciler)
	docHandler := document.NewHandler(docService, cfg.UploadDir)

	// Feature: Job
	jobService := job.NewService(jobRepo, taskPub)
	jobHandler := job.NewHandler(jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(docRepo, chunkRepo, jobRepo, index)

	// Feature: Query
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}

	var judge retrieval.Judge
	if cfg.GeminiAPIKey != "" {
		j, err := gemini.NewJudge(context.Background(), cfg.GeminiAPIKey)
		if err != nil {
			slog.Warn("failed to create suitability judge, queries fall back to the score rule", "error", err)
		} else {
			judge = j
		}
	}

	retrievalService := retrieval.NewService(embedder, index, chunkRepo, judge, settingsService, queryLogger)
	queryHandler := query.NewHandler(retrievalService)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /documents", middleware.CorrelationID(enableCORS(docHandler.Create)))
	mux.Handle("POST /documents/upload", middleware.CorrelationID(enableCORS(docHandler.Upload)))
	mux.Handle("GET /documents", middleware.CorrelationID(enableCORS(docHandler.List)))
	mux.Handle("GET /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Get)))
	mux.Handle("DELETE /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Delete)))
	mux.Handle("POST /documents/{id}/remove-from-index", middleware.CorrelationID(enableCORS(docHandler.RemoveFromIndex)))
	mux.Handle("POST /documents/{id}/reingest", middleware.CorrelationID(enableCORS(docHandler.Reingest)))

	mux.Handle("POST /query", middleware.CorrelationID(enableCORS(queryHandler.Search)))

	mux.Handle("GET /settings", middleware.CorrelationID(enableCORS(settingsHandler.GetSettings)))
	mux.Handle("PUT /settings", middleware.CorrelationID(enableCORS(settingsHandler.UpdateSettings)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:  mux,
		Consumer: consumer,
		port:     cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// seedSettings copies environment keys into the settings row when it
// has none, so a fresh deployment works without a manual PUT /settings.
func seedSettings(cfg *config.Config, svc *settings.Service) {
	ctx := context.Background()
	set, err := svc.Get(ctx)
	if err != nil {
		slog.Warn("failed to fetch settings for seeding", "error", err)
		return
	}

	changed := false
	if set.OpenAIAPIKey == "" && cfg.OpenAIAPIKey != "" {
		set.OpenAIAPIKey = cfg.OpenAIAPIKey
		changed = true
	}
	if set.GeminiAPIKey == "" && cfg.GeminiAPIKey != "" {
		set.GeminiAPIKey = cfg.GeminiAPIKey
		changed = true
	}
	if set.EmbedProvider == "" {
		set.EmbedProvider = cfg.EmbedProvider
		changed = true
	}
	if !changed {
		return
	}

	if err := svc.Update(ctx, set); err != nil {
		slog.Warn("failed to seed settings", "error", err)
	} else {
		slog.Info("seeded settings from environment")
	}
}
