package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"docflow-backend/internal/analyzer"
	"docflow-backend/internal/doctypes"
	"docflow-backend/internal/documents"
	"docflow-backend/internal/extraction"
	"docflow-backend/internal/ingest"
	"docflow-backend/internal/jobs"
	"docflow-backend/internal/ledger"
	"docflow-backend/internal/llm"
	openai "docflow-backend/internal/llm/openai"
	"docflow-backend/internal/merge"
	"docflow-backend/internal/notify"
	"docflow-backend/internal/records"
	"docflow-backend/internal/render"
	"docflow-backend/internal/services/health"
	"docflow-backend/internal/shared/config"
	"docflow-backend/internal/shared/server"
	"docflow-backend/internal/shared/storage/db"
	"docflow-backend/internal/shared/storage/object"
	localstore "docflow-backend/internal/shared/storage/object/local"
	s3store "docflow-backend/internal/shared/storage/object/s3"
	"docflow-backend/internal/uploads"
)

// aiBurst lets a document's first batches go out back to back.
const aiBurst = 2

// App holds shared dependencies and the HTTP router.
type App struct {
	Config        config.Config
	Router        *gin.Engine
	DB            *sql.DB
	Store         object.ObjectStore
	Hub           *notify.Hub
	Pool          *jobs.Pool
	Ledger        *ledger.Ledger
	DocumentsRepo documents.DocumentsRepo
	RecordsRepo   records.Repo
	DocumentTypes doctypes.Source
	LLM           llm.Client
	Orchestrator  *extraction.Orchestrator
	Coordinator   *ingest.Coordinator
	IngestHandler *ingest.Handler
	EventsHandler *notify.Handler
	Health        *health.Service
}

// Build prepares every dependency and wires routes. Call Start before
// serving and Shutdown when done.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return nil, err
	}

	llmClient, err := buildLLM(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Store:  store,
		Hub:    notify.NewHub(cfg.Pipeline.SubscriberBuffer, sink),
		Pool:   jobs.NewPool(cfg.Pipeline.MaxBatches),
		LLM:    llmClient,
	}

	if err := buildRepos(ctx, app); err != nil {
		return nil, err
	}
	buildPipeline(app)

	app.Health = health.NewService(pinger(sqlDB), app.Pool)
	app.Router = server.NewRouter(server.RouterDeps{
		Config:        app.Config,
		IngestHandler: app.IngestHandler,
		EventsHandler: app.EventsHandler,
		Health:        app.Health,
	})

	return app, nil
}

// Start begins event delivery.
func (a *App) Start() {
	a.Hub.Start()
}

// Shutdown drains background work, then closes the event hub and database.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain workers: %w", err))
	}
	if err := a.Hub.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop hub: %w", err))
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}
	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildSink(ctx context.Context, cfg config.Config) (notify.Sink, error) {
	if strings.TrimSpace(cfg.EventsQueueURL) == "" {
		return nil, nil
	}
	sink, err := notify.NewSQSSink(ctx, cfg.AWSRegion, cfg.EventsQueueURL)
	if err != nil {
		return nil, fmt.Errorf("events sink: %w", err)
	}
	return sink, nil
}

func buildLLM(cfg config.Config) (llm.Client, error) {
	client := llm.Client(llm.PlaceholderClient{})
	if cfg.LLMProvider == "openai" && strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		openaiClient, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel)
		if err != nil {
			return nil, err
		}
		client = openaiClient
	} else {
		log.Printf("bootstrap: no LLM provider configured; extraction will fail with %v", llm.ErrNotImplemented)
	}
	return llm.NewRateLimited(client, cfg.Pipeline.AIRatePerSecond, aiBurst), nil
}

func buildRepos(ctx context.Context, app *App) error {
	var seed []doctypes.DocumentType
	if path := strings.TrimSpace(app.Config.DocTypesFile); path != "" {
		types, err := doctypes.LoadFile(path)
		if err != nil {
			return err
		}
		seed = types
	}

	if app.DB != nil {
		typesRepo := &doctypes.PGRepo{DB: app.DB}
		for _, t := range seed {
			if err := typesRepo.Upsert(ctx, t); err != nil {
				return fmt.Errorf("seed document type %q: %w", t.Name, err)
			}
		}
		app.DocumentsRepo = &documents.PGRepo{DB: app.DB}
		app.RecordsRepo = &records.PGRepo{DB: app.DB}
		app.DocumentTypes = typesRepo
		return nil
	}

	app.DocumentsRepo = documents.NewMemoryRepo()
	app.RecordsRepo = records.NewMemoryRepo()
	app.DocumentTypes = doctypes.NewMemoryRepo(seed...)
	return nil
}

func buildPipeline(app *App) {
	p := app.Config.Pipeline

	app.Ledger = ledger.New(app.DocumentsRepo, app.Hub)
	app.Orchestrator = &extraction.Orchestrator{
		Ledger:     app.Ledger,
		Gate:       extraction.Gate{Repo: app.DocumentsRepo},
		Store:      app.Store,
		Rasterizer: render.NewRenderer(p.PdftoppmPath, p.RenderDPI, p.MaxPages),
		Analyzer:   &analyzer.Analyzer{Client: app.LLM, BatchSize: p.BatchPages},
		Merger:     &merge.Merger{Records: app.RecordsRepo, Store: app.Store},
		Types:      app.DocumentTypes,
	}
	app.Coordinator = &ingest.Coordinator{
		Repo:         app.DocumentsRepo,
		Ledger:       app.Ledger,
		Uploader:     &uploads.Worker{Store: app.Store, Ledger: app.Ledger},
		Extractor:    app.Orchestrator,
		Pool:         app.Pool,
		MaxFileBytes: p.MaxUploadBytes,
	}
	app.IngestHandler = ingest.NewHandler(app.Coordinator, app.RecordsRepo)
	app.EventsHandler = &notify.Handler{Hub: app.Hub}
}

// pinger avoids handing a typed nil *sql.DB to the health service.
func pinger(sqlDB *sql.DB) health.Pinger {
	if sqlDB == nil {
		return nil
	}
	return sqlDB
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
