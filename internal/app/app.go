package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/harvestly/ingest-backend/internal/clients/gcp"
	"github.com/harvestly/ingest-backend/internal/clients/nlp"
	"github.com/harvestly/ingest-backend/internal/data/db"
	jobrepo "github.com/harvestly/ingest-backend/internal/data/repos/jobs"
	"github.com/harvestly/ingest-backend/internal/data/rowstore"
	"github.com/harvestly/ingest-backend/internal/domain/documents"
	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
	"github.com/harvestly/ingest-backend/internal/jobs/lifecycle"
	"github.com/harvestly/ingest-backend/internal/jobs/scheduler"
	"github.com/harvestly/ingest-backend/internal/jobs/worker"
	"github.com/harvestly/ingest-backend/internal/notify"
	"github.com/harvestly/ingest-backend/internal/observability"
	"github.com/harvestly/ingest-backend/internal/pipeline"
	"github.com/harvestly/ingest-backend/internal/platform/breaker"
	"github.com/harvestly/ingest-backend/internal/platform/dbctx"
	"github.com/harvestly/ingest-backend/internal/platform/envutil"
	"github.com/harvestly/ingest-backend/internal/platform/gcs"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
	"github.com/harvestly/ingest-backend/internal/platform/retry"
	"github.com/harvestly/ingest-backend/internal/validation"
)

const schedulerDrainTimeout = 10 * time.Second

// App is the composition root. Fields are exposed for the CLI/API layer
// that embeds this core.
type App struct {
	Log       *logger.Logger
	DB        *gorm.DB
	Cfg       Config
	JobRepo   jobrepo.JobRepo
	Pipeline  *pipeline.Pipeline
	Manager   *lifecycle.Manager
	Scheduler *scheduler.Scheduler
	Worker    *worker.Worker
	Notifier  notify.Notifier
	Metrics   *observability.Metrics

	ocrEngine gcp.OCREngine
	cancel    context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading environment")
	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Sync()
		return nil, err
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	theDB := pg.DB()
	if err := db.AutoMigrateAll(theDB); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}

	jobRepo := jobrepo.NewJobRepo(theDB, log)
	rows := rowstore.New(theDB, log)

	blobs, err := gcs.NewBlobStore(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	var engine gcp.OCREngine
	switch cfg.OCREngine {
	case "vision":
		engine, err = gcp.NewVision(log)
	default:
		engine, err = gcp.NewDocumentAI(log)
	}
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init ocr engine %s: %w", cfg.OCREngine, err)
	}

	nlpClient, err := nlp.NewClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init nlp client: %w", err)
	}

	metrics := observability.Init(log)

	ocrBreaker := breaker.New(breaker.Config{
		Name:         "ocr",
		CallTimeout:  cfg.OCRCallTimeout,
		Window:       cfg.BreakerWindow,
		ResetTimeout: cfg.BreakerReset,
		MinRequests:  uint32(cfg.BreakerMinCalls),
	}, log)
	nlpBreaker := breaker.New(breaker.Config{
		Name:         "nlp",
		CallTimeout:  cfg.NLPCallTimeout,
		Window:       cfg.BreakerWindow,
		ResetTimeout: cfg.BreakerReset,
		MinRequests:  uint32(cfg.BreakerMinCalls),
	}, log)
	observeBreaker(metrics, ocrBreaker)
	observeBreaker(metrics, nlpBreaker)

	gate := validation.NewGate(validation.Config{})

	ocrService := pipeline.NewOCRService(log, engine, ocrBreaker, retry.Policy{}, pipeline.OCRConfig{
		ChunkBytes: cfg.OCRChunkBytes,
		Workers:    cfg.OCRWorkers,
	})
	fetcher := pipeline.NewFetcher(log, blobs, cfg.FetchMaxBytes)

	pipe := pipeline.New(pipeline.Deps{
		Log:        log,
		Fetch:      fetcher,
		OCR:        ocrService,
		NLP:        nlpClient,
		Gate:       gate,
		Rows:       rows,
		Blobs:      blobs,
		Metrics:    metrics,
		NLPBreaker: nlpBreaker,
		NLPPolicy:  retry.Policy{},
	})

	notifier, err := notify.NewRedisNotifier(log)
	if err != nil {
		log.Warn("redis notifier unavailable, job events disabled", "error", err)
		notifier = notify.Nop{}
	}

	manager := lifecycle.NewManager(log, jobRepo, pipe, notifier, metrics, lifecycle.Config{
		MaxRetryCeiling:   cfg.MaxRetryCeiling,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	sched := scheduler.NewScheduler(log, jobRepo, manager)
	wrk := worker.NewWorker(log, jobRepo, manager, worker.Config{
		PollInterval: cfg.PollInterval,
		RetryDelay:   cfg.RetryDelay,
		StaleAfter:   cfg.StaleAfter,
		Concurrency:  cfg.Concurrency,
	})

	return &App{
		Log:       log,
		DB:        theDB,
		Cfg:       cfg,
		JobRepo:   jobRepo,
		Pipeline:  pipe,
		Manager:   manager,
		Scheduler: sched,
		Worker:    wrk,
		Notifier:  notifier,
		Metrics:   metrics,
		ocrEngine: engine,
	}, nil
}

// Start launches the worker, scheduler, and metrics collectors. Safe to
// call once; Close tears everything down.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.Worker.Start(ctx)
	a.Scheduler.Start()
	if a.Cfg.ScheduleFile != "" {
		if _, err := a.Scheduler.LoadScheduleFile(ctx, a.Cfg.ScheduleFile); err != nil {
			return fmt.Errorf("load schedule file: %w", err)
		}
	}

	if a.Metrics != nil {
		a.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
		a.Metrics.StartPostgresCollector(ctx, a.Log, a.DB)
		a.Metrics.StartJobQueueCollector(ctx, a.Log, a.DB)
		if addr := envutil.Str("REDIS_ADDR", ""); addr != "" {
			a.Metrics.StartRedisCollector(ctx, a.Log, addr)
		}
	}
	return nil
}

// observeBreaker feeds breaker transitions into the metrics surface. The
// state gauge encodes closed=0, half-open=1, open=2.
func observeBreaker(m *observability.Metrics, b *breaker.Breaker) {
	b.OnStateChange(func(ev breaker.StateChange) {
		m.SetBreakerState(ev.Name, breakerStateValue(ev.To))
		m.IncBreakerTransition(ev.Name, string(ev.To))
	})
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// SubmitJob creates a pending job; the polling worker picks it up.
func (a *App) SubmitJob(ctx context.Context, jobType string, cfg types.JobConfig) (*types.Job, error) {
	job, err := types.NewJob(jobType, cfg, false)
	if err != nil {
		return nil, err
	}
	created, err := a.JobRepo.Create(dbctx.Context{Ctx: ctx}, []*types.Job{job})
	if err != nil {
		return nil, err
	}
	a.Log.Info("job submitted", "job_id", created[0].ID, "job_type", jobType)
	return created[0], nil
}

// ExecuteJob, StopJob, and GetJobStatus are thin passthroughs so callers
// embedding the core do not reach into subpackages.
func (a *App) ExecuteJob(ctx context.Context, jobID uuid.UUID) error {
	return a.Manager.ExecuteJob(ctx, jobID)
}

func (a *App) StopJob(ctx context.Context, jobID uuid.UUID) error {
	return a.Manager.StopJob(ctx, jobID)
}

func (a *App) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*lifecycle.Snapshot, error) {
	return a.Manager.GetJobStatus(ctx, jobID)
}

func (a *App) ScheduleJob(ctx context.Context, jobType string, cfg types.JobConfig) (*types.Job, error) {
	return a.Scheduler.ScheduleJob(ctx, jobType, cfg)
}

func (a *App) UnscheduleJob(ctx context.Context, jobID uuid.UUID) error {
	return a.Scheduler.UnscheduleJob(ctx, jobID)
}

func (a *App) ListScheduledJobs() []scheduler.Entry {
	return a.Scheduler.ListScheduledJobs()
}

// ProcessDocument runs the pipeline directly, outside job bookkeeping.
// Callers that want lifecycle tracking go through SubmitJob instead.
func (a *App) ProcessDocument(ctx context.Context, req pipeline.Request) (*documents.FinalResult, types.JobMetrics, error) {
	return a.Pipeline.Process(ctx, req)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Scheduler != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), schedulerDrainTimeout)
		if err := a.Scheduler.Stop(stopCtx); err != nil {
			a.Log.Warn("scheduler drain timed out", "error", err)
		}
		stopCancel()
	}
	if a.Worker != nil {
		a.Worker.Wait()
	}
	if a.ocrEngine != nil {
		if err := a.ocrEngine.Close(); err != nil {
			a.Log.Warn("ocr engine close failed", "error", err)
		}
	}
	if a.Notifier != nil {
		if err := a.Notifier.Close(); err != nil {
			a.Log.Warn("notifier close failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
