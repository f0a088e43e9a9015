package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	jobrepo "github.com/harvestly/ingest-backend/internal/data/repos/jobs"
	"github.com/harvestly/ingest-backend/internal/domain/documents"
	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
	"github.com/harvestly/ingest-backend/internal/notify"
	"github.com/harvestly/ingest-backend/internal/observability"
	"github.com/harvestly/ingest-backend/internal/pipeline"
	"github.com/harvestly/ingest-backend/internal/platform/dbctx"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
	"github.com/harvestly/ingest-backend/internal/platform/retry"
)

// Config bounds retry behavior beyond what each job's own config asks
// for. MaxRetryCeiling is the cumulative cap across every execution of a
// job; a job whose retry_count reaches it fails permanently.
type Config struct {
	MaxRetryCeiling   int
	HeartbeatInterval time.Duration
	Backoff           retry.Policy
}

func (c Config) withDefaults() Config {
	if c.MaxRetryCeiling <= 0 {
		c.MaxRetryCeiling = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

type execution struct {
	cancel   context.CancelFunc
	stage    string
	progress int
	mu       sync.Mutex
}

func (e *execution) snapshot() (string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage, e.progress
}

func (e *execution) set(stage string, progress int) {
	e.mu.Lock()
	e.stage = stage
	e.progress = progress
	e.mu.Unlock()
}

// Snapshot is the live view handed back by GetJobStatus.
type Snapshot struct {
	Job      *types.Job
	Details  types.ExecutionDetails
	Active   bool
	Stage    string
	Progress int
}

// Runner is the slice of the document pipeline the manager drives.
// *pipeline.Pipeline satisfies it.
type Runner interface {
	Process(ctx context.Context, req pipeline.Request) (*documents.FinalResult, types.JobMetrics, error)
	LiveMetrics(jobID uuid.UUID) *pipeline.RunMetrics
}

// Manager drives a job through its status transitions. All writes go
// through the versioned repo so concurrent managers cannot both win.
type Manager struct {
	log      *logger.Logger
	repo     jobrepo.JobRepo
	pipeline Runner
	notifier notify.Notifier
	metrics  *observability.Metrics
	cfg      Config

	mu     sync.Mutex
	active map[uuid.UUID]*execution
}

func NewManager(log *logger.Logger, repo jobrepo.JobRepo, p Runner, n notify.Notifier, m *observability.Metrics, cfg Config) *Manager {
	if n == nil {
		n = notify.Nop{}
	}
	return &Manager{
		log:      log.With("service", "LifecycleManager"),
		repo:     repo,
		pipeline: p,
		notifier: n,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		active:   map[uuid.UUID]*execution{},
	}
}

func (m *Manager) register(jobID uuid.UUID, cancel context.CancelFunc) (*execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[jobID]; ok {
		return nil, faults.AlreadyRunning(jobID.String())
	}
	exec := &execution{cancel: cancel}
	m.active[jobID] = exec
	return exec, nil
}

func (m *Manager) unregister(jobID uuid.UUID) {
	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()
}

func (m *Manager) lookup(jobID uuid.UUID) *execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[jobID]
}

// ExecuteJob runs one job to a terminal or retry-scheduled state. The
// call blocks until the job completes, fails, is cancelled, or parks in
// retrying after exhausting in-process attempts.
func (m *Manager) ExecuteJob(ctx context.Context, jobID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}

	cur, err := m.repo.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	cfg, err := cur.DecodeConfig()
	if err != nil {
		return faults.Validationf("job %s has undecodable config: %v", jobID, err)
	}
	if cur.Status == types.StatusRunning {
		return faults.AlreadyRunning(jobID.String())
	}
	if err := types.CheckTransition(cur.Status, types.StatusRunning); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exec, err := m.register(jobID, cancel)
	if err != nil {
		return err
	}
	defer m.unregister(jobID)

	m.metrics.ActiveJobsInc()
	defer m.metrics.ActiveJobsDec()

	details, _ := cur.DecodeDetails()
	startedAt := time.Now().UTC()

	for {
		details.Attempts++
		details.StartTime = &startedAt
		details.EndTime = nil
		details.Error = ""
		now := time.Now()
		cur, err = m.repo.UpdateStatus(dbc, cur.ID, cur.Version, types.StatusRunning, map[string]interface{}{
			"locked_at":    now,
			"heartbeat_at": now,
			"details":      types.EncodeDetails(details),
			"error":        "",
		})
		if err != nil {
			if errors.Is(err, faults.ErrVersionConflict) {
				m.metrics.IncVersionConflict()
			}
			return err
		}

		hbStop := m.startHeartbeat(runCtx, cur.ID)
		finalErr := m.runOnce(runCtx, dbc, &cur, &details, cfg, exec)
		hbStop()

		if finalErr == nil {
			return nil
		}

		// Cancellation, fatal errors, and exhausted budgets all settle
		// inside runOnce; a retryable error surfaces here to go around.
		var park *retryRequested
		if !errors.As(finalErr, &park) {
			return finalErr
		}

		select {
		case <-runCtx.Done():
			// Stopped while waiting out the backoff.
			return m.settleCancelled(dbc, &cur, &details)
		case <-time.After(park.delay):
		}

		if err := types.CheckTransition(cur.Status, types.StatusRunning); err != nil {
			// Somebody moved the job while we backed off.
			return err
		}
	}
}

// retryRequested tells the execute loop to go around after a backoff.
type retryRequested struct {
	delay time.Duration
	cause error
}

func (r *retryRequested) Error() string { return r.cause.Error() }
func (r *retryRequested) Unwrap() error { return r.cause }

func (m *Manager) runOnce(runCtx context.Context, dbc dbctx.Context, cur **types.Job, details *types.ExecutionDetails, cfg types.JobConfig, exec *execution) error {
	job := *cur

	req := pipeline.Request{
		JobID:  job.ID,
		Config: cfg,
		Progress: func(stage string, pct int) {
			m.reportProgress(dbc, cur, details, exec, stage, pct)
		},
	}

	final, metrics, perr := m.pipeline.Process(runCtx, req)
	_ = final

	details.Metrics = accumulate(details.Metrics, metrics)

	if perr == nil {
		return m.settleCompleted(dbc, cur, details)
	}
	if runCtx.Err() != nil || errors.Is(perr, context.Canceled) {
		return m.settleCancelled(dbc, cur, details)
	}

	job = *cur
	retryable := faults.Retryable(perr)
	// MaxRetries bounds total attempts for the job, so a job configured
	// with 3 records exactly 3 attempts before failing. The ceiling caps
	// cumulative retries across failed/retrying cycles.
	budgetLeft := details.Attempts < cfg.Processing.MaxRetries && job.RetryCount < m.cfg.MaxRetryCeiling

	if !retryable || !budgetLeft {
		return m.settleFailed(dbc, cur, details, perr)
	}

	now := time.Now()
	details.Error = perr.Error()
	next, err := m.repo.UpdateStatus(dbc, job.ID, job.Version, types.StatusRetrying, map[string]interface{}{
		"retry_count":   gorm.Expr("retry_count + 1"),
		"last_error_at": now,
		"error":         perr.Error(),
		"details":       types.EncodeDetails(*details),
	})
	if err != nil {
		if errors.Is(err, faults.ErrVersionConflict) {
			m.metrics.IncVersionConflict()
		}
		return err
	}
	*cur = next

	m.metrics.IncJobRetry(job.JobType)
	backoff := m.backoffFor(cfg, next.RetryCount)
	m.log.Warn("job retrying",
		"job_id", job.ID,
		"job_type", job.JobType,
		"retry_count", next.RetryCount,
		"backoff", backoff.String(),
		"error", perr.Error(),
	)
	return &retryRequested{delay: backoff, cause: perr}
}

func (m *Manager) backoffFor(cfg types.JobConfig, attempt int) time.Duration {
	policy := m.cfg.Backoff
	if cfg.Processing.RetryDelay > 0 {
		policy.BaseDelay = cfg.Processing.RetryDelay
	}
	if cfg.Processing.BackoffMultiplier > 1 {
		policy.Multiplier = cfg.Processing.BackoffMultiplier
	}
	return policy.Backoff(attempt)
}

func (m *Manager) reportProgress(dbc dbctx.Context, cur **types.Job, details *types.ExecutionDetails, exec *execution, stage string, pct int) {
	job := *cur
	pct = types.ClampProgress(details.Progress, pct)
	details.Progress = pct
	details.LastCheckpoint = stage
	exec.set(stage, pct)

	next, err := m.repo.UpdateFields(dbc, job.ID, job.Version, map[string]interface{}{
		"heartbeat_at": time.Now(),
		"details":      types.EncodeDetails(*details),
	})
	if err != nil {
		if errors.Is(err, faults.ErrVersionConflict) {
			// Another writer moved the row; a remote cancel is the one
			// legal way that happens mid-execution.
			m.metrics.IncVersionConflict()
			if fresh, gerr := m.repo.GetByID(dbctx.Context{Ctx: dbc.Ctx, Tx: nil}, job.ID); gerr == nil && fresh.Status == types.StatusCancelled {
				exec.cancel()
				*cur = fresh
				return
			}
		}
		m.log.Warn("progress write failed", "job_id", job.ID, "stage", stage, "error", err)
		return
	}
	*cur = next
	m.notifier.JobProgress(dbc.Ctx, next, float64(pct))
}

func (m *Manager) settleCompleted(dbc dbctx.Context, cur **types.Job, details *types.ExecutionDetails) error {
	job := *cur
	end := time.Now().UTC()
	details.EndTime = &end
	if details.StartTime != nil {
		details.DurationMS = end.Sub(*details.StartTime).Milliseconds()
	}
	details.Progress = 100
	details.Error = ""
	if details.Attempts > 0 {
		details.Metrics.RetryRate = float64(details.Attempts-1) / float64(details.Attempts)
	}

	next, err := m.repo.UpdateStatus(dbc, job.ID, job.Version, types.StatusCompleted, map[string]interface{}{
		"details":   types.EncodeDetails(*details),
		"error":     "",
		"locked_at": nil,
	})
	if err != nil {
		if errors.Is(err, faults.ErrVersionConflict) {
			m.metrics.IncVersionConflict()
		}
		return err
	}
	*cur = next

	m.metrics.ObserveJob(job.JobType, types.StatusCompleted, time.Duration(details.DurationMS)*time.Millisecond)
	m.notifier.JobCompleted(dbc.Ctx, next)
	m.log.Info("job completed", "job_id", job.ID, "job_type", job.JobType, "duration_ms", details.DurationMS)
	return nil
}

func (m *Manager) settleFailed(dbc dbctx.Context, cur **types.Job, details *types.ExecutionDetails, cause error) error {
	job := *cur
	end := time.Now().UTC()
	details.EndTime = &end
	if details.StartTime != nil {
		details.DurationMS = end.Sub(*details.StartTime).Milliseconds()
	}
	details.Error = cause.Error()
	if details.Attempts > 0 {
		details.Metrics.RetryRate = float64(details.Attempts-1) / float64(details.Attempts)
	}

	now := time.Now()
	next, err := m.repo.UpdateStatus(dbc, job.ID, job.Version, types.StatusFailed, map[string]interface{}{
		"details":       types.EncodeDetails(*details),
		"error":         cause.Error(),
		"last_error_at": now,
		"locked_at":     nil,
	})
	if err != nil {
		if errors.Is(err, faults.ErrVersionConflict) {
			m.metrics.IncVersionConflict()
		}
		return err
	}
	*cur = next

	m.metrics.ObserveJob(job.JobType, types.StatusFailed, time.Duration(details.DurationMS)*time.Millisecond)
	m.notifier.JobFailed(dbc.Ctx, next, cause)
	m.log.Error("job failed", "job_id", job.ID, "job_type", job.JobType, "error", cause.Error())
	return cause
}

func (m *Manager) settleCancelled(dbc dbctx.Context, cur **types.Job, details *types.ExecutionDetails) error {
	job := *cur
	if job.Status == types.StatusCancelled {
		// A remote StopJob already moved the row.
		m.notifier.JobCancelled(dbc.Ctx, job)
		return nil
	}
	end := time.Now().UTC()
	details.EndTime = &end
	if details.StartTime != nil {
		details.DurationMS = end.Sub(*details.StartTime).Milliseconds()
	}

	next, err := m.repo.UpdateStatus(dbc, job.ID, job.Version, types.StatusCancelled, map[string]interface{}{
		"details":   types.EncodeDetails(*details),
		"locked_at": nil,
	})
	if err != nil {
		if errors.Is(err, faults.ErrVersionConflict) {
			m.metrics.IncVersionConflict()
		}
		return err
	}
	*cur = next

	m.metrics.ObserveJob(job.JobType, types.StatusCancelled, time.Duration(details.DurationMS)*time.Millisecond)
	m.notifier.JobCancelled(dbc.Ctx, next)
	m.log.Info("job cancelled", "job_id", job.ID, "job_type", job.JobType)
	return nil
}

// StopJob cancels a job cooperatively. A job running in this process is
// signalled and settles itself; a scheduled or remotely-running job is
// moved by CAS. Stopping an already-terminal job is a no-op. A pending
// job has no execution to stop and is rejected with an
// invalid-transition fault rather than cancelled in place.
func (m *Manager) StopJob(ctx context.Context, jobID uuid.UUID) error {
	if exec := m.lookup(jobID); exec != nil {
		exec.cancel()
		return nil
	}

	dbc := dbctx.Context{Ctx: ctx}
	job, err := m.repo.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if err := types.CheckTransition(job.Status, types.StatusCancelled); err != nil {
		return err
	}

	next, err := m.repo.UpdateStatus(dbc, job.ID, job.Version, types.StatusCancelled, map[string]interface{}{
		"locked_at": nil,
	})
	if err != nil {
		if errors.Is(err, faults.ErrVersionConflict) {
			m.metrics.IncVersionConflict()
		}
		return err
	}
	m.notifier.JobCancelled(ctx, next)
	return nil
}

// GetJobStatus returns the stored row overlaid with live execution state
// when the job runs in this process.
func (m *Manager) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*Snapshot, error) {
	job, err := m.repo.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, err
	}
	details, err := job.DecodeDetails()
	if err != nil {
		return nil, faults.Internal(err)
	}

	snap := &Snapshot{
		Job:      job,
		Details:  details,
		Stage:    details.LastCheckpoint,
		Progress: details.Progress,
	}
	if exec := m.lookup(jobID); exec != nil {
		snap.Active = true
		stage, pct := exec.snapshot()
		if stage != "" {
			snap.Stage = stage
		}
		if pct > snap.Progress {
			snap.Progress = pct
		}
		if live := m.pipeline.LiveMetrics(jobID); live != nil {
			snap.Details.Metrics = accumulate(types.JobMetrics{}, live.Snapshot())
		}
	}
	return snap, nil
}

func (m *Manager) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	hbCtx, stop := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := m.repo.Heartbeat(dbctx.Context{Ctx: hbCtx}, jobID); err != nil {
					m.log.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return stop
}

func accumulate(base, delta types.JobMetrics) types.JobMetrics {
	base.RequestCount += delta.RequestCount
	base.BytesProcessed += delta.BytesProcessed
	base.ItemsProcessed += delta.ItemsProcessed
	base.ErrorCount += delta.ErrorCount
	base.BandwidthBytes += delta.BandwidthBytes
	if base.RequestCount > 0 {
		base.SuccessRate = 100 * float64(base.RequestCount-base.ErrorCount) / float64(base.RequestCount)
	}
	if delta.AvgResponseMS > 0 {
		base.AvgResponseMS = delta.AvgResponseMS
	}
	return base
}
