package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	jobrepo "github.com/harvestly/ingest-backend/internal/data/repos/jobs"
	"github.com/harvestly/ingest-backend/internal/platform/dbctx"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

// Executor is the slice of the lifecycle manager the worker dispatches to.
type Executor interface {
	ExecuteJob(ctx context.Context, jobID uuid.UUID) error
}

type Config struct {
	PollInterval time.Duration // default 1s
	RetryDelay   time.Duration // retrying jobs park at least this long, default 30s
	StaleAfter   time.Duration // running heartbeat silence before recovery, default 2m
	SweepEvery   time.Duration // stale-recovery cadence, default 30s
	Concurrency  int           // concurrent executions, default 1
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Worker polls the store for runnable jobs and hands them to the
// lifecycle manager. Claiming is the manager's versioned write, so two
// workers racing for the same row cost one version conflict, never a
// double execution.
type Worker struct {
	log  *logger.Logger
	repo jobrepo.JobRepo
	exec Executor
	cfg  Config

	wg sync.WaitGroup
}

func NewWorker(log *logger.Logger, repo jobrepo.JobRepo, exec Executor, cfg Config) *Worker {
	return &Worker{
		log:  log.With("component", "JobWorker"),
		repo: repo,
		exec: exec,
		cfg:  cfg.withDefaults(),
	}
}

// Start launches the poll and recovery loops. They exit when ctx is
// cancelled; Wait blocks until in-flight executions drain.
func (w *Worker) Start(ctx context.Context) {
	sem := make(chan struct{}, w.cfg.Concurrency)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.pollOnce(ctx, sem)
			}
		}
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				recovered, err := w.repo.RecoverStale(dbctx.Context{Ctx: ctx}, w.cfg.StaleAfter)
				if err != nil {
					w.log.Warn("stale recovery failed", "error", err)
					continue
				}
				if recovered > 0 {
					w.log.Warn("recovered stale running jobs", "count", recovered)
				}
			}
		}
	}()
}

func (w *Worker) Wait() { w.wg.Wait() }

// pollOnce claims at most one job per tick. The peek can return a row
// another goroutine is still racing to claim; the manager's versioned
// write settles that, so duplicates cost a conflict and nothing else.
func (w *Worker) pollOnce(ctx context.Context, sem chan struct{}) {
	select {
	case sem <- struct{}{}:
	default:
		return // all slots busy, next tick tries again
	}

	job, err := w.repo.NextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.RetryDelay)
	if err != nil {
		<-sem
		w.log.Warn("poll failed", "error", err)
		return
	}
	if job == nil {
		<-sem
		return
	}

	w.wg.Add(1)
	go func(jobID uuid.UUID, jobType string) {
		defer w.wg.Done()
		defer func() { <-sem }()
		w.dispatch(ctx, jobID, jobType)
	}(job.ID, job.JobType)
}

func (w *Worker) dispatch(ctx context.Context, jobID uuid.UUID, jobType string) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job execution panic", "job_id", jobID, "job_type", jobType, "panic", r)
		}
	}()

	err := w.exec.ExecuteJob(ctx, jobID)
	switch {
	case err == nil:
	case errors.Is(err, faults.ErrVersionConflict),
		errors.Is(err, faults.ErrAlreadyRunning),
		errors.Is(err, faults.ErrInvalidTransition):
		// Another worker claimed the row first.
		w.log.Debug("lost claim race", "job_id", jobID, "error", err)
	case errors.Is(err, context.Canceled):
	default:
		w.log.Error("job execution failed", "job_id", jobID, "job_type", jobType, "error", err)
	}
}
