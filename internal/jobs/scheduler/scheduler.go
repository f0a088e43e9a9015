package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	jobrepo "github.com/harvestly/ingest-backend/internal/data/repos/jobs"
	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
	"github.com/harvestly/ingest-backend/internal/platform/dbctx"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

// Executor is the slice of the lifecycle manager the scheduler needs.
type Executor interface {
	ExecuteJob(ctx context.Context, jobID uuid.UUID) error
}

// parser accepts standard five-field cron specs plus an optional leading
// seconds field and the @every/@hourly descriptors.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ScheduleFile is the on-disk shape consumed by LoadScheduleFile.
type ScheduleFile struct {
	Schedules []ScheduleEntry `yaml:"schedules"`
}

type ScheduleEntry struct {
	JobType string          `yaml:"job_type"`
	Config  types.JobConfig `yaml:"config"`
}

// Entry describes one registered schedule.
type Entry struct {
	JobID   uuid.UUID
	JobType string
	Spec    string
	NextRun time.Time
}

// Scheduler turns cron specs into lifecycle executions. Each registered
// schedule owns a template job row in the scheduled state; the first
// firing runs that row, and later firings of a recurring spec mint fresh
// pending jobs from the same config.
type Scheduler struct {
	log  *logger.Logger
	repo jobrepo.JobRepo
	exec Executor
	cron *cron.Cron

	mu      sync.Mutex
	entries map[uuid.UUID]cron.EntryID
	specs   map[uuid.UUID]string
}

func NewScheduler(log *logger.Logger, repo jobrepo.JobRepo, exec Executor) *Scheduler {
	return &Scheduler{
		log:     log.With("service", "Scheduler"),
		repo:    repo,
		exec:    exec,
		cron:    cron.New(cron.WithParser(parser)),
		entries: map[uuid.UUID]cron.EntryID{},
		specs:   map[uuid.UUID]string{},
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the clock and waits for in-flight firings to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleJob validates the cron spec, persists a template job in the
// scheduled state, and registers the firing. The cron spec comes from
// cfg.Schedule.
func (s *Scheduler) ScheduleJob(ctx context.Context, jobType string, cfg types.JobConfig) (*types.Job, error) {
	if cfg.Schedule == "" {
		return nil, faults.Validationf("schedule spec is required")
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, faults.Validationf("bad schedule spec %q: %v", cfg.Schedule, err)
	}

	job, err := types.NewJob(jobType, cfg, true)
	if err != nil {
		return nil, err
	}
	created, err := s.repo.Create(dbctx.Context{Ctx: ctx}, []*types.Job{job})
	if err != nil {
		return nil, err
	}
	job = created[0]

	entryID, err := s.cron.AddFunc(cfg.Schedule, func() { s.fire(job.ID, jobType, cfg) })
	if err != nil {
		return nil, faults.Validationf("bad schedule spec %q: %v", cfg.Schedule, err)
	}

	s.mu.Lock()
	s.entries[job.ID] = entryID
	s.specs[job.ID] = cfg.Schedule
	s.mu.Unlock()

	s.log.Info("job scheduled", "job_id", job.ID, "job_type", jobType, "spec", cfg.Schedule)
	return job, nil
}

// fire runs on the cron goroutine. The template row is consumed by the
// first firing; afterwards each firing creates a fresh pending job with
// the template's config.
func (s *Scheduler) fire(templateID uuid.UUID, jobType string, cfg types.JobConfig) {
	ctx := context.Background()

	target := templateID
	tpl, err := s.repo.GetByID(dbctx.Context{Ctx: ctx}, templateID)
	if err != nil {
		s.log.Error("schedule fire lookup failed", "job_id", templateID, "error", err)
		return
	}
	if tpl.Status != types.StatusScheduled {
		fresh, err := types.NewJob(jobType, cfg, false)
		if err != nil {
			s.log.Error("schedule fire config rejected", "job_id", templateID, "error", err)
			return
		}
		created, err := s.repo.Create(dbctx.Context{Ctx: ctx}, []*types.Job{fresh})
		if err != nil {
			s.log.Error("schedule fire create failed", "job_id", templateID, "error", err)
			return
		}
		target = created[0].ID
	}

	if err := s.exec.ExecuteJob(ctx, target); err != nil {
		s.log.Error("scheduled execution failed", "job_id", target, "template_id", templateID, "error", err)
	}
}

// UnscheduleJob removes the firing and cancels the template row if it is
// still waiting. An unknown id is NotFound.
func (s *Scheduler) UnscheduleJob(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	entryID, ok := s.entries[jobID]
	if ok {
		delete(s.entries, jobID)
		delete(s.specs, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return faults.NotFoundf("schedule for job %s", jobID)
	}
	s.cron.Remove(entryID)

	job, err := s.repo.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.StatusScheduled {
		return nil
	}
	if _, err := s.repo.UpdateStatus(dbctx.Context{Ctx: ctx}, job.ID, job.Version, types.StatusCancelled, nil); err != nil {
		return err
	}
	s.log.Info("job unscheduled", "job_id", jobID)
	return nil
}

// ListScheduledJobs returns the registered schedules with their next
// firing times.
func (s *Scheduler) ListScheduledJobs() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for jobID, entryID := range s.entries {
		e := s.cron.Entry(entryID)
		job, err := s.repo.GetByID(dbctx.Context{Ctx: context.Background()}, jobID)
		jobType := ""
		if err == nil {
			jobType = job.JobType
		}
		out = append(out, Entry{
			JobID:   jobID,
			JobType: jobType,
			Spec:    s.specs[jobID],
			NextRun: e.Next,
		})
	}
	return out
}

// LoadScheduleFile registers every schedule in a YAML file. Used at boot
// for operator-managed recurring ingests.
func (s *Scheduler) LoadScheduleFile(ctx context.Context, path string) ([]*types.Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Validationf("read schedule file %s: %v", path, err)
	}
	var file ScheduleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, faults.Validationf("parse schedule file %s: %v", path, err)
	}

	jobs := make([]*types.Job, 0, len(file.Schedules))
	for _, entry := range file.Schedules {
		job, err := s.ScheduleJob(ctx, entry.JobType, entry.Config)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
