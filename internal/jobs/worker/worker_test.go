package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	jobrepo "github.com/harvestly/ingest-backend/internal/data/repos/jobs"
	"github.com/harvestly/ingest-backend/internal/data/repos/testutil"
	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
	"github.com/harvestly/ingest-backend/internal/platform/dbctx"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
)

type claimExecutor struct {
	mu       sync.Mutex
	repo     jobrepo.JobRepo
	executed []uuid.UUID
	block    chan struct{} // when set, executions park here
}

// ExecuteJob mimics the lifecycle manager's claim: CAS the row to
// running so the worker stops re-peeking it, then settle it completed.
func (c *claimExecutor) ExecuteJob(ctx context.Context, jobID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := c.repo.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	if err := types.CheckTransition(job.Status, types.StatusRunning); err != nil {
		return err
	}
	job, err = c.repo.UpdateStatus(dbc, job.ID, job.Version, types.StatusRunning, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.executed = append(c.executed, jobID)
	c.mu.Unlock()

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}

	_, err = c.repo.UpdateStatus(dbc, job.ID, job.Version, types.StatusCompleted, nil)
	return err
}

func (c *claimExecutor) ids() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uuid.UUID(nil), c.executed...)
}

func seedJob(t *testing.T, repo jobrepo.JobRepo, db *gorm.DB, status types.Status) *types.Job {
	t.Helper()
	cfg := types.JobConfig{Source: types.SourceConfig{Type: "upload", Bucket: "incoming", Key: "doc.pdf"}}
	job, err := types.NewJob("document_ingest", cfg, false)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.Status = status
	created, err := repo.Create(dbctx.Context{Ctx: context.Background(), Tx: db}, []*types.Job{job})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created[0]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorkerDispatchesPendingJobsInOrder(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobrepo.NewJobRepo(db, log)
	exec := &claimExecutor{repo: repo}

	first := seedJob(t, repo, db, types.StatusPending)
	time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	second := seedJob(t, repo, db, types.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(log, repo, exec, Config{PollInterval: 5 * time.Millisecond})
	w.Start(ctx)

	waitFor(t, 5*time.Second, func() bool { return len(exec.ids()) == 2 })
	cancel()
	w.Wait()

	got := exec.ids()
	if got[0] != first.ID || got[1] != second.ID {
		t.Fatalf("dispatch order = %v, want [%s %s]", got, first.ID, second.ID)
	}

	txc := dbctx.Context{Ctx: context.Background(), Tx: db}
	for _, id := range []uuid.UUID{first.ID, second.ID} {
		job, err := repo.GetByID(txc, id)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if job.Status != types.StatusCompleted {
			t.Fatalf("job %s status = %s, want completed", id, job.Status)
		}
	}
}

func TestWorkerParksRetryingUntilDelayElapses(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobrepo.NewJobRepo(db, log)
	exec := &claimExecutor{repo: repo}

	job := seedJob(t, repo, db, types.StatusRetrying)
	recent := time.Now()
	if err := db.Model(&types.Job{}).Where("id = ?", job.ID).
		Update("last_error_at", recent).Error; err != nil {
		t.Fatalf("set last_error_at: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(log, repo, exec, Config{
		PollInterval: 5 * time.Millisecond,
		RetryDelay:   time.Hour,
	})
	w.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	if n := len(exec.ids()); n != 0 {
		t.Fatalf("parked retrying job was dispatched %d times", n)
	}
	cancel()
	w.Wait()
}

func TestWorkerConcurrencyBound(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobrepo.NewJobRepo(db, log)
	release := make(chan struct{})
	exec := &claimExecutor{repo: repo, block: release}

	for i := 0; i < 3; i++ {
		seedJob(t, repo, db, types.StatusPending)
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(log, repo, exec, Config{PollInterval: 5 * time.Millisecond, Concurrency: 1})
	w.Start(ctx)

	waitFor(t, 5*time.Second, func() bool { return len(exec.ids()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(exec.ids()); n != 1 {
		t.Fatalf("concurrency 1 but %d executions in flight", n)
	}

	close(release)
	waitFor(t, 5*time.Second, func() bool { return len(exec.ids()) == 3 })
	cancel()
	w.Wait()
}

func TestWorkerRecoversStaleRunning(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobrepo.NewJobRepo(db, log)
	exec := &claimExecutor{repo: repo}

	job := seedJob(t, repo, db, types.StatusRunning)
	stale := time.Now().Add(-10 * time.Minute)
	if err := db.Model(&types.Job{}).Where("id = ?", job.ID).
		Updates(map[string]interface{}{"heartbeat_at": stale, "locked_at": stale}).Error; err != nil {
		t.Fatalf("mark stale: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(log, repo, exec, Config{
		PollInterval: 5 * time.Millisecond,
		RetryDelay:   time.Millisecond,
		StaleAfter:   time.Minute,
		SweepEvery:   10 * time.Millisecond,
	})
	w.Start(ctx)

	// The sweep flips the stale row to retrying, the poll loop picks it
	// up, and the executor settles it.
	waitFor(t, 5*time.Second, func() bool { return len(exec.ids()) == 1 })
	cancel()
	w.Wait()

	got, err := repo.GetByID(dbctx.Context{Ctx: context.Background(), Tx: db}, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.StatusCompleted {
		t.Fatalf("status = %s, want completed after recovery", got.Status)
	}
}

func TestWorkerSurvivesExecutorPanic(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobrepo.NewJobRepo(db, log)

	panicky := &panicExecutor{repo: repo}
	seedJob(t, repo, db, types.StatusPending)
	time.Sleep(2 * time.Millisecond)
	seedJob(t, repo, db, types.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(log, repo, panicky, Config{PollInterval: 5 * time.Millisecond})
	w.Start(ctx)

	waitFor(t, 5*time.Second, func() bool { return panicky.count() >= 2 })
	cancel()
	w.Wait()
}

type panicExecutor struct {
	mu   sync.Mutex
	repo jobrepo.JobRepo
	n    int
}

func (p *panicExecutor) ExecuteJob(ctx context.Context, jobID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := p.repo.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.StatusPending {
		return faults.AlreadyRunning(jobID.String())
	}
	if _, err := p.repo.UpdateStatus(dbc, job.ID, job.Version, types.StatusRunning, nil); err != nil {
		return err
	}
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
	panic("handler exploded")
}

func (p *panicExecutor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}
