package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
	"github.com/harvestly/ingest-backend/internal/platform/cache"
	"github.com/harvestly/ingest-backend/internal/platform/dbctx"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

// ListFilter narrows List; zero values mean "any".
type ListFilter struct {
	Status  types.Status
	JobType string
	Limit   int
	Offset  int
}

type JobRepo interface {
	Create(dbc dbctx.Context, jobs []*types.Job) ([]*types.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	List(dbc dbctx.Context, filter ListFilter) ([]*types.Job, error)

	// UpdateStatus performs the optimistic-concurrency write: the row is
	// touched only when its stored version still equals expectedVersion,
	// and the version is bumped in the same statement. Extra columns ride
	// along in updates.
	UpdateStatus(dbc dbctx.Context, id uuid.UUID, expectedVersion int64, next types.Status, updates map[string]interface{}) (*types.Job, error)

	// UpdateFields is the CAS write for non-status columns (details,
	// progress checkpoints). Same version discipline as UpdateStatus.
	UpdateFields(dbc dbctx.Context, id uuid.UUID, expectedVersion int64, updates map[string]interface{}) (*types.Job, error)

	// NextRunnable peeks at the oldest pending or retrying job without
	// claiming it; the caller owns the guarded transition to running.
	NextRunnable(dbc dbctx.Context, retryDelay time.Duration) (*types.Job, error)

	// RecoverStale flips running jobs whose heartbeat went quiet back to
	// retrying so a worker can pick them up again.
	RecoverStale(dbc dbctx.Context, staleAfter time.Duration) (int64, error)

	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
}

type jobRepo struct {
	db    *gorm.DB
	log   *logger.Logger
	reads *cache.Cache[*types.Job]
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:    db,
		log:   baseLog.With("repo", "JobRepo"),
		reads: cache.New[*types.Job](5*time.Second, 1024),
	}
}

func (r *jobRepo) Create(dbc dbctx.Context, jobs []*types.Job) ([]*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobs) == 0 {
		return []*types.Job{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	if id == uuid.Nil {
		return nil, faults.NotFoundf("job %s", id)
	}
	// Cached reads only outside a transaction: in-tx callers expect their
	// own uncommitted writes back.
	if dbc.Tx == nil {
		if job, ok := r.reads.Get(id.String()); ok {
			return job, nil
		}
	}

	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.Job
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.NotFoundf("job %s", id)
	}
	if err != nil {
		return nil, err
	}
	if dbc.Tx == nil {
		r.reads.Set(id.String(), &job)
	}
	return &job, nil
}

func (r *jobRepo) List(dbc dbctx.Context, filter ListFilter) ([]*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.Job{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.JobType != "" {
		q = q.Where("job_type = ?", filter.JobType)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var out []*types.Job
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) UpdateStatus(dbc dbctx.Context, id uuid.UUID, expectedVersion int64, next types.Status, updates map[string]interface{}) (*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, faults.NotFoundf("job %s", id)
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = next
	updates["version"] = gorm.Expr("version + 1")
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	r.reads.Delete(id.String())

	if res.RowsAffected == 0 {
		// Requery to tell a missing row apart from a lost version race.
		var count int64
		if err := transaction.WithContext(dbc.Ctx).
			Model(&types.Job{}).
			Where("id = ?", id).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, faults.NotFoundf("job %s", id)
		}
		return nil, faults.VersionConflict(id.String(), expectedVersion)
	}

	var job types.Job
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, expectedVersion int64, updates map[string]interface{}) (*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, faults.NotFoundf("job %s", id)
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	delete(updates, "status")
	updates["version"] = gorm.Expr("version + 1")
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	r.reads.Delete(id.String())

	if res.RowsAffected == 0 {
		var count int64
		if err := transaction.WithContext(dbc.Ctx).
			Model(&types.Job{}).
			Where("id = ?", id).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, faults.NotFoundf("job %s", id)
		}
		return nil, faults.VersionConflict(id.String(), expectedVersion)
	}

	var job types.Job
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) NextRunnable(dbc dbctx.Context, retryDelay time.Duration) (*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	retryCutoff := time.Now().Add(-retryDelay)

	q := transaction.WithContext(dbc.Ctx)
	// Row locks only exist on postgres; the sqlite test dialect would
	// reject the clause.
	if transaction.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var job types.Job
	err := q.
		Where(`
      status = ?
      OR (
        status = ?
        AND (last_error_at IS NULL OR last_error_at < ?)
      )
    `, types.StatusPending, types.StatusRetrying, retryCutoff).
		Order("created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) RecoverStale(dbc dbctx.Context, staleAfter time.Duration) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	staleCutoff := now.Add(-staleAfter)

	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?", types.StatusRunning, staleCutoff).
		Updates(map[string]interface{}{
			"status":     types.StatusRetrying,
			"version":    gorm.Expr("version + 1"),
			"locked_at":  nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		r.log.Warn("recovered stale running jobs", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func (r *jobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND status = ?", id, types.StatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
