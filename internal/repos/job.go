package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
)

type JobRepo interface {
	Create(dbc dbctx.Context, job *domain.Job) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	GetByIdempotencyKey(dbc dbctx.Context, key string) (*domain.Job, error)
	List(dbc dbctx.Context, states []domain.JobState, limit int) ([]*domain.Job, error)
	ClaimNextQueued(dbc dbctx.Context) (*domain.Job, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error
	UpdateFieldsWhereState(dbc dbctx.Context, id uuid.UUID, required []domain.JobState, updates map[string]any) (bool, error)
	StaleClaims(dbc dbctx.Context, claimedBefore time.Time) ([]*domain.Job, error)
	Orphans(dbc dbctx.Context) ([]*domain.Job, error)
	CountByState(dbc dbctx.Context) (map[domain.JobState]int, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *jobRepo) Create(dbc dbctx.Context, job *domain.Job) error {
	return mapStoreErr(r.handle(dbc).WithContext(dbc.Ctx).Create(job).Error)
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &job, nil
}

func (r *jobRepo) GetByIdempotencyKey(dbc dbctx.Context, key string) (*domain.Job, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	var job domain.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).Where("idempotency_key = ?", key).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &job, nil
}

func (r *jobRepo) List(dbc dbctx.Context, states []domain.JobState, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.handle(dbc).WithContext(dbc.Ctx).Order("created_at DESC").Limit(limit)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	var out []*domain.Job
	if err := q.Find(&out).Error; err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

// ClaimNextQueued takes exclusive ownership of the oldest queued job with a
// single conditional UPDATE. Returns nil when nothing is claimable.
func (r *jobRepo) ClaimNextQueued(dbc dbctx.Context) (*domain.Job, error) {
	var claimed *domain.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.Job
		qErr := tx.Where("state = ?", domain.JobStateQueued).
			Order("created_at ASC").
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		now := time.Now().UTC()
		res := tx.Model(&domain.Job{}).
			Where("id = ? AND state = ?", job.ID, domain.JobStateQueued).
			Updates(map[string]any{
				"state":          domain.JobStateRunning,
				"claim_attempts": gorm.Expr("claim_attempts + 1"),
				"claimed_at":     now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another claimer.
			return nil
		}
		if err := tx.Where("id = ?", job.ID).First(&job).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return claimed, nil
}

func (r *jobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return mapStoreErr(r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(updates).Error)
}

// UpdateFieldsWhereState applies updates only if the row is currently in
// one of the required states. Reports whether the guard held.
func (r *jobRepo) UpdateFieldsWhereState(dbc dbctx.Context, id uuid.UUID, required []domain.JobState, updates map[string]any) (bool, error) {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ? AND state IN ?", id, required).
		Updates(updates)
	if res.Error != nil {
		return false, mapStoreErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// StaleClaims finds jobs that were claimed but never emitted a started
// event within the claim window.
func (r *jobRepo) StaleClaims(dbc dbctx.Context, claimedBefore time.Time) ([]*domain.Job, error) {
	var out []*domain.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("state = ? AND started_at IS NULL AND claimed_at IS NOT NULL AND claimed_at < ?",
			domain.JobStateRunning, claimedBefore).
		Find(&out).Error
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

// Orphans finds jobs in states that cannot survive a clean shutdown.
func (r *jobRepo) Orphans(dbc dbctx.Context) ([]*domain.Job, error) {
	var out []*domain.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("state IN ?", []domain.JobState{domain.JobStateRunning, domain.JobStateCancelling}).
		Find(&out).Error
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

func (r *jobRepo) CountByState(dbc dbctx.Context) (map[domain.JobState]int, error) {
	type row struct {
		State domain.JobState
		N     int
	}
	var rows []row
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Select("state, COUNT(*) as n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, mapStoreErr(err)
	}
	out := make(map[domain.JobState]int, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}
