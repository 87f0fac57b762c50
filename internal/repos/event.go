package repos

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
)

// EventRepo is the append-only event log plus its sequencer. Append assigns
// both sequence numbers inside the same transaction that inserts the row;
// no sequence ever exists outside a committed transaction.
type EventRepo interface {
	Append(dbc dbctx.Context, ev *domain.JobEvent) (*domain.JobEvent, error)
	GetByRowID(dbc dbctx.Context, rowID int64) (*domain.JobEvent, error)
	RangeAfter(dbc dbctx.Context, afterSeq int64, jobID *uuid.UUID, limit int) ([]*domain.JobEvent, error)
	MaxSequence(dbc dbctx.Context) (int64, error)
	PruneBefore(dbc dbctx.Context, infoCutoff, errorCutoff time.Time) (int64, error)
	PrunedThrough(dbc dbctx.Context) (int64, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{
		db:  db,
		log: baseLog.With("repo", "EventRepo"),
	}
}

func (r *eventRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *eventRepo) Append(dbc dbctx.Context, ev *domain.JobEvent) (*domain.JobEvent, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var next int64
		if err := tx.Raw(`SELECT COALESCE(MAX(global_sequence), 0) + 1 FROM job_events`).Scan(&next).Error; err != nil {
			return err
		}
		ev.GlobalSequence = next

		if ev.JobID != nil {
			var jobSeq int64
			if err := tx.Raw(
				`SELECT COALESCE(MAX(job_sequence), 0) + 1 FROM job_events WHERE job_id = ?`,
				*ev.JobID,
			).Scan(&jobSeq).Error; err != nil {
				return err
			}
			ev.JobSequence = &jobSeq
		}

		return tx.Create(ev).Error
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return ev, nil
}

func (r *eventRepo) GetByRowID(dbc dbctx.Context, rowID int64) (*domain.JobEvent, error) {
	var ev domain.JobEvent
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("row_id = ?", rowID).
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &ev, nil
}

func (r *eventRepo) RangeAfter(dbc dbctx.Context, afterSeq int64, jobID *uuid.UUID, limit int) ([]*domain.JobEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := r.handle(dbc).WithContext(dbc.Ctx).
		Where("global_sequence > ?", afterSeq).
		Order("global_sequence ASC").
		Limit(limit)
	if jobID != nil {
		q = q.Where("job_id = ?", *jobID)
	}
	var out []*domain.JobEvent
	if err := q.Find(&out).Error; err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

func (r *eventRepo) MaxSequence(dbc dbctx.Context) (int64, error) {
	var maxSeq int64
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Raw(`SELECT COALESCE(MAX(global_sequence), 0) FROM job_events`).
		Scan(&maxSeq).Error
	if err != nil {
		return 0, mapStoreErr(err)
	}
	return maxSeq, nil
}

// PruneBefore removes event rows past their retention window in a single
// transaction and advances the pruned-through watermark. Sequence numbers
// of surviving rows are never touched. Returns the number of rows removed.
func (r *eventRepo) PruneBefore(dbc dbctx.Context, infoCutoff, errorCutoff time.Time) (int64, error) {
	var deleted int64
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var watermark int64
		if err := tx.Raw(
			`SELECT COALESCE(MAX(global_sequence), 0) FROM job_events
			 WHERE (timestamp_utc < ? AND (level IS NULL OR level NOT IN ('warn', 'error')))
			    OR timestamp_utc < ?`,
			infoCutoff, errorCutoff,
		).Scan(&watermark).Error; err != nil {
			return err
		}
		if watermark == 0 {
			return nil
		}

		res := tx.Where(
			"(timestamp_utc < ? AND (level IS NULL OR level NOT IN ('warn', 'error'))) OR timestamp_utc < ?",
			infoCutoff, errorCutoff,
		).Delete(&domain.JobEvent{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected

		var meta domain.EngineMeta
		err := tx.Where("key = ?", domain.MetaPrunedThrough).First(&meta).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&domain.EngineMeta{
				Key:   domain.MetaPrunedThrough,
				Value: strconv.FormatInt(watermark, 10),
			}).Error
		case err != nil:
			return err
		}
		prev, _ := strconv.ParseInt(meta.Value, 10, 64)
		if watermark > prev {
			return tx.Model(&domain.EngineMeta{}).
				Where("key = ?", domain.MetaPrunedThrough).
				Update("value", strconv.FormatInt(watermark, 10)).Error
		}
		return nil
	})
	if err != nil {
		return 0, mapStoreErr(err)
	}
	return deleted, nil
}

// PrunedThrough returns the highest global sequence ever removed by
// retention. A reconnect cursor at or below this value cannot be replayed
// without gaps.
func (r *eventRepo) PrunedThrough(dbc dbctx.Context) (int64, error) {
	var meta domain.EngineMeta
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("key = ?", domain.MetaPrunedThrough).
		First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, mapStoreErr(err)
	}
	v, err := strconv.ParseInt(meta.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt pruned-through value %q: %w", meta.Value, err)
	}
	return v, nil
}
