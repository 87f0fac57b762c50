package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
)

type ArtifactRepo interface {
	Register(dbc dbctx.Context, art *domain.Artifact) (*domain.Artifact, error)
	Complete(dbc dbctx.Context, id int64, sizeBytes int64, sha256 string) error
	QuarantineForJob(dbc dbctx.Context, jobID uuid.UUID) (int64, error)
	ListForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Artifact, error)
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{
		db:  db,
		log: baseLog.With("repo", "ArtifactRepo"),
	}
}

func (r *artifactRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *artifactRepo) Register(dbc dbctx.Context, art *domain.Artifact) (*domain.Artifact, error) {
	if art.Status == "" {
		art.Status = domain.ArtifactPending
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now().UTC()
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(art).Error; err != nil {
		return nil, mapStoreErr(err)
	}
	return art, nil
}

func (r *artifactRepo) Complete(dbc dbctx.Context, id int64, sizeBytes int64, sha256 string) error {
	now := time.Now().UTC()
	return mapStoreErr(r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.Artifact{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      domain.ArtifactComplete,
			"size_bytes":  sizeBytes,
			"sha256":      sha256,
			"verified_at": now,
		}).Error)
}

// QuarantineForJob marks all non-receipt artifacts of a crashed job so
// partial output is never mistaken for verified output.
func (r *artifactRepo) QuarantineForJob(dbc dbctx.Context, jobID uuid.UUID) (int64, error) {
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.Artifact{}).
		Where("job_id = ? AND artifact_type != ? AND status != ?",
			jobID, domain.ArtifactReceipt, domain.ArtifactComplete).
		Update("status", domain.ArtifactQuarantined)
	if res.Error != nil {
		return 0, mapStoreErr(res.Error)
	}
	return res.RowsAffected, nil
}

func (r *artifactRepo) ListForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Artifact, error) {
	var out []*domain.Artifact
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}
