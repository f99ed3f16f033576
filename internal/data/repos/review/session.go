package review

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	"github.com/yungbote/graphrecall/internal/platform/logger"
)

// SessionRepo is the durable review session store. Every status change is a
// conditional update out of "pending", so at most one terminal transition
// succeeds per session no matter how many processes race.
type SessionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, row *knowledge.ReviewSessionRow) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*knowledge.ReviewSessionRow, error)
	ListPendingByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) ([]*knowledge.ReviewSessionRow, error)

	UpdateSnapshotIfPending(ctx context.Context, tx *gorm.DB, id uuid.UUID, snapshot datatypes.JSON, now time.Time) (bool, error)
	TransitionFromPending(ctx context.Context, tx *gorm.DB, id uuid.UUID, to knowledge.SessionStatus, now time.Time) (bool, error)
	SetResult(ctx context.Context, tx *gorm.DB, id uuid.UUID, result datatypes.JSON, now time.Time) error

	ExpirePendingBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRepo(db *gorm.DB, baseLog *logger.Logger) SessionRepo {
	return &sessionRepo{db: db, log: baseLog.With("repo", "ReviewSessionRepo")}
}

func (r *sessionRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *sessionRepo) Create(ctx context.Context, tx *gorm.DB, row *knowledge.ReviewSessionRow) error {
	if row == nil {
		return nil
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if row.Status == "" {
		row.Status = string(knowledge.SessionPending)
	}
	return r.conn(tx).WithContext(ctx).Create(row).Error
}

func (r *sessionRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*knowledge.ReviewSessionRow, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var row knowledge.ReviewSessionRow
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *sessionRepo) ListPendingByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) ([]*knowledge.ReviewSessionRow, error) {
	var out []*knowledge.ReviewSessionRow
	if ownerID == uuid.Nil {
		return out, nil
	}
	if err := r.conn(tx).WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, string(knowledge.SessionPending)).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) UpdateSnapshotIfPending(ctx context.Context, tx *gorm.DB, id uuid.UUID, snapshot datatypes.JSON, now time.Time) (bool, error) {
	res := r.conn(tx).WithContext(ctx).
		Model(&knowledge.ReviewSessionRow{}).
		Where("id = ? AND status = ? AND expires_at > ?", id, string(knowledge.SessionPending), now).
		Updates(map[string]interface{}{
			"snapshot":   snapshot,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sessionRepo) TransitionFromPending(ctx context.Context, tx *gorm.DB, id uuid.UUID, to knowledge.SessionStatus, now time.Time) (bool, error) {
	if !to.IsTerminal() {
		return false, nil
	}
	q := r.conn(tx).WithContext(ctx).
		Model(&knowledge.ReviewSessionRow{}).
		Where("id = ? AND status = ?", id, string(knowledge.SessionPending))
	// Only expiry may move a session that is already past its horizon.
	if to != knowledge.SessionExpired {
		q = q.Where("expires_at > ?", now)
	}
	res := q.Updates(map[string]interface{}{
		"status":      string(to),
		"updated_at":  now,
		"resolved_at": now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sessionRepo) SetResult(ctx context.Context, tx *gorm.DB, id uuid.UUID, result datatypes.JSON, now time.Time) error {
	return r.conn(tx).WithContext(ctx).
		Model(&knowledge.ReviewSessionRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"result":     result,
			"updated_at": now,
		}).Error
}

func (r *sessionRepo) ExpirePendingBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	res := r.conn(tx).WithContext(ctx).
		Model(&knowledge.ReviewSessionRow{}).
		Where("status = ? AND expires_at <= ?", string(knowledge.SessionPending), cutoff).
		Updates(map[string]interface{}{
			"status":      string(knowledge.SessionExpired),
			"updated_at":  cutoff,
			"resolved_at": cutoff,
		})
	return res.RowsAffected, res.Error
}
