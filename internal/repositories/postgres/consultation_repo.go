package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/curaline/telecare/internal/models"
	"github.com/curaline/telecare/internal/utils"
)

type ConsultationRepository interface {
	Create(ctx context.Context, c *models.Consultation) error
	GetByID(ctx context.Context, id string) (*models.Consultation, error)
	// FindOpenByInitiator returns the initiator's pending or active
	// consultation, or utils.ErrNotFound.
	FindOpenByInitiator(ctx context.Context, initiatorID string) (*models.Consultation, error)
	// UpdateStatus moves the record from one status to another; the update
	// is guarded so an illegal or raced transition fails with
	// utils.ErrStaleStatus.
	UpdateStatus(ctx context.Context, id string, from, to models.ConsultationStatus) error
	SetCounterpart(ctx context.Context, id, counterpartID string) error
	// CompleteWithNotes persists notes and moves active -> completed in one
	// guarded update.
	CompleteWithNotes(ctx context.Context, id, notes string) error
	SetSummary(ctx context.Context, id, summary string) error
	SetMetadata(ctx context.Context, id string, md datatypes.JSON) error
}

type consultationRepo struct {
	db *gorm.DB
}

func NewConsultationRepo(db *gorm.DB) ConsultationRepository {
	return &consultationRepo{db: db}
}

func (r *consultationRepo) Create(ctx context.Context, c *models.Consultation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	err := r.db.WithContext(ctx).Create(c).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// a concurrent start won the uniq_open_initiator index
		return utils.ErrDuplicate
	}
	return err
}

func (r *consultationRepo) GetByID(ctx context.Context, id string) (*models.Consultation, error) {
	var row models.Consultation
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *consultationRepo) FindOpenByInitiator(ctx context.Context, initiatorID string) (*models.Consultation, error) {
	var row models.Consultation
	err := r.db.WithContext(ctx).
		Where("initiator_id = ? AND status IN ?", initiatorID, []models.ConsultationStatus{models.StatusPending, models.StatusActive}).
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *consultationRepo) UpdateStatus(ctx context.Context, id string, from, to models.ConsultationStatus) error {
	if !from.CanTransitionTo(to) {
		return utils.ErrStaleStatus
	}
	res := r.db.WithContext(ctx).
		Model(&models.Consultation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrStaleStatus
	}
	return nil
}

func (r *consultationRepo) SetCounterpart(ctx context.Context, id, counterpartID string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Consultation{}).
		Where("id = ? AND counterpart_id IS NULL", id).
		Updates(map[string]any{"counterpart_id": counterpartID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	// already set: first join wins, later joins are not an error
	return nil
}

func (r *consultationRepo) CompleteWithNotes(ctx context.Context, id, notes string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Consultation{}).
		Where("id = ? AND status = ?", id, models.StatusActive).
		Updates(map[string]any{
			"status":     models.StatusCompleted,
			"notes":      notes,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrStaleStatus
	}
	return nil
}

func (r *consultationRepo) SetSummary(ctx context.Context, id, summary string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Consultation{}).
		Where("id = ? AND status = ?", id, models.StatusCompleted).
		Updates(map[string]any{"summary": summary, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrStaleStatus
	}
	return nil
}

func (r *consultationRepo) SetMetadata(ctx context.Context, id string, md datatypes.JSON) error {
	return r.db.WithContext(ctx).
		Model(&models.Consultation{}).
		Where("id = ?", id).
		Updates(map[string]any{"metadata": md, "updated_at": time.Now().UTC()}).Error
}
