package preferences

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crestdesk/notify/pkg/db/models"
)

// Repository exposes persistence helpers for notification preferences.
type Repository interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.NotificationPreference, bool, error)
	Upsert(ctx context.Context, pref *models.NotificationPreference) error
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a preferences repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

// Get loads the user's row. The second return is false when no row exists,
// which is an expected state, not an error.
func (r *repositoryImpl) Get(ctx context.Context, userID uuid.UUID) (*models.NotificationPreference, bool, error) {
	var pref models.NotificationPreference
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &pref, true, nil
}

func (r *repositoryImpl) Upsert(ctx context.Context, pref *models.NotificationPreference) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(pref).Error
}
