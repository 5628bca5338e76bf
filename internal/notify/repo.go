package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/crestdesk/notify/internal/realtime"
	"github.com/crestdesk/notify/pkg/db"
	"github.com/crestdesk/notify/pkg/db/models"
	"github.com/crestdesk/notify/pkg/enums"
	pkgerrors "github.com/crestdesk/notify/pkg/errors"
	"github.com/crestdesk/notify/pkg/logger"
)

// Filters narrows a notification list read.
type Filters struct {
	UnreadOnly bool
	Type       enums.NotificationType
	Limit      int
}

// key renders a canonical cache key fragment for the filter combination.
func (f Filters) key() string {
	return fmt.Sprintf("u=%t;t=%s;l=%d", f.UnreadOnly, f.Type, f.Limit)
}

// Repository persists notifications scoped to their owning user.
type Repository interface {
	Create(ctx context.Context, notification *models.Notification) error
	List(ctx context.Context, userID uuid.UUID, filters Filters) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) (*models.Notification, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
	UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error)
}

type repositoryImpl struct {
	client    *db.Client
	publisher realtime.Publisher
	logg      *logger.Logger
	now       func() time.Time
}

// RepositoryParams configures the gorm-backed repository.
type RepositoryParams struct {
	Client    *db.Client
	Publisher realtime.Publisher
	Logger    *logger.Logger
}

// NewRepository returns a notification repository that publishes row events
// onto the change feed after successful writes.
func NewRepository(params RepositoryParams) (Repository, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("db client required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &repositoryImpl{
		client:    params.Client,
		publisher: params.Publisher,
		logg:      params.Logger,
		now:       time.Now,
	}, nil
}

func (r *repositoryImpl) db() *gorm.DB {
	return r.client.DB()
}

func (r *repositoryImpl) Create(ctx context.Context, notification *models.Notification) error {
	if notification.ID == uuid.Nil {
		notification.ID = uuid.New()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = r.now()
	}
	notification.UpdatedAt = r.now()

	if err := r.db().WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	r.publish(ctx, enums.ChangeOpInsert, *notification)
	return nil
}

func (r *repositoryImpl) List(ctx context.Context, userID uuid.UUID, filters Filters) ([]models.Notification, error) {
	query := r.db().WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")

	if filters.UnreadOnly {
		query = query.Where("read = ?", false)
	}
	if filters.Type != "" {
		query = query.Where("type = ?", filters.Type)
	}
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}

	var notifications []models.Notification
	if err := query.Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notifications, nil
}

// MarkRead flips the row to read. The update is scoped to the owning user so
// one user can never touch another's rows.
func (r *repositoryImpl) MarkRead(ctx context.Context, userID, id uuid.UUID) (*models.Notification, error) {
	var notification models.Notification
	err := r.db().WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&notification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("notification %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load notification: %w", err)
	}

	if notification.Read {
		return &notification, nil
	}

	notification.Read = true
	notification.UpdatedAt = r.now()
	if err := r.db().WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"read": true, "updated_at": notification.UpdatedAt}).Error; err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}

	r.publish(ctx, enums.ChangeOpUpdate, notification)
	return &notification, nil
}

// MarkAllRead flips every unread row inside one transaction so a partial
// update can never leave the unread count out of step with the rows, then
// publishes the per-row updates.
func (r *repositoryImpl) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	var updated []models.Notification
	err := r.client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.
			Where("user_id = ? AND read = ?", userID, false).
			Find(&updated).Error; err != nil {
			return err
		}
		if len(updated) == 0 {
			return nil
		}

		now := r.now()
		ids := make([]uuid.UUID, 0, len(updated))
		for i := range updated {
			updated[i].Read = true
			updated[i].UpdatedAt = now
			ids = append(ids, updated[i].ID)
		}
		return tx.
			Model(&models.Notification{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"read": true, "updated_at": now}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}

	for _, row := range updated {
		r.publish(ctx, enums.ChangeOpUpdate, row)
	}
	return int64(len(updated)), nil
}

func (r *repositoryImpl) Delete(ctx context.Context, userID, id uuid.UUID) error {
	result := r.db().WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&models.Notification{})
	if result.Error != nil {
		return fmt.Errorf("delete notification: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("notification %s not found", id))
	}
	return nil
}

func (r *repositoryImpl) UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db().WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// publish pushes the row event onto the change feed. Publication is
// best-effort; the write already committed.
func (r *repositoryImpl) publish(ctx context.Context, op enums.ChangeOp, notification models.Notification) {
	if r.publisher == nil {
		return
	}
	event := realtime.Event{Op: op, Notification: notification}
	if err := r.publisher.Publish(ctx, notification.UserID, event); err != nil {
		logCtx := r.logg.WithUserID(ctx, notification.UserID.String())
		r.logg.Warn(logCtx, "publishing change event failed")
	}
}
