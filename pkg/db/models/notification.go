package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/crestdesk/notify/pkg/db/types"
	"github.com/crestdesk/notify/pkg/enums"
)

// Notification stores in-app notification payloads scoped to users.
type Notification struct {
	ID        uuid.UUID              `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID    uuid.UUID              `gorm:"type:uuid;not null;index" json:"user_id"`
	Type      enums.NotificationType `gorm:"type:notification_type;not null" json:"type"`
	Title     string                 `gorm:"type:text;not null" json:"title"`
	Message   string                 `gorm:"type:text;not null" json:"message"`
	Priority  enums.Priority         `gorm:"type:notification_priority;not null;default:medium" json:"priority"`
	Read      bool                   `gorm:"not null;default:false" json:"read"`
	TicketID  *uuid.UUID             `gorm:"type:uuid" json:"ticket_id,omitempty"`
	Metadata  types.JSONMap          `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt time.Time              `gorm:"type:timestamptz;default:now()" json:"created_at"`
	UpdatedAt time.Time              `gorm:"type:timestamptz;default:now()" json:"updated_at"`
}
