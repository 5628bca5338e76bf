package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crestdesk/notify/pkg/enums"
)

// TypePreference configures delivery for a single notification type.
type TypePreference struct {
	Enabled      bool               `json:"enabled"`
	Priority     enums.Priority     `json:"priority"`
	DeliveryMode enums.DeliveryMode `json:"delivery_mode"`
}

// TypePreferenceMap stores per-type settings as a jsonb column keyed by type.
type TypePreferenceMap map[enums.NotificationType]TypePreference

// Value implements driver.Valuer.
func (m TypePreferenceMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal type preferences: %w", err)
	}
	return raw, nil
}

// Scan implements sql.Scanner.
func (m *TypePreferenceMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type preference source %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// NotificationPreference stores a user's delivery settings, one row per user.
type NotificationPreference struct {
	UserID             uuid.UUID         `gorm:"type:uuid;primaryKey" json:"user_id"`
	EmailNotifications bool              `gorm:"not null;default:true" json:"email_notifications"`
	ToastNotifications bool              `gorm:"not null;default:true" json:"toast_notifications"`
	SoundNotifications bool              `gorm:"not null;default:false" json:"sound_notifications"`
	QuietHoursEnabled  bool              `gorm:"not null;default:false" json:"quiet_hours_enabled"`
	QuietHoursStart    string            `gorm:"type:text;not null;default:'22:00'" json:"quiet_hours_start"`
	QuietHoursEnd      string            `gorm:"type:text;not null;default:'08:00'" json:"quiet_hours_end"`
	TypePreferences    TypePreferenceMap `gorm:"type:jsonb" json:"type_preferences"`
	Language           string            `gorm:"type:text;not null;default:'en'" json:"language"`
	Timezone           string            `gorm:"type:text;not null;default:'UTC'" json:"timezone"`
	CreatedAt          time.Time         `gorm:"type:timestamptz;default:now()" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"type:timestamptz;default:now()" json:"updated_at"`
}
