package enums

import "fmt"

// NotificationType maps to the notification_type enum in Postgres.
type NotificationType string

const (
	NotificationTypeTicketCreated  NotificationType = "ticket_created"
	NotificationTypeTicketUpdated  NotificationType = "ticket_updated"
	NotificationTypeTicketAssigned NotificationType = "ticket_assigned"
	NotificationTypeCommentAdded   NotificationType = "comment_added"
	NotificationTypeSLAWarning     NotificationType = "sla_warning"
	NotificationTypeSLABreach      NotificationType = "sla_breach"
	NotificationTypeSystem         NotificationType = "system"
)

var validNotificationTypes = []NotificationType{
	NotificationTypeTicketCreated,
	NotificationTypeTicketUpdated,
	NotificationTypeTicketAssigned,
	NotificationTypeCommentAdded,
	NotificationTypeSLAWarning,
	NotificationTypeSLABreach,
	NotificationTypeSystem,
}

// NotificationTypes returns the canonical list of types.
func NotificationTypes() []NotificationType {
	out := make([]NotificationType, len(validNotificationTypes))
	copy(out, validNotificationTypes)
	return out
}

// IsValid checks whether the given type matches the canonical enum.
func (n NotificationType) IsValid() bool {
	for _, candidate := range validNotificationTypes {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationType converts raw strings into NotificationType.
func ParseNotificationType(value string) (NotificationType, error) {
	for _, candidate := range validNotificationTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification type %q", value)
}
