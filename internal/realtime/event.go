package realtime

import (
	"encoding/json"

	"github.com/crestdesk/notify/pkg/db/models"
	"github.com/crestdesk/notify/pkg/enums"
)

// Event is a row-level change from the notifications change feed.
type Event struct {
	Op           enums.ChangeOp      `json:"op"`
	Notification models.Notification `json:"notification"`
}

// Handler consumes events for a single user's connection.
type Handler func(Event)

// EncodeEvent serializes an event for the feed transport.
func EncodeEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// decodeEvent parses a raw feed payload. The second return is false for
// empty or malformed payloads, which subscribers tolerate as no-ops.
func decodeEvent(raw []byte) (Event, bool) {
	if len(raw) == 0 {
		return Event{}, false
	}
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, false
	}
	if !event.Op.IsValid() {
		return Event{}, false
	}
	return event, true
}
