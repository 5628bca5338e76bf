package notify

import (
	"context"

	"github.com/google/uuid"
)

// TicketSummary is the slice of ticket state shown alongside a notification.
type TicketSummary struct {
	ID           uuid.UUID `json:"id"`
	TicketNumber string    `json:"ticket_number"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	Priority     string    `json:"priority"`
}

// TicketLookup resolves ticket summaries for notification enrichment. The
// ticket domain lives outside this subsystem, so lookups are injected and
// treated as best-effort.
type TicketLookup interface {
	GetTicket(ctx context.Context, ticketID uuid.UUID) (*TicketSummary, error)
}
