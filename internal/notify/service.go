package notify

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/crestdesk/notify/internal/cache"
	"github.com/crestdesk/notify/internal/preferences"
	"github.com/crestdesk/notify/internal/queue"
	"github.com/crestdesk/notify/internal/realtime"
	"github.com/crestdesk/notify/internal/recovery"
	"github.com/crestdesk/notify/pkg/db/models"
	"github.com/crestdesk/notify/pkg/db/types"
	"github.com/crestdesk/notify/pkg/enums"
	pkgerrors "github.com/crestdesk/notify/pkg/errors"
	"github.com/crestdesk/notify/pkg/logger"
	"github.com/crestdesk/notify/pkg/metrics"
)

const DefaultCacheTTL = 2 * time.Minute

// Item is a notification with its best-effort ticket enrichment.
type Item struct {
	models.Notification
	Ticket *TicketSummary `json:"ticket,omitempty"`
}

// CreateRequest carries the fields for a new notification.
type CreateRequest struct {
	UserID   uuid.UUID              `validate:"required"`
	Type     enums.NotificationType `validate:"required"`
	Title    string                 `validate:"required,max=200"`
	Message  string                 `validate:"required,max=2000"`
	Priority enums.Priority
	TicketID *uuid.UUID
	Metadata types.JSONMap
}

// ServiceParams wires the notification service.
type ServiceParams struct {
	Logger      *logger.Logger
	Metrics     *metrics.NotifyMetrics
	Repo        Repository
	Cache       *cache.Cache[any]
	Recovery    *recovery.Engine
	Manager     *realtime.Manager
	Preferences *preferences.Store
	Tickets     TicketLookup
	CacheTTL    time.Duration

	QueueCapacity        int
	QueueMaxRetries      int
	QueueProcessInterval time.Duration

	// Closers are shut down last during Cleanup, typically the redis and
	// database clients owned by the process.
	Closers []io.Closer
}

// Service orchestrates notification reads, writes, live delivery, and
// failure handling. Reads degrade to empty results rather than errors;
// failed creates are parked on the retry queue.
type Service struct {
	logg     *logger.Logger
	repo     Repository
	cache    *cache.Cache[any]
	queue    *queue.Queue
	recovery *recovery.Engine
	manager  *realtime.Manager
	prefs    *preferences.Store
	tickets  TicketLookup
	ttl      time.Duration
	validate *validator.Validate
	closers  []io.Closer

	subs *subscriptionSet
}

// NewService builds the service and starts its retry queue.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("repository required")
	}
	if params.Cache == nil {
		return nil, fmt.Errorf("cache required")
	}
	if params.Recovery == nil {
		return nil, fmt.Errorf("recovery engine required")
	}
	if params.Manager == nil {
		return nil, fmt.Errorf("connection manager required")
	}
	if params.Preferences == nil {
		return nil, fmt.Errorf("preferences store required")
	}
	ttl := params.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	s := &Service{
		logg:     params.Logger,
		repo:     params.Repo,
		cache:    params.Cache,
		recovery: params.Recovery,
		manager:  params.Manager,
		prefs:    params.Preferences,
		tickets:  params.Tickets,
		ttl:      ttl,
		validate: validator.New(),
		closers:  params.Closers,
		subs:     newSubscriptionSet(),
	}

	q, err := queue.New(queue.Params{
		Logger:          params.Logger,
		Metrics:         params.Metrics,
		Executor:        s.replay,
		Capacity:        params.QueueCapacity,
		MaxRetries:      params.QueueMaxRetries,
		ProcessInterval: params.QueueProcessInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("build retry queue: %w", err)
	}
	s.queue = q
	return s, nil
}

func listKey(userID uuid.UUID, filters Filters) string {
	return fmt.Sprintf("user:%s:list:%s", userID, filters.key())
}

func unreadKey(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:unread", userID)
}

func userPattern(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:*", userID)
}

// List returns the user's notifications, newest first, cache-first. Store
// failures degrade to an empty list after the recovery engine has had its
// say; the caller never sees a read error.
func (s *Service) List(ctx context.Context, userID uuid.UUID, filters Filters) []Item {
	key := listKey(userID, filters)
	if cached, ok := s.cache.Get(key); ok {
		if items, ok := cached.([]Item); ok {
			return items
		}
	}

	rows, err := s.repo.List(ctx, userID, filters)
	if err != nil {
		outcome := s.recovery.Handle(ctx, err, recovery.Context{
			Operation: recovery.OpGetNotifications,
			UserID:    userID,
		})
		if outcome.Resolved && outcome.Action == recovery.ActionRetry {
			rows, err = s.repo.List(ctx, userID, filters)
		}
		if err != nil {
			return []Item{}
		}
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, Item{
			Notification: row,
			Ticket:       s.lookupTicket(ctx, row.TicketID),
		})
	}
	s.cache.Set(key, items, s.ttl)
	return items
}

// lookupTicket resolves the linked ticket, returning nil on any failure.
func (s *Service) lookupTicket(ctx context.Context, ticketID *uuid.UUID) *TicketSummary {
	if ticketID == nil || s.tickets == nil {
		return nil
	}
	summary, err := s.tickets.GetTicket(ctx, *ticketID)
	if err != nil {
		logCtx := s.logg.WithField(ctx, "ticket_id", ticketID.String())
		s.logg.Debug(logCtx, "ticket enrichment failed")
		return nil
	}
	return summary
}

// Create validates and persists a notification. A failed write is handed to
// the recovery engine and parked on the retry queue; the returned error
// tells the caller the write is deferred, not lost.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Notification, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = enums.PriorityMedium
	}
	notification := &models.Notification{
		ID:       uuid.New(),
		UserID:   req.UserID,
		Type:     req.Type,
		Title:    req.Title,
		Message:  req.Message,
		Priority: priority,
		TicketID: req.TicketID,
		Metadata: req.Metadata,
	}

	if err := s.repo.Create(ctx, notification); err != nil {
		s.recovery.Handle(ctx, err, recovery.Context{
			Operation:      recovery.OpCreateNotification,
			UserID:         req.UserID,
			NotificationID: notification.ID,
			Priority:       priority,
		})
		s.queue.Enqueue(queue.OpCreate, queue.Payload{Notification: notification})
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create notification deferred to retry queue")
	}

	s.cache.Invalidate(userPattern(req.UserID))
	return notification, nil
}

func (s *Service) validateCreate(req CreateRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid notification")
	}
	if !req.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown notification type %q", req.Type))
	}
	if req.Priority != "" && !req.Priority.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid priority %q", req.Priority))
	}
	return nil
}

// MarkRead flips a single notification to read. Unknown ids surface as
// CodeNotFound; store failures go through recovery.
func (s *Service) MarkRead(ctx context.Context, userID, id uuid.UUID) (*models.Notification, error) {
	notification, err := s.repo.MarkRead(ctx, userID, id)
	if err != nil {
		if pkgerrors.CodeOf(err) == pkgerrors.CodeNotFound {
			return nil, err
		}
		s.recovery.Handle(ctx, err, recovery.Context{
			Operation:      recovery.OpMarkAsRead,
			UserID:         userID,
			NotificationID: id,
		})
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notification read")
	}

	s.cache.Invalidate(userPattern(userID))
	return notification, nil
}

// MarkAllRead flips every unread notification for the user, returning how
// many rows changed.
func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	updated, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		s.recovery.Handle(ctx, err, recovery.Context{
			Operation: recovery.OpMarkAllAsRead,
			UserID:    userID,
		})
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark all read")
	}

	s.cache.Invalidate(userPattern(userID))
	return updated, nil
}

// Delete removes the user's notification.
func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, userID, id); err != nil {
		if pkgerrors.CodeOf(err) == pkgerrors.CodeNotFound {
			return err
		}
		s.recovery.Handle(ctx, err, recovery.Context{
			Operation:      recovery.OpDeleteNotification,
			UserID:         userID,
			NotificationID: id,
		})
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete notification")
	}

	s.cache.Invalidate(userPattern(userID))
	return nil
}

// UnreadCount returns the user's unread total, cache-first. Store failures
// degrade to zero.
func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) int64 {
	key := unreadKey(userID)
	if cached, ok := s.cache.Get(key); ok {
		if count, ok := cached.(int64); ok {
			return count
		}
	}

	count, err := s.repo.UnreadCount(ctx, userID)
	if err != nil {
		outcome := s.recovery.Handle(ctx, err, recovery.Context{
			Operation: recovery.OpGetUnreadCount,
			UserID:    userID,
		})
		if outcome.Resolved && outcome.Action == recovery.ActionRetry {
			count, err = s.repo.UnreadCount(ctx, userID)
		}
		if err != nil {
			return 0
		}
	}

	s.cache.Set(key, count, s.ttl)
	return count
}

// Subscribe opens (or returns) the user's live feed. Repeated calls hand
// back the same subscription without opening a second connection. A failed
// initial dial is not fatal; the manager keeps reconnecting with backoff
// and events flow once the feed is reachable.
func (s *Service) Subscribe(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	if existing, ok := s.subs.get(userID); ok {
		return existing, nil
	}

	sub := newSubscription(userID, func() {
		s.manager.Disconnect(userID)
		s.subs.remove(userID)
	})
	if existing, raced := s.subs.putIfAbsent(userID, sub); raced {
		return existing, nil
	}

	if err := s.manager.Connect(ctx, userID, s.handlerFor(sub)); err != nil {
		s.recovery.Handle(ctx, err, recovery.Context{
			Operation: recovery.OpSubscribe,
			UserID:    userID,
		})
	}
	return sub, nil
}

// handlerFor adapts feed events for one subscription. Inserts honor the
// user's delivery preferences; read-state updates always pass so unread
// badges stay in sync. Every event invalidates the user's cached reads.
func (s *Service) handlerFor(sub *Subscription) realtime.Handler {
	return func(event realtime.Event) {
		s.cache.Invalidate(userPattern(sub.userID))

		if event.Op == enums.ChangeOpInsert {
			allowed := s.prefs.ShouldDeliver(
				context.Background(),
				sub.userID,
				event.Notification.Type,
				event.Notification.Priority,
			)
			if !allowed {
				return
			}
		}

		if !sub.forward(event) {
			logCtx := s.logg.WithUserID(context.Background(), sub.userID.String())
			s.logg.Debug(logCtx, "subscriber buffer full, dropping event")
		}
	}
}

// replay executes a queued mutation during retry processing.
func (s *Service) replay(ctx context.Context, item queue.Item) error {
	switch item.Op {
	case queue.OpCreate:
		if item.Payload.Notification == nil {
			return fmt.Errorf("queued create without payload")
		}
		if err := s.repo.Create(ctx, item.Payload.Notification); err != nil {
			return err
		}
		s.cache.Invalidate(userPattern(item.Payload.Notification.UserID))
		return nil
	case queue.OpUpdate:
		if _, err := s.repo.MarkRead(ctx, item.Payload.UserID, item.Payload.NotificationID); err != nil {
			return err
		}
		s.cache.Invalidate(userPattern(item.Payload.UserID))
		return nil
	case queue.OpDelete:
		err := s.repo.Delete(ctx, item.Payload.UserID, item.Payload.NotificationID)
		if pkgerrors.CodeOf(err) == pkgerrors.CodeNotFound {
			// Already gone; the replay achieved its goal.
			err = nil
		}
		if err != nil {
			return err
		}
		s.cache.Invalidate(userPattern(item.Payload.UserID))
		return nil
	default:
		return fmt.Errorf("unknown queued operation %q", item.Op)
	}
}

// GetPreferences returns the user's notification preferences.
func (s *Service) GetPreferences(ctx context.Context, userID uuid.UUID) models.NotificationPreference {
	return s.prefs.Get(ctx, userID)
}

// UpdatePreferences applies a partial preference update.
func (s *Service) UpdatePreferences(ctx context.Context, userID uuid.UUID, patch preferences.UpdatePatch) (models.NotificationPreference, error) {
	return s.prefs.Update(ctx, userID, patch)
}

// ResetPreferences restores the user's preferences to defaults.
func (s *Service) ResetPreferences(ctx context.Context, userID uuid.UUID) (models.NotificationPreference, error) {
	return s.prefs.Reset(ctx, userID)
}

// CacheStats exposes read-cache effectiveness.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// QueueStats exposes retry queue counters.
func (s *Service) QueueStats() queue.Stats {
	return s.queue.GetStats()
}

// ConnectionCount reports how many users have a live feed connection.
func (s *Service) ConnectionCount() int {
	return s.manager.ConnectionCount()
}

// Cleanup cancels subscriptions, drains the retry queue, stops background
// work, and closes the injected clients, aggregating any close failures.
func (s *Service) Cleanup(ctx context.Context) error {
	for _, sub := range s.subs.all() {
		sub.Cancel()
	}
	s.manager.Shutdown()
	s.queue.Close(ctx)
	s.cache.Close()

	var err error
	for _, closer := range s.closers {
		err = multierr.Append(err, closer.Close())
	}
	return err
}
