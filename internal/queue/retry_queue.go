package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crestdesk/notify/pkg/db/models"
	pkgerrors "github.com/crestdesk/notify/pkg/errors"
	"github.com/crestdesk/notify/pkg/logger"
	"github.com/crestdesk/notify/pkg/metrics"
)

const (
	DefaultCapacity        = 500
	DefaultMaxRetries      = 3
	DefaultProcessInterval = 30 * time.Second
)

// Operation names the deferred mutation kind.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Payload carries the data needed to replay a failed write. Create items
// carry the full notification; update/delete items carry the target ids.
type Payload struct {
	Notification   *models.Notification `json:"notification,omitempty"`
	NotificationID uuid.UUID            `json:"notification_id,omitempty"`
	UserID         uuid.UUID            `json:"user_id,omitempty"`
}

// Item is a deferred mutation awaiting replay.
type Item struct {
	ID          uuid.UUID
	Op          Operation
	Payload     Payload
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
	LastError   string
}

// Executor replays a single queued mutation against the store.
type Executor func(ctx context.Context, item Item) error

// Stats summarizes queue activity.
type Stats struct {
	Size      int    `json:"size"`
	Attempts  uint64 `json:"attempts"`
	Succeeded uint64 `json:"succeeded"`
	Dropped   uint64 `json:"dropped"`
}

// Params configures the retry queue.
type Params struct {
	Logger          *logger.Logger
	Metrics         *metrics.NotifyMetrics
	Executor        Executor
	Capacity        int
	MaxRetries      int
	ProcessInterval time.Duration
}

// Queue holds failed store writes and replays them on a fixed interval.
// Items that exhaust their retry ceiling are dropped and logged; dropping
// is acceptable because notifications are best-effort, but it is always
// observable through stats, logs, and metrics.
type Queue struct {
	mu         sync.Mutex
	items      []*Item
	processing bool
	attempts   uint64
	succeeded  uint64
	dropped    uint64

	logg       *logger.Logger
	metrics    *metrics.NotifyMetrics
	executor   Executor
	capacity   int
	maxRetries int
	done       chan struct{}
	now        func() time.Time
}

// New builds the queue and starts its processing loop.
func New(params Params) (*Queue, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Executor == nil {
		return nil, fmt.Errorf("executor required")
	}
	capacity := params.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	interval := params.ProcessInterval
	if interval <= 0 {
		interval = DefaultProcessInterval
	}
	q := &Queue{
		logg:       params.Logger,
		metrics:    params.Metrics,
		executor:   params.Executor,
		capacity:   capacity,
		maxRetries: maxRetries,
		done:       make(chan struct{}),
		now:        time.Now,
	}
	go q.processLoop(interval)
	return q, nil
}

// Enqueue adds a deferred mutation and returns its id. When the queue is at
// capacity the single oldest item is evicted first.
func (q *Queue) Enqueue(op Operation, payload Payload) uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		evicted := q.items[0]
		q.items = q.items[1:]
		q.dropped++
		q.metrics.IncQueueDropped()
		ctx := q.logg.WithFields(context.Background(), map[string]any{
			"item_id":   evicted.ID.String(),
			"operation": string(evicted.Op),
		})
		q.logg.Warn(ctx, "retry queue at capacity, evicting oldest item")
	}

	item := &Item{
		ID:         uuid.New(),
		Op:         op,
		Payload:    payload,
		MaxRetries: q.maxRetries,
		CreatedAt:  q.now(),
	}
	q.items = append(q.items, item)
	q.metrics.SetQueueDepth(len(q.items))
	return item.ID
}

// Dequeue removes the item with the given id, reporting whether it existed.
func (q *Queue) Dequeue(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.metrics.SetQueueDepth(len(q.items))
			return true
		}
	}
	return false
}

// Size returns the number of items waiting for replay.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// GetStats returns a snapshot of queue counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Size:      len(q.items),
		Attempts:  q.attempts,
		Succeeded: q.succeeded,
		Dropped:   q.dropped,
	}
}

func (q *Queue) processLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.process(context.Background())
		}
	}
}

// process replays every eligible item oldest first. A re-entrancy guard
// ensures a slow pass never overlaps the next tick.
func (q *Queue) process(ctx context.Context) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	pending := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		if item.RetryCount < item.MaxRetries {
			pending = append(pending, item)
		}
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	for _, item := range pending {
		q.attempt(ctx, item)
	}
	q.purgeExhausted(ctx)
}

func (q *Queue) attempt(ctx context.Context, item *Item) {
	err := q.executor(ctx, *item)

	q.mu.Lock()
	defer q.mu.Unlock()

	item.RetryCount++
	item.LastAttempt = q.now()
	q.attempts++

	if err != nil {
		item.LastError = err.Error()
		q.metrics.IncQueueReplay("failure")
		if !pkgerrors.Retryable(pkgerrors.CodeOf(err)) {
			// Retrying cannot change the outcome; exhaust the item so
			// the purge drops it this pass.
			item.RetryCount = item.MaxRetries
		}
		return
	}

	q.succeeded++
	q.metrics.IncQueueReplay("success")
	q.removeLocked(item.ID)
}

// purgeExhausted drops every item at or past its retry ceiling.
func (q *Queue) purgeExhausted(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, item := range q.items {
		if item.RetryCount < item.MaxRetries {
			kept = append(kept, item)
			continue
		}
		q.dropped++
		q.metrics.IncQueueDropped()
		logCtx := q.logg.WithFields(ctx, map[string]any{
			"item_id":    item.ID.String(),
			"operation":  string(item.Op),
			"retries":    item.RetryCount,
			"last_error": item.LastError,
		})
		q.logg.Warn(logCtx, "queued mutation permanently failed")
	}
	q.items = kept
	q.metrics.SetQueueDepth(len(q.items))
}

func (q *Queue) removeLocked(id uuid.UUID) {
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.metrics.SetQueueDepth(len(q.items))
}

// Close stops the processing loop, runs one final synchronous drain, and
// clears remaining state.
func (q *Queue) Close(ctx context.Context) {
	select {
	case <-q.done:
	default:
		close(q.done)
	}

	q.process(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.metrics.SetQueueDepth(0)
}
