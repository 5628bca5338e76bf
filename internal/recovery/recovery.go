package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crestdesk/notify/pkg/enums"
	"github.com/crestdesk/notify/pkg/logger"
	"github.com/crestdesk/notify/pkg/metrics"
)

const (
	DefaultLogCapacity = 100
	DefaultRetryWindow = 60 * time.Second
	DefaultRetryDelay  = time.Second
)

// Operation names used by the notification service when reporting failures.
const (
	OpGetNotifications   = "getNotifications"
	OpGetUnreadCount     = "getUnreadCount"
	OpGetPreferences     = "getPreferences"
	OpCreateNotification = "createNotification"
	OpMarkAsRead         = "markAsRead"
	OpMarkAllAsRead      = "markAllAsRead"
	OpDeleteNotification = "deleteNotification"
	OpSubscribe          = "subscribe"
)

// Action tells the caller what the engine decided.
type Action string

const (
	// ActionRetry means the failure recovered and an inline retry is safe.
	ActionRetry Action = "retry"
	// ActionQueue means the mutation should be handed to the retry queue.
	ActionQueue Action = "queue"
	// ActionReconnect means the subscribe call should be re-issued.
	ActionReconnect Action = "reconnect"
	// ActionOffline means recovery failed because connectivity is down.
	ActionOffline Action = "offline"
	ActionNone    Action = "none"
)

// Context describes the operation that produced an error.
type Context struct {
	Operation      string
	UserID         uuid.UUID
	NotificationID uuid.UUID
	Priority       enums.Priority
}

// Outcome reports the recovery decision for one handled error.
type Outcome struct {
	Severity enums.Severity
	Resolved bool
	Action   Action
}

// Entry is one record in the bounded error log.
type Entry struct {
	ID        uuid.UUID
	Timestamp time.Time
	Err       string
	Context   Context
	Severity  enums.Severity
	Resolved  bool
}

// ConnectivityProbe reports whether the process currently has connectivity.
type ConnectivityProbe func(ctx context.Context) bool

// AdminNotifier is invoked for critical, unresolved errors.
type AdminNotifier func(ctx context.Context, entry Entry)

// Params configures the recovery engine.
type Params struct {
	Logger        *logger.Logger
	Metrics       *metrics.NotifyMetrics
	LogCapacity   int
	RetryWindow   time.Duration
	RetryDelay    time.Duration
	Probe         ConnectivityProbe
	AdminNotifier AdminNotifier
}

// Engine classifies errors by severity and runs operation-specific recovery
// strategies. Handle never fails; the worst case is a logged, unresolved
// outcome.
type Engine struct {
	mu      sync.Mutex
	entries []Entry

	logg          *logger.Logger
	metrics       *metrics.NotifyMetrics
	capacity      int
	retryWindow   time.Duration
	retryDelay    time.Duration
	probe         ConnectivityProbe
	adminNotifier AdminNotifier
	sleep         func(time.Duration)
	now           func() time.Time
}

// NewEngine wires the recovery engine.
func NewEngine(params Params) (*Engine, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	capacity := params.LogCapacity
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	window := params.RetryWindow
	if window <= 0 {
		window = DefaultRetryWindow
	}
	delay := params.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return &Engine{
		logg:          params.Logger,
		metrics:       params.Metrics,
		capacity:      capacity,
		retryWindow:   window,
		retryDelay:    delay,
		probe:         params.Probe,
		adminNotifier: params.AdminNotifier,
		sleep:         time.Sleep,
		now:           time.Now,
	}, nil
}

// Handle classifies the error, records it, and executes the recovery
// strategy for the originating operation.
func (e *Engine) Handle(ctx context.Context, err error, ectx Context) Outcome {
	if err == nil {
		return Outcome{Resolved: true, Action: ActionNone}
	}

	severity := e.classify(err, ectx)
	e.metrics.IncErrorHandled(string(severity))

	outcome := e.recover(ctx, err, ectx, severity)
	outcome.Severity = severity

	entry := Entry{
		ID:        uuid.New(),
		Timestamp: e.now(),
		Err:       err.Error(),
		Context:   ectx,
		Severity:  severity,
		Resolved:  outcome.Resolved,
	}
	e.record(entry)

	logCtx := e.logg.WithOperation(ctx, ectx.Operation)
	logCtx = e.logg.WithFields(logCtx, map[string]any{
		"severity": string(severity),
		"resolved": outcome.Resolved,
		"action":   string(outcome.Action),
	})
	e.logg.Warn(logCtx, "handled operation error")

	if severity == enums.SeverityCritical && !outcome.Resolved {
		e.notifyAdmins(ctx, entry)
	}
	return outcome
}

// classify derives severity from the error text and the operation context.
func (e *Engine) classify(err error, ectx Context) enums.Severity {
	if operationClass(ectx.Operation) == classCreate && ectx.Priority == enums.PriorityHigh {
		return enums.SeverityCritical
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "database", "sql", "store", "constraint", "auth", "unauthorized", "permission", "forbidden"):
		return enums.SeverityHigh
	case containsAny(msg, "network", "fetch", "dial", "timeout", "connection", "unreachable", "refused", "offline"):
		return enums.SeverityMedium
	default:
		return enums.SeverityLow
	}
}

func (e *Engine) recover(ctx context.Context, err error, ectx Context, severity enums.Severity) Outcome {
	if severity == enums.SeverityMedium && e.probe != nil {
		if !e.probe(ctx) {
			return Outcome{Resolved: false, Action: ActionOffline}
		}
		return Outcome{Resolved: true, Action: ActionRetry}
	}

	switch operationClass(ectx.Operation) {
	case classRead:
		e.sleep(e.retryDelay)
		return Outcome{Resolved: true, Action: ActionRetry}
	case classCreate:
		return Outcome{Resolved: false, Action: ActionQueue}
	case classSubscribe:
		e.sleep(e.retryDelay)
		return Outcome{Resolved: true, Action: ActionReconnect}
	default:
		return Outcome{Resolved: false, Action: ActionNone}
	}
}

type opClass int

const (
	classOther opClass = iota
	classRead
	classCreate
	classSubscribe
)

func operationClass(op string) opClass {
	switch op {
	case OpGetNotifications, OpGetUnreadCount, OpGetPreferences:
		return classRead
	case OpCreateNotification:
		return classCreate
	case OpSubscribe:
		return classSubscribe
	default:
		return classOther
	}
}

func containsAny(msg string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// record appends to the bounded, time-ordered log, evicting oldest first.
func (e *Engine) record(entry Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.entries = append(e.entries, entry)
	if len(e.entries) > e.capacity {
		e.entries = e.entries[len(e.entries)-e.capacity:]
	}
}

func (e *Engine) notifyAdmins(ctx context.Context, entry Entry) {
	if e.adminNotifier != nil {
		e.adminNotifier(ctx, entry)
		return
	}
	logCtx := e.logg.WithFields(ctx, map[string]any{
		"operation": entry.Context.Operation,
		"error":     entry.Err,
	})
	e.logg.Error(logCtx, "critical notification failure requires administrator attention", nil)
}

// ShouldRetry refuses further attempts once the operation has accumulated
// maxRetries errors inside the retry window. This guards against tight
// retry storms independently of the retry queue's own ceiling.
func (e *Engine) ShouldRetry(operation string, maxRetries int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.retryWindow)
	count := 0
	for _, entry := range e.entries {
		if entry.Context.Operation == operation && entry.Timestamp.After(cutoff) {
			count++
		}
	}
	return count < maxRetries
}

// Recent returns the most recent k entries, newest first.
func (e *Engine) Recent(k int) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	if k <= 0 || len(e.entries) == 0 {
		return nil
	}
	if k > len(e.entries) {
		k = len(e.entries)
	}
	out := make([]Entry, 0, k)
	for i := len(e.entries) - 1; i >= len(e.entries)-k; i-- {
		out = append(out, e.entries[i])
	}
	return out
}

// BySeverity returns all logged entries with the given severity, oldest first.
func (e *Engine) BySeverity(severity enums.Severity) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Entry
	for _, entry := range e.entries {
		if entry.Severity == severity {
			out = append(out, entry)
		}
	}
	return out
}

// ClearResolved drops every resolved entry from the log.
func (e *Engine) ClearResolved() {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.entries[:0]
	for _, entry := range e.entries {
		if !entry.Resolved {
			kept = append(kept, entry)
		}
	}
	e.entries = kept
}

// Clear drops the whole log.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = nil
}
