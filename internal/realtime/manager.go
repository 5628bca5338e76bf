package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crestdesk/notify/pkg/logger"
	"github.com/crestdesk/notify/pkg/metrics"
)

// State tracks a connection through its lifecycle. Disconnected is terminal
// until a new Connect call restarts the cycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

const (
	DefaultBackoffBase          = time.Second
	DefaultBackoffMax           = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second
)

// Params configures the connection manager.
type Params struct {
	Logger               *logger.Logger
	Metrics              *metrics.NotifyMetrics
	Stream               Stream
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
}

type connection struct {
	userID        uuid.UUID
	handler       Handler
	state         State
	attempts      int
	lastConnected time.Time

	// gen invalidates goroutines and callbacks from prior connection
	// attempts after a teardown.
	gen            int
	sub            Subscription
	stop           chan struct{}
	reconnectTimer *time.Timer
}

// Manager owns one live change-feed connection per user, reconnecting with
// exponential backoff and checking liveness on a heartbeat interval.
type Manager struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*connection

	stream            Stream
	logg              *logger.Logger
	metrics           *metrics.NotifyMetrics
	backoffBase       time.Duration
	backoffMax        time.Duration
	maxAttempts       int
	heartbeatInterval time.Duration

	afterFunc func(time.Duration, func()) *time.Timer
	now       func() time.Time
}

// NewManager wires the connection manager.
func NewManager(params Params) (*Manager, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Stream == nil {
		return nil, fmt.Errorf("stream required")
	}
	base := params.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}
	max := params.BackoffMax
	if max <= 0 {
		max = DefaultBackoffMax
	}
	attempts := params.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = DefaultMaxReconnectAttempts
	}
	heartbeat := params.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Manager{
		conns:             make(map[uuid.UUID]*connection),
		stream:            params.Stream,
		logg:              params.Logger,
		metrics:           params.Metrics,
		backoffBase:       base,
		backoffMax:        max,
		maxAttempts:       attempts,
		heartbeatInterval: heartbeat,
		afterFunc:         time.AfterFunc,
		now:               time.Now,
	}, nil
}

// Connect opens a live subscription for the user. An existing connection for
// the same user is torn down first, so there is never a window with two live
// subscriptions for one user.
func (m *Manager) Connect(ctx context.Context, userID uuid.UUID, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler required")
	}

	m.mu.Lock()
	gen := 0
	if existing, ok := m.conns[userID]; ok {
		m.teardownLocked(existing)
		// Carry the bumped generation forward so goroutines of the
		// replaced connection can never match the replacement.
		gen = existing.gen
		logCtx := m.logg.WithUserID(context.Background(), userID.String())
		m.logg.Info(logCtx, "replacing existing live connection")
	}
	m.conns[userID] = &connection{
		userID:  userID,
		handler: handler,
		state:   StateConnecting,
		gen:     gen,
	}
	m.mu.Unlock()

	return m.open(ctx, userID)
}

// Reconnect manually re-establishes the user's connection, resetting the
// automatic-retry counter. It remains available after automatic reconnects
// have given up.
func (m *Manager) Reconnect(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	conn, ok := m.conns[userID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no connection for user %s", userID)
	}
	m.teardownLocked(conn)
	conn.attempts = 0
	conn.state = StateConnecting
	m.mu.Unlock()

	return m.open(ctx, userID)
}

// Disconnect closes the user's subscription, cancels pending reconnect and
// heartbeat timers, and forgets the connection. Unknown users are a no-op.
func (m *Manager) Disconnect(userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[userID]
	if !ok {
		return
	}
	m.teardownLocked(conn)
	conn.state = StateDisconnected
	delete(m.conns, userID)
}

// Shutdown disconnects every tracked user.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	users := make([]uuid.UUID, 0, len(m.conns))
	for userID := range m.conns {
		users = append(users, userID)
	}
	m.mu.Unlock()

	for _, userID := range users {
		m.Disconnect(userID)
	}
}

// Status reports the state of the user's connection.
func (m *Manager) Status(userID uuid.UUID) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[userID]
	if !ok {
		return StateDisconnected, false
	}
	return conn.state, true
}

// ConnectionCount returns the number of tracked connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// open establishes the subscription for the user's current connection and
// starts its reader and heartbeat goroutines.
func (m *Manager) open(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	conn, ok := m.conns[userID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if conn.state == StateConnected {
		// A stale reconnect timer fired after the connection was replaced.
		m.mu.Unlock()
		return nil
	}
	conn.state = StateConnecting
	gen := conn.gen
	m.mu.Unlock()

	sub, err := m.stream.Subscribe(ctx, userID)

	m.mu.Lock()
	conn, ok = m.conns[userID]
	if !ok || conn.gen != gen {
		// Disconnected while the subscribe was in flight.
		m.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return nil
	}

	if err != nil {
		conn.state = StateError
		m.scheduleReconnectLocked(conn)
		m.mu.Unlock()
		logCtx := m.logg.WithUserID(context.Background(), userID.String())
		m.logg.Error(logCtx, "change feed subscribe failed", err)
		return fmt.Errorf("subscribe for user %s: %w", userID, err)
	}

	conn.sub = sub
	conn.stop = make(chan struct{})
	conn.state = StateConnected
	conn.attempts = 0
	conn.lastConnected = m.now()
	handler := conn.handler
	stop := conn.stop
	m.mu.Unlock()

	go m.readLoop(userID, gen, sub, handler, stop)
	go m.heartbeatLoop(userID, gen, sub, stop)
	return nil
}

func (m *Manager) readLoop(userID uuid.UUID, gen int, sub Subscription, handler Handler, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case raw, ok := <-sub.Events():
			if !ok {
				select {
				case <-stop:
					return
				default:
				}
				m.onStreamError(userID, gen, errors.New("change feed closed"))
				return
			}
			m.deliver(userID, handler, raw)
		}
	}
}

func (m *Manager) heartbeatLoop(userID uuid.UUID, gen int, sub Subscription, stop chan struct{}) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := sub.Ping(ctx)
			cancel()
			if err != nil {
				// The connection may have been torn down while the
				// ping was in flight.
				select {
				case <-stop:
					return
				default:
				}
				logCtx := m.logg.WithUserID(context.Background(), userID.String())
				m.logg.Warn(logCtx, "heartbeat detected degraded connection")
				m.onStreamError(userID, gen, err)
				return
			}
		}
	}
}

// deliver decodes a feed payload and hands it to the registered handler.
// Malformed payloads are dropped; handler panics are contained so a faulty
// consumer cannot take down the delivery pipeline.
func (m *Manager) deliver(userID uuid.UUID, handler Handler, raw []byte) {
	event, ok := decodeEvent(raw)
	if !ok {
		logCtx := m.logg.WithUserID(context.Background(), userID.String())
		m.logg.Debug(logCtx, "dropping malformed change payload")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logCtx := m.logg.WithUserID(context.Background(), userID.String())
			m.logg.Error(logCtx, "subscriber handler panicked", fmt.Errorf("%v", r))
		}
	}()

	handler(event)
	m.metrics.IncDelivery(string(event.Notification.Type))
}

// onStreamError transitions a live connection into the error state and
// schedules a backoff reconnect, unless the connection was already torn down.
func (m *Manager) onStreamError(userID uuid.UUID, gen int, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[userID]
	if !ok || conn.gen != gen {
		return
	}
	m.teardownLocked(conn)
	conn.state = StateError

	logCtx := m.logg.WithUserID(context.Background(), userID.String())
	m.logg.Error(logCtx, "live connection failed", cause)
	m.scheduleReconnectLocked(conn)
}

// scheduleReconnectLocked arms the backoff timer for the next automatic
// reconnect. Beyond the attempt cap no further automatic reconnects are
// scheduled; manual Reconnect remains available.
func (m *Manager) scheduleReconnectLocked(conn *connection) {
	if conn.attempts >= m.maxAttempts {
		logCtx := m.logg.WithUserID(context.Background(), conn.userID.String())
		m.logg.Warn(logCtx, "reconnect attempts exhausted, giving up")
		return
	}

	delay := m.backoffDelay(conn.attempts)
	conn.attempts++
	m.metrics.IncReconnect()

	userID := conn.userID
	logCtx := m.logg.WithComponent(context.Background(), "realtime")
	logCtx = m.logg.WithFields(logCtx, map[string]any{
		"user_id":  userID.String(),
		"attempt":  conn.attempts,
		"delay_ms": delay.Milliseconds(),
	})
	m.logg.Info(logCtx, "scheduling reconnect")

	conn.reconnectTimer = m.afterFunc(delay, func() {
		m.redial(userID)
	})
}

func (m *Manager) redial(userID uuid.UUID) {
	// Errors schedule the next backoff inside open.
	_ = m.open(context.Background(), userID)
}

// backoffDelay returns min(2^attempt * base, max) for a zero-based attempt.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= m.backoffMax {
			return m.backoffMax
		}
	}
	if delay > m.backoffMax {
		return m.backoffMax
	}
	return delay
}

// teardownLocked invalidates running goroutines, closes the subscription,
// and cancels any pending reconnect timer.
func (m *Manager) teardownLocked(conn *connection) {
	conn.gen++
	if conn.stop != nil {
		close(conn.stop)
		conn.stop = nil
	}
	if conn.sub != nil {
		_ = conn.sub.Close()
		conn.sub = nil
	}
	if conn.reconnectTimer != nil {
		conn.reconnectTimer.Stop()
		conn.reconnectTimer = nil
	}
}
