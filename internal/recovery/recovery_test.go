package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crestdesk/notify/pkg/enums"
	"github.com/crestdesk/notify/pkg/logger"
)

func newTestEngine(t *testing.T, params Params) *Engine {
	t.Helper()
	if params.Logger == nil {
		params.Logger = logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	}
	e, err := NewEngine(params)
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	e.sleep = func(time.Duration) {}
	return e
}

func TestEngine_SeverityClassification(t *testing.T) {
	e := newTestEngine(t, Params{})

	tests := []struct {
		name     string
		err      error
		ectx     Context
		severity enums.Severity
	}{
		{
			name:     "network errors are medium",
			err:      errors.New("network request timed out"),
			ectx:     Context{Operation: OpGetNotifications},
			severity: enums.SeverityMedium,
		},
		{
			name:     "store errors are high",
			err:      errors.New("database constraint violated"),
			ectx:     Context{Operation: OpMarkAsRead},
			severity: enums.SeverityHigh,
		},
		{
			name:     "auth errors are high",
			err:      errors.New("unauthorized"),
			ectx:     Context{Operation: OpGetNotifications},
			severity: enums.SeverityHigh,
		},
		{
			name:     "high priority create failures are critical",
			err:      errors.New("insert failed"),
			ectx:     Context{Operation: OpCreateNotification, Priority: enums.PriorityHigh},
			severity: enums.SeverityCritical,
		},
		{
			name:     "everything else is low",
			err:      errors.New("something odd"),
			ectx:     Context{Operation: OpMarkAllAsRead},
			severity: enums.SeverityLow,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			outcome := e.Handle(context.Background(), tc.err, tc.ectx)
			if outcome.Severity != tc.severity {
				t.Fatalf("expected %s, got %s", tc.severity, outcome.Severity)
			}
		})
	}
}

func TestEngine_ReadRecoveryRetriesInline(t *testing.T) {
	e := newTestEngine(t, Params{})
	outcome := e.Handle(context.Background(), errors.New("row scan failed"), Context{Operation: OpGetUnreadCount})
	if !outcome.Resolved || outcome.Action != ActionRetry {
		t.Fatalf("read failures should resolve with retry, got %+v", outcome)
	}
}

func TestEngine_CreateRecoveryDefersToQueue(t *testing.T) {
	e := newTestEngine(t, Params{})
	outcome := e.Handle(context.Background(), errors.New("insert failed"), Context{Operation: OpCreateNotification})
	if outcome.Resolved || outcome.Action != ActionQueue {
		t.Fatalf("create failures should defer to the queue, got %+v", outcome)
	}
}

func TestEngine_SubscribeRecoverySignalsReconnect(t *testing.T) {
	e := newTestEngine(t, Params{})
	outcome := e.Handle(context.Background(), errors.New("channel setup failed"), Context{Operation: OpSubscribe})
	if outcome.Action != ActionReconnect {
		t.Fatalf("subscribe failures should signal reconnect, got %+v", outcome)
	}
}

func TestEngine_NetworkRecoveryConsultsProbe(t *testing.T) {
	online := false
	e := newTestEngine(t, Params{
		Probe: func(ctx context.Context) bool { return online },
	})

	outcome := e.Handle(context.Background(), errors.New("network unreachable"), Context{Operation: OpGetNotifications})
	if outcome.Resolved || outcome.Action != ActionOffline {
		t.Fatalf("offline recovery must report failure, got %+v", outcome)
	}

	online = true
	outcome = e.Handle(context.Background(), errors.New("network unreachable"), Context{Operation: OpGetNotifications})
	if !outcome.Resolved {
		t.Fatalf("recovery should succeed once back online, got %+v", outcome)
	}
}

func TestEngine_CriticalUnresolvedNotifiesAdmins(t *testing.T) {
	var notified *Entry
	e := newTestEngine(t, Params{
		AdminNotifier: func(ctx context.Context, entry Entry) {
			notified = &entry
		},
	})

	e.Handle(context.Background(), errors.New("insert failed"), Context{
		Operation: OpCreateNotification,
		Priority:  enums.PriorityHigh,
		UserID:    uuid.New(),
	})

	if notified == nil {
		t.Fatal("expected administrator notification")
	}
	if notified.Severity != enums.SeverityCritical {
		t.Fatalf("expected critical entry, got %s", notified.Severity)
	}
}

func TestEngine_LogBounded(t *testing.T) {
	e := newTestEngine(t, Params{LogCapacity: 3})

	for i := 0; i < 5; i++ {
		e.Handle(context.Background(), fmt.Errorf("err-%d", i), Context{Operation: OpMarkAsRead})
	}

	recent := e.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("expected bounded log of 3, got %d", len(recent))
	}
	if recent[0].Err != "err-4" {
		t.Fatalf("expected newest first, got %s", recent[0].Err)
	}
	if recent[2].Err != "err-2" {
		t.Fatalf("expected oldest entries evicted, got %s", recent[2].Err)
	}
}

func TestEngine_QueryHelpers(t *testing.T) {
	e := newTestEngine(t, Params{})

	e.Handle(context.Background(), errors.New("network flake"), Context{Operation: OpGetNotifications})
	e.Handle(context.Background(), errors.New("database down"), Context{Operation: OpMarkAsRead})

	if got := len(e.BySeverity(enums.SeverityHigh)); got != 1 {
		t.Fatalf("expected 1 high entry, got %d", got)
	}

	e.ClearResolved()
	// The network entry resolved inline (no probe), the db entry did not.
	if got := len(e.Recent(10)); got != 1 {
		t.Fatalf("expected only unresolved entries to remain, got %d", got)
	}

	e.Clear()
	if got := len(e.Recent(10)); got != 0 {
		t.Fatalf("expected empty log after clear, got %d", got)
	}
}

func TestEngine_ShouldRetryWindow(t *testing.T) {
	e := newTestEngine(t, Params{RetryWindow: time.Minute})

	current := time.Now()
	e.now = func() time.Time { return current }

	e.Handle(context.Background(), errors.New("flaky"), Context{Operation: OpGetNotifications})
	e.Handle(context.Background(), errors.New("flaky"), Context{Operation: OpGetNotifications})

	if e.ShouldRetry(OpGetNotifications, 2) {
		t.Fatal("retry should be refused at the ceiling")
	}
	if !e.ShouldRetry(OpGetNotifications, 3) {
		t.Fatal("retry should be allowed under the ceiling")
	}
	if !e.ShouldRetry(OpMarkAsRead, 2) {
		t.Fatal("other operations must not be affected")
	}

	// Errors age out of the window.
	current = current.Add(2 * time.Minute)
	if !e.ShouldRetry(OpGetNotifications, 2) {
		t.Fatal("errors outside the window must not count")
	}
}

func TestEngine_NilErrorIsNoOp(t *testing.T) {
	e := newTestEngine(t, Params{})
	outcome := e.Handle(context.Background(), nil, Context{Operation: OpGetNotifications})
	if !outcome.Resolved {
		t.Fatalf("nil error should resolve, got %+v", outcome)
	}
	if len(e.Recent(10)) != 0 {
		t.Fatal("nil error must not be logged")
	}
}
