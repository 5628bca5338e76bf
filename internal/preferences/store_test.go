package preferences

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crestdesk/notify/internal/cache"
	"github.com/crestdesk/notify/internal/recovery"
	"github.com/crestdesk/notify/pkg/db/models"
	"github.com/crestdesk/notify/pkg/enums"
	pkgerrors "github.com/crestdesk/notify/pkg/errors"
	"github.com/crestdesk/notify/pkg/logger"
)

type fakeRepo struct {
	getFn    func(ctx context.Context, userID uuid.UUID) (*models.NotificationPreference, bool, error)
	upsertFn func(ctx context.Context, pref *models.NotificationPreference) error
	upserts  int
}

func (f *fakeRepo) Get(ctx context.Context, userID uuid.UUID) (*models.NotificationPreference, bool, error) {
	if f.getFn != nil {
		return f.getFn(ctx, userID)
	}
	return nil, false, nil
}

func (f *fakeRepo) Upsert(ctx context.Context, pref *models.NotificationPreference) error {
	f.upserts++
	if f.upsertFn != nil {
		return f.upsertFn(ctx, pref)
	}
	return nil
}

func newTestStore(t *testing.T, repo Repository) *Store {
	t.Helper()
	c, err := cache.New[models.NotificationPreference](cache.Params{Name: "preferences-test"})
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	t.Cleanup(c.Close)

	s, err := NewStore(Params{
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Repo:   repo,
		Cache:  c,
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return s
}

func TestStore_GetSynthesizesDefaults(t *testing.T) {
	repo := &fakeRepo{}
	s := newTestStore(t, repo)
	userID := uuid.New()

	pref := s.Get(context.Background(), userID)
	if pref.UserID != userID {
		t.Fatalf("defaults must carry the user id, got %s", pref.UserID)
	}
	if !pref.ToastNotifications || pref.QuietHoursEnabled {
		t.Fatalf("unexpected defaults: %+v", pref)
	}
	if pref.QuietHoursStart != "22:00" || pref.QuietHoursEnd != "08:00" {
		t.Fatalf("unexpected quiet hours defaults: %s-%s", pref.QuietHoursStart, pref.QuietHoursEnd)
	}
	if repo.upserts != 1 {
		t.Fatalf("defaults should be persisted once, got %d upserts", repo.upserts)
	}

	tp, ok := pref.TypePreferences[enums.NotificationTypeSLABreach]
	if !ok || tp.Priority != enums.PriorityHigh {
		t.Fatalf("sla breach should default to high priority, got %+v", tp)
	}
}

func TestStore_GetIsCacheFirst(t *testing.T) {
	calls := 0
	stored := Defaults(uuid.New())
	stored.Language = "fr"
	repo := &fakeRepo{
		getFn: func(ctx context.Context, userID uuid.UUID) (*models.NotificationPreference, bool, error) {
			calls++
			return &stored, true, nil
		},
	}
	s := newTestStore(t, repo)

	for i := 0; i < 3; i++ {
		if pref := s.Get(context.Background(), stored.UserID); pref.Language != "fr" {
			t.Fatalf("expected stored row, got %+v", pref)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single repository read, got %d", calls)
	}
}

func TestStore_GetReportsFailuresToRecovery(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	engine, err := recovery.NewEngine(recovery.Params{Logger: logg, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}

	stored := Defaults(uuid.New())
	stored.Language = "es"
	failures := 0
	repo := &fakeRepo{
		getFn: func(ctx context.Context, userID uuid.UUID) (*models.NotificationPreference, bool, error) {
			if failures == 0 {
				failures++
				return nil, false, errors.New("connection reset")
			}
			return &stored, true, nil
		},
	}

	c, err := cache.New[models.NotificationPreference](cache.Params{Name: "preferences-recovery-test"})
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	t.Cleanup(c.Close)

	s, err := NewStore(Params{Logger: logg, Repo: repo, Cache: c, Recovery: engine})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	// The engine resolves the transient read and the retry succeeds.
	if pref := s.Get(context.Background(), stored.UserID); pref.Language != "es" {
		t.Fatalf("expected stored row after retry, got %+v", pref)
	}

	recent := engine.Recent(1)
	if len(recent) != 1 || recent[0].Context.Operation != recovery.OpGetPreferences {
		t.Fatalf("failure not reported to recovery, got %+v", recent)
	}
}

func TestStore_GetServesDefaultsWhenStoreFails(t *testing.T) {
	repo := &fakeRepo{
		getFn: func(ctx context.Context, userID uuid.UUID) (*models.NotificationPreference, bool, error) {
			return nil, false, errors.New("connection refused")
		},
	}
	s := newTestStore(t, repo)

	pref := s.Get(context.Background(), uuid.New())
	if pref.Language != "en" || !pref.ToastNotifications {
		t.Fatalf("expected defaults on store failure, got %+v", pref)
	}
}

func TestStore_UpdateMergesAndPersists(t *testing.T) {
	repo := &fakeRepo{}
	s := newTestStore(t, repo)
	userID := uuid.New()

	enabled := true
	start := "23:00"
	updated, err := s.Update(context.Background(), userID, UpdatePatch{
		QuietHoursEnabled: &enabled,
		QuietHoursStart:   &start,
		TypePreferences: map[enums.NotificationType]models.TypePreference{
			enums.NotificationTypeCommentAdded: {
				Enabled:      false,
				Priority:     enums.PriorityLow,
				DeliveryMode: enums.DeliveryModeDigest,
			},
		},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !updated.QuietHoursEnabled || updated.QuietHoursStart != "23:00" {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if updated.QuietHoursEnd != "08:00" {
		t.Fatalf("untouched fields must survive the merge, got %s", updated.QuietHoursEnd)
	}
	if tp := updated.TypePreferences[enums.NotificationTypeCommentAdded]; tp.Enabled || tp.DeliveryMode != enums.DeliveryModeDigest {
		t.Fatalf("type preference not merged: %+v", tp)
	}
	if tp := updated.TypePreferences[enums.NotificationTypeTicketCreated]; !tp.Enabled {
		t.Fatal("unrelated type preferences must survive the merge")
	}

	// A subsequent read sees the update without hitting the repository.
	if pref := s.Get(context.Background(), userID); !pref.QuietHoursEnabled {
		t.Fatal("cache not refreshed after update")
	}
}

func TestStore_UpdateRejectsInvalidInputWithoutMutation(t *testing.T) {
	repo := &fakeRepo{}
	s := newTestStore(t, repo)
	userID := uuid.New()

	before := s.Get(context.Background(), userID)
	upsertsBefore := repo.upserts

	badStart := "25:99"
	_, err := s.Update(context.Background(), userID, UpdatePatch{QuietHoursStart: &badStart})
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	badLang := "tlh"
	_, err = s.Update(context.Background(), userID, UpdatePatch{Language: &badLang})
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = s.Update(context.Background(), userID, UpdatePatch{
		TypePreferences: map[enums.NotificationType]models.TypePreference{
			enums.NotificationType("bogus"): {Enabled: true, Priority: enums.PriorityLow, DeliveryMode: enums.DeliveryModeInstant},
		},
	})
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	if repo.upserts != upsertsBefore {
		t.Fatal("invalid updates must not persist")
	}
	after := s.Get(context.Background(), userID)
	if after.QuietHoursStart != before.QuietHoursStart || after.Language != before.Language {
		t.Fatal("invalid updates must not mutate state")
	}
}

func TestStore_ResetRestoresDefaults(t *testing.T) {
	repo := &fakeRepo{}
	s := newTestStore(t, repo)
	userID := uuid.New()

	lang := "de"
	if _, err := s.Update(context.Background(), userID, UpdatePatch{Language: &lang}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	pref, err := s.Reset(context.Background(), userID)
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if pref.Language != "en" {
		t.Fatalf("expected defaults after reset, got %+v", pref)
	}
	if got := s.Get(context.Background(), userID); got.Language != "en" {
		t.Fatal("cache not refreshed after reset")
	}
}

func TestStore_ShouldDeliverQuietHoursSpanMidnight(t *testing.T) {
	repo := &fakeRepo{}
	s := newTestStore(t, repo)
	userID := uuid.New()

	enabled := true
	if _, err := s.Update(context.Background(), userID, UpdatePatch{QuietHoursEnabled: &enabled}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	at := func(hour, minute int) {
		s.now = func() time.Time {
			return time.Date(2026, 8, 25, hour, minute, 0, 0, time.UTC)
		}
	}

	// 22:00-08:00 window.
	at(23, 30)
	if s.ShouldDeliver(context.Background(), userID, enums.NotificationTypeTicketUpdated, enums.PriorityMedium) {
		t.Fatal("23:30 is inside the quiet window")
	}
	at(3, 0)
	if s.ShouldDeliver(context.Background(), userID, enums.NotificationTypeTicketUpdated, enums.PriorityMedium) {
		t.Fatal("03:00 is inside the quiet window")
	}
	at(9, 0)
	if !s.ShouldDeliver(context.Background(), userID, enums.NotificationTypeTicketUpdated, enums.PriorityMedium) {
		t.Fatal("09:00 is outside the quiet window")
	}

	// High priority bypasses quiet hours.
	at(23, 30)
	if !s.ShouldDeliver(context.Background(), userID, enums.NotificationTypeSLABreach, enums.PriorityHigh) {
		t.Fatal("high priority must bypass quiet hours")
	}
}

func TestStore_ShouldDeliverHonorsToggles(t *testing.T) {
	repo := &fakeRepo{}
	s := newTestStore(t, repo)
	userID := uuid.New()

	if !s.ShouldDeliver(context.Background(), userID, enums.NotificationTypeTicketCreated, enums.PriorityMedium) {
		t.Fatal("defaults should deliver")
	}

	disabled := false
	if _, err := s.Update(context.Background(), userID, UpdatePatch{ToastNotifications: &disabled}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if s.ShouldDeliver(context.Background(), userID, enums.NotificationTypeTicketCreated, enums.PriorityHigh) {
		t.Fatal("toast toggle off suppresses all toasts")
	}

	enabled := true
	if _, err := s.Update(context.Background(), userID, UpdatePatch{
		ToastNotifications: &enabled,
		TypePreferences: map[enums.NotificationType]models.TypePreference{
			enums.NotificationTypeCommentAdded: {
				Enabled:      false,
				Priority:     enums.PriorityLow,
				DeliveryMode: enums.DeliveryModeInstant,
			},
		},
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if s.ShouldDeliver(context.Background(), userID, enums.NotificationTypeCommentAdded, enums.PriorityMedium) {
		t.Fatal("disabled type must not deliver")
	}
	if !s.ShouldDeliver(context.Background(), userID, enums.NotificationTypeTicketCreated, enums.PriorityMedium) {
		t.Fatal("other types must stay unaffected")
	}
}

func TestStore_DeliveryModeDefaultsToInstant(t *testing.T) {
	repo := &fakeRepo{}
	s := newTestStore(t, repo)
	userID := uuid.New()

	if mode := s.DeliveryMode(context.Background(), userID, enums.NotificationTypeTicketCreated); mode != enums.DeliveryModeInstant {
		t.Fatalf("expected instant default, got %s", mode)
	}

	if _, err := s.Update(context.Background(), userID, UpdatePatch{
		TypePreferences: map[enums.NotificationType]models.TypePreference{
			enums.NotificationTypeSystem: {
				Enabled:      true,
				Priority:     enums.PriorityLow,
				DeliveryMode: enums.DeliveryModeBatched,
			},
		},
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if mode := s.DeliveryMode(context.Background(), userID, enums.NotificationTypeSystem); mode != enums.DeliveryModeBatched {
		t.Fatalf("expected batched, got %s", mode)
	}
}
