package preferences

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/crestdesk/notify/internal/cache"
	"github.com/crestdesk/notify/internal/recovery"
	"github.com/crestdesk/notify/pkg/db/models"
	"github.com/crestdesk/notify/pkg/enums"
	pkgerrors "github.com/crestdesk/notify/pkg/errors"
	"github.com/crestdesk/notify/pkg/logger"
)

const DefaultCacheTTL = 5 * time.Minute

// UpdatePatch is a partial preference update. Nil fields are left unchanged;
// type preference entries are merged per key.
type UpdatePatch struct {
	EmailNotifications *bool
	ToastNotifications *bool
	SoundNotifications *bool
	QuietHoursEnabled  *bool
	QuietHoursStart    *string
	QuietHoursEnd      *string
	TypePreferences    map[enums.NotificationType]models.TypePreference
	Language           *string
	Timezone           *string
}

// Params configures the preferences store.
type Params struct {
	Logger   *logger.Logger
	Repo     Repository
	Cache    *cache.Cache[models.NotificationPreference]
	Recovery *recovery.Engine
	CacheTTL time.Duration
}

// Store loads, merges, and validates per-user notification preferences,
// backed by the bounded cache.
type Store struct {
	logg     *logger.Logger
	repo     Repository
	cache    *cache.Cache[models.NotificationPreference]
	recovery *recovery.Engine
	ttl      time.Duration
	validate *validator.Validate
	now      func() time.Time
}

// NewStore wires the preferences store.
func NewStore(params Params) (*Store, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("preferences repository required")
	}
	if params.Cache == nil {
		return nil, fmt.Errorf("cache required")
	}
	ttl := params.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{
		logg:     params.Logger,
		repo:     params.Repo,
		cache:    params.Cache,
		recovery: params.Recovery,
		ttl:      ttl,
		validate: validator.New(),
		now:      time.Now,
	}, nil
}

// Defaults returns the system default preferences for a user.
func Defaults(userID uuid.UUID) models.NotificationPreference {
	typePrefs := make(models.TypePreferenceMap, len(enums.NotificationTypes()))
	for _, typ := range enums.NotificationTypes() {
		priority := enums.PriorityMedium
		switch typ {
		case enums.NotificationTypeSLABreach:
			priority = enums.PriorityHigh
		case enums.NotificationTypeSystem:
			priority = enums.PriorityLow
		}
		typePrefs[typ] = models.TypePreference{
			Enabled:      true,
			Priority:     priority,
			DeliveryMode: enums.DeliveryModeInstant,
		}
	}
	return models.NotificationPreference{
		UserID:             userID,
		EmailNotifications: true,
		ToastNotifications: true,
		SoundNotifications: false,
		QuietHoursEnabled:  false,
		QuietHoursStart:    "22:00",
		QuietHoursEnd:      "08:00",
		TypePreferences:    typePrefs,
		Language:           "en",
		Timezone:           "UTC",
	}
}

func cacheKey(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:preferences", userID)
}

// Get returns the user's preferences, cache-first. A missing row yields
// system defaults which are best-effort persisted; a failing store also
// yields defaults so callers always get a usable value.
func (s *Store) Get(ctx context.Context, userID uuid.UUID) models.NotificationPreference {
	key := cacheKey(userID)
	if pref, ok := s.cache.Get(key); ok {
		return pref
	}

	pref, found, err := s.repo.Get(ctx, userID)
	if err != nil && s.recovery != nil {
		outcome := s.recovery.Handle(ctx, err, recovery.Context{
			Operation: recovery.OpGetPreferences,
			UserID:    userID,
		})
		if outcome.Resolved && outcome.Action == recovery.ActionRetry {
			pref, found, err = s.repo.Get(ctx, userID)
		}
	}
	if err != nil {
		logCtx := s.logg.WithUserID(ctx, userID.String())
		s.logg.Error(logCtx, "loading preferences failed, serving defaults", err)
		return Defaults(userID)
	}

	if !found {
		def := Defaults(userID)
		if persistErr := s.repo.Upsert(ctx, &def); persistErr != nil {
			logCtx := s.logg.WithUserID(ctx, userID.String())
			s.logg.Warn(logCtx, "persisting default preferences failed")
		}
		s.cache.Set(key, def, s.ttl)
		return def
	}

	s.cache.Set(key, *pref, s.ttl)
	return *pref
}

// Update merges the patch over the current preferences, validates the
// result, persists it, and refreshes the cache. Invalid input is rejected
// without mutating state.
func (s *Store) Update(ctx context.Context, userID uuid.UUID, patch UpdatePatch) (models.NotificationPreference, error) {
	current := s.Get(ctx, userID)
	merged := applyPatch(current, patch)

	if err := s.validateMerged(merged); err != nil {
		return current, err
	}

	merged.UpdatedAt = s.now()
	if err := s.repo.Upsert(ctx, &merged); err != nil {
		return current, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist preferences")
	}

	s.cache.Set(cacheKey(userID), merged, s.ttl)
	return merged, nil
}

// Reset restores the user's preferences to system defaults.
func (s *Store) Reset(ctx context.Context, userID uuid.UUID) (models.NotificationPreference, error) {
	def := Defaults(userID)
	def.UpdatedAt = s.now()
	if err := s.repo.Upsert(ctx, &def); err != nil {
		return s.Get(ctx, userID), pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reset preferences")
	}
	s.cache.Set(cacheKey(userID), def, s.ttl)
	return def, nil
}

func applyPatch(current models.NotificationPreference, patch UpdatePatch) models.NotificationPreference {
	merged := current
	if patch.EmailNotifications != nil {
		merged.EmailNotifications = *patch.EmailNotifications
	}
	if patch.ToastNotifications != nil {
		merged.ToastNotifications = *patch.ToastNotifications
	}
	if patch.SoundNotifications != nil {
		merged.SoundNotifications = *patch.SoundNotifications
	}
	if patch.QuietHoursEnabled != nil {
		merged.QuietHoursEnabled = *patch.QuietHoursEnabled
	}
	if patch.QuietHoursStart != nil {
		merged.QuietHoursStart = *patch.QuietHoursStart
	}
	if patch.QuietHoursEnd != nil {
		merged.QuietHoursEnd = *patch.QuietHoursEnd
	}
	if patch.Language != nil {
		merged.Language = *patch.Language
	}
	if patch.Timezone != nil {
		merged.Timezone = *patch.Timezone
	}
	if len(patch.TypePreferences) > 0 {
		typePrefs := make(models.TypePreferenceMap, len(current.TypePreferences))
		for typ, tp := range current.TypePreferences {
			typePrefs[typ] = tp
		}
		for typ, tp := range patch.TypePreferences {
			typePrefs[typ] = tp
		}
		merged.TypePreferences = typePrefs
	}
	return merged
}

type validatedFields struct {
	QuietHoursStart string `validate:"datetime=15:04"`
	QuietHoursEnd   string `validate:"datetime=15:04"`
	Language        string `validate:"oneof=en es fr de pt ja"`
	Timezone        string `validate:"timezone"`
}

func (s *Store) validateMerged(pref models.NotificationPreference) error {
	fields := validatedFields{
		QuietHoursStart: pref.QuietHoursStart,
		QuietHoursEnd:   pref.QuietHoursEnd,
		Language:        pref.Language,
		Timezone:        pref.Timezone,
	}
	if err := s.validate.Struct(fields); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid preference update")
	}
	for typ, tp := range pref.TypePreferences {
		if !typ.IsValid() {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown notification type %q", typ))
		}
		if !tp.Priority.IsValid() {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid priority %q for type %q", tp.Priority, typ))
		}
		if !tp.DeliveryMode.IsValid() {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid delivery mode %q for type %q", tp.DeliveryMode, typ))
		}
	}
	return nil
}

// ShouldDeliver decides whether an in-app toast for the given type and
// priority reaches the user right now. Quiet hours suppress only the toast
// channel and are always bypassed for high priority.
func (s *Store) ShouldDeliver(ctx context.Context, userID uuid.UUID, typ enums.NotificationType, priority enums.Priority) bool {
	pref := s.Get(ctx, userID)

	if tp, ok := pref.TypePreferences[typ]; ok && !tp.Enabled {
		return false
	}
	if !pref.ToastNotifications {
		return false
	}
	if pref.QuietHoursEnabled && priority != enums.PriorityHigh {
		if s.inQuietHours(pref) {
			return false
		}
	}
	return true
}

// DeliveryMode returns the configured mode for the type, defaulting to instant.
func (s *Store) DeliveryMode(ctx context.Context, userID uuid.UUID, typ enums.NotificationType) enums.DeliveryMode {
	pref := s.Get(ctx, userID)
	if tp, ok := pref.TypePreferences[typ]; ok && tp.DeliveryMode.IsValid() {
		return tp.DeliveryMode
	}
	return enums.DeliveryModeInstant
}

// inQuietHours reports whether the user's local time falls inside the
// configured window. Windows where start > end span midnight, so "inside"
// means after start or before end.
func (s *Store) inQuietHours(pref models.NotificationPreference) bool {
	start, okStart := parseMinutes(pref.QuietHoursStart)
	end, okEnd := parseMinutes(pref.QuietHoursEnd)
	if !okStart || !okEnd {
		return false
	}

	loc, err := time.LoadLocation(pref.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := s.now().In(loc)
	minutes := local.Hour()*60 + local.Minute()

	if start > end {
		return minutes >= start || minutes <= end
	}
	return minutes >= start && minutes <= end
}

func parseMinutes(value string) (int, bool) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, false
	}
	return parsed.Hour()*60 + parsed.Minute(), true
}
