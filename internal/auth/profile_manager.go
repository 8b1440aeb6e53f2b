// file: internal/auth/profile_manager.go
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/dkoosis/chargeauth/internal/identity"
	"github.com/dkoosis/chargeauth/internal/logging"
	"github.com/dkoosis/chargeauth/internal/metrics"
	"github.com/dkoosis/chargeauth/internal/profilestore"
)

// Localized display-name fallbacks used when a session carries no usable
// email. These strings are user-visible defaults, not internal identifiers.
const (
	fallbackNameApple   = "Apple 사용자"
	fallbackNameGoogle  = "Google 사용자"
	fallbackNameKakao   = "카카오 사용자"
	fallbackNameUnknown = "사용자"
)

// ProfileManager translates between the identity backend's session record
// and the application's AppUser, and keeps the remote profile store
// consistent. Stored fields win over raw session values because the profile
// store is the editable source of truth.
type ProfileManager struct {
	store   profilestore.Store
	logger  logging.Logger
	metrics *metrics.Collector
	cache   *gocache.Cache
	group   singleflight.Group
}

// NewProfileManager creates a profile manager. cacheTTL bounds how long a
// loaded profile is served from memory; non-positive disables expiry-based
// reuse almost entirely (a one second floor is applied).
func NewProfileManager(store profilestore.Store, cacheTTL time.Duration, collector *metrics.Collector, logger logging.Logger) *ProfileManager {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	if cacheTTL <= 0 {
		cacheTTL = 1 * time.Second
	}

	return &ProfileManager{
		store:   store,
		logger:  logger.WithField("component", "profile_manager"),
		metrics: collector,
		cache:   gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// LoadUserProfile resolves the session to an AppUser. An existing remote
// record is mapped with stored fields preferred; a missing record triggers
// default-profile creation; a failing store degrades to a profile built
// purely from the session so authentication does not hard-fail on a profile
// store outage. Concurrent loads for the same uid are collapsed into one
// store round trip.
func (pm *ProfileManager) LoadUserProfile(ctx context.Context, session identity.Session) (*AppUser, error) {
	if session == nil {
		return nil, errors.New("no session to load a profile for")
	}
	uid := session.UID()
	if uid == "" {
		return nil, errors.New("session carries no uid")
	}

	if cached, ok := pm.cache.Get(uid); ok {
		if user, ok := cached.(*AppUser); ok {
			return user, nil
		}
	}

	result, err, _ := pm.group.Do(uid, func() (any, error) {
		return pm.loadUncached(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	user := result.(*AppUser)
	pm.cache.SetDefault(uid, user)
	return user, nil
}

func (pm *ProfileManager) loadUncached(ctx context.Context, session identity.Session) (*AppUser, error) {
	uid := session.UID()

	record, err := pm.store.GetProfile(ctx, uid)
	if err != nil {
		// Fail open: a profile-store outage must not block authentication.
		pm.logger.Warn("Profile lookup failed, falling back to session-derived profile.",
			"uid", uid, "error", err)
		pm.metrics.RecordProfileFallback()
		return pm.sessionProfile(session), nil
	}

	if record == nil {
		pm.logger.Info("No remote profile found, creating a default one.", "uid", uid)
		user, createErr := pm.CreateDefaultProfile(ctx, session, session.Provider())
		if createErr != nil {
			pm.logger.Warn("Default profile creation failed, falling back to session-derived profile.",
				"uid", uid, "error", createErr)
			pm.metrics.RecordProfileFallback()
			return pm.sessionProfile(session), nil
		}
		return user, nil
	}

	return pm.mapRecord(session, record), nil
}

// CreateDefaultProfile derives a default profile from the session, persists
// it as a new remote record marked registration-incomplete, and returns the
// in-memory user. The default display name is the email's local part when
// present, else a provider-specific localized fallback.
func (pm *ProfileManager) CreateDefaultProfile(ctx context.Context, session identity.Session, provider identity.Provider) (*AppUser, error) {
	if session == nil {
		return nil, errors.New("no session to create a profile for")
	}

	displayName := defaultDisplayName(provider, session.Email())
	user := &AppUser{
		UID:         session.UID(),
		Email:       session.Email(),
		DisplayName: displayName,
		RealName:    displayName,
		PhotoURL:    session.PhotoURL(),
		Provider:    provider,
	}
	setExternalID(user, session.UID())

	record := recordFromUser(user)
	record.RegistrationComplete = false

	if err := pm.store.UpsertProfile(ctx, user.UID, record); err != nil {
		return nil, errors.Wrapf(err, "failed to persist default profile for uid %s", user.UID)
	}

	pm.logger.Info("Default profile created.", "uid", user.UID, "provider", provider)
	return user, nil
}

// SyncProfile upserts the full user into the remote store. Used after
// profile edits; idempotent. The cache entry for the uid is dropped so the
// next load observes the written state.
func (pm *ProfileManager) SyncProfile(ctx context.Context, user *AppUser) error {
	if user == nil {
		return errors.New("no user to sync")
	}
	if violations := pm.ValidateProfile(user); len(violations) > 0 {
		return errors.Newf("profile is not valid: %s", strings.Join(violations, "; "))
	}

	record := recordFromUser(user)
	record.RegistrationComplete = true

	if err := pm.store.UpsertProfile(ctx, user.UID, record); err != nil {
		return errors.Wrapf(err, "failed to sync profile for uid %s", user.UID)
	}

	pm.cache.Delete(user.UID)
	pm.logger.Debug("Profile synced.", "uid", user.UID)
	return nil
}

// ValidateProfile checks the structural rules of an AppUser and returns the
// violated ones. Returning a list instead of an error lets callers decide
// severity.
func (pm *ProfileManager) ValidateProfile(user *AppUser) []string {
	var violations []string
	if user == nil {
		return []string{"user is required"}
	}
	if user.UID == "" {
		violations = append(violations, "uid is required")
	}
	if !user.Provider.Valid() {
		violations = append(violations, "provider must be apple, google, or kakao")
	}
	if strings.TrimSpace(user.DisplayName) == "" {
		violations = append(violations, "display name must not be empty")
	}
	if user.Provider.Valid() && user.ExternalID() == "" {
		violations = append(violations, "provider-specific id matching the provider is required")
	}
	return violations
}

// sessionProfile builds an AppUser purely from session data. Used as the
// degraded path when the profile store is unreachable.
func (pm *ProfileManager) sessionProfile(session identity.Session) *AppUser {
	provider := session.Provider()
	displayName := defaultDisplayName(provider, session.Email())

	user := &AppUser{
		UID:         session.UID(),
		Email:       session.Email(),
		DisplayName: displayName,
		RealName:    displayName,
		PhotoURL:    session.PhotoURL(),
		Provider:    provider,
	}
	if name := session.DisplayName(); name != "" {
		user.DisplayName = name
	}
	setExternalID(user, session.UID())
	return user
}

// mapRecord merges a stored record with the session, preferring stored
// displayName/email/photoURL over the session's raw values.
func (pm *ProfileManager) mapRecord(session identity.Session, record *profilestore.Record) *AppUser {
	provider := session.Provider()

	user := &AppUser{
		UID:         session.UID(),
		Email:       firstNonEmpty(record.Email, session.Email()),
		DisplayName: firstNonEmpty(record.DisplayName, defaultDisplayName(provider, session.Email())),
		RealName:    record.RealName,
		PhotoURL:    firstNonEmpty(record.PhotoURL, session.PhotoURL()),
		Provider:    provider,
	}

	switch provider {
	case identity.ProviderApple:
		user.AppleID = record.AppleID
	case identity.ProviderGoogle:
		user.GoogleID = record.GoogleID
	case identity.ProviderKakao:
		user.KakaoID = record.KakaoID
	}
	if user.ExternalID() == "" {
		setExternalID(user, session.UID())
	}
	return user
}

func recordFromUser(user *AppUser) profilestore.Record {
	return profilestore.Record{
		UID:         user.UID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		RealName:    user.RealName,
		PhotoURL:    user.PhotoURL,
		Provider:    string(user.Provider),
		KakaoID:     user.KakaoID,
		GoogleID:    user.GoogleID,
		AppleID:     user.AppleID,
	}
}

func setExternalID(user *AppUser, id string) {
	switch user.Provider {
	case identity.ProviderApple:
		user.AppleID = id
	case identity.ProviderGoogle:
		user.GoogleID = id
	case identity.ProviderKakao:
		user.KakaoID = id
	}
}

// defaultDisplayName derives the default display name: the email local part
// when non-empty, else a localized per-provider fallback.
func defaultDisplayName(provider identity.Provider, email string) string {
	if email != "" {
		if local, _, found := strings.Cut(email, "@"); found && local != "" {
			return local
		}
	}
	switch provider {
	case identity.ProviderApple:
		return fallbackNameApple
	case identity.ProviderGoogle:
		return fallbackNameGoogle
	case identity.ProviderKakao:
		return fallbackNameKakao
	}
	return fallbackNameUnknown
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
