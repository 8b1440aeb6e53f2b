// Package auth implements the authentication lifecycle core: a coordinator
// that turns identity-backend session notifications into a single consistent
// application authentication state, a token manager that keeps the active
// credential fresh, a recovery service with a bounded per-provider retry
// policy, and a profile manager that reconciles session data with the remote
// profile store.
package auth

// file: internal/auth/types.go

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dkoosis/chargeauth/internal/identity"
)

// AppUser is the authenticated application identity. The provider is
// immutable for the lifetime of a uid; the provider-specific id field
// matching Provider is always set once the profile has been created.
type AppUser struct {
	UID         string
	Email       string
	DisplayName string
	RealName    string
	PhotoURL    string
	KakaoID     string
	GoogleID    string
	AppleID     string
	Provider    identity.Provider
}

// ExternalID returns the provider-specific id matching the user's provider.
func (u *AppUser) ExternalID() string {
	switch u.Provider {
	case identity.ProviderApple:
		return u.AppleID
	case identity.ProviderGoogle:
		return u.GoogleID
	case identity.ProviderKakao:
		return u.KakaoID
	}
	return ""
}

// Status represents the coordinator's authentication state.
type Status string

const (
	// StatusUninitialized is the state before Initialize and after Cleanup.
	StatusUninitialized Status = "uninitialized"

	// StatusInitializing is the state while the backend subscription is being
	// established and the first notification has not yet been evaluated.
	StatusInitializing Status = "initializing"

	// StatusAuthenticated means a session is live and a user is loaded.
	StatusAuthenticated Status = "authenticated"

	// StatusUnauthenticated means no session exists; a confirmed logout.
	StatusUnauthenticated Status = "unauthenticated"

	// StatusError means the coordinator hit an unrecoverable failure, such as
	// the backend subscription itself failing.
	StatusError Status = "error"
)

// EventType classifies authentication events.
type EventType string

const (
	EventUserAuthenticated   EventType = "user_authenticated"
	EventUserUnauthenticated EventType = "user_unauthenticated"
	EventTokenRefreshed      EventType = "token_refreshed"
	EventAuthError           EventType = "auth_error"
)

// Event is an immutable record delivered to listeners. The stream has
// append-only semantics: the same logical state may be delivered more than
// once, and no ordering stronger than emission order from a single
// coordinator holds.
type Event struct {
	// ID uniquely identifies this emission.
	ID string

	Type      EventType
	Timestamp time.Time

	// User is set for user_authenticated, for auth_error when a still-current
	// user exists, and for user_unauthenticated when a previous user existed.
	User *AppUser

	// Provider is the federated provider involved, when known.
	Provider identity.Provider

	// Err carries the failure for auth_error events.
	Err error

	// RequiresReauth marks auth_error events where silent recovery is not
	// possible and the UI should decide whether to force a re-login prompt.
	RequiresReauth bool

	// Interactive is true when the triggering session came from a
	// user-initiated login rather than a restored one.
	Interactive bool
}

// Listener receives authentication events. Listener panics and errors are
// contained per-listener by the coordinator.
type Listener func(event Event)

// AuthState is the coordinator's authoritative status/user pair.
type AuthState struct {
	Status Status
	User   *AppUser
}

// TokenRefreshResult reports the outcome of a credential refresh. It is
// transient and never persisted.
type TokenRefreshResult struct {
	Success   bool
	NewToken  string
	ExpiresAt time.Time
	Err       error
}

// RecoveryResult reports the outcome of a silent reauthentication attempt.
type RecoveryResult struct {
	Success bool

	// RequiresReauth means silent recovery cannot help; only an interactive
	// re-login will restore the session.
	RequiresReauth bool

	Err error
}

// Sentinel errors for the lifecycle core.
var (
	// ErrRefreshInFlight is returned when a credential refresh is requested
	// while another is already running.
	ErrRefreshInFlight = errors.New("token refresh already in progress")

	// ErrRecoveryExhausted is returned when the per-provider recovery attempt
	// budget has been spent.
	ErrRecoveryExhausted = errors.New("maximum recovery attempts exceeded")

	// ErrReauthRequired marks conditions only an interactive login can fix.
	ErrReauthRequired = errors.New("reauthentication required")
)
