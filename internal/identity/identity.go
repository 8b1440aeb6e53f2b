// Package identity defines the boundary to the external identity backend:
// the cloud service that authenticates a user against a federated provider
// and issues time-limited session credentials. The authentication core
// consumes these interfaces only; concrete adapters live in subpackages.
package identity

// file: internal/identity/identity.go

import (
	"context"
	"time"
)

// Provider names one of the federated login mechanisms a user may
// authenticate with.
type Provider string

const (
	ProviderApple  Provider = "apple"
	ProviderGoogle Provider = "google"
	ProviderKakao  Provider = "kakao"
)

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderApple, ProviderGoogle, ProviderKakao:
		return true
	}
	return false
}

// Credential is a time-limited access token issued for a session.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Session is the live, backend-issued proof of authentication. The profile
// fields are best-effort raw values from the provider; the profile store is
// the editable source of truth for them.
type Session interface {
	// UID returns the opaque stable identifier for the authenticated user.
	UID() string

	// Provider returns the federated provider this session came from.
	Provider() Provider

	// Email returns the provider-reported email, or "" if none.
	Email() string

	// DisplayName returns the provider-reported display name, or "".
	DisplayName() string

	// PhotoURL returns the provider-reported avatar URL, or "".
	PhotoURL() string

	// Interactive reports whether this session was produced by a
	// user-initiated login rather than a restored one. The flag is set
	// explicitly by the login call site; it is never inferred from timing.
	Interactive() bool

	// Credential returns the session's access credential. With forceRefresh
	// set, the backend is asked to mint a fresh one; otherwise the current
	// credential is returned even if it is close to expiry.
	Credential(ctx context.Context, forceRefresh bool) (Credential, error)
}

// SessionCallback receives session-change notifications. A nil session means
// the backend currently reports no session; callers must not assume that is
// a confirmed logout.
type SessionCallback func(session Session)

// UnsubscribeFunc detaches a previously registered session-change callback.
// Safe to call more than once.
type UnsubscribeFunc func()

// Backend abstracts the identity backend. One logical backend fronts all
// three federated providers.
type Backend interface {
	// SubscribeSessionChanges registers the callback for push-style session
	// notifications. The callback is invoked once with the current session
	// state shortly after subscribing.
	SubscribeSessionChanges(callback SessionCallback) (UnsubscribeFunc, error)

	// CurrentSession returns the backend's present session, or nil.
	CurrentSession() Session

	// TerminateSession asks the backend to end the active session. State
	// changes propagate through the subscription, not the return value.
	TerminateSession(ctx context.Context) error
}

// ReauthFunc attempts to re-establish a session for the given provider
// without interactive UI. Providers without silent-reauth capability
// return an error for every call; that is a legitimate implementation.
type ReauthFunc func(ctx context.Context, provider Provider) error
