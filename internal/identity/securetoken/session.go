// file: internal/identity/securetoken/session.go
package securetoken

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dkoosis/chargeauth/internal/identity"
)

// session holds one authenticated user's credential material. Credential
// refreshes go back through the owning backend's token exchange.
type session struct {
	backend *Backend

	uid         string
	provider    identity.Provider
	email       string
	displayName string
	photoURL    string
	interactive bool

	mu           sync.Mutex
	credential   identity.Credential
	refreshToken string
}

var _ identity.Session = (*session)(nil)

func (s *session) UID() string                 { return s.uid }
func (s *session) Provider() identity.Provider { return s.provider }
func (s *session) Email() string               { return s.email }
func (s *session) DisplayName() string         { return s.displayName }
func (s *session) PhotoURL() string            { return s.photoURL }
func (s *session) Interactive() bool           { return s.interactive }

// Credential returns the current ID token. With forceRefresh it exchanges
// the refresh token for a new one, and the backend re-notifies its
// subscriber so downstream state reflects the fresh credential.
func (s *session) Credential(ctx context.Context, forceRefresh bool) (identity.Credential, error) {
	s.mu.Lock()
	current := s.credential
	refreshToken := s.refreshToken
	s.mu.Unlock()

	if !forceRefresh && time.Now().Before(current.ExpiresAt) {
		return current, nil
	}
	if refreshToken == "" {
		return identity.Credential{}, errors.New("session has no refresh token")
	}

	exchanged, err := s.backend.exchange(ctx, refreshToken)
	if err != nil {
		return identity.Credential{}, errors.Wrap(err, "credential refresh failed")
	}

	refreshed := identity.Credential{
		Token:     exchanged.IDToken,
		ExpiresAt: time.Now().Add(exchanged.expiresIn()),
	}
	s.setCredential(refreshed, exchanged.RefreshToken)

	if err := s.backend.opts.Store.Save(exchanged.RefreshToken, s.uid, string(s.provider)); err != nil {
		s.backend.logger.Warn("Could not persist rotated refresh token.", "error", err)
	}

	if forceRefresh {
		s.backend.notify(s)
	}
	return refreshed, nil
}

func (s *session) setCredential(credential identity.Credential, refreshToken string) {
	s.mu.Lock()
	s.credential = credential
	if refreshToken != "" {
		s.refreshToken = refreshToken
	}
	s.mu.Unlock()
}

// identityClaims are the ID token claims the adapter cares about.
type identityClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	Name     string `json:"name"`
	Picture  string `json:"picture"`
	Identity struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
}

// provider maps the token's sign-in provider claim onto the providers the
// app supports. Unrecognized values fall back to kakao, which signs in
// through a custom-token bridge and so carries a custom provider id.
func (c *identityClaims) provider() identity.Provider {
	switch c.Identity.SignInProvider {
	case "apple.com":
		return identity.ProviderApple
	case "google.com":
		return identity.ProviderGoogle
	default:
		return identity.ProviderKakao
	}
}

// decodeIdentityClaims reads claims without signature verification. The
// token was just minted by the trusted endpoint over TLS; it is decoded
// here only to surface profile fields, never to make an authorization
// decision.
func decodeIdentityClaims(idToken string) (*identityClaims, error) {
	claims := &identityClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return nil, errors.Wrap(err, "failed to decode id token claims")
	}
	return claims, nil
}
