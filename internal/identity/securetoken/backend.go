// Package securetoken implements the identity.Backend boundary against a
// securetoken-style credential exchange endpoint. The adapter owns
// "remember last session": it persists the backend refresh token through a
// tokenstore.Store, restores the session on startup, and pushes
// session-change notifications to its single subscriber.
package securetoken

// file: internal/identity/securetoken/backend.go

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dkoosis/chargeauth/internal/identity"
	"github.com/dkoosis/chargeauth/internal/identity/tokenstore"
	"github.com/dkoosis/chargeauth/internal/logging"
)

// Options configures the backend adapter.
type Options struct {
	// APIKey identifies the application to the token endpoint.
	APIKey string

	// TokenEndpoint is the URL of the refresh-token exchange endpoint.
	TokenEndpoint string

	// Timeout bounds each exchange request. Default 15 seconds.
	Timeout time.Duration

	// Store persists the refresh token between runs. Required.
	Store tokenstore.Store
}

// Backend exchanges a persisted refresh token for session credentials and
// notifies its subscriber of session changes. It implements
// identity.Backend.
type Backend struct {
	opts       Options
	httpClient *http.Client
	logger     logging.Logger

	mu       sync.Mutex
	callback identity.SessionCallback
	session  *session
}

var _ identity.Backend = (*Backend)(nil)

// NewBackend creates the adapter. The endpoint and store are required.
func NewBackend(opts Options, logger logging.Logger) (*Backend, error) {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	if opts.TokenEndpoint == "" {
		return nil, errors.New("token endpoint is required")
	}
	if _, err := url.Parse(opts.TokenEndpoint); err != nil {
		return nil, errors.Wrapf(err, "invalid token endpoint: %s", opts.TokenEndpoint)
	}
	if opts.Store == nil {
		return nil, errors.New("token store is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	return &Backend{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger.WithField("component", "securetoken_backend"),
	}, nil
}

// SubscribeSessionChanges registers the single subscriber and asynchronously
// restores the last session from the persisted refresh token. The callback
// is always invoked once with the restore outcome: the restored session, or
// nil when nothing could be restored.
func (b *Backend) SubscribeSessionChanges(callback identity.SessionCallback) (identity.UnsubscribeFunc, error) {
	if callback == nil {
		return nil, errors.New("callback is required")
	}

	b.mu.Lock()
	if b.callback != nil {
		b.mu.Unlock()
		return nil, errors.New("a session-change subscriber is already registered")
	}
	b.callback = callback
	b.mu.Unlock()

	go b.restoreSession()

	unsubscribe := func() {
		b.mu.Lock()
		b.callback = nil
		b.mu.Unlock()
	}
	return unsubscribe, nil
}

// CurrentSession returns the present session, or nil.
func (b *Backend) CurrentSession() identity.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	return b.session
}

// TerminateSession forgets the persisted refresh token, drops the in-memory
// session, and notifies the subscriber of the absent session.
func (b *Backend) TerminateSession(_ context.Context) error {
	if err := b.opts.Store.Delete(); err != nil {
		return errors.Wrap(err, "failed to delete persisted refresh token")
	}

	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()

	b.logger.Info("Session terminated.")
	b.notify(nil)
	return nil
}

// AdoptRefreshToken installs a refresh token obtained by an interactive
// login flow: it exchanges the token, persists it, and notifies the
// subscriber with an interactive session. Login call sites use this to hand
// a completed provider login over to the session stream.
func (b *Backend) AdoptRefreshToken(ctx context.Context, refreshToken string) error {
	sess, err := b.establishSession(ctx, refreshToken, true)
	if err != nil {
		return err
	}
	b.notify(sess)
	return nil
}

// ReauthenticateSilently re-establishes a session from the persisted refresh
// token without user interaction. It fails when no token is persisted or the
// exchange is rejected; on success the subscriber is notified with the
// re-established session.
func (b *Backend) ReauthenticateSilently(ctx context.Context) error {
	stored, err := b.opts.Store.Load()
	if err != nil {
		return errors.Wrap(err, "could not read persisted refresh token")
	}
	if stored == "" {
		return errors.New("no persisted refresh token to reauthenticate with")
	}

	sess, err := b.establishSession(ctx, stored, false)
	if err != nil {
		return errors.Wrap(err, "silent reauthentication failed")
	}

	b.logger.Info("Silent reauthentication succeeded.", "uid", sess.uid, "provider", sess.provider)
	b.notify(sess)
	return nil
}

// restoreSession rebuilds the session from the persisted refresh token, if
// any, and delivers the initial notification.
func (b *Backend) restoreSession() {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()

	stored, err := b.opts.Store.Load()
	if err != nil {
		b.logger.Warn("Could not read persisted refresh token.", "error", err)
		b.notify(nil)
		return
	}
	if stored == "" {
		b.logger.Debug("No persisted refresh token; starting signed out.")
		b.notify(nil)
		return
	}

	sess, err := b.establishSession(ctx, stored, false)
	if err != nil {
		b.logger.Warn("Session restore failed.", "error", err)
		b.notify(nil)
		return
	}

	b.logger.Info("Session restored.", "uid", sess.uid, "provider", sess.provider)
	b.notify(sess)
}

// establishSession exchanges the refresh token, persists the rotated token,
// and installs the resulting session as current.
func (b *Backend) establishSession(ctx context.Context, refreshToken string, interactive bool) (*session, error) {
	exchanged, err := b.exchange(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	claims, err := decodeIdentityClaims(exchanged.IDToken)
	if err != nil {
		return nil, err
	}

	sess := &session{
		backend:     b,
		uid:         firstNonEmpty(exchanged.UserID, claims.Subject),
		provider:    claims.provider(),
		email:       claims.Email,
		displayName: claims.Name,
		photoURL:    claims.Picture,
		interactive: interactive,
	}
	sess.setCredential(identity.Credential{
		Token:     exchanged.IDToken,
		ExpiresAt: time.Now().Add(exchanged.expiresIn()),
	}, exchanged.RefreshToken)

	if err := b.opts.Store.Save(exchanged.RefreshToken, sess.uid, string(sess.provider)); err != nil {
		b.logger.Warn("Could not persist rotated refresh token.", "error", err)
	}

	b.mu.Lock()
	b.session = sess
	b.mu.Unlock()
	return sess, nil
}

// exchangeResponse is the token endpoint's reply.
type exchangeResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

func (r exchangeResponse) expiresIn() time.Duration {
	seconds, err := strconv.Atoi(r.ExpiresIn)
	if err != nil || seconds <= 0 {
		return time.Hour
	}
	return time.Duration(seconds) * time.Second
}

// exchange posts the refresh token grant to the token endpoint.
func (b *Backend) exchange(ctx context.Context, refreshToken string) (*exchangeResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	endpoint := b.opts.TokenEndpoint
	if b.opts.APIKey != "" {
		separator := "?"
		if strings.Contains(endpoint, "?") {
			separator = "&"
		}
		endpoint += separator + "key=" + url.QueryEscape(b.opts.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build token exchange request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "token exchange request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			// The refresh token is no longer usable; forget it so the next
			// start does not retry a dead grant.
			_ = b.opts.Store.Delete()
		}
		return nil, errors.Newf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var exchanged exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&exchanged); err != nil {
		return nil, errors.Wrap(err, "failed to decode token exchange response")
	}
	if exchanged.IDToken == "" {
		return nil, errors.New("token endpoint returned no id_token")
	}
	if exchanged.RefreshToken == "" {
		exchanged.RefreshToken = refreshToken
	}
	return &exchanged, nil
}

// notify delivers a session change to the subscriber, if one is registered.
func (b *Backend) notify(sess *session) {
	b.mu.Lock()
	callback := b.callback
	b.mu.Unlock()
	if callback == nil {
		return
	}
	if sess == nil {
		callback(nil)
		return
	}
	callback(sess)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
