// file: internal/auth/token_manager.go
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dkoosis/chargeauth/internal/identity"
	"github.com/dkoosis/chargeauth/internal/logging"
	"github.com/dkoosis/chargeauth/internal/metrics"
)

// TokenManager keeps the active session's credential from expiring while a
// user is considered authenticated. It refreshes on demand, answers
// non-mutating expiry checks, and runs one recurring background check at a
// time.
type TokenManager struct {
	threshold time.Duration
	interval  time.Duration
	logger    logging.Logger
	metrics   *metrics.Collector

	// onRefresh, when set, is invoked after every successful refresh done by
	// the background schedule. Set once before StartAutoRefresh.
	onRefresh func(result TokenRefreshResult, session identity.Session)

	// now is replaceable for tests.
	now func() time.Time

	mu         sync.Mutex // guards cancel
	cancel     context.CancelFunc
	refreshing sync.Mutex // held for the duration of one refresh
}

// NewTokenManager creates a token manager. Zero durations fall back to the
// defaults: a 5 minute expiry threshold checked every minute.
func NewTokenManager(threshold, interval time.Duration, collector *metrics.Collector, logger logging.Logger) *TokenManager {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	if interval <= 0 {
		interval = 1 * time.Minute
	}

	return &TokenManager{
		threshold: threshold,
		interval:  interval,
		logger:    logger.WithField("component", "token_manager"),
		metrics:   collector,
		now:       time.Now,
	}
}

// SetRefreshNotify registers the callback invoked after each successful
// scheduled refresh. Must be called before StartAutoRefresh.
func (tm *TokenManager) SetRefreshNotify(fn func(result TokenRefreshResult, session identity.Session)) {
	tm.onRefresh = fn
}

// RefreshToken forces a credential refresh for the session. Concurrent calls
// are serialized by rejection: while one refresh is in flight, another call
// returns immediately with ErrRefreshInFlight instead of issuing a duplicate
// network refresh.
func (tm *TokenManager) RefreshToken(ctx context.Context, session identity.Session) TokenRefreshResult {
	if session == nil {
		return TokenRefreshResult{Success: false, Err: errors.New("no session to refresh")}
	}
	if !tm.refreshing.TryLock() {
		tm.logger.Debug("Refresh already in flight, rejecting duplicate request.")
		tm.metrics.RecordTokenRefresh("in_flight")
		return TokenRefreshResult{Success: false, Err: ErrRefreshInFlight}
	}
	defer tm.refreshing.Unlock()

	start := tm.now()
	credential, err := session.Credential(ctx, true)
	if err != nil {
		tm.logger.Error("Credential refresh failed.", "uid", session.UID(), "error", err)
		tm.metrics.RecordTokenRefresh("failure")
		return TokenRefreshResult{Success: false, Err: errors.Wrap(err, "credential refresh failed")}
	}

	expiresAt := credential.ExpiresAt
	if expiresAt.IsZero() {
		if decoded, decodeErr := tokenExpiry(credential.Token); decodeErr == nil {
			expiresAt = decoded
		}
	}

	tm.logger.Debug("Credential refreshed.",
		"uid", session.UID(),
		"elapsed", tm.now().Sub(start),
		"expires_at", expiresAt)
	tm.metrics.RecordTokenRefresh("success")

	return TokenRefreshResult{
		Success:   true,
		NewToken:  credential.Token,
		ExpiresAt: expiresAt,
	}
}

// IsTokenExpiring reports whether the session's current credential expires
// within the configured threshold. The credential is not refreshed. Any
// failure to obtain or decode the credential counts as expiring, so the
// caller errs toward refreshing rather than running on a bad credential.
func (tm *TokenManager) IsTokenExpiring(ctx context.Context, session identity.Session) bool {
	if session == nil {
		return true
	}

	credential, err := session.Credential(ctx, false)
	if err != nil {
		tm.logger.Warn("Could not read current credential, treating as expiring.", "error", err)
		return true
	}

	expiresAt := credential.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt, err = tokenExpiry(credential.Token)
		if err != nil {
			tm.logger.Warn("Could not decode credential expiry, treating as expiring.", "error", err)
			return true
		}
	}

	deadline := tm.now().Add(tm.threshold)
	expiring := expiresAt.Before(deadline)
	if expiring {
		tm.logger.Debug("Credential is inside the refresh window.",
			"expires_at", expiresAt, "threshold", tm.threshold)
	}
	return expiring
}

// StartAutoRefresh begins the recurring expiry check for the session,
// replacing any previously running schedule. On each tick an expiring
// credential triggers RefreshToken; failures are logged and left for the
// next tick.
func (tm *TokenManager) StartAutoRefresh(session identity.Session) {
	if session == nil {
		return
	}

	tm.mu.Lock()
	if tm.cancel != nil {
		tm.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	tm.cancel = cancel
	tm.mu.Unlock()

	tm.logger.Info("Starting credential auto-refresh.",
		"uid", session.UID(), "interval", tm.interval, "threshold", tm.threshold)

	go tm.runSchedule(ctx, session)
}

// StopAutoRefresh cancels the recurring check. Idempotent.
func (tm *TokenManager) StopAutoRefresh() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.cancel != nil {
		tm.cancel()
		tm.cancel = nil
		tm.logger.Debug("Credential auto-refresh stopped.")
	}
}

func (tm *TokenManager) runSchedule(ctx context.Context, session identity.Session) {
	ticker := time.NewTicker(tm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !tm.IsTokenExpiring(ctx, session) {
				continue
			}
			result := tm.RefreshToken(ctx, session)
			switch {
			case result.Success:
				if tm.onRefresh != nil {
					tm.onRefresh(result, session)
				}
			case errors.Is(result.Err, ErrRefreshInFlight):
				// Another caller is already refreshing; nothing to do.
			default:
				// Non-fatal: the next tick or an explicit recovery will retry.
				tm.logger.Warn("Scheduled credential refresh failed.", "error", result.Err)
			}
		}
	}
}

// tokenExpiry decodes the credential as a JWT without verifying its
// signature and returns the exp claim. Verification belongs to the identity
// backend; only the expiry is of interest here.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, errors.Wrap(err, "credential is not a decodable JWT")
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, errors.New("credential carries no exp claim")
	}
	return expiry.Time, nil
}
