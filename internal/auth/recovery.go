// file: internal/auth/recovery.go
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dkoosis/chargeauth/internal/identity"
	"github.com/dkoosis/chargeauth/internal/logging"
	"github.com/dkoosis/chargeauth/internal/metrics"
)

// RecoveryService decides, per provider, whether and how to attempt silent
// reauthentication after an apparent session loss, under a bounded retry
// policy. The only state it holds is a per-provider attempt counter.
type RecoveryService struct {
	maxAttempts int
	baseDelay   time.Duration
	reauth      identity.ReauthFunc
	logger      logging.Logger
	metrics     *metrics.Collector

	// sleep is replaceable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	attempts map[identity.Provider]int
}

// NewRecoveryService creates a recovery service. maxAttempts defaults to 3
// and baseDelay to 1 second when non-positive. The reauth callable performs
// the provider-specific silent reauthentication; for providers without that
// capability it may always fail.
func NewRecoveryService(maxAttempts int, baseDelay time.Duration, reauth identity.ReauthFunc, collector *metrics.Collector, logger logging.Logger) *RecoveryService {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 1 * time.Second
	}

	return &RecoveryService{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		reauth:      reauth,
		logger:      logger.WithField("component", "recovery_service"),
		metrics:     collector,
		sleep:       sleepContext,
		attempts:    make(map[identity.Provider]int),
	}
}

// AttemptSilentReauth runs the provider-specific silent reauthentication
// strategy. Apple offers no silent reauth, so it reports RequiresReauth
// immediately instead of burning retries on an impossible path.
func (rs *RecoveryService) AttemptSilentReauth(ctx context.Context, provider identity.Provider) RecoveryResult {
	rs.logger.Debug("Attempting silent reauthentication.", "provider", provider)

	switch provider {
	case identity.ProviderApple:
		rs.metrics.RecordRecoveryAttempt(string(provider), "failure")
		return RecoveryResult{
			Success:        false,
			RequiresReauth: true,
			Err:            errors.WithDetail(ErrReauthRequired, "apple does not support silent reauthentication"),
		}
	case identity.ProviderGoogle, identity.ProviderKakao:
		if rs.reauth == nil {
			rs.metrics.RecordRecoveryAttempt(string(provider), "failure")
			return RecoveryResult{
				Success:        false,
				RequiresReauth: true,
				Err:            errors.New("no silent reauthentication mechanism configured"),
			}
		}
		if err := rs.reauth(ctx, provider); err != nil {
			rs.logger.Warn("Silent reauthentication failed.", "provider", provider, "error", err)
			rs.metrics.RecordRecoveryAttempt(string(provider), "failure")
			return RecoveryResult{
				Success:        false,
				RequiresReauth: true,
				Err:            errors.Wrapf(err, "silent reauthentication failed for %s", provider),
			}
		}
		rs.logger.Info("Silent reauthentication succeeded.", "provider", provider)
		rs.metrics.RecordRecoveryAttempt(string(provider), "success")
		return RecoveryResult{Success: true}
	default:
		rs.metrics.RecordRecoveryAttempt(string(provider), "failure")
		return RecoveryResult{
			Success:        false,
			RequiresReauth: true,
			Err:            errors.Newf("unsupported provider: %s", provider),
		}
	}
}

// HandleTokenExpiration is the coordinator's entry point after an apparent
// session loss. It refuses when the provider's attempt budget is spent,
// otherwise it increments the counter, waits an exponentially increasing
// delay (base * 2^attempts, counted from zero), and delegates to
// AttemptSilentReauth. The counter is incremented before the delay, so a
// second request for the same provider arriving during the wait already
// sees the pending attempt reflected.
func (rs *RecoveryService) HandleTokenExpiration(ctx context.Context, user *AppUser) RecoveryResult {
	if user == nil {
		return RecoveryResult{Success: false, Err: errors.New("no user to recover")}
	}
	if !rs.CanAttemptRecovery(user) {
		rs.logger.Warn("Recovery refused, attempt budget exhausted.", "provider", user.Provider)
		rs.metrics.RecordRecoveryAttempt(string(user.Provider), "refused")
		return RecoveryResult{
			Success:        false,
			RequiresReauth: true,
			Err:            ErrRecoveryExhausted,
		}
	}

	rs.mu.Lock()
	attempt := rs.attempts[user.Provider]
	rs.attempts[user.Provider] = attempt + 1
	rs.mu.Unlock()

	delay := rs.baseDelay << uint(attempt)
	rs.logger.Debug("Delaying before silent reauthentication.",
		"provider", user.Provider, "attempt", attempt+1, "delay", delay)

	if err := rs.sleep(ctx, delay); err != nil {
		return RecoveryResult{Success: false, Err: errors.Wrap(err, "recovery delay interrupted")}
	}

	return rs.AttemptSilentReauth(ctx, user.Provider)
}

// CanAttemptRecovery reports whether the user's provider still has recovery
// attempts left.
func (rs *RecoveryService) CanAttemptRecovery(user *AppUser) bool {
	if user == nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.attempts[user.Provider] < rs.maxAttempts
}

// ResetRetryCount clears the attempt counter for the provider. Called on any
// confirmed successful authentication for it.
func (rs *RecoveryService) ResetRetryCount(provider identity.Provider) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.attempts[provider] != 0 {
		rs.logger.Debug("Resetting recovery attempt counter.", "provider", provider)
	}
	delete(rs.attempts, provider)
}

// sleepContext waits for d or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
