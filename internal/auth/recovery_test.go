// file: internal/auth/recovery_test.go
package auth

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkoosis/chargeauth/internal/identity"
)

// recoveryFixture wires a recovery service with a controllable reauth
// callable and recorded (not slept) delays.
type recoveryFixture struct {
	service   *RecoveryService
	delays    []time.Duration
	reauthErr error
	calls     int
}

func newRecoveryFixture(maxAttempts int) *recoveryFixture {
	f := &recoveryFixture{}
	f.service = NewRecoveryService(maxAttempts, time.Second, func(_ context.Context, _ identity.Provider) error {
		f.calls++
		return f.reauthErr
	}, nil, nil)
	f.service.sleep = func(_ context.Context, d time.Duration) error {
		f.delays = append(f.delays, d)
		return nil
	}
	return f
}

func TestAttemptSilentReauth_AppleNeverHasASilentPath(t *testing.T) {
	f := newRecoveryFixture(3)

	result := f.service.AttemptSilentReauth(context.Background(), identity.ProviderApple)

	assert.False(t, result.Success)
	assert.True(t, result.RequiresReauth)
	assert.ErrorIs(t, result.Err, ErrReauthRequired)
	assert.Zero(t, f.calls, "apple must not invoke the reauth callable")
}

func TestAttemptSilentReauth_GoogleAndKakaoUseTheCallable(t *testing.T) {
	for _, provider := range []identity.Provider{identity.ProviderGoogle, identity.ProviderKakao} {
		t.Run(string(provider), func(t *testing.T) {
			f := newRecoveryFixture(3)

			result := f.service.AttemptSilentReauth(context.Background(), provider)
			assert.True(t, result.Success)
			assert.Equal(t, 1, f.calls)

			f.reauthErr = errors.New("token revoked")
			result = f.service.AttemptSilentReauth(context.Background(), provider)
			assert.False(t, result.Success)
			assert.True(t, result.RequiresReauth)
			assert.ErrorContains(t, result.Err, "token revoked")
		})
	}
}

func TestAttemptSilentReauth_UnknownProviderFails(t *testing.T) {
	f := newRecoveryFixture(3)

	result := f.service.AttemptSilentReauth(context.Background(), identity.Provider("facebook"))

	assert.False(t, result.Success)
	assert.True(t, result.RequiresReauth)
	assert.Zero(t, f.calls)
}

func TestHandleTokenExpiration_EnforcesTheAttemptBudget(t *testing.T) {
	f := newRecoveryFixture(3)
	f.reauthErr = errors.New("still down")
	user := &AppUser{UID: "u1", Provider: identity.ProviderGoogle}

	for attempt := 0; attempt < 3; attempt++ {
		require.True(t, f.service.CanAttemptRecovery(user))
		result := f.service.HandleTokenExpiration(context.Background(), user)
		assert.False(t, result.Success)
	}
	assert.Equal(t, 3, f.calls)

	// The fourth request is refused without touching the provider.
	assert.False(t, f.service.CanAttemptRecovery(user))
	result := f.service.HandleTokenExpiration(context.Background(), user)
	assert.False(t, result.Success)
	assert.True(t, result.RequiresReauth)
	assert.ErrorIs(t, result.Err, ErrRecoveryExhausted)
	assert.Equal(t, 3, f.calls, "a refused attempt must not reach the reauth callable")
}

func TestHandleTokenExpiration_BacksOffExponentially(t *testing.T) {
	f := newRecoveryFixture(3)
	f.reauthErr = errors.New("still down")
	user := &AppUser{UID: "u1", Provider: identity.ProviderKakao}

	for attempt := 0; attempt < 3; attempt++ {
		f.service.HandleTokenExpiration(context.Background(), user)
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
	}, f.delays)
}

func TestHandleTokenExpiration_BudgetIsPerProvider(t *testing.T) {
	f := newRecoveryFixture(1)
	f.reauthErr = errors.New("still down")
	googleUser := &AppUser{UID: "u1", Provider: identity.ProviderGoogle}
	kakaoUser := &AppUser{UID: "u2", Provider: identity.ProviderKakao}

	f.service.HandleTokenExpiration(context.Background(), googleUser)
	assert.False(t, f.service.CanAttemptRecovery(googleUser))
	assert.True(t, f.service.CanAttemptRecovery(kakaoUser),
		"spending google's budget must not touch kakao's")
}

func TestHandleTokenExpiration_InterruptedDelay(t *testing.T) {
	f := newRecoveryFixture(3)
	f.service.sleep = sleepContext // real sleep so cancellation matters
	user := &AppUser{UID: "u1", Provider: identity.ProviderGoogle}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := f.service.HandleTokenExpiration(ctx, user)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Zero(t, f.calls, "a cancelled delay must not reach the provider")
}

func TestHandleTokenExpiration_NilUser(t *testing.T) {
	f := newRecoveryFixture(3)

	result := f.service.HandleTokenExpiration(context.Background(), nil)
	assert.False(t, result.Success)
	assert.Error(t, result.Err)
	assert.False(t, f.service.CanAttemptRecovery(nil))
}

func TestResetRetryCount_RestoresTheFullBudget(t *testing.T) {
	f := newRecoveryFixture(2)
	f.reauthErr = errors.New("still down")
	user := &AppUser{UID: "u1", Provider: identity.ProviderKakao}

	f.service.HandleTokenExpiration(context.Background(), user)
	f.service.HandleTokenExpiration(context.Background(), user)
	require.False(t, f.service.CanAttemptRecovery(user))

	f.service.ResetRetryCount(user.Provider)

	assert.True(t, f.service.CanAttemptRecovery(user))
	f.service.HandleTokenExpiration(context.Background(), user)
	// Delays restart from the base after a reset.
	assert.Equal(t, 1*time.Second, f.delays[len(f.delays)-1])
}
