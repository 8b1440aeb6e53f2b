// file: internal/auth/coordinator_test.go
package auth

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkoosis/chargeauth/internal/identity"
	"github.com/dkoosis/chargeauth/internal/profilestore"
)

// fastRefreshCoordinator wires a coordinator whose token schedule ticks
// every 10 milliseconds, for tests that need the schedule to actually run.
func fastRefreshCoordinator(t *testing.T) (*stubBackend, *eventRecorder, *Coordinator) {
	t.Helper()
	backend := &stubBackend{}
	recorder := &eventRecorder{}

	tokens := NewTokenManager(5*time.Minute, 10*time.Millisecond, nil, nil)
	recovery := NewRecoveryService(3, time.Second, nil, nil, nil)
	recovery.sleep = func(context.Context, time.Duration) error { return nil }
	profiles := NewProfileManager(profilestore.NewMemoryStore(), time.Minute, nil, nil)

	coord := NewCoordinator(backend, tokens, recovery, profiles, nil, nil)
	coord.AddAuthListener(recorder.listen)
	t.Cleanup(coord.Cleanup)
	return backend, recorder, coord
}

func authenticatedFixture(t *testing.T, session *stubSession) *coordinatorFixture {
	t.Helper()
	f := newCoordinatorFixture(t)
	f.coord.Initialize()
	f.backend.push(session)
	waitFor(t, func() bool {
		return f.coord.GetAuthState().Status == StatusAuthenticated
	}, "coordinator never reached the authenticated status")
	return f
}

func googleSession(uid string) *stubSession {
	return &stubSession{
		uid:      uid,
		provider: identity.ProviderGoogle,
		email:    uid + "@example.com",
		credential: identity.Credential{
			Token:     "credential-" + uid,
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}
}

func TestCoordinator_InitializeIsIdempotent(t *testing.T) {
	f := newCoordinatorFixture(t)

	f.coord.Initialize()
	f.coord.Initialize()
	f.coord.Initialize()

	waitFor(t, func() bool { return f.backend.subscriptionCount() == 1 },
		"expected exactly one backend subscription")
	assert.Equal(t, StatusInitializing, f.coord.GetAuthState().Status)
}

func TestCoordinator_SubscriptionFailureFailsSilently(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.backend.subscribeErr = errors.New("backend offline")

	f.coord.Initialize() // must not panic or propagate the error

	waitFor(t, func() bool { return f.recorder.count(EventAuthError) == 1 },
		"expected one auth_error event for the failed subscription")
	assert.Equal(t, StatusError, f.coord.GetAuthState().Status)
}

func TestCoordinator_PresentSessionAuthenticates(t *testing.T) {
	session := googleSession("u1")
	f := authenticatedFixture(t, session)

	state := f.coord.GetAuthState()
	require.NotNil(t, state.User)
	assert.Equal(t, "u1", state.User.UID)
	assert.Equal(t, identity.ProviderGoogle, state.User.Provider)
	assert.Equal(t, "u1", state.User.DisplayName, "display name defaults to the email local part")

	authenticated := f.recorder.ofType(EventUserAuthenticated)
	require.Len(t, authenticated, 1)
	assert.Equal(t, "u1", authenticated[0].User.UID)
	assert.False(t, authenticated[0].Interactive)
	assert.NotEmpty(t, authenticated[0].ID)
	assert.False(t, authenticated[0].Timestamp.IsZero())
}

func TestCoordinator_FirstSignInCreatesDefaultProfile(t *testing.T) {
	session := &stubSession{
		uid:      "u1",
		provider: identity.ProviderApple,
		credential: identity.Credential{
			Token:     "credential-u1",
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}
	f := authenticatedFixture(t, session)

	state := f.coord.GetAuthState()
	require.NotNil(t, state.User)
	assert.Equal(t, "Apple 사용자", state.User.DisplayName,
		"an apple session without an email gets the localized fallback name")
	assert.Equal(t, "u1", state.User.AppleID)

	record, err := f.store.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.RegistrationComplete,
		"a freshly created default profile is not a completed registration")
}

func TestCoordinator_AbsentSessionWithNoUserNeverRecovers(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.coord.Initialize()

	f.backend.push(nil)

	waitFor(t, func() bool { return f.recorder.count(EventUserUnauthenticated) == 1 },
		"expected the unauthenticated state to be confirmed")
	assert.Equal(t, StatusUnauthenticated, f.coord.GetAuthState().Status)
	assert.Nil(t, f.coord.GetAuthState().User)
	assert.Zero(t, f.reauthAttempts(), "recovery must never run without a held user")

	unauthenticated := f.recorder.ofType(EventUserUnauthenticated)
	assert.Nil(t, unauthenticated[0].User)
}

func TestCoordinator_RecoverySuccessKeepsCurrentState(t *testing.T) {
	f := authenticatedFixture(t, googleSession("u1"))

	f.backend.push(nil)

	waitFor(t, func() bool { return f.reauthAttempts() == 1 },
		"expected one silent reauthentication attempt")
	// Give the loop a moment to apply any (incorrect) state change.
	time.Sleep(50 * time.Millisecond)

	state := f.coord.GetAuthState()
	assert.Equal(t, StatusAuthenticated, state.Status, "a recovered session keeps the user signed in")
	require.NotNil(t, state.User)
	assert.Equal(t, "u1", state.User.UID)
	assert.Zero(t, f.recorder.count(EventUserUnauthenticated))
}

func TestCoordinator_RecoveryExhaustionPerformsSingleLogout(t *testing.T) {
	session := &stubSession{
		uid:      "u-kakao",
		provider: identity.ProviderKakao,
		email:    "kim@example.com",
		credential: identity.Credential{
			Token:     "credential-kakao",
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}
	f := authenticatedFixture(t, session)
	f.setReauthErr(errors.New("provider rejected the silent reauth"))

	for attempt := 1; attempt <= 3; attempt++ {
		f.backend.push(nil)
		want := attempt
		waitFor(t, func() bool { return f.reauthAttempts() == want },
			"expected the silent reauthentication attempt to run")
	}

	waitFor(t, func() bool { return f.recorder.count(EventUserUnauthenticated) == 1 },
		"expected the third failure to spend the budget and log out")

	assert.Equal(t, 1, f.recorder.count(EventUserUnauthenticated),
		"repeated session losses collapse into one logout")
	assert.Equal(t, 2, f.recorder.count(EventAuthError),
		"the two non-final failures surface as auth_error")
	assert.Equal(t, StatusUnauthenticated, f.coord.GetAuthState().Status)
	assert.Nil(t, f.coord.GetAuthState().User)
}

func TestCoordinator_AppleLossRequiresReauthButKeepsUser(t *testing.T) {
	session := &stubSession{
		uid:      "u-apple",
		provider: identity.ProviderApple,
		email:    "lee@example.com",
		credential: identity.Credential{
			Token:     "credential-apple",
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}
	f := authenticatedFixture(t, session)

	f.backend.push(nil)

	waitFor(t, func() bool { return f.recorder.count(EventAuthError) == 1 },
		"expected a reauthentication-required auth_error")

	errs := f.recorder.ofType(EventAuthError)
	assert.True(t, errs[0].RequiresReauth)
	require.NotNil(t, errs[0].User, "the still-current user rides along for the UI")
	assert.Equal(t, "u-apple", errs[0].User.UID)
	assert.ErrorIs(t, errs[0].Err, ErrReauthRequired)

	assert.Equal(t, StatusAuthenticated, f.coord.GetAuthState().Status)
	assert.Zero(t, f.reauthAttempts(), "apple has no silent reauthentication path")
}

func TestCoordinator_SuccessfulAuthResetsRecoveryBudget(t *testing.T) {
	session := googleSession("u1")
	f := authenticatedFixture(t, session)
	f.setReauthErr(errors.New("transient outage"))

	// Spend two of the three attempts.
	for attempt := 1; attempt <= 2; attempt++ {
		f.backend.push(nil)
		want := attempt
		waitFor(t, func() bool { return f.reauthAttempts() == want },
			"expected the silent reauthentication attempt to run")
	}

	// The backend comes back with a valid session; the counter resets.
	f.backend.push(session)
	waitFor(t, func() bool { return f.recorder.count(EventUserAuthenticated) == 2 },
		"expected re-authentication after the backend recovered")

	require.NotNil(t, f.coord.GetAuthState().User)
	assert.True(t, f.recovery.CanAttemptRecovery(f.coord.GetAuthState().User))

	// A full fresh budget: three more failures before logout, not one.
	f.backend.push(nil)
	waitFor(t, func() bool { return f.reauthAttempts() == 3 },
		"expected recovery to run again after the reset")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.recorder.count(EventUserUnauthenticated))
}

func TestCoordinator_SignOutFlowsThroughBackendStream(t *testing.T) {
	f := authenticatedFixture(t, googleSession("u1"))

	f.coord.SignOut(context.Background())

	waitFor(t, func() bool { return f.recorder.count(EventUserUnauthenticated) == 1 },
		"expected the backend's absent-session notification to drive the logout")
	assert.Equal(t, StatusUnauthenticated, f.coord.GetAuthState().Status)
	assert.Nil(t, f.coord.GetAuthState().User)
	assert.Zero(t, f.reauthAttempts(),
		"a deliberate sign-out must not trigger recovery")
}

func TestCoordinator_SignOutFailureEmitsAuthError(t *testing.T) {
	f := authenticatedFixture(t, googleSession("u1"))
	f.backend.terminateErr = errors.New("network down")

	f.coord.SignOut(context.Background())

	waitFor(t, func() bool { return f.recorder.count(EventAuthError) == 1 },
		"expected the termination failure to surface as auth_error")
	assert.Equal(t, StatusAuthenticated, f.coord.GetAuthState().Status,
		"a failed sign-out leaves the session in place")
}

func TestCoordinator_RemovedListenerStopsReceiving(t *testing.T) {
	f := newCoordinatorFixture(t)
	second := &eventRecorder{}
	id := f.coord.AddAuthListener(second.listen)
	f.coord.RemoveAuthListener(id)

	f.coord.Initialize()
	f.backend.push(googleSession("u1"))

	waitFor(t, func() bool { return f.recorder.count(EventUserAuthenticated) == 1 },
		"expected the remaining listener to be notified")
	assert.Zero(t, second.count(EventUserAuthenticated))
}

func TestCoordinator_PanickingListenerDoesNotBlockOthers(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.coord.AddAuthListener(func(Event) { panic("listener bug") })

	f.coord.Initialize()
	f.backend.push(googleSession("u1"))

	waitFor(t, func() bool { return f.recorder.count(EventUserAuthenticated) == 1 },
		"expected the healthy listener to still receive the event")
}

func TestCoordinator_CleanupResetsAndSilences(t *testing.T) {
	f := authenticatedFixture(t, googleSession("u1"))
	eventsBefore := f.recorder.count(EventUserAuthenticated)

	f.coord.Cleanup()

	state := f.coord.GetAuthState()
	assert.Equal(t, StatusUninitialized, state.Status)
	assert.Nil(t, state.User)

	// Late notifications are discarded, not processed.
	f.backend.push(nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, eventsBefore, f.recorder.count(EventUserAuthenticated))
	assert.Zero(t, f.recorder.count(EventUserUnauthenticated))

	// The coordinator can be brought back up after Cleanup.
	f.coord.Initialize()
	waitFor(t, func() bool { return f.backend.subscriptionCount() == 2 },
		"expected a fresh subscription after re-initialization")
}

func TestCoordinator_LateSessionHandlerStartsNoScheduleAfterCleanup(t *testing.T) {
	_, recorder, coord := fastRefreshCoordinator(t)
	coord.Initialize()

	session := &stubSession{
		uid:      "u1",
		provider: identity.ProviderGoogle,
		email:    "u1@example.com",
		credential: identity.Credential{
			Token:     "opaque",
			ExpiresAt: time.Now().Add(time.Minute), // inside the refresh window
		},
	}

	coord.Cleanup()

	// A handler that lost the race to Cleanup must not start the refresh
	// schedule, even when its profile load already succeeded.
	coord.handleSessionChange(context.Background(), session)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, session.forcedRefreshes(), "no refresh schedule may outlive Cleanup")
	assert.Zero(t, recorder.count(EventUserAuthenticated))
	assert.Equal(t, StatusUninitialized, coord.GetAuthState().Status)
}

func TestCoordinator_CleanupDiscardsInFlightRefresh(t *testing.T) {
	backend, recorder, coord := fastRefreshCoordinator(t)
	coord.Initialize()

	release := make(chan struct{})
	session := &stubSession{
		uid:      "u1",
		provider: identity.ProviderGoogle,
		email:    "u1@example.com",
		credential: identity.Credential{
			Token:     "opaque",
			ExpiresAt: time.Now().Add(time.Minute), // inside the refresh window
		},
		blockForce: release,
	}

	backend.push(session)
	waitFor(t, func() bool {
		return coord.GetAuthState().Status == StatusAuthenticated
	}, "coordinator never reached the authenticated status")
	waitFor(t, func() bool { return session.forcedRefreshes() == 1 },
		"expected a scheduled refresh to be in flight")

	coord.Cleanup()
	close(release) // the in-flight refresh now completes

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, recorder.count(EventTokenRefreshed),
		"a refresh resolving after Cleanup must not emit an event")
	assert.Equal(t, StatusUninitialized, coord.GetAuthState().Status)
}

func TestCoordinator_StatusIsAlwaysOneOfTheFive(t *testing.T) {
	valid := map[Status]bool{
		StatusUninitialized:   true,
		StatusInitializing:    true,
		StatusAuthenticated:   true,
		StatusUnauthenticated: true,
		StatusError:           true,
	}

	f := newCoordinatorFixture(t)
	check := func() { assert.True(t, valid[f.coord.GetAuthState().Status]) }

	check()
	f.coord.Initialize()
	check()
	f.backend.push(googleSession("u1"))
	waitFor(t, func() bool {
		return f.coord.GetAuthState().Status == StatusAuthenticated
	}, "coordinator never reached the authenticated status")
	check()
	f.coord.SignOut(context.Background())
	waitFor(t, func() bool {
		return f.coord.GetAuthState().Status == StatusUnauthenticated
	}, "coordinator never reached the unauthenticated status")
	check()
	f.coord.Cleanup()
	check()
}
