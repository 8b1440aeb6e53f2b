// file: internal/auth/helpers_test.go
package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/dkoosis/chargeauth/internal/identity"
	"github.com/dkoosis/chargeauth/internal/profilestore"
)

// stubSession is a controllable identity.Session.
type stubSession struct {
	uid         string
	provider    identity.Provider
	email       string
	name        string
	photo       string
	interactive bool

	mu         sync.Mutex
	credential identity.Credential
	credErr    error
	forceCalls int

	// blockForce, when set, is closed by the test to release an in-flight
	// forced refresh.
	blockForce chan struct{}
}

func (s *stubSession) UID() string                 { return s.uid }
func (s *stubSession) Provider() identity.Provider { return s.provider }
func (s *stubSession) Email() string               { return s.email }
func (s *stubSession) DisplayName() string         { return s.name }
func (s *stubSession) PhotoURL() string            { return s.photo }
func (s *stubSession) Interactive() bool           { return s.interactive }

func (s *stubSession) Credential(_ context.Context, forceRefresh bool) (identity.Credential, error) {
	s.mu.Lock()
	credential := s.credential
	credErr := s.credErr
	block := s.blockForce
	if forceRefresh {
		s.forceCalls++
	}
	s.mu.Unlock()

	if forceRefresh && block != nil {
		<-block
	}
	if credErr != nil {
		return identity.Credential{}, credErr
	}
	return credential, nil
}

func (s *stubSession) forcedRefreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceCalls
}

// stubBackend is a controllable identity.Backend whose session-change stream
// is driven by the test through push.
type stubBackend struct {
	mu            sync.Mutex
	callback      identity.SessionCallback
	subscribeErr  error
	subscriptions int
	terminations  int
	terminateErr  error
}

func (b *stubBackend) SubscribeSessionChanges(callback identity.SessionCallback) (identity.UnsubscribeFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.subscriptions++
	b.callback = callback
	return func() {
		b.mu.Lock()
		b.callback = nil
		b.mu.Unlock()
	}, nil
}

func (b *stubBackend) CurrentSession() identity.Session { return nil }

// TerminateSession mimics a real backend: the confirmation arrives through
// the session-change stream, not through the return value.
func (b *stubBackend) TerminateSession(_ context.Context) error {
	b.mu.Lock()
	b.terminations++
	err := b.terminateErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.push(nil)
	return nil
}

func (b *stubBackend) push(session identity.Session) {
	b.mu.Lock()
	callback := b.callback
	b.mu.Unlock()
	if callback != nil {
		callback(session)
	}
}

func (b *stubBackend) subscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscriptions
}

// eventRecorder collects emitted events for assertion.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) ofType(eventType EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Event
	for _, event := range r.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func (r *eventRecorder) count(eventType EventType) int {
	return len(r.ofType(eventType))
}

// failingStore always errors, simulating a profile-store outage.
type failingStore struct{}

func (failingStore) GetProfile(context.Context, string) (*profilestore.Record, error) {
	return nil, errors.New("profile store unavailable")
}

func (failingStore) UpsertProfile(context.Context, string, profilestore.Record) error {
	return errors.New("profile store unavailable")
}

// unsignedJWT builds a decodable token carrying only an exp claim.
func unsignedJWT(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"exp": expiresAt.Unix()})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return signed
}

// coordinatorFixture wires a coordinator over stubs with realistic retry
// limits but no real sleeping.
type coordinatorFixture struct {
	backend  *stubBackend
	store    *profilestore.MemoryStore
	recorder *eventRecorder
	tokens   *TokenManager
	recovery *RecoveryService
	profiles *ProfileManager
	coord    *Coordinator

	mu          sync.Mutex
	reauthErr   error
	reauthCalls int
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		backend:  &stubBackend{},
		store:    profilestore.NewMemoryStore(),
		recorder: &eventRecorder{},
	}

	reauth := func(_ context.Context, _ identity.Provider) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.reauthCalls++
		return f.reauthErr
	}

	f.tokens = NewTokenManager(5*time.Minute, time.Minute, nil, nil)
	f.recovery = NewRecoveryService(3, time.Second, reauth, nil, nil)
	f.recovery.sleep = func(context.Context, time.Duration) error { return nil }
	f.profiles = NewProfileManager(f.store, time.Minute, nil, nil)
	f.coord = NewCoordinator(f.backend, f.tokens, f.recovery, f.profiles, nil, nil)
	f.coord.AddAuthListener(f.recorder.listen)

	t.Cleanup(f.coord.Cleanup)
	return f
}

func (f *coordinatorFixture) setReauthErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reauthErr = err
}

func (f *coordinatorFixture) reauthAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reauthCalls
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}
