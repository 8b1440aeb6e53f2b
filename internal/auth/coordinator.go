// file: internal/auth/coordinator.go
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	lfsm "github.com/looplab/fsm"

	"github.com/dkoosis/chargeauth/internal/identity"
	"github.com/dkoosis/chargeauth/internal/logging"
	"github.com/dkoosis/chargeauth/internal/metrics"
)

// Status machine events. The coordinator is the only caller, always under
// its own mutex; the machine exists to make illegal transitions loud rather
// than silent.
const (
	fsmEventInitialize     = "initialize"
	fsmEventAuthenticate   = "authenticate"
	fsmEventDeauthenticate = "deauthenticate"
	fsmEventFail           = "fail"
	fsmEventReset          = "reset"
)

func newStatusMachine() *lfsm.FSM {
	all := []string{
		string(StatusUninitialized),
		string(StatusInitializing),
		string(StatusAuthenticated),
		string(StatusUnauthenticated),
		string(StatusError),
	}
	return lfsm.NewFSM(
		string(StatusUninitialized),
		lfsm.Events{
			{Name: fsmEventInitialize, Src: []string{string(StatusUninitialized)}, Dst: string(StatusInitializing)},
			{Name: fsmEventAuthenticate, Src: []string{
				string(StatusInitializing), string(StatusAuthenticated), string(StatusUnauthenticated), string(StatusError),
			}, Dst: string(StatusAuthenticated)},
			{Name: fsmEventDeauthenticate, Src: []string{
				string(StatusInitializing), string(StatusAuthenticated), string(StatusUnauthenticated), string(StatusError),
			}, Dst: string(StatusUnauthenticated)},
			{Name: fsmEventFail, Src: all, Dst: string(StatusError)},
			{Name: fsmEventReset, Src: all, Dst: string(StatusUninitialized)},
		},
		lfsm.Callbacks{},
	)
}

// Coordinator is the single source of truth for the application's
// authentication status. It is the sole subscriber to the identity backend's
// session-change notifications and the sole publisher of authentication
// events. It composes the token manager, the recovery service, and the
// profile manager; construct exactly one per process and inject it where
// needed.
//
// Session-change notifications are processed in arrival order on one
// internal goroutine, so state mutations never race each other. The central
// design decision lives in handleAbsentSession: a "no session" notification
// while a user is held is treated as ambiguous, not as a confirmed logout,
// because backend session objects can transiently appear absent during token
// rotation or backgrounding.
type Coordinator struct {
	backend  identity.Backend
	tokens   *TokenManager
	recovery *RecoveryService
	profiles *ProfileManager
	logger   logging.Logger
	metrics  *metrics.Collector

	mu             sync.RWMutex
	machine        *lfsm.FSM
	currentUser    *AppUser
	listeners      map[int]Listener
	nextListenerID int
	unsubscribe    identity.UnsubscribeFunc
	notifications  chan identity.Session
	cancel         context.CancelFunc
	closed         bool
}

// notificationQueueSize bounds how many unprocessed session notifications
// may pile up before the backend's callback blocks. Order is preserved.
const notificationQueueSize = 32

// NewCoordinator wires the coordinator from its collaborators. The collector
// may be nil.
func NewCoordinator(
	backend identity.Backend,
	tokens *TokenManager,
	recovery *RecoveryService,
	profiles *ProfileManager,
	collector *metrics.Collector,
	logger logging.Logger,
) *Coordinator {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}

	c := &Coordinator{
		backend:   backend,
		tokens:    tokens,
		recovery:  recovery,
		profiles:  profiles,
		logger:    logger.WithField("component", "auth_coordinator"),
		metrics:   collector,
		machine:   newStatusMachine(),
		listeners: make(map[int]Listener),
	}

	tokens.SetRefreshNotify(c.onScheduledRefresh)
	return c
}

// Initialize subscribes to the identity backend's session-change stream and
// starts the notification loop. Idempotent: a coordinator already past
// StatusUninitialized returns immediately. Subscription failure does not
// propagate to the caller; the coordinator fails silently into StatusError
// and emits an auth_error event.
func (c *Coordinator) Initialize() {
	c.mu.Lock()
	if Status(c.machine.Current()) != StatusUninitialized {
		c.mu.Unlock()
		c.logger.Debug("Initialize called on an already initialized coordinator.")
		return
	}
	c.transitionLocked(fsmEventInitialize)
	c.closed = false
	c.notifications = make(chan identity.Session, notificationQueueSize)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	notifications := c.notifications
	c.mu.Unlock()

	go c.run(ctx, notifications)

	unsubscribe, err := c.backend.SubscribeSessionChanges(func(session identity.Session) {
		select {
		case notifications <- session:
		case <-ctx.Done():
		}
	})
	if err != nil {
		c.logger.Error("Identity backend subscription failed.", "error", err)
		c.mu.Lock()
		c.transitionLocked(fsmEventFail)
		c.mu.Unlock()
		c.emit(Event{
			Type: EventAuthError,
			Err:  errors.Wrap(err, "identity backend subscription failed"),
		})
		return
	}

	c.mu.Lock()
	if c.closed {
		// Cleaned up while subscribing; detach immediately.
		c.mu.Unlock()
		unsubscribe()
		return
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.logger.Info("Authentication coordinator initialized.")
}

// GetAuthState returns the authoritative status/user pair. Pure read: never
// blocks on I/O, never mutates.
func (c *Coordinator) GetAuthState() AuthState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return AuthState{
		Status: Status(c.machine.Current()),
		User:   c.currentUser,
	}
}

// SignOut asks the identity backend to terminate the session. Local state is
// deliberately not cleared here: the resulting session-change notification
// drives the logout path, so user-initiated and provider-initiated logouts
// share one code path. Errors are logged and surfaced as auth_error, never
// returned.
func (c *Coordinator) SignOut(ctx context.Context) {
	c.logger.Info("Sign-out requested.")
	if err := c.backend.TerminateSession(ctx); err != nil {
		c.logger.Error("Session termination failed.", "error", err)
		c.emit(Event{
			Type: EventAuthError,
			Err:  errors.Wrap(err, "session termination failed"),
		})
	}
}

// AddAuthListener registers a listener and returns its registration id for
// later removal. Listener failures are contained per-listener.
func (c *Coordinator) AddAuthListener(listener Listener) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	id := c.nextListenerID
	c.listeners[id] = listener
	return id
}

// RemoveAuthListener deregisters the listener with the given id. Unknown ids
// are ignored.
func (c *Coordinator) RemoveAuthListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// Cleanup unsubscribes from the identity backend, stops the token-refresh
// schedule, clears listeners and in-memory state, and returns the
// coordinator to StatusUninitialized. The subscription and timers are
// detached before Cleanup returns; an operation already in flight may
// complete, but its result is discarded.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	if Status(c.machine.Current()) == StatusUninitialized && !c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	cancel := c.cancel
	c.unsubscribe = nil
	c.cancel = nil
	c.currentUser = nil
	c.listeners = make(map[int]Listener)
	c.transitionLocked(fsmEventReset)
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.tokens.StopAutoRefresh()
	if cancel != nil {
		cancel()
	}
	c.logger.Info("Authentication coordinator cleaned up.")
}

// run processes session-change notifications in arrival order.
func (c *Coordinator) run(ctx context.Context, notifications <-chan identity.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case session := <-notifications:
			c.handleSessionChange(ctx, session)
		}
	}
}

// handleSessionChange is the core algorithm: a present session drives the
// authenticated path, an absent one the ambiguous-logout path.
func (c *Coordinator) handleSessionChange(ctx context.Context, session identity.Session) {
	if session != nil {
		c.handlePresentSession(ctx, session)
		return
	}
	c.handleAbsentSession(ctx)
}

func (c *Coordinator) handlePresentSession(ctx context.Context, session identity.Session) {
	c.logger.Debug("Session notification received.",
		"uid", session.UID(), "provider", session.Provider())

	user, err := c.profiles.LoadUserProfile(ctx, session)
	if err != nil {
		c.mu.RLock()
		previous := c.currentUser
		c.mu.RUnlock()

		if previous != nil {
			// Profile load failed but a user is already held: treat like an
			// ambiguous loss and try to recover with the previous identity.
			c.logger.Warn("Profile load failed with a previous user held, attempting recovery.",
				"uid", session.UID(), "error", err)
			c.recoverOrLogout(ctx, previous)
			return
		}

		c.logger.Error("Profile load failed with no previous user.", "uid", session.UID(), "error", err)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.transitionLocked(fsmEventFail)
		c.mu.Unlock()
		c.emit(Event{
			Type: EventAuthError,
			Err:  errors.Wrap(err, "profile load failed"),
		})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.currentUser = user
	c.transitionLocked(fsmEventAuthenticate)
	// Start the schedule under the same lock as the closed check: a Cleanup
	// racing this handler either wins (closed is set, nothing starts) or
	// strictly orders its StopAutoRefresh after this start.
	c.tokens.StartAutoRefresh(session)
	c.recovery.ResetRetryCount(user.Provider)
	c.mu.Unlock()

	c.emit(Event{
		Type:        EventUserAuthenticated,
		User:        user,
		Provider:    user.Provider,
		Interactive: session.Interactive(),
	})
	c.logger.Info("User authenticated.", "uid", user.UID, "provider", user.Provider)
}

// handleAbsentSession implements the ambiguous-logout rule. With no user
// held, the absent session only confirms the logged-out state; recovery is
// never attempted from nothing. With a user held, the loss is ambiguous and
// recovery runs first.
func (c *Coordinator) handleAbsentSession(ctx context.Context) {
	c.mu.RLock()
	current := c.currentUser
	c.mu.RUnlock()

	if current == nil {
		c.logger.Debug("Absent session with no user held; confirming unauthenticated state.")
		c.performFullLogout()
		return
	}

	c.logger.Info("Session disappeared while a user is held, treating as ambiguous.",
		"uid", current.UID, "provider", current.Provider)
	c.recoverOrLogout(ctx, current)
}

// recoverOrLogout runs one recovery attempt for the user and applies the
// outcome:
//
//   - success: no state change; the backend's own stream re-notifies with a
//     valid session, and until then the last-known-good state stands.
//   - failure that spends the last attempt, or an already-exhausted budget:
//     full logout.
//   - failure with budget remaining and reauthentication required: an
//     auth_error event carrying the still-current user, so the UI can decide
//     whether to force a re-login prompt. The user is deliberately kept; the
//     condition may recover on the next app foreground.
//   - any other failure: keep last-known-good state and wait.
func (c *Coordinator) recoverOrLogout(ctx context.Context, user *AppUser) {
	if !c.recovery.CanAttemptRecovery(user) {
		c.logger.Warn("Recovery budget exhausted, performing full logout.",
			"provider", user.Provider)
		c.performFullLogout()
		return
	}

	result := c.recovery.HandleTokenExpiration(ctx, user)
	if result.Success {
		c.logger.Info("Recovery succeeded, keeping current state.",
			"uid", user.UID, "provider", user.Provider)
		return
	}

	if !c.recovery.CanAttemptRecovery(user) {
		// This failure spent the last attempt.
		c.logger.Warn("Recovery failed with budget now exhausted, performing full logout.",
			"provider", user.Provider, "error", result.Err)
		c.performFullLogout()
		return
	}

	if result.RequiresReauth {
		c.logger.Warn("Silent recovery is not possible, reauthentication required.",
			"provider", user.Provider)
		c.emit(Event{
			Type:           EventAuthError,
			User:           user,
			Provider:       user.Provider,
			Err:            ErrReauthRequired,
			RequiresReauth: true,
		})
		return
	}

	c.logger.Warn("Recovery attempt failed, keeping last-known-good state.",
		"provider", user.Provider, "error", result.Err)
}

// performFullLogout clears the user, stops the refresh schedule, and emits
// user_unauthenticated. Safe to call when already logged out; listeners must
// tolerate duplicate logical states.
func (c *Coordinator) performFullLogout() {
	c.tokens.StopAutoRefresh()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	previous := c.currentUser
	c.currentUser = nil
	c.transitionLocked(fsmEventDeauthenticate)
	c.mu.Unlock()

	event := Event{Type: EventUserUnauthenticated, User: previous}
	if previous != nil {
		event.Provider = previous.Provider
	}
	c.emit(event)
	c.logger.Info("Full logout performed.")
}

// onScheduledRefresh surfaces successful background refreshes as
// token_refreshed events.
func (c *Coordinator) onScheduledRefresh(result TokenRefreshResult, session identity.Session) {
	c.mu.RLock()
	user := c.currentUser
	c.mu.RUnlock()

	event := Event{Type: EventTokenRefreshed, Provider: session.Provider()}
	if user != nil && user.UID == session.UID() {
		event.User = user
	}
	c.logger.Debug("Scheduled refresh completed.", "uid", session.UID(), "expires_at", result.ExpiresAt)
	c.emit(event)
}

// emit delivers the event to all registered listeners. A listener error or
// panic is logged and contained so one faulty listener cannot block the
// others or crash the coordinator. Nothing is emitted after Cleanup.
func (c *Coordinator) emit(event Event) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	event.ID = uuid.NewString()
	event.Timestamp = time.Now()
	targets := make([]Listener, 0, len(c.listeners))
	for _, listener := range c.listeners {
		targets = append(targets, listener)
	}
	c.mu.RUnlock()

	c.metrics.RecordAuthEvent(string(event.Type))
	for _, listener := range targets {
		c.safeNotify(listener, event)
	}
}

func (c *Coordinator) safeNotify(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Auth listener panicked.", "event_type", event.Type, "panic", r)
		}
	}()
	listener(event)
}

// transitionLocked fires a status machine event. Callers hold c.mu. An
// illegal transition is a programming error; it is logged and the status is
// left unchanged rather than corrupted.
func (c *Coordinator) transitionLocked(event string) {
	if err := c.machine.Event(context.Background(), event); err != nil {
		var noTransition lfsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return // same-state transition, e.g. repeated deauthenticate
		}
		c.logger.Error("Illegal status transition attempted.",
			"event", event, "current", c.machine.Current(), "error", err)
	}
}
