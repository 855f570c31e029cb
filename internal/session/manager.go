package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beaconcrm/beacon-core/internal/api"
	"github.com/beaconcrm/beacon-core/internal/entity"
)

type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
)

// Transition is delivered synchronously to listeners on every session state
// change. The realtime channel and the store teardown hang off these.
type Transition struct {
	State State
	User  entity.User
	Token string
}

// IdentityResolver fetches the authenticated identity for the current
// credential. Satisfied by the api client; the manager never builds requests
// itself.
type IdentityResolver interface {
	FetchIdentity(ctx context.Context) (entity.User, error)
}

type ManagerOptions struct {
	Credentials   CredentialStore
	CredentialTTL time.Duration
	Logger        zerolog.Logger
	Clock         func() time.Time
}

// Manager owns the one session of the running process.
//
// State machine: Unauthenticated -> Authenticating -> Authenticated ->
// Unauthenticated (logout or credential rejection). Concurrent BeginSession
// calls are resolved by an attempt counter: the latest attempt wins and any
// earlier in-flight completion is discarded with ErrSuperseded.
type Manager struct {
	creds  CredentialStore
	ttl    time.Duration
	logger zerolog.Logger
	clock  func() time.Time

	mu             sync.Mutex
	resolver       IdentityResolver
	state          State
	token          string
	user           entity.User
	attempt        uint64
	nextListenerID int
	listeners      map[int]func(Transition)
}

func NewManager(opts ManagerOptions) *Manager {
	ttl := opts.CredentialTTL
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		creds:     opts.Credentials,
		ttl:       ttl,
		logger:    opts.Logger,
		clock:     clock,
		state:     StateUnauthenticated,
		listeners: map[int]func(Transition){},
	}
}

// BindResolver wires the identity resolver after construction. The manager
// and the request executor reference each other, so one side binds late.
func (m *Manager) BindResolver(resolver IdentityResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolver = resolver
}

// OnTransition registers a synchronous state listener and returns its
// unsubscribe func.
func (m *Manager) OnTransition(listener func(Transition)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = listener
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentUser returns the authenticated identity, if any.
func (m *Manager) CurrentUser() (entity.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user, m.state == StateAuthenticated
}

// Credential implements api.CredentialSource.
func (m *Manager) Credential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// InvalidateCredential implements api.CredentialSource: a 401 anywhere tears
// the session down globally.
func (m *Manager) InvalidateCredential() {
	m.EndSession()
}

// RestoreSession reads the persisted credential, if any, and resolves the
// identity. A rejected credential is cleared and the process stays
// unauthenticated without error; transport failures propagate so the caller
// can retry later with the credential intact.
func (m *Manager) RestoreSession(ctx context.Context) (entity.User, bool, error) {
	cred, err := m.creds.Load()
	if err != nil {
		m.logger.Warn().Err(err).Msg("persisted credential unreadable, clearing")
		m.clearPersisted()
		return entity.User{}, false, nil
	}
	if cred == nil {
		return entity.User{}, false, nil
	}
	if cred.Expired(m.clock()) {
		m.logger.Info().Msg("persisted credential expired, clearing")
		m.clearPersisted()
		return entity.User{}, false, nil
	}

	user, err := m.resolveWith(ctx, cred.Token)
	if err != nil {
		if errors.Is(err, ErrSuperseded) {
			return entity.User{}, false, err
		}
		if errors.Is(err, api.ErrAuthentication) {
			return entity.User{}, false, nil
		}
		return entity.User{}, false, err
	}
	return user, true, nil
}

// BeginSession persists a freshly issued credential and resolves the
// identity. A rejected credential is discarded and leaves no session; a
// transport failure also leaves no session but keeps the persisted
// credential for a later restore.
func (m *Manager) BeginSession(ctx context.Context, token string) (entity.User, error) {
	if err := m.creds.Save(Credential{Token: token, ExpiresAt: m.clock().Add(m.ttl)}); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist credential")
	}
	return m.resolveWith(ctx, token)
}

// RefreshIdentity re-fetches the identity without altering the credential.
// Any failure is fatal to the session, not just to the call.
func (m *Manager) RefreshIdentity(ctx context.Context) (entity.User, error) {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return entity.User{}, &api.AuthError{Message: "no active session"}
	}
	resolver := m.resolver
	myAttempt := m.attempt
	m.mu.Unlock()

	user, err := resolver.FetchIdentity(ctx)

	m.mu.Lock()
	if m.attempt != myAttempt {
		// A 401 mid-flight tears the session down and bumps the attempt;
		// surface the failure itself, not a supersede.
		m.mu.Unlock()
		if err != nil {
			return entity.User{}, err
		}
		return entity.User{}, ErrSuperseded
	}
	if err != nil {
		m.mu.Unlock()
		m.EndSession()
		return entity.User{}, err
	}
	m.user = user
	listeners := m.listenersLocked()
	transition := Transition{State: StateAuthenticated, User: user, Token: m.token}
	m.mu.Unlock()
	dispatch(listeners, transition)
	return user, nil
}

// EndSession clears the persisted credential, discards the identity, and
// synchronously signals dependents to tear down. Safe to call repeatedly; it
// also supersedes any in-flight BeginSession.
func (m *Manager) EndSession() {
	m.mu.Lock()
	m.attempt++
	wasAuthenticated := m.state != StateUnauthenticated
	m.state = StateUnauthenticated
	m.token = ""
	m.user = entity.User{}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.clearPersisted()
	if wasAuthenticated {
		dispatch(listeners, Transition{State: StateUnauthenticated})
	}
}

func (m *Manager) resolveWith(ctx context.Context, token string) (entity.User, error) {
	m.mu.Lock()
	resolver := m.resolver
	m.attempt++
	myAttempt := m.attempt
	m.state = StateAuthenticating
	m.token = token
	m.mu.Unlock()

	user, err := resolver.FetchIdentity(ctx)

	m.mu.Lock()
	if m.attempt != myAttempt {
		m.mu.Unlock()
		if err != nil {
			return entity.User{}, err
		}
		return entity.User{}, ErrSuperseded
	}
	if err != nil {
		m.state = StateUnauthenticated
		m.token = ""
		m.user = entity.User{}
		listeners := m.listenersLocked()
		m.mu.Unlock()
		// Only a rejected credential is discarded. Transport failures keep
		// the persisted credential so a later restore can retry with it.
		if errors.Is(err, api.ErrAuthentication) {
			m.clearPersisted()
		}
		dispatch(listeners, Transition{State: StateUnauthenticated})
		return entity.User{}, err
	}
	m.state = StateAuthenticated
	m.user = user
	listeners := m.listenersLocked()
	transition := Transition{State: StateAuthenticated, User: user, Token: token}
	m.mu.Unlock()
	dispatch(listeners, transition)
	return user, nil
}

func (m *Manager) clearPersisted() {
	if err := m.creds.Clear(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to clear persisted credential")
	}
}

func (m *Manager) listenersLocked() []func(Transition) {
	out := make([]func(Transition), 0, len(m.listeners))
	for _, listener := range m.listeners {
		out = append(out, listener)
	}
	return out
}

func dispatch(listeners []func(Transition), transition Transition) {
	for _, listener := range listeners {
		listener(transition)
	}
}
