// Package session owns the authenticated user and token pair for the running
// process, mirrors them into the key-value store and notifies subscribers on
// every authentication transition.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/atinyakov/GophSession/internal/kv"
	"github.com/atinyakov/GophSession/internal/models"
)

// Storage keys. All of them are tracked so Init reloads them at startup.
const (
	KeyUser       = "user"
	KeyLastUserID = "lastUserId"
	KeyTokens     = "tokens"
)

var (
	// ErrNotAuthenticated is returned by AuthUser when nobody is logged in.
	ErrNotAuthenticated = errors.New("user is not authenticated")
	// ErrPersist reports that the session could not be written to or removed
	// from durable storage.
	ErrPersist = errors.New("session: persistence failed")
	// ErrInvalidTokens is returned by Login when no access token is available.
	ErrInvalidTokens = errors.New("session: access token is required")
)

// Manager is the single source of truth for "who is logged in".
//
// Hydrate, Login, Logout and SetTokens run one at a time; a call arriving
// while another is in flight waits for it. Subscribers are called after the
// state change is visible and may read from the Manager, but must not call
// its mutating methods synchronously.
type Manager struct {
	store *kv.Store
	log   *zap.Logger

	// op serializes mutations.
	op sync.Mutex

	mu     sync.RWMutex
	user   *models.User
	tokens *models.TokenPair

	subMu  sync.Mutex
	nextID uint64
	subs   map[uint64]func(bool)
}

// New creates an anonymous Manager backed by store.
func New(store *kv.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store: store,
		log:   log,
		subs:  make(map[uint64]func(bool)),
	}
}

// Hydrate adopts the user and token pair persisted by a previous process.
// It reports whether a session was restored and never fails: unreadable
// storage is treated as "not hydrated".
func (m *Manager) Hydrate(ctx context.Context) bool {
	m.op.Lock()
	defer m.op.Unlock()

	user, err := kv.GetAs[models.User](ctx, m.store, KeyUser)
	if err != nil {
		m.log.Debug("hydrate: no stored user", zap.Error(err))
		return false
	}
	tokens, err := kv.GetAs[models.TokenPair](ctx, m.store, KeyTokens)
	if err != nil || tokens.AccessToken == "" {
		m.log.Debug("hydrate: no stored tokens", zap.Error(err))
		return false
	}

	m.set(&user, &tokens)
	m.log.Info("session hydrated", zap.Int64("user_id", user.ID))
	m.notify(true)
	return true
}

// Login persists the user and tokens and then adopts them. Nothing is
// adopted unless every durable write succeeds.
func (m *Manager) Login(ctx context.Context, user models.User, update models.TokenUpdate) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.RLock()
	tokens := update.Merge(m.tokens)
	m.mu.RUnlock()
	if tokens.AccessToken == "" {
		return ErrInvalidTokens
	}

	lastID, hadLastID := m.store.GetSync(KeyLastUserID)
	if err := m.persistLogin(ctx, user, tokens); err != nil {
		m.log.Error("login: persist session", zap.Error(err))
		m.rollback(ctx, lastID, hadLastID)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	m.set(&user, &tokens)
	m.log.Info("user logged in", zap.Int64("user_id", user.ID))
	m.notify(true)
	return nil
}

func (m *Manager) persistLogin(ctx context.Context, user models.User, tokens models.TokenPair) error {
	if err := m.store.SetAsync(ctx, KeyUser, user, true); err != nil {
		return err
	}
	if err := m.store.SetAsync(ctx, KeyLastUserID, user.ID, true); err != nil {
		return err
	}
	return m.store.SetAsync(ctx, KeyTokens, tokens, true)
}

// rollback restores the store to the in-memory session after a failed login,
// so that a restart does not pick up a half-written session. lastID is the
// lastUserId value seen before the login started.
func (m *Manager) rollback(ctx context.Context, lastID json.RawMessage, hadLastID bool) {
	m.mu.RLock()
	user, tokens := m.user, m.tokens
	m.mu.RUnlock()

	if user == nil {
		m.store.DeleteAsync(ctx, KeyUser)
		m.store.DeleteAsync(ctx, KeyTokens)
		if hadLastID {
			_ = m.store.SetAsync(ctx, KeyLastUserID, lastID, true)
		} else {
			m.store.DeleteAsync(ctx, KeyLastUserID)
		}
		return
	}
	_ = m.store.SetAsync(ctx, KeyUser, *user, true)
	_ = m.store.SetAsync(ctx, KeyLastUserID, user.ID, true)
	_ = m.store.SetAsync(ctx, KeyTokens, *tokens, true)
}

// Logout clears the session. The in-memory state is always cleared and
// subscribers are always notified; a durable deletion failure is returned
// afterwards wrapped in ErrPersist.
func (m *Manager) Logout(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	errUser := m.store.Delete(ctx, KeyUser)
	errTokens := m.store.Delete(ctx, KeyTokens)

	m.set(nil, nil)
	m.log.Info("user logged out")
	m.notify(false)

	if err := errors.Join(errUser, errTokens); err != nil {
		m.log.Warn("logout: remove stored session", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// SetTokens merges update into the current pair: the access token is
// replaced, the refresh token only when update carries one. The merged pair
// is kept in memory even when the durable write fails; that error is
// returned. SetTokens does not change the authentication state.
func (m *Manager) SetTokens(ctx context.Context, update models.TokenUpdate) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	next := update.Merge(m.tokens)
	m.tokens = &next
	m.mu.Unlock()

	if err := m.store.SetAsync(ctx, KeyTokens, next, true); err != nil {
		m.log.Warn("set tokens: persist", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// IsAuthenticated reports whether a user is logged in.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user != nil
}

// AuthUser returns the logged-in user. Call it only from code paths that are
// reachable while authenticated; otherwise it returns ErrNotAuthenticated.
func (m *Manager) AuthUser() (models.User, error) {
	u, ok := m.User()
	if !ok {
		return models.User{}, ErrNotAuthenticated
	}
	return u, nil
}

// User returns the current user, if any.
func (m *Manager) User() (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return models.User{}, false
	}
	return *m.user, true
}

// Tokens returns the current token pair, if any.
func (m *Manager) Tokens() (models.TokenPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tokens == nil {
		return models.TokenPair{}, false
	}
	return *m.tokens, true
}

// Subscribe registers fn to receive the authenticated flag on every
// transition. The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(authenticated bool)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) set(user *models.User, tokens *models.TokenPair) {
	m.mu.Lock()
	m.user = user
	m.tokens = tokens
	m.mu.Unlock()
}

func (m *Manager) notify(authenticated bool) {
	m.subMu.Lock()
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(authenticated)
	}
}
