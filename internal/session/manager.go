// Package session owns the in-memory session of one client and keeps it in
// step with the persisted credential slots.
//
// A Manager is always in exactly one of Initializing, Unauthenticated or
// Authenticated. Every transition into or out of Authenticated writes the
// credential store and the in-memory record under the same lock and advances
// the session generation; asynchronous operations capture the generation when
// they start and drop their result if it moved.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"session_service/internal/auth"
	"session_service/internal/credstore"
	"session_service/internal/models"
	"session_service/internal/service"
	"session_service/internal/validation"
)

const DefaultLoginPath = "/users/login"

// Clearer is local, session-scoped state wiped together with the credentials.
type Clearer interface {
	Clear(ctx context.Context) error
}

type Options struct {
	LoginPath string
	// RefreshLeeway makes Do refresh the access token first when it expires
	// within this window. Zero disables proactive refresh.
	RefreshLeeway time.Duration
	Navigator     Navigator
	Scratch       []Clearer
	Validator     *validation.Validator
	Logger        *slog.Logger
	Now           func() time.Time
}

type Manager struct {
	store *credstore.Store
	api   service.Service

	loginPath string
	leeway    time.Duration
	nav       Navigator
	scratch   []Clearer
	validate  *validation.Validator
	log       *slog.Logger
	now       func() time.Time

	mu         sync.RWMutex
	state      State
	record     *models.SessionRecord
	generation uint64

	// notifyMu is taken before mu by every writer and held through
	// delivery, so listeners observe transitions in the order they were
	// applied.
	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[uint64]func(Snapshot)
	nextSub  uint64

	refresh singleflight.Group
}

func New(store *credstore.Store, api service.Service, opts Options) *Manager {
	m := &Manager{
		store:     store,
		api:       api,
		loginPath: opts.LoginPath,
		leeway:    opts.RefreshLeeway,
		nav:       opts.Navigator,
		scratch:   opts.Scratch,
		validate:  opts.Validator,
		log:       opts.Logger,
		now:       opts.Now,
		state:     StateInitializing,
		subs:      make(map[uint64]func(Snapshot)),
	}
	if m.loginPath == "" {
		m.loginPath = DefaultLoginPath
	}
	if m.nav == nil {
		m.nav = nopNavigator{}
	}
	if m.validate == nil {
		m.validate = validation.New()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Init loads the persisted session. Consistent slots make the manager
// Authenticated; anything else (orphaned user or token, corrupt user slot)
// is cleared and the manager settles Unauthenticated.
func (m *Manager) Init(ctx context.Context) {
	const op = "session.Manager.Init"

	log := m.log.With(slog.String("op", op))

	m.lock()
	record, err := m.store.Reconcile(ctx)
	if err != nil {
		log.Error("failed to reconcile credential slots", slog.Any("error", err))
	}

	var snap Snapshot
	if record != nil {
		if record.Category == "" {
			record.Category = models.CategoryForUserType(record.UserType)
		}
		snap = m.setLocked(StateAuthenticated, record, true)
		log.Debug("session restored", slog.String("user_id", record.UserID))
	} else {
		snap = m.setLocked(StateUnauthenticated, nil, m.state == StateAuthenticated)
	}
	m.unlockAndPublish(snap)
}

// Login applies a record obtained from a successful login response. The
// credential slots and the in-memory record change together; on a write
// failure every slot is cleared and the manager is Unauthenticated.
func (m *Manager) Login(ctx context.Context, record *models.SessionRecord) error {
	const op = "session.Manager.Login"

	if !record.HasIdentity() || record.AccessToken == "" {
		return fmt.Errorf("%s: %w", op, ErrIncompleteRecord)
	}

	next := record.Clone()
	if next.Category == "" {
		next.Category = models.CategoryForUserType(next.UserType)
	}

	log := m.log.With(slog.String("op", op), slog.String("user_id", next.UserID))

	m.lock()
	if err := m.persistLocked(ctx, next); err != nil {
		log.Error("failed to persist session, rolling back", slog.Any("error", err))
		if cerr := m.store.ClearAll(ctx); cerr != nil {
			log.Error("rollback failed", slog.Any("error", cerr))
		}
		m.unlockAndPublish(m.setLocked(StateUnauthenticated, nil, true))
		return fmt.Errorf("%s: %w", op, err)
	}
	m.unlockAndPublish(m.setLocked(StateAuthenticated, next, true))

	log.Info("user logged in")
	return nil
}

func (m *Manager) persistLocked(ctx context.Context, r *models.SessionRecord) error {
	if err := m.store.SetUser(ctx, r); err != nil {
		return err
	}
	if err := m.store.SetToken(ctx, r.AccessToken); err != nil {
		return err
	}
	if r.RefreshToken != "" {
		return m.store.SetRefreshToken(ctx, r.RefreshToken)
	}
	return m.store.DeleteRefreshToken(ctx)
}

// SignIn validates the login form, authenticates against the users service
// and applies the resulting record. Unverified accounts are not signed in:
// the record is returned with ErrAccountUnverified so the caller can route
// to verification.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*models.SessionRecord, error) {
	const op = "session.Manager.SignIn"

	form := validation.LoginForm{Email: strings.TrimSpace(email), Password: password}
	if err := m.validate.Validate(form); err != nil {
		return nil, err
	}

	log := m.log.With(slog.String("op", op))

	resp, err := m.api.Login(ctx, form.Email, form.Password)
	if err != nil {
		if service.IsUnauthorized(err) {
			err = &service.APIError{Status: 401, Message: "Invalid email or password"}
		}
		log.Warn("login rejected", slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	record := resp.Record()
	if !record.IsVerified {
		log.Info("login of unverified account", slog.String("user_id", record.UserID))
		identity := record.Identity()
		return &identity, ErrAccountUnverified
	}

	if err := m.Login(ctx, record); err != nil {
		return nil, err
	}
	return m.CurrentUser(), nil
}

// UpdateUser merges the provided identity fields into the current record and
// persists the result. Tokens are never touched.
func (m *Manager) UpdateUser(ctx context.Context, patch models.UserPatch) error {
	const op = "session.Manager.UpdateUser"

	m.lock()
	if m.state != StateAuthenticated {
		m.unlock()
		return fmt.Errorf("%s: %w", op, ErrNotAuthenticated)
	}

	next := m.record.Clone()
	patch.Apply(next)

	if err := m.store.SetUser(ctx, next); err != nil {
		m.unlock()
		return fmt.Errorf("%s: %w", op, err)
	}
	m.unlockAndPublish(m.setLocked(StateAuthenticated, next, false))
	return nil
}

// RefreshUserData re-reads the profile from the users service and merges its
// identity fields into the session, keeping category and tokens. Failures are
// logged only; a result that arrives after the session changed is dropped.
func (m *Manager) RefreshUserData(ctx context.Context) {
	const op = "session.Manager.RefreshUserData"

	log := m.log.With(slog.String("op", op))

	m.mu.RLock()
	authenticated, gen := m.state == StateAuthenticated, m.generation
	m.mu.RUnlock()
	if !authenticated {
		return
	}

	var profile models.UserProfile
	err := m.Do(ctx, func(ctx context.Context, token string) error {
		var err error
		profile, err = m.api.GetMyProfile(ctx, token)
		return err
	})
	if err != nil {
		log.Warn("failed to refresh user data", slog.Any("error", err))
		return
	}

	m.lock()
	if m.generation != gen || m.state != StateAuthenticated {
		m.unlock()
		log.Debug("dropping stale profile", slog.Uint64("generation", gen))
		return
	}

	next := m.record.Clone()
	if profile.UserID != "" {
		next.UserID = profile.UserID
	}
	next.Name = profile.Name
	next.Email = profile.Email
	next.UserType = profile.UserType
	next.IsVerified = profile.IsVerified

	if err := m.store.SetUser(ctx, next); err != nil {
		m.unlock()
		log.Error("failed to persist refreshed user", slog.Any("error", err))
		return
	}
	m.unlockAndPublish(m.setLocked(StateAuthenticated, next, false))
}

// RefreshToken exchanges the refresh token for a new access token. Concurrent
// callers share one exchange. A missing refresh token or a 401 ends the
// session; other failures leave it untouched.
func (m *Manager) RefreshToken(ctx context.Context) error {
	// The shared exchange outlives any one caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := m.refresh.DoChan("refresh", func() (any, error) {
		return nil, m.refreshToken(shared)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) refreshToken(ctx context.Context) error {
	const op = "session.Manager.RefreshToken"

	log := m.log.With(slog.String("op", op))

	m.mu.RLock()
	state, gen := m.state, m.generation
	var refresh string
	if m.record != nil {
		refresh = m.record.RefreshToken
	}
	m.mu.RUnlock()

	if state != StateAuthenticated {
		return fmt.Errorf("%s: %w", op, ErrNotAuthenticated)
	}
	if refresh == "" {
		log.Info("no refresh token, ending session")
		m.invalidate(ctx, gen)
		return fmt.Errorf("%s: %w", op, ErrNoRefreshToken)
	}

	resp, err := m.api.RefreshToken(ctx, refresh)
	if err != nil {
		if service.IsUnauthorized(err) {
			log.Info("refresh token rejected, ending session")
			m.invalidate(ctx, gen)
		} else {
			log.Warn("token refresh failed", slog.Any("error", err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	m.lock()
	if m.generation != gen || m.state != StateAuthenticated {
		m.unlock()
		return fmt.Errorf("%s: %w", op, ErrStale)
	}

	if err := m.store.SetToken(ctx, resp.Token); err != nil {
		m.unlock()
		return fmt.Errorf("%s: %w", op, err)
	}
	next := m.record.Clone()
	next.AccessToken = resp.Token
	if resp.RefreshToken != "" {
		if err := m.store.SetRefreshToken(ctx, resp.RefreshToken); err != nil {
			log.Warn("failed to persist rotated refresh token", slog.Any("error", err))
		} else {
			next.RefreshToken = resp.RefreshToken
		}
	}
	m.unlockAndPublish(m.setLocked(StateAuthenticated, next, false))

	log.Debug("access token refreshed")
	return nil
}

// Do runs call with the current access token. A token close to expiry is
// refreshed first. A 401 from call ends the session it was made under.
func (m *Manager) Do(ctx context.Context, call func(ctx context.Context, token string) error) error {
	const op = "session.Manager.Do"

	m.mu.RLock()
	state, gen := m.state, m.generation
	var token string
	if m.record != nil {
		token = m.record.AccessToken
	}
	m.mu.RUnlock()

	if state != StateAuthenticated {
		return fmt.Errorf("%s: %w", op, ErrNotAuthenticated)
	}

	if m.leeway > 0 && auth.ExpiresWithin(token, m.leeway, m.now()) {
		err := m.RefreshToken(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoRefreshToken), service.IsUnauthorized(err):
			return err
		default:
			m.log.Warn("proactive token refresh failed, using current token",
				slog.String("op", op), slog.Any("error", err))
		}

		m.mu.RLock()
		if m.generation != gen || m.state != StateAuthenticated {
			m.mu.RUnlock()
			return fmt.Errorf("%s: %w", op, ErrStale)
		}
		token = m.record.AccessToken
		m.mu.RUnlock()
	}

	err := call(ctx, token)
	if service.IsUnauthorized(err) {
		m.log.Info("users service answered 401, ending session", slog.String("op", op))
		m.invalidate(ctx, gen)
	}
	return err
}

// Logout notifies the users service (best effort), clears every credential
// slot and scratch slot, forgets the record and redirects to the login page.
// Calling it while Unauthenticated does the same local work and no harm.
func (m *Manager) Logout(ctx context.Context) {
	const op = "session.Manager.Logout"

	log := m.log.With(slog.String("op", op))

	m.mu.RLock()
	var token string
	if m.state == StateAuthenticated {
		token = m.record.AccessToken
	}
	m.mu.RUnlock()

	if token != "" {
		if err := m.api.Logout(ctx, token); err != nil {
			log.Warn("logout notification failed", slog.Any("error", err))
		}
	}

	m.lock()
	m.unlockAndPublish(m.clearLocked(ctx))

	log.Info("user logged out")
	m.nav.Redirect(m.loginPath)
}

// Invalidate ends the session locally without notifying the users service,
// which already considers it invalid.
func (m *Manager) Invalidate(ctx context.Context) {
	m.lock()
	m.unlockAndPublish(m.clearLocked(ctx))
	m.nav.Redirect(m.loginPath)
}

// invalidate ends the session only if it is still the one of generation gen.
func (m *Manager) invalidate(ctx context.Context, gen uint64) {
	m.lock()
	if m.generation != gen {
		m.unlock()
		return
	}
	m.unlockAndPublish(m.clearLocked(ctx))
	m.nav.Redirect(m.loginPath)
}

func (m *Manager) clearLocked(ctx context.Context) Snapshot {
	const op = "session.Manager.clear"

	if err := m.store.ClearAll(ctx); err != nil {
		m.log.Error("failed to clear credential slots", slog.String("op", op), slog.Any("error", err))
	}
	for _, s := range m.scratch {
		if err := s.Clear(ctx); err != nil {
			m.log.Warn("failed to clear scratch slots", slog.String("op", op), slog.Any("error", err))
		}
	}
	return m.setLocked(StateUnauthenticated, nil, true)
}

// setLocked must be called with mu held.
func (m *Manager) setLocked(state State, record *models.SessionRecord, bump bool) Snapshot {
	if bump {
		m.generation++
	}
	m.state = state
	m.record = record
	return Snapshot{State: state, User: record.Clone(), Generation: m.generation}
}

// lock takes notifyMu ahead of mu, so a writer never waits on notifyMu while
// holding mu and listeners are free to read.
func (m *Manager) lock() {
	m.notifyMu.Lock()
	m.mu.Lock()
}

func (m *Manager) unlock() {
	m.mu.Unlock()
	m.notifyMu.Unlock()
}

// unlockAndPublish releases mu and delivers snap, then releases notifyMu.
func (m *Manager) unlockAndPublish(snap Snapshot) {
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	m.subsMu.Lock()
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range subs {
		s := snap
		s.User = snap.User.Clone()
		fn(s)
	}
}

// Subscribe registers fn to be called after every transition. Listeners run
// synchronously. They may read the session (CurrentUser, Snapshot) but must
// not call Login, Logout or other mutating methods.
func (m *Manager) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs, id)
	}
}

// CurrentUser returns a copy of the session record, or nil.
func (m *Manager) CurrentUser() *models.SessionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated {
		return nil
	}
	return m.record.Clone()
}

func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateAuthenticated
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, User: m.record.Clone(), Generation: m.generation}
}

// LoginPath is where logout and invalidation send the user.
func (m *Manager) LoginPath() string {
	return m.loginPath
}
