package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"session_service/internal/auth"
	"session_service/internal/credstore"
	"session_service/internal/models"
	"session_service/internal/service"
	"session_service/internal/service/servicetest"
	"session_service/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type redirects struct {
	mu    sync.Mutex
	paths []string
}

func (r *redirects) Redirect(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *redirects) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

// flakyBackend fails writes of selected slots.
type flakyBackend struct {
	*storage.Memory
	failSet map[string]bool
}

func (f *flakyBackend) Set(ctx context.Context, key, value string) error {
	if f.failSet[key] {
		return errors.New("quota exceeded")
	}
	return f.Memory.Set(ctx, key, value)
}

type fixture struct {
	backend *flakyBackend
	store   *credstore.Store
	scratch *credstore.Scratch
	api     *servicetest.Fake
	nav     *redirects
	mgr     *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	f := &fixture{
		backend: &flakyBackend{Memory: storage.NewMemory(time.Hour), failSet: map[string]bool{}},
		api:     &servicetest.Fake{},
		nav:     &redirects{},
	}
	f.store = credstore.New(f.backend, nil)
	f.scratch = credstore.NewScratch(f.backend, credstore.SlotPendingVerificationEmail)

	opts.Navigator = f.nav
	opts.Scratch = []Clearer{f.scratch}
	f.mgr = New(f.store, f.api, opts)
	return f
}

func (f *fixture) slot(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, err := f.backend.Get(context.Background(), key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false
	}
	require.NoError(t, err)
	return v, true
}

func (f *fixture) assertSlotsEmpty(t *testing.T) {
	t.Helper()
	for _, key := range []string{credstore.SlotUser, credstore.SlotToken, credstore.SlotRefreshToken, credstore.SlotPendingVerificationEmail} {
		_, ok := f.slot(t, key)
		assert.False(t, ok, "slot %s should be empty", key)
	}
}

func ann() *models.SessionRecord {
	return &models.SessionRecord{
		UserID:       "u1",
		Name:         "Ann",
		Email:        "ann@example.com",
		UserType:     models.UserTypeMakeup,
		IsVerified:   true,
		AccessToken:  "tok",
		RefreshToken: "ref",
	}
}

func (f *fixture) loggedIn(t *testing.T) {
	t.Helper()
	f.mgr.Init(context.Background())
	require.NoError(t, f.mgr.Login(context.Background(), ann()))
}

func TestInit_RestoresConsistentSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	require.NoError(t, f.store.SetUser(ctx, &models.SessionRecord{UserID: "u1", Name: "Ann", UserType: 4}))
	require.NoError(t, f.store.SetToken(ctx, "tok"))

	assert.Equal(t, StateInitializing, f.mgr.State())
	f.mgr.Init(ctx)

	require.Equal(t, StateAuthenticated, f.mgr.State())
	user := f.mgr.CurrentUser()
	assert.Equal(t, "tok", user.AccessToken)
	assert.Equal(t, models.CategoryTutor, user.Category)
}

func TestInit_ClearsOrphans(t *testing.T) {
	tests := []struct {
		name  string
		slots map[string]string
	}{
		{name: "user without token", slots: map[string]string{credstore.SlotUser: `{"userId":"u1"}`}},
		{name: "token without user", slots: map[string]string{credstore.SlotToken: "tok", credstore.SlotRefreshToken: "ref"}},
		{name: "corrupt user", slots: map[string]string{credstore.SlotUser: `{"userId":`, credstore.SlotToken: "tok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, Options{})
			for k, v := range tt.slots {
				require.NoError(t, f.backend.Set(ctx, k, v))
			}

			f.mgr.Init(ctx)

			assert.Equal(t, StateUnauthenticated, f.mgr.State())
			assert.Nil(t, f.mgr.CurrentUser())
			f.assertSlotsEmpty(t)
		})
	}
}

func TestLogin_PersistsAllSlots(t *testing.T) {
	f := newFixture(t, Options{})
	f.loggedIn(t)

	assert.True(t, f.mgr.IsAuthenticated())
	assert.Equal(t, models.CategoryMakeup, f.mgr.CurrentUser().Category)

	tok, _ := f.slot(t, credstore.SlotToken)
	ref, _ := f.slot(t, credstore.SlotRefreshToken)
	user, _ := f.slot(t, credstore.SlotUser)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, "ref", ref)
	assert.NotContains(t, user, "tok")
}

func TestLogin_RejectsIncompleteRecord(t *testing.T) {
	f := newFixture(t, Options{})
	f.mgr.Init(context.Background())

	rec := ann()
	rec.AccessToken = ""
	assert.ErrorIs(t, f.mgr.Login(context.Background(), rec), ErrIncompleteRecord)
	assert.False(t, f.mgr.IsAuthenticated())
}

func TestLogin_AtomicOnWriteFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.mgr.Init(context.Background())
	f.backend.failSet[credstore.SlotToken] = true

	err := f.mgr.Login(context.Background(), ann())

	require.Error(t, err)
	assert.Equal(t, StateUnauthenticated, f.mgr.State())
	assert.Nil(t, f.mgr.CurrentUser())
	f.assertSlotsEmpty(t)
}

func TestLogin_DropsStaleRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.loggedIn(t)

	rec := ann()
	rec.UserID = "u2"
	rec.RefreshToken = ""
	require.NoError(t, f.mgr.Login(ctx, rec))

	_, ok := f.slot(t, credstore.SlotRefreshToken)
	assert.False(t, ok)
}

func TestLogout_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{LoginPath: "/users/login"})
	f.loggedIn(t)
	require.NoError(t, f.scratch.Set(ctx, credstore.SlotPendingVerificationEmail, "ann@example.com"))

	f.mgr.Logout(ctx)
	f.mgr.Logout(ctx)

	assert.Equal(t, StateUnauthenticated, f.mgr.State())
	f.assertSlotsEmpty(t)
	assert.Equal(t, 1, f.api.Calls("Logout"), "the second logout has no token to announce")
	assert.Equal(t, []string{"tok"}, f.api.Tokens())
	assert.Equal(t, []string{"/users/login", "/users/login"}, f.nav.all())
}

func TestLogout_RemoteFailureStillClears(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.LogoutFn = func(context.Context, string) error { return service.ErrUnavailable }
	f.loggedIn(t)

	f.mgr.Logout(context.Background())

	assert.False(t, f.mgr.IsAuthenticated())
	f.assertSlotsEmpty(t)
	assert.Equal(t, []string{DefaultLoginPath}, f.nav.all())
}

func TestUpdateUser_Merges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.loggedIn(t)

	name := "Ann Lee"
	require.NoError(t, f.mgr.UpdateUser(ctx, models.UserPatch{Name: &name}))

	want := ann()
	want.Name = "Ann Lee"
	want.Category = models.CategoryMakeup
	assert.Equal(t, want, f.mgr.CurrentUser())

	persisted := f.store.GetUser(ctx)
	require.NotNil(t, persisted)
	assert.Equal(t, "Ann Lee", persisted.Name)
	assert.Equal(t, "ann@example.com", persisted.Email)
}

func TestUpdateUser_Unauthenticated(t *testing.T) {
	f := newFixture(t, Options{})
	f.mgr.Init(context.Background())

	name := "x"
	err := f.mgr.UpdateUser(context.Background(), models.UserPatch{Name: &name})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, ok := f.slot(t, credstore.SlotUser)
	assert.False(t, ok)
}

func TestRefreshUserData_KeepsCategoryAndTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.api.GetMyProfileFn = func(_ context.Context, token string) (models.UserProfile, error) {
		assert.Equal(t, "tok", token)
		return models.UserProfile{UserID: "u1", Name: "Ann B", Email: "annb@example.com", UserType: models.UserTypeDeveloper, IsVerified: true}, nil
	}
	f.loggedIn(t)

	f.mgr.RefreshUserData(ctx)

	user := f.mgr.CurrentUser()
	assert.Equal(t, "Ann B", user.Name)
	assert.Equal(t, "annb@example.com", user.Email)
	assert.Equal(t, models.UserTypeDeveloper, user.UserType)
	assert.Equal(t, models.CategoryMakeup, user.Category)
	assert.Equal(t, "tok", user.AccessToken)
	assert.Equal(t, "ref", user.RefreshToken)

	tok, _ := f.slot(t, credstore.SlotToken)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, "Ann B", f.store.GetUser(ctx).Name)
}

func TestRefreshUserData_FailureLeavesSession(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.GetMyProfileFn = func(context.Context, string) (models.UserProfile, error) {
		return models.UserProfile{}, &service.APIError{Status: 500, Message: "boom"}
	}
	f.loggedIn(t)

	f.mgr.RefreshUserData(context.Background())

	assert.Equal(t, ann().Name, f.mgr.CurrentUser().Name)
	assert.Empty(t, f.nav.all())
}

func TestRefreshUserData_DroppedAfterLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	f.api.GetMyProfileFn = func(context.Context, string) (models.UserProfile, error) {
		close(started)
		<-release
		return models.UserProfile{UserID: "u1", Name: "Ghost"}, nil
	}
	f.loggedIn(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.mgr.RefreshUserData(ctx)
	}()

	<-started
	f.mgr.Logout(ctx)
	close(release)
	<-done

	assert.False(t, f.mgr.IsAuthenticated())
	f.assertSlotsEmpty(t)
}

func TestDo_UnauthorizedInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{LoginPath: "/users/login"})
	f.loggedIn(t)

	err := f.mgr.Do(ctx, func(_ context.Context, token string) error {
		assert.Equal(t, "tok", token)
		return service.ErrUnauthorized
	})

	assert.True(t, service.IsUnauthorized(err))
	assert.Equal(t, StateUnauthenticated, f.mgr.State())
	f.assertSlotsEmpty(t)
	assert.Equal(t, []string{"/users/login"}, f.nav.all())
	assert.Zero(t, f.api.Calls("Logout"))
}

func TestDo_StaleUnauthorizedSparesNewSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.loggedIn(t)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- f.mgr.Do(ctx, func(context.Context, string) error {
			close(started)
			<-release
			return service.ErrUnauthorized
		})
	}()

	<-started
	f.mgr.Logout(ctx)
	next := ann()
	next.UserID = "u2"
	next.AccessToken = "tok-u2"
	require.NoError(t, f.mgr.Login(ctx, next))
	close(release)

	assert.True(t, service.IsUnauthorized(<-done))
	require.True(t, f.mgr.IsAuthenticated())
	assert.Equal(t, "u2", f.mgr.CurrentUser().UserID)
	tok, _ := f.slot(t, credstore.SlotToken)
	assert.Equal(t, "tok-u2", tok)
}

func TestDo_Unauthenticated(t *testing.T) {
	f := newFixture(t, Options{})
	f.mgr.Init(context.Background())

	called := false
	err := f.mgr.Do(context.Background(), func(context.Context, string) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.False(t, called)
}

func jwtExpiringIn(t *testing.T, d time.Duration) string {
	t.Helper()
	claims := auth.Claims{UserID: "u1"}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(d))
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)
	return token
}

func TestDo_ProactiveRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{RefreshLeeway: 30 * time.Second})
	f.api.RefreshTokenFn = func(_ context.Context, refresh string) (models.TokenResponse, error) {
		assert.Equal(t, "ref", refresh)
		return models.TokenResponse{Token: "fresh", RefreshToken: "ref-2"}, nil
	}
	f.mgr.Init(ctx)
	rec := ann()
	rec.AccessToken = jwtExpiringIn(t, 10*time.Second)
	require.NoError(t, f.mgr.Login(ctx, rec))

	var used string
	require.NoError(t, f.mgr.Do(ctx, func(_ context.Context, token string) error {
		used = token
		return nil
	}))

	assert.Equal(t, "fresh", used)
	assert.Equal(t, 1, f.api.Calls("RefreshToken"))
	ref, _ := f.slot(t, credstore.SlotRefreshToken)
	assert.Equal(t, "ref-2", ref)

	long := jwtExpiringIn(t, time.Hour)
	f.api.RefreshTokenFn = func(context.Context, string) (models.TokenResponse, error) {
		return models.TokenResponse{Token: long}, nil
	}
	require.NoError(t, f.mgr.RefreshToken(ctx))
	require.NoError(t, f.mgr.Do(ctx, func(context.Context, string) error { return nil }))
	assert.Equal(t, 2, f.api.Calls("RefreshToken"), "a token far from expiry is used as is")
}

func TestRefreshToken_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		refresh     string
		err         error
		wantErr     error
		wantSession bool
	}{
		{name: "no refresh token", refresh: "", wantErr: ErrNoRefreshToken},
		{name: "rejected", refresh: "ref", err: service.ErrUnauthorized, wantErr: service.ErrUnauthorized},
		{name: "transient", refresh: "ref", err: service.ErrUnavailable, wantErr: service.ErrUnavailable, wantSession: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, Options{})
			f.api.RefreshTokenFn = func(context.Context, string) (models.TokenResponse, error) {
				return models.TokenResponse{}, tt.err
			}
			f.mgr.Init(ctx)
			rec := ann()
			rec.RefreshToken = tt.refresh
			require.NoError(t, f.mgr.Login(ctx, rec))

			err := f.mgr.RefreshToken(ctx)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantSession, f.mgr.IsAuthenticated())
			if tt.wantSession {
				tok, _ := f.slot(t, credstore.SlotToken)
				assert.Equal(t, "tok", tok)
			} else {
				f.assertSlotsEmpty(t)
			}
		})
	}
}

func TestRefreshToken_Collapses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.api.RefreshTokenFn = func(context.Context, string) (models.TokenResponse, error) {
		once.Do(func() { close(started) })
		<-release
		return models.TokenResponse{Token: "tok-2"}, nil
	}
	f.loggedIn(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- f.mgr.RefreshToken(ctx)
	}()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.mgr.RefreshToken(ctx)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.api.Calls("RefreshToken"))
	assert.Equal(t, "tok-2", f.mgr.CurrentUser().AccessToken)
}

func TestRefreshToken_CancelledCallerLeavesExchangeRunning(t *testing.T) {
	f := newFixture(t, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.api.RefreshTokenFn = func(ctx context.Context, _ string) (models.TokenResponse, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return models.TokenResponse{}, err
		}
		return models.TokenResponse{Token: "tok-2"}, nil
	}
	f.loggedIn(t)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() { firstErr <- f.mgr.RefreshToken(firstCtx) }()
	<-started

	secondErr := make(chan error, 1)
	go func() { secondErr <- f.mgr.RefreshToken(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	require.NoError(t, <-secondErr)
	assert.Equal(t, 1, f.api.Calls("RefreshToken"))
	assert.Equal(t, "tok-2", f.mgr.CurrentUser().AccessToken)
	assert.True(t, f.mgr.IsAuthenticated())
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("verified", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.api.LoginFn = servicetest.VerifiedLogin("u1", "Ann", models.UserTypeTutor, "tok", "ref")
		f.mgr.Init(ctx)

		user, err := f.mgr.SignIn(ctx, "  ann@example.com ", "pw")
		require.NoError(t, err)
		assert.Equal(t, "ann@example.com", user.Email)
		assert.Equal(t, models.CategoryTutor, user.Category)
		assert.True(t, f.mgr.IsAuthenticated())
	})

	t.Run("unverified", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.api.LoginFn = func(context.Context, string, string) (models.LoginResponse, error) {
			return models.LoginResponse{UserID: "u1", Email: "ann@example.com", UserType: 3, Token: "tok"}, nil
		}
		f.mgr.Init(ctx)

		user, err := f.mgr.SignIn(ctx, "ann@example.com", "pw")
		assert.ErrorIs(t, err, ErrAccountUnverified)
		require.NotNil(t, user)
		assert.Equal(t, models.CategoryDeveloper, user.Category)
		assert.Empty(t, user.AccessToken)
		assert.False(t, f.mgr.IsAuthenticated())
		f.assertSlotsEmpty(t)
	})

	t.Run("bad credentials", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.api.LoginFn = func(context.Context, string, string) (models.LoginResponse, error) {
			return models.LoginResponse{}, service.ErrUnauthorized
		}
		f.mgr.Init(ctx)

		_, err := f.mgr.SignIn(ctx, "ann@example.com", "pw")
		var apiErr *service.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "Invalid email or password", apiErr.Message)
		assert.Empty(t, f.nav.all(), "a failed login is not an invalidation")
	})

	t.Run("invalid form", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.mgr.Init(ctx)

		_, err := f.mgr.SignIn(ctx, "not-an-email", "pw")
		assert.Error(t, err)
		assert.Zero(t, f.api.Calls("Login"))
	})
}

func TestSubscribe_ObservesTransitionsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	var got []Snapshot
	cancel := f.mgr.Subscribe(func(s Snapshot) { got = append(got, s) })

	f.mgr.Init(ctx)
	require.NoError(t, f.mgr.Login(ctx, ann()))
	name := "Ann Lee"
	require.NoError(t, f.mgr.UpdateUser(ctx, models.UserPatch{Name: &name}))
	f.mgr.Logout(ctx)

	cancel()
	require.NoError(t, f.mgr.Login(ctx, ann()))

	require.Len(t, got, 4)
	states := []State{got[0].State, got[1].State, got[2].State, got[3].State}
	assert.Equal(t, []State{StateUnauthenticated, StateAuthenticated, StateAuthenticated, StateUnauthenticated}, states)
	assert.Equal(t, "Ann Lee", got[2].User.Name)
	assert.Nil(t, got[3].User)
	assert.Equal(t, got[1].Generation, got[2].Generation, "profile edits keep the generation")
	assert.Less(t, got[2].Generation, got[3].Generation)
}

func TestSubscribe_ListenerReadsDuringConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.loggedIn(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	seen := make(chan string, 1)
	var once sync.Once
	cancel := f.mgr.Subscribe(func(Snapshot) {
		once.Do(func() {
			close(entered)
			<-release
			seen <- f.mgr.CurrentUser().Name
		})
	})
	defer cancel()

	first, second := "Ann Lee", "Ann Smith"
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.mgr.UpdateUser(ctx, models.UserPatch{Name: &first}))
	}()
	<-entered
	go func() {
		defer wg.Done()
		assert.NoError(t, f.mgr.UpdateUser(ctx, models.UserPatch{Name: &second}))
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener reading the session blocked a concurrent update")
	}

	assert.Equal(t, first, <-seen, "the second update waits for delivery of the first")
	assert.Equal(t, second, f.mgr.CurrentUser().Name)
}

func TestConcurrentReadersDuringTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.mgr.Init(ctx)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if u := f.mgr.CurrentUser(); u != nil {
					assert.NotEmpty(t, u.AccessToken, "an authenticated user always has a token")
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		require.NoError(t, f.mgr.Login(ctx, ann()))
		f.mgr.Logout(ctx)
	}
	close(stop)
	wg.Wait()
}
