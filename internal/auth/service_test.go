package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/taskauth/internal/password"
	"github.com/example/taskauth/internal/revocation"
	"github.com/example/taskauth/internal/session"
	"github.com/example/taskauth/internal/store"
	"github.com/example/taskauth/internal/token"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	svc    *Service
	users  store.DB
	tokens *token.Service
	now    time.Time
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, users store.DB, revoked revocation.List) *fixture {
	t.Helper()
	f := &fixture{users: users, now: time.Now().UTC().Truncate(time.Second)}
	hasher, err := password.New(bcrypt.MinCost)
	require.NoError(t, err)
	f.tokens, err = token.New(testSecret, 24*time.Hour, token.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs
	f.svc = NewService(users, hasher, f.tokens, session.New(24*time.Hour, false), revoked, zap.New(core))
	return f
}

func (f *fixture) register(t *testing.T, name string) (*Result, []*http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	res, err := f.svc.Register(context.Background(), rec, RegisterRequest{
		Username: name, Email: name + "@example.com", Password: "pw-" + name, ConfirmPassword: "pw-" + name,
	})
	require.NoError(t, err)
	return res, rec.Result().Cookies()
}

func TestRegister_Success(t *testing.T) {
	f := newFixture(t, store.NewMemoryDB(), nil)
	rec := httptest.NewRecorder()

	res, err := f.svc.Register(context.Background(), rec, RegisterRequest{
		Username: "alice", Email: "alice@x.com", Password: "pw1", ConfirmPassword: "pw1",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Username)
	assert.Equal(t, "alice@x.com", res.Email)

	sub, err := f.tokens.ExtractSubject(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
	assert.True(t, f.tokens.Validate(res.Token, "alice"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)
	assert.Equal(t, res.Token, cookies[0].Value)
	assert.Equal(t, 86400, cookies[0].MaxAge)

	u, err := f.users.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.NotEqual(t, "pw1", u.PasswordHash)
	assert.Equal(t, []string{"USER"}, u.Authorities())
}

func TestRegister_Duplicates(t *testing.T) {
	f := newFixture(t, store.NewMemoryDB(), nil)
	f.register(t, "alice")

	tests := []struct {
		name string
		req  RegisterRequest
		want error
	}{
		{"same username", RegisterRequest{Username: "alice", Email: "new@example.com", Password: "p", ConfirmPassword: "p"}, ErrDuplicateUsername},
		{"same email", RegisterRequest{Username: "bob", Email: "alice@example.com", Password: "p", ConfirmPassword: "p"}, ErrDuplicateEmail},
		{"both collide reports username", RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "p", ConfirmPassword: "p"}, ErrDuplicateUsername},
		{"duplicate wins over mismatch", RegisterRequest{Username: "alice", Email: "z@example.com", Password: "p", ConfirmPassword: "q"}, ErrDuplicateUsername},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			_, err := f.svc.Register(context.Background(), rec, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, rec.Result().Cookies())
		})
	}
}

func TestRegister_PasswordMismatch(t *testing.T) {
	f := newFixture(t, store.NewMemoryDB(), nil)
	pairs := [][2]string{{"a", "b"}, {"pw", "pw "}, {"pw", "PW"}, {"x", ""}}
	for i, p := range pairs {
		_, err := f.svc.Register(context.Background(), httptest.NewRecorder(), RegisterRequest{
			Username: fmt.Sprintf("user%d", i), Email: fmt.Sprintf("user%d@example.com", i),
			Password: p[0], ConfirmPassword: p[1],
		})
		assert.ErrorIs(t, err, ErrPasswordMismatch, "pair %q", p)
	}
}

func TestRegister_InvalidInput(t *testing.T) {
	f := newFixture(t, store.NewMemoryDB(), nil)
	for _, req := range []RegisterRequest{
		{Email: "a@example.com", Password: "p", ConfirmPassword: "p"},
		{Username: "a", Password: "p", ConfirmPassword: "p"},
		{Username: "a", Email: "a@example.com"},
		{Username: "   ", Email: "a@example.com", Password: "p", ConfirmPassword: "p"},
		{Username: "a", Email: "a@example.com", Password: strings.Repeat("x", 80), ConfirmPassword: strings.Repeat("x", 80)},
	} {
		_, err := f.svc.Register(context.Background(), httptest.NewRecorder(), req)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

// racyDB hides existing users from the duplicate checks so Save is the one
// that reports the conflict.
type racyDB struct {
	store.DB
}

func (racyDB) FindByUsername(context.Context, string) (*store.User, error) { return nil, nil }
func (racyDB) FindByEmail(context.Context, string) (*store.User, error)    { return nil, nil }

func TestRegister_ConstraintViolationTranslated(t *testing.T) {
	mem := store.NewMemoryDB()
	_, err := mem.Save(context.Background(), &store.User{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	f := newFixture(t, racyDB{mem}, nil)

	_, err = f.svc.Register(context.Background(), httptest.NewRecorder(), RegisterRequest{
		Username: "alice", Email: "other@example.com", Password: "p", ConfirmPassword: "p",
	})
	assert.ErrorIs(t, err, ErrDuplicateUsername)

	_, err = f.svc.Register(context.Background(), httptest.NewRecorder(), RegisterRequest{
		Username: "bob", Email: "alice@example.com", Password: "p", ConfirmPassword: "p",
	})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

// brokenDB fails every call.
type brokenDB struct {
	store.DB
	err error
}

func (b brokenDB) FindByUsername(context.Context, string) (*store.User, error) { return nil, b.err }
func (b brokenDB) FindByUsernameOrEmail(context.Context, string) (*store.User, error) {
	return nil, b.err
}

func TestStoreFaultsAreStorageErrors(t *testing.T) {
	boom := errors.New("connection refused")
	f := newFixture(t, brokenDB{DB: store.NewMemoryDB(), err: boom}, nil)

	_, err := f.svc.Register(context.Background(), httptest.NewRecorder(), RegisterRequest{
		Username: "a", Email: "a@example.com", Password: "p", ConfirmPassword: "p",
	})
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "find by username", se.Op)

	_, err = f.svc.Authenticate(context.Background(), httptest.NewRecorder(), LoginRequest{UsernameOrEmail: "a", Password: "p"})
	require.ErrorAs(t, err, &se)
	assert.NotErrorIs(t, err, ErrUserNotFound)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t, store.NewMemoryDB(), nil)
	f.register(t, "alice")

	for _, id := range []string{"alice", "alice@example.com"} {
		rec := httptest.NewRecorder()
		res, err := f.svc.Authenticate(context.Background(), rec, LoginRequest{UsernameOrEmail: id, Password: "pw-alice"})
		require.NoError(t, err, id)
		assert.Equal(t, "alice", res.Username)
		assert.Equal(t, "alice@example.com", res.Email)
		assert.True(t, f.tokens.Validate(res.Token, "alice"))
		require.Len(t, rec.Result().Cookies(), 1)
	}

	for _, pw := range []string{"wrong", "PW-ALICE", "pw-alice ", "x"} {
		rec := httptest.NewRecorder()
		_, err := f.svc.Authenticate(context.Background(), rec, LoginRequest{UsernameOrEmail: "alice", Password: pw})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Empty(t, rec.Result().Cookies())
	}

	_, err := f.svc.Authenticate(context.Background(), httptest.NewRecorder(), LoginRequest{UsernameOrEmail: "ghost", Password: "x"})
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = f.svc.Authenticate(context.Background(), httptest.NewRecorder(), LoginRequest{UsernameOrEmail: "alice"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuthenticate_NeverLogsSecrets(t *testing.T) {
	f := newFixture(t, store.NewMemoryDB(), nil)
	res, _ := f.register(t, "alice")
	_, _ = f.svc.Authenticate(context.Background(), httptest.NewRecorder(), LoginRequest{UsernameOrEmail: "alice", Password: "nope"})

	for _, e := range f.logs.All() {
		for k, v := range e.ContextMap() {
			s := fmt.Sprint(v)
			assert.NotContains(t, s, "pw-alice", "field %s", k)
			assert.NotContains(t, s, "nope", "field %s", k)
			assert.NotContains(t, s, res.Token, "field %s", k)
		}
	}
	assert.Equal(t, 1, f.logs.FilterMessage("login attempt").Len())
}

func TestIntrospect(t *testing.T) {
	f := newFixture(t, store.NewMemoryDB(), nil)
	res, cookies := f.register(t, "alice")

	st := f.svc.Introspect(context.Background(), cookies)
	assert.Equal(t, Status{Username: "alice", Email: "alice@example.com", Authenticated: true}, st)

	assert.Equal(t, Status{}, f.svc.Introspect(context.Background(), nil))

	bad := []*http.Cookie{{Name: session.CookieName, Value: "garbage.token.value"}}
	assert.Equal(t, Status{}, f.svc.Introspect(context.Background(), bad))

	tampered := []*http.Cookie{{Name: session.CookieName, Value: res.Token[:len(res.Token)-2] + "xx"}}
	assert.False(t, f.svc.Introspect(context.Background(), tampered).Authenticated)

	f.now = f.now.Add(24 * time.Hour)
	assert.False(t, f.svc.Introspect(context.Background(), cookies).Authenticated)
}

func TestLogout_Stateless(t *testing.T) {
	f := newFixture(t, store.NewMemoryDB(), nil)
	_, cookies := f.register(t, "alice")

	rec := httptest.NewRecorder()
	f.svc.Logout(context.Background(), rec, cookies)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "Max-Age=0")

	// the browser drops the cookie
	assert.False(t, f.svc.Introspect(context.Background(), nil).Authenticated)
	// without a denylist a replayed token stays valid until expiry
	assert.True(t, f.svc.Introspect(context.Background(), cookies).Authenticated)

	// logout without any cookie still succeeds
	rec = httptest.NewRecorder()
	f.svc.Logout(context.Background(), rec, nil)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "authToken=;")
}

func TestLogout_RevokesReplayedToken(t *testing.T) {
	f := newFixture(t, store.NewMemoryDB(), revocation.NewMemory())
	_, cookies := f.register(t, "alice")
	require.True(t, f.svc.Introspect(context.Background(), cookies).Authenticated)

	f.svc.Logout(context.Background(), httptest.NewRecorder(), cookies)
	assert.False(t, f.svc.Introspect(context.Background(), cookies).Authenticated)

	_, err := f.svc.LoadPrincipal(context.Background(), cookies)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// a fresh login gets a new token id and works again
	rec := httptest.NewRecorder()
	_, err = f.svc.Authenticate(context.Background(), rec, LoginRequest{UsernameOrEmail: "alice", Password: "pw-alice"})
	require.NoError(t, err)
	assert.True(t, f.svc.Introspect(context.Background(), rec.Result().Cookies()).Authenticated)
}

// failingList errors on every call.
type failingList struct{}

func (failingList) Revoke(context.Context, string, time.Time) error {
	return errors.New("redis down")
}
func (failingList) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRevocationFailures(t *testing.T) {
	f := newFixture(t, store.NewMemoryDB(), failingList{})
	_, cookies := f.register(t, "alice")

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() { f.svc.Logout(context.Background(), rec, cookies) })
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "Max-Age=0")
	assert.Equal(t, 1, f.logs.FilterMessage("token revocation failed").Len())

	// unknown revocation state denies access
	assert.False(t, f.svc.Introspect(context.Background(), cookies).Authenticated)
}

func TestLoadPrincipal(t *testing.T) {
	mem := store.NewMemoryDB()
	f := newFixture(t, mem, nil)
	_, cookies := f.register(t, "alice")

	p, err := f.svc.LoadPrincipal(context.Background(), cookies)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "alice@example.com", p.Email)
	assert.Equal(t, []string{"USER"}, p.Authorities)
	assert.True(t, p.HasAuthority(store.AuthorityUser))
	assert.False(t, p.HasAuthority(store.AuthorityAdmin))
	assert.True(t, strings.HasPrefix(p.PasswordHash, "$2"))

	_, err = f.svc.LoadPrincipal(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// valid token whose user no longer resolves
	orphan, _, err := f.tokens.Issue("ghost", "")
	require.NoError(t, err)
	_, err = f.svc.LoadPrincipal(context.Background(), []*http.Cookie{{Name: session.CookieName, Value: orphan}})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
