// Package auth registers users, logs them in and out, and resolves the
// session cookie of a request back to an identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/taskauth/internal/password"
	"github.com/example/taskauth/internal/revocation"
	"github.com/example/taskauth/internal/session"
	"github.com/example/taskauth/internal/store"
	"github.com/example/taskauth/internal/token"
)

type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type LoginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
	Password        string `json:"password"`
}

// Result is returned by a successful register or login.
type Result struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Token    string `json:"token"`
}

// Status describes the session found on a request.
type Status struct {
	Username      string `json:"username,omitempty"`
	Email         string `json:"email,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

type Service struct {
	users    store.DB
	hasher   *password.Hasher
	tokens   *token.Service
	sessions *session.Carrier
	revoked  revocation.List
	log      *zap.Logger
}

// NewService wires the orchestrator. A nil revocation list means logout only
// clears the cookie.
func NewService(users store.DB, hasher *password.Hasher, tokens *token.Service,
	sessions *session.Carrier, revoked revocation.List, log *zap.Logger) *Service {
	if revoked == nil {
		revoked = revocation.None{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		users:    users,
		hasher:   hasher,
		tokens:   tokens,
		sessions: sessions,
		revoked:  revoked,
		log:      log,
	}
}

// Register creates a user with the default role, signs a token for it and
// sets the session cookie on w. Username is checked before email, and both
// before the password confirmation.
func (s *Service) Register(ctx context.Context, w http.ResponseWriter, req RegisterRequest) (*Result, error) {
	if blank(req.Username) || blank(req.Email) || req.Password == "" {
		return nil, fmt.Errorf("%w: username, email and password are required", ErrInvalidInput)
	}
	if len(req.Password) > password.MaxLength {
		return nil, fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, password.MaxLength)
	}

	existing, err := s.users.FindByUsername(ctx, req.Username)
	if err != nil {
		return nil, storageErr("find by username", err)
	}
	if existing != nil {
		return nil, ErrDuplicateUsername
	}
	existing, err = s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		return nil, storageErr("find by email", err)
	}
	if existing != nil {
		return nil, ErrDuplicateEmail
	}
	if req.Password != req.ConfirmPassword {
		return nil, ErrPasswordMismatch
	}

	hash, err := s.hasher.Hash(req.Password)
	if errors.Is(err, password.ErrTooLong) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return nil, err
	}
	u, err := s.users.Save(ctx, &store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Roles:        []store.Role{{Authority: store.AuthorityUser}},
	})
	switch {
	case errors.Is(err, store.ErrUsernameTaken):
		// lost a race with a concurrent registration
		return nil, ErrDuplicateUsername
	case errors.Is(err, store.ErrEmailTaken):
		return nil, ErrDuplicateEmail
	case err != nil:
		return nil, storageErr("save user", err)
	}

	res, err := s.startSession(w, u)
	if err != nil {
		return nil, err
	}
	s.log.Info("user registered", zap.String("username", u.Username), zap.Int64("user_id", u.ID))
	return res, nil
}

// Authenticate logs a user in by username or email in a single lookup.
func (s *Service) Authenticate(ctx context.Context, w http.ResponseWriter, req LoginRequest) (*Result, error) {
	if blank(req.UsernameOrEmail) || req.Password == "" {
		return nil, fmt.Errorf("%w: usernameOrEmail and password are required", ErrInvalidInput)
	}
	s.log.Info("login attempt", zap.String("identifier", req.UsernameOrEmail))

	u, err := s.users.FindByUsernameOrEmail(ctx, req.UsernameOrEmail)
	if err != nil {
		return nil, storageErr("find by username or email", err)
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	if !s.hasher.Verify(req.Password, u.PasswordHash) {
		s.log.Info("login rejected", zap.String("username", u.Username))
		return nil, ErrInvalidCredentials
	}
	return s.startSession(w, u)
}

func (s *Service) startSession(w http.ResponseWriter, u *store.User) (*Result, error) {
	tok, _, err := s.tokens.Issue(u.Username, u.Email)
	if err != nil {
		return nil, err
	}
	s.sessions.Attach(w, tok)
	return &Result{Username: u.Username, Email: u.Email, Token: tok}, nil
}

// Logout clears the session cookie and, when a denylist is configured,
// revokes the presented token until it expires. It never fails.
func (s *Service) Logout(ctx context.Context, w http.ResponseWriter, cookies []*http.Cookie) {
	s.sessions.Clear(w)

	raw, ok := s.sessions.Extract(cookies)
	if !ok {
		return
	}
	claims, err := s.tokens.Parse(raw)
	if err != nil || claims.ID == "" || claims.ExpiresAt == nil {
		return
	}
	if err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		s.log.Warn("token revocation failed", zap.String("username", claims.Subject), zap.Error(err))
		return
	}
	s.log.Info("user logged out", zap.String("username", claims.Subject))
}

// Introspect reports who the session cookie belongs to. Any problem with the
// token yields Authenticated=false rather than an error.
func (s *Service) Introspect(ctx context.Context, cookies []*http.Cookie) Status {
	claims, err := s.verify(ctx, cookies)
	if err != nil {
		return Status{}
	}
	return Status{Username: claims.Subject, Email: claims.Email, Authenticated: true}
}

// LoadPrincipal resolves the session cookie to the stored user. It returns
// ErrUnauthenticated for a missing, invalid, revoked or orphaned token.
func (s *Service) LoadPrincipal(ctx context.Context, cookies []*http.Cookie) (*Principal, error) {
	claims, err := s.verify(ctx, cookies)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	u, err := s.users.FindByUsername(ctx, claims.Subject)
	if err != nil {
		return nil, storageErr("find by username", err)
	}
	if u == nil {
		return nil, ErrUnauthenticated
	}
	return PrincipalFrom(u), nil
}

func (s *Service) verify(ctx context.Context, cookies []*http.Cookie) (*token.Claims, error) {
	raw, ok := s.sessions.Extract(cookies)
	if !ok {
		return nil, ErrUnauthenticated
	}
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		s.log.Debug("rejected session token", zap.Error(err))
		return nil, err
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		// fail closed
		s.log.Warn("revocation lookup failed", zap.Error(err))
		return nil, err
	}
	if revoked {
		return nil, token.ErrTokenInvalid
	}
	return claims, nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
