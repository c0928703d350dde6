// Package token issues and validates HS256 JWTs identifying a user by username.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenInvalid means the token is malformed or its signature does not verify.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired means the signature is good but expiry has passed.
	ErrTokenExpired = errors.New("token expired")
)

// Claims carried by every token. Subject is the username.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Service)

// WithClock overrides time.Now for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds a Service. The secret is copied and never changes afterwards.
func New(secret []byte, ttl time.Duration, opts ...Option) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token: ttl must be positive, got %s", ttl)
	}
	s := &Service{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Service) TTL() time.Duration { return s.ttl }

// Issue signs a token for subject, expiring TTL from now. The returned claims
// carry the token id and expiry for callers that track sessions.
func (s *Service) Issue(subject, email string) (string, *Claims, error) {
	if subject == "" {
		return "", nil, errors.New("token: empty subject")
	}
	now := s.now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Parse checks the signature and decodes the claims without looking at expiry.
func (s *Service) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}

// Verify is Parse plus the expiry check: the token is accepted only while
// now is strictly before exp.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

func (s *Service) ExtractSubject(tokenString string) (string, error) {
	c, err := s.Parse(tokenString)
	if err != nil {
		return "", err
	}
	return c.Subject, nil
}

func (s *Service) ExtractEmail(tokenString string) (string, error) {
	c, err := s.Parse(tokenString)
	if err != nil {
		return "", err
	}
	return c.Email, nil
}

// Validate reports whether the token verifies, has not expired and belongs to
// expectedSubject. It never returns an error.
func (s *Service) Validate(tokenString, expectedSubject string) bool {
	c, err := s.Verify(tokenString)
	return err == nil && c.Subject == expectedSubject
}

func (s *Service) key(*jwt.Token) (interface{}, error) {
	return s.secret, nil
}
