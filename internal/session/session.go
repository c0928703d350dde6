// Package session carries the auth token in an HTTP-only cookie.
package session

import (
	"net/http"
	"time"
)

// CookieName is the fixed name of the auth cookie.
const CookieName = "authToken"

type Carrier struct {
	name     string
	ttl      time.Duration
	secure   bool
	sameSite http.SameSite
}

// New returns a Carrier whose cookie lives for ttl, matching token expiry.
func New(ttl time.Duration, secure bool) *Carrier {
	return &Carrier{
		name:     CookieName,
		ttl:      ttl,
		secure:   secure,
		sameSite: http.SameSiteLaxMode,
	}
}

// MaxAge is the cookie lifetime in whole seconds.
func (c *Carrier) MaxAge() int { return int(c.ttl / time.Second) }

// Attach sets the auth cookie to token.
func (c *Carrier) Attach(w http.ResponseWriter, token string) {
	http.SetCookie(w, c.cookie(token, c.MaxAge()))
}

// Clear expires the auth cookie immediately (Max-Age=0 on the wire).
func (c *Carrier) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie("", -1))
}

// Extract finds the auth cookie among cookies. Missing or empty values report false.
func (c *Carrier) Extract(cookies []*http.Cookie) (string, bool) {
	for _, ck := range cookies {
		if ck != nil && ck.Name == c.name {
			return ck.Value, ck.Value != ""
		}
	}
	return "", false
}

func (c *Carrier) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
	}
}
