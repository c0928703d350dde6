package store

import (
	"sort"
	"time"
)

// Authority names a role a user can hold.
type Authority string

const (
	AuthorityUser  Authority = "USER"
	AuthorityAdmin Authority = "ADMIN"
)

// Role is a named authority attached to users.
type Role struct {
	ID        int64
	Authority Authority
}

// User represents an account. PasswordHash is never the plaintext.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Roles        []Role
	CreatedAt    time.Time
}

// Authorities returns the role names held by the user.
func (u *User) Authorities() []string {
	out := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		out = append(out, string(r.Authority))
	}
	return out
}

func (u *User) clone() *User {
	c := *u
	c.Roles = append([]Role(nil), u.Roles...)
	return &c
}

// authorities returns the distinct, sorted authorities of roles.
func authorities(roles []Role) []Authority {
	seen := make(map[Authority]bool, len(roles))
	out := make([]Authority, 0, len(roles))
	for _, r := range roles {
		if !seen[r.Authority] {
			seen[r.Authority] = true
			out = append(out, r.Authority)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
