package auth

import "github.com/example/taskauth/internal/store"

// Principal is the authenticated identity attached to a request.
type Principal struct {
	ID           int64    `json:"id"`
	Username     string   `json:"username"`
	Email        string   `json:"email"`
	PasswordHash string   `json:"-"`
	Authorities  []string `json:"authorities"`
}

// PrincipalFrom projects a stored user onto a Principal.
func PrincipalFrom(u *store.User) *Principal {
	return &Principal{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Authorities:  u.Authorities(),
	}
}

// HasAuthority reports whether the principal holds the named authority.
func (p *Principal) HasAuthority(a store.Authority) bool {
	for _, got := range p.Authorities {
		if got == string(a) {
			return true
		}
	}
	return false
}
