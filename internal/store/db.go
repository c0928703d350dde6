// Package store persists users and their roles.
//
// Lookups return (nil, nil) when nothing matches; the caller decides whether
// absence is a failure. Save translates unique-constraint violations into
// ErrUsernameTaken / ErrEmailTaken regardless of backend.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrUsernameTaken is returned by Save when another user has the username.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrEmailTaken is returned by Save when another user has the email.
	ErrEmailTaken = errors.New("email already taken")
	// ErrUnknownUser is returned by Save when updating an ID that does not exist.
	ErrUnknownUser = errors.New("unknown user")
)

// DB interface for user and role persistence
type DB interface {
	Init(ctx context.Context) error
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByUsernameOrEmail runs one lookup matching either field; a username
	// match wins over an email match on a different row.
	FindByUsernameOrEmail(ctx context.Context, identifier string) (*User, error)
	// Save inserts the user when ID is zero (assigning ID and CreatedAt) and
	// updates it otherwise. Missing roles are created on the way.
	Save(ctx context.Context, u *User) (*User, error)
	FindRoleByAuthority(ctx context.Context, a Authority) (*Role, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemDB keeps everything in process memory.
type MemDB struct {
	mu      sync.RWMutex
	users   map[int64]*User
	byName  map[string]int64
	byEmail map[string]int64
	roles   map[Authority]*Role
	seq     int64
	roleSeq int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:   map[int64]*User{},
		byName:  map[string]int64{},
		byEmail: map[string]int64{},
		roles:   map[Authority]*Role{},
	}
}

func (m *MemDB) Init(context.Context) error { return nil }

func (m *MemDB) FindByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(m.byName, username), nil
}

func (m *MemDB) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(m.byEmail, email), nil
}

func (m *MemDB) FindByUsernameOrEmail(_ context.Context, identifier string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u := m.lookup(m.byName, identifier); u != nil {
		return u, nil
	}
	return m.lookup(m.byEmail, identifier), nil
}

func (m *MemDB) lookup(index map[string]int64, key string) *User {
	id, ok := index[key]
	if !ok {
		return nil
	}
	return m.users[id].clone()
}

func (m *MemDB) Save(_ context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *User
	if u.ID != 0 {
		var ok bool
		if prev, ok = m.users[u.ID]; !ok {
			return nil, ErrUnknownUser
		}
	}
	if id, ok := m.byName[u.Username]; ok && id != u.ID {
		return nil, ErrUsernameTaken
	}
	if id, ok := m.byEmail[u.Email]; ok && id != u.ID {
		return nil, ErrEmailTaken
	}

	var roles []Role
	for _, a := range authorities(u.Roles) {
		roles = append(roles, *m.ensureRole(a))
	}

	if prev == nil {
		m.seq++
		u.ID = m.seq
		u.CreatedAt = time.Now().UTC()
	} else {
		delete(m.byName, prev.Username)
		delete(m.byEmail, prev.Email)
		u.CreatedAt = prev.CreatedAt
	}
	u.Roles = roles

	m.users[u.ID] = u.clone()
	m.byName[u.Username] = u.ID
	m.byEmail[u.Email] = u.ID
	return u, nil
}

func (m *MemDB) ensureRole(a Authority) *Role {
	if r, ok := m.roles[a]; ok {
		return r
	}
	m.roleSeq++
	r := &Role{ID: m.roleSeq, Authority: a}
	m.roles[a] = r
	return r
}

func (m *MemDB) FindRoleByAuthority(_ context.Context, a Authority) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.roles[a]; ok {
		c := *r
		return &c, nil
	}
	return nil, nil
}

func (m *MemDB) Ping(context.Context) error { return nil }
func (m *MemDB) Close() error               { return nil }
