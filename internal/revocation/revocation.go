// Package revocation keeps a denylist of logged-out token ids until the
// tokens would have expired anyway.
package revocation

import (
	"context"
	"sync"
	"time"
)

// List records revoked token ids.
type List interface {
	// Revoke denies id until the given time. Entries already past until are dropped.
	Revoke(ctx context.Context, id string, until time.Time) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}

var (
	_ List = None{}
	_ List = (*Memory)(nil)
	_ List = (*Redis)(nil)
)

// None never revokes anything; logout only clears the cookie.
type None struct{}

func (None) Revoke(context.Context, string, time.Time) error { return nil }
func (None) IsRevoked(context.Context, string) (bool, error) { return false, nil }

// Memory is an in-process denylist. Entries vanish on restart.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]time.Time{}, now: time.Now}
}

func (m *Memory) Revoke(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, k)
		}
	}
	if now.Before(until) {
		m.entries[id] = until
	}
	return nil
}

func (m *Memory) IsRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[id]
	return ok && m.now().Before(exp), nil
}

// Len reports how many live entries are held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
