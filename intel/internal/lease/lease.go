// Package lease provides claim/lease markers so that two instances of the
// same stage never process the same unit and bucket concurrently.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Leaser interface {
	// Claim takes the lease for key if it is free or expired. It returns
	// false when another owner holds a live lease.
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// Key builds the lease key for a stage unit and time bucket.
func Key(stage, unit string, bucket time.Time) string {
	return fmt.Sprintf("intel:lease:%s:%s:%d", stage, unit, bucket.UTC().Unix())
}

type entry struct {
	owner   string
	expires time.Time
}

// Memory is an in-process Leaser.
type Memory struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]entry
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{clock: clock, entries: make(map[string]entry)}
}

func (m *Memory) Claim(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if e, ok := m.entries[key]; ok && e.owner != owner && now.Before(e.expires) {
		return false, nil
	}
	m.entries[key] = entry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && e.owner == owner {
		delete(m.entries, key)
	}
	return nil
}

// With runs fn while holding the lease for key. It reports false without
// calling fn when another owner holds the lease. The lease is released when fn
// returns, even if ctx has been cancelled.
func With(ctx context.Context, l Leaser, key, owner string, ttl time.Duration, fn func() error) (bool, error) {
	ok, err := l.Claim(ctx, key, owner, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer func() { _ = l.Release(context.WithoutCancel(ctx), key, owner) }()
	return true, fn()
}
