// Package quota enforces the per-user ceiling on conversions over a trailing
// window. The in-memory limiter serves single-process deployments and tests;
// the Redis limiter shares the window across service replicas.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/narrator-service/internal/core"
)

// DefaultWindow is the trailing window the ceiling applies to.
const DefaultWindow = time.Hour

// MemoryLimiter keeps each user's reservation times in process memory.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	users  map[string][]time.Time
}

// NewMemoryLimiter allows limit reservations per user within window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, window: window, users: make(map[string][]time.Time)}
}

// Reserve records a conversion at now, or fails with core.ErrQuotaExceeded
// when the user already has limit reservations inside the window.
func (m *MemoryLimiter) Reserve(_ context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.window)
	kept := m.users[userID][:0]

	for _, at := range m.users[userID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= m.limit {
		m.users[userID] = kept

		return exceeded(userID, m.limit, m.window)
	}

	m.users[userID] = append(kept, now)

	return nil
}

// Release drops one reservation made at reservedAt. Releasing an unknown
// reservation is a no-op.
func (m *MemoryLimiter) Release(_ context.Context, userID string, reservedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reservations := m.users[userID]

	for i := len(reservations) - 1; i >= 0; i-- {
		if reservations[i].Equal(reservedAt) {
			m.users[userID] = append(reservations[:i], reservations[i+1:]...)

			break
		}
	}

	return nil
}

func exceeded(userID string, limit int, window time.Duration) error {
	return core.NewError(core.KindQuotaExceeded,
		fmt.Errorf("user %s reached %d conversions per %s", userID, limit, window))
}
