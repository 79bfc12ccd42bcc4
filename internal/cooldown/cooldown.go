// Package cooldown throttles repeated bid attempts by the same bidder on the
// same session.
package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jensholdgaard/auction-engine/internal/clock"
)

// Guard holds short-lived exclusive entries keyed by (session, bidder).
type Guard interface {
	// TryAcquire sets key for ttl and reports whether it was free. The
	// returned token identifies this hold for Release.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops key if it is still held under token, so the holder may
	// bid again immediately. A hold that expired and was taken by a newer
	// request is left alone.
	Release(ctx context.Context, key, token string) error
}

// Key returns the guard key for a bidder on a session.
func Key(sessionID, bidderID string) string {
	return fmt.Sprintf("cooldown:%s:%s", sessionID, bidderID)
}

// TTL converts a session's cooldown setting into a guard TTL. Every session
// gets at least one second between consecutive bids by the same bidder.
func TTL(seconds int) time.Duration {
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

type entry struct {
	token   string
	expires time.Time
}

// Local is a process-local Guard. In a multi-instance deployment it only
// throttles bids that land on the same instance.
type Local struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]entry
}

// NewLocal returns an empty Local guard.
func NewLocal(clk clock.Clock) *Local {
	return &Local{clock: clk, entries: make(map[string]entry)}
}

func (l *Local) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if e, ok := l.entries[key]; ok && now.Before(e.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.entries[key] = entry{token: token, expires: now.Add(ttl)}

	// Opportunistic cleanup keeps the map bounded by active bidders.
	for k, e := range l.entries {
		if !now.Before(e.expires) {
			delete(l.entries, k)
		}
	}
	return token, true, nil
}

func (l *Local) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok && e.token == token {
		delete(l.entries, key)
	}
	return nil
}

// Len returns the number of tracked entries, expired or not.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
