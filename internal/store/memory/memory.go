// Package memory is a single-process store driver. All repositories share
// one lock, so a BidCommit is atomic with respect to every other write.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/event"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

func init() {
	store.Register("memory", func(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		return New(clk), nil
	})
}

// DB holds all records in memory.
type DB struct {
	mu       sync.RWMutex
	clock    clock.Clock
	sessions map[string]store.Session
	bids     map[string][]store.Bid
	proxies  map[string][]store.ProxyBid
	events   []event.Event
}

// New returns Repositories backed by a fresh in-memory DB.
func New(clk clock.Clock) *store.Repositories {
	db := &DB{
		clock:    clk,
		sessions: make(map[string]store.Session),
		bids:     make(map[string][]store.Bid),
		proxies:  make(map[string][]store.ProxyBid),
	}
	return &store.Repositories{
		Sessions: &SessionRepo{db: db},
		Bids:     &BidRepo{db: db},
		Proxies:  &ProxyRepo{db: db},
		Events:   &EventStore{db: db},
		Closer:   db,
		Ping:     func(context.Context) error { return nil },
	}
}

// Close is a no-op.
func (db *DB) Close() error { return nil }

// SessionRepo implements store.SessionRepository.
type SessionRepo struct {
	db *DB
}

func (r *SessionRepo) Create(_ context.Context, s *store.Session) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, ok := r.db.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	now := r.db.clock.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	r.db.sessions[s.ID] = *s
	return nil
}

func (r *SessionRepo) GetByID(_ context.Context, id string) (*store.Session, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	s, ok := r.db.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return &s, nil
}

func (r *SessionRepo) ListDue(_ context.Context, now time.Time) ([]store.Session, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var due []store.Session
	for _, s := range r.db.sessions {
		switch {
		case s.Status == store.StatusScheduled && !s.StartTime.After(now):
			due = append(due, s)
		case s.Status == store.StatusLive && !s.EndTime.After(now):
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].StartTime.Equal(due[j].StartTime) {
			return due[i].StartTime.Before(due[j].StartTime)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

func (r *SessionRepo) Transition(_ context.Context, t store.Transition) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	s, ok := r.db.sessions[t.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", t.SessionID, store.ErrNotFound)
	}
	if s.Status != t.From || s.Version != t.Version {
		return fmt.Errorf("session %s: %w", t.SessionID, store.ErrVersionConflict)
	}
	s.Status = t.To
	if t.WinnerID != nil {
		w := *t.WinnerID
		s.WinnerID = &w
	}
	if t.WinningAmount.Valid {
		s.WinningAmount = t.WinningAmount
	}
	s.Version++
	s.UpdatedAt = t.At
	r.db.sessions[s.ID] = s
	return nil
}

// BidRepo implements store.BidRepository.
type BidRepo struct {
	db *DB
}

func (r *BidRepo) Leader(_ context.Context, sessionID string) (*store.Bid, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var leader *store.Bid
	for i := range r.db.bids[sessionID] {
		b := r.db.bids[sessionID][i]
		if leader == nil || outranks(b, *leader) {
			leader = &b
		}
	}
	return leader, nil
}

// outranks orders bids by amount, then earliest creation, then ID.
func outranks(a, b store.Bid) bool {
	if c := a.Amount.Cmp(b.Amount); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (r *BidRepo) ListBySession(_ context.Context, sessionID string) ([]store.Bid, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]store.Bid, len(r.db.bids[sessionID]))
	copy(out, r.db.bids[sessionID])
	return out, nil
}

func (r *BidRepo) Append(_ context.Context, c store.BidCommit) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	s, ok := r.db.sessions[c.Bid.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", c.Bid.SessionID, store.ErrNotFound)
	}
	if s.Version != c.ExpectedVersion || !s.OpenAt(c.At) {
		return fmt.Errorf("session %s: %w", s.ID, store.ErrVersionConflict)
	}

	s.EndTime = c.EndTime
	s.ExtendCount = c.ExtendCount
	s.Version++
	s.UpdatedAt = c.At
	r.db.sessions[s.ID] = s

	if c.Bid.ID == "" {
		c.Bid.ID = uuid.NewString()
	}
	c.Bid.CreatedAt = c.At
	r.db.bids[s.ID] = append(r.db.bids[s.ID], *c.Bid)
	return nil
}

// ProxyRepo implements store.ProxyRepository.
type ProxyRepo struct {
	db *DB
}

func (r *ProxyRepo) Upsert(_ context.Context, p *store.ProxyBid) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	now := r.db.clock.Now()
	list := r.db.proxies[p.SessionID]
	for i := range list {
		if list[i].BidderID == p.BidderID {
			list[i].MaxAmount = p.MaxAmount
			list[i].UpdatedAt = now
			*p = list[i]
			return nil
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	r.db.proxies[p.SessionID] = append(list, *p)
	return nil
}

func (r *ProxyRepo) ListBySession(_ context.Context, sessionID string) ([]store.ProxyBid, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]store.ProxyBid, len(r.db.proxies[sessionID]))
	copy(out, r.db.proxies[sessionID])
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].MaxAmount.Cmp(out[j].MaxAmount); c != 0 {
			return c > 0
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// EventStore implements event.Store.
type EventStore struct {
	db *DB
}

func (s *EventStore) Append(_ context.Context, events ...event.Event) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.db.clock.Now()
		}
		s.db.events = append(s.db.events, e)
	}
	return nil
}

func (s *EventStore) Load(_ context.Context, sessionID string) ([]event.Event, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []event.Event
	for _, e := range s.db.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *EventStore) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []event.Event
	for _, e := range s.db.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}
