package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Errors returned by repositories.
var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict reports that a conditional write observed a session
	// version, status or time window different from the one it expected.
	ErrVersionConflict = errors.New("session version conflict")
)

// SessionStatus is the lifecycle state of an auction session.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusLive      SessionStatus = "live"
	StatusEnded     SessionStatus = "ended"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// Session represents an auction session record.
type Session struct {
	ID                  string              `db:"id"`
	ItemID              string              `db:"item_id"`
	SellerID            string              `db:"seller_id"`
	StartingPrice       decimal.Decimal     `db:"starting_price"`
	StartTime           time.Time           `db:"start_time"`
	EndTime             time.Time           `db:"end_time"`
	Status              SessionStatus       `db:"status"`
	MinIncrement        decimal.Decimal     `db:"min_increment"`
	BidCooldownSeconds  int                 `db:"bid_cooldown_seconds"`
	DepositAmount       decimal.Decimal     `db:"deposit_amount"`
	EnableAntiSniping   bool                `db:"enable_anti_sniping"`
	ExtendWindowSeconds int                 `db:"extend_window_seconds"`
	ExtendBySeconds     int                 `db:"extend_by_seconds"`
	ExtendMaxCount      int                 `db:"extend_max_count"`
	ExtendCount         int                 `db:"extend_count"`
	WinnerID            *string             `db:"winner_id"`
	WinningAmount       decimal.NullDecimal `db:"winning_amount"`
	Version             int64               `db:"version"`
	CreatedAt           time.Time           `db:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at"`
}

// OpenAt reports whether the session accepts bids at t.
func (s *Session) OpenAt(t time.Time) bool {
	return s.Status == StatusLive && !t.Before(s.StartTime) && t.Before(s.EndTime)
}

// Bid represents an immutable ledger entry.
type Bid struct {
	ID        string          `db:"id"`
	SessionID string          `db:"session_id"`
	BidderID  string          `db:"bidder_id"`
	Amount    decimal.Decimal `db:"amount"`
	Proxy     bool            `db:"proxy"`
	CreatedAt time.Time       `db:"created_at"`
}

// ProxyBid is a bidder's automatic bidding ceiling for one session.
type ProxyBid struct {
	ID        string          `db:"id"`
	SessionID string          `db:"session_id"`
	BidderID  string          `db:"bidder_id"`
	MaxAmount decimal.Decimal `db:"max_amount"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// Transition is a conditional status change of a session.
type Transition struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
	// Version is the session version the caller read.
	Version       int64
	At            time.Time
	WinnerID      *string
	WinningAmount decimal.NullDecimal
}

// BidCommit appends a bid and updates the session timing in one atomic step.
//
// The write succeeds only while the session is still at ExpectedVersion,
// Live, and open at At according to the stored end time.
type BidCommit struct {
	Bid             *Bid
	ExpectedVersion int64
	At              time.Time
	EndTime         time.Time
	ExtendCount     int
}

// SessionRepository defines session persistence operations.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	// ListDue returns scheduled sessions whose start time has passed and live
	// sessions whose end time has passed.
	ListDue(ctx context.Context, now time.Time) ([]Session, error)
	Transition(ctx context.Context, t Transition) error
}

// BidRepository defines bid ledger operations.
type BidRepository interface {
	// Leader returns the highest bid, earliest first on equal amounts, or
	// nil when the ledger is empty.
	Leader(ctx context.Context, sessionID string) (*Bid, error)
	// ListBySession returns the ledger ordered by creation time.
	ListBySession(ctx context.Context, sessionID string) ([]Bid, error)
	Append(ctx context.Context, c BidCommit) error
}

// ProxyRepository defines proxy ceiling persistence operations.
type ProxyRepository interface {
	// Upsert creates or replaces the ceiling for (session, bidder).
	Upsert(ctx context.Context, p *ProxyBid) error
	// ListBySession returns ceilings ordered by max amount descending, oldest
	// update first on equal ceilings.
	ListBySession(ctx context.Context, sessionID string) ([]ProxyBid, error)
}
