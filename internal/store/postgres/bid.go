package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/store"
)

// BidRepo implements store.BidRepository with sqlx.
type BidRepo struct {
	db *sqlx.DB
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db *sqlx.DB) *BidRepo {
	return &BidRepo{db: db}
}

func (r *BidRepo) Leader(ctx context.Context, sessionID string) (*store.Bid, error) {
	var b store.Bid
	err := r.db.GetContext(ctx, &b,
		`SELECT id, session_id, bidder_id, amount, proxy, created_at
		 FROM bids WHERE session_id = $1
		 ORDER BY amount DESC, created_at ASC, id ASC
		 LIMIT 1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting leading bid: %w", err)
	}
	return &b, nil
}

func (r *BidRepo) ListBySession(ctx context.Context, sessionID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids,
		`SELECT id, session_id, bidder_id, amount, proxy, created_at
		 FROM bids WHERE session_id = $1
		 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}

// Append bumps the session version and inserts the bid in one transaction.
// The update only matches while the session is live, at the expected version,
// and open at c.At according to the stored end time.
func (r *BidRepo) Append(ctx context.Context, c store.BidCommit) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE auction_sessions
		 SET end_time = $1, extend_count = $2, version = version + 1, updated_at = $3
		 WHERE id = $4 AND version = $5 AND status = 'live'
		   AND start_time <= $3 AND end_time > $3`,
		c.EndTime, c.ExtendCount, c.At, c.Bid.SessionID, c.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", c.Bid.SessionID, store.ErrVersionConflict)
	}

	if c.Bid.ID == "" {
		c.Bid.ID = uuid.NewString()
	}
	c.Bid.CreatedAt = c.At
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO bids (id, session_id, bidder_id, amount, proxy, created_at)
		 VALUES (:id, :session_id, :bidder_id, :amount, :proxy, :created_at)`, c.Bid); err != nil {
		return fmt.Errorf("inserting bid: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bid: %w", err)
	}
	return nil
}
