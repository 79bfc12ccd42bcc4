package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

const sessionColumns = `id, item_id, seller_id, starting_price, start_time, end_time, status,
	min_increment, bid_cooldown_seconds, deposit_amount, enable_anti_sniping,
	extend_window_seconds, extend_by_seconds, extend_max_count, extend_count,
	winner_id, winning_amount, version, created_at, updated_at`

// SessionRepo implements store.SessionRepository with sqlx.
type SessionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewSessionRepo returns a new SessionRepo.
func NewSessionRepo(db *sqlx.DB, clk clock.Clock) *SessionRepo {
	return &SessionRepo{db: db, clock: clk}
}

func (r *SessionRepo) Create(ctx context.Context, s *store.Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := r.clock.Now()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO auction_sessions (`+sessionColumns+`)
		 VALUES (:id, :item_id, :seller_id, :starting_price, :start_time, :end_time, :status,
		         :min_increment, :bid_cooldown_seconds, :deposit_amount, :enable_anti_sniping,
		         :extend_window_seconds, :extend_by_seconds, :extend_max_count, :extend_count,
		         :winner_id, :winning_amount, :version, :created_at, :updated_at)`, s)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id string) (*store.Session, error) {
	var s store.Session
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM auction_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &s, nil
}

func (r *SessionRepo) ListDue(ctx context.Context, now time.Time) ([]store.Session, error) {
	var sessions []store.Session
	err := r.db.SelectContext(ctx, &sessions,
		`SELECT `+sessionColumns+` FROM auction_sessions
		 WHERE (status = 'scheduled' AND start_time <= $1)
		    OR (status = 'live' AND end_time <= $1)
		 ORDER BY start_time ASC, id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("listing due sessions: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepo) Transition(ctx context.Context, t store.Transition) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auction_sessions
		 SET status = $1,
		     winner_id = COALESCE($2, winner_id),
		     winning_amount = COALESCE($3, winning_amount),
		     version = version + 1,
		     updated_at = $4
		 WHERE id = $5 AND status = $6 AND version = $7`,
		t.To, t.WinnerID, t.WinningAmount, t.At, t.SessionID, t.From, t.Version,
	)
	if err != nil {
		return fmt.Errorf("transitioning session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s not %s at version %d: %w", t.SessionID, t.From, t.Version, store.ErrVersionConflict)
	}
	return nil
}
