package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// ProxyRepo implements store.ProxyRepository with sqlx.
type ProxyRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewProxyRepo returns a new ProxyRepo.
func NewProxyRepo(db *sqlx.DB, clk clock.Clock) *ProxyRepo {
	return &ProxyRepo{db: db, clock: clk}
}

func (r *ProxyRepo) Upsert(ctx context.Context, p *store.ProxyBid) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := r.clock.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	query, args, err := r.db.BindNamed(
		`INSERT INTO proxy_bids (id, session_id, bidder_id, max_amount, created_at, updated_at)
		 VALUES (:id, :session_id, :bidder_id, :max_amount, :created_at, :updated_at)
		 ON CONFLICT (session_id, bidder_id)
		 DO UPDATE SET max_amount = EXCLUDED.max_amount, updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`, p)
	if err != nil {
		return fmt.Errorf("binding proxy upsert: %w", err)
	}
	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&p.ID, &p.CreatedAt); err != nil {
		return fmt.Errorf("upserting proxy bid: %w", err)
	}
	return nil
}

func (r *ProxyRepo) ListBySession(ctx context.Context, sessionID string) ([]store.ProxyBid, error) {
	var proxies []store.ProxyBid
	err := r.db.SelectContext(ctx, &proxies,
		`SELECT id, session_id, bidder_id, max_amount, created_at, updated_at
		 FROM proxy_bids WHERE session_id = $1
		 ORDER BY max_amount DESC, updated_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing proxy bids: %w", err)
	}
	return proxies, nil
}
