package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/cooldown"
	"github.com/jensholdgaard/auction-engine/internal/event"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/auction-engine/internal/auction"

// DefaultMaxRetries bounds re-read/re-validate attempts after a commit
// conflict.
const DefaultMaxRetries = 3

// Engine is the only writer of a session's price and timing while it is live.
// It is safe for concurrent use; correctness across processes comes from the
// store's conditional writes.
type Engine struct {
	sessions store.SessionRepository
	bids     store.BidRepository
	proxies  store.ProxyRepository
	events   event.Store
	guard    cooldown.Guard
	pub      event.Publisher
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
	clock    clock.Clock

	maxRetries int
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRetries sets how many times a conflicting commit is re-validated
// and retried before ErrConcurrencyConflict is returned.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// NewEngine creates a bidding engine.
func NewEngine(repos *store.Repositories, guard cooldown.Guard, pub event.Publisher, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock, opts ...Option) (*Engine, error) {
	m, err := newMetrics(mp)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		sessions:   repos.Sessions,
		bids:       repos.Bids,
		proxies:    repos.Proxies,
		events:     repos.Events,
		guard:      guard,
		pub:        pub,
		logger:     logger,
		tracer:     tp.Tracer(instrumentationName),
		metrics:    m,
		clock:      clk,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SessionParams describes a session to create.
type SessionParams struct {
	ID                  string
	ItemID              string
	SellerID            string
	StartingPrice       decimal.Decimal
	StartTime           time.Time
	EndTime             time.Time
	MinIncrement        decimal.Decimal
	BidCooldownSeconds  int
	DepositAmount       decimal.Decimal
	EnableAntiSniping   bool
	ExtendWindowSeconds int
	ExtendBySeconds     int
	ExtendMaxCount      int
}

func (p SessionParams) validate() error {
	switch {
	case p.ItemID == "" || p.SellerID == "":
		return fmt.Errorf("%w: item and seller are required", ErrInvalidSession)
	case !p.EndTime.After(p.StartTime):
		return fmt.Errorf("%w: end time must be after start time", ErrInvalidSession)
	case !p.MinIncrement.IsPositive():
		return fmt.Errorf("%w: min increment must be positive", ErrInvalidSession)
	case p.StartingPrice.IsNegative():
		return fmt.Errorf("%w: starting price must not be negative", ErrInvalidSession)
	case p.DepositAmount.IsNegative():
		return fmt.Errorf("%w: deposit must not be negative", ErrInvalidSession)
	case !ValidMoney(p.StartingPrice), !ValidMoney(p.MinIncrement), !ValidMoney(p.DepositAmount):
		return fmt.Errorf("%w: amounts must have at most %d decimal places", ErrInvalidSession, MoneyScale)
	case p.BidCooldownSeconds < 0, p.ExtendWindowSeconds < 0, p.ExtendBySeconds < 0, p.ExtendMaxCount < 0:
		return fmt.Errorf("%w: cooldown and anti-sniping settings must not be negative", ErrInvalidSession)
	}
	return nil
}

// CreateSession stores a new scheduled session.
func (e *Engine) CreateSession(ctx context.Context, p SessionParams) (*store.Session, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateSession",
		trace.WithAttributes(attribute.String("item.id", p.ItemID)),
	)
	defer span.End()

	if err := p.validate(); err != nil {
		return nil, err
	}

	s := &store.Session{
		ID:                  p.ID,
		ItemID:              p.ItemID,
		SellerID:            p.SellerID,
		StartingPrice:       p.StartingPrice,
		StartTime:           p.StartTime.UTC(),
		EndTime:             p.EndTime.UTC(),
		Status:              store.StatusScheduled,
		MinIncrement:        p.MinIncrement,
		BidCooldownSeconds:  p.BidCooldownSeconds,
		DepositAmount:       p.DepositAmount,
		EnableAntiSniping:   p.EnableAntiSniping,
		ExtendWindowSeconds: p.ExtendWindowSeconds,
		ExtendBySeconds:     p.ExtendBySeconds,
		ExtendMaxCount:      p.ExtendMaxCount,
		Version:             1,
	}
	if err := e.sessions.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	e.logger.InfoContext(ctx, "session created",
		slog.String("session_id", s.ID),
		slog.String("item_id", s.ItemID),
		slog.Time("start", s.StartTime),
		slog.Time("end", s.EndTime),
	)
	return s, nil
}

// GetSession returns a session snapshot.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return e.loadSession(ctx, sessionID)
}

// GetCurrentPrice returns the highest accepted bid, or the starting price.
func (e *Engine) GetCurrentPrice(ctx context.Context, sessionID string) (decimal.Decimal, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.GetCurrentPrice",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	s, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return decimal.Zero, err
	}
	leader, err := e.bids.Leader(ctx, sessionID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("loading leader: %w", err)
	}
	return CurrentPrice(s, leader), nil
}

// BidHistory returns the ledger in acceptance order.
func (e *Engine) BidHistory(ctx context.Context, sessionID string) ([]store.Bid, error) {
	if _, err := e.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	bids, err := e.bids.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}

// Winner returns the winning bid by amount then earliest time, or nil when
// nobody has bid. While the session is live the answer is provisional.
func (e *Engine) Winner(ctx context.Context, sessionID string) (*store.Bid, error) {
	bids, err := e.BidHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return DetermineWinner(bids), nil
}

// SessionEvents returns the journaled events of a session.
func (e *Engine) SessionEvents(ctx context.Context, sessionID string) ([]event.Event, error) {
	if _, err := e.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	events, err := e.events.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return events, nil
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (*store.Session, error) {
	s, err := e.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return s, nil
}

// checkBidder applies the checks shared by bids and ceiling updates.
func checkBidder(s *store.Session, bidderID string, now time.Time) error {
	if !s.OpenAt(now) {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotLive, s.ID, s.Status)
	}
	if s.SellerID == bidderID {
		return ErrSelfBid
	}
	return nil
}

// publish hands committed events to the gateway. The ledger is the source of
// truth, so delivery failures are logged and never fail the caller.
func (e *Engine) publish(ctx context.Context, p *pending) {
	publish(ctx, e.pub, e.logger, p)
}

func publish(ctx context.Context, pub event.Publisher, logger *slog.Logger, p *pending) {
	if p.err != nil {
		logger.ErrorContext(ctx, "failed to encode events",
			slog.String("session_id", p.sessionID),
			slog.Any("error", p.err),
		)
	}
	if len(p.events) == 0 {
		return
	}
	if err := pub.Publish(ctx, p.events...); err != nil {
		logger.ErrorContext(ctx, "failed to publish events",
			slog.String("session_id", p.sessionID),
			slog.Int("count", len(p.events)),
			slog.Any("error", err),
		)
	}
}

// pending buffers events produced by one committed change.
type pending struct {
	sessionID string
	version   int64
	at        time.Time
	events    []event.Event
	err       error
}

func newPending(sessionID string, version int64, at time.Time) *pending {
	return &pending{sessionID: sessionID, version: version, at: at}
}

func (p *pending) record(t event.Type, payload any) {
	e, err := event.New(p.sessionID, t, payload, p.version, p.at)
	if err != nil {
		p.err = errors.Join(p.err, err)
		return
	}
	p.events = append(p.events, e)
}

// recordBid records the events for an accepted bid: the extension first,
// then the new price, then the outbid notice for the previous leader.
func (p *pending) recordBid(bid *store.Bid, prev *store.Bid, ext Extension) {
	if ext.Extended {
		p.record(event.TimeExtended, event.TimeExtendedData{
			SessionID:   bid.SessionID,
			NewEndTime:  ext.EndTime,
			ExtendCount: ext.Count,
		})
	}
	p.record(event.PriceChanged, event.PriceChangedData{
		SessionID: bid.SessionID,
		Amount:    bid.Amount,
		BidderID:  bid.BidderID,
		Proxy:     bid.Proxy,
	})
	if prev != nil && prev.BidderID != bid.BidderID {
		p.record(event.Outbid, event.OutbidData{
			SessionID:        bid.SessionID,
			PreviousLeaderID: prev.BidderID,
			Amount:           bid.Amount,
		})
	}
}
