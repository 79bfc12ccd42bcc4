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

	"github.com/jensholdgaard/auction-engine/internal/cooldown"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// BidResult reports the outcome of PlaceBid.
type BidResult struct {
	Accepted bool
	// CurrentPrice is the price after the bid and any proxy response to it.
	CurrentPrice decimal.Decimal
	LeaderID     string
	EndTime      time.Time
	Extended     bool
	Bid          *store.Bid
	// ProxyBid is set when a proxy ceiling answered the bid.
	ProxyBid *store.Bid
}

// ProxyResult reports the outcome of SetProxyCeiling.
type ProxyResult struct {
	Accepted     bool
	CurrentPrice decimal.Decimal
	LeaderID     string
	ProxyBid     *store.Bid
}

// PlaceBid validates and records a manual bid, then runs one proxy
// resolution pass.
//
// Checks run in order: session exists, session is live and open now, bidder
// is not the seller, bidder's cooldown is free, amount meets the current price
// plus the minimum increment. An amount finer than MoneyScale is refused
// before any of these. A failed check writes nothing and leaves the cooldown
// untouched.
func (e *Engine) PlaceBid(ctx context.Context, sessionID, bidderID string, amount decimal.Decimal) (BidResult, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.PlaceBid",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("bidder.id", bidderID),
			attribute.String("bid.amount", amount.String()),
		),
	)
	defer span.End()

	res, err := e.placeBid(ctx, sessionID, bidderID, amount)
	if err != nil {
		kind := KindOf(err)
		if kind == "" {
			kind = "Internal"
		}
		span.SetAttributes(attribute.String("bid.rejected", string(kind)))
		e.metrics.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		e.logger.DebugContext(ctx, "bid rejected",
			slog.String("session_id", sessionID),
			slog.String("bidder_id", bidderID),
			slog.String("amount", amount.String()),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
		return res, err
	}
	return res, nil
}

func (e *Engine) placeBid(ctx context.Context, sessionID, bidderID string, amount decimal.Decimal) (BidResult, error) {
	if !ValidMoney(amount) {
		return BidResult{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, MoneyScale)
	}

	var (
		key      = cooldown.Key(sessionID, bidderID)
		token    string
		accepted bool
	)
	defer func() {
		if token == "" || accepted {
			return
		}
		if err := e.guard.Release(ctx, key, token); err != nil {
			e.logger.WarnContext(ctx, "failed to release cooldown",
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
	}()

	for attempt := 0; ; attempt++ {
		now := e.clock.Now()

		s, err := e.loadSession(ctx, sessionID)
		if err != nil {
			return BidResult{}, err
		}
		if err := checkBidder(s, bidderID, now); err != nil {
			return BidResult{}, err
		}

		if attempt == 0 {
			held, ok, err := e.guard.TryAcquire(ctx, key, cooldown.TTL(s.BidCooldownSeconds))
			switch {
			case err != nil:
				// A shared guard outage degrades to no throttling.
				e.logger.WarnContext(ctx, "cooldown guard unavailable",
					slog.String("key", key),
					slog.Any("error", err),
				)
			case !ok:
				return BidResult{}, ErrCooldownActive
			default:
				token = held
			}
		}

		leader, err := e.bids.Leader(ctx, sessionID)
		if err != nil {
			return BidResult{}, fmt.Errorf("loading leader: %w", err)
		}
		price := CurrentPrice(s, leader)
		if minimum := price.Add(s.MinIncrement); amount.LessThan(minimum) {
			return BidResult{CurrentPrice: price}, &BidTooLowError{CurrentPrice: price, Minimum: minimum}
		}

		bid := &store.Bid{SessionID: sessionID, BidderID: bidderID, Amount: amount}
		ext, err := e.commit(ctx, s, bid, now)
		if errors.Is(err, store.ErrVersionConflict) {
			e.metrics.conflicts.Add(ctx, 1)
			if attempt >= e.maxRetries {
				return BidResult{CurrentPrice: price}, fmt.Errorf("%w: gave up after %d attempts", ErrConcurrencyConflict, attempt+1)
			}
			continue
		}
		if err != nil {
			return BidResult{}, fmt.Errorf("committing bid: %w", err)
		}
		accepted = true

		e.recordAccepted(ctx, bid, ext, "manual")
		p := newPending(sessionID, s.Version+1, now)
		p.recordBid(bid, leader, ext)
		e.publish(ctx, p)

		res := BidResult{
			Accepted:     true,
			CurrentPrice: bid.Amount,
			LeaderID:     bidderID,
			EndTime:      ext.EndTime,
			Extended:     ext.Extended,
			Bid:          bid,
		}
		if out := e.resolveProxies(ctx, sessionID); out != nil {
			res.CurrentPrice = out.bid.Amount
			res.LeaderID = out.bid.BidderID
			res.EndTime = out.endTime
			res.Extended = res.Extended || out.extended
			res.ProxyBid = out.bid
		}
		return res, nil
	}
}

// SetProxyCeiling stores the bidder's automatic bidding ceiling and runs one
// proxy resolution pass. Setting a ceiling is not a bid, so the cooldown does
// not apply.
func (e *Engine) SetProxyCeiling(ctx context.Context, sessionID, bidderID string, maxAmount decimal.Decimal) (ProxyResult, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SetProxyCeiling",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("bidder.id", bidderID),
			attribute.String("proxy.max", maxAmount.String()),
		),
	)
	defer span.End()

	s, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return ProxyResult{}, err
	}
	if err := checkBidder(s, bidderID, e.clock.Now()); err != nil {
		return ProxyResult{}, err
	}
	if !maxAmount.IsPositive() {
		return ProxyResult{}, fmt.Errorf("%w: must be positive", ErrInvalidCeiling)
	}
	if !ValidMoney(maxAmount) {
		return ProxyResult{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidCeiling, maxAmount, MoneyScale)
	}

	if err := e.proxies.Upsert(ctx, &store.ProxyBid{
		SessionID: sessionID,
		BidderID:  bidderID,
		MaxAmount: maxAmount,
	}); err != nil {
		return ProxyResult{}, fmt.Errorf("storing proxy ceiling: %w", err)
	}
	e.logger.InfoContext(ctx, "proxy ceiling set",
		slog.String("session_id", sessionID),
		slog.String("bidder_id", bidderID),
		slog.String("max_amount", maxAmount.String()),
	)

	res := ProxyResult{Accepted: true}
	if out := e.resolveProxies(ctx, sessionID); out != nil {
		res.CurrentPrice = out.bid.Amount
		res.LeaderID = out.bid.BidderID
		res.ProxyBid = out.bid
		return res, nil
	}

	leader, err := e.bids.Leader(ctx, sessionID)
	if err != nil {
		return res, fmt.Errorf("loading leader: %w", err)
	}
	res.CurrentPrice = CurrentPrice(s, leader)
	if leader != nil {
		res.LeaderID = leader.BidderID
	}
	return res, nil
}

type proxyOutcome struct {
	bid      *store.Bid
	endTime  time.Time
	extended bool
}

// resolveProxies runs a single resolution pass. It does not loop until the
// proxies are exhausted; the next bid or ceiling update triggers the next
// pass. Failures are logged because the triggering change is already
// committed.
func (e *Engine) resolveProxies(ctx context.Context, sessionID string) *proxyOutcome {
	ctx, span := e.tracer.Start(ctx, "Engine.resolveProxies",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	for attempt := 0; ; attempt++ {
		out, err := e.resolveOnce(ctx, sessionID)
		if errors.Is(err, store.ErrVersionConflict) {
			e.metrics.conflicts.Add(ctx, 1)
			if attempt < e.maxRetries {
				continue
			}
			e.logger.WarnContext(ctx, "proxy resolution abandoned after conflicts",
				slog.String("session_id", sessionID),
				slog.Int("attempts", attempt+1),
			)
			return nil
		}
		if err != nil {
			e.logger.ErrorContext(ctx, "proxy resolution failed",
				slog.String("session_id", sessionID),
				slog.Any("error", err),
			)
			return nil
		}
		return out
	}
}

func (e *Engine) resolveOnce(ctx context.Context, sessionID string) (*proxyOutcome, error) {
	now := e.clock.Now()

	s, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.OpenAt(now) {
		return nil, nil
	}

	proxies, err := e.proxies.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing proxies: %w", err)
	}
	if len(proxies) == 0 {
		return nil, nil
	}

	leader, err := e.bids.Leader(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading leader: %w", err)
	}
	var leaderID string
	if leader != nil {
		leaderID = leader.BidderID
	}

	step, ok := ResolveProxy(CurrentPrice(s, leader), s.MinIncrement, leaderID, proxies)
	if !ok {
		return nil, nil
	}

	bid := &store.Bid{SessionID: sessionID, BidderID: step.BidderID, Amount: step.Amount, Proxy: true}
	ext, err := e.commit(ctx, s, bid, now)
	if err != nil {
		return nil, err
	}

	e.recordAccepted(ctx, bid, ext, "proxy")
	p := newPending(sessionID, s.Version+1, now)
	p.recordBid(bid, leader, ext)
	e.publish(ctx, p)

	return &proxyOutcome{bid: bid, endTime: ext.EndTime, extended: ext.Extended}, nil
}

// commit appends bid and the anti-sniping outcome against the session
// version s was read at.
func (e *Engine) commit(ctx context.Context, s *store.Session, bid *store.Bid, now time.Time) (Extension, error) {
	ext := Extend(s, now)
	err := e.bids.Append(ctx, store.BidCommit{
		Bid:             bid,
		ExpectedVersion: s.Version,
		At:              now,
		EndTime:         ext.EndTime,
		ExtendCount:     ext.Count,
	})
	return ext, err
}

func (e *Engine) recordAccepted(ctx context.Context, bid *store.Bid, ext Extension, source string) {
	e.metrics.accepted.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	e.logger.InfoContext(ctx, "bid accepted",
		slog.String("session_id", bid.SessionID),
		slog.String("bidder_id", bid.BidderID),
		slog.String("amount", bid.Amount.String()),
		slog.String("source", source),
	)
	if ext.Extended {
		e.metrics.extensions.Add(ctx, 1)
		e.logger.InfoContext(ctx, "session extended",
			slog.String("session_id", bid.SessionID),
			slog.Time("end", ext.EndTime),
			slog.Int("extend_count", ext.Count),
		)
	}
}
