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
	"github.com/jensholdgaard/auction-engine/internal/event"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// Change is one status transition applied by the sweeper.
type Change struct {
	SessionID string
	From      store.SessionStatus
	To        store.SessionStatus
}

// Sweeper moves sessions through Scheduled, Live and Ended as their times
// pass, and applies administrative cancellation.
type Sweeper struct {
	sessions store.SessionRepository
	bids     store.BidRepository
	pub      event.Publisher
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
	clock    clock.Clock
}

// NewSweeper creates a Sweeper.
func NewSweeper(repos *store.Repositories, pub event.Publisher, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) (*Sweeper, error) {
	m, err := newMetrics(mp)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		sessions: repos.Sessions,
		bids:     repos.Bids,
		pub:      pub,
		logger:   logger,
		tracer:   tp.Tracer(instrumentationName),
		metrics:  m,
		clock:    clk,
	}, nil
}

// AdvanceDueSessions applies every transition due at now. A session that
// both starts and ends before now moves straight through to Ended.
//
// Each transition is a conditional write on the session version, so running
// the sweep twice, or concurrently with bidding, never applies a transition
// twice. A session whose transition fails is logged and left for the next
// sweep.
func (s *Sweeper) AdvanceDueSessions(ctx context.Context, now time.Time) ([]Change, error) {
	ctx, span := s.tracer.Start(ctx, "Sweeper.AdvanceDueSessions",
		trace.WithAttributes(attribute.String("now", now.Format(time.RFC3339))),
	)
	defer span.End()

	due, err := s.sessions.ListDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing due sessions: %w", err)
	}

	var changes []Change
	for i := range due {
		applied, err := s.advance(ctx, &due[i], now)
		changes = append(changes, applied...)
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			s.logger.DebugContext(ctx, "session changed during sweep, retrying next tick",
				slog.String("session_id", due[i].ID),
			)
		case err != nil:
			s.logger.ErrorContext(ctx, "failed to advance session",
				slog.String("session_id", due[i].ID),
				slog.Any("error", err),
			)
		}
	}
	span.SetAttributes(attribute.Int("sweep.changes", len(changes)))
	return changes, nil
}

func (s *Sweeper) advance(ctx context.Context, sess *store.Session, now time.Time) ([]Change, error) {
	var changes []Change

	if sess.Status == store.StatusScheduled && !sess.StartTime.After(now) {
		if err := s.sessions.Transition(ctx, store.Transition{
			SessionID: sess.ID,
			From:      store.StatusScheduled,
			To:        store.StatusLive,
			Version:   sess.Version,
			At:        now,
		}); err != nil {
			return changes, err
		}
		sess.Status = store.StatusLive
		sess.Version++
		changes = append(changes, Change{SessionID: sess.ID, From: store.StatusScheduled, To: store.StatusLive})
		s.transitioned(ctx, sess.ID, store.StatusLive)

		p := newPending(sess.ID, sess.Version, now)
		p.record(event.SessionStarted, event.SessionStartedData{SessionID: sess.ID})
		publish(ctx, s.pub, s.logger, p)
	}

	if sess.Status == store.StatusLive && !sess.EndTime.After(now) {
		bids, err := s.bids.ListBySession(ctx, sess.ID)
		if err != nil {
			return changes, fmt.Errorf("listing bids: %w", err)
		}
		winner := DetermineWinner(bids)

		tr := store.Transition{
			SessionID: sess.ID,
			From:      store.StatusLive,
			To:        store.StatusEnded,
			Version:   sess.Version,
			At:        now,
		}
		data := event.SessionEndedData{SessionID: sess.ID}
		if winner != nil {
			tr.WinnerID = &winner.BidderID
			tr.WinningAmount = decimal.NewNullDecimal(winner.Amount)
			data.WinnerID = &winner.BidderID
			data.WinningAmount = &winner.Amount
		}
		if err := s.sessions.Transition(ctx, tr); err != nil {
			return changes, err
		}
		sess.Status = store.StatusEnded
		sess.Version++
		changes = append(changes, Change{SessionID: sess.ID, From: store.StatusLive, To: store.StatusEnded})
		s.transitioned(ctx, sess.ID, store.StatusEnded)

		p := newPending(sess.ID, sess.Version, now)
		p.record(event.SessionEnded, data)
		publish(ctx, s.pub, s.logger, p)
	}

	return changes, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	s.logger.InfoContext(ctx, "lifecycle sweeper started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.AdvanceDueSessions(ctx, s.clock.Now()); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "lifecycle sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Cancel moves a scheduled or live session to Cancelled.
func (s *Sweeper) Cancel(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "Sweeper.Cancel",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	for attempt := 0; ; attempt++ {
		sess, err := s.sessions.GetByID(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if err != nil {
			return fmt.Errorf("loading session: %w", err)
		}
		if sess.Status.Terminal() {
			return fmt.Errorf("%w: session %s is already %s", ErrInvalidTransition, sessionID, sess.Status)
		}

		now := s.clock.Now()
		err = s.sessions.Transition(ctx, store.Transition{
			SessionID: sessionID,
			From:      sess.Status,
			To:        store.StatusCancelled,
			Version:   sess.Version,
			At:        now,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			s.metrics.conflicts.Add(ctx, 1)
			if attempt < DefaultMaxRetries {
				continue
			}
			return fmt.Errorf("%w: cancelling %s", ErrConcurrencyConflict, sessionID)
		}
		if err != nil {
			return fmt.Errorf("cancelling session: %w", err)
		}

		s.transitioned(ctx, sessionID, store.StatusCancelled)
		p := newPending(sessionID, sess.Version+1, now)
		p.record(event.SessionCancelled, event.SessionCancelledData{SessionID: sessionID})
		publish(ctx, s.pub, s.logger, p)
		return nil
	}
}

func (s *Sweeper) transitioned(ctx context.Context, sessionID string, to store.SessionStatus) {
	s.metrics.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(to))))
	s.logger.InfoContext(ctx, "session transitioned",
		slog.String("session_id", sessionID),
		slog.String("status", string(to)),
	)
}
