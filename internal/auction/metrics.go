package auction

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	accepted    metric.Int64Counter
	rejected    metric.Int64Counter
	conflicts   metric.Int64Counter
	extensions  metric.Int64Counter
	transitions metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	var (
		m   metrics
		err error
	)
	if m.accepted, err = meter.Int64Counter("auction.bids.accepted",
		metric.WithDescription("Bids written to the ledger."),
		metric.WithUnit("{bid}"),
	); err != nil {
		return nil, fmt.Errorf("creating accepted counter: %w", err)
	}
	if m.rejected, err = meter.Int64Counter("auction.bids.rejected",
		metric.WithDescription("Bids rejected, by kind."),
		metric.WithUnit("{bid}"),
	); err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}
	if m.conflicts, err = meter.Int64Counter("auction.commit.conflicts",
		metric.WithDescription("Conditional session writes that lost a race."),
	); err != nil {
		return nil, fmt.Errorf("creating conflicts counter: %w", err)
	}
	if m.extensions, err = meter.Int64Counter("auction.extensions",
		metric.WithDescription("Anti-sniping end time extensions."),
	); err != nil {
		return nil, fmt.Errorf("creating extensions counter: %w", err)
	}
	if m.transitions, err = meter.Int64Counter("auction.lifecycle.transitions",
		metric.WithDescription("Session status transitions, by target status."),
	); err != nil {
		return nil, fmt.Errorf("creating transitions counter: %w", err)
	}
	return &m, nil
}
