// Package notify delivers committed auction events to watchers.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/jensholdgaard/auction-engine/internal/event"
)

// Fanout publishes to every publisher in order. One failing publisher does
// not stop the rest; the failures are joined.
type Fanout []event.Publisher

var _ event.Publisher = Fanout(nil)

func (f Fanout) Publish(ctx context.Context, events ...event.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Journal appends events to an event store so they can be replayed per
// session.
type Journal struct {
	store event.Store
}

// NewJournal creates a Journal.
func NewJournal(s event.Store) *Journal {
	return &Journal{store: s}
}

func (j *Journal) Publish(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := j.store.Append(ctx, events...); err != nil {
		return fmt.Errorf("journaling events: %w", err)
	}
	return nil
}
