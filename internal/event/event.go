package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	PriceChanged     Type = "session.price_changed"
	Outbid           Type = "session.outbid"
	TimeExtended     Type = "session.time_extended"
	SessionStarted   Type = "session.started"
	SessionEnded     Type = "session.ended"
	SessionCancelled Type = "session.cancelled"
)

// Event represents a single domain event emitted for an auction session.
type Event struct {
	ID        string          `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	Type      Type            `json:"type" db:"type"`
	Data      json.RawMessage `json:"data" db:"data"`
	// Version is the session version that produced the event.
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// New builds an event with a fresh ID and the JSON-encoded payload.
func New(sessionID string, typ Type, payload any, version int64, at time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	return Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      typ,
		Data:      data,
		Version:   version,
		CreatedAt: at,
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// PriceChangedData is the payload for PriceChanged events.
type PriceChangedData struct {
	SessionID string          `json:"session_id"`
	Amount    decimal.Decimal `json:"amount"`
	BidderID  string          `json:"bidder_id"`
	Proxy     bool            `json:"proxy"`
}

// OutbidData is the payload for Outbid events. It is addressed to
// PreviousLeaderID.
type OutbidData struct {
	SessionID        string          `json:"session_id"`
	PreviousLeaderID string          `json:"previous_leader_id"`
	Amount           decimal.Decimal `json:"amount"`
}

// TimeExtendedData is the payload for TimeExtended events.
type TimeExtendedData struct {
	SessionID   string    `json:"session_id"`
	NewEndTime  time.Time `json:"new_end_time"`
	ExtendCount int       `json:"extend_count"`
}

// SessionStartedData is the payload for SessionStarted events.
type SessionStartedData struct {
	SessionID string `json:"session_id"`
}

// SessionEndedData is the payload for SessionEnded events.
type SessionEndedData struct {
	SessionID     string           `json:"session_id"`
	WinnerID      *string          `json:"winner_id,omitempty"`
	WinningAmount *decimal.Decimal `json:"winning_amount,omitempty"`
}

// SessionCancelledData is the payload for SessionCancelled events.
type SessionCancelledData struct {
	SessionID string `json:"session_id"`
}
