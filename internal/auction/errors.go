package auction

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Errors returned by engine operations. All of them are caller-recoverable
// and leave no partial state behind.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotLive      = errors.New("session is not live")
	ErrSelfBid             = errors.New("seller cannot bid on own session")
	ErrCooldownActive      = errors.New("bid cooldown active")
	ErrBidTooLow           = errors.New("bid is below minimum")
	ErrInvalidCeiling      = errors.New("invalid proxy ceiling")
	ErrInvalidAmount       = errors.New("invalid bid amount")
	ErrConcurrencyConflict = errors.New("concurrent update, re-read price and retry")
	ErrInvalidSession      = errors.New("invalid session configuration")
	ErrInvalidTransition   = errors.New("invalid session transition")
)

// BidTooLowError carries the current price and the minimum acceptable
// amount. It matches ErrBidTooLow with errors.Is.
type BidTooLowError struct {
	CurrentPrice decimal.Decimal
	Minimum      decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid is below minimum %s", e.Minimum.StringFixed(2))
}

func (e *BidTooLowError) Is(target error) bool {
	return target == ErrBidTooLow
}

// Kind names a rejection reason for transports and metrics.
type Kind string

const (
	KindSessionNotFound     Kind = "SessionNotFound"
	KindSessionNotLive      Kind = "SessionNotLive"
	KindSelfBid             Kind = "SelfBidProhibited"
	KindCooldownActive      Kind = "CooldownActive"
	KindBidTooLow           Kind = "BidTooLow"
	KindInvalidCeiling      Kind = "InvalidCeiling"
	KindInvalidAmount       Kind = "InvalidAmount"
	KindConcurrencyConflict Kind = "ConcurrencyConflict"
	KindInvalidSession      Kind = "InvalidSession"
	KindInvalidTransition   Kind = "InvalidTransition"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrSessionNotFound, KindSessionNotFound},
	{ErrSessionNotLive, KindSessionNotLive},
	{ErrSelfBid, KindSelfBid},
	{ErrCooldownActive, KindCooldownActive},
	{ErrBidTooLow, KindBidTooLow},
	{ErrInvalidCeiling, KindInvalidCeiling},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrConcurrencyConflict, KindConcurrencyConflict},
	{ErrInvalidSession, KindInvalidSession},
	{ErrInvalidTransition, KindInvalidTransition},
}

// KindOf maps err to its rejection kind. Infrastructure failures map to "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}
