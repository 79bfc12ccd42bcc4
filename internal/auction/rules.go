package auction

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auction-engine/internal/store"
)

// MoneyScale is the number of decimal places prices are stored with.
const MoneyScale = 2

// ValidMoney reports whether d is representable at MoneyScale without
// rounding.
func ValidMoney(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}

// CurrentPrice is the leading bid amount, or the starting price while the
// ledger is empty.
func CurrentPrice(s *store.Session, leader *store.Bid) decimal.Decimal {
	if leader == nil {
		return s.StartingPrice
	}
	return leader.Amount
}

// MinimumBid is the smallest amount the next bid may carry.
func MinimumBid(s *store.Session, leader *store.Bid) decimal.Decimal {
	return CurrentPrice(s, leader).Add(s.MinIncrement)
}

// Extension is the session timing after an accepted bid.
type Extension struct {
	EndTime  time.Time
	Count    int
	Extended bool
}

// Extend evaluates anti-sniping for a bid accepted at now.
func Extend(s *store.Session, now time.Time) Extension {
	ext := Extension{EndTime: s.EndTime, Count: s.ExtendCount}
	if !s.EnableAntiSniping || s.ExtendCount >= s.ExtendMaxCount {
		return ext
	}
	window := time.Duration(s.ExtendWindowSeconds) * time.Second
	if s.EndTime.Sub(now) > window {
		return ext
	}
	ext.EndTime = s.EndTime.Add(time.Duration(s.ExtendBySeconds) * time.Second)
	ext.Count++
	ext.Extended = true
	return ext
}

// ProxyStep is a bid the proxy mechanism places on a bidder's behalf.
type ProxyStep struct {
	BidderID string
	Amount   decimal.Decimal
}

// ResolveProxy runs one resolution pass over proxies, which must be ordered
// by ceiling descending. It returns false when no proxy bid is due.
//
// The top ceiling bids just enough to beat the runner-up ceiling (or the
// current price), capped at its own ceiling. A proxy never bids below the
// minimum increment, and raises its owner's own leading bid only when the
// runner-up ceiling could otherwise outbid it.
func ResolveProxy(current, minIncrement decimal.Decimal, leaderID string, proxies []store.ProxyBid) (ProxyStep, bool) {
	if len(proxies) == 0 {
		return ProxyStep{}, false
	}
	top := proxies[0]
	if top.MaxAmount.LessThanOrEqual(current) {
		return ProxyStep{}, false
	}
	minimum := current.Add(minIncrement)

	var target decimal.Decimal
	if top.BidderID == leaderID {
		if len(proxies) < 2 || proxies[1].MaxAmount.LessThan(minimum) {
			return ProxyStep{}, false
		}
		target = proxies[1].MaxAmount.Add(minIncrement)
	} else {
		second := current
		if len(proxies) > 1 {
			second = proxies[1].MaxAmount
		}
		target = decimal.Max(minimum, second.Add(minIncrement))
	}

	amount := decimal.Min(target, top.MaxAmount)
	if amount.LessThan(minimum) {
		return ProxyStep{}, false
	}
	return ProxyStep{BidderID: top.BidderID, Amount: amount}, true
}

// DetermineWinner returns the winning bid: highest amount, earliest creation
// on ties, then lowest ID. It returns nil for an empty ledger.
func DetermineWinner(bids []store.Bid) *store.Bid {
	var best *store.Bid
	for i := range bids {
		if best == nil || outranks(&bids[i], best) {
			best = &bids[i]
		}
	}
	if best == nil {
		return nil
	}
	w := *best
	return &w
}

func outranks(a, b *store.Bid) bool {
	if c := a.Amount.Cmp(b.Amount); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
