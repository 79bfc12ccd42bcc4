package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

type createSessionRequest struct {
	ID                  string          `json:"id,omitempty"`
	ItemID              string          `json:"item_id"`
	SellerID            string          `json:"seller_id"`
	StartingPrice       decimal.Decimal `json:"starting_price"`
	StartTime           time.Time       `json:"start_time"`
	EndTime             time.Time       `json:"end_time"`
	MinIncrement        decimal.Decimal `json:"min_increment"`
	BidCooldownSeconds  int             `json:"bid_cooldown_seconds"`
	DepositAmount       decimal.Decimal `json:"deposit_amount"`
	EnableAntiSniping   bool            `json:"enable_anti_sniping"`
	ExtendWindowSeconds int             `json:"extend_window_seconds"`
	ExtendBySeconds     int             `json:"extend_by_seconds"`
	ExtendMaxCount      int             `json:"extend_max_count"`
}

func (r createSessionRequest) params() auction.SessionParams {
	return auction.SessionParams{
		ID:                  r.ID,
		ItemID:              r.ItemID,
		SellerID:            r.SellerID,
		StartingPrice:       r.StartingPrice,
		StartTime:           r.StartTime,
		EndTime:             r.EndTime,
		MinIncrement:        r.MinIncrement,
		BidCooldownSeconds:  r.BidCooldownSeconds,
		DepositAmount:       r.DepositAmount,
		EnableAntiSniping:   r.EnableAntiSniping,
		ExtendWindowSeconds: r.ExtendWindowSeconds,
		ExtendBySeconds:     r.ExtendBySeconds,
		ExtendMaxCount:      r.ExtendMaxCount,
	}
}

type sessionResponse struct {
	ID                  string              `json:"id"`
	ItemID              string              `json:"item_id"`
	SellerID            string              `json:"seller_id"`
	Status              store.SessionStatus `json:"status"`
	StartingPrice       decimal.Decimal     `json:"starting_price"`
	MinIncrement        decimal.Decimal     `json:"min_increment"`
	StartTime           time.Time           `json:"start_time"`
	EndTime             time.Time           `json:"end_time"`
	BidCooldownSeconds  int                 `json:"bid_cooldown_seconds"`
	DepositAmount       decimal.Decimal     `json:"deposit_amount"`
	EnableAntiSniping   bool                `json:"enable_anti_sniping"`
	ExtendWindowSeconds int                 `json:"extend_window_seconds"`
	ExtendBySeconds     int                 `json:"extend_by_seconds"`
	ExtendMaxCount      int                 `json:"extend_max_count"`
	ExtendCount         int                 `json:"extend_count"`
	WinnerID            *string             `json:"winner_id,omitempty"`
	WinningAmount       *decimal.Decimal    `json:"winning_amount,omitempty"`
	Version             int64               `json:"version"`
}

func newSessionResponse(s *store.Session) sessionResponse {
	resp := sessionResponse{
		ID:                  s.ID,
		ItemID:              s.ItemID,
		SellerID:            s.SellerID,
		Status:              s.Status,
		StartingPrice:       s.StartingPrice,
		MinIncrement:        s.MinIncrement,
		StartTime:           s.StartTime,
		EndTime:             s.EndTime,
		BidCooldownSeconds:  s.BidCooldownSeconds,
		DepositAmount:       s.DepositAmount,
		EnableAntiSniping:   s.EnableAntiSniping,
		ExtendWindowSeconds: s.ExtendWindowSeconds,
		ExtendBySeconds:     s.ExtendBySeconds,
		ExtendMaxCount:      s.ExtendMaxCount,
		ExtendCount:         s.ExtendCount,
		WinnerID:            s.WinnerID,
		Version:             s.Version,
	}
	if s.WinningAmount.Valid {
		amount := s.WinningAmount.Decimal
		resp.WinningAmount = &amount
	}
	return resp
}

type bidResponse struct {
	ID        string          `json:"id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Proxy     bool            `json:"proxy"`
	CreatedAt time.Time       `json:"created_at"`
}

func newBidResponse(b *store.Bid) *bidResponse {
	if b == nil {
		return nil
	}
	return &bidResponse{
		ID:        b.ID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		Proxy:     b.Proxy,
		CreatedAt: b.CreatedAt,
	}
}

type placeBidRequest struct {
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
}

type placeBidResponse struct {
	Accepted     bool            `json:"accepted"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	LeaderID     string          `json:"leader_id"`
	EndTime      time.Time       `json:"end_time"`
	Extended     bool            `json:"extended"`
	Bid          *bidResponse    `json:"bid,omitempty"`
	ProxyBid     *bidResponse    `json:"proxy_bid,omitempty"`
}

type setProxyRequest struct {
	BidderID  string          `json:"bidder_id"`
	MaxAmount decimal.Decimal `json:"max_amount"`
}

type setProxyResponse struct {
	Accepted     bool            `json:"accepted"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	LeaderID     string          `json:"leader_id,omitempty"`
	ProxyBid     *bidResponse    `json:"proxy_bid,omitempty"`
}

type priceResponse struct {
	SessionID    string          `json:"session_id"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// errorResponse is also the rejected form of placeBidResponse, so it always
// carries accepted=false.
type errorResponse struct {
	Accepted     bool             `json:"accepted"`
	Error        string           `json:"error"`
	Kind         auction.Kind     `json:"kind,omitempty"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	Minimum      *decimal.Decimal `json:"minimum,omitempty"`
}
