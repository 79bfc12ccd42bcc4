// Package api exposes the bidding engine over HTTP/JSON.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/health"
)

// Deps are the collaborators the router dispatches to. Hub and Health are
// optional.
type Deps struct {
	Engine  *auction.Engine
	Sweeper *auction.Sweeper
	Hub     http.Handler
	Health  *health.Handler
	Logger  *slog.Logger
}

type handler struct {
	engine  *auction.Engine
	sweeper *auction.Sweeper
	logger  *slog.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) *mux.Router {
	h := &handler{engine: d.Engine, sweeper: d.Sweeper, logger: d.Logger}

	r := mux.NewRouter()
	r.Use(h.logRequests)

	if d.Health != nil {
		d.Health.Register(r)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sessions", h.createSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", h.getSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/bids", h.placeBid).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/bids", h.bidHistory).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/proxy", h.setProxy).Methods(http.MethodPut)
	v1.HandleFunc("/sessions/{id}/price", h.price).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/winner", h.winner).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/events", h.events).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/cancel", h.cancel).Methods(http.MethodPost)
	if d.Hub != nil {
		v1.Handle("/ws", d.Hub).Methods(http.MethodGet)
	}
	return r
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.engine.CreateSession(r.Context(), req.params())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(s))
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(s))
}

func (h *handler) placeBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.PlaceBid(r.Context(), mux.Vars(r)["id"], req.BidderID, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, placeBidResponse{
		Accepted:     res.Accepted,
		CurrentPrice: res.CurrentPrice,
		LeaderID:     res.LeaderID,
		EndTime:      res.EndTime,
		Extended:     res.Extended,
		Bid:          newBidResponse(res.Bid),
		ProxyBid:     newBidResponse(res.ProxyBid),
	})
}

func (h *handler) bidHistory(w http.ResponseWriter, r *http.Request) {
	bids, err := h.engine.BidHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]*bidResponse, len(bids))
	for i := range bids {
		out[i] = newBidResponse(&bids[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) setProxy(w http.ResponseWriter, r *http.Request) {
	var req setProxyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.SetProxyCeiling(r.Context(), mux.Vars(r)["id"], req.BidderID, req.MaxAmount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setProxyResponse{
		Accepted:     res.Accepted,
		CurrentPrice: res.CurrentPrice,
		LeaderID:     res.LeaderID,
		ProxyBid:     newBidResponse(res.ProxyBid),
	})
}

func (h *handler) price(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	price, err := h.engine.GetCurrentPrice(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{SessionID: id, CurrentPrice: price})
}

func (h *handler) winner(w http.ResponseWriter, r *http.Request) {
	bid, err := h.engine.Winner(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if bid == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newBidResponse(bid))
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.SessionEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.sweeper.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusFor maps an engine rejection kind to an HTTP status.
func StatusFor(kind auction.Kind) int {
	switch kind {
	case auction.KindSessionNotFound:
		return http.StatusNotFound
	case auction.KindSessionNotLive, auction.KindConcurrencyConflict, auction.KindInvalidTransition:
		return http.StatusConflict
	case auction.KindSelfBid:
		return http.StatusForbidden
	case auction.KindCooldownActive:
		return http.StatusTooManyRequests
	case auction.KindBidTooLow:
		return http.StatusUnprocessableEntity
	case auction.KindInvalidCeiling, auction.KindInvalidSession, auction.KindInvalidAmount:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auction.KindOf(err)
	code := StatusFor(kind)
	resp := errorResponse{Error: err.Error(), Kind: kind}

	var tooLow *auction.BidTooLowError
	if errors.As(err, &tooLow) {
		resp.CurrentPrice = &tooLow.CurrentPrice
		resp.Minimum = &tooLow.Minimum
	}
	if code == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		resp.Error = "internal error"
	}
	writeJSON(w, code, resp)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
