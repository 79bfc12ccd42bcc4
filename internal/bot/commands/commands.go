package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// Engine is the part of the bidding engine the commands drive.
type Engine interface {
	PlaceBid(ctx context.Context, sessionID, bidderID string, amount decimal.Decimal) (auction.BidResult, error)
	SetProxyCeiling(ctx context.Context, sessionID, bidderID string, maxAmount decimal.Decimal) (auction.ProxyResult, error)
	GetCurrentPrice(ctx context.Context, sessionID string) (decimal.Decimal, error)
	Winner(ctx context.Context, sessionID string) (*store.Bid, error)
}

// Handlers process Discord interactions.
type Handlers struct {
	engine Engine
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandlers creates new command handlers.
func NewHandlers(engine Engine, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		engine: engine,
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/auction-engine/internal/bot/commands"),
	}
}

func sessionOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "session",
		Description: "Auction session ID",
		Required:    true,
	}
}

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "bid",
			Description: "Place a bid on an auction session",
			Options: []*discordgo.ApplicationCommandOption{
				sessionOption(),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "amount",
					Description: "Bid amount, e.g. 135.50",
					Required:    true,
				},
			},
		},
		{
			Name:        "proxy",
			Description: "Set the most you are willing to pay; bids are placed for you",
			Options: []*discordgo.ApplicationCommandOption{
				sessionOption(),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "max",
					Description: "Proxy ceiling",
					Required:    true,
				},
			},
		},
		{
			Name:        "price",
			Description: "Show the current price of a session",
			Options:     []*discordgo.ApplicationCommandOption{sessionOption()},
		},
		{
			Name:        "winner",
			Description: "Show the leading (or winning) bid of a session",
			Options:     []*discordgo.ApplicationCommandOption{sessionOption()},
		},
	}
}

// InteractionCreate handles incoming slash command interactions.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()

	opts := make(map[string]string, len(data.Options))
	for _, o := range data.Options {
		opts[o.Name] = o.StringValue()
	}

	respond(s, i, h.Execute(context.Background(), data.Name, userID(i), opts))
}

// Execute runs a command for userID and returns the reply text.
func (h *Handlers) Execute(ctx context.Context, name, userID string, opts map[string]string) string {
	ctx, span := h.tracer.Start(ctx, "Execute",
		trace.WithAttributes(
			attribute.String("command", name),
			attribute.String("session.id", opts["session"]),
		),
	)
	defer span.End()

	switch name {
	case "bid":
		return h.handleBid(ctx, userID, opts)
	case "proxy":
		return h.handleProxy(ctx, userID, opts)
	case "price":
		return h.handlePrice(ctx, opts)
	case "winner":
		return h.handleWinner(ctx, opts)
	default:
		return "Unknown command"
	}
}

func (h *Handlers) handleBid(ctx context.Context, userID string, opts map[string]string) string {
	sessionID := opts["session"]
	amount, err := decimal.NewFromString(opts["amount"])
	if err != nil {
		return fmt.Sprintf("`%s` is not a valid amount.", opts["amount"])
	}

	res, err := h.engine.PlaceBid(ctx, sessionID, userID, amount)
	if err != nil {
		return h.rejection(ctx, "Bid", sessionID, err)
	}

	msg := fmt.Sprintf("Bid of **%s** placed on `%s`.", amount.StringFixed(2), sessionID)
	if res.ProxyBid != nil && res.LeaderID != userID {
		msg += fmt.Sprintf(" A proxy answered: current price is **%s** and you are no longer leading.", res.CurrentPrice.StringFixed(2))
	}
	if res.Extended {
		msg += fmt.Sprintf(" Closing time extended to <t:%d:T>.", res.EndTime.Unix())
	}
	return msg
}

func (h *Handlers) handleProxy(ctx context.Context, userID string, opts map[string]string) string {
	sessionID := opts["session"]
	ceiling, err := decimal.NewFromString(opts["max"])
	if err != nil {
		return fmt.Sprintf("`%s` is not a valid amount.", opts["max"])
	}

	res, err := h.engine.SetProxyCeiling(ctx, sessionID, userID, ceiling)
	if err != nil {
		return h.rejection(ctx, "Proxy", sessionID, err)
	}

	lead := "you are not leading"
	if res.LeaderID == userID {
		lead = "you are leading"
	}
	return fmt.Sprintf("Proxy ceiling of **%s** set on `%s`. Current price **%s**, %s.",
		ceiling.StringFixed(2), sessionID, res.CurrentPrice.StringFixed(2), lead)
}

func (h *Handlers) handlePrice(ctx context.Context, opts map[string]string) string {
	sessionID := opts["session"]
	price, err := h.engine.GetCurrentPrice(ctx, sessionID)
	if err != nil {
		return h.rejection(ctx, "Price lookup", sessionID, err)
	}
	return fmt.Sprintf("Current price of `%s`: **%s**", sessionID, price.StringFixed(2))
}

func (h *Handlers) handleWinner(ctx context.Context, opts map[string]string) string {
	sessionID := opts["session"]
	w, err := h.engine.Winner(ctx, sessionID)
	if err != nil {
		return h.rejection(ctx, "Winner lookup", sessionID, err)
	}
	if w == nil {
		return fmt.Sprintf("No bids on `%s` yet.", sessionID)
	}
	return fmt.Sprintf("<@%s> leads `%s` with **%s**.", w.BidderID, sessionID, w.Amount.StringFixed(2))
}

// rejection turns an engine error into a user-facing reply.
func (h *Handlers) rejection(ctx context.Context, what, sessionID string, err error) string {
	var tooLow *auction.BidTooLowError
	switch {
	case errors.As(err, &tooLow):
		return fmt.Sprintf("%s rejected: the minimum bid is **%s**.", what, tooLow.Minimum.StringFixed(2))
	case auction.KindOf(err) == auction.KindCooldownActive:
		return fmt.Sprintf("%s rejected: you are bidding too fast, wait a moment.", what)
	case auction.KindOf(err) == auction.KindConcurrencyConflict:
		return fmt.Sprintf("%s rejected: the price just changed, check `/price` and try again.", what)
	case auction.KindOf(err) != "":
		return fmt.Sprintf("%s rejected: %s.", what, err)
	}
	h.logger.ErrorContext(ctx, "command failed",
		slog.String("session_id", sessionID),
		slog.Any("error", err),
	)
	return fmt.Sprintf("%s failed, please try again later.", what)
}

func userID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
		},
	})
}
