package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/auction-engine/internal/event"
)

// MessageSender posts a message to a channel. *discordgo.Session
// implements it.
type MessageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Announcer posts session starts, extensions and results to a channel.
// Price changes and outbid notices are left to the real-time channels.
type Announcer struct {
	sender    MessageSender
	channelID string
	logger    *slog.Logger
}

var _ event.Publisher = (*Announcer)(nil)

// NewAnnouncer creates an Announcer.
func NewAnnouncer(sender MessageSender, channelID string, logger *slog.Logger) *Announcer {
	return &Announcer{sender: sender, channelID: channelID, logger: logger}
}

func (a *Announcer) Publish(ctx context.Context, events ...event.Event) error {
	var errs []error
	for _, e := range events {
		msg, ok, err := Announcement(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if _, err := a.sender.ChannelMessageSend(a.channelID, msg); err != nil {
			errs = append(errs, fmt.Errorf("announcing %s for %s: %w", e.Type, e.SessionID, err))
			continue
		}
		a.logger.DebugContext(ctx, "session announced",
			slog.String("session_id", e.SessionID),
			slog.String("type", string(e.Type)),
		)
	}
	return errors.Join(errs...)
}

// Announcement renders the channel message for e. It reports false for
// event types that are not announced.
func Announcement(e event.Event) (string, bool, error) {
	switch e.Type {
	case event.SessionStarted:
		return fmt.Sprintf("Auction `%s` is now open for bids.", e.SessionID), true, nil

	case event.TimeExtended:
		var d event.TimeExtendedData
		if err := e.Decode(&d); err != nil {
			return "", false, err
		}
		return fmt.Sprintf("Late bid on `%s`: closing extended to <t:%d:T> (extension %d).",
			e.SessionID, d.NewEndTime.Unix(), d.ExtendCount), true, nil

	case event.SessionEnded:
		var d event.SessionEndedData
		if err := e.Decode(&d); err != nil {
			return "", false, err
		}
		if d.WinnerID == nil || d.WinningAmount == nil {
			return fmt.Sprintf("Auction `%s` closed with no bids.", e.SessionID), true, nil
		}
		return fmt.Sprintf("Auction `%s` closed. Winner: <@%s> with **%s**.",
			e.SessionID, *d.WinnerID, d.WinningAmount.StringFixed(2)), true, nil
	}
	return "", false, nil
}
