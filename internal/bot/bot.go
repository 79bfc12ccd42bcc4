package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/bot/commands"
	"github.com/jensholdgaard/auction-engine/internal/config"
)

// Bot wraps the Discord session and command handlers.
type Bot struct {
	session *discordgo.Session
	cfg     config.DiscordConfig
	logger  *slog.Logger
	tp      trace.TracerProvider
	cmds    []*discordgo.ApplicationCommand
	remove  []func()
}

// New creates a new Bot instance. The connection is opened by Start; the
// announcer works before that because it only uses the REST API.
func New(cfg config.DiscordConfig, logger *slog.Logger, tp trace.TracerProvider) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}

	return &Bot{
		session: session,
		cfg:     cfg,
		logger:  logger,
		tp:      tp,
	}, nil
}

// Announcer returns a publisher that posts session lifecycle events to the
// configured channel through this bot's connection.
func (b *Bot) Announcer() *Announcer {
	return NewAnnouncer(b.session, b.cfg.ChannelID, b.logger)
}

// Start opens the Discord connection and registers slash commands that
// drive engine.
func (b *Bot) Start(ctx context.Context, engine commands.Engine) error {
	b.remove = append(b.remove,
		b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
			b.logger.InfoContext(ctx, "bot is ready", slog.String("user", s.State.User.Username))
		}),
		b.session.AddHandler(commands.NewHandlers(engine, b.logger, b.tp).InteractionCreate),
	)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}

	registered, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.cfg.GuildID, commands.SlashCommands())
	if err != nil {
		return fmt.Errorf("registering slash commands: %w", err)
	}
	b.cmds = registered

	b.logger.InfoContext(ctx, "slash commands registered", slog.Int("count", len(registered)))
	return nil
}

// Stop removes the registered commands and closes the Discord connection.
func (b *Bot) Stop() error {
	for _, cmd := range b.cmds {
		if err := b.session.ApplicationCommandDelete(b.session.State.User.ID, b.cfg.GuildID, cmd.ID); err != nil {
			b.logger.Error("failed to delete command", slog.String("command", cmd.Name), slog.Any("error", err))
		}
	}
	b.cmds = nil
	// Start may run again after a leadership change.
	for _, remove := range b.remove {
		remove()
	}
	b.remove = nil
	return b.session.Close()
}
