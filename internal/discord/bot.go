package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Bot はDiscordゲートウェイのセッションを管理する。
type Bot struct {
	session *discordgo.Session
	handler *InteractionHandler
	appID   string
	guildID string
	logger  *slog.Logger
	ctx     context.Context
}

// NewSession はボットトークンでDiscordのセッションを生成する。
// 接続はOpenで行う。RoleGranterやInteractionHandlerのAPIとしても利用する。
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	return s, nil
}

// NewBot はBotを生成する。guildIDが空の場合はコマンドをグローバルに登録する。
func NewBot(session *discordgo.Session, handler *InteractionHandler, appID, guildID string, logger *slog.Logger) *Bot {
	return &Bot{
		session: session,
		handler: handler,
		appID:   appID,
		guildID: guildID,
		logger:  logger,
	}
}

// Open はゲートウェイに接続し、イベントハンドラーを登録する。
// インタラクションの処理はctxがキャンセルされるまで受け付ける。
func (b *Bot) Open(ctx context.Context) error {
	b.ctx = ctx

	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	return nil
}

// Close はゲートウェイとの接続を閉じる。
func (b *Bot) Close() error {
	return b.session.Close()
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.handler.SetBotUserID(r.User.ID)
	b.logger.Info("discord bot ready", slog.String("user", r.User.Username))

	if _, err := s.ApplicationCommandBulkOverwrite(b.appID, b.guildID, Commands); err != nil {
		b.logger.Error("failed to register slash commands", slog.String("error", err.Error()))
		return
	}
	b.logger.Info("slash commands registered", slog.String("guild_id", b.guildID), slog.Int("count", len(Commands)))
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.handler.Handle(b.ctx, i.Interaction)
}
