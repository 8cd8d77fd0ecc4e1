// Package discord はDiscordゲートウェイとのやり取りを提供する。
// 認証パネルを作成するスラッシュコマンド、パネルのボタン押下による派生セッションの作成、
// コールバック結果によるインタラクション応答の更新を扱う。
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/hitoshi/guildgate/internal/coord"
	"github.com/hitoshi/guildgate/internal/model"
	"github.com/hitoshi/guildgate/internal/webhook"
)

// インタラクションの応答メッセージ。
const (
	msgNoPermission      = "You don't have permission to use this command"
	msgCannotCheckPerms  = "Unable to verify your permissions."
	msgCannotCheckBot    = "Unable to verify bot perms!"
	msgInvalidWebhook    = "The webhook URL must be a Discord webhook URL."
	msgPanelCreated      = "Panel created"
	msgCommandError      = "An error occurred!"
	msgPanelInvalid      = "This verification panel is no longer valid. Please ask an admin to create a new one."
	msgDeriveError       = "An error occurred during verification. Please try again."
	msgVerifyInstruction = "**Click the button below to complete verification:**\n\n*This will open Discord authorization in a new tab.*"
)

// API はインタラクション処理に必要なDiscord REST APIのサブセット。
// *discordgo.Session がこのインターフェースを満たす。
type API interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
}

// PanelSessions はパネルセッションの作成と派生を行う。
type PanelSessions interface {
	CreatePanel(ctx context.Context, guildID, channelID, roleID, webhookURL string) (string, error)
	DeriveFromPanel(ctx context.Context, panelToken string) (string, error)
}

// Authorizer はstateトークンから認可URLを生成する。
type Authorizer interface {
	AuthorizeURL(state string) string
}

// Watcher はインタラクション応答を結果待ちとして登録する。
type Watcher interface {
	Watch(handle string, ack coord.Acknowledgment)
}

// WebhookValidator は管理者が指定したWebhook URLを検証する。
type WebhookValidator interface {
	ValidateWebhookURL(rawURL string) error
}

// TextCleaner は管理者が入力したテキストからHTMLを除去する。
type TextCleaner interface {
	Clean(text string) string
}

// HandlerDeps はInteractionHandlerの依存。
type HandlerDeps struct {
	API         API
	Sessions    PanelSessions
	Authorizer  Authorizer
	Watcher     Watcher
	Webhooks    webhook.Sender
	Validator   WebhookValidator
	Sanitizer   TextCleaner
	AdminRoleID string
	Logger      *slog.Logger
}

// InteractionHandler はスラッシュコマンドとボタンのインタラクションを処理する。
type InteractionHandler struct {
	HandlerDeps
	botUserID atomic.Value // string
}

// NewInteractionHandler はInteractionHandlerを生成する。
func NewInteractionHandler(deps HandlerDeps) *InteractionHandler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &InteractionHandler{HandlerDeps: deps}
}

// SetBotUserID はボット自身のユーザーIDを設定する。READYイベントで呼び出される。
func (h *InteractionHandler) SetBotUserID(id string) {
	h.botUserID.Store(id)
}

func (h *InteractionHandler) botID() string {
	id, _ := h.botUserID.Load().(string)
	return id
}

// Handle はインタラクションを種類ごとに振り分ける。
func (h *InteractionHandler) Handle(ctx context.Context, i *discordgo.Interaction) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		if i.ApplicationCommandData().Name == commandSendVerificationEmbed {
			h.handleSendVerificationEmbed(ctx, i)
		}
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		if panelToken, ok := strings.CutPrefix(customID, verifyButtonPrefix); ok {
			h.handleVerifyButton(ctx, i, panelToken)
		}
	}
}

// handleSendVerificationEmbed は認証パネルを作成してチャンネルに送信する。
func (h *InteractionHandler) handleSendVerificationEmbed(ctx context.Context, i *discordgo.Interaction) {
	// 1. 実行者が管理者ロールを持つか
	if i.Member == nil {
		h.replyEphemeral(ctx, i, msgCannotCheckPerms)
		return
	}
	if !slices.Contains(i.Member.Roles, h.AdminRoleID) {
		h.replyEphemeral(ctx, i, msgNoPermission)
		return
	}

	// 2. オプションの取得
	opts := commandOptions(i.ApplicationCommandData())
	title := h.Sanitizer.Clean(opts["title"])
	description := h.Sanitizer.Clean(opts["description"])
	roleID := opts["role"]
	webhookURL := strings.TrimSpace(opts["webhookurl"])

	if err := h.Validator.ValidateWebhookURL(webhookURL); err != nil {
		h.replyEphemeral(ctx, i, msgInvalidWebhook)
		return
	}

	// 3. 付与するロールがボットの最上位ロールより下か
	role, botTop, err := h.resolveHierarchy(ctx, i.GuildID, roleID)
	if err != nil {
		h.Logger.Error("failed to resolve role hierarchy",
			slog.String("guild_id", i.GuildID),
			slog.String("error", err.Error()),
		)
		h.replyEphemeral(ctx, i, msgCannotCheckBot)
		return
	}
	if botTop == nil || role.Position >= botTop.Position {
		top := ""
		if botTop != nil {
			top = botTop.ID
		}
		h.replyEphemeral(ctx, i, fmt.Sprintf(
			"The role <@&%s> is higher than or equal to my highest role <@&%s>. Please move my role higher in the server settings or choose a lower role.",
			role.ID, top))
		return
	}

	// 4. パネルセッションの作成とパネルの送信
	token, err := h.Sessions.CreatePanel(ctx, i.GuildID, i.ChannelID, role.ID, webhookURL)
	if err != nil {
		h.Logger.Error("failed to create panel session", slog.String("error", err.Error()))
		h.replyEphemeral(ctx, i, msgCommandError)
		return
	}

	_, err = h.API.ChannelMessageSendComplex(i.ChannelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       title,
			Description: description,
			Color:       0x00b0f4,
			Footer:      &discordgo.MessageEmbedFooter{Text: "Click verify!"},
		}},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					CustomID: verifyButtonPrefix + token,
					Label:    "Verify",
					Style:    discordgo.PrimaryButton,
				},
			}},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		h.Logger.Error("failed to send verification panel", slog.String("error", err.Error()))
		h.replyEphemeral(ctx, i, msgCommandError)
		return
	}

	h.replyEphemeral(ctx, i, msgPanelCreated)

	if webhookURL != "" {
		h.Webhooks.NotifyPanelCreated(ctx, webhookURL, webhook.Panel{
			Title:     title,
			RoleID:    role.ID,
			ChannelID: i.ChannelID,
		})
	}
}

// handleVerifyButton はパネルから派生セッションを作成し、認可URLのボタンを返す。
// 応答は結果待ちとして登録され、コールバックの結果で更新される。
func (h *InteractionHandler) handleVerifyButton(ctx context.Context, i *discordgo.Interaction, panelToken string) {
	user := interactionUser(i)
	if user == nil {
		return
	}

	token, err := h.Sessions.DeriveFromPanel(ctx, panelToken)
	if errors.Is(err, model.ErrSessionNotFound) {
		h.replyEphemeral(ctx, i, msgPanelInvalid)
		return
	}
	if err != nil {
		h.Logger.Error("failed to derive session", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		h.replyEphemeral(ctx, i, msgDeriveError)
		return
	}

	err = h.API.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msgVerifyInstruction,
			Flags:   discordgo.MessageFlagsEphemeral,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label: "Verify yourself!",
						Style: discordgo.LinkButton,
						URL:   h.Authorizer.AuthorizeURL(token),
					},
				}},
			},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		h.Logger.Error("failed to respond to verify button", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		return
	}

	h.Watcher.Watch(user.ID, &interactionAck{api: h.API, interaction: i})
}

// resolveHierarchy は対象ロールとボットの最上位ロールを返す。
func (h *InteractionHandler) resolveHierarchy(ctx context.Context, guildID, roleID string) (*discordgo.Role, *discordgo.Role, error) {
	roles, err := h.API.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch guild roles: %w", err)
	}
	byID := make(map[string]*discordgo.Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}

	role, ok := byID[roleID]
	if !ok {
		return nil, nil, fmt.Errorf("role %s not found in guild", roleID)
	}

	bot, err := h.API.GuildMember(guildID, h.botID(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch bot member: %w", err)
	}

	var top *discordgo.Role
	for _, id := range bot.Roles {
		if r, ok := byID[id]; ok && (top == nil || r.Position > top.Position) {
			top = r
		}
	}
	return role, top, nil
}

// replyEphemeral は実行者のみに見えるメッセージで応答する。
func (h *InteractionHandler) replyEphemeral(ctx context.Context, i *discordgo.Interaction, content string) {
	err := h.API.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		h.Logger.Warn("failed to reply to interaction", slog.String("error", err.Error()))
	}
}

// interactionAck はボタン押下への応答を結果で置き換える。
type interactionAck struct {
	api         API
	interaction *discordgo.Interaction
}

// Finalize は応答の本文を結果に置き換え、認可URLのボタンを取り除く。
func (a *interactionAck) Finalize(ctx context.Context, content string) error {
	components := []discordgo.MessageComponent{}
	_, err := a.api.InteractionResponseEdit(a.interaction, &discordgo.WebhookEdit{
		Content:    &content,
		Components: &components,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to edit interaction response: %w", err)
	}
	return nil
}

// commandOptions はコマンドのオプションを名前と値の組で返す。
// ロールオプションの値はロールID。
func commandOptions(data discordgo.ApplicationCommandInteractionData) map[string]string {
	opts := make(map[string]string, len(data.Options))
	for _, o := range data.Options {
		if v, ok := o.Value.(string); ok {
			opts[o.Name] = v
		}
	}
	return opts
}

// interactionUser はインタラクションの実行者を返す。
// ギルド内ではMember.User、DMではUserに入る。
func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// compile-time interface check
var _ coord.Acknowledgment = (*interactionAck)(nil)
