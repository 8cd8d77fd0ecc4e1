package discord

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/hitoshi/guildgate/internal/coord"
	"github.com/hitoshi/guildgate/internal/model"
	"github.com/hitoshi/guildgate/internal/security"
	"github.com/hitoshi/guildgate/internal/webhook"
)

// --- モック定義 ---

type mockAPI struct {
	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	sent      []*discordgo.MessageSend
	sentTo    []string
	roles     []*discordgo.Role
	members   map[string]*discordgo.Member
	sendErr   error
}

func (m *mockAPI) InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockAPI) InteractionResponseEdit(i *discordgo.Interaction, edit *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.edits = append(m.edits, edit)
	return &discordgo.Message{}, nil
}

func (m *mockAPI) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, data)
	m.sentTo = append(m.sentTo, channelID)
	return &discordgo.Message{}, nil
}

func (m *mockAPI) GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error) {
	member, ok := m.members[userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return member, nil
}

func (m *mockAPI) GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	return m.roles, nil
}

func (m *mockAPI) lastContent(t *testing.T) string {
	t.Helper()
	if len(m.responses) == 0 {
		t.Fatal("no interaction response")
	}
	return m.responses[len(m.responses)-1].Data.Content
}

type mockPanels struct {
	createFn func(ctx context.Context, guildID, channelID, roleID, webhookURL string) (string, error)
	deriveFn func(ctx context.Context, panelToken string) (string, error)
	created  int
}

func (m *mockPanels) CreatePanel(ctx context.Context, guildID, channelID, roleID, webhookURL string) (string, error) {
	m.created++
	return m.createFn(ctx, guildID, channelID, roleID, webhookURL)
}

func (m *mockPanels) DeriveFromPanel(ctx context.Context, panelToken string) (string, error) {
	return m.deriveFn(ctx, panelToken)
}

type stubAuthorizer struct{}

func (stubAuthorizer) AuthorizeURL(state string) string {
	return "https://discord.com/oauth2/authorize?state=" + state
}

type mockWatcher struct {
	handles []string
	acks    []coord.Acknowledgment
}

func (m *mockWatcher) Watch(handle string, ack coord.Acknowledgment) {
	m.handles = append(m.handles, handle)
	m.acks = append(m.acks, ack)
}

type mockWebhooks struct {
	panels []webhook.Panel
}

func (m *mockWebhooks) NotifyVerification(ctx context.Context, webhookURL string, v webhook.Verification) {}

func (m *mockWebhooks) NotifyPanelCreated(ctx context.Context, webhookURL string, p webhook.Panel) {
	m.panels = append(m.panels, p)
}

// --- ヘルパー ---

type fixture struct {
	api      *mockAPI
	panels   *mockPanels
	watcher  *mockWatcher
	webhooks *mockWebhooks
	handler  *InteractionHandler
}

func newFixture() *fixture {
	f := &fixture{
		api: &mockAPI{
			roles: []*discordgo.Role{
				{ID: "99", Name: "Verified", Position: 1},
				{ID: "bot-role", Name: "Bot", Position: 5},
				{ID: "top", Name: "Owner", Position: 10},
			},
			members: map[string]*discordgo.Member{
				"bot": {User: &discordgo.User{ID: "bot"}, Roles: []string{"bot-role"}},
			},
		},
		panels: &mockPanels{
			createFn: func(ctx context.Context, guildID, channelID, roleID, webhookURL string) (string, error) {
				return "P", nil
			},
			deriveFn: func(ctx context.Context, panelToken string) (string, error) {
				return "T1", nil
			},
		},
		watcher:  &mockWatcher{},
		webhooks: &mockWebhooks{},
	}
	f.handler = NewInteractionHandler(HandlerDeps{
		API:         f.api,
		Sessions:    f.panels,
		Authorizer:  stubAuthorizer{},
		Watcher:     f.watcher,
		Webhooks:    f.webhooks,
		Validator:   security.NewWebhookGuard(),
		Sanitizer:   security.NewTextSanitizer(),
		AdminRoleID: "admin",
		Logger:      slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
	})
	f.handler.SetBotUserID("bot")
	return f
}

func commandInteraction(memberRoles []string, opts map[string]string) *discordgo.Interaction {
	var options []*discordgo.ApplicationCommandInteractionDataOption
	for name, v := range opts {
		typ := discordgo.ApplicationCommandOptionString
		if name == "role" {
			typ = discordgo.ApplicationCommandOptionRole
		}
		options = append(options, &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: typ, Value: v})
	}
	return &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "1",
		ChannelID: "5",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "U"}, Roles: memberRoles},
		Data: discordgo.ApplicationCommandInteractionData{
			Name:    commandSendVerificationEmbed,
			Options: options,
		},
	}
}

func buttonInteraction(customID string) *discordgo.Interaction {
	return &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		GuildID:   "1",
		ChannelID: "5",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "A"}},
		Data:      discordgo.MessageComponentInteractionData{CustomID: customID},
	}
}

// --- スラッシュコマンド ---

func TestSendVerificationEmbed_CreatesPanel(t *testing.T) {
	f := newFixture()
	var gotArgs []string
	f.panels.createFn = func(ctx context.Context, guildID, channelID, roleID, webhookURL string) (string, error) {
		gotArgs = []string{guildID, channelID, roleID, webhookURL}
		return "P", nil
	}

	f.handler.Handle(context.Background(), commandInteraction([]string{"admin"}, map[string]string{
		"title":       "Welcome <b>in</b>",
		"description": "Press the button",
		"role":        "99",
		"webhookurl":  "https://discord.com/api/webhooks/1/x",
	}))

	want := []string{"1", "5", "99", "https://discord.com/api/webhooks/1/x"}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("CreatePanel args = %v, want %v", gotArgs, want)
			break
		}
	}

	if len(f.api.sent) != 1 || f.api.sentTo[0] != "5" {
		t.Fatalf("sent = %d messages", len(f.api.sent))
	}
	msg := f.api.sent[0]
	embed := msg.Embeds[0]
	if embed.Title != "Welcome in" || embed.Description != "Press the button" || embed.Footer.Text != "Click verify!" {
		t.Errorf("embed = %+v", embed)
	}
	button := msg.Components[0].(discordgo.ActionsRow).Components[0].(discordgo.Button)
	if button.CustomID != "verify_P" || button.Label != "Verify" {
		t.Errorf("button = %+v", button)
	}

	if got := f.api.lastContent(t); got != "Panel created" {
		t.Errorf("reply = %q", got)
	}
	if f.api.responses[0].Data.Flags != discordgo.MessageFlagsEphemeral {
		t.Error("reply should be ephemeral")
	}
	if len(f.webhooks.panels) != 1 || f.webhooks.panels[0].RoleID != "99" {
		t.Errorf("webhook panels = %+v", f.webhooks.panels)
	}
}

func TestSendVerificationEmbed_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		memberRoles []string
		opts        map[string]string
		wantReply   string
	}{
		{
			name:        "not admin",
			memberRoles: []string{"member"},
			opts:        map[string]string{"title": "t", "description": "d", "role": "99"},
			wantReply:   "You don't have permission to use this command",
		},
		{
			name:        "role above bot",
			memberRoles: []string{"admin"},
			opts:        map[string]string{"title": "t", "description": "d", "role": "top"},
			wantReply:   "The role <@&top> is higher than or equal to my highest role <@&bot-role>. Please move my role higher in the server settings or choose a lower role.",
		},
		{
			name:        "role equal to bot",
			memberRoles: []string{"admin"},
			opts:        map[string]string{"title": "t", "description": "d", "role": "bot-role"},
			wantReply:   "The role <@&bot-role> is higher than or equal to my highest role <@&bot-role>. Please move my role higher in the server settings or choose a lower role.",
		},
		{
			name:        "invalid webhook",
			memberRoles: []string{"admin"},
			opts:        map[string]string{"title": "t", "description": "d", "role": "99", "webhookurl": "http://169.254.169.254/latest"},
			wantReply:   "The webhook URL must be a Discord webhook URL.",
		},
		{
			name:        "unknown role",
			memberRoles: []string{"admin"},
			opts:        map[string]string{"title": "t", "description": "d", "role": "404"},
			wantReply:   "Unable to verify bot perms!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()

			f.handler.Handle(context.Background(), commandInteraction(tt.memberRoles, tt.opts))

			if got := f.api.lastContent(t); got != tt.wantReply {
				t.Errorf("reply = %q, want %q", got, tt.wantReply)
			}
			if f.panels.created != 0 {
				t.Error("panel session should not be created")
			}
			if len(f.api.sent) != 0 {
				t.Error("panel should not be sent")
			}
		})
	}
}

func TestSendVerificationEmbed_SendFailure(t *testing.T) {
	f := newFixture()
	f.api.sendErr = errors.New("missing access")

	f.handler.Handle(context.Background(), commandInteraction([]string{"admin"}, map[string]string{
		"title": "t", "description": "d", "role": "99",
	}))

	if got := f.api.lastContent(t); got != "An error occurred!" {
		t.Errorf("reply = %q", got)
	}
}

// --- ボタン ---

func TestVerifyButton_RespondsWithAuthorizeLinkAndWatches(t *testing.T) {
	f := newFixture()
	var gotPanel string
	f.panels.deriveFn = func(ctx context.Context, panelToken string) (string, error) {
		gotPanel = panelToken
		return "T1", nil
	}

	f.handler.Handle(context.Background(), buttonInteraction("verify_P"))

	if gotPanel != "P" {
		t.Errorf("derived from %q, want P", gotPanel)
	}
	resp := f.api.responses[0]
	if resp.Data.Content != "**Click the button below to complete verification:**\n\n*This will open Discord authorization in a new tab.*" {
		t.Errorf("content = %q", resp.Data.Content)
	}
	if resp.Data.Flags != discordgo.MessageFlagsEphemeral {
		t.Error("response should be ephemeral")
	}
	link := resp.Data.Components[0].(discordgo.ActionsRow).Components[0].(discordgo.Button)
	if link.Style != discordgo.LinkButton || link.URL != "https://discord.com/oauth2/authorize?state=T1" || link.Label != "Verify yourself!" {
		t.Errorf("link button = %+v", link)
	}

	if len(f.watcher.handles) != 1 || f.watcher.handles[0] != "A" {
		t.Fatalf("watched = %v, want [A]", f.watcher.handles)
	}

	// 結果到着時に応答が置き換えられる
	if err := f.watcher.acks[0].Finalize(context.Background(), "**Verification Successful!**"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	edit := f.api.edits[0]
	if *edit.Content != "**Verification Successful!**" {
		t.Errorf("edited content = %q", *edit.Content)
	}
	if edit.Components == nil || len(*edit.Components) != 0 {
		t.Error("link button should be removed")
	}
}

func TestVerifyButton_PanelInvalid(t *testing.T) {
	f := newFixture()
	f.panels.deriveFn = func(ctx context.Context, panelToken string) (string, error) {
		return "", model.ErrSessionNotFound
	}

	f.handler.Handle(context.Background(), buttonInteraction("verify_gone"))

	if got := f.api.lastContent(t); got != "This verification panel is no longer valid. Please ask an admin to create a new one." {
		t.Errorf("reply = %q", got)
	}
	if len(f.watcher.handles) != 0 {
		t.Error("no watch should be registered")
	}
}

func TestVerifyButton_DeriveError(t *testing.T) {
	f := newFixture()
	f.panels.deriveFn = func(ctx context.Context, panelToken string) (string, error) {
		return "", errors.New("db down")
	}

	f.handler.Handle(context.Background(), buttonInteraction("verify_P"))

	if got := f.api.lastContent(t); got != "An error occurred during verification. Please try again." {
		t.Errorf("reply = %q", got)
	}
}

func TestHandle_IgnoresOtherComponents(t *testing.T) {
	f := newFixture()

	f.handler.Handle(context.Background(), buttonInteraction("other_button"))

	if len(f.api.responses) != 0 || len(f.watcher.handles) != 0 {
		t.Error("unrelated component should be ignored")
	}
}
