// Package webhook はセッションに設定されたDiscord Webhookへの通知を提供する。
// 通知はベストエフォートで、失敗はログに記録するのみで呼び出し元には返さない。
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hitoshi/guildgate/internal/metrics"
	"github.com/hitoshi/guildgate/internal/model"
)

const (
	colorSuccess = 0x00ff00
	colorFailure = 0xff0000
	colorPanel   = 0x00b0f4
)

// Verification は認証結果の通知内容。
type Verification struct {
	User      string
	Detail    string
	IPAddress string
	Reason    model.Reason
	Success   bool
	Time      time.Time
}

// Panel は認証パネル作成の通知内容。
type Panel struct {
	Title     string
	RoleID    string
	ChannelID string
}

// Sender はWebhook通知のインターフェース。
type Sender interface {
	NotifyVerification(ctx context.Context, webhookURL string, v Verification)
	NotifyPanelCreated(ctx context.Context, webhookURL string, p Panel)
}

// Notifier はDiscord Webhookにembedを送信する。
type Notifier struct {
	httpClient *http.Client
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewNotifier はNotifierを生成する。
// httpClientには通常SSRF防止付きのクライアントを渡す。
func NewNotifier(httpClient *http.Client, collector metrics.MetricsCollector, logger *slog.Logger) *Notifier {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Notifier{httpClient: httpClient, metrics: collector, logger: logger}
}

// NotifyVerification は認証結果をWebhookに送信する。
func (n *Notifier) NotifyVerification(ctx context.Context, webhookURL string, v Verification) {
	title, color := "Verification Failed", colorFailure
	if v.Success {
		title, color = "Verification Successful", colorSuccess
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "User", Value: v.User, Inline: true},
		{Name: "IP", Value: v.IPAddress, Inline: true},
		{Name: "Time", Value: v.Time.UTC().Format(time.RFC3339), Inline: true},
	}
	if !v.Success {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Reason", Value: string(v.Reason)})
	}

	n.send(ctx, webhookURL, &discordgo.MessageEmbed{
		Title:       title,
		Description: v.Detail,
		Color:       color,
		Fields:      fields,
		Timestamp:   v.Time.UTC().Format(time.RFC3339),
	})
}

// NotifyPanelCreated は認証パネルの作成をWebhookに送信する。
func (n *Notifier) NotifyPanelCreated(ctx context.Context, webhookURL string, p Panel) {
	n.send(ctx, webhookURL, &discordgo.MessageEmbed{
		Title: "Verification Embed Created",
		Color: colorPanel,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Title", Value: p.Title},
			{Name: "Role", Value: "<@&" + p.RoleID + ">", Inline: true},
			{Name: "Channel", Value: "<#" + p.ChannelID + ">", Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// send はembedを1件送信する。失敗はログに記録して握りつぶす。
func (n *Notifier) send(ctx context.Context, webhookURL string, embed *discordgo.MessageEmbed) {
	if webhookURL == "" {
		return
	}
	if err := n.post(ctx, webhookURL, &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embed}}); err != nil {
		n.metrics.RecordWebhookFailure()
		n.logger.Warn("failed to send webhook",
			slog.String("title", embed.Title),
			slog.String("error", err.Error()),
		)
	}
}

func (n *Notifier) post(ctx context.Context, webhookURL string, params *discordgo.WebhookParams) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// compile-time interface check
var _ Sender = (*Notifier)(nil)
