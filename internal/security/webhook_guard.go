// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrInvalidWebhookURL はDiscordのWebhook URLとして受け付けられないことを示す。
var ErrInvalidWebhookURL = errors.New("invalid webhook URL")

// webhookHosts はWebhookの送信先として許可するホスト。
var webhookHosts = []string{
	"discord.com",
	"discordapp.com",
	"ptb.discord.com",
	"canary.discord.com",
}

// webhookPathPrefix はDiscord Webhookのパス。
const webhookPathPrefix = "/api/webhooks/"

// WebhookGuard は管理者が指定したWebhook URLの検証と、
// 送信用のSSRF防止付きHTTPクライアントの生成を行う。
type WebhookGuard struct{}

// NewWebhookGuard はWebhookGuardを生成する。
func NewWebhookGuard() *WebhookGuard {
	return &WebhookGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlはDialerのControlフックでDNS解決後のIPアドレスを検証するため、
// Discordのホスト名がプライベートアドレスに解決された場合も送信されない。
func (g *WebhookGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateWebhookURL はURLがDiscordのWebhook URLであることを検証する。
// 空文字はWebhook未設定として受け付ける。
func (g *WebhookGuard) ValidateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhookURL, err)
	}

	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("%w: disallowed scheme: %s", ErrInvalidWebhookURL, parsed.Scheme)
	}
	if parsed.Port() != "" && parsed.Port() != "443" {
		return fmt.Errorf("%w: disallowed port: %s", ErrInvalidWebhookURL, parsed.Port())
	}
	if parsed.User != nil {
		return fmt.Errorf("%w: userinfo not allowed", ErrInvalidWebhookURL)
	}
	if !isWebhookHost(parsed.Hostname()) {
		return fmt.Errorf("%w: disallowed host: %s", ErrInvalidWebhookURL, parsed.Hostname())
	}
	if !strings.HasPrefix(parsed.Path, webhookPathPrefix) || len(parsed.Path) == len(webhookPathPrefix) {
		return fmt.Errorf("%w: not a webhook path: %s", ErrInvalidWebhookURL, parsed.Path)
	}

	return nil
}

// isWebhookHost はホストが許可リストに含まれるかを検証する。
func isWebhookHost(host string) bool {
	for _, allowed := range webhookHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}
