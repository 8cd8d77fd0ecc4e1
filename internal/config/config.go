package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// Discord
	DiscordBotToken     string `env:"DISCORD_BOT_TOKEN"`
	DiscordClientID     string `env:"DISCORD_CLIENT_ID"`
	DiscordClientSecret string `env:"DISCORD_CLIENT_SECRET"`
	GuildID             string `env:"GUILD_ID"`
	AdminRoleID         string `env:"ADMIN_ROLE_ID"`

	// IPレピュテーション
	IPAPIKey string `env:"IPAPI_API_KEY"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"3000"`
	BaseURL    string `env:"BASE_URL" envDefault:"http://localhost:3000"`

	// /metrics 専用の内部リスナー。公開ポートとは分ける
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// 認証セッションと結果待ち
	SessionTTL   time.Duration `env:"SESSION_TTL" envDefault:"30m"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	PollTimeout  time.Duration `env:"POLL_TIMEOUT" envDefault:"300s"`

	// 外部HTTP呼び出しのタイムアウト
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`

	// 信頼するリバースプロキシ（デフォルトはループバックのみ）
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:"," envDefault:"127.0.0.0/8,::1/128"`

	// Rate Limit（IPごと、ウィンドウあたりの件数）
	RateLimitGeneral       int           `env:"RATE_LIMIT_GENERAL" envDefault:"100"`
	RateLimitGeneralWindow time.Duration `env:"RATE_LIMIT_GENERAL_WINDOW" envDefault:"15m"`
	RateLimitVerify        int           `env:"RATE_LIMIT_VERIFY" envDefault:"5"`
	RateLimitVerifyWindow  time.Duration `env:"RATE_LIMIT_VERIFY_WINDOW" envDefault:"5m"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// RedirectURL はOAuthのリダイレクト先（BASE_URL + /verify）を返す。
func (c *Config) RedirectURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/verify"
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定の変数名をすべて含むエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"DISCORD_BOT_TOKEN", cfg.DiscordBotToken},
		{"DISCORD_CLIENT_ID", cfg.DiscordClientID},
		{"DISCORD_CLIENT_SECRET", cfg.DiscordClientSecret},
		{"ADMIN_ROLE_ID", cfg.AdminRoleID},
		{"IPAPI_API_KEY", cfg.IPAPIKey},
	}

	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	return cfg, nil
}
