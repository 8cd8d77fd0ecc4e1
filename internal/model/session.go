// Package model はドメインモデルを定義する。
package model

import "time"

// VerificationSession は認証フローを開始するためのセッションを表す。
// Stateは認可URLのstateパラメータとしてそのまま使用される一回限りのトークン。
// パネルセッションはボタンに紐付く長寿命セッションで、コールバックでは消費されない。
// 派生セッションはボタン押下ごとに作られ、コールバックで1回だけ消費される。
type VerificationSession struct {
	State      string
	GuildID    string
	ChannelID  string
	RoleID     string
	WebhookURL string // 空文字はWebhook未設定を表す
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// IsExpired は指定時刻の時点でセッションが期限切れかを返す。
func (s *VerificationSession) IsExpired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

// HasWebhook はセッションにWebhook URLが設定されているかを返す。
func (s *VerificationSession) HasWebhook() bool {
	return s.WebhookURL != ""
}
