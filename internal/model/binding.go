package model

import "time"

// IdentityBinding は(identity, guild, role)ごとに最後に認証したIPアドレスを保持する。
// (IdentityID, GuildID, RoleID) の組は一意で、再認証時は同じレコードを更新する。
type IdentityBinding struct {
	ID         string
	IdentityID string
	GuildID    string
	RoleID     string
	IPAddress  string
	VerifiedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// VerificationAttempt は認証試行の監査ログ。追記専用で更新・削除はしない。
type VerificationAttempt struct {
	ID         string
	IdentityID string
	IPAddress  string
	GuildID    string
	RoleID     string
	Success    bool
	Reason     Reason
	CreatedAt  time.Time
}

// Identity はOAuthで解決された外部ID（Discordユーザー）を表す。
type Identity struct {
	ID         string
	Username   string
	GlobalName string
}

// DisplayName は表示用の名前を返す。
func (i *Identity) DisplayName() string {
	if i.GlobalName != "" {
		return i.GlobalName + " (@" + i.Username + ")"
	}
	return i.Username
}
