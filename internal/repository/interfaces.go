// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/guildgate/internal/model"
)

// SessionRepository は検証セッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。stateが重複する場合はErrDuplicateStateを返す。
	Create(ctx context.Context, session *model.VerificationSession) error

	// FindByState は指定stateのセッションを取得する。
	// 期限切れのセッションも返す（期限判定は呼び出し側が行う）。見つからない場合はnilを返す。
	FindByState(ctx context.Context, state string) (*model.VerificationSession, error)

	// DeleteByState は指定stateのセッションを削除する。存在しなくてもエラーにしない。
	DeleteByState(ctx context.Context, state string) error
}

// BindingRepository はIDとIPアドレスの紐付けの永続化インターフェース。
type BindingRepository interface {
	// FindOtherIdentityByIP は同じguild/role/IPで、identityIDとは異なるIDの紐付けを1件取得する。
	// 見つからない場合はnilを返す。
	FindOtherIdentityByIP(ctx context.Context, guildID, roleID, ipAddress, identityID string) (*model.IdentityBinding, error)

	// Upsert は(identity, guild, role)の紐付けを冪等に作成または更新する。
	// 既存レコードがある場合はip_address、verified_at、updated_atのみを更新する。
	Upsert(ctx context.Context, binding *model.IdentityBinding) error
}

// AttemptRepository は認証試行の監査ログの永続化インターフェース。追記専用。
type AttemptRepository interface {
	// Create は認証試行を記録する。
	Create(ctx context.Context, attempt *model.VerificationAttempt) error
}
