package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/guildgate/internal/model"
)

// PostgresAttemptRepo はPostgreSQLを使用した認証試行ログリポジトリ。
type PostgresAttemptRepo struct {
	db *sql.DB
}

// NewPostgresAttemptRepo はPostgresAttemptRepoを生成する。
func NewPostgresAttemptRepo(db *sql.DB) *PostgresAttemptRepo {
	return &PostgresAttemptRepo{db: db}
}

// Create は認証試行を記録する。IDとCreatedAtが未設定の場合はここで設定する。
func (r *PostgresAttemptRepo) Create(ctx context.Context, attempt *model.VerificationAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO verification_attempts (id, identity_id, ip_address, guild_id, role_id, success, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		attempt.ID, attempt.IdentityID, attempt.IPAddress, attempt.GuildID, attempt.RoleID,
		attempt.Success, string(attempt.Reason), attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create verification attempt: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AttemptRepository = (*PostgresAttemptRepo)(nil)
