package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/guildgate/internal/model"
)

// PostgresBindingRepo はPostgreSQLを使用したID紐付けリポジトリ。
type PostgresBindingRepo struct {
	db *sql.DB
}

// NewPostgresBindingRepo はPostgresBindingRepoを生成する。
func NewPostgresBindingRepo(db *sql.DB) *PostgresBindingRepo {
	return &PostgresBindingRepo{db: db}
}

// FindOtherIdentityByIP は同じguild/role/IPを持つ別IDの紐付けを取得する。
// 複数ある場合は最も古く認証したものを返す。
func (r *PostgresBindingRepo) FindOtherIdentityByIP(ctx context.Context, guildID, roleID, ipAddress, identityID string) (*model.IdentityBinding, error) {
	b := &model.IdentityBinding{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, identity_id, guild_id, role_id, ip_address, verified_at, created_at, updated_at
		 FROM identity_bindings
		 WHERE guild_id = $1 AND role_id = $2 AND ip_address = $3 AND identity_id <> $4
		 ORDER BY verified_at ASC
		 LIMIT 1`,
		guildID, roleID, ipAddress, identityID,
	).Scan(&b.ID, &b.IdentityID, &b.GuildID, &b.RoleID, &b.IPAddress, &b.VerifiedAt, &b.CreatedAt, &b.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity binding by ip: %w", err)
	}

	return b, nil
}

// Upsert は紐付けを冪等に作成または更新する。
// IDが未設定の場合は新規UUIDを採番する（更新時は既存のIDが維持される）。
func (r *PostgresBindingRepo) Upsert(ctx context.Context, binding *model.IdentityBinding) error {
	if binding.ID == "" {
		binding.ID = uuid.New().String()
	}
	now := time.Now()
	if binding.VerifiedAt.IsZero() {
		binding.VerifiedAt = now
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identity_bindings (id, identity_id, guild_id, role_id, ip_address, verified_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (identity_id, guild_id, role_id)
		 DO UPDATE SET ip_address = EXCLUDED.ip_address,
		               verified_at = EXCLUDED.verified_at,
		               updated_at = EXCLUDED.updated_at`,
		binding.ID, binding.IdentityID, binding.GuildID, binding.RoleID,
		binding.IPAddress, binding.VerifiedAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert identity binding: %w", err)
	}
	return nil
}

// compile-time interface check
var _ BindingRepository = (*PostgresBindingRepo)(nil)
