package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/guildgate/internal/model"
)

// ErrDuplicateState はstateトークンが既存セッションと衝突したことを示す。
var ErrDuplicateState = errors.New("duplicate session state")

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresSessionRepo はPostgreSQLを使用した検証セッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.VerificationSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO verification_sessions (state, guild_id, channel_id, role_id, webhook_url, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.State, session.GuildID, session.ChannelID, session.RoleID,
		nullString(session.WebhookURL), session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateState
		}
		return fmt.Errorf("failed to create verification session: %w", err)
	}
	return nil
}

// FindByState は指定stateのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByState(ctx context.Context, state string) (*model.VerificationSession, error) {
	session := &model.VerificationSession{}
	var webhookURL sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT state, guild_id, channel_id, role_id, webhook_url, expires_at, created_at
		 FROM verification_sessions
		 WHERE state = $1`,
		state,
	).Scan(&session.State, &session.GuildID, &session.ChannelID, &session.RoleID,
		&webhookURL, &session.ExpiresAt, &session.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find verification session: %w", err)
	}

	session.WebhookURL = webhookURL.String
	return session, nil
}

// DeleteByState は指定stateのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByState(ctx context.Context, state string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM verification_sessions WHERE state = $1`,
		state,
	)
	if err != nil {
		return fmt.Errorf("failed to delete verification session: %w", err)
	}
	return nil
}

// nullString は空文字をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
