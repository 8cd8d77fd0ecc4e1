// Package session は検証セッション（stateトークン）のライフサイクルを管理する。
// パネルセッションの作成、ボタン押下時の派生セッション作成、
// コールバックでの消費、期限切れセッションのスイープを提供する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/hitoshi/guildgate/internal/model"
	"github.com/hitoshi/guildgate/internal/repository"
)

// DefaultTTL はセッションのデフォルト有効期間。
const DefaultTTL = 30 * time.Minute

// maxTokenAttempts はstateトークン衝突時の再生成回数の上限。
const maxTokenAttempts = 3

// Sweeper は期限切れセッションを削除するジョブのインターフェース。
type Sweeper interface {
	Run(ctx context.Context) (int64, error)
}

// Config はStoreの設定。
type Config struct {
	TTL time.Duration
}

// Store は検証セッションのストア。
type Store struct {
	repo     repository.SessionRepository
	sweeper  Sweeper
	ttl      time.Duration
	now      func() time.Time
	newToken func() (string, error)
}

// NewStore はStoreを生成する。sweeperがnilの場合、派生後のスイープは行わない。
func NewStore(repo repository.SessionRepository, sweeper Sweeper, config Config) *Store {
	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		repo:     repo,
		sweeper:  sweeper,
		ttl:      ttl,
		now:      time.Now,
		newToken: func() (string, error) { return gonanoid.New() },
	}
}

// CreatePanel はパネルセッションを作成し、そのstateトークンを返す。
func (s *Store) CreatePanel(ctx context.Context, guildID, channelID, roleID, webhookURL string) (string, error) {
	token, err := s.insert(ctx, model.VerificationSession{
		GuildID:    guildID,
		ChannelID:  channelID,
		RoleID:     roleID,
		WebhookURL: webhookURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create panel session: %w", err)
	}

	slog.Info("panel session created",
		slog.String("guild_id", guildID),
		slog.String("channel_id", channelID),
		slog.String("role_id", roleID),
	)
	return token, nil
}

// DeriveFromPanel はパネルセッションからスコープをコピーした一回限りのセッションを作成する。
// パネルセッションが存在しないか期限切れの場合はmodel.ErrSessionNotFoundを返す。
// パネルセッション自体は削除しない。作成後に期限切れセッションのスイープを行う。
func (s *Store) DeriveFromPanel(ctx context.Context, panelToken string) (string, error) {
	panel, err := s.repo.FindByState(ctx, panelToken)
	if err != nil {
		return "", fmt.Errorf("failed to find panel session: %w", err)
	}
	if panel == nil || panel.IsExpired(s.now()) {
		return "", model.ErrSessionNotFound
	}

	token, err := s.insert(ctx, model.VerificationSession{
		GuildID:    panel.GuildID,
		ChannelID:  panel.ChannelID,
		RoleID:     panel.RoleID,
		WebhookURL: panel.WebhookURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to derive session: %w", err)
	}

	s.SweepExpired(ctx)
	return token, nil
}

// Consume はstateトークンに対応するセッションを取得する。
// 見つからない場合はmodel.ErrSessionNotFound、期限切れの場合はセッションと共に
// model.ErrSessionExpiredを返す。成功時のセッション削除は呼び出し側が処理完了後に行う。
func (s *Store) Consume(ctx context.Context, token string) (*model.VerificationSession, error) {
	if token == "" {
		return nil, model.ErrSessionNotFound
	}

	session, err := s.repo.FindByState(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.ErrSessionNotFound
	}
	if session.IsExpired(s.now()) {
		return session, model.ErrSessionExpired
	}

	return session, nil
}

// Delete は消費済みのセッションを削除する。
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.repo.DeleteByState(ctx, token)
}

// SweepExpired は期限切れセッションを削除する。
// 呼び出し元の処理を失敗させないため、エラーはログに記録して握りつぶす。
func (s *Store) SweepExpired(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	if _, err := s.sweeper.Run(ctx); err != nil {
		slog.Warn("expired session sweep failed", slog.String("error", err.Error()))
	}
}

// insert は新しいstateトークンを採番してセッションを保存する。
// トークンが衝突した場合は再生成する。
func (s *Store) insert(ctx context.Context, session model.VerificationSession) (string, error) {
	now := s.now()
	session.CreatedAt = now
	session.ExpiresAt = now.Add(s.ttl)

	for i := 0; i < maxTokenAttempts; i++ {
		token, err := s.newToken()
		if err != nil {
			return "", fmt.Errorf("failed to generate state token: %w", err)
		}
		session.State = token

		err = s.repo.Create(ctx, &session)
		if errors.Is(err, repository.ErrDuplicateState) {
			continue
		}
		if err != nil {
			return "", err
		}
		return token, nil
	}

	return "", fmt.Errorf("failed to allocate unique state token after %d attempts", maxTokenAttempts)
}
