// Package antiabuse は認証リクエストに対する不正利用判定パイプラインを提供する。
package antiabuse

import (
	"context"
	"log/slog"

	"github.com/hitoshi/guildgate/internal/metrics"
	"github.com/hitoshi/guildgate/internal/model"
	"github.com/hitoshi/guildgate/internal/reputation"
)

// BindingFinder は同一IPから別IDで認証済みの紐付けを検索する。
type BindingFinder interface {
	FindOtherIdentityByIP(ctx context.Context, guildID, roleID, ipAddress, identityID string) (*model.IdentityBinding, error)
}

// RoleService はギルドの現在のロール状態の参照と付与を行う。
type RoleService interface {
	HasRole(ctx context.Context, guildID, userID, roleID string) (bool, error)
	Grant(ctx context.Context, userID, guildID, roleID string) bool
}

// Engine は固定順の判定パイプラインを実行する。
// 1. レピュテーション 2. 別アカウント 3. ロール保持済み 4. ロール付与
type Engine struct {
	checker  reputation.Checker
	bindings BindingFinder
	roles    RoleService
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewEngine はEngineを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewEngine(checker reputation.Checker, bindings BindingFinder, roles RoleService, collector metrics.MetricsCollector, logger *slog.Logger) *Engine {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Engine{
		checker:  checker,
		bindings: bindings,
		roles:    roles,
		metrics:  collector,
		logger:   logger,
	}
}

// Evaluate はIDとIPアドレスをセッションのスコープで判定する。
// 最初に該当した段階で判定を確定し、以降の段階は実行しない。
func (e *Engine) Evaluate(ctx context.Context, identityID, ipAddress string, session *model.VerificationSession) model.Decision {
	logger := e.logger.With(
		slog.String("user_id", identityID),
		slog.String("guild_id", session.GuildID),
		slog.String("role_id", session.RoleID),
	)

	// 1. レピュテーションチェック（失敗時は疑わしいとして扱われる）
	rep := e.checker.Check(ctx, ipAddress)
	e.recordReputation(rep)
	logger.Info("reputation checked",
		slog.Bool("suspicious", rep.Suspicious),
		slog.String("country", rep.Country),
		slog.String("city", rep.City),
		slog.String("isp", rep.ISP),
		slog.String("org", rep.Org),
		slog.Bool("hosting", rep.Hosting),
		slog.Bool("mobile", rep.Mobile),
	)
	if rep.Suspicious {
		return model.Denied{Why: model.ReasonProxy}
	}

	// 2. 同一IPから別IDが同じギルド・ロールで認証済みか
	other, err := e.bindings.FindOtherIdentityByIP(ctx, session.GuildID, session.RoleID, ipAddress, identityID)
	if err != nil {
		logger.Error("failed to look up identity bindings", slog.String("error", err.Error()))
		return model.Denied{Why: model.ReasonError}
	}
	if other != nil {
		logger.Warn("alt account detected", slog.String("original_user_id", other.IdentityID))
		return model.Denied{Why: model.ReasonAltAccount, OriginalIdentityID: other.IdentityID}
	}

	// 3. 現在のメンバー状態で既にロールを保持しているか
	has, err := e.roles.HasRole(ctx, session.GuildID, identityID, session.RoleID)
	if err != nil {
		// 参照できない場合は付与処理側で解決を試みる
		logger.Warn("failed to check current roles", slog.String("error", err.Error()))
	}
	if has {
		return model.Allowed{Why: model.ReasonAlreadyHadRole}
	}

	// 4. ロール付与
	if !e.roles.Grant(ctx, identityID, session.GuildID, session.RoleID) {
		return model.Denied{Why: model.ReasonRoleError}
	}
	return model.Allowed{Why: model.ReasonSuccess}
}

func (e *Engine) recordReputation(rep reputation.Result) {
	switch {
	case rep.Failed:
		e.metrics.RecordReputationCheck(metrics.ReputationFailed)
	case rep.Suspicious:
		e.metrics.RecordReputationCheck(metrics.ReputationSuspicious)
	default:
		e.metrics.RecordReputationCheck(metrics.ReputationClean)
	}
}
