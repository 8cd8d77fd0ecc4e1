// Package verify は認証コールバックを処理するオーケストレーターを提供する。
//
// 状態遷移: RECEIVED → SESSION_RESOLVED → IDENTITY_RESOLVED → ABUSE_CHECKED →
// ROLE_DECIDED → RECORDED → DONE。どの段階からもERRORに遷移しうる。
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/guildgate/internal/auth"
	"github.com/hitoshi/guildgate/internal/coord"
	"github.com/hitoshi/guildgate/internal/metrics"
	"github.com/hitoshi/guildgate/internal/model"
	"github.com/hitoshi/guildgate/internal/repository"
	"github.com/hitoshi/guildgate/internal/webhook"
)

// Page は結果ページの種類。
type Page int

const (
	// PageOutcome は判定結果のページ。Result.Reasonに理由が入る。
	PageOutcome Page = iota
	PageInvalidRequest
	PageSessionInvalid
	PageSessionExpired
	PageError
)

// Callback はOAuthコールバックの入力。
type Callback struct {
	Code      string
	State     string
	IPAddress string
}

// Result はユーザーに表示する結果ページの内容。
type Result struct {
	Page    Page
	Reason  model.Reason
	Success bool
	Title   string
	Message string
}

// SessionConsumer は一回限りのセッションの取得と削除を行う。
type SessionConsumer interface {
	Consume(ctx context.Context, token string) (*model.VerificationSession, error)
	Delete(ctx context.Context, token string) error
}

// Evaluator は不正利用判定を行う。
type Evaluator interface {
	Evaluate(ctx context.Context, identityID, ipAddress string, session *model.VerificationSession) model.Decision
}

// BindingWriter はIDとIPアドレスの紐付けを保存する。
type BindingWriter interface {
	Upsert(ctx context.Context, binding *model.IdentityBinding) error
}

// OutcomeDepositor はインタラクション側に渡す結果を格納する。
type OutcomeDepositor interface {
	Deposit(handle string, outcome coord.Outcome)
}

// Deps はOrchestratorの依存。
type Deps struct {
	Sessions   SessionConsumer
	Identities auth.IdentityExchanger
	Engine     Evaluator
	Attempts   repository.AttemptRepository
	Bindings   BindingWriter
	Webhooks   webhook.Sender
	Outcomes   OutcomeDepositor
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger

	// Timeout は1回のコールバック処理の上限時間。0の場合はDefaultTimeout。
	Timeout time.Duration
}

// DefaultTimeout はコールバック処理の上限時間のデフォルト値。
const DefaultTimeout = 2 * time.Minute

// Orchestrator は認証コールバックを処理する。
type Orchestrator struct {
	Deps

	now func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		Deps:     deps,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// Handle はコールバックを処理し、表示する結果ページを返す。
// エラーは呼び出し元に返さず、すべて結果ページに変換する。
// ロール付与後の記録と後始末が中断されないよう、処理は呼び出し元のキャンセルから切り離し、
// Timeoutで上限を設けて実行する。
func (o *Orchestrator) Handle(ctx context.Context, cb Callback) (result Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.Timeout)
	defer cancel()

	start := o.now()
	defer func() {
		o.Metrics.RecordCallbackLatency(o.now().Sub(start))
	}()

	// RECEIVED
	if cb.Code == "" || cb.State == "" {
		return errorPage(PageInvalidRequest, msgInvalidRequest)
	}

	// 同じstateの処理が進行中であれば重複コールバックとして拒否する
	if !o.acquire(cb.State) {
		o.Logger.Warn("duplicate callback rejected", slog.String("state", cb.State))
		return errorPage(PageSessionInvalid, msgSessionInvalid)
	}
	defer o.release(cb.State)

	defer func() {
		if r := recover(); r != nil {
			o.Logger.Error("panic during verification", slog.Any("panic", r))
			o.deleteSession(ctx, cb.State)
			result = errorPage(PageError, msgError)
		}
	}()

	// SESSION_RESOLVED
	session, err := o.Sessions.Consume(ctx, cb.State)
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		return errorPage(PageSessionInvalid, msgSessionInvalid)
	case errors.Is(err, model.ErrSessionExpired):
		o.deleteSession(ctx, cb.State)
		return errorPage(PageSessionExpired, msgSessionExpired)
	case err != nil:
		return o.fail(ctx, cb.State, fmt.Errorf("failed to resolve session: %w", err))
	}

	// IDENTITY_RESOLVED
	identity, err := o.Identities.ExchangeCode(ctx, cb.Code)
	if err != nil {
		o.Metrics.RecordIdentityExchangeFailure()
		return o.fail(ctx, cb.State, err)
	}

	logger := o.Logger.With(
		slog.String("user_id", identity.ID),
		slog.String("guild_id", session.GuildID),
		slog.String("role_id", session.RoleID),
	)

	// ABUSE_CHECKED / ROLE_DECIDED
	decision := o.Engine.Evaluate(ctx, identity.ID, cb.IPAddress, session)

	// RECORDED
	o.record(ctx, identity, cb.IPAddress, session, decision)

	// DONE
	o.Outcomes.Deposit(identity.ID, coord.Outcome{
		Message: interactionContent(decision),
		Success: decision.Allowed(),
	})
	o.deleteSession(ctx, cb.State)
	o.Metrics.RecordOutcome(string(decision.Reason()))

	logger.Info("verification completed",
		slog.String("reason", string(decision.Reason())),
		slog.Bool("success", decision.Allowed()),
	)

	return Result{
		Page:    PageOutcome,
		Reason:  decision.Reason(),
		Success: decision.Allowed(),
		Title:   pageTitle(decision),
		Message: pageMessages[decision.Reason()],
	}
}

// record は監査ログ・Webhook・紐付けを保存する。いずれの失敗も結果には影響しない。
// already_had_roleは監査・通知の対象外。
func (o *Orchestrator) record(ctx context.Context, identity *model.Identity, ipAddress string, session *model.VerificationSession, decision model.Decision) {
	reason := decision.Reason()
	if !reason.Audited() {
		return
	}

	logger := o.Logger.With(slog.String("user_id", identity.ID), slog.String("reason", string(reason)))
	now := o.now()

	if err := o.Attempts.Create(ctx, &model.VerificationAttempt{
		IdentityID: identity.ID,
		IPAddress:  ipAddress,
		GuildID:    session.GuildID,
		RoleID:     session.RoleID,
		Success:    decision.Allowed(),
		Reason:     reason,
		CreatedAt:  now,
	}); err != nil {
		logger.Error("failed to record verification attempt", slog.String("error", err.Error()))
	}

	if session.HasWebhook() {
		o.Webhooks.NotifyVerification(ctx, session.WebhookURL, webhook.Verification{
			User:      fmt.Sprintf("%s (%s)", identity.DisplayName(), identity.ID),
			Detail:    webhookDetail(decision),
			IPAddress: ipAddress,
			Reason:    reason,
			Success:   decision.Allowed(),
			Time:      now,
		})
	}

	if reason == model.ReasonSuccess {
		if err := o.Bindings.Upsert(ctx, &model.IdentityBinding{
			IdentityID: identity.ID,
			GuildID:    session.GuildID,
			RoleID:     session.RoleID,
			IPAddress:  ipAddress,
			VerifiedAt: now,
		}); err != nil {
			logger.Error("failed to save identity binding", slog.String("error", err.Error()))
		}
	}
}

// fail はERROR状態の処理を行う。セッションはベストエフォートで削除し、結果は格納しない。
func (o *Orchestrator) fail(ctx context.Context, state string, err error) Result {
	o.Logger.Error("verification failed", slog.String("error", err.Error()))
	o.deleteSession(ctx, state)
	return errorPage(PageError, msgError)
}

// deleteSession はセッションを削除する。失敗はログに記録するのみ。
func (o *Orchestrator) deleteSession(ctx context.Context, state string) {
	if err := o.Sessions.Delete(ctx, state); err != nil {
		o.Logger.Warn("failed to delete session", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) acquire(state string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[state]; busy {
		return false
	}
	o.inFlight[state] = struct{}{}
	return true
}

func (o *Orchestrator) release(state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, state)
}

func errorPage(page Page, message string) Result {
	return Result{Page: page, Title: titleFailed, Message: message}
}
