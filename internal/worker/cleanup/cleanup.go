// Package cleanup は期限切れの検証セッションを削除するスイープジョブを提供する。
// 定期タイマーではなく、セッション派生の直後や起動時に機会的に実行される。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SessionSweeper は期限切れの検証セッションを削除するジョブ。
// 冪等な削除処理で、削除対象がない場合でもエラーにならない。
type SessionSweeper struct {
	db     Executor
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionSweeper は新しいSessionSweeperを生成する。
func NewSessionSweeper(db Executor, logger *slog.Logger) *SessionSweeper {
	return &SessionSweeper{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Run はexpires_atが現在時刻より前のセッションを削除し、削除件数を返す。
func (j *SessionSweeper) Run(ctx context.Context) (int64, error) {
	start := j.now()

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM verification_sessions WHERE expires_at < $1`,
		start,
	)
	if err != nil {
		j.logger.Error("failed to delete expired sessions",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("failed to get deleted row count",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to get deleted row count: %w", err)
	}

	if deletedCount > 0 {
		j.logger.Info("expired sessions deleted",
			slog.Int64("deleted_count", deletedCount),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}

	return deletedCount, nil
}
