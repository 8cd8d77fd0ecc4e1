package coord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/guildgate/internal/metrics"
)

const (
	// DefaultInterval は結果を確認する間隔。
	DefaultInterval = 2 * time.Second
	// DefaultTimeout は結果を待つ上限時間。
	DefaultTimeout = 300 * time.Second
)

// Acknowledgment は結果の到着時に更新されるインタラクション側の応答。
type Acknowledgment interface {
	Finalize(ctx context.Context, content string) error
}

// Config はCoordinatorの設定。
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

type watch struct {
	ack     Acknowledgment
	started time.Time
}

// Coordinator はハンドルごとのインタラクション応答を登録し、
// 共有のティックで全ハンドルの結果を確認する。
// 登録エントリは結果の受け渡しかタイムアウトのどちらかで必ず削除される。
type Coordinator struct {
	mu       sync.Mutex
	watches  map[string]watch
	mailbox  *Mailbox
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewCoordinator はCoordinatorを生成する。
func NewCoordinator(cfg Config, collector metrics.MetricsCollector, logger *slog.Logger) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Coordinator{
		watches:  make(map[string]watch),
		mailbox:  NewMailbox(cfg.Timeout),
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		now:      time.Now,
		metrics:  collector,
		logger:   logger,
	}
}

// Watch はハンドルのインタラクション応答を登録する。
// 同じハンドルが既に登録されている場合は新しい応答で置き換え、待ち時間もリセットする。
func (c *Coordinator) Watch(handle string, ack Acknowledgment) {
	c.mu.Lock()
	c.watches[handle] = watch{ack: ack, started: c.now()}
	n := len(c.watches)
	c.mu.Unlock()

	c.metrics.SetPendingWatches(n)
}

// Deposit はコールバックの結果をハンドル宛てに格納する。
func (c *Coordinator) Deposit(handle string, outcome Outcome) {
	c.mailbox.Deposit(handle, outcome)
}

// Pending は結果待ちのハンドル数を返す。
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watches)
}

// Run はコンテキストがキャンセルされるまで一定間隔でtickを実行する。
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("coordinator started",
		slog.Duration("interval", c.interval),
		slog.Duration("timeout", c.timeout),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

type delivery struct {
	handle  string
	ack     Acknowledgment
	outcome Outcome
}

// tick は全ハンドルの結果を確認する。
// 結果が届いたハンドルは応答を確定して登録を削除し、
// タイムアウトしたハンドルは応答を破棄する。
func (c *Coordinator) tick(ctx context.Context) {
	now := c.now()
	var ready []delivery

	c.mu.Lock()
	for handle, w := range c.watches {
		if outcome, ok := c.mailbox.TryTake(handle); ok {
			ready = append(ready, delivery{handle: handle, ack: w.ack, outcome: outcome})
			delete(c.watches, handle)
			continue
		}
		if now.Sub(w.started) >= c.timeout {
			delete(c.watches, handle)
			c.logger.Info("verification watch timed out", slog.String("user_id", handle))
		}
	}
	n := len(c.watches)
	c.mu.Unlock()

	c.metrics.SetPendingWatches(n)

	// 応答の確定はDiscord APIを呼ぶためロックの外で行う
	for _, d := range ready {
		if err := d.ack.Finalize(ctx, d.outcome.Message); err != nil {
			c.logger.Warn("failed to finalize interaction",
				slog.String("user_id", d.handle),
				slog.String("error", err.Error()),
			)
		}
	}

	if removed := c.mailbox.Sweep(); removed > 0 {
		c.logger.Info("discarded unclaimed outcomes", slog.Int("count", removed))
	}
}
