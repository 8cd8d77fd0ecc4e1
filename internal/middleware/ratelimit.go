package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	msgGeneralLimited = "Too many requests from this ip, please try again later"
	msgVerifyLimited  = "Too many verification attempts, you have been rate limited; Please wait and try again after 4-5 minutes. Please contact support if you continue to have issues."
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 全エンドポイント共通のレート（req/sec）
	GeneralBurst    int           // 全エンドポイント共通のバーストサイズ
	VerifyRate      rate.Limit    // /verify のレート（req/sec）
	VerifyBurst     int           // /verify のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// PerWindow はwindowあたりn件をrate.Limitに換算する。
func PerWindow(n int, window time.Duration) rate.Limit {
	if n <= 0 || window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / window.Seconds())
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 全体 100 req/15min/IP、/verify 5 req/5min/IP
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     PerWindow(100, 15*time.Minute),
		GeneralBurst:    100,
		VerifyRate:      PerWindow(5, 5*time.Minute),
		VerifyBurst:     5,
		CleanupInterval: 5 * time.Minute,
	}
}

// ipLimiter はIPごとのレートリミッターとアクセス時刻を保持する。
type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterPool はIPをキーとするリミッターの集合。
type limiterPool struct {
	mu       sync.RWMutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

func newLimiterPool(r rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*ipLimiter),
		rate:     r,
		burst:    burst,
	}
}

// get はIPのリミッターを取得または作成する。
func (p *limiterPool) get(ip string) *rate.Limiter {
	p.mu.RLock()
	il, exists := p.limiters[ip]
	p.mu.RUnlock()

	if exists {
		p.mu.Lock()
		il.lastAccess = time.Now()
		p.mu.Unlock()
		return il.limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// ダブルチェック
	if il, exists := p.limiters[ip]; exists {
		il.lastAccess = time.Now()
		return il.limiter
	}

	limiter := rate.NewLimiter(p.rate, p.burst)
	p.limiters[ip] = &ipLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

func (p *limiterPool) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.limiters)
}

// evict は最終アクセスからttlを超えたエントリを削除する。
func (p *limiterPool) evict(now time.Time, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ip, il := range p.limiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(p.limiters, ip)
		}
	}
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
// 全体のレート制限と/verify専用のレート制限の2種類を提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterPool
	verify  *limiterPool
	stopCh  chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		general: newLimiterPool(config.GeneralRate, config.GeneralBurst),
		verify:  newLimiterPool(config.VerifyRate, config.VerifyBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware は全エンドポイント共通のレート制限ミドルウェアを返す。
// ClientIPミドルウェアの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, "general", msgGeneralLimited)
}

// VerifyMiddleware は/verify専用のレート制限ミドルウェアを返す。
// 全体のレート制限とは独立に動作する。
func (rl *RateLimiter) VerifyMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.verify, "verify", msgVerifyLimited)
}

func (rl *RateLimiter) middleware(pool *limiterPool, limitType, message string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := requestIP(r)

			if !pool.get(ip).Allow() {
				writeRateLimitResponse(w, pool.rate, message)
				slog.Warn("rate limit exceeded",
					slog.String("ip_address", ip),
					slog.String("limit_type", limitType),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されている全体リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// VerifyLimiterCount は現在管理されている/verifyリミッターのエントリ数を返す。
func (rl *RateLimiter) VerifyLimiterCount() int {
	return rl.verify.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
// 削除されたIPは次のリクエストで満杯のバケットから再開する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.general.evict(now, ttl)
	rl.verify.evict(now, ttl)
}

// requestIP はコンテキストのクライアントIPを返す。
// 未設定の場合は接続元アドレスを使う。
func requestIP(r *http.Request) string {
	if ip, ok := ClientIPFromContext(r.Context()); ok {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit, message string) {
	retryAfterSec := 1
	if r > 0 && r != rate.Inf {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":    "rate_limit_exceeded",
		"message": message,
	})
}
