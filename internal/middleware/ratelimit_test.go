package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// --- ヘルパー ---

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(path, ip string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	ctx := context.WithValue(req.Context(), clientIPContextKey, ip)
	return req.WithContext(ctx)
}

func testRateConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     PerWindow(100, 15*time.Minute),
		GeneralBurst:    3,
		VerifyRate:      PerWindow(5, 5*time.Minute),
		VerifyBurst:     2,
		CleanupInterval: time.Minute,
	}
}

// --- GeneralMiddleware ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("/health", "203.0.113.7"))
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()

	handlerCalls := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, requestFrom("/health", "203.0.113.7"))
	}

	if last.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", last.Result().StatusCode, http.StatusTooManyRequests)
	}
	if handlerCalls != 3 {
		t.Errorf("handler calls = %d, want 3", handlerCalls)
	}

	// 100件/15分 → 1件あたり9秒
	retryAfter, err := strconv.Atoi(last.Result().Header.Get("Retry-After"))
	if err != nil || retryAfter != 9 {
		t.Errorf("Retry-After = %q, want 9", last.Result().Header.Get("Retry-After"))
	}
}

func TestRateLimitMiddleware_IsolatesClientIPs(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), requestFrom("/health", "203.0.113.7"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("/health", "198.51.100.1"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("other IP status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount() = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestRateLimitMiddleware_FallsBackToRemoteAddr(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.10:53211"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if _, ok := rl.general.limiters["192.0.2.10"]; !ok {
		t.Error("limiter should be keyed by the remote host without port")
	}
}

// --- VerifyMiddleware ---

func TestVerifyRateLimit_Returns429WithMessage(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()

	handler := rl.VerifyMiddleware()(okHandler())

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, requestFrom("/verify", "203.0.113.7"))
	}

	resp := last.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["code"] != "rate_limit_exceeded" {
		t.Errorf("code = %q, want rate_limit_exceeded", body["code"])
	}
	if body["message"] != msgVerifyLimited {
		t.Errorf("message = %q", body["message"])
	}
}

func TestVerifyRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testRateConfig())
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	verify := rl.VerifyMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		verify.ServeHTTP(httptest.NewRecorder(), requestFrom("/verify", "203.0.113.7"))
	}

	w := httptest.NewRecorder()
	general.ServeHTTP(w, requestFrom("/health", "203.0.113.7"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("general status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if rl.VerifyLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("counts = %d/%d, want 1/1", rl.VerifyLimiterCount(), rl.GeneralLimiterCount())
	}
}

// --- クリーンアップ ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateConfig()
	cfg.CleanupInterval = 50 * time.Millisecond

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFrom("/health", "203.0.113.7"))
	rl.VerifyMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFrom("/verify", "203.0.113.7"))

	if rl.GeneralLimiterCount() == 0 || rl.VerifyLimiterCount() == 0 {
		t.Fatal("expected limiter entries")
	}

	// TTLはクリーンアップ間隔の2倍（100ms）
	time.Sleep(300 * time.Millisecond)

	if rl.GeneralLimiterCount() != 0 || rl.VerifyLimiterCount() != 0 {
		t.Errorf("counts after cleanup = %d/%d, want 0/0", rl.GeneralLimiterCount(), rl.VerifyLimiterCount())
	}
}

// --- 設定 ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralBurst != 100 {
		t.Errorf("GeneralBurst = %d, want 100", cfg.GeneralBurst)
	}
	if cfg.VerifyBurst != 5 {
		t.Errorf("VerifyBurst = %d, want 5", cfg.VerifyBurst)
	}
	if want := rate.Limit(100.0 / 900.0); cfg.GeneralRate != want {
		t.Errorf("GeneralRate = %v, want %v", cfg.GeneralRate, want)
	}
	if want := rate.Limit(5.0 / 300.0); cfg.VerifyRate != want {
		t.Errorf("VerifyRate = %v, want %v", cfg.VerifyRate, want)
	}
}

func TestPerWindow_InvalidInputIsUnlimited(t *testing.T) {
	if got := PerWindow(0, time.Minute); got != rate.Inf {
		t.Errorf("PerWindow(0) = %v, want Inf", got)
	}
	if got := PerWindow(5, 0); got != rate.Inf {
		t.Errorf("PerWindow(window=0) = %v, want Inf", got)
	}
}
