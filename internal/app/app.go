// Package app はアプリケーションの初期化と起動モードの切り替えを行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/guildgate/internal/antiabuse"
	"github.com/hitoshi/guildgate/internal/auth"
	"github.com/hitoshi/guildgate/internal/config"
	"github.com/hitoshi/guildgate/internal/coord"
	"github.com/hitoshi/guildgate/internal/database"
	"github.com/hitoshi/guildgate/internal/discord"
	"github.com/hitoshi/guildgate/internal/guild"
	"github.com/hitoshi/guildgate/internal/handler"
	"github.com/hitoshi/guildgate/internal/logger"
	"github.com/hitoshi/guildgate/internal/metrics"
	"github.com/hitoshi/guildgate/internal/middleware"
	"github.com/hitoshi/guildgate/internal/reputation"
	"github.com/hitoshi/guildgate/internal/repository"
	"github.com/hitoshi/guildgate/internal/security"
	"github.com/hitoshi/guildgate/internal/session"
	"github.com/hitoshi/guildgate/internal/verify"
	"github.com/hitoshi/guildgate/internal/webhook"
	"github.com/hitoshi/guildgate/internal/worker/cleanup"
)

const dbConnectTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "3000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はボットとHTTPサーバーを起動する。
// DB接続に失敗した場合は起動を中止する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続（起動時の失敗は致命的）
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig(), dbConnectTimeout)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	bindingRepo := repository.NewPostgresBindingRepo(db)
	attemptRepo := repository.NewPostgresAttemptRepo(db)

	// 3. セッションストア（起動時に期限切れセッションを削除）
	store := session.NewStore(sessionRepo, cleanup.NewSessionSweeper(db, slog.Default()), session.Config{TTL: cfg.SessionTTL})
	store.SweepExpired(ctx)

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 5. Discordセッション
	dg, err := discord.NewSession(cfg.DiscordBotToken)
	if err != nil {
		return err
	}

	// 6. 外部サービスクライアント
	webhookGuard := security.NewWebhookGuard()
	notifier := webhook.NewNotifier(webhookGuard.NewSafeClient(cfg.HTTPTimeout), collector, slog.Default())
	reputationClient := reputation.NewClient(&http.Client{Timeout: cfg.HTTPTimeout}, slog.Default(), cfg.IPAPIKey)
	oauthProvider := auth.NewDiscordOAuthProvider(auth.DiscordOAuthConfig{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURL:  cfg.RedirectURL(),
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout},
	})

	// 7. ドメインサービスの初期化
	roles := guild.NewRoleGranter(dg, slog.Default())
	engine := antiabuse.NewEngine(reputationClient, bindingRepo, roles, collector, slog.Default())
	coordinator := coord.NewCoordinator(coord.Config{
		Interval: cfg.PollInterval,
		Timeout:  cfg.PollTimeout,
	}, collector, slog.Default())

	orchestrator := verify.NewOrchestrator(verify.Deps{
		Sessions:   store,
		Identities: oauthProvider,
		Engine:     engine,
		Attempts:   attemptRepo,
		Bindings:   bindingRepo,
		Webhooks:   notifier,
		Outcomes:   coordinator,
		Metrics:    collector,
		Logger:     slog.Default(),
	})

	// 8. Discordボット
	interactions := discord.NewInteractionHandler(discord.HandlerDeps{
		API:         dg,
		Sessions:    store,
		Authorizer:  oauthProvider,
		Watcher:     coordinator,
		Webhooks:    notifier,
		Validator:   webhookGuard,
		Sanitizer:   security.NewTextSanitizer(),
		AdminRoleID: cfg.AdminRoleID,
		Logger:      slog.Default(),
	})
	bot := discord.NewBot(dg, interactions, cfg.DiscordClientID, cfg.GuildID, slog.Default())

	// 9. ルーターの構築
	resolver, err := security.NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("failed to configure trusted proxies: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     middleware.PerWindow(cfg.RateLimitGeneral, cfg.RateLimitGeneralWindow),
		GeneralBurst:    cfg.RateLimitGeneral,
		VerifyRate:      middleware.PerWindow(cfg.RateLimitVerify, cfg.RateLimitVerifyWindow),
		VerifyBurst:     cfg.RateLimitVerify,
		CleanupInterval: 5 * time.Minute,
	})
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		ClientIPResolver:  resolver,
		CORSAllowedOrigin: cfg.BaseURL,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Processor:         orchestrator,
		HealthChecker:     db,
	})

	// 10. 起動
	go coordinator.Run(ctx)

	if err := bot.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := bot.Close(); err != nil {
			slog.Warn("failed to close discord session", slog.String("error", err.Error()))
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// メトリクスは公開ポートとは別の内部リスナーで提供する
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           handler.NewMetricsRouter(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 2)
	go func() {
		slog.Info("web server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("metrics: %w", err)
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
