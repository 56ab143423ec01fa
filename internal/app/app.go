package app

import (
	"context"
	"database/sql"
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

	"github.com/hitoshi/quizpass/internal/auth"
	"github.com/hitoshi/quizpass/internal/config"
	"github.com/hitoshi/quizpass/internal/database"
	"github.com/hitoshi/quizpass/internal/handler"
	"github.com/hitoshi/quizpass/internal/logger"
	"github.com/hitoshi/quizpass/internal/metrics"
	"github.com/hitoshi/quizpass/internal/middleware"
	"github.com/hitoshi/quizpass/internal/notification"
	"github.com/hitoshi/quizpass/internal/payment"
	"github.com/hitoshi/quizpass/internal/provider"
	"github.com/hitoshi/quizpass/internal/repository"
	"github.com/hitoshi/quizpass/internal/security"
	"github.com/hitoshi/quizpass/internal/worker/cleanup"
	"github.com/hitoshi/quizpass/internal/worker/outbox"
)

// cleanupInterval は送信済みアウトボックスの削除ジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

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

	// 3. 設定に従ってログレベルを変更する
	logger.SetLevel(cfg.LogLevel)

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
			port = "8080"
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
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newAPIHandler はAPIサーバーの全依存関係をワイヤリングし、ルーターを返す。
// 戻り値のstop関数はレートリミッターのバックグラウンド処理を停止する。
func newAPIHandler(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (http.Handler, func(), error) {
	log := slog.Default()
	collector := metrics.NewCollector(reg)

	// 1. リポジトリの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)
	paymentRepo := repository.NewPostgresPaymentRepo(db)

	// 2. 決済代行サービスのクライアント
	guard := security.NewOutboundGuard()
	if err := guard.ValidateEndpoint(cfg.ProviderBaseURL); err != nil {
		return nil, nil, fmt.Errorf("invalid provider base url: %w", err)
	}
	providerClient := provider.NewClient(provider.Config{
		BaseURL:   cfg.ProviderBaseURL,
		APIKey:    cfg.ProviderAPIKey,
		SiteID:    cfg.ProviderSiteID,
		Currency:  cfg.ProviderCurrency,
		NotifyURL: cfg.NotifyURL(),
		ReturnURL: cfg.ReturnURL(),
	}, guard.NewSafeClient(cfg.ProviderTimeout), log, collector)

	// 3. ドメインサービスの初期化
	paymentService := payment.NewService(
		paymentRepo,
		providerClient,
		provider.NewCatalogue(cfg.MerchantNumbers),
		log,
		collector,
		payment.Config{
			Currency:       cfg.ProviderCurrency,
			AccessDuration: cfg.AccessDuration,
		},
	)

	tokens := auth.NewTokenIssuer(cfg.UserJWTSecret, cfg.AdminJWTSecret, cfg.UserTokenTTL, cfg.AdminTokenTTL)
	authService, err := auth.NewService(accountRepo, tokens, collector, auth.ServiceConfig{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitPublic),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            log,
		Metrics:           collector,
		MetricsGatherer:   reg,
		HealthChecker:     db,

		AuthService:    authService,
		PaymentService: paymentService,
	})

	return router, rateLimiter.Stop, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "quizpass"),
	)

	router, stopLimiter, err := newAPIHandler(cfg, db, reg)
	if err != nil {
		return err
	}
	defer stopLimiter()

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// 決済代行サービスへの問い合わせを含むため、そのタイムアウトより長くする
		WriteTimeout: cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newMailSender はSMTPが設定されていればSMTP送信を、未設定ならログ出力のみの送信を返す。
func newMailSender(cfg *config.Config, log *slog.Logger) (notification.Sender, error) {
	if !cfg.MailEnabled() {
		log.Warn("SMTP_HOSTが未設定のため、アクセスコード通知メールはログ出力のみになります")
		return notification.NewLogSender(log), nil
	}
	return notification.NewSMTPSender(notification.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
		Timeout:  cfg.SMTPTimeout,
	})
}

// newOutboxJob はアウトボックス配信ジョブを構成する。
func newOutboxJob(cfg *config.Config, db *sql.DB, sender notification.Sender, log *slog.Logger, collector metrics.MetricsCollector) *outbox.Job {
	dispatcher := notification.NewDispatcher(sender, security.NewEmailSanitizer())

	job := outbox.NewJob(repository.NewPostgresOutboxRepo(db), dispatcher, log, collector)
	if cfg.OutboxBatchSize > 0 {
		job.BatchSize = cfg.OutboxBatchSize
	}
	if cfg.OutboxMaxAttempts > 0 {
		job.MaxAttempts = cfg.OutboxMaxAttempts
	}
	return job
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、アウトボックス配信ジョブとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()

	sender, err := newMailSender(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create mail sender: %w", err)
	}

	// ワーカーは/metricsを公開しない
	outboxJob := newOutboxJob(cfg, db, sender, log, metrics.Nop{})
	cleanupJob := cleanup.NewCleanupJob(db, log, cfg.OutboxRetentionDays)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("outbox_interval", cfg.OutboxInterval),
		slog.Int("batch_size", outboxJob.BatchSize),
		slog.Int("max_attempts", outboxJob.MaxAttempts),
		slog.Bool("smtp_enabled", cfg.MailEnabled()),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.Start(ctx, cleanupInterval)

	// アウトボックス配信ジョブをメインgoroutineで実行（ブロッキング）
	outboxJob.Start(ctx, cfg.OutboxInterval)

	slog.Info("worker stopped gracefully")
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
