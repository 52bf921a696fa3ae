package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/netutil"

	"github.com/hitoshi/taskman/internal/auth"
	"github.com/hitoshi/taskman/internal/config"
	"github.com/hitoshi/taskman/internal/database"
	"github.com/hitoshi/taskman/internal/handler"
	"github.com/hitoshi/taskman/internal/logger"
	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/middleware"
	"github.com/hitoshi/taskman/internal/realtime"
	"github.com/hitoshi/taskman/internal/repository"
	"github.com/hitoshi/taskman/internal/security"
	"github.com/hitoshi/taskman/internal/task"
	"github.com/hitoshi/taskman/internal/user"
	"github.com/hitoshi/taskman/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		writeUsage(w)
		return err
	}
	if cmd == CommandHelp {
		writeUsage(w)
		return nil
	}

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
		slog.Bool("redis_enabled", cfg.RedisURL != ""),
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

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established",
		slog.Int("max_open_conns", cfg.DBMaxOpenConns),
	)

	// 2. リポジトリとメトリクスの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	taskRepo := repository.NewPostgresTaskRepo(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. 認証サービスの初期化
	tokens := auth.NewTokenService(cfg.TokenSecret)
	resolver := auth.NewResolver(userRepo)
	authService := auth.NewService(userRepo, tokens, resolver, auth.ServiceConfig{
		AccessTokenTTL: cfg.AccessTokenTTL,
	})

	// 4. リアルタイム通知の初期化
	rtLogger := slog.Default()
	conns := realtime.NewRegistry(rtLogger, collector)

	var bus realtime.Publisher
	if cfg.RedisURL != "" {
		redisBus, closeRedis, err := openRedisBus(cfg, conns, rtLogger)
		if err != nil {
			return err
		}
		defer closeRedis()

		// 購読を確立してから受け付けを始める
		if err := redisBus.Subscribe(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to redis event bus: %w", err)
		}
		go func() {
			if err := redisBus.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("redis event bus stopped, delivering events locally", slog.String("error", err.Error()))
			}
		}()
		bus = redisBus
	}
	notifier := realtime.NewNotifier(conns, bus, rtLogger)

	// 5. ドメインサービスの初期化
	taskService := task.NewService(taskRepo, security.NewTextSanitizer(), notifier)
	taskService.SetMutationRecorder(collector)
	userService := user.NewService(userRepo, conns)

	wsHandler := realtime.NewHandler(conns, tokens, resolver, taskService, realtime.HandlerConfig{
		Conn: realtime.ConnConfig{
			SendBuffer:     cfg.WSSendBuffer,
			WriteTimeout:   cfg.WSWriteTimeout,
			MaxMessageSize: cfg.WSMaxMessageSize,
		},
		Heartbeat: realtime.HeartbeatConfig{
			IdleTimeout:     cfg.WSIdleTimeout,
			MaxMissedProbes: cfg.WSMaxMissedProbes,
		},
		AllowedOrigin: cfg.CORSAllowedOrigin,
	}, rtLogger, collector)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLogin),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		StatusRecorder:    collector,
		HealthChecker:     db,
		AuthService:       authService,
		TaskService:       taskService,
		UserService:       userService,
		RealtimeHandler:   wsHandler,
		MetricsHandler:    metrics.Handler(registry),
	})

	// 7. HTTPサーバーの起動
	// WebSocketは長時間接続のためWriteTimeoutは設定しない（フレーム単位の期限はConnが管理する）
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	ln = netutil.LimitListener(ln, cfg.MaxConnections)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Int("max_connections", cfg.MaxConnections),
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 8. 新規リクエストの受付を止めてから、ハイジャック済みのWebSocketを1001で閉じる
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := wsHandler.Shutdown(shutdownCtx); err != nil {
		slog.Warn("websocket shutdown incomplete", slog.String("error", err.Error()))
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// openRedisBus はREDIS_URLからクライアントを生成し、疎通確認済みのバスを返す。
func openRedisBus(cfg *config.Config, local realtime.Broadcaster, l *slog.Logger) (*realtime.RedisBus, func(), error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	bus, err := realtime.NewRedisBus(client, cfg.RedisChannel, local, l)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	slog.Info("redis event bus connected", slog.String("channel", cfg.RedisChannel))
	return bus, func() { client.Close() }, nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、完了済みタスクのクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	taskRepo := repository.NewPostgresTaskRepo(db)

	// 3. 削除通知の配信先
	// ワーカーは接続を持たないため、Redis未設定時は通知しない
	var notifier task.Notifier
	if cfg.RedisURL != "" {
		rtLogger := slog.Default()
		bus, closeRedis, err := openRedisBus(cfg, nil, rtLogger)
		if err != nil {
			return err
		}
		defer closeRedis()
		notifier = realtime.NewNotifier(nil, bus, rtLogger)
	}

	// 4. クリーンアップジョブの初期化
	collector := metrics.NewCollector(prometheus.NewRegistry())
	cleanupJob := cleanup.NewCleanupJob(taskRepo, notifier, collector, slog.Default())
	cleanupJob.RetentionDays = cfg.TaskRetentionDays

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("task_retention_days", cfg.TaskRetentionDays),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// poolConfig はConfigからコネクションプール設定を取り出す。
func poolConfig(cfg *config.Config) database.PoolConfig {
	return database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}
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

	slog.Info("database migrations completed", slog.Uint64("version", uint64(version)))
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
