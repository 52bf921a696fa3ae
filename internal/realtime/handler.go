package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/task"
)

// TokenVerifier はアクセストークンを検証してsubjectを返す。
type TokenVerifier interface {
	Verify(raw string) (string, bool)
}

// IdentityResolver はsubjectをユーザーに解決する。見つからない場合は(nil, nil)。
type IdentityResolver interface {
	Resolve(ctx context.Context, subject string) (*model.User, error)
}

// SnapshotLoader は接続直後に送るタスク一覧を読み込む。
type SnapshotLoader interface {
	List(ctx context.Context, ownerID string) ([]task.View, error)
}

// HandlerConfig はハンドシェイクと接続の設定。
type HandlerConfig struct {
	Conn      ConnConfig
	Heartbeat HeartbeatConfig
	// AllowedOrigin が空でなければOriginヘッダを照合する。
	AllowedOrigin string
}

// Handler はGET /ws?token=... のハンドシェイクから切断までを担う。
type Handler struct {
	registry *Registry
	tokens   TokenVerifier
	resolver IdentityResolver
	tasks    SnapshotLoader
	upgrader websocket.Upgrader
	cfg      HandlerConfig
	logger   *slog.Logger
	metrics  Metrics

	closing atomic.Bool
	active  sync.WaitGroup
}

// NewHandler はHandlerを生成する。metricsがnilの場合は計測しない。
func NewHandler(
	registry *Registry,
	tokens TokenVerifier,
	resolver IdentityResolver,
	tasks SnapshotLoader,
	cfg HandlerConfig,
	logger *slog.Logger,
	metrics Metrics,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	h := &Handler{
		registry: registry,
		tokens:   tokens,
		resolver: resolver,
		tasks:    tasks,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "realtime")),
		metrics:  metrics,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.AllowedOrigin == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	// ブラウザ以外のクライアントはOriginを送らない
	return origin == "" || origin == h.cfg.AllowedOrigin
}

// ServeHTTP は接続を無条件にアップグレードしてから認証する。
// 認証に失敗した接続はerrorメッセージを受け取り1008でクローズされ、登録されない。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.active.Add(1)
	defer h.active.Done()

	// 1. アップグレード
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	if h.closing.Load() {
		h.closeRaw(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}

	// 2. 認証
	user, reason, message := h.authenticate(r.Context(), r.URL.Query().Get("token"))
	if user == nil {
		h.reject(ws, reason, message)
		return
	}

	// 3. 登録
	c := newConn(ws, h.cfg.Conn, h.logger.With(slog.String("user_id", user.ID)), h.metrics)
	go c.writeLoop()
	go c.readLoop()

	if err := h.registry.Register(user.ID, c); err != nil {
		h.logger.Error("websocket registration failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		c.Close(websocket.CloseInternalServerErr, "registration failed")
		<-c.writerDone
		return
	}

	// 最初の確認の後にShutdownのCloseAllが走っていれば、この接続は閉じられていない
	if h.closing.Load() {
		h.registry.Deregister(user.ID, c)
		c.Close(websocket.CloseGoingAway, "server shutting down")
		<-c.writerDone
		return
	}

	// 4. 初期スナップショットを最初のメッセージとして送る
	if err := h.sendSnapshot(r.Context(), c, user.ID); err != nil {
		h.logger.Error("failed to load initial tasks",
			slog.String("user_id", user.ID),
			slog.String("conn_id", c.id),
			slog.String("error", err.Error()),
		)
		h.registry.Deregister(user.ID, c)
		c.Close(websocket.CloseInternalServerErr, "initial tasks unavailable")
		<-c.writerDone
		return
	}

	// 5. キープアライブ
	result := runHeartbeat(c, h.cfg.Heartbeat)

	// 6. 登録解除してクローズ
	h.registry.Deregister(user.ID, c)
	c.Close(result.code, result.reason)
	<-c.writerDone
}

// authenticate はトークンを検証してユーザーを解決する。
// 失敗時はユーザーnilと、計測用の理由とクライアント向けメッセージを返す。
func (h *Handler) authenticate(ctx context.Context, token string) (*model.User, string, string) {
	if token == "" {
		return nil, ReasonMissingToken, msgTokenRequired
	}

	subject, ok := h.tokens.Verify(token)
	if !ok {
		return nil, ReasonInvalidToken, msgInvalidToken
	}

	user, err := h.resolver.Resolve(ctx, subject)
	if err != nil {
		h.logger.Error("failed to resolve websocket identity", slog.String("error", err.Error()))
		return nil, ReasonResolverError, msgAuthFailed
	}
	if user == nil {
		return nil, ReasonUnknownUser, msgUserNotFound
	}
	return user, "", ""
}

func (h *Handler) sendSnapshot(ctx context.Context, c *Conn, userID string) error {
	views, err := h.tasks.List(ctx, userID)
	if err != nil {
		return err
	}
	msg, err := encodeInitialTasks(views)
	if err != nil {
		return err
	}
	c.prime(msg)
	return nil
}

// reject は登録前の接続にerrorメッセージを送り、1008でクローズする。
func (h *Handler) reject(ws *websocket.Conn, reason, message string) {
	h.metrics.AuthFailed(reason)
	h.logger.Info("websocket authentication failed", slog.String("reason", reason))

	if payload, err := encodeError(message); err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(h.closeWait()))
		_ = ws.WriteMessage(websocket.TextMessage, payload)
	}
	h.closeRaw(ws, websocket.ClosePolicyViolation, message)
}

// closeRaw はwriteLoopを持たない接続をクローズする。
func (h *Handler) closeRaw(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.closeWait()))
	_ = ws.Close()
}

func (h *Handler) closeWait() time.Duration {
	if h.cfg.Conn.WriteTimeout > 0 {
		return h.cfg.Conn.WriteTimeout
	}
	return defaultCloseWait
}

// Shutdown は新規接続を拒否し、全接続を1001でクローズして終了を待つ。
func (h *Handler) Shutdown(ctx context.Context) error {
	h.closing.Store(true)
	closed := h.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	h.logger.Info("closing websocket connections", slog.Int("connections", closed))

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
