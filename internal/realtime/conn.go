// Package realtime はWebSocket接続の認証、登録、キープアライブ、
// タスク変更のファンアウト配信を提供する。
package realtime

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrConnClosed は登録解除済み、またはクローズ済みの接続への操作を表す。
	ErrConnClosed = errors.New("realtime: connection closed")
	// ErrSendBufferFull は送信バッファが満杯で配信できなかったことを表す。
	ErrSendBufferFull = errors.New("realtime: send buffer full")
	// ErrAlreadyRegistered は別のアイデンティティに登録済みの接続を表す。
	ErrAlreadyRegistered = errors.New("realtime: connection registered under another identity")
)

// 接続の状態。deregisteredは終端。
const (
	stateUnauthenticated int32 = iota
	stateRegistered
	stateDeregistered
)

const defaultCloseWait = time.Second

// transport は*websocket.Connのうち接続が使用するメソッド。
type transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

var _ transport = (*websocket.Conn)(nil)

type frame struct {
	kind int
	data []byte
}

// ConnConfig は接続ごとの送受信設定。
type ConnConfig struct {
	SendBuffer     int           // 送信キューの容量
	WriteTimeout   time.Duration // 1フレームの書き込み期限
	MaxMessageSize int64         // 受信フレームの最大サイズ（0は無制限）
}

// Conn は1本のWebSocket接続を表す。
// 書き込みはwriteLoopだけが行い、読み込みはreadLoopだけが行う。
type Conn struct {
	id string
	ws transport

	send    chan frame
	first   chan []byte
	inbound chan frame

	state       atomic.Int32
	closeOnce   sync.Once
	done        chan struct{}
	writerDone  chan struct{}
	closeCode   int
	closeReason string

	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      Metrics
}

func newConn(ws transport, cfg ConnConfig, logger *slog.Logger, metrics Metrics) *Conn {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.New().String()
	return &Conn{
		id:           id,
		ws:           ws,
		send:         make(chan frame, cfg.SendBuffer),
		first:        make(chan []byte, 1),
		inbound:      make(chan frame),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.With(slog.String("conn_id", id)),
		metrics:      metrics,
	}
}

// ID は接続IDを返す。
func (c *Conn) ID() string { return c.id }

// Done は接続がクローズされたときに閉じられるチャネルを返す。
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close はcodeとreasonを記録して接続の終了を開始する。
// 2回目以降の呼び出しは何もしない。最初のcodeがクライアントへ送られる。
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue は送信キューへフレームをブロックせずに積む。
func (c *Conn) enqueue(kind int, data []byte) error {
	if c.closed() {
		return ErrConnClosed
	}
	select {
	case c.send <- frame{kind: kind, data: data}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// prime は最初に送るメッセージを設定する。
// writeLoopはこれを送るまで送信キューを読まない。
func (c *Conn) prime(msg []byte) {
	select {
	case c.first <- msg:
	default:
	}
}

// writeLoop はソケットへの唯一の書き込み手となる。
func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	defer c.finish()

	// 1. 初期スナップショットを必ず最初に送る
	select {
	case msg := <-c.first:
		if err := c.write(websocket.TextMessage, msg); err != nil {
			c.writeFailed(err)
			return
		}
	case <-c.done:
		return
	}

	// 2. 送信キューをFIFOで流す
	for {
		select {
		case f := <-c.send:
			if err := c.write(f.kind, f.data); err != nil {
				c.writeFailed(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(kind int, data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	if err := c.ws.WriteMessage(kind, data); err != nil {
		return err
	}
	c.metrics.MessageSent()
	return nil
}

func (c *Conn) writeFailed(err error) {
	c.metrics.SendFailed()
	c.logger.Warn("websocket write failed", slog.String("error", err.Error()))
	c.Close(websocket.CloseAbnormalClosure, "")
}

// finish はクローズフレームを送ってソケットを閉じる。
func (c *Conn) finish() {
	<-c.done

	wait := c.writeTimeout
	if wait <= 0 {
		wait = defaultCloseWait
	}
	// 1006はワイヤに載せられないコードなのでクローズフレームを省略する
	if c.closeCode != websocket.CloseAbnormalClosure {
		msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait))
	}
	_ = c.ws.Close()
}

// readLoop は受信フレームをinboundへ渡す。読み込みエラーでinboundを閉じる。
func (c *Conn) readLoop() {
	defer close(c.inbound)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				c.logger.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}
		select {
		case c.inbound <- frame{kind: kind, data: data}:
		case <-c.done:
			return
		}
	}
}
