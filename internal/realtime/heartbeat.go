package realtime

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const defaultIdleTimeout = 30 * time.Second

// HeartbeatConfig はキープアライブの設定。
type HeartbeatConfig struct {
	// IdleTimeout は受信がない状態でプローブを送るまでの時間。
	IdleTimeout time.Duration
	// MaxMissedProbes は応答のないプローブが何回続いたら切断するか。0は切断しない。
	MaxMissedProbes int
}

// heartbeatResult はモニタ終了時に接続へ適用するクローズ内容。
type heartbeatResult struct {
	code   int
	reason string
}

// runHeartbeat は接続の生存監視を行い、終了理由を返す。
// アイドル時はテキストの"ping"を送り、"ping"を受けたら"pong"を返す。
// バイナリフレームはプロトコル違反として1003で終了する。
func runHeartbeat(c *Conn, cfg HeartbeatConfig) heartbeatResult {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	timer := time.NewTimer(idle)
	defer timer.Stop()
	missed := 0

	for {
		select {
		case <-c.done:
			return heartbeatResult{code: websocket.CloseNormalClosure}

		case f, ok := <-c.inbound:
			if !ok {
				// 読み込みエラーまたはクローズフレーム
				return heartbeatResult{code: websocket.CloseNormalClosure}
			}
			missed = 0
			timer.Reset(idle)

			if f.kind == websocket.BinaryMessage {
				c.logger.Warn("unexpected binary frame, closing connection",
					slog.Int("size", len(f.data)),
				)
				return heartbeatResult{code: websocket.CloseUnsupportedData, reason: "binary frames are not supported"}
			}
			if string(f.data) == probePing {
				if err := c.enqueue(websocket.TextMessage, []byte(probePong)); err != nil {
					c.logger.Debug("failed to enqueue pong", slog.String("error", err.Error()))
				}
			}

		case <-timer.C:
			if cfg.MaxMissedProbes > 0 && missed >= cfg.MaxMissedProbes {
				c.logger.Info("peer unresponsive, closing connection",
					slog.Int("missed_probes", missed),
				)
				return heartbeatResult{code: websocket.CloseNormalClosure, reason: "peer unresponsive"}
			}
			if err := c.enqueue(websocket.TextMessage, []byte(probePing)); err != nil {
				c.logger.Debug("failed to enqueue ping", slog.String("error", err.Error()))
			} else {
				c.metrics.ProbeSent()
			}
			missed++
			timer.Reset(idle)
		}
	}
}
