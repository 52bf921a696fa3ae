// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/taskman/internal/realtime"
	"github.com/hitoshi/taskman/internal/task"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、サービス層、ワーカーから利用する。
type MetricsCollector interface {
	realtime.Metrics
	task.MutationRecorder
	RecordHTTPStatus(statusCode int)
	RecordCleanup(deleted int, duration time.Duration)
}

var _ MetricsCollector = (*Collector)(nil)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	wsOpened     prometheus.Counter
	wsActive     prometheus.Gauge
	wsIdentities prometheus.Gauge
	wsAuthFail   *prometheus.CounterVec
	wsSent       prometheus.Counter
	wsSendFail   prometheus.Counter
	wsProbes     prometheus.Counter

	taskMutations *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec

	cleanupDeleted prometheus.Counter
	cleanupLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		wsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_ws_connections_opened_total",
			Help: "登録されたWebSocket接続の合計数",
		}),
		wsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskman_ws_connections_active",
			Help: "現在登録されているWebSocket接続数",
		}),
		wsIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskman_ws_identities_active",
			Help: "接続を持つユーザー数",
		}),
		wsAuthFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_ws_auth_failures_total",
			Help: "WebSocketハンドシェイクの認証失敗数",
		}, []string{"reason"}),
		wsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_ws_messages_sent_total",
			Help: "WebSocketで送信したメッセージの合計数",
		}),
		wsSendFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_ws_send_failures_total",
			Help: "WebSocket送信失敗の合計数",
		}),
		wsProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_ws_probes_sent_total",
			Help: "アイドル接続へ送ったpingの合計数",
		}),
		taskMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_task_mutations_total",
			Help: "種別ごとのタスク変更数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		cleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_cleanup_deleted_total",
			Help: "クリーンアップで削除した完了タスクの合計数",
		}),
		cleanupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskman_cleanup_latency_seconds",
			Help:    "クリーンアップ1回あたりの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.wsOpened,
		c.wsActive,
		c.wsIdentities,
		c.wsAuthFail,
		c.wsSent,
		c.wsSendFail,
		c.wsProbes,
		c.taskMutations,
		c.httpStatus,
		c.cleanupDeleted,
		c.cleanupLatency,
	)

	return c
}

// ConnectionOpened は接続の登録を記録する。
func (c *Collector) ConnectionOpened() {
	c.wsOpened.Inc()
	c.wsActive.Inc()
}

// ConnectionClosed は接続の登録解除を記録する。
func (c *Collector) ConnectionClosed() {
	c.wsActive.Dec()
}

// IdentityAdded はユーザーの最初の接続を記録する。
func (c *Collector) IdentityAdded() {
	c.wsIdentities.Inc()
}

// IdentityRemoved はユーザーの最後の接続の解除を記録する。
func (c *Collector) IdentityRemoved() {
	c.wsIdentities.Dec()
}

// AuthFailed はハンドシェイクの認証失敗を理由別に記録する。
func (c *Collector) AuthFailed(reason string) {
	c.wsAuthFail.WithLabelValues(reason).Inc()
}

// MessageSent はWebSocketメッセージの送信を記録する。
func (c *Collector) MessageSent() {
	c.wsSent.Inc()
}

// SendFailed はWebSocket送信失敗を記録する。
func (c *Collector) SendFailed() {
	c.wsSendFail.Inc()
}

// ProbeSent はpingの送信を記録する。
func (c *Collector) ProbeSent() {
	c.wsProbes.Inc()
}

// RecordTaskMutation はタスク変更を種別ごとに記録する。
func (c *Collector) RecordTaskMutation(kind string) {
	c.taskMutations.WithLabelValues(kind).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCleanup はクリーンアップ1回分の削除件数と所要時間を記録する。
func (c *Collector) RecordCleanup(deleted int, duration time.Duration) {
	c.cleanupDeleted.Add(float64(deleted))
	c.cleanupLatency.Observe(duration.Seconds())
}

// Handler はregのスクレイプ用HTTPハンドラーを返す。
// スクレイプ自体のリクエスト数とエンコードエラーもreg上に記録する。
// 一部のメトリクス収集に失敗しても残りは返す。
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      reg,
	}))
}
