package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gatherFamily はレジストリから指定名のメトリクスファミリーを取得する。
func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labeledValue はラベル値ごとのカウンタ値を返す。
func labeledValue(mf *dto.MetricFamily, labelValue string) (float64, bool) {
	for _, m := range mf.GetMetric() {
		if len(m.GetLabel()) > 0 && m.GetLabel()[0].GetValue() == labelValue {
			return m.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestConnectionGauges_TrackOpenAndClose は接続数とユーザー数のゲージが増減することを検証する。
func TestConnectionGauges_TrackOpenAndClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.IdentityAdded()
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	active := gatherFamily(t, reg, "taskman_ws_connections_active").GetMetric()[0].GetGauge().GetValue()
	if active != 1 {
		t.Errorf("ws_connections_active = %v, want 1", active)
	}
	opened := gatherFamily(t, reg, "taskman_ws_connections_opened_total").GetMetric()[0].GetCounter().GetValue()
	if opened != 2 {
		t.Errorf("ws_connections_opened_total = %v, want 2", opened)
	}

	c.IdentityRemoved()
	identities := gatherFamily(t, reg, "taskman_ws_identities_active").GetMetric()[0].GetGauge().GetValue()
	if identities != 0 {
		t.Errorf("ws_identities = %v, want 0", identities)
	}
}

// TestAuthFailed_CountsByReason は認証失敗が理由別に記録されることを検証する。
func TestAuthFailed_CountsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.AuthFailed("invalid_token")
	c.AuthFailed("invalid_token")
	c.AuthFailed("missing_token")

	mf := gatherFamily(t, reg, "taskman_ws_auth_failures_total")
	if v, ok := labeledValue(mf, "invalid_token"); !ok || v != 2 {
		t.Errorf("auth_failures_total{reason=invalid_token} = %v, want 2", v)
	}
	if v, ok := labeledValue(mf, "missing_token"); !ok || v != 1 {
		t.Errorf("auth_failures_total{reason=missing_token} = %v, want 1", v)
	}
}

// TestDeliveryCounters_Increment は送信、送信失敗、pingのカウンタが増加することを検証する。
func TestDeliveryCounters_Increment(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.MessageSent()
	c.MessageSent()
	c.MessageSent()
	c.SendFailed()
	c.ProbeSent()
	c.ProbeSent()

	tests := []struct {
		name string
		want float64
	}{
		{"taskman_ws_messages_sent_total", 3},
		{"taskman_ws_send_failures_total", 1},
		{"taskman_ws_probes_sent_total", 2},
	}
	for _, tt := range tests {
		got := gatherFamily(t, reg, tt.name).GetMetric()[0].GetCounter().GetValue()
		if got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// TestRecordTaskMutation_CountsByKind はタスク変更が種別ごとに記録されることを検証する。
func TestRecordTaskMutation_CountsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTaskMutation("created")
	c.RecordTaskMutation("created")
	c.RecordTaskMutation("deleted")

	mf := gatherFamily(t, reg, "taskman_task_mutations_total")
	if v, _ := labeledValue(mf, "created"); v != 2 {
		t.Errorf("task_mutations_total{kind=created} = %v, want 2", v)
	}
	if v, _ := labeledValue(mf, "deleted"); v != 1 {
		t.Errorf("task_mutations_total{kind=deleted} = %v, want 1", v)
	}
	if _, ok := labeledValue(mf, "updated"); ok {
		t.Error("unexpected series for kind=updated")
	}
}

// TestRecordHTTPStatus_CountsByStatusCode はHTTPステータスコード別カウンタが正しく記録されることを検証する。
func TestRecordHTTPStatus_CountsByStatusCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(404)

	mf := gatherFamily(t, reg, "taskman_http_status_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	if v, _ := labeledValue(mf, "200"); v != 2 {
		t.Errorf("http_status_total{status_code=200} = %v, want 2", v)
	}
	if v, _ := labeledValue(mf, "404"); v != 1 {
		t.Errorf("http_status_total{status_code=404} = %v, want 1", v)
	}
}

// TestRecordCleanup_ObservesCountAndLatency はクリーンアップの件数と所要時間が記録されることを検証する。
func TestRecordCleanup_ObservesCountAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCleanup(10, 100*time.Millisecond)
	c.RecordCleanup(5, 2*time.Second)

	deleted := gatherFamily(t, reg, "taskman_cleanup_deleted_total").GetMetric()[0].GetCounter().GetValue()
	if deleted != 15 {
		t.Errorf("cleanup_deleted_total = %v, want 15", deleted)
	}

	h := gatherFamily(t, reg, "taskman_cleanup_latency_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ConnectionOpened()
	c.AuthFailed("unknown_user")
	c.RecordTaskMutation("updated")
	c.RecordHTTPStatus(200)
	c.RecordCleanup(3, 500*time.Millisecond)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"taskman_ws_connections_active",
		"taskman_ws_auth_failures_total",
		"taskman_task_mutations_total",
		"taskman_http_status_total",
		"taskman_cleanup_latency_seconds",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.MessageSent()
	c2.MessageSent()
	c2.MessageSent()

	val1 := gatherFamily(t, reg1, "taskman_ws_messages_sent_total").GetMetric()[0].GetCounter().GetValue()
	val2 := gatherFamily(t, reg2, "taskman_ws_messages_sent_total").GetMetric()[0].GetCounter().GetValue()

	if val1 != 1 {
		t.Errorf("reg1 messages_sent = %v, want 1", val1)
	}
	if val2 != 2 {
		t.Errorf("reg2 messages_sent = %v, want 2", val2)
	}
}

// TestMetricsHandler_InstrumentsScrapes はスクレイプ回数自体がレジストリに記録されることを検証する。
func TestMetricsHandler_InstrumentsScrapes(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)
	handler := Handler(reg)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("scrape %d status = %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}

	mf := gatherFamily(t, reg, "promhttp_metric_handler_requests_total")
	if got, ok := labeledValue(mf, "200"); !ok || got != 2 {
		t.Errorf("promhttp_metric_handler_requests_total{code=200} = %v, want 2", got)
	}
}
