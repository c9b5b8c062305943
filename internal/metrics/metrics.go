// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リモートクライアント、セッションストア、同期エンジンから利用する。
type MetricsCollector interface {
	RecordRemoteRequest(endpoint string, statusCode int, duration time.Duration)
	RecordSessionTransition(reason string)
	RecordSessionRefresh(result string)
	RecordRealtimeReconnect()
	RecordRealtimeEvent(operation string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	remoteRequests     *prometheus.CounterVec
	remoteLatency      prometheus.Histogram
	sessionTransitions *prometheus.CounterVec
	sessionRefresh     *prometheus.CounterVec
	realtimeReconnects prometheus.Counter
	realtimeEvents     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoshell_remote_requests_total",
			Help: "リモートサービスへのリクエスト数（エンドポイント・ステータス別）",
		}, []string{"endpoint", "status"}),
		remoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "todoshell_remote_latency_seconds",
			Help:    "リモートサービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoshell_session_transitions_total",
			Help: "セッション状態遷移の回数（理由別）",
		}, []string{"reason"}),
		sessionRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoshell_session_refresh_total",
			Help: "トークンリフレッシュの回数（結果別）",
		}, []string{"result"}),
		realtimeReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "todoshell_realtime_reconnects_total",
			Help: "リアルタイムチャネルの再接続試行回数",
		}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoshell_realtime_events_total",
			Help: "受信した変更通知の数（操作別）",
		}, []string{"operation"}),
	}

	reg.MustRegister(
		c.remoteRequests,
		c.remoteLatency,
		c.sessionTransitions,
		c.sessionRefresh,
		c.realtimeReconnects,
		c.realtimeEvents,
	)

	return c
}

// RecordRemoteRequest はリモート呼び出しの結果とレイテンシを記録する。
// 通信エラーでステータスが得られない場合はstatusCode=0として記録する。
func (c *Collector) RecordRemoteRequest(endpoint string, statusCode int, duration time.Duration) {
	c.remoteRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.remoteLatency.Observe(duration.Seconds())
}

// RecordSessionTransition はセッション状態遷移を記録する。
func (c *Collector) RecordSessionTransition(reason string) {
	c.sessionTransitions.WithLabelValues(reason).Inc()
}

// RecordSessionRefresh はトークンリフレッシュの結果（success / failure）を記録する。
func (c *Collector) RecordSessionRefresh(result string) {
	c.sessionRefresh.WithLabelValues(result).Inc()
}

// RecordRealtimeReconnect は再接続試行を記録する。
func (c *Collector) RecordRealtimeReconnect() {
	c.realtimeReconnects.Inc()
}

// RecordRealtimeEvent は受信した変更通知を記録する。
func (c *Collector) RecordRealtimeEvent(operation string) {
	c.realtimeEvents.WithLabelValues(operation).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時の既定値として使う。
type Nop struct{}

func (Nop) RecordRemoteRequest(string, int, time.Duration) {}
func (Nop) RecordSessionTransition(string)                 {}
func (Nop) RecordSessionRefresh(string)                    {}
func (Nop) RecordRealtimeReconnect()                       {}
func (Nop) RecordRealtimeEvent(string)                     {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
