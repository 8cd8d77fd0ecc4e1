// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// レピュテーションチェックの結果ラベル。
const (
	ReputationClean      = "clean"
	ReputationSuspicious = "suspicious"
	ReputationFailed     = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証フローの各コンポーネントから利用する。
type MetricsCollector interface {
	RecordOutcome(reason string)
	RecordReputationCheck(result string)
	RecordIdentityExchangeFailure()
	RecordWebhookFailure()
	RecordCallbackLatency(duration time.Duration)
	SetPendingWatches(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	outcomes         *prometheus.CounterVec
	reputationChecks *prometheus.CounterVec
	exchangeFail     prometheus.Counter
	webhookFail      prometheus.Counter
	callbackLatency  prometheus.Histogram
	pendingWatches   prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildgate_verification_outcomes_total",
			Help: "理由別の認証結果の合計数",
		}, []string{"reason"}),
		reputationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildgate_reputation_checks_total",
			Help: "結果別のIPレピュテーションチェック数",
		}, []string{"result"}),
		exchangeFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guildgate_identity_exchange_fail_total",
			Help: "OAuth ID交換失敗の合計数",
		}),
		webhookFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guildgate_webhook_fail_total",
			Help: "Webhook送信失敗の合計数",
		}),
		callbackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guildgate_callback_latency_seconds",
			Help:    "認証コールバック処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		pendingWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guildgate_pending_watches",
			Help: "結果待ちのインタラクション数",
		}),
	}

	reg.MustRegister(
		c.outcomes,
		c.reputationChecks,
		c.exchangeFail,
		c.webhookFail,
		c.callbackLatency,
		c.pendingWatches,
	)

	return c
}

// RecordOutcome は認証結果を理由別に記録する。
func (c *Collector) RecordOutcome(reason string) {
	c.outcomes.WithLabelValues(reason).Inc()
}

// RecordReputationCheck はレピュテーションチェックの結果を記録する。
func (c *Collector) RecordReputationCheck(result string) {
	c.reputationChecks.WithLabelValues(result).Inc()
}

// RecordIdentityExchangeFailure はID交換失敗を記録する。
func (c *Collector) RecordIdentityExchangeFailure() {
	c.exchangeFail.Inc()
}

// RecordWebhookFailure はWebhook送信失敗を記録する。
func (c *Collector) RecordWebhookFailure() {
	c.webhookFail.Inc()
}

// RecordCallbackLatency はコールバック処理のレイテンシを記録する。
func (c *Collector) RecordCallbackLatency(duration time.Duration) {
	c.callbackLatency.Observe(duration.Seconds())
}

// SetPendingWatches は結果待ちのインタラクション数を設定する。
func (c *Collector) SetPendingWatches(count int) {
	c.pendingWatches.Set(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時に使用する。
type Nop struct{}

func (Nop) RecordOutcome(string)                {}
func (Nop) RecordReputationCheck(string)        {}
func (Nop) RecordIdentityExchangeFailure()      {}
func (Nop) RecordWebhookFailure()               {}
func (Nop) RecordCallbackLatency(time.Duration) {}
func (Nop) SetPendingWatches(int)               {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
