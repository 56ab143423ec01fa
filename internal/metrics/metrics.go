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
// サービス層、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(role, outcome string)
	RecordAuthRejection(code string)
	RecordPaymentInitiated(operator string)
	RecordReconciliation(trigger, outcome string)
	RecordProviderLatency(operation string, duration time.Duration)
	RecordEmailDelivery(outcome string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	authRejections  *prometheus.CounterVec
	paymentsStarted *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	emailDeliveries *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizpass_logins_total",
			Help: "ロール・結果別のログイン試行数",
		}, []string{"role", "outcome"}),
		authRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizpass_auth_rejections_total",
			Help: "エラーコード別の認証拒否数",
		}, []string{"code"}),
		paymentsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizpass_payments_initiated_total",
			Help: "決済事業者別の決済開始数",
		}, []string{"operator"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizpass_reconciliations_total",
			Help: "契機・結果別の決済照合数",
		}, []string{"trigger", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quizpass_provider_latency_seconds",
			Help:    "決済代行サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		emailDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizpass_email_deliveries_total",
			Help: "結果別のアクセスコード通知メール送信数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizpass_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.logins,
		c.authRejections,
		c.paymentsStarted,
		c.reconciliations,
		c.providerLatency,
		c.emailDeliveries,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(role, outcome string) {
	c.logins.WithLabelValues(role, outcome).Inc()
}

// RecordAuthRejection は認証ゲートでの拒否を記録する。
func (c *Collector) RecordAuthRejection(code string) {
	c.authRejections.WithLabelValues(code).Inc()
}

// RecordPaymentInitiated は決済開始を記録する。
func (c *Collector) RecordPaymentInitiated(operator string) {
	c.paymentsStarted.WithLabelValues(operator).Inc()
}

// RecordReconciliation は照合結果を記録する。triggerはverifyまたはnotification。
func (c *Collector) RecordReconciliation(trigger, outcome string) {
	c.reconciliations.WithLabelValues(trigger, outcome).Inc()
}

// RecordProviderLatency は決済代行サービス呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEmailDelivery はメール送信結果を記録する。
func (c *Collector) RecordEmailDelivery(outcome string) {
	c.emailDeliveries.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string, string)                  {}
func (Nop) RecordAuthRejection(string)                  {}
func (Nop) RecordPaymentInitiated(string)               {}
func (Nop) RecordReconciliation(string, string)         {}
func (Nop) RecordProviderLatency(string, time.Duration) {}
func (Nop) RecordEmailDelivery(string)                  {}
func (Nop) RecordHTTPStatus(int)                        {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
