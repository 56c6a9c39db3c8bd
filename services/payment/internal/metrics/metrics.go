package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	payments         *prometheus.CounterVec
	refunds          *prometheus.CounterVec
	refundedAmount   prometheus.Counter
	authorityLatency *prometheus.HistogramVec
	sweeperResolved  *prometheus.CounterVec
	outboxPublished  prometheus.Counter
	outboxBacklog    *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		payments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paybank",
			Name:      "payments_total",
			Help:      "CreatePayment calls by outcome",
		}, []string{"outcome"}),
		refunds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paybank",
			Name:      "refunds_total",
			Help:      "CreateRefund calls by outcome",
		}, []string{"outcome"}),
		refundedAmount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paybank",
			Name:      "refunded_amount_total",
			Help:      "Minor units refunded",
		}),
		authorityLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "paybank",
			Name:      "authority_call_duration_seconds",
			Help:      "Funds authority call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		sweeperResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paybank",
			Name:      "sweeper_holds_total",
			Help:      "Stale holds handled by the sweeper by action",
		}, []string{"action"}),
		outboxPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paybank",
			Name:      "outbox_published_total",
			Help:      "Outbox events published to Kafka",
		}),
		outboxBacklog: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "paybank",
			Name:      "outbox_backlog",
			Help:      "Unpublished outbox events; dead ones ran out of attempts",
		}, []string{"state"}),
	}
}

func (m *Metrics) Payment(outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refund(outcome string, amount int64) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(outcome).Inc()
	if amount > 0 {
		m.refundedAmount.Add(float64(amount))
	}
}

func (m *Metrics) AuthorityCall(op string, took time.Duration, err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	m.authorityLatency.WithLabelValues(op, result).Observe(took.Seconds())
}

func (m *Metrics) SweeperAction(action string) {
	if m == nil {
		return
	}
	m.sweeperResolved.WithLabelValues(action).Inc()
}

func (m *Metrics) OutboxPublished(n int) {
	if m == nil || n == 0 {
		return
	}
	m.outboxPublished.Add(float64(n))
}

func (m *Metrics) OutboxBacklog(pending, dead int64) {
	if m == nil {
		return
	}
	m.outboxBacklog.WithLabelValues("pending").Set(float64(pending))
	m.outboxBacklog.WithLabelValues("dead").Set(float64(dead))
}
