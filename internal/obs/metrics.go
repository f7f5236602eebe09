package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentInitiateTotal counts payment initiation outcomes.
	PaymentInitiateTotal *prometheus.CounterVec
	// PaymentVerifyTotal counts redirect-verify confirmation outcomes.
	PaymentVerifyTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// PaymentRecordsTotal counts payment records written to the CRM by path.
	PaymentRecordsTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers the gateway's
// Prometheus collectors. Safe to call more than once.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentInitiateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_initiate_total",
			Help:      "Count of payment initiation outcomes.",
		}, []string{"result"})
		PaymentVerifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verify_total",
			Help:      "Count of redirect-verify confirmation outcomes.",
		}, []string{"result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed provider webhooks by outcome.",
		}, []string{"result"})
		PaymentRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_records_total",
			Help:      "Count of payment records created in the CRM ledger.",
		}, []string{"path"})

		reg.MustRegister(
			PaymentInitiateTotal,
			PaymentVerifyTotal,
			PaymentWebhookTotal,
			PaymentRecordsTotal,
		)
	})
}

// IncResult increments a CounterVec guarding against unregistered metrics in tests.
func IncResult(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}
