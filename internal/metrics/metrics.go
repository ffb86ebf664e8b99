package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nleng_emails_total",
			Help: "Email dispatch records by lifecycle stage",
		},
		[]string{"stage"}, // created|submitted|failed|retried
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nleng_email_batches_total",
			Help: "Email batches by outcome",
		},
		[]string{"outcome"}, // created|submitted|failed
	)

	RecipientsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nleng_email_recipients_dropped_total",
			Help: "Recipient rows dropped for missing id/uuid/email",
		},
	)

	SendJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nleng_send_jobs_total",
			Help: "Send job executions by result",
		},
		[]string{"result"}, // ok|empty_audience|failed
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EmailsTotal,
		BatchesTotal,
		RecipientsDroppedTotal,
		SendJobsTotal,
	)
}
