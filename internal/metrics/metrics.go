package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Webhook gateway
	signatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_signature_failures_total",
			Help: "Total number of webhook requests rejected for a bad or missing signature.",
		},
	)
	signatureAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_signature_alerts_total",
			Help: "Number of times signature failures crossed the alert threshold.",
		},
	)
	eventsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inbound_events_ingested_total",
			Help: "Total number of inbound events durably stored.",
		},
	)
	enqueueErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueue_errors_total",
			Help: "Enqueue failures by queue and reason.",
		},
		[]string{"queue", "reason"},
	)

	// Event dispatcher
	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_events_processed_total",
			Help: "Inbound events processed, by outcome (ok, retry, dead_letter).",
		},
		[]string{"outcome"},
	)

	// Campaigns
	campaignJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_jobs_total",
			Help: "Campaign job attempts by outcome (sent, retry, failed).",
		},
		[]string{"outcome"},
	)
	largeCampaigns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaigns_large_destination_list_total",
			Help: "Campaigns accepted with more destinations than the large-list threshold.",
		},
	)

	// Rate limiter
	limiterDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_decisions_total",
			Help: "Token bucket decisions by result (allowed, denied, fail_open).",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			signatureFailures,
			signatureAlerts,
			eventsIngested,
			enqueueErrors,
			eventsProcessed,
			campaignJobs,
			largeCampaigns,
			limiterDecisions,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func IncSignatureFailure() { signatureFailures.Inc() }
func IncSignatureAlert()   { signatureAlerts.Inc() }
func IncEventIngested()    { eventsIngested.Inc() }

func IncEnqueueError(queue, reason string) {
	enqueueErrors.WithLabelValues(queue, reason).Inc()
}

func IncEventProcessed(outcome string) { eventsProcessed.WithLabelValues(outcome).Inc() }
func IncCampaignJob(outcome string)    { campaignJobs.WithLabelValues(outcome).Inc() }
func IncLargeCampaign()                { largeCampaigns.Inc() }
func IncLimiterDecision(result string) { limiterDecisions.WithLabelValues(result).Inc() }
