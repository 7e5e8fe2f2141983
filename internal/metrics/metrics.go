package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailbridge_batches_received_total",
		Help: "Total number of queue messages handed to the batch handler",
	})
	BatchesAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailbridge_batches_acked_total",
		Help: "Total number of batches acknowledged after relay",
	})
	BatchesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailbridge_batches_rejected_total",
		Help: "Total number of batches negatively acknowledged because they could not be decoded",
	})
	AckFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailbridge_ack_failures_total",
		Help: "Total number of ack or nack calls the broker did not accept",
	})
	DocumentsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailbridge_documents_delivered_total",
		Help: "Total number of mail documents relayed (or mock-sent) successfully",
	})
	DocumentsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailbridge_documents_failed_total",
		Help: "Total number of mail documents that could not be relayed",
	})
	AlertsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailbridge_alerts_sent_total",
		Help: "Total number of operator alerts delivered",
	})
	AlertsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailbridge_alerts_failed_total",
		Help: "Total number of operator alerts that could not be delivered",
	})
	// Batches currently between delivery and ack.
	InFlightBatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailbridge_inflight_batches",
		Help: "Number of batches currently being relayed",
	})
	consumerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailbridge_consumer_state",
		Help: "Queue consumer state (0=stopped, 1=connecting, 2=consuming, 3=stopping)",
	})
)

func init() {
	prometheus.MustRegister(BatchesReceived)
	prometheus.MustRegister(BatchesAcked)
	prometheus.MustRegister(BatchesRejected)
	prometheus.MustRegister(AckFailures)
	prometheus.MustRegister(DocumentsDelivered)
	prometheus.MustRegister(DocumentsFailed)
	prometheus.MustRegister(AlertsSent)
	prometheus.MustRegister(AlertsFailed)
	prometheus.MustRegister(InFlightBatches)
	prometheus.MustRegister(consumerState)
}

// SetConsumerState records the numeric consumer state.
func SetConsumerState(state int) {
	consumerState.Set(float64(state))
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
