package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every pipeline metric. Nothing is registered globally so
// several registries can coexist in one process (and in tests).
type Registry struct {
	registry *prometheus.Registry

	// Publisher metrics
	publishTotal    *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec

	// Consumer metrics
	pullTotal        *prometheus.CounterVec
	pullDuration     *prometheus.HistogramVec
	messagesPulled   *prometheus.CounterVec
	messagesSkipped  *prometheus.CounterVec
	messagesAcked    *prometheus.CounterVec
	ackTotal         *prometheus.CounterVec
	processedRecords *prometheus.CounterVec

	// Broker metrics
	brokerOperationTotal    *prometheus.CounterVec
	brokerOperationDuration *prometheus.HistogramVec

	// Trigger metrics
	triggerRequests *prometheus.CounterVec

	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_publish_total",
				Help: "Total number of record publish attempts",
			},
			[]string{"topic", "encoding", "status"}, // status: success, encode_error, broker_error
		),

		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventpipe_publish_duration_seconds",
				Help:    "Time from submit to broker confirmation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),

		pullTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_consumer_pull_total",
				Help: "Total number of pull cycles",
			},
			[]string{"subscription", "status"}, // status: success, error, empty
		),

		pullDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventpipe_consumer_pull_duration_seconds",
				Help:    "Time spent in a pull cycle including processing and ack",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"subscription"},
		),

		messagesPulled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_consumer_messages_pulled_total",
				Help: "Total number of envelopes pulled",
			},
			[]string{"subscription"},
		),

		messagesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_consumer_messages_skipped_total",
				Help: "Envelopes left unacknowledged for redelivery",
			},
			[]string{"subscription", "reason"}, // reason: malformed, validation, handler
		),

		messagesAcked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_consumer_messages_acked_total",
				Help: "Total number of envelopes acknowledged",
			},
			[]string{"subscription"},
		),

		ackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_consumer_ack_total",
				Help: "Total number of acknowledge calls",
			},
			[]string{"subscription", "status"}, // status: success, error
		),

		processedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_trigger_records_total",
				Help: "Records processed by the synchronous trigger",
			},
			[]string{"status"}, // status: ok, bad_request
		),

		brokerOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_broker_operation_total",
				Help: "Total number of broker operations",
			},
			[]string{"operation", "status"}, // operation: send, pull, acknowledge
		),

		brokerOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventpipe_broker_operation_duration_seconds",
				Help:    "Time spent on broker operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		triggerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_trigger_requests_total",
				Help: "HTTP requests served by the trigger",
			},
			[]string{"route", "code"},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventpipe_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"component", "version"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventpipe_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.publishTotal,
		r.publishDuration,
		r.pullTotal,
		r.pullDuration,
		r.messagesPulled,
		r.messagesSkipped,
		r.messagesAcked,
		r.ackTotal,
		r.processedRecords,
		r.brokerOperationTotal,
		r.brokerOperationDuration,
		r.triggerRequests,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordPublish records one confirm-mode publish. status is one of
// success, encode_error or broker_error.
func (r *Registry) RecordPublish(topic, encoding, status string, duration time.Duration) {
	r.publishTotal.WithLabelValues(topic, encoding, status).Inc()
	r.publishDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordConsumerPull records a pull cycle and what happened to its
// envelopes.
func (r *Registry) RecordConsumerPull(subscription string, pulled, acked int, skipped map[string]int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	} else if pulled == 0 {
		status = "empty"
	}

	r.pullTotal.WithLabelValues(subscription, status).Inc()
	r.pullDuration.WithLabelValues(subscription).Observe(duration.Seconds())
	if pulled > 0 {
		r.messagesPulled.WithLabelValues(subscription).Add(float64(pulled))
	}
	if acked > 0 {
		r.messagesAcked.WithLabelValues(subscription).Add(float64(acked))
	}
	for reason, n := range skipped {
		r.messagesSkipped.WithLabelValues(subscription, reason).Add(float64(n))
	}
}

// RecordConsumerAck records an acknowledge call.
func (r *Registry) RecordConsumerAck(subscription string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.ackTotal.WithLabelValues(subscription, status).Inc()
}

// RecordBrokerOperation records a broker call
func (r *Registry) RecordBrokerOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.brokerOperationTotal.WithLabelValues(operation, status).Inc()
	r.brokerOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTriggerRecord records the outcome of one synchronous enrichment.
func (r *Registry) RecordTriggerRecord(status string) {
	r.processedRecords.WithLabelValues(status).Inc()
}

// RecordTriggerRequest records an HTTP request served by the trigger.
func (r *Registry) RecordTriggerRequest(route, code string) {
	r.triggerRequests.WithLabelValues(route, code).Inc()
}

func (r *Registry) SetSystemInfo(component, version string) {
	r.systemInfo.WithLabelValues(component, version).Set(1)
}
