package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	eventsRouted       *prometheus.CounterVec
	recordsArchived    *prometheus.CounterVec
	manifestVerdicts   *prometheus.CounterVec
	jobsSubmitted      *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	submissionVerdicts *prometheus.CounterVec
}

// New registers the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		reg: reg,
		eventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gdr_events_routed_total",
			Help: "Storage event records routed, by bucket role and kind.",
		}, []string{"bucket", "kind"}),
		recordsArchived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gdr_records_archived_total",
			Help: "Archive entries written, by archive table.",
		}, []string{"table"}),
		manifestVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gdr_manifest_verdicts_total",
			Help: "Manifest processing outcomes.",
		}, []string{"status"}),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gdr_jobs_submitted_total",
			Help: "Compute jobs submitted, by queue.",
		}, []string{"queue"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gdr_notifications_total",
			Help: "Notifications sent, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		submissionVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gdr_submission_verdicts_total",
			Help: "Submission monitor verdicts, by triggering event type and status.",
		}, []string{"event_type", "status"}),
	}
	reg.MustRegister(
		m.eventsRouted,
		m.recordsArchived,
		m.manifestVerdicts,
		m.jobsSubmitted,
		m.notifications,
		m.submissionVerdicts,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) EventRouted(bucket, kind string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(bucket, kind).Inc()
}

func (m *Metrics) RecordsArchived(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.recordsArchived.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) ManifestVerdict(status string) {
	if m == nil {
		return
	}
	m.manifestVerdicts.WithLabelValues(status).Inc()
}

func (m *Metrics) JobSubmitted(queue string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(queue).Inc()
}

func (m *Metrics) Notification(channel string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) SubmissionVerdict(eventType, status string) {
	if m == nil {
		return
	}
	m.submissionVerdicts.WithLabelValues(eventType, status).Inc()
}
