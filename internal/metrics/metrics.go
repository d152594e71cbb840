// Package metrics collects per-run counters and pushes them to a Prometheus
// Pushgateway when the run ends. A CI job is too short-lived to be scraped.
package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const DefaultJob = "wheelwright"

type Recorder struct {
	registry *prometheus.Registry

	WheelsBuilt   prometheus.Counter
	Renamed       prometheus.Counter
	RenameFailed  prometheus.Counter
	Uploaded      prometheus.Counter
	UploadBytes   prometheus.Counter
	StepDurations *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		WheelsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelwright_wheels_built_total",
			Help: "Wheels produced by the build tool.",
		}),
		Renamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelwright_wheels_renamed_total",
			Help: "Wheels rewritten for nightly distribution.",
		}),
		RenameFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelwright_wheels_rename_failed_total",
			Help: "Wheels whose nightly rewrite failed.",
		}),
		Uploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelwright_wheels_uploaded_total",
			Help: "Wheels accepted by the package index.",
		}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelwright_upload_bytes_total",
			Help: "Bytes uploaded to the package index.",
		}),
		StepDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wheelwright_step_duration_seconds",
			Help:    "Wall time of each pipeline step.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 4800},
		}, []string{"step", "status"}),
	}
	r.registry.MustRegister(r.WheelsBuilt, r.Renamed, r.RenameFailed, r.Uploaded, r.UploadBytes, r.StepDurations)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ObserveStep(step string, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.StepDurations.WithLabelValues(step, status).Observe(took.Seconds())
}

type PushConfig struct {
	URL      string
	Job      string
	Grouping map[string]string
}

// Push replaces this job's metric group on the gateway.
func (r *Recorder) Push(ctx context.Context, cfg PushConfig) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return errors.New("pushgateway url is required")
	}
	job := cfg.Job
	if job == "" {
		job = DefaultJob
	}
	p := push.New(cfg.URL, job).Gatherer(r.registry)
	for k, v := range cfg.Grouping {
		if v != "" {
			p = p.Grouping(k, v)
		}
	}
	return p.PushContext(ctx)
}
