// Package observer turns pool events into Prometheus metrics and running totals.
package observer

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/pool"
)

const namespace = "agent_pool"

// StatsSource reports the live pool state sampled by gauges
type StatsSource interface {
	Stats() domain.PoolStats
}

// Observer records task outcomes
type Observer struct {
	registry *prometheus.Registry

	submitted prometheus.Counter
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	tokens    *prometheus.CounterVec
	cost      prometheus.Counter

	mu      sync.RWMutex
	metrics Metrics
	elapsed time.Duration
}

// Metrics holds aggregated totals since start
type Metrics struct {
	TotalSubmitted    int           `json:"total_submitted"`
	TotalCompleted    int           `json:"total_completed"`
	TotalFailed       int           `json:"total_failed"`
	TotalCancelled    int           `json:"total_cancelled"`
	TotalTokensInput  int           `json:"total_tokens_input"`
	TotalTokensOutput int           `json:"total_tokens_output"`
	TotalCostUSD      float64       `json:"total_cost_usd"`
	AvgDuration       time.Duration `json:"avg_duration"`
}

// New creates an Observer with its own registry. stats may be nil.
func New(stats StatsSource) (*Observer, error) {
	reg := prometheus.NewRegistry()
	o := &Observer{
		registry: reg,
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the pool.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"status", "agent"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from dispatch to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tokens_total",
			Help:      "Tokens reported by agents that emit usage.",
		}, []string{"direction"}),
		cost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_cost_usd_total",
			Help:      "Cost reported by agents that emit it.",
		}),
	}

	collectors := []prometheus.Collector{o.submitted, o.finished, o.duration, o.tokens, o.cost}
	if stats != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_busy",
				Help:      "Worker slots currently running a task.",
			}, func() float64 { return float64(stats.Stats().BusyWorkers) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_max",
				Help:      "Configured worker slots.",
			}, func() float64 { return float64(stats.Stats().MaxWorkers) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Tasks waiting for a worker.",
			}, func() float64 { return float64(stats.Stats().QueueDepth) }),
		)
	}

	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return o, nil
}

// HandleEvent implements pool.Listener
func (o *Observer) HandleEvent(ev pool.Event) {
	switch ev.Type {
	case pool.EventSubmitted:
		o.submitted.Inc()
		o.mu.Lock()
		o.metrics.TotalSubmitted++
		o.mu.Unlock()
	case pool.EventFinished:
		o.RecordCompletion(ev.Task)
	}
}

// RecordCompletion records a terminal task
func (o *Observer) RecordCompletion(task domain.Task) {
	agent := ""
	var tokensIn, tokensOut int
	var cost float64
	if task.Result != nil {
		agent = task.Result.AgentKind
		cost = task.Result.CostUSD
		if task.Result.Usage != nil {
			tokensIn = task.Result.Usage.InputTokens
			tokensOut = task.Result.Usage.OutputTokens
		}
	} else if task.Error != nil {
		agent = task.Error.AgentKind
	}
	status := string(task.Status)

	o.finished.WithLabelValues(status, agent).Inc()
	d := task.Duration()
	if task.StartedAt != nil {
		o.duration.WithLabelValues(status).Observe(d.Seconds())
	}
	if tokensIn > 0 {
		o.tokens.WithLabelValues("input").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		o.tokens.WithLabelValues("output").Add(float64(tokensOut))
	}
	if cost > 0 {
		o.cost.Add(cost)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch task.Status {
	case domain.StatusCompleted:
		o.metrics.TotalCompleted++
		o.elapsed += d
	case domain.StatusFailed:
		o.metrics.TotalFailed++
	case domain.StatusCancelled:
		o.metrics.TotalCancelled++
	}
	o.metrics.TotalTokensInput += tokensIn
	o.metrics.TotalTokensOutput += tokensOut
	o.metrics.TotalCostUSD += cost
}

// GetMetrics returns aggregated metrics. AvgDuration covers completed tasks.
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	m := o.metrics
	if m.TotalCompleted > 0 {
		m.AvgDuration = o.elapsed / time.Duration(m.TotalCompleted)
	}
	return m
}

// Registry returns the registry holding the collectors
func (o *Observer) Registry() *prometheus.Registry {
	return o.registry
}

// Handler serves the metrics in the Prometheus text format
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}
