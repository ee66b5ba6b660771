// Package metrics exports the agent's load, admission, completion and sync counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pipeline_worker"

type Metrics struct {
	load        *prom.GaugeVec
	capacity    *prom.GaugeVec
	admissions  *prom.CounterVec
	completions *prom.CounterVec
	zombies     *prom.CounterVec
	pollErrors  *prom.CounterVec
	syncRows    *prom.CounterVec
	syncErrors  prom.Counter
	statsQueue  prom.Gauge

	gatherer prom.Gatherer
}

// New creates the collectors and registers them on reg. Registering twice on the same registry
// reuses the existing collectors.
func New(reg *prom.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prom.NewRegistry()
	}

	m := &Metrics{gatherer: reg}
	var err error

	if m.load, err = registerCollector(reg, prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "task_load",
		Help:      "Work units currently admitted per queue.",
	}, []string{"queue"})); err != nil {
		return nil, err
	}
	if m.capacity, err = registerCollector(reg, prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "work_capacity",
		Help:      "Configured work capacity per queue.",
	}, []string{"queue"})); err != nil {
		return nil, err
	}
	if m.admissions, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Start requests by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.completions, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "completions_total",
		Help:      "Executions that reached a backend-terminal status.",
	}, []string{"queue", "result"})); err != nil {
		return nil, err
	}
	if m.zombies, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "zombies_total",
		Help:      "Executions reclaimed as zombies.",
	}, []string{"queue"})); err != nil {
		return nil, err
	}
	if m.pollErrors, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "poll_errors_total",
		Help:      "Reconciliation passes abandoned because the backend could not be queried.",
	}, []string{"queue"})); err != nil {
		return nil, err
	}
	if m.syncRows, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "sync_rows_total",
		Help:      "Rows written to the remote store by action.",
	}, []string{"action"})); err != nil {
		return nil, err
	}
	if m.syncErrors, err = registerCollector(reg, prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "sync_errors_total",
		Help:      "Synchronization batches that failed.",
	})); err != nil {
		return nil, err
	}
	if m.statsQueue, err = registerCollector(reg, prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "statistics_queue_depth",
		Help:      "Pending items in the statistics queue.",
	})); err != nil {
		return nil, err
	}

	return m, nil
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SetLoad(queue string, load float64) {
	if m == nil {
		return
	}
	m.load.WithLabelValues(queue).Set(load)
}

func (m *Metrics) SetCapacity(queue string, capacity float64) {
	if m == nil {
		return
	}
	m.capacity.WithLabelValues(queue).Set(capacity)
}

// Admission counts a start request. outcome is one of admitted, rejected or failed.
func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Completion(queue, result string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(queue, result).Inc()
}

func (m *Metrics) Zombie(queue string) {
	if m == nil {
		return
	}
	m.zombies.WithLabelValues(queue).Inc()
}

func (m *Metrics) PollError(queue string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(queue).Inc()
}

func (m *Metrics) SyncRows(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.syncRows.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) SyncError() {
	if m == nil {
		return
	}
	m.syncErrors.Inc()
}

func (m *Metrics) SetStatisticsQueueDepth(n int) {
	if m == nil {
		return
	}
	m.statsQueue.Set(float64(n))
}
