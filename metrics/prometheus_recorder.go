package metrics

import (
	"strconv"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once           sync.Once
	tickDuration   *prom.HistogramVec
	tickOutcomes   *prom.CounterVec
	actionDuration *prom.HistogramVec
	actionResults  *prom.CounterVec
	eventsConsumed *prom.CounterVec
	ticksScheduled *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the engine metrics on the
// given registry (a private registry is created when nil).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.tickDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "flowlite",
			Name:      "tick_duration_seconds",
			Help:      "Duration of engine tick executions",
			Buckets:   prom.DefBuckets,
		}, []string{"flow"})
		pr.tickOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "flowlite",
			Name:      "tick_outcomes_total",
			Help:      "Tick results by outcome",
		}, []string{"flow", "outcome"})
		pr.actionDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "flowlite",
			Name:      "action_duration_seconds",
			Help:      "Duration of stage action executions",
			Buckets:   prom.DefBuckets,
		}, []string{"flow", "stage"})
		pr.actionResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "flowlite",
			Name:      "action_results_total",
			Help:      "Stage action results by success/failure",
		}, []string{"flow", "stage", "success"})
		pr.eventsConsumed = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "flowlite",
			Name:      "events_consumed_total",
			Help:      "Events consumed by waiting stages",
		}, []string{"flow", "event"})
		pr.ticksScheduled = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "flowlite",
			Name:      "ticks_scheduled_total",
			Help:      "Ticks enqueued on the scheduler",
		}, []string{"flow"})
		reg.MustRegister(pr.tickDuration, pr.tickOutcomes, pr.actionDuration,
			pr.actionResults, pr.eventsConsumed, pr.ticksScheduled)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveTickDuration(flowID string, d time.Duration) {
	if p == nil || p.tickDuration == nil {
		return
	}
	p.tickDuration.WithLabelValues(flowID).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncTickOutcome(flowID string, outcome TickOutcome) {
	if p == nil || p.tickOutcomes == nil {
		return
	}
	p.tickOutcomes.WithLabelValues(flowID, string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveActionDuration(flowID, stage string, d time.Duration) {
	if p == nil || p.actionDuration == nil {
		return
	}
	p.actionDuration.WithLabelValues(flowID, stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncActionResult(flowID, stage string, success bool) {
	if p == nil || p.actionResults == nil {
		return
	}
	p.actionResults.WithLabelValues(flowID, stage, strconv.FormatBool(success)).Inc()
}

func (p *PrometheusRecorder) IncEventConsumed(flowID, event string) {
	if p == nil || p.eventsConsumed == nil {
		return
	}
	p.eventsConsumed.WithLabelValues(flowID, event).Inc()
}

func (p *PrometheusRecorder) IncTickScheduled(flowID string) {
	if p == nil || p.ticksScheduled == nil {
		return
	}
	p.ticksScheduled.WithLabelValues(flowID).Inc()
}
