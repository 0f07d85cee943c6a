// Package metrics defines observability hooks for the flow engine and the
// Prometheus-backed implementation used by the cockpit.
package metrics

import "time"

// TickOutcome enumerates the result categories of one engine tick.
type TickOutcome string

const (
	OutcomeAdvanced  TickOutcome = "advanced"  // moved to another stage
	OutcomeCompleted TickOutcome = "completed" // reached a terminal stage
	OutcomeFailed    TickOutcome = "failed"    // action or persister failure
	OutcomeIdle      TickOutcome = "idle"      // waiting stage without a matching event
	OutcomeSkipped   TickOutcome = "skipped"   // claim lost or nothing to do
)

// Recorder defines observability hooks for engine activity. Implementations
// may forward to Prometheus, OpenTelemetry, etc. All methods must be safe on
// the NoopRecorder so injection stays optional.
type Recorder interface {
	ObserveTickDuration(flowID string, d time.Duration)
	IncTickOutcome(flowID string, outcome TickOutcome)
	ObserveActionDuration(flowID, stage string, d time.Duration)
	IncActionResult(flowID, stage string, success bool)
	IncEventConsumed(flowID, event string)
	IncTickScheduled(flowID string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveTickDuration(string, time.Duration)           {}
func (NoopRecorder) IncTickOutcome(string, TickOutcome)                  {}
func (NoopRecorder) ObserveActionDuration(string, string, time.Duration) {}
func (NoopRecorder) IncActionResult(string, string, bool)                {}
func (NoopRecorder) IncEventConsumed(string, string)                     {}
func (NoopRecorder) IncTickScheduled(string)                             {}
