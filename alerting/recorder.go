package alerting

import "time"

// Recorder receives engine events for metrics. Implementations must be
// safe for concurrent use.
type Recorder interface {
	ReconcileAction(action Action)
	DispatchOutcome(outcome Outcome)
	NotifyDuration(d time.Duration)
	StuckRequeued(requeued, failed int)
}

type nopRecorder struct{}

func (nopRecorder) ReconcileAction(Action)       {}
func (nopRecorder) DispatchOutcome(Outcome)      {}
func (nopRecorder) NotifyDuration(time.Duration) {}
func (nopRecorder) StuckRequeued(int, int)       {}

// Clock returns the current instant. Tests inject fixed clocks.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
