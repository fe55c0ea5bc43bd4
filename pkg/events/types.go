// Package events defines the event stream a conditioning run publishes while
// it executes: phase transitions, completed cycles and checkpoint activity.
// The daemon relays these over SSE so an operator can watch a multi-hour run
// without a terminal attached to the process.
package events

import "encoding/json"

// Event name constants.
const (
	RunPhase         = "run.phase"
	RunCycle         = "run.cycle"
	CheckpointWait   = "checkpoint.wait"
	CheckpointResume = "checkpoint.resume"
)

// Event is a generic SSE event from the daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// PhaseEvent is the typed payload for run.phase.
type PhaseEvent struct {
	Cycle int    `json:"cycle"`
	From  string `json:"from"`
	To    string `json:"to"`
	Ts    int64  `json:"ts"`
}

// CycleEvent is the typed payload for run.cycle.
type CycleEvent struct {
	Completed int   `json:"completed"`
	Target    int   `json:"target"`
	Ts        int64 `json:"ts"`
}

// CheckpointEvent is the typed payload for checkpoint.wait / checkpoint.resume.
type CheckpointEvent struct {
	Cycle   int    `json:"cycle"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified type T. If
// Data is empty, it returns the zero value of T with a nil error.
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
