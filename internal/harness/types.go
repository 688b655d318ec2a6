package harness

import (
	"time"

	"github.com/roach88/turnstile/internal/model"
)

// TraceEvent records one executed step and what the engine answered.
type TraceEvent struct {
	Step int       `json:"step"`
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`

	Key       string          `json:"key,omitempty"`
	Ticket    string          `json:"ticket,omitempty"`
	Direction model.Direction `json:"direction,omitempty"`
	Entrance  string          `json:"entrance,omitempty"`

	Status    model.ScanStatus `json:"status,omitempty"`
	Code      string           `json:"code,omitempty"`
	Remaining *int             `json:"remaining,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`

	// Imported is the number of attendee rows written by an import step.
	Imported int `json:"imported,omitempty"`

	// EventStatus is the status set by an event_status step.
	EventStatus model.EventStatus `json:"event_status,omitempty"`
}

// fields exposes the trace event under the names assertions match on.
func (e TraceEvent) fields() map[string]interface{} {
	f := map[string]interface{}{
		"kind":      e.Kind,
		"key":       e.Key,
		"ticket":    e.Ticket,
		"direction": string(e.Direction),
		"entrance":  e.Entrance,
		"status":    string(e.Status),
		"code":      e.Code,
		"retryable": e.Retryable,
	}
	if e.Remaining != nil {
		f["remaining"] = int64(*e.Remaining)
	}
	return f
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
