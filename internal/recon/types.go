// Package recon owns the lifecycle of a reconnaissance run: the run
// record and its state machine, the registry of in-flight runs, the
// per-run event stream, and the orchestrator that drives a run from
// submission to its terminal event.
package recon

import (
	"fmt"
	"sync"
	"time"
)

// Status is the run lifecycle state. Transitions only move forward:
// pending to running, running to completed or failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EventType classifies a progress event.
type EventType string

const (
	EventStart  EventType = "start"
	EventLog    EventType = "log"
	EventResult EventType = "result"
	EventError  EventType = "error"
	EventDone   EventType = "done"

	// EventPing is a stream keepalive. It is emitted by the transport
	// while a run is quiet and is never part of the run's event log.
	EventPing EventType = "ping"
)

// Event is one progress record on a run's stream. Sequence is assigned
// by the broadcaster and is gapless per run; it stays off the wire.
type Event struct {
	RunID    string    `json:"run_id"`
	Type     EventType `json:"type"`
	Message  string    `json:"message,omitempty"`
	Sequence uint64    `json:"-"`
}

// MalformedEventError reports an event published outside the run's
// lifecycle, such as after its done event.
type MalformedEventError struct {
	RunID string
	Type  EventType
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("run %s: cannot publish %q event after stream end", e.RunID, e.Type)
}

// Run is one reconnaissance job. All mutation goes through the methods
// below; the orchestrator's run goroutine is the only writer.
type Run struct {
	ID        string
	Target    string
	Namespace string

	mu         sync.Mutex
	status     Status
	report     string
	errMsg     string
	events     []Event
	createdAt  time.Time
	finishedAt time.Time
}

func NewRun(id, target, namespace string) *Run {
	return &Run{
		ID:        id,
		Target:    target,
		Namespace: namespace,
		status:    StatusPending,
		createdAt: time.Now(),
	}
}

func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetRunning moves a pending run to running. Calling it twice or on a
// terminal run is a bug in the caller and is ignored.
func (r *Run) SetRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusPending {
		r.status = StatusRunning
	}
}

// Complete records the report and moves the run to completed. The first
// terminal transition wins; later calls are ignored.
func (r *Run) Complete(report string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = StatusCompleted
	r.report = report
	r.finishedAt = time.Now()
}

// Fail records the error message and moves the run to failed. The first
// terminal transition wins; later calls are ignored.
func (r *Run) Fail(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = StatusFailed
	r.errMsg = msg
	r.finishedAt = time.Now()
}

// appendEvent records a published event on the run's append-only log.
func (r *Run) appendEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the run's event log in publish order.
func (r *Run) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Age returns how long ago the run finished, or zero when it has not.
func (r *Run) Age(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finishedAt.IsZero() {
		return 0
	}
	return now.Sub(r.finishedAt)
}

// Snapshot is the point-in-time view served by the run lookup endpoint.
type Snapshot struct {
	RunID  string `json:"run_id"`
	Status Status `json:"status"`
	Report string `json:"report,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		RunID:  r.ID,
		Status: r.status,
		Report: r.report,
		Error:  r.errMsg,
	}
}
