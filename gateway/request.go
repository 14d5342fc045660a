// Defines the Request, JobTicket, and JobResult types that model one OCR
// request's path through the gateway. Tracks stage timestamps for latency
// accounting and the ticket state machine driven by the Correlator.

package gateway

import (
	"fmt"
	"time"
)

// TaskType names the recognition task requested by the client.
type TaskType string

const (
	TaskText    TaskType = "text"
	TaskFormula TaskType = "formula"
	TaskTable   TaskType = "table"
)

// validTaskTypes maps accepted task type strings.
var validTaskTypes = map[TaskType]bool{
	TaskText:    true,
	TaskFormula: true,
	TaskTable:   true,
}

// IsValidTaskType returns true if the given string is a recognized task type.
func IsValidTaskType(s string) bool {
	return validTaskTypes[TaskType(s)]
}

// Request models a single inference request at ingress. Created once the
// submission is accepted, immutable afterwards, discarded after the response
// is sent.
type Request struct {
	ID          string   // Unique request identifier, generated at ingress
	TaskType    TaskType // text, formula, table
	ArtifactRef string   // Reference returned by the artifact store
	Filename    string   // Client-supplied filename (metadata only)
	RemoteAddr  string   // Client address (metadata only)
	ReceivedAt  time.Time
}

// TicketState represents the lifecycle state of a JobTicket.
type TicketState string

const (
	TicketPending   TicketState = "pending"
	TicketResolved  TicketState = "resolved"
	TicketTimedOut  TicketState = "timed_out"
	TicketCancelled TicketState = "cancelled"
)

// JobTicket tracks one in-flight dispatch. Owned exclusively by the
// Correlator: it is created on dispatch, transitioned out of TicketPending
// exactly once under the registry lock, and removed from the registry in the
// same critical section as its terminal transition.
//
// CorrelationID is independent of the client-facing request ID so a backend
// retrying internally, or a duplicate callback, can never resolve an
// unrelated or already-resolved ticket.
type JobTicket struct {
	CorrelationID string
	RequestID     string
	TargetPool    string
	Endpoint      string // Dispatch endpoint of the target pool
	TaskType      TaskType
	ArtifactRef   string
	DispatchTime  time.Time
	Deadline      time.Time

	state TicketState
	done  chan JobResult // buffered(1); written once by the winning transition
}

// String returns a human-readable representation of a JobTicket.
func (t *JobTicket) String() string {
	return fmt.Sprintf("JobTicket: (CorrelationID: %s, RequestID: %s, Pool: %s, State: %s)",
		t.CorrelationID, t.RequestID, t.TargetPool, t.state)
}

// JobResult is the completion produced by a worker callback (or by the
// Dispatcher after exhausting retries). Consumed exactly once to resolve the
// owning JobTicket.
type JobResult struct {
	CorrelationID string
	Payload       string // Recognition output (markdown content)
	Err           error  // Non-nil when the worker or dispatch leg failed
	CompletedAt   time.Time
}
