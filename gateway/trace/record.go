// Package trace provides per-request latency records and the sinks they are
// emitted to. It stores pure data types plus thin recorders; it has no
// dependency on the gateway core.
package trace

import "time"

// OutcomeSuccess is the outcome of a resolved request. Failed requests carry
// the gateway error kind name (timeout, validation_error, ...) instead, so
// records, logs, and metrics share one vocabulary.
const OutcomeSuccess = "success"

// LatencyRecord captures the stage timestamps of one completed (or failed)
// request. Emitted exactly once per request, on every exit path.
type LatencyRecord struct {
	RequestID    string    `json:"request_id"`
	TaskType     string    `json:"task_type"`
	TargetPool   string    `json:"target_pool,omitempty"`
	Outcome      string    `json:"outcome"`
	ReceivedAt   time.Time `json:"received_at"`
	UploadedAt   time.Time `json:"uploaded_at,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at,omitempty"`
	ResolvedAt   time.Time `json:"resolved_at"`
	TotalMS      int64     `json:"total_ms"`
}
