// Package gateway provides the dispatch-and-correlation core of the OCR
// inference gateway.
//
// # Reading Guide
//
// Start with these three files to understand the request path:
//   - request.go: Request and JobTicket lifecycle (pending → resolved/timed-out/cancelled)
//   - correlator.go: the ticket registry, admission control, and the await loop
//   - routing.go: weighted-random selection across model-version pools
//
// # Architecture
//
// The gateway package defines the core types and engine; supporting concerns
// live in sub-packages:
//   - gateway/artifact: blob store client (in-memory, S3)
//   - gateway/trace: per-request latency records and sinks
//   - gateway/server: HTTP ingress, worker callback intake, admin surface
//
// A request flows ingress → Router (pick a pool) → Correlator (register a
// ticket, dispatch through the Dispatcher, suspend) → worker callback or
// deadline → latency record → response. Correlation state is ephemeral: a
// ticket exists only while its request is in flight.
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - Dispatcher: asynchronous send to a worker pool, best-effort abandon
//   - ResultSink: callback intake consumed by the Dispatcher on failure paths
//   - artifact.Store: put/get of request input blobs
//   - trace.Recorder: one latency record per completed request
package gateway
