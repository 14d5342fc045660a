package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DispatchMessage is the wire form of the asynchronous send to a worker pool.
// The worker answers later with a CallbackMessage keyed by the same
// correlation ID, possibly from a different execution context.
type DispatchMessage struct {
	CorrelationID string `json:"correlation_id"`
	TargetPool    string `json:"target_pool"`
	TaskType      string `json:"task_type"`
	ArtifactRef   string `json:"artifact_ref"`
	CallbackURL   string `json:"callback_url"`
}

// HTTPDispatcher sends dispatch messages to pool endpoints over HTTP.
// The send leg runs on its own goroutine with bounded exponential backoff;
// exhausting the attempt ceiling resolves the owning ticket with a dispatch
// error through the ResultSink rather than leaving it pending.
type HTTPDispatcher struct {
	client      *http.Client
	sink        ResultSink
	callbackURL string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	metrics     *Metrics

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // correlation ID → send-leg cancel
}

// NewHTTPDispatcher creates an HTTPDispatcher. The ResultSink must be bound
// with Bind before the first Dispatch; construction is split because the
// Correlator and the Dispatcher reference each other.
func NewHTTPDispatcher(client *http.Client, callbackURL string, maxAttempts int, baseBackoff, maxBackoff time.Duration, metrics *Metrics) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseBackoff <= 0 {
		baseBackoff = 200 * time.Millisecond
	}
	if maxBackoff < baseBackoff {
		maxBackoff = 2 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &HTTPDispatcher{
		client:      client,
		callbackURL: callbackURL,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		metrics:     metrics,
		inflight:    make(map[string]context.CancelFunc),
	}
}

// Bind attaches the completion intake. Panics if called with nil.
func (d *HTTPDispatcher) Bind(sink ResultSink) {
	if sink == nil {
		panic("HTTPDispatcher: nil sink")
	}
	d.sink = sink
}

// Dispatch sends the ticket's dispatch message asynchronously and returns
// immediately. The send leg is bounded by the ticket deadline, not by the
// caller's context: the caller's wait is the Correlator's concern.
func (d *HTTPDispatcher) Dispatch(_ context.Context, ticket *JobTicket) {
	sendCtx, cancel := context.WithDeadline(context.Background(), ticket.Deadline)
	d.mu.Lock()
	d.inflight[ticket.CorrelationID] = cancel
	d.mu.Unlock()

	go d.send(sendCtx, ticket)
}

// Abandon cancels any in-flight send leg for the correlation ID.
func (d *HTTPDispatcher) Abandon(correlationID string) {
	if d.release(correlationID) {
		logrus.Debugf("[dispatcher] abandoned send for %s", correlationID)
	}
}

// release drops the cancel func for a send leg and fires it.
func (d *HTTPDispatcher) release(correlationID string) bool {
	d.mu.Lock()
	cancel, ok := d.inflight[correlationID]
	delete(d.inflight, correlationID)
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (d *HTTPDispatcher) send(ctx context.Context, ticket *JobTicket) {
	defer d.release(ticket.CorrelationID)

	msg := DispatchMessage{
		CorrelationID: ticket.CorrelationID,
		TargetPool:    ticket.TargetPool,
		TaskType:      string(ticket.TaskType),
		ArtifactRef:   ticket.ArtifactRef,
		CallbackURL:   d.callbackURL,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		d.fail(ticket, fmt.Errorf("encode dispatch message: %w", err))
		return
	}

	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			d.metrics.DispatchRetries.Inc()
			if err := sleepWithContext(ctx, computeBackoff(d.baseBackoff, d.maxBackoff, attempt-1)); err != nil {
				logrus.Debugf("[dispatcher] send for %s stopped during backoff: %v", ticket.CorrelationID, err)
				return
			}
		}

		lastErr = d.post(ctx, ticket.Endpoint, body)
		if lastErr == nil {
			logrus.Debugf("[dispatcher] sent %s to %s (attempt %d)", ticket.CorrelationID, ticket.TargetPool, attempt+1)
			return
		}
		if ctx.Err() != nil {
			// Abandoned or past the ticket deadline; the correlator owns the
			// outcome from here.
			logrus.Debugf("[dispatcher] send for %s stopped: %v", ticket.CorrelationID, ctx.Err())
			return
		}
		if !isTransient(lastErr) {
			break
		}
		logrus.Warnf("[dispatcher] send %s attempt %d/%d failed: %v", ticket.CorrelationID, attempt+1, d.maxAttempts, lastErr)
	}

	d.fail(ticket, lastErr)
}

func (d *HTTPDispatcher) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &sendError{status: 0, err: err, permanent: true}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &sendError{status: resp.StatusCode, err: fmt.Errorf("backend returned %s", resp.Status)}
}

func (d *HTTPDispatcher) fail(ticket *JobTicket, cause error) {
	if cause == nil {
		cause = fmt.Errorf("dispatch failed")
	}
	logrus.Warnf("[dispatcher] giving up on %s after %d attempts: %v", ticket.CorrelationID, d.maxAttempts, cause)
	d.sink.OnResult(ticket.CorrelationID, JobResult{
		Err:         E(KindDispatch, "dispatch to pool %s failed: %v", ticket.TargetPool, cause),
		CompletedAt: time.Now(),
	})
}

// sendError carries the backend status for transient classification.
type sendError struct {
	status    int
	permanent bool
	err       error
}

func (e *sendError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("send error (status=%d)", e.status)
}

func (e *sendError) Unwrap() error { return e.err }

// isTransient reports whether a send failure is safe to retry.
// Retryable: network errors and timeouts, 429, and 5xx responses.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *sendError
	if errors.As(err, &se) {
		if se.permanent {
			return false
		}
		return se.status == http.StatusTooManyRequests || (se.status >= 500 && se.status <= 599)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// url.Error and friends from client.Do: connection refused, resets.
	return true
}

func computeBackoff(base, max time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
