// The Correlator is the dispatch-and-correlation core: it matches a
// synchronous-looking caller to an asynchronous worker completion. Each
// in-flight request is tracked by a JobTicket keyed by correlation ID in a
// single lock-guarded registry; the callback path, the deadline path, and the
// cancellation path race for the one transition out of TicketPending, and the
// registry lock arbitrates so exactly one of them wins.

package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Dispatcher sends a dispatch message for a ticket to its target pool. The
// send must not block the caller: implementations perform the network leg
// asynchronously and report failures through the ResultSink after exhausting
// their bounded retries. Abandon is a best-effort hint that the owning
// request is gone.
type Dispatcher interface {
	Dispatch(ctx context.Context, ticket *JobTicket)
	Abandon(correlationID string)
}

// ResultSink is the completion intake consumed by Dispatcher implementations
// and the callback transport. Implemented by *Correlator.
type ResultSink interface {
	OnResult(correlationID string, result JobResult) bool
}

// Correlator tracks pending tickets and resolves each exactly once.
type Correlator struct {
	mu          sync.Mutex
	tickets     map[string]*JobTicket // correlation ID → pending ticket
	maxInFlight int
	dispatcher  Dispatcher
	metrics     *Metrics
}

// NewCorrelator creates a Correlator with the given in-flight ceiling.
// Panics if maxInFlight < 1 or dispatcher is nil.
func NewCorrelator(maxInFlight int, dispatcher Dispatcher, metrics *Metrics) *Correlator {
	if maxInFlight < 1 {
		panic("Correlator: maxInFlight must be >= 1")
	}
	if dispatcher == nil {
		panic("Correlator: dispatcher is nil")
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Correlator{
		tickets:     make(map[string]*JobTicket),
		maxInFlight: maxInFlight,
		dispatcher:  dispatcher,
		metrics:     metrics,
	}
}

// InFlight returns the number of tickets currently pending.
func (c *Correlator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}

// DispatchAndAwait registers a fresh ticket for the request, dispatches it to
// the decided pool, and suspends the calling goroutine until the first of
// worker callback, deadline, or caller cancellation. The losing transitions
// are no-ops.
//
// Admission control happens before the ticket exists: at or above the
// configured ceiling the call fails with a capacity error without registering
// or dispatching anything.
func (c *Correlator) DispatchAndAwait(ctx context.Context, req *Request, decision RoutingDecision, deadline time.Time) (JobResult, error) {
	c.mu.Lock()
	if len(c.tickets) >= c.maxInFlight {
		inFlight := len(c.tickets)
		c.mu.Unlock()
		return JobResult{}, E(KindCapacity, "in-flight ceiling reached (%d/%d)", inFlight, c.maxInFlight)
	}
	ticket := &JobTicket{
		CorrelationID: uuid.NewString(),
		RequestID:     req.ID,
		TargetPool:    decision.TargetPool,
		Endpoint:      decision.Endpoint,
		TaskType:      req.TaskType,
		ArtifactRef:   req.ArtifactRef,
		DispatchTime:  time.Now(),
		Deadline:      deadline,
		state:         TicketPending,
		done:          make(chan JobResult, 1),
	}
	c.tickets[ticket.CorrelationID] = ticket
	c.mu.Unlock()
	c.metrics.InFlight.Inc()

	logrus.Debugf("[correlator] dispatch %s", ticket)
	c.dispatcher.Dispatch(ctx, ticket)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-ticket.done:
		return res, res.Err

	case <-timer.C:
		if c.transition(ticket.CorrelationID, TicketTimedOut) == nil {
			// The callback won the race inside the deadline; its result is
			// already buffered.
			res := <-ticket.done
			return res, res.Err
		}
		c.dispatcher.Abandon(ticket.CorrelationID)
		return JobResult{}, E(KindTimeout, "no callback for %s within %s (pool %s)",
			ticket.CorrelationID, deadline.Sub(ticket.DispatchTime).Round(time.Millisecond), ticket.TargetPool)

	case <-ctx.Done():
		if c.transition(ticket.CorrelationID, TicketCancelled) == nil {
			res := <-ticket.done
			return res, res.Err
		}
		c.dispatcher.Abandon(ticket.CorrelationID)
		return JobResult{}, Wrap(KindCancelled, ctx.Err())
	}
}

// OnResult delivers a completion for a correlation ID. A missing or
// non-pending ticket means the callback is a duplicate or arrived after
// timeout/cancellation: it is discarded without error. Returns true when the
// result resolved a pending ticket.
func (c *Correlator) OnResult(correlationID string, result JobResult) bool {
	ticket := c.transition(correlationID, TicketResolved)
	if ticket == nil {
		logrus.Debugf("[correlator] late or duplicate callback for %s discarded", correlationID)
		c.metrics.LateCallbacks.Inc()
		return false
	}
	result.CorrelationID = correlationID
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	ticket.done <- result
	return true
}

// transition moves a ticket out of TicketPending and removes it from the
// registry in one critical section. Returns nil when the ticket is missing or
// already terminal, so competing paths observe a single winner.
func (c *Correlator) transition(correlationID string, to TicketState) *JobTicket {
	c.mu.Lock()
	defer c.mu.Unlock()
	ticket, ok := c.tickets[correlationID]
	if !ok || ticket.state != TicketPending {
		return nil
	}
	ticket.state = to
	delete(c.tickets, correlationID)
	c.metrics.InFlight.Dec()
	return ticket
}
