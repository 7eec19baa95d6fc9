package statemachine

import (
	"context"
	"runtime"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/journal"
	"github.com/dsconnector/connector/lib/promise"
	"github.com/dsconnector/connector/metrics"
)

// RetryProcess is one attempt of a business operation on a leased entity.
// Execute reports whether the attempt was made, i.e. whether the entity was
// consumed this cycle, not whether the operation succeeded.
type RetryProcess interface {
	Execute(ctx context.Context, description string) bool
}

// Handlers receive the outcome of an attempt. Except for OnDelay they are
// expected to transition and save the entity they are given; the process
// itself never persists anything.
type Handlers[E entity.Entity, C any] struct {
	// OnDelay is called instead of the operation while the entity is still
	// backing off. It typically saves the entity unchanged to release it.
	OnDelay func(ctx context.Context, e E)

	OnSuccess func(ctx context.Context, e E, content C)

	// OnFailure is called for a retryable failure within the retry budget.
	OnFailure func(ctx context.Context, e E, err error)

	OnRetryExhausted func(ctx context.Context, e E, err error)

	// OnFatalError defaults to OnRetryExhausted.
	OnFatalError func(ctx context.Context, e E, err error)
}

// AttemptEvt is journaled for delayed, exhausted and fatally failed attempts.
type AttemptEvt struct {
	EntityID    string
	State       int
	StateCount  int
	Description string
	Error       string `json:",omitempty"`
}

func attemptEvt(e entity.Entity, description string, err error) func() interface{} {
	return func() interface{} {
		b := e.Base()
		evt := AttemptEvt{EntityID: b.ID, State: b.State, StateCount: b.StateCount, Description: description}
		if err != nil {
			evt.Error = err.Error()
		}
		return evt
	}
}

func recordOutcome(ctx context.Context, outcome string) {
	metrics.Record(ctx, []tag.Mutator{tag.Upsert(metrics.Outcome, outcome)}, metrics.StateMachineProcessed.M(1))
}

func delayed[E entity.Entity](ctx context.Context, e E, description string, onDelay func(context.Context, E)) {
	log.Debugw("attempt delayed", "id", e.Base().ID, "state", e.Base().State, "stateCount", e.Base().StateCount, "process", description)
	stats.Record(ctx, metrics.StateMachineDelayed.M(1))
	journal.Record("statemachine", "delayed", attemptEvt(e, description, nil))
	if onDelay != nil {
		onDelay(ctx, e)
	}
}

// SimpleRetryProcess runs an operation whose only outcome is whether it
// made progress.
type SimpleRetryProcess[E entity.Entity] struct {
	Entity  E
	Retry   SendRetryManager
	Process func(ctx context.Context) bool
	OnDelay func(ctx context.Context, e E)
}

func (p *SimpleRetryProcess[E]) Execute(ctx context.Context, description string) bool {
	if p.Retry.ShouldDelay(p.Entity) {
		delayed(ctx, p.Entity, description, p.OnDelay)
		return false
	}

	log.Debugw("executing", "id", p.Entity.Base().ID, "process", description)
	ok := p.Process(ctx)
	if ok {
		recordOutcome(ctx, "ok")
	} else {
		recordOutcome(ctx, "noop")
	}
	return ok
}

// StatusResultRetryProcess runs an operation synchronously and routes its
// StatusResult to the handlers.
type StatusResultRetryProcess[E entity.Entity, C any] struct {
	Entity   E
	Retry    SendRetryManager
	Process  func(ctx context.Context) StatusResult[C]
	Handlers Handlers[E, C]
}

func (p *StatusResultRetryProcess[E, C]) Execute(ctx context.Context, description string) bool {
	if p.Retry.ShouldDelay(p.Entity) {
		delayed(ctx, p.Entity, description, p.Handlers.OnDelay)
		return false
	}

	log.Debugw("executing", "id", p.Entity.Base().ID, "process", description)
	dispatch(ctx, p.Retry, p.Entity, description, p.Process(ctx), p.Handlers)
	return true
}

// AsyncStatusResultRetryProcess starts an operation which completes later,
// possibly on another goroutine. On completion the entity is loaded again by
// id, since it may have changed meanwhile, and the result is routed to the
// handlers on the completing goroutine.
type AsyncStatusResultRetryProcess[E entity.Entity, C any] struct {
	Entity         E
	Retry          SendRetryManager
	Process        func(ctx context.Context) *promise.Promise[StatusResult[C]]
	EntityRetrieve func(ctx context.Context, id string) (E, error)
	Handlers       Handlers[E, C]
}

func (p *AsyncStatusResultRetryProcess[E, C]) Execute(ctx context.Context, description string) bool {
	if p.Retry.ShouldDelay(p.Entity) {
		delayed(ctx, p.Entity, description, p.Handlers.OnDelay)
		return false
	}

	id := p.Entity.Base().ID
	log.Debugw("executing async", "id", id, "process", description)
	pr := p.Process(ctx)

	goAsync(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				stack := make([]byte, 4092)
				sz := runtime.Stack(stack, false)
				log.Errorw("recovered from panic completing async process", "id", id, "process", description, "panic", r, "stack", string(stack[:sz]))
			}
		}()
		p.complete(ctx, id, description, pr)
	})
	return true
}

func (p *AsyncStatusResultRetryProcess[E, C]) complete(ctx context.Context, id, description string, pr *promise.Promise[StatusResult[C]]) {
	select {
	case <-pr.Done():
	case <-ctx.Done():
		// the lease expires and the attempt is made again
		log.Warnw("async process abandoned", "id", id, "process", description, "error", ctx.Err())
		return
	}
	res := pr.Val(ctx)

	e, err := p.EntityRetrieve(ctx, id)
	if err != nil {
		log.Errorw("reloading entity after async process", "id", id, "process", description, "error", err)
		return
	}
	if entity.IsNil(e) {
		log.Warnw("entity vanished during async process", "id", id, "process", description)
		return
	}
	dispatch(ctx, p.Retry, e, description, res, p.Handlers)
}

func dispatch[E entity.Entity, C any](ctx context.Context, retry SendRetryManager, e E, description string, res StatusResult[C], h Handlers[E, C]) {
	id := e.Base().ID

	switch res.Status {
	case StatusOK:
		recordOutcome(ctx, "ok")
		if h.OnSuccess != nil {
			h.OnSuccess(ctx, e, res.Content)
		}
		return
	case StatusFatalError:
		recordOutcome(ctx, "fatal")
		err := failure(res)
		log.Errorw("fatal failure", "id", id, "process", description, "error", err)
		journal.Record("statemachine", "fatal", attemptEvt(e, description, err))
		if h.OnFatalError != nil {
			h.OnFatalError(ctx, e, err)
		} else if h.OnRetryExhausted != nil {
			h.OnRetryExhausted(ctx, e, err)
		}
		return
	}

	err := failure(res)
	if retry.RetriesExhausted(e) {
		recordOutcome(ctx, "exhausted")
		stats.Record(ctx, metrics.StateMachineExhausted.M(1))
		log.Warnw("retries exhausted", "id", id, "process", description, "stateCount", e.Base().StateCount, "error", err)
		journal.Record("statemachine", "exhausted", attemptEvt(e, description, err))
		if h.OnRetryExhausted != nil {
			h.OnRetryExhausted(ctx, e, err)
		}
		return
	}

	recordOutcome(ctx, "retry")
	log.Infow("attempt failed, will retry", "id", id, "process", description, "stateCount", e.Base().StateCount, "error", err)
	if h.OnFailure != nil {
		h.OnFailure(ctx, e, err)
	}
}

func failure[C any](res StatusResult[C]) error {
	if res.Failure != nil {
		return res.Failure
	}
	return xerrors.Errorf("operation failed with status %s", res.Status)
}
