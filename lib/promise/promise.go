package promise

import (
	"context"
	"sync"
)

// Promise is a value which will be set exactly once, possibly from another
// goroutine. Readers block in Val until it is set or their context ends.
type Promise[T any] struct {
	val  T
	done chan struct{}
	mu   sync.Mutex
	set  bool
}

func (p *Promise[T]) init() {
	if p.done == nil {
		p.done = make(chan struct{})
	}
}

// Set stores the value and wakes all waiters. Setting twice panics.
func (p *Promise[T]) Set(val T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.init()

	if p.set {
		panic("promise set twice")
	}
	p.val = val
	p.set = true
	close(p.done)
}

func (p *Promise[T]) IsSet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set
}

// Val returns the value, or the zero value if ctx is done first.
func (p *Promise[T]) Val(ctx context.Context) T {
	p.mu.Lock()
	p.init()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.val
	case <-ctx.Done():
		var zero T
		return zero
	}
}

// Done is closed once the value is set.
func (p *Promise[T]) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.init()
	return p.done
}

// Resolved returns a promise that already holds val.
func Resolved[T any](val T) *Promise[T] {
	p := new(Promise[T])
	p.Set(val)
	return p
}
