package http2

import "sync"

// Promise is a single-shot completion primitive: exactly one of Resolve or
// Reject ever takes effect, and every callback registered before or after
// that point is invoked exactly once, in registration order.
//
// It stands in for spec.md §9's "promise/future composition" pattern —
// the teacher instead used bare channels (clientStream.respHeaderRecv,
// donec) for the single case it needed; Promise generalizes that into a
// reusable type, used by the Client Stream Handler to fulfill a response.
type Promise[T any] struct {
	mu       sync.Mutex
	done     bool
	val      T
	err      error
	waiters  []chan struct{}
	onResult []func(T, error)
}

// NewPromise returns an unresolved Promise.
func NewPromise[T any]() *Promise[T] { return &Promise[T]{} }

// Resolve fulfills the promise with val. A second call is a no-op, matching
// spec.md §8's idempotence invariant for single-shot completions.
func (p *Promise[T]) Resolve(val T) { p.complete(val, nil) }

// Reject fulfills the promise with err.
func (p *Promise[T]) Reject(err error) {
	var zero T
	p.complete(zero, err)
}

func (p *Promise[T]) complete(val T, err error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.val, p.err = val, err
	waiters := p.waiters
	callbacks := p.onResult
	p.waiters = nil
	p.onResult = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, cb := range callbacks {
		cb(val, err)
	}
}

// Done reports whether the promise has resolved or rejected.
func (p *Promise[T]) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Wait blocks until the promise completes and returns its value or error.
func (p *Promise[T]) Wait() (T, error) {
	p.mu.Lock()
	if p.done {
		val, err := p.val, p.err
		p.mu.Unlock()
		return val, err
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()
	<-ch
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val, p.err
}

// OnComplete registers fn to run when the promise settles. If it has
// already settled, fn runs synchronously before OnComplete returns —
// callers that must not re-enter the connection's event loop should
// instead schedule fn's real work onto Conn.actions from inside fn, per
// spec.md §9's re-entrancy guidance.
func (p *Promise[T]) OnComplete(fn func(T, error)) {
	p.mu.Lock()
	if p.done {
		val, err := p.val, p.err
		p.mu.Unlock()
		fn(val, err)
		return
	}
	p.onResult = append(p.onResult, fn)
	p.mu.Unlock()
}
