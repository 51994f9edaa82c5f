package smartcard

import "sync"

// Completion is a one-shot result slot. Blocking backends resolve it from
// the goroutine running the native call; event-driven backends resolve it
// from their event dispatcher when the matching reply arrives.
type Completion[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewCompletion returns an unresolved Completion.
func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Resolve stores the result. Only the first call has any effect; it
// reports whether this call won.
func (c *Completion[T]) Resolve(v T, err error) bool {
	won := false
	c.once.Do(func() {
		c.val, c.err = v, err
		close(c.done)
		won = true
	})
	return won
}

// Done is closed once the completion is resolved.
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Result returns the stored value. It must only be called after Done is
// closed.
func (c *Completion[T]) Result() (T, error) {
	<-c.done
	return c.val, c.err
}

// Go runs fn on its own goroutine and returns a Completion resolved with
// its result. A panic in fn resolves the completion with a PlatformError.
func Go[T any](fn func() (T, error)) *Completion[T] {
	c := NewCompletion[T]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				c.Resolve(zero, Errorf(KindPlatformError, "", "native call panicked: %v", r))
			}
		}()
		v, err := fn()
		c.Resolve(v, err)
	}()
	return c
}
