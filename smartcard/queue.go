package smartcard

import "context"

// serialQueue admits one operation at a time. Goroutines blocked on a
// channel are woken in arrival order, so a capacity-1 token channel gives
// FIFO admission that can still be abandoned through ctx.
type serialQueue chan struct{}

func newSerialQueue() serialQueue {
	q := make(serialQueue, 1)
	q <- struct{}{}
	return q
}

// acquire waits for the token. The returned error is the ctx error, left
// for the caller to map.
func (q serialQueue) acquire(ctx context.Context) error {
	select {
	case <-q:
		return nil
	default:
	}
	select {
	case <-q:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q serialQueue) release() {
	q <- struct{}{}
}
