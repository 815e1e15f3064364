package transport

import (
	"context"
	"sync"
)

// ResultHandle delivers one exchange's outcome to its original caller.
// It is single-assignment: exactly one of {response, timeout, send failure,
// shutdown} fulfills it, and later fulfillment attempts are no-ops.
type ResultHandle struct {
	done    chan struct{}
	once    sync.Once
	payload []byte
	err     error
}

func newResultHandle() *ResultHandle {
	return &ResultHandle{done: make(chan struct{})}
}

func failedHandle(err error) *ResultHandle {
	h := newResultHandle()
	h.fail(err)
	return h
}

func (h *ResultHandle) complete(payload []byte) {
	h.once.Do(func() {
		h.payload = payload
		close(h.done)
	})
}

func (h *ResultHandle) fail(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed once the exchange has resolved. Callers that interleave
// other work can select on it instead of blocking in Wait.
func (h *ResultHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the exchange resolves or ctx is cancelled.
func (h *ResultHandle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return h.payload, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
