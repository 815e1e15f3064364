package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrTagCollision = errors.New("transport: correlation tag still in flight")

type pendingExchange struct {
	tag      uint8
	target   uint8
	deadline time.Time
	handle   *ResultHandle
}

type expiredExchange struct {
	tag    uint8
	target uint8
}

// pendingTable is the registry of in-flight exchanges, keyed by correlation
// tag. All operations are atomic under one lock; neither the map nor the lock
// ever escapes, so registration-before-send cannot be bypassed from outside.
type pendingTable struct {
	mu      sync.Mutex
	closed  bool
	entries map[uint8]*pendingExchange
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint8]*pendingExchange)}
}

// insert registers a new exchange. The tag must not already be in flight;
// rejecting the newcomer (rather than evicting the prior caller) keeps every
// waiter with exactly one fulfiller. A closed table rejects all registrations:
// a sender racing shutdown may pass the transport's state check before the
// drain runs, and an entry inserted after the drain would outlive both
// workers with no one left to fulfill it.
func (t *pendingTable) insert(tag, target uint8, deadline time.Time) (*ResultHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosing
	}
	if _, ok := t.entries[tag]; ok {
		return nil, fmt.Errorf("%w: tag=%d", ErrTagCollision, tag)
	}
	handle := newResultHandle()
	t.entries[tag] = &pendingExchange{
		tag:      tag,
		target:   target,
		deadline: deadline,
		handle:   handle,
	}
	return handle, nil
}

// complete removes the entry for tag, if any, and fulfills it with payload.
// A missing entry is a normal race with timeout expiry, reported via ok=false.
func (t *pendingTable) complete(tag uint8, payload []byte) (target uint8, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[tag]
	if !ok {
		return 0, false
	}
	delete(t.entries, tag)
	entry.handle.complete(payload)
	return entry.target, true
}

// removeAndFail is the send-failure path: the just-inserted entry is taken
// back out instead of being left to time out.
func (t *pendingTable) removeAndFail(tag uint8, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[tag]
	if !ok {
		return false
	}
	delete(t.entries, tag)
	entry.handle.fail(err)
	return true
}

// expireOlderThan removes and fails every entry whose deadline has passed,
// returning the expired tags for diagnostics.
func (t *pendingTable) expireOlderThan(now time.Time) []expiredExchange {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []expiredExchange
	for tag, entry := range t.entries {
		if now.After(entry.deadline) {
			delete(t.entries, tag)
			entry.handle.fail(fmt.Errorf("%w: tag=%d target=%d", ErrTimeout, tag, entry.target))
			expired = append(expired, expiredExchange{tag: tag, target: entry.target})
		}
	}
	return expired
}

// drainAll removes and fails every remaining entry and closes the table to
// further registrations. Shutdown only.
func (t *pendingTable) drainAll(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	n := len(t.entries)
	for tag, entry := range t.entries {
		delete(t.entries, tag)
		entry.handle.fail(err)
	}
	return n
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
