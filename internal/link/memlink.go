package link

import (
	"errors"
	"sync"
)

var (
	ErrLinkClosed = errors.New("link: closed")
	ErrBacklog    = errors.New("link: outbound queue full")
)

const memQueueDepth = 64

// MemEnd is one side of an in-memory duplex pair. Frames written on one end
// surface on the other end's TryReceive, whole and in order.
type MemEnd struct {
	out chan []byte
	in  chan []byte

	mu     sync.Mutex
	closed bool
}

// MemPair returns two connected ends. Either end works as a transport.Link;
// tests and the daemon's loopback mode drive the far end directly.
func MemPair() (*MemEnd, *MemEnd) {
	ab := make(chan []byte, memQueueDepth)
	ba := make(chan []byte, memQueueDepth)
	a := &MemEnd{out: ab, in: ba}
	b := &MemEnd{out: ba, in: ab}
	return a, b
}

func (e *MemEnd) Send(msg []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrLinkClosed
	}
	e.mu.Unlock()

	frame := append([]byte(nil), msg...)
	select {
	case e.out <- frame:
		return nil
	default:
		return ErrBacklog
	}
}

func (e *MemEnd) TryReceive() ([]byte, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrLinkClosed
	}
	e.mu.Unlock()

	select {
	case frame := <-e.in:
		return frame, nil
	default:
		return nil, nil
	}
}

func (e *MemEnd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
