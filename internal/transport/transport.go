package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/iot1/pldmagent/internal/logging"
	"github.com/iot1/pldmagent/internal/observability"
	"github.com/iot1/pldmagent/internal/pldm"
)

var (
	ErrAlreadyStarted   = errors.New("transport: already started")
	ErrNotRunning       = errors.New("transport: not running")
	ErrEmptyRequest     = errors.New("transport: empty request message")
	ErrSendFailed       = errors.New("transport: link send failed")
	ErrTimeout          = errors.New("transport: request timeout")
	ErrTransportClosing = errors.New("transport: closing")
)

const (
	stateUninitialized int32 = iota
	stateRunning
	stateClosing
	stateClosed
)

// Config tunes the transport's worker cadence and request defaults.
type Config struct {
	// PollInterval bounds how long the receive loop sleeps between link polls,
	// and therefore how promptly it observes shutdown.
	PollInterval time.Duration

	// SweepInterval is the timeout sweeper period. Caller timeouts shorter
	// than one interval are effectively rounded up to it.
	SweepInterval time.Duration

	// DefaultTimeout applies when SendRequest is given a non-positive timeout.
	DefaultTimeout time.Duration
}

func (c Config) WithDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 100 * time.Millisecond
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Second
	}
	return c
}

// Transport multiplexes concurrent request/response exchanges over one Link,
// correlating responses to waiters by the 5-bit instance ID in each frame.
type Transport struct {
	cfg  Config
	link Link
	log  zerolog.Logger

	table   *pendingTable
	nextTag atomic.Uint32

	state     atomic.Int32
	stop      chan struct{}
	workers   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func New(link Link, cfg Config) *Transport {
	return &Transport{
		cfg:   cfg.WithDefaults(),
		link:  link,
		log:   logging.Component("transport"),
		table: newPendingTable(),
		stop:  make(chan struct{}),
	}
}

// Start spawns the receive loop and timeout sweeper. Call at most once.
func (t *Transport) Start() error {
	if !t.state.CompareAndSwap(stateUninitialized, stateRunning) {
		return ErrAlreadyStarted
	}
	t.workers.Add(2)
	go t.receiveLoop()
	go t.sweepLoop()
	t.log.Info().
		Dur("poll_interval", t.cfg.PollInterval).
		Dur("sweep_interval", t.cfg.SweepInterval).
		Msg("transport started")
	return nil
}

// AllocateTag hands out the next correlation tag, wrapping modulo the
// instance-ID space. Uniqueness holds only while fewer than 32 exchanges are
// truly concurrent; SendRequest rejects reuse of a tag still in flight.
func (t *Transport) AllocateTag() uint8 {
	return uint8((t.nextTag.Add(1) - 1) % pldm.InstanceIDCount)
}

// SendRequest registers one exchange and hands the framed request to the
// link. The caller must already have stamped the message header with a tag
// from AllocateTag. The returned handle resolves with exactly one of the
// response payload, ErrTimeout, ErrSendFailed, or ErrTransportClosing; bad
// input or transport state yields a pre-failed handle.
func (t *Transport) SendRequest(target uint8, msg []byte, timeout time.Duration) *ResultHandle {
	if len(msg) == 0 {
		observability.RecordRequestRejected()
		return failedHandle(ErrEmptyRequest)
	}
	if t.state.Load() != stateRunning {
		observability.RecordRequestRejected()
		return failedHandle(ErrNotRunning)
	}
	tag, err := pldm.InstanceID(msg)
	if err != nil {
		observability.RecordRequestRejected()
		return failedHandle(fmt.Errorf("transport: undecodable request header: %w", err))
	}
	if timeout <= 0 {
		timeout = t.cfg.DefaultTimeout
	}

	// Register before sending: a response that races back before Send
	// returns must already find its waiter.
	handle, err := t.table.insert(tag, target, time.Now().Add(timeout))
	if err != nil {
		observability.RecordRequestRejected()
		if errors.Is(err, ErrTagCollision) {
			t.log.Warn().Uint8("tag", tag).Uint8("target", target).Msg("tag still in flight, request rejected")
		}
		return failedHandle(err)
	}
	observability.SetPendingExchanges(t.table.len())

	if err := t.link.Send(msg); err != nil {
		t.table.removeAndFail(tag, fmt.Errorf("%w: %v", ErrSendFailed, err))
		observability.RecordSendFailure()
		observability.SetPendingExchanges(t.table.len())
		t.log.Error().Err(err).Uint8("tag", tag).Uint8("target", target).Msg("link send failed")
		return handle
	}
	observability.RecordRequestSent()
	return handle
}

// SendAndWait is the blocking convenience wrapper around SendRequest.
func (t *Transport) SendAndWait(ctx context.Context, target uint8, msg []byte, timeout time.Duration) ([]byte, error) {
	return t.SendRequest(target, msg, timeout).Wait(ctx)
}

// Close stops both workers, fails every remaining exchange with
// ErrTransportClosing, and releases the link. Idempotent; safe from any
// goroutine.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if !t.state.CompareAndSwap(stateRunning, stateClosing) {
			// Never started: no workers to join, but the link is still ours
			// to release.
			t.closeErr = t.link.Close()
			t.state.Store(stateClosed)
			return
		}
		close(t.stop)
		t.workers.Wait()

		// Drain from the closing goroutine, after the receive loop has
		// exited, so drain and loop completions cannot race.
		if n := t.table.drainAll(ErrTransportClosing); n > 0 {
			t.log.Info().Int("drained", n).Msg("failed remaining exchanges on close")
		}
		observability.SetPendingExchanges(0)
		t.closeErr = t.link.Close()
		t.state.Store(stateClosed)
		t.log.Info().Msg("transport closed")
	})
	return t.closeErr
}

func (t *Transport) PendingCount() int {
	return t.table.len()
}

func (t *Transport) IsRunning() bool {
	return t.state.Load() == stateRunning
}

func (t *Transport) receiveLoop() {
	defer t.workers.Done()
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		frame, err := t.link.TryReceive()
		if err != nil {
			// Link-level trouble cannot be attributed to one exchange;
			// log and keep the loop alive.
			t.log.Warn().Err(err).Msg("link receive error")
			if !t.sleepPoll() {
				return
			}
			continue
		}
		if frame == nil {
			if !t.sleepPoll() {
				return
			}
			continue
		}

		tag, err := pldm.InstanceID(frame)
		if err != nil {
			observability.RecordMalformedFrame()
			t.log.Warn().Int("len", len(frame)).Msg("discarding malformed inbound frame")
			continue
		}

		target, ok := t.table.complete(tag, frame)
		if !ok {
			// Expected under races with timeout expiry.
			observability.RecordUnmatchedFrame()
			t.log.Warn().Uint8("tag", tag).Int("len", len(frame)).Msg("no pending exchange for inbound frame")
			continue
		}
		observability.RecordResponseMatched()
		observability.SetPendingExchanges(t.table.len())
		t.log.Debug().Uint8("tag", tag).Uint8("target", target).Int("len", len(frame)).Msg("response delivered")
	}
}

func (t *Transport) sweepLoop() {
	defer t.workers.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			expired := t.table.expireOlderThan(now)
			if len(expired) == 0 {
				continue
			}
			observability.RecordTimeout(len(expired))
			observability.SetPendingExchanges(t.table.len())
			for _, e := range expired {
				t.log.Warn().Uint8("tag", e.tag).Uint8("target", e.target).Msg("request timeout")
			}
		}
	}
}

func (t *Transport) sleepPoll() bool {
	select {
	case <-t.stop:
		return false
	case <-time.After(t.cfg.PollInterval):
		return true
	}
}
