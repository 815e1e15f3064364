package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iot1/pldmagent/internal/pldm"
	"github.com/iot1/pldmagent/internal/testutil/testlog"
)

// stubLink is an in-test Link with an injectable inbox and a send hook.
type stubLink struct {
	mu     sync.Mutex
	inbox  [][]byte
	sent   [][]byte
	onSend func(msg []byte) error
	closed bool
}

func (l *stubLink) Send(msg []byte) error {
	l.mu.Lock()
	hook := l.onSend
	l.sent = append(l.sent, append([]byte(nil), msg...))
	l.mu.Unlock()
	if hook != nil {
		return hook(msg)
	}
	return nil
}

func (l *stubLink) TryReceive() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inbox) == 0 {
		return nil, nil
	}
	frame := l.inbox[0]
	l.inbox = l.inbox[1:]
	return frame, nil
}

func (l *stubLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *stubLink) inject(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inbox = append(l.inbox, frame)
}

func fastConfig() Config {
	return Config{
		PollInterval:   time.Millisecond,
		SweepInterval:  25 * time.Millisecond,
		DefaultTimeout: time.Second,
	}
}

func requestWithTag(tag uint8, body ...byte) []byte {
	return append(pldm.EncodeRequestHeader(tag, pldm.TypePlatform, pldm.CmdGetSensorReading), body...)
}

func responseWithTag(tag uint8, body ...byte) []byte {
	hdr, err := pldm.ResponseHeaderFor(requestWithTag(tag))
	if err != nil {
		panic(err)
	}
	return append(hdr, body...)
}

func startedTransport(t *testing.T, link Link, cfg Config) *Transport {
	t.Helper()
	tr := New(link, cfg)
	if err := tr.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestEndToEndExchange(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := startedTransport(t, link, fastConfig())

	req := requestWithTag(3, 0xAA)
	handle := tr.SendRequest(20, req, 5*time.Second)

	resp := responseWithTag(3, 0x00, 0x42)
	link.inject(resp)

	got, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !bytes.Equal(got, resp) {
		t.Fatalf("payload mismatch: got=%x want=%x", got, resp)
	}
	waitForPending(t, tr, 0)
}

func TestRegistrationBeforeSend(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := startedTransport(t, link, fastConfig())

	// The hook runs inside Send, before Send returns on the sending side:
	// the exchange must already be registered, and an instantaneous echo
	// must still find its waiter.
	link.onSend = func(msg []byte) error {
		if n := tr.PendingCount(); n != 1 {
			return fmt.Errorf("exchange not registered before send: pending=%d", n)
		}
		tag, err := pldm.InstanceID(msg)
		if err != nil {
			return err
		}
		link.inject(responseWithTag(tag, 0x01))
		return nil
	}

	tag := tr.AllocateTag()
	got, err := tr.SendAndWait(context.Background(), 7, requestWithTag(tag), time.Second)
	if err != nil {
		t.Fatalf("send and wait: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("expected echoed response payload")
	}
}

func TestTagSpaceExhaustionRejectsNewcomer(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := startedTransport(t, link, fastConfig())

	handles := make([]*ResultHandle, 0, pldm.InstanceIDCount)
	for tag := 0; tag < pldm.InstanceIDCount; tag++ {
		h := tr.SendRequest(uint8(tag), requestWithTag(uint8(tag)), time.Minute)
		handles = append(handles, h)
	}
	if n := tr.PendingCount(); n != pldm.InstanceIDCount {
		t.Fatalf("pending count: got=%d want=%d", n, pldm.InstanceIDCount)
	}

	// The 33rd concurrent request necessarily reuses an in-flight tag and
	// must fail fast without disturbing the prior holder.
	h := tr.SendRequest(33, requestWithTag(0), time.Minute)
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrTagCollision) {
		t.Fatalf("expected ErrTagCollision, got %v", err)
	}
	if n := tr.PendingCount(); n != pldm.InstanceIDCount {
		t.Fatalf("collision disturbed the table: pending=%d", n)
	}

	// Prior holder still resolves normally.
	link.inject(responseWithTag(0))
	if _, err := handles[0].Wait(context.Background()); err != nil {
		t.Fatalf("prior exchange on tag 0: %v", err)
	}
}

func TestTimeoutAccuracy(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	cfg := fastConfig()
	cfg.SweepInterval = 100 * time.Millisecond
	tr := startedTransport(t, link, cfg)

	start := time.Now()
	_, err := tr.SendAndWait(context.Background(), 5, requestWithTag(5), 200*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 200*time.Millisecond {
		t.Fatalf("timed out early: %v", elapsed)
	}
	if elapsed > 400*time.Millisecond {
		t.Fatalf("timeout overshot more than one sweep interval: %v", elapsed)
	}
	waitForPending(t, tr, 0)
}

func TestUnmatchedResponseIsIsolated(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := startedTransport(t, link, fastConfig())

	handle := tr.SendRequest(4, requestWithTag(4), time.Second)

	// Spurious frame for a tag nobody is waiting on.
	link.inject(responseWithTag(9))
	// Malformed runt frame.
	link.inject([]byte{0x01})
	// The real response.
	link.inject(responseWithTag(4, 0x55))

	got, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("pending exchange affected by spurious frames: %v", err)
	}
	if got[len(got)-1] != 0x55 {
		t.Fatalf("unexpected payload: %x", got)
	}
}

func TestSendFailureIsolation(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := startedTransport(t, link, fastConfig())

	failTag := uint8(10)
	link.onSend = func(msg []byte) error {
		tag, err := pldm.InstanceID(msg)
		if err != nil {
			return err
		}
		if tag == failTag {
			return errors.New("wire fault")
		}
		return nil
	}

	okHandle := tr.SendRequest(1, requestWithTag(11), time.Second)
	badHandle := tr.SendRequest(2, requestWithTag(failTag), time.Second)

	if _, err := badHandle.Wait(context.Background()); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if n := tr.PendingCount(); n != 1 {
		t.Fatalf("failed send left stale entry: pending=%d", n)
	}

	link.inject(responseWithTag(11))
	if _, err := okHandle.Wait(context.Background()); err != nil {
		t.Fatalf("concurrent exchange affected by send failure: %v", err)
	}
}

func TestCloseDrainsPendingExchanges(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := startedTransport(t, link, fastConfig())

	handles := make([]*ResultHandle, 0, 5)
	for tag := uint8(0); tag < 5; tag++ {
		handles = append(handles, tr.SendRequest(tag, requestWithTag(tag), time.Minute))
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := tr.PendingCount(); n != 0 {
		t.Fatalf("pending after close: %d", n)
	}
	for i, h := range handles {
		if _, err := h.Wait(context.Background()); !errors.Is(err, ErrTransportClosing) {
			t.Fatalf("handle[%d]: expected ErrTransportClosing, got %v", i, err)
		}
	}
	if !link.closed {
		t.Fatalf("link not released on close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := startedTransport(t, link, fastConfig())

	handle := tr.SendRequest(3, requestWithTag(3), time.Minute)
	if err := tr.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := handle.Wait(context.Background()); !errors.Is(err, ErrTransportClosing) {
		t.Fatalf("expected ErrTransportClosing once, got %v", err)
	}
	if tr.IsRunning() {
		t.Fatalf("transport still reports running after close")
	}
}

func TestSendRacingCloseNeverStrandsCaller(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := startedTransport(t, link, fastConfig())

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A sender can pass the running check just before Close swaps the state;
	// its registration then lands after the drain, when both workers are
	// gone. The table must refuse it so the caller resolves instead of
	// waiting past its deadline with no one left to fulfill it.
	if _, err := tr.table.insert(3, 20, time.Now().Add(50*time.Millisecond)); !errors.Is(err, ErrTransportClosing) {
		t.Fatalf("expected ErrTransportClosing for late registration, got %v", err)
	}
	if n := tr.PendingCount(); n != 0 {
		t.Fatalf("late registration orphaned an exchange: pending=%d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.SendRequest(20, requestWithTag(3), time.Minute).Wait(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("send after close must fail promptly, got %v", err)
	}
}

func TestCloseWithoutStartReleasesLink(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := New(link, fastConfig())

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !link.closed {
		t.Fatalf("link not released by close on a never-started transport")
	}
	if tr.IsRunning() {
		t.Fatalf("transport reports running after close")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSendRequestRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := New(link, fastConfig())

	if _, err := tr.SendRequest(1, requestWithTag(1), time.Second).Wait(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}

	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if _, err := tr.SendRequest(1, nil, time.Second).Wait(context.Background()); !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("expected ErrEmptyRequest, got %v", err)
	}
	if _, err := tr.SendRequest(1, []byte{0x80}, time.Second).Wait(context.Background()); !errors.Is(err, pldm.ErrShortMessage) {
		t.Fatalf("expected wrapped ErrShortMessage, got %v", err)
	}
}

func TestAllocateTagWrapsMonotonically(t *testing.T) {
	testlog.Start(t)
	tr := New(&stubLink{}, fastConfig())
	for round := 0; round < 2; round++ {
		for want := uint8(0); want < pldm.InstanceIDCount; want++ {
			if got := tr.AllocateTag(); got != want {
				t.Fatalf("round=%d: got=%d want=%d", round, got, want)
			}
		}
	}
}

func TestConcurrentExchangesResolveIndependently(t *testing.T) {
	testlog.Start(t)
	link := &stubLink{}
	tr := startedTransport(t, link, fastConfig())

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tag := tr.AllocateTag()
			handle := tr.SendRequest(uint8(i), requestWithTag(tag, byte(i)), 2*time.Second)
			link.inject(responseWithTag(tag, byte(i)))
			_, errs[i] = handle.Wait(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	waitForPending(t, tr, 0)
}

func waitForPending(t *testing.T, tr *Transport, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr.PendingCount() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending count never reached %d (now %d)", want, tr.PendingCount())
}
