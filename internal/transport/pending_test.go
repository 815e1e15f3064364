package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iot1/pldmagent/internal/testutil/testlog"
)

func TestPendingTableInsertCompleteRoundTrip(t *testing.T) {
	testlog.Start(t)
	table := newPendingTable()

	handle, err := table.insert(3, 20, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if table.len() != 1 {
		t.Fatalf("len after insert: %d", table.len())
	}

	target, ok := table.complete(3, []byte{0x0C, 0x02, 0x11})
	if !ok || target != 20 {
		t.Fatalf("complete: ok=%v target=%d", ok, target)
	}
	if table.len() != 0 {
		t.Fatalf("entry not removed on complete: len=%d", table.len())
	}
	if _, err := handle.Wait(context.Background()); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestPendingTableInsertCollision(t *testing.T) {
	testlog.Start(t)
	table := newPendingTable()
	if _, err := table.insert(7, 1, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := table.insert(7, 2, time.Now().Add(time.Second)); !errors.Is(err, ErrTagCollision) {
		t.Fatalf("expected ErrTagCollision, got %v", err)
	}
	if table.len() != 1 {
		t.Fatalf("collision mutated the table: len=%d", table.len())
	}
}

func TestPendingTableCompleteUnknownTag(t *testing.T) {
	testlog.Start(t)
	table := newPendingTable()
	if _, ok := table.complete(12, []byte{0}); ok {
		t.Fatalf("completed a tag that was never inserted")
	}
}

func TestPendingTableExpireOlderThan(t *testing.T) {
	testlog.Start(t)
	table := newPendingTable()
	now := time.Now()

	stale, err := table.insert(1, 10, now.Add(-time.Millisecond))
	if err != nil {
		t.Fatalf("insert stale: %v", err)
	}
	fresh, err := table.insert(2, 11, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	expired := table.expireOlderThan(now)
	if len(expired) != 1 || expired[0].tag != 1 || expired[0].target != 10 {
		t.Fatalf("expired set wrong: %+v", expired)
	}
	if _, err := stale.Wait(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("stale handle: expected ErrTimeout, got %v", err)
	}
	if table.len() != 1 {
		t.Fatalf("fresh entry touched by sweep: len=%d", table.len())
	}

	select {
	case <-fresh.Done():
		t.Fatalf("fresh handle resolved by sweep")
	default:
	}
}

func TestPendingTableDrainAll(t *testing.T) {
	testlog.Start(t)
	table := newPendingTable()
	handles := make([]*ResultHandle, 0, 5)
	for tag := uint8(0); tag < 5; tag++ {
		h, err := table.insert(tag, tag, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("insert %d: %v", tag, err)
		}
		handles = append(handles, h)
	}

	if n := table.drainAll(ErrTransportClosing); n != 5 {
		t.Fatalf("drain count: got=%d want=5", n)
	}
	if table.len() != 0 {
		t.Fatalf("entries left after drain: %d", table.len())
	}
	for i, h := range handles {
		if _, err := h.Wait(context.Background()); !errors.Is(err, ErrTransportClosing) {
			t.Fatalf("handle[%d]: %v", i, err)
		}
	}
}

func TestPendingTableRejectsInsertAfterDrain(t *testing.T) {
	testlog.Start(t)
	table := newPendingTable()
	if _, err := table.insert(1, 10, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n := table.drainAll(ErrTransportClosing); n != 1 {
		t.Fatalf("drain count: got=%d want=1", n)
	}

	// A registration arriving after the drain has no worker left to resolve
	// it; the table must turn it away rather than accept an orphan.
	if _, err := table.insert(3, 20, time.Now().Add(50*time.Millisecond)); !errors.Is(err, ErrTransportClosing) {
		t.Fatalf("expected ErrTransportClosing after drain, got %v", err)
	}
	if table.len() != 0 {
		t.Fatalf("drained table accepted an entry: len=%d", table.len())
	}
}

func TestResultHandleSingleAssignment(t *testing.T) {
	testlog.Start(t)
	h := newResultHandle()
	h.complete([]byte{0x01})
	// A losing fulfiller (late timeout, late drain) must be a harmless no-op.
	h.fail(ErrTimeout)
	h.complete([]byte{0x02})

	payload, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("first fulfillment lost: %v", err)
	}
	if len(payload) != 1 || payload[0] != 0x01 {
		t.Fatalf("payload overwritten: %x", payload)
	}
}

func TestResultHandleWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	h := newResultHandle()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
