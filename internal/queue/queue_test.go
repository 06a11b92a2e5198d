package queue

import (
	"fmt"
	"os"
	"testing"
	"time"
)

func testQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "journal-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	q, err := Open(tmpDir, 256, 90)
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	return q, tmpDir
}

func TestEnqueueHeadAck(t *testing.T) {
	q, _ := testQueue(t)
	defer q.Close()

	for i := 0; i < 5; i++ {
		payload := []byte(fmt.Sprintf(`{"n":%d}`, i))
		if err := q.Enqueue(KindEvidence, payload); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	items, err := q.Head(KindEvidence, 3)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	// FIFO: sequences strictly ascending, payloads in insert order.
	for i := 1; i < len(items); i++ {
		if items[i].Seq <= items[i-1].Seq {
			t.Errorf("sequences not ascending: %d then %d", items[i-1].Seq, items[i].Seq)
		}
	}
	if string(items[0].Payload) != `{"n":0}` {
		t.Errorf("head not oldest-first: %s", items[0].Payload)
	}

	// Head does not remove.
	if n, _ := q.Size(KindEvidence); n != 5 {
		t.Errorf("expected size 5 after head, got %d", n)
	}

	if err := q.Ack(KindEvidence, items[2].Seq); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.Size(KindEvidence); n != 2 {
		t.Errorf("expected size 2 after ack, got %d", n)
	}
	remaining, _ := q.Head(KindEvidence, 10)
	if string(remaining[0].Payload) != `{"n":3}` {
		t.Errorf("ack removed wrong items, oldest now %s", remaining[0].Payload)
	}
}

func TestKindsAreIndependentFIFOs(t *testing.T) {
	q, _ := testQueue(t)
	defer q.Close()

	if err := q.Enqueue(KindEvidence, []byte("e1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(KindPatterns, []byte("p1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(KindEvidence, []byte("e2")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ev, _ := q.Head(KindEvidence, 10)
	if len(ev) != 2 || string(ev[0].Payload) != "e1" {
		t.Errorf("evidence queue wrong: %d items", len(ev))
	}
	pat, _ := q.Head(KindPatterns, 10)
	if len(pat) != 1 || string(pat[0].Payload) != "p1" {
		t.Errorf("patterns queue wrong: %d items", len(pat))
	}

	// Acking evidence must not touch patterns.
	if err := q.Ack(KindEvidence, ev[1].Seq); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.Size(KindPatterns); n != 1 {
		t.Errorf("ack leaked across kinds: patterns size %d", n)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "journal-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	q, err := Open(tmpDir, 256, 90)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 12; i++ {
		if err := q.Enqueue(KindEvidence, []byte(fmt.Sprintf("bundle-%02d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := q.SetChainHead("ab12", "bundle-11"); err != nil {
		t.Fatalf("set chain head: %v", err)
	}
	if err := q.MarkExecuted("order-1"); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	q2, err := Open(tmpDir, 256, 90)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	items, err := q2.Head(KindEvidence, 20)
	if err != nil {
		t.Fatalf("head after reopen: %v", err)
	}
	if len(items) != 12 {
		t.Fatalf("expected 12 items after reopen, got %d", len(items))
	}
	for i, it := range items {
		want := fmt.Sprintf("bundle-%02d", i)
		if string(it.Payload) != want {
			t.Errorf("item %d: got %s, want %s", i, it.Payload, want)
		}
	}

	prev, last, ok, err := q2.ChainHead()
	if err != nil || !ok {
		t.Fatalf("chain head after reopen: ok=%v err=%v", ok, err)
	}
	if prev != "ab12" || last != "bundle-11" {
		t.Errorf("chain head wrong: %s / %s", prev, last)
	}

	executed, err := q2.WasExecuted("order-1")
	if err != nil || !executed {
		t.Errorf("executed set lost across reopen: %v %v", executed, err)
	}
}

func TestExecutedOrderSet(t *testing.T) {
	q, _ := testQueue(t)
	defer q.Close()

	executed, err := q.WasExecuted("order-x")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if executed {
		t.Error("unseen order reported executed")
	}

	if err := q.MarkExecuted("order-x"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// Marking twice is fine.
	if err := q.MarkExecuted("order-x"); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	executed, _ = q.WasExecuted("order-x")
	if !executed {
		t.Error("order not reported executed after mark")
	}

	// Fresh records survive a prune with a long horizon.
	n, err := q.PruneExecuted(30 * time.Minute)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 pruned, got %d", n)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "journal-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	// 1 MB cap, 90 day floor: nothing is ever old enough to evict.
	q, err := Open(tmpDir, 1, 90)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()

	big := make([]byte, 512*1024)
	if err := q.Enqueue(KindEvidence, big); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(KindEvidence, big); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	err = q.Enqueue(KindEvidence, big)
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// The failed enqueue must not have inserted anything.
	if n, _ := q.Size(KindEvidence); n != 2 {
		t.Errorf("expected 2 items after full, got %d", n)
	}
}

func TestBackoffSchedule(t *testing.T) {
	q, _ := testQueue(t)
	defer q.Close()

	now := time.Now()
	if !q.Ready(KindEvidence, now) {
		t.Fatal("fresh kind should be ready")
	}

	next := q.RecordFailure(KindEvidence)
	if next.Before(now) {
		t.Error("next attempt scheduled in the past")
	}
	if q.Ready(KindEvidence, now) {
		t.Error("kind ready immediately after failure")
	}
	if !q.Ready(KindEvidence, next.Add(time.Second)) {
		t.Error("kind not ready after backoff window")
	}

	// Delays grow but never exceed the cap.
	var last time.Duration
	for i := 0; i < 12; i++ {
		next = q.RecordFailure(KindEvidence)
		d := time.Until(next)
		if d > backoffCap+time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", i, d)
		}
		last = d
	}
	if last < backoffCap-backoffBase {
		t.Errorf("delay should have reached the cap, got %v", last)
	}

	q.RecordSuccess(KindEvidence)
	if q.Attempts(KindEvidence) != 0 {
		t.Error("attempts not reset on success")
	}
	if !q.Ready(KindEvidence, time.Now()) {
		t.Error("kind not ready after success")
	}
}
