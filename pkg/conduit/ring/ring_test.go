package ring

import (
	"sync"
	"testing"
	"time"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
)

func mustNew(t *testing.T, cfg Config) *Buffer {
	t.Helper()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestEmptyFullInvariant(t *testing.T) {
	b := mustNew(t, Config{ElementType: batch.U32, RingExpo: 2, BatchExpo: 4, Overflow: DropTail, TimeoutUs: 1000})
	if !b.IsEmpty() {
		t.Fatal("new buffer must be empty")
	}
	for i := 0; i < int(b.Capacity()); i++ {
		slot := b.GetHead()
		slot.Head = 1
		if err := b.Submit(0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if !b.IsFull() {
		t.Fatal("buffer should be full after ring_capacity submits")
	}
	if got := b.Available(); got != b.Capacity() {
		t.Fatalf("available = %d, want %d", got, b.Capacity())
	}
}

func TestRingSizeOneBlocksUntilConsumed(t *testing.T) {
	b := mustNew(t, Config{ElementType: batch.U32, RingExpo: 0, BatchExpo: 2, Overflow: Block, TimeoutUs: 50_000})
	slot := b.GetHead()
	slot.Head = 1
	if err := b.Submit(1000); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		s := b.GetHead()
		s.Head = 1
		done <- b.Submit(50_000)
	}()

	select {
	case err := <-done:
		t.Fatalf("submit on full single-slot ring returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	got, err := b.GetTail(0)
	if err != nil {
		t.Fatalf("get_tail: %v", err)
	}
	_ = got
	b.DelTail()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked submit failed after consume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked submit never unblocked after DelTail")
	}
}

func TestDropHeadKeepsNewestWindow(t *testing.T) {
	b := mustNew(t, Config{ElementType: batch.U32, RingExpo: 1, BatchExpo: 2, Overflow: DropHead, TimeoutUs: 0})
	for i := 0; i < 10; i++ {
		slot := b.GetHead()
		slot.Head = 1
		slot.BatchID = uint64(i)
		if err := b.Submit(0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	stats := b.Stats()
	if stats.DroppedBatches == 0 {
		t.Fatal("expected drops under DropHead with producer faster than consumer")
	}
	last, err := b.GetTail(0)
	if err != nil {
		t.Fatalf("get_tail: %v", err)
	}
	if last.BatchID < 8 {
		t.Fatalf("DropHead must keep the newest window; got oldest surviving batch_id=%d", last.BatchID)
	}
}

func TestDropTailKeepsOldestAndDiscardsNew(t *testing.T) {
	b := mustNew(t, Config{ElementType: batch.U32, RingExpo: 1, BatchExpo: 2, Overflow: DropTail, TimeoutUs: 0})
	for i := 0; i < 10; i++ {
		slot := b.GetHead()
		slot.Head = 1
		slot.BatchID = uint64(i)
		if err := b.Submit(0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	first, err := b.GetTail(0)
	if err != nil {
		t.Fatalf("get_tail: %v", err)
	}
	if first.BatchID != 0 {
		t.Fatalf("DropTail must preserve the oldest window; got batch_id=%d", first.BatchID)
	}
	if b.Stats().DroppedBatches == 0 {
		t.Fatal("expected DropTail to count discarded submissions")
	}
}

func TestStopForceReturnsBlockedWaiters(t *testing.T) {
	b := mustNew(t, Config{ElementType: batch.U32, RingExpo: 2, BatchExpo: 2, Overflow: Block, TimeoutUs: 0})
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.GetTail(0)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	b.Stop()
	wg.Wait()
	close(errs)
	for err := range errs {
		if ce, ok := err.(*cerr.Error); !ok || ce.Kind != cerr.Stopped {
			t.Fatalf("blocked waiter did not see Stopped: %v", err)
		}
	}
}

func TestTimeoutIsNotFatal(t *testing.T) {
	b := mustNew(t, Config{ElementType: batch.U32, RingExpo: 1, BatchExpo: 2, Overflow: Block, TimeoutUs: 5000})
	_, err := b.GetTail(5000)
	ce, ok := err.(*cerr.Error)
	if !ok || ce.Kind != cerr.Timeout {
		t.Fatalf("expected Timeout on empty ring, got %v", err)
	}
	if b.IsEmpty() != true {
		t.Fatal("timeout must not mutate ring state")
	}
}

func TestFIFOOrderPreserved(t *testing.T) {
	b := mustNew(t, Config{ElementType: batch.U32, RingExpo: 3, BatchExpo: 2, Overflow: Block, TimeoutUs: 0})
	for i := 0; i < 5; i++ {
		slot := b.GetHead()
		slot.Head = 1
		slot.BatchID = uint64(i)
		if err := b.Submit(0); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		got, err := b.GetTail(0)
		if err != nil {
			t.Fatalf("get_tail: %v", err)
		}
		if got.BatchID != uint64(i) {
			t.Fatalf("FIFO violated: got batch_id=%d at position %d, want %d", got.BatchID, i, i)
		}
		b.DelTail()
	}
}

func TestCompleteBatchOfSizeZeroIsTerminatorNotData(t *testing.T) {
	b := mustNew(t, Config{ElementType: batch.U32, RingExpo: 1, BatchExpo: 2, Overflow: Block, TimeoutUs: 0})
	slot := b.GetHead()
	slot.Head = 0
	slot.Status = batch.Complete
	if err := b.Submit(0); err != nil {
		t.Fatalf("submit complete: %v", err)
	}
	got, err := b.GetTail(0)
	if err != nil {
		t.Fatalf("get_tail: %v", err)
	}
	if got.Status != batch.Complete {
		t.Fatal("status must survive the ring")
	}
	if got.Head != 0 {
		t.Fatal("a size-0 COMPLETE batch must not be mistaken for data")
	}
}
