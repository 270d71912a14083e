package archetype

import (
	"context"
	"testing"
	"time"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/ring"
)

// TestTeeDuplicateMixedPolicies duplicates one feed across two outputs
// with different policies: one BLOCK, one DROP_TAIL with ring capacity 1
// and a slow consumer. After several submissions, output 0 must have
// received every batch while output 1 has at most ring_capacity and has
// recorded drops.
func TestTeeDuplicateMixedPolicies(t *testing.T) {
	in := mustRing(t, batch.U32, 4, 0) // batch_capacity = 1, ring depth 16

	block, err := ring.New(ring.Config{ElementType: batch.U32, RingExpo: 4, BatchExpo: 0, Overflow: ring.Block})
	if err != nil {
		t.Fatalf("ring.New block: %v", err)
	}
	dropTail, err := ring.New(ring.Config{ElementType: batch.U32, RingExpo: 0, BatchExpo: 0, Overflow: ring.DropTail})
	if err != nil {
		t.Fatalf("ring.New droptail: %v", err)
	}

	tee := NewTee("t", in, 2, batch.U32, Duplicate, nil, nil)
	if err := tee.Connect(0, block); err != nil {
		t.Fatalf("connect 0: %v", err)
	}
	if err := tee.Connect(1, dropTail); err != nil {
		t.Fatalf("connect 1: %v", err)
	}
	if err := tee.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		slot := in.GetHead()
		slot.Head = 1
		slot.BatchID = uint64(i)
		if err := in.Submit(0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	got0 := 0
	for got0 < n && time.Now().Before(deadline) {
		if _, err := block.GetTail(50_000); err == nil {
			block.DelTail()
			got0++
		}
	}
	if got0 != n {
		t.Fatalf("output 0 (BLOCK) expected %d batches, got %d", n, got0)
	}

	time.Sleep(100 * time.Millisecond) // let the producer finish draining into port 1
	stats := dropTail.Stats()
	if stats.DroppedBatches < uint64(n-1) {
		t.Fatalf("output 1 (DROP_TAIL, ring cap 1) expected dropped_batches >= %d, got %d", n-1, stats.DroppedBatches)
	}

	if err := tee.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
