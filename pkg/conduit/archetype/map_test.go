package archetype

import (
	"context"
	"testing"
	"time"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/ring"
)

func mustRing(t *testing.T, elemType batch.ElementType, ringExpo, batchExpo uint) *ring.Buffer {
	t.Helper()
	b, err := ring.New(ring.Config{ElementType: elemType, RingExpo: ringExpo, BatchExpo: batchExpo, Overflow: ring.Block})
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	return b
}

// TestMapDoublesAndAdaptsBatchSize runs a Map that doubles its input,
// wired into an output ring with a different (smaller) batch capacity
// than the input, and checks the output batches are repacked to the
// sink's capacity rather than mirroring the input's.
func TestMapDoublesAndAdaptsBatchSize(t *testing.T) {
	in := mustRing(t, batch.F32, 3, 3)  // batch_capacity = 8
	out := mustRing(t, batch.F32, 3, 2) // batch_capacity = 4

	m := NewMap("double", in, batch.F32, func(x float64) float64 { return x * 2 })
	if err := m.Connect(0, out); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	slot := in.GetHead()
	slot.PeriodNs = 1000
	slot.Head = 8
	vals := slot.Float32s()
	for i := 0; i < 8; i++ {
		vals[i] = float32(i)
	}
	if err := in.Submit(0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	term := in.GetHead()
	term.Reset()
	term.Status = batch.Complete
	if err := in.Submit(0); err != nil {
		t.Fatalf("submit complete: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []batch.Batch
	for time.Now().Before(deadline) {
		b, err := out.GetTail(50_000)
		if err != nil {
			continue
		}
		cp := *b
		cp.Meta = nil
		out.DelTail()
		got = append(got, cp)
		if cp.Status == batch.Complete {
			break
		}
	}

	if len(got) != 3 {
		t.Fatalf("expected 2 full batches of 4 + 1 COMPLETE, got %d batches", len(got))
	}
	if got[0].Head != 4 || got[1].Head != 4 {
		t.Fatalf("expected both data batches to carry 4 samples, got %d and %d", got[0].Head, got[1].Head)
	}
	if got[2].Status != batch.Complete {
		t.Fatalf("final batch should be COMPLETE, got %v", got[2].Status)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestMapSmallToLargeAccumulates checks that several small input batches
// accumulate into one larger output batch sized to the sink's batch
// capacity.
func TestMapSmallToLargeAccumulates(t *testing.T) {
	in := mustRing(t, batch.F32, 3, 1)  // batch_capacity = 2
	out := mustRing(t, batch.F32, 3, 3) // batch_capacity = 8

	m := NewMap("identity", in, batch.F32, func(x float64) float64 { return x })
	if err := m.Connect(0, out); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 4; i++ {
		slot := in.GetHead()
		slot.PeriodNs = 500
		slot.Head = 2
		v := slot.Float32s()
		v[0] = float32(i * 2)
		v[1] = float32(i*2 + 1)
		if err := in.Submit(0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	var got *batch.Batch
	for time.Now().Before(deadline) {
		b, err := out.GetTail(50_000)
		if err == nil {
			cp := *b
			got = &cp
			out.DelTail()
			break
		}
	}
	if got == nil {
		t.Fatal("expected one accumulated output batch")
	}
	if got.Head != 8 {
		t.Fatalf("expected accumulated batch of 8 samples, got %d", got.Head)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
