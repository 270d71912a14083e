package archetype

import (
	"context"
	"testing"
	"time"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/ring"
)

// TestBatchMatcherZeroPhaseAlignment feeds a regular, already
// phase-aligned input at period 1_000_000ns starting at t_ns=12_000_000,
// batched in 64-sample chunks, into a sink with batch capacity 128. The
// first output batch must carry t_ns=12_000_000 and head=128.
func TestBatchMatcherZeroPhaseAlignment(t *testing.T) {
	in := mustRing(t, batch.F32, 3, 6) // batch_capacity = 64
	sink, err := ring.New(ring.Config{ElementType: batch.F32, RingExpo: 3, BatchExpo: 7, Overflow: ring.Block})
	if err != nil {
		t.Fatalf("ring.New: %v", err) // batch_capacity = 128
	}

	m := NewBatchMatcher("bm", in)
	if err := m.Connect(0, sink); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	const period = 1_000_000
	tns := uint64(12_000_000)
	for i := 0; i < 2; i++ {
		slot := in.GetHead()
		slot.TNs = tns
		slot.PeriodNs = period
		slot.Head = 64
		v := slot.Float32s()
		for j := range v[:64] {
			v[j] = float32(j)
		}
		if err := in.Submit(0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		tns += 64 * period
	}

	deadline := time.Now().Add(2 * time.Second)
	var got *batch.Batch
	for time.Now().Before(deadline) {
		b, err := sink.GetTail(50_000)
		if err == nil {
			cp := *b
			got = &cp
			sink.DelTail()
			break
		}
	}
	if got == nil {
		t.Fatal("expected one re-batched output")
	}
	if got.TNs != 12_000_000 {
		t.Fatalf("expected t_ns=12000000, got %d", got.TNs)
	}
	if got.Head != 128 {
		t.Fatalf("expected head=128, got %d", got.Head)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// TestBatchMatcherRejectsNonIntegerPhase checks that an input starting at
// a timestamp that is not a multiple of period_ns fails with
// TYPE_CONSTRAINT_VIOLATION rather than silently mis-aligning.
func TestBatchMatcherRejectsNonIntegerPhase(t *testing.T) {
	in := mustRing(t, batch.F32, 3, 6)
	sink, err := ring.New(ring.Config{ElementType: batch.F32, RingExpo: 3, BatchExpo: 7, Overflow: ring.Block})
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}

	m := NewBatchMatcher("bm", in)
	if err := m.Connect(0, sink); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	slot := in.GetHead()
	slot.TNs = 12_345_678
	slot.PeriodNs = 1_000_000
	slot.Head = 64
	if err := in.Submit(0); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.Running() {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Running() {
		t.Fatal("expected worker to exit after phase violation")
	}
	if err := m.Stop(); cerr.KindOf(err) != cerr.TypeConstraintViolation {
		t.Fatalf("expected TYPE_CONSTRAINT_VIOLATION from Stop, got %v", err)
	}
}
