package syntheticsrc

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

func TestSyntheticEmitsBatchesAtDeclaredCapacity(t *testing.T) {
	out := mustRing(t, batch.F64, 3, 2) // batch_capacity = 4

	s := New("synth", batch.F64, Config{RateHz: 1000, AmplitudeHz: 1})
	if err := s.Connect(0, out); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := out.GetTail(50_000)
		if err != nil {
			continue
		}
		if b.Head != 4 {
			t.Fatalf("expected batch head 4, got %d", b.Head)
		}
		out.DelTail()
		return
	}
	t.Fatal("timed out waiting for a generated batch")
}

func TestSyntheticZeroAmplitudeIsSilent(t *testing.T) {
	out := mustRing(t, batch.F64, 3, 2)
	s := New("synth-silent", batch.F64, Config{RateHz: 1000})
	if err := s.Connect(0, out); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := out.GetTail(50_000)
		if err != nil {
			continue
		}
		vals := b.Float64s()[:b.Head]
		for _, v := range vals {
			if v != 0 {
				t.Fatalf("expected all-zero samples, got %v", v)
			}
		}
		out.DelTail()
		return
	}
	t.Fatal("timed out waiting for a generated batch")
}
