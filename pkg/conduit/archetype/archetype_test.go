package archetype

import (
	"context"
	"testing"
	"time"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/ring"
)

func drain(t *testing.T, out *ring.Buffer, want int, timeout time.Duration) []batch.Batch {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got []batch.Batch
	for len(got) < want && time.Now().Before(deadline) {
		b, err := out.GetTail(50_000)
		if err != nil {
			continue
		}
		cp := *b
		out.DelTail()
		got = append(got, cp)
	}
	return got
}

func TestStatefulMapAccumulatesRunningSum(t *testing.T) {
	in := mustRing(t, batch.F64, 3, 2)  // batch_capacity = 4
	out := mustRing(t, batch.F64, 3, 2) // batch_capacity = 4

	m := NewStatefulMap("running_sum", in, batch.F64, func() any { return new(float64) },
		func(state any, x float64) float64 {
			s := state.(*float64)
			*s += x
			return *s
		})
	if err := m.Connect(0, out); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	slot := in.GetHead()
	slot.PeriodNs = 1000
	slot.Head = 4
	v := slot.Float64s()
	v[0], v[1], v[2], v[3] = 1, 2, 3, 4
	if err := in.Submit(0); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := drain(t, out, 1, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(got))
	}
	want := []float64{1, 3, 6, 10}
	vals := got[0].Float64s()[:4]
	for i, w := range want {
		if vals[i] != w {
			t.Fatalf("sample %d: want %v got %v", i, w, vals[i])
		}
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestFunctionGeneratorEmitsComputedSamples(t *testing.T) {
	out := mustRing(t, batch.F32, 2, 2) // batch_capacity = 4

	g := NewFunctionGenerator("gen", batch.F32, 1000, false, func(idx uint64, _ float64) float64 {
		return float64(idx)
	})
	if err := g.Connect(0, out); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := drain(t, out, 1, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("expected at least 1 batch, got %d", len(got))
	}
	v := got[0].Float32s()[:4]
	for i := 0; i < 4; i++ {
		if v[i] != float32(i) {
			t.Fatalf("sample %d: want %v got %v", i, i, v[i])
		}
	}

	if err := g.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRegularizerHoldFillsIrregularInput(t *testing.T) {
	in := mustRing(t, batch.F64, 3, 3)  // batch_capacity = 8
	out := mustRing(t, batch.F64, 5, 0) // one-sample output batches

	r := NewRegularizer("reg", in, 1000, Hold)
	if err := r.Connect(0, out); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	slot := in.GetHead()
	slot.Head = 2
	slot.Meta = map[string]any{"t_ns_each": []uint64{0, 3000}}
	v := slot.Float64s()
	v[0], v[1] = 10, 20
	if err := in.Submit(0); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := drain(t, out, 3, 2*time.Second)
	if len(got) < 3 {
		t.Fatalf("expected at least 3 regularized samples (t=0,1000,2000), got %d", len(got))
	}
	for i, b := range got[:3] {
		if b.TNs != uint64(i*1000) {
			t.Fatalf("output %d: want t_ns=%d got %d", i, i*1000, b.TNs)
		}
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestGapFillerInterpolatesBoundedGap(t *testing.T) {
	in := mustRing(t, batch.F64, 3, 3)
	out := mustRing(t, batch.F64, 3, 4)

	g := NewGapFiller("gap", in, 5)
	if err := g.Connect(0, out); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	slot := in.GetHead()
	slot.TNs = 0
	slot.PeriodNs = 1000
	slot.Head = 1
	slot.Float64s()[0] = 0
	if err := in.Submit(0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// 3 missing periods (t=1000,2000,3000) before the next recorded sample.
	slot2 := in.GetHead()
	slot2.TNs = 4000
	slot2.PeriodNs = 1000
	slot2.Head = 1
	slot2.Float64s()[0] = 40
	if err := in.Submit(0); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	got := drain(t, out, 2, 2*time.Second)
	if len(got) == 0 {
		t.Fatal("expected gap-filler output")
	}

	if err := g.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestTimeWindowSyncTruncatesToOverlap(t *testing.T) {
	a := mustRing(t, batch.F64, 3, 2)
	b := mustRing(t, batch.F64, 3, 2)
	outA := mustRing(t, batch.F64, 3, 2)
	outB := mustRing(t, batch.F64, 3, 2)

	s := NewTimeWindowSync("sync", []*ring.Buffer{a, b})
	if err := s.Connect(0, outA); err != nil {
		t.Fatalf("connect 0: %v", err)
	}
	if err := s.Connect(1, outB); err != nil {
		t.Fatalf("connect 1: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	sa := a.GetHead()
	sa.PeriodNs = 1000
	sa.Head = 4
	copy(sa.Float64s(), []float64{1, 2, 3, 4})
	if err := a.Submit(0); err != nil {
		t.Fatalf("submit a: %v", err)
	}

	sb := b.GetHead()
	sb.PeriodNs = 1000
	sb.Head = 2 // only 2 samples: overlap truncates to this
	copy(sb.Float64s(), []float64{10, 20})
	if err := b.Submit(0); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	gotA := drain(t, outA, 1, 2*time.Second)
	gotB := drain(t, outB, 1, 2*time.Second)
	if len(gotA) == 0 || len(gotB) == 0 {
		t.Fatal("expected overlap output on both ports")
	}
	if gotA[0].Head != gotB[0].Head {
		t.Fatalf("expected truncated outputs of equal length, got %d and %d", gotA[0].Head, gotB[0].Head)
	}
	if gotA[0].Head > 2 {
		t.Fatalf("expected truncation to the shorter input's 2 samples, got %d", gotA[0].Head)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
