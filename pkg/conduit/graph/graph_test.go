package graph

import (
	"context"
	"testing"

	"conduit/pkg/conduit/archetype"
	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
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

// TestGraphWiresLinearChain exercises a straightforward A -> B -> C wiring
// with matching element types and checks the resulting topological order.
func TestGraphWiresLinearChain(t *testing.T) {
	ra := mustRing(t, batch.F32, 3, 2)
	rb := mustRing(t, batch.F32, 3, 2)

	a := archetype.NewMap("a", ra, batch.F32, func(x float64) float64 { return x })
	bFilter := archetype.NewMap("b", rb, batch.F32, func(x float64) float64 { return x })

	g := New()
	if err := g.AddFilter(a, a.Base); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := g.AddFilter(bFilter, bFilter.Base); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := g.Connect("a", 0, "b", 0); err != nil {
		t.Fatalf("connect a->b: %v", err)
	}

	order := g.Order()
	if len(order) != 2 || order[0].Name != "a" || order[1].Name != "b" {
		t.Fatalf("expected topological order [a b], got %v", namesOf(order))
	}
}

func namesOf(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}

// TestGraphRejectsCycleAndLeavesGraphUnchanged builds A->B->C then
// attempts C->A; connect must return CYCLE_DETECTED and the edge set must
// be unchanged.
func TestGraphRejectsCycleAndLeavesGraphUnchanged(t *testing.T) {
	ra := mustRing(t, batch.F32, 3, 2)
	rb := mustRing(t, batch.F32, 3, 2)
	rc := mustRing(t, batch.F32, 3, 2)

	a := archetype.NewMap("a", ra, batch.F32, func(x float64) float64 { return x })
	b := archetype.NewMap("b", rb, batch.F32, func(x float64) float64 { return x })
	c := archetype.NewMap("c", rc, batch.F32, func(x float64) float64 { return x })

	g := New()
	_ = g.AddFilter(a, a.Base)
	_ = g.AddFilter(b, b.Base)
	_ = g.AddFilter(c, c.Base)

	if err := g.Connect("a", 0, "b", 0); err != nil {
		t.Fatalf("connect a->b: %v", err)
	}
	if err := g.Connect("b", 0, "c", 0); err != nil {
		t.Fatalf("connect b->c: %v", err)
	}

	edgesBefore := len(g.edges)

	if err := g.Connect("c", 0, "a", 0); cerr.KindOf(err) != cerr.CycleDetected {
		t.Fatalf("expected CYCLE_DETECTED, got %v", err)
	}

	if len(g.edges) != edgesBefore {
		t.Fatalf("graph must be unchanged after a rejected connect: had %d edges, now %d", edgesBefore, len(g.edges))
	}
	if c.Base.Sink(0) != nil {
		t.Fatalf("c's rolled-back output port should be disconnected after the cycle rejection")
	}
}

// TestGraphRejectsDTypeMismatch wires an f32-declared output into an
// f64-declared input buffer; the mismatch must be caught at connect time,
// not at runtime.
func TestGraphRejectsDTypeMismatch(t *testing.T) {
	rf32 := mustRing(t, batch.F32, 3, 2)
	rf64 := mustRing(t, batch.F64, 3, 2)

	src := archetype.NewMap("src", rf32, batch.F32, func(x float64) float64 { return x })
	sink := archetype.NewMap("sink", rf64, batch.F64, func(x float64) float64 { return x })

	g := New()
	_ = g.AddFilter(src, src.Base)
	_ = g.AddFilter(sink, sink.Base)

	if err := g.Connect("src", 0, "sink", 0); cerr.KindOf(err) != cerr.DTypeMismatch {
		t.Fatalf("expected DTYPE_MISMATCH, got %v", err)
	}
	if len(g.edges) != 0 {
		t.Fatalf("graph must remain empty after a rejected connect, got %d edges", len(g.edges))
	}
}

// TestStartAllRejectsUnfedInput refuses to start a graph where a filter's
// input port has no upstream edge: its worker would block forever on a
// buffer nothing produces into.
func TestStartAllRejectsUnfedInput(t *testing.T) {
	ra := mustRing(t, batch.F32, 3, 2)
	rb := mustRing(t, batch.F32, 3, 2)

	a := archetype.NewMap("a", ra, batch.F32, func(x float64) float64 { return x })
	b := archetype.NewMap("b", rb, batch.F32, func(x float64) float64 { return x })

	g := New()
	_ = g.AddFilter(a, a.Base)
	_ = g.AddFilter(b, b.Base)
	if err := g.Connect("a", 0, "b", 0); err != nil {
		t.Fatalf("connect a->b: %v", err)
	}

	// a's own input has no upstream edge.
	if err := g.StartAll(context.Background()); cerr.KindOf(err) != cerr.NotConnected {
		t.Fatalf("expected NOT_CONNECTED for a's unfed input, got %v", err)
	}
}
