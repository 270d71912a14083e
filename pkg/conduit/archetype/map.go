// Package archetype implements the canonical filter archetypes: Map,
// StatefulMap, FunctionGenerator, Tee, BatchMatcher, SampleAligner,
// Regularizer, Resampler, TimeWindowSync, and GapFiller. Each is a small
// single-purpose struct embedding *filter.Base and supplying a Runner
// worker body. Timing and alignment logic lives in the dedicated
// alignment archetypes so element-wise operators never carry it
// themselves; multi-input math is composed from an alignment prefix
// followed by an operator that may assume sample-aligned inputs.
package archetype

import (
	"context"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// SampleFn is a user-supplied element-wise transform. It receives one input
// sample and returns the output sample value, both as float64 — archetypes
// convert to/from the declared
// element type at the batch boundary so a single user function works
// across element types without the caller needing generics plumbing.
type SampleFn func(x float64) float64

// Map is a 1-in/1-out element-wise filter. Its processing chunk size is the
// OUTPUT buffer's batch capacity, not the input's: Map accumulates input
// samples across input-batch boundaries (or splits one input batch across
// several output batches) so it adapts naturally between differently-sized
// input/output rings.
type Map struct {
	*filter.Base
	fn SampleFn

	// accumulation state, owned exclusively by the worker goroutine
	pending     []float64
	pendingTNs  uint64
	pendingPer  uint32
	havePending bool
	nextBatchID uint64
}

// NewMap constructs a Map filter. inBuf is the (already allocated) input
// ring this filter owns; outType is the element type the output side
// declares (checked against the connected sink at graph-validation time).
func NewMap(name string, inBuf *ring.Buffer, outType batch.ElementType, fn SampleFn) *Map {
	m := &Map{fn: fn}
	m.Base = filter.NewBase(name, filter.KindMap, m)
	_ = m.AttachInput(inBuf, inputConstraints(inBuf.ElementType()))

	out := property.NewTable()
	out.Set(property.ElementType, property.TypeValue(outType))
	out.Preserve(property.PeriodNs)
	out.MarkUnknown(property.BatchCap) // adapts to sink batch capacity, not statically known
	out.Preserve(property.Regular)
	m.DeclareOutput(0, out)
	return m
}

func inputConstraints(t batch.ElementType) *property.Table {
	tbl := property.NewTable()
	tbl.Set(property.ElementType, property.TypeValue(t))
	return tbl
}

// Run implements filter.Runner.
func (m *Map) Run(ctx context.Context, b *filter.Base) error {
	in := b.Input(0)
	sink := b.Sink(0)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		slot, err := in.GetTail(100_000)
		if err != nil {
			if cerr.Recoverable(err) {
				if !b.Running() {
					return nil
				}
				continue
			}
			return err
		}
		if slot.Status == batch.Complete {
			if remaining := len(m.pending); remaining > 0 && sink != nil {
				m.flush(sink, true)
			}
			in.DelTail()
			if sink != nil {
				b.PropagateComplete()
			}
			return nil
		}

		view, err := floatView(slot)
		if err != nil {
			return err
		}
		if !m.havePending {
			m.pendingTNs = slot.TNs
			m.pendingPer = slot.PeriodNs
			m.havePending = true
		}
		for i := slot.Tail; i < slot.Head; i++ {
			m.pending = append(m.pending, m.fn(view[i]))
		}
		in.DelTail()

		if sink != nil {
			m.flushFullBatches(sink)
		} else {
			m.pending = m.pending[:0]
			m.havePending = false
		}
	}
}

// flushFullBatches emits as many complete output batches as pending samples
// allow, sized to the sink's declared batch capacity.
func (m *Map) flushFullBatches(sink *ring.Buffer) {
	capOut := sink.BatchCapacity()
	for len(m.pending) >= capOut {
		m.emit(sink, m.pending[:capOut])
		m.pending = append([]float64(nil), m.pending[capOut:]...)
		m.pendingTNs += uint64(capOut) * uint64(m.pendingPer)
	}
}

// flush emits whatever remains in pending as a final (possibly partial)
// batch — used only when upstream COMPLETEs with leftover samples.
func (m *Map) flush(sink *ring.Buffer, final bool) {
	if len(m.pending) == 0 {
		return
	}
	m.emit(sink, m.pending)
	m.pending = m.pending[:0]
	m.havePending = false
}

func (m *Map) emit(sink *ring.Buffer, samples []float64) {
	out := sink.GetHead()
	out.Reset()
	out.TNs = m.pendingTNs
	out.PeriodNs = m.pendingPer
	out.Head = len(samples)
	out.BatchID = m.nextBatchID
	m.nextBatchID++
	writeFloatView(out, samples)
	_ = sink.Submit(0)
	m.Base.AddProcessed(1, uint64(len(samples)))
}

// floatView is the archetype package's local name for batch.FloatView,
// kept so every call site in this package stays unqualified.
func floatView(b *batch.Batch) ([]float64, error) {
	out, err := batch.FloatView(b)
	if err != nil {
		return nil, cerr.Newf(cerr.Internal, "%s", err)
	}
	return out, nil
}

// writeFloatView is the archetype package's local name for
// batch.WriteFloatView.
func writeFloatView(out *batch.Batch, samples []float64) {
	batch.WriteFloatView(out, samples)
}

// --- Manageable ---

func (m *Map) Describe() string    { return "Map(" + m.Name() + ")" }
func (m *Map) Stats() filter.Stats { return m.StatsSnapshot() }
func (m *Map) Health() filter.Health {
	return m.HealthFromErr()
}
func (m *Map) DumpState() string {
	return m.Describe() + " pending=" + itoa(len(m.pending))
}
func (m *Map) Flush() error { return nil }
func (m *Map) Reset() error {
	m.pending = nil
	m.havePending = false
	return nil
}
func (m *Map) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (m *Map) HandleError(error)     {}
func (m *Map) Recover() error        { return nil }

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
