package archetype

import (
	"context"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// StatefulSampleFn is a Map-style transform that additionally carries
// mutable state across calls (a running sum, an EMA accumulator, a decoder
// context). The state value is supplied by the caller and mutated in
// place; StatefulMap never inspects it directly.
type StatefulSampleFn func(state any, x float64) float64

// StatefulMap is Map plus persistent state cleared by Reset(). The state
// value and its zero-value constructor are supplied by the caller so
// StatefulMap itself stays free of any particular accumulator's type.
type StatefulMap struct {
	*filter.Base
	fn       StatefulSampleFn
	newState func() any
	state    any

	pending     []float64
	pendingTNs  uint64
	pendingPer  uint32
	havePending bool
	nextBatchID uint64
}

// NewStatefulMap constructs a StatefulMap filter. newState is invoked once
// at construction and again on every Reset() call.
func NewStatefulMap(name string, inBuf *ring.Buffer, outType batch.ElementType, newState func() any, fn StatefulSampleFn) *StatefulMap {
	m := &StatefulMap{fn: fn, newState: newState}
	m.state = newState()
	m.Base = filter.NewBase(name, filter.KindMap, m)
	_ = m.AttachInput(inBuf, inputConstraints(inBuf.ElementType()))

	out := property.NewTable()
	out.Set(property.ElementType, property.TypeValue(outType))
	out.Preserve(property.PeriodNs)
	out.MarkUnknown(property.BatchCap)
	out.Preserve(property.Regular)
	m.DeclareOutput(0, out)
	return m
}

func (m *StatefulMap) Run(ctx context.Context, b *filter.Base) error {
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
			if len(m.pending) > 0 && sink != nil {
				m.flushStateful(sink)
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
			m.pending = append(m.pending, m.fn(m.state, view[i]))
		}
		in.DelTail()

		if sink != nil {
			capOut := sink.BatchCapacity()
			for len(m.pending) >= capOut {
				m.emitStateful(sink, m.pending[:capOut])
				m.pending = append([]float64(nil), m.pending[capOut:]...)
				m.pendingTNs += uint64(capOut) * uint64(m.pendingPer)
			}
		} else {
			m.pending = m.pending[:0]
			m.havePending = false
		}
	}
}

func (m *StatefulMap) flushStateful(sink *ring.Buffer) {
	if len(m.pending) == 0 {
		return
	}
	m.emitStateful(sink, m.pending)
	m.pending = m.pending[:0]
	m.havePending = false
}

func (m *StatefulMap) emitStateful(sink *ring.Buffer, samples []float64) {
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

func (m *StatefulMap) Describe() string    { return "StatefulMap(" + m.Name() + ")" }
func (m *StatefulMap) Stats() filter.Stats { return m.StatsSnapshot() }
func (m *StatefulMap) Health() filter.Health {
	return m.HealthFromErr()
}
func (m *StatefulMap) DumpState() string { return m.Describe() }
func (m *StatefulMap) Flush() error      { return nil }

// Reset clears both the accumulation buffer and the caller's persistent
// state.
func (m *StatefulMap) Reset() error {
	m.pending = nil
	m.havePending = false
	if m.newState != nil {
		m.state = m.newState()
	}
	return nil
}
func (m *StatefulMap) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (m *StatefulMap) HandleError(error)     {}
func (m *StatefulMap) Recover() error        { return nil }
