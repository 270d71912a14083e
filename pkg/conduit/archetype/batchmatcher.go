package archetype

import (
	"context"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// BatchMatcher adjusts incoming batches so their boundaries align to
// t = k * batch_period (zero phase) and match the downstream sink's batch
// capacity, auto-detected via the graph's backward-refinement pass.
// Requires regular, phase-aligned input; rejects input whose phase is not
// an exact multiple of period_ns with TYPE_CONSTRAINT_VIOLATION, since
// there is no general way to interpolate an arbitrary phase without a
// SampleAligner upstream.
type BatchMatcher struct {
	*filter.Base

	pending     []float64
	pendingTNs  uint64
	pendingPer  uint32
	havePending bool
	nextBatchID uint64

	sinkCap int // auto-detected by RefineFromSink; 0 until a sink is connected
}

func NewBatchMatcher(name string, inBuf *ring.Buffer) *BatchMatcher {
	m := &BatchMatcher{}
	m.Base = filter.NewBase(name, filter.KindMap, m)
	in := property.NewTable()
	in.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	in.Set(property.Regular, property.BoolValue(true))
	_ = m.AttachInput(inBuf, in)

	out := property.NewTable()
	out.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	out.Preserve(property.PeriodNs)
	out.MarkUnknown(property.BatchCap) // refined from sink once connected
	out.Set(property.BatchPhaseNs, property.IntValue(0))
	out.Set(property.Regular, property.BoolValue(true))
	m.DeclareOutput(0, out)
	return m
}

// RefineFromSink implements the graph package's optional backward-refinement
// interface: once connected, BatchMatcher adopts the sink's batch_capacity
// as its own output batch_capacity.
func (m *BatchMatcher) RefineFromSink(port int, sinkConstraints *property.Table) {
	if port != 0 || sinkConstraints == nil {
		return
	}
	if beh, ok := sinkConstraints.Behaviors[property.BatchCap]; ok {
		v := beh.Fn(nil)
		if v.IsSet {
			m.sinkCap = int(v.Int)
			out := m.OutputProps(0)
			out.Set(property.BatchCap, property.IntValue(v.Int))
		}
	}
}

func (m *BatchMatcher) Run(ctx context.Context, b *filter.Base) error {
	in := b.Input(0)
	sink := b.Sink(0)
	// Normally the graph package's backward-refinement pass populates
	// sinkCap (via RefineFromSink) before Start; a direct Connect (e.g. in
	// tests, or a hand-wired graph) never calls it, so fall back to reading
	// the sink's own declared capacity here.
	if sink != nil && m.sinkCap == 0 {
		m.sinkCap = sink.BatchCapacity()
	}
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
			if len(m.pending) > 0 && sink != nil && m.sinkCap > 0 {
				m.emit(sink, m.pending)
			}
			in.DelTail()
			if sink != nil {
				b.PropagateComplete()
			}
			return nil
		}
		if slot.PeriodNs == 0 {
			b.SetErr(filter.ErrInfo{Code: cerr.InvalidArg, Message: "BatchMatcher requires regular input"})
			return cerr.New(cerr.InvalidArg)
		}
		if slot.TNs%uint64(slot.PeriodNs) != 0 {
			b.SetErr(filter.ErrInfo{Code: cerr.TypeConstraintViolation, Message: "non-integer sample phase; SampleAligner required upstream"})
			return cerr.New(cerr.TypeConstraintViolation)
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
			m.pending = append(m.pending, view[i])
		}
		in.DelTail()

		if sink != nil && m.sinkCap > 0 {
			for len(m.pending) >= m.sinkCap {
				m.emit(sink, m.pending[:m.sinkCap])
				m.pending = append([]float64(nil), m.pending[m.sinkCap:]...)
				m.pendingTNs += uint64(m.sinkCap) * uint64(m.pendingPer)
			}
		}
	}
}

func (m *BatchMatcher) emit(sink *ring.Buffer, samples []float64) {
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

func (m *BatchMatcher) Describe() string    { return "BatchMatcher(" + m.Name() + ")" }
func (m *BatchMatcher) Stats() filter.Stats { return m.StatsSnapshot() }
func (m *BatchMatcher) Health() filter.Health {
	return m.HealthFromErr()
}
func (m *BatchMatcher) DumpState() string     { return m.Describe() }
func (m *BatchMatcher) Flush() error          { return nil }
func (m *BatchMatcher) Reset() error          { m.pending = nil; m.havePending = false; return nil }
func (m *BatchMatcher) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (m *BatchMatcher) HandleError(error)     {}
func (m *BatchMatcher) Recover() error        { return nil }
