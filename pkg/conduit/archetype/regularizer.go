package archetype

import (
	"context"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// InterpKind selects Regularizer's fill strategy between irregular samples.
type InterpKind int

const (
	Hold InterpKind = iota
	Linear
)

// Regularizer converts irregular (period_ns == 0) input to a fixed-rate
// stream using HOLD or LINEAR interpolation, emitting one sample per output
// batch so downstream filters choose their own batching.
// Each input batch carries Meta["t_ns_each"] ([]uint64, one per sample) for
// its true, possibly non-uniform timestamps — irregular sources populate
// this alongside the batch header's nominal t_ns/period_ns=0.
type Regularizer struct {
	*filter.Base
	outPeriodNs uint32
	interp      InterpKind

	haveSample  bool
	lastTNs     uint64
	lastVal     float64
	nextOutTNs  uint64
	nextBatchID uint64
}

func NewRegularizer(name string, inBuf *ring.Buffer, outPeriodNs uint32, interp InterpKind) *Regularizer {
	r := &Regularizer{outPeriodNs: outPeriodNs, interp: interp}
	r.Base = filter.NewBase(name, filter.KindMap, r)
	in := property.NewTable()
	in.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	_ = r.AttachInput(inBuf, in)

	out := property.NewTable()
	out.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	out.Set(property.PeriodNs, property.IntValue(int64(outPeriodNs)))
	out.Set(property.BatchCap, property.IntValue(1))
	out.Set(property.Regular, property.BoolValue(true))
	r.DeclareOutput(0, out)
	return r
}

func (r *Regularizer) timestamps(slot *batch.Batch) []uint64 {
	if slot.Meta != nil {
		if ts, ok := slot.Meta["t_ns_each"].([]uint64); ok {
			return ts
		}
	}
	ts := make([]uint64, slot.Head)
	for i := range ts {
		ts[i] = slot.TNs + uint64(i)
	}
	return ts
}

func (r *Regularizer) Run(ctx context.Context, b *filter.Base) error {
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
		ts := r.timestamps(slot)
		if !r.haveSample && slot.Head > slot.Tail {
			r.nextOutTNs = ts[slot.Tail]
		}
		for i := slot.Tail; i < slot.Head; i++ {
			curTNs, curVal := ts[i], view[i]
			if r.haveSample {
				for r.nextOutTNs < curTNs {
					val := r.lastVal
					if r.interp == Linear && curTNs > r.lastTNs {
						frac := float64(r.nextOutTNs-r.lastTNs) / float64(curTNs-r.lastTNs)
						val = r.lastVal + frac*(curVal-r.lastVal)
					}
					r.emit(sink, b, r.nextOutTNs, val)
					r.nextOutTNs += uint64(r.outPeriodNs)
				}
			}
			if r.nextOutTNs == curTNs {
				r.emit(sink, b, r.nextOutTNs, curVal)
				r.nextOutTNs += uint64(r.outPeriodNs)
			}
			r.lastTNs, r.lastVal = curTNs, curVal
			r.haveSample = true
		}
		in.DelTail()
	}
}

func (r *Regularizer) emit(sink *ring.Buffer, b *filter.Base, tNs uint64, val float64) {
	if sink == nil {
		return
	}
	out := sink.GetHead()
	out.Reset()
	out.TNs = tNs
	out.PeriodNs = r.outPeriodNs
	out.Head = 1
	out.BatchID = r.nextBatchID
	r.nextBatchID++
	writeFloatView(out, []float64{val})
	_ = sink.Submit(0)
	b.AddProcessed(1, 1)
}

func (r *Regularizer) Describe() string    { return "Regularizer(" + r.Name() + ")" }
func (r *Regularizer) Stats() filter.Stats { return r.StatsSnapshot() }
func (r *Regularizer) Health() filter.Health {
	return r.HealthFromErr()
}
func (r *Regularizer) DumpState() string     { return r.Describe() }
func (r *Regularizer) Flush() error          { return nil }
func (r *Regularizer) Reset() error          { r.haveSample = false; return nil }
func (r *Regularizer) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (r *Regularizer) HandleError(error)     {}
func (r *Regularizer) Recover() error        { return nil }
