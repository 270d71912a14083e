package archetype

import (
	"context"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// SampleAligner corrects non-zero phase (t_ns % period_ns != 0) by
// interpolating to grid-aligned timestamps, preserving sample rate exactly.
// It carries one sample of lookback state across batches so the first
// output sample of a batch can interpolate against the last sample of the
// previous one.
type SampleAligner struct {
	*filter.Base

	havePrev bool
	prevVal  float64
	prevTNs  uint64

	nextBatchID uint64
}

func NewSampleAligner(name string, inBuf *ring.Buffer) *SampleAligner {
	s := &SampleAligner{}
	s.Base = filter.NewBase(name, filter.KindMap, s)
	in := property.NewTable()
	in.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	in.Set(property.Regular, property.BoolValue(true))
	_ = s.AttachInput(inBuf, in)

	out := property.NewTable()
	out.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	out.Preserve(property.PeriodNs)
	out.Preserve(property.BatchCap)
	out.Set(property.BatchPhaseNs, property.IntValue(0))
	out.Set(property.Regular, property.BoolValue(true))
	s.DeclareOutput(0, out)
	return s
}

func (s *SampleAligner) Run(ctx context.Context, b *filter.Base) error {
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
		if slot.PeriodNs == 0 {
			b.SetErr(filter.ErrInfo{Code: cerr.InvalidArg, Message: "SampleAligner requires regular input"})
			return cerr.New(cerr.InvalidArg)
		}

		view, err := floatView(slot)
		if err != nil {
			return err
		}
		period := uint64(slot.PeriodNs)
		phase := slot.TNs % period
		alignedStart := slot.TNs - phase
		if phase != 0 {
			alignedStart += period // next grid point at or after slot.TNs
		}

		out := make([]float64, 0, slot.Head-slot.Tail)
		t := alignedStart
		srcIdx := 0
		for t < slot.TNs+uint64(slot.Head-slot.Tail)*period && srcIdx < slot.Head-slot.Tail {
			out = append(out, s.interpolate(slot.TNs, period, view[slot.Tail:slot.Head], t))
			t += period
			srcIdx++
		}
		if len(view) > slot.Tail && slot.Head > slot.Tail {
			s.prevVal = view[slot.Head-1]
			s.prevTNs = slot.TNs + uint64(slot.Head-slot.Tail-1)*period
			s.havePrev = true
		}
		in.DelTail()

		if sink != nil && len(out) > 0 {
			o := sink.GetHead()
			o.Reset()
			o.TNs = alignedStart
			o.PeriodNs = slot.PeriodNs
			o.Head = len(out)
			o.BatchID = s.nextBatchID
			s.nextBatchID++
			writeFloatView(o, out)
			_ = sink.Submit(0)
			b.AddProcessed(1, uint64(len(out)))
		}
	}
}

// interpolate linearly interpolates the value at absolute time t within a
// batch spanning [baseTNs, baseTNs+period*len(samples)), falling back to
// the carried single-sample lookback for t before the batch's first sample.
func (s *SampleAligner) interpolate(baseTNs uint64, period uint64, samples []float64, t uint64) float64 {
	if len(samples) == 0 {
		return 0
	}
	if t < baseTNs {
		if s.havePrev {
			frac := float64(t-s.prevTNs) / float64(baseTNs-s.prevTNs)
			return s.prevVal + frac*(samples[0]-s.prevVal)
		}
		return samples[0]
	}
	offset := t - baseTNs
	idx := offset / period
	rem := offset % period
	if int(idx)+1 >= len(samples) || rem == 0 {
		if int(idx) >= len(samples) {
			return samples[len(samples)-1]
		}
		return samples[idx]
	}
	frac := float64(rem) / float64(period)
	return samples[idx] + frac*(samples[idx+1]-samples[idx])
}

func (s *SampleAligner) Describe() string    { return "SampleAligner(" + s.Name() + ")" }
func (s *SampleAligner) Stats() filter.Stats { return s.StatsSnapshot() }
func (s *SampleAligner) Health() filter.Health {
	return s.HealthFromErr()
}
func (s *SampleAligner) DumpState() string     { return s.Describe() }
func (s *SampleAligner) Flush() error          { return nil }
func (s *SampleAligner) Reset() error          { s.havePrev = false; return nil }
func (s *SampleAligner) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (s *SampleAligner) HandleError(error)     {}
func (s *SampleAligner) Recover() error        { return nil }
