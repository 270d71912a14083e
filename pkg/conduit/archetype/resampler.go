package archetype

import (
	"context"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// FilterQuality selects Resampler's interpolation kernel.
type FilterQuality int

const (
	// Nearest picks the closest existing sample — cheapest, lowest quality.
	Nearest FilterQuality = iota
	// LinearQuality linearly interpolates between the two bracketing
	// samples.
	LinearQuality
)

// Resampler converts a regular input stream at one sample rate to a regular
// output stream at another, using the configured interpolation kernel. It
// keeps a small lookback window of input samples so output points near a
// batch boundary can still interpolate correctly.
type Resampler struct {
	*filter.Base
	inPeriodNs  uint32
	outPeriodNs uint32
	quality     FilterQuality

	window      []float64 // lookback + current batch samples
	windowTNs   uint64    // t_ns of window[0]
	nextOutTNs  uint64
	haveOut     bool
	nextBatchID uint64
}

func NewResampler(name string, inBuf *ring.Buffer, outPeriodNs uint32, quality FilterQuality) *Resampler {
	r := &Resampler{outPeriodNs: outPeriodNs, quality: quality}
	r.Base = filter.NewBase(name, filter.KindMap, r)
	in := property.NewTable()
	in.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	in.Set(property.Regular, property.BoolValue(true))
	_ = r.AttachInput(inBuf, in)

	out := property.NewTable()
	out.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	out.Set(property.PeriodNs, property.IntValue(int64(outPeriodNs)))
	out.MarkUnknown(property.BatchCap)
	out.Set(property.Regular, property.BoolValue(true))
	r.DeclareOutput(0, out)
	return r
}

func (r *Resampler) Run(ctx context.Context, b *filter.Base) error {
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
			b.SetErr(filter.ErrInfo{Code: cerr.InvalidArg, Message: "Resampler requires regular input"})
			return cerr.New(cerr.InvalidArg)
		}
		r.inPeriodNs = slot.PeriodNs

		view, err := floatView(slot)
		if err != nil {
			return err
		}
		if len(r.window) == 0 {
			r.windowTNs = slot.TNs
		} else {
			// keep one sample of pre-batch lookback, drop the rest
			r.windowTNs += uint64(len(r.window)-1) * uint64(r.inPeriodNs)
			r.window = r.window[len(r.window)-1:]
		}
		r.window = append(r.window, view[slot.Tail:slot.Head]...)
		in.DelTail()

		if !r.haveOut {
			r.nextOutTNs = r.windowTNs
			r.haveOut = true
		}

		windowEndTNs := r.windowTNs + uint64(len(r.window)-1)*uint64(r.inPeriodNs)
		var outSamples []float64
		for r.nextOutTNs < windowEndTNs {
			outSamples = append(outSamples, r.sampleAt(r.nextOutTNs))
			r.nextOutTNs += uint64(r.outPeriodNs)
		}
		if sink != nil && len(outSamples) > 0 {
			o := sink.GetHead()
			o.Reset()
			o.TNs = r.nextOutTNs - uint64(len(outSamples))*uint64(r.outPeriodNs)
			o.PeriodNs = r.outPeriodNs
			o.Head = len(outSamples)
			o.BatchID = r.nextBatchID
			r.nextBatchID++
			writeFloatView(o, outSamples)
			_ = sink.Submit(0)
			b.AddProcessed(1, uint64(len(outSamples)))
		}
	}
}

func (r *Resampler) sampleAt(t uint64) float64 {
	if t < r.windowTNs {
		return r.window[0]
	}
	offset := t - r.windowTNs
	idx := int(offset / uint64(r.inPeriodNs))
	if idx >= len(r.window)-1 {
		return r.window[len(r.window)-1]
	}
	if r.quality == Nearest {
		rem := offset % uint64(r.inPeriodNs)
		if rem*2 >= uint64(r.inPeriodNs) {
			idx++
		}
		return r.window[idx]
	}
	rem := offset % uint64(r.inPeriodNs)
	frac := float64(rem) / float64(r.inPeriodNs)
	return r.window[idx] + frac*(r.window[idx+1]-r.window[idx])
}

func (r *Resampler) Describe() string    { return "Resampler(" + r.Name() + ")" }
func (r *Resampler) Stats() filter.Stats { return r.StatsSnapshot() }
func (r *Resampler) Health() filter.Health {
	return r.HealthFromErr()
}
func (r *Resampler) DumpState() string     { return r.Describe() }
func (r *Resampler) Flush() error          { return nil }
func (r *Resampler) Reset() error          { r.window = nil; r.haveOut = false; return nil }
func (r *Resampler) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (r *Resampler) HandleError(error)     {}
func (r *Resampler) Recover() error        { return nil }
