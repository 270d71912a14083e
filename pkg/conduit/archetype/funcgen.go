package archetype

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
)

// GenFn computes one sample from its index and the elapsed time (seconds)
// since generation began.
type GenFn func(sampleIdx uint64, tSeconds float64) float64

// FunctionGenerator is a 0-input source archetype: it emits batches computed
// from a running sample counter and a configured rate.
// t_ns = samples_generated * 1e9 / sample_rate; period_ns = round(1e9 /
// sample_rate).
type FunctionGenerator struct {
	*filter.Base
	fn       GenFn
	rateBits atomic.Uint64 // float64 bits; written by Reconfigure, read by the worker
	realTime bool

	samplesGenerated uint64
	nextBatchID      uint64
}

// NewFunctionGenerator constructs a source emitting outType samples at
// sampleRateHz. When realTime is true, the worker sleeps between batches so
// wall-clock time tracks t_ns; otherwise it emits as fast as the sink
// accepts batches.
func NewFunctionGenerator(name string, outType batch.ElementType, sampleRateHz float64, realTime bool, fn GenFn) *FunctionGenerator {
	g := &FunctionGenerator{fn: fn, realTime: realTime}
	g.rateBits.Store(math.Float64bits(sampleRateHz))
	g.Base = filter.NewBase(name, filter.KindSource, g)

	out := property.NewTable()
	out.Set(property.ElementType, property.TypeValue(outType))
	periodNs := int64(0)
	if sampleRateHz > 0 {
		periodNs = int64(1e9/sampleRateHz + 0.5)
	}
	out.Set(property.PeriodNs, property.IntValue(periodNs))
	out.MarkUnknown(property.BatchCap)
	out.Set(property.Regular, property.BoolValue(true))
	g.DeclareOutput(0, out)
	return g
}

func (g *FunctionGenerator) Run(ctx context.Context, b *filter.Base) error {
	sink := b.Sink(0)
	if sink == nil {
		return cerr.New(cerr.NotConnected)
	}
	batchCap := sink.BatchCapacity()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !b.Running() {
			b.PropagateComplete()
			return nil
		}

		rate := g.rateHz()
		periodNs := uint32(0)
		if rate > 0 {
			periodNs = uint32(1e9/rate + 0.5)
		}

		out := sink.GetHead()
		out.Reset()
		tNs := uint64(float64(g.samplesGenerated) * 1e9 / maxFloat(rate, 1))
		out.TNs = tNs
		out.PeriodNs = periodNs
		out.Head = batchCap
		out.BatchID = g.nextBatchID
		g.nextBatchID++

		view, err := floatView(out)
		if err != nil {
			return err
		}
		for i := 0; i < batchCap; i++ {
			idx := g.samplesGenerated + uint64(i)
			view[i] = g.fn(idx, float64(idx)/maxFloat(rate, 1))
		}
		writeFloatView(out, view)
		g.samplesGenerated += uint64(batchCap)

		if g.realTime && rate > 0 {
			target := start.Add(time.Duration(float64(g.samplesGenerated) / rate * float64(time.Second)))
			if d := time.Until(target); d > 0 {
				time.Sleep(d)
			}
		}

		if err := sink.Submit(0); err != nil {
			if cerr.Recoverable(err) {
				continue
			}
			return err
		}
		b.AddProcessed(1, uint64(batchCap))
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (g *FunctionGenerator) Describe() string    { return "FunctionGenerator(" + g.Name() + ")" }
func (g *FunctionGenerator) Stats() filter.Stats { return g.StatsSnapshot() }
func (g *FunctionGenerator) Health() filter.Health {
	return g.HealthFromErr()
}
func (g *FunctionGenerator) DumpState() string {
	return g.Describe() + " samples_generated=" + itoa(int(g.samplesGenerated))
}
func (g *FunctionGenerator) Flush() error { return nil }
func (g *FunctionGenerator) Reset() error { g.samplesGenerated = 0; return nil }

// Reconfigure accepts a new sample rate in Hz (a float64) and applies it
// live: the worker picks the new period up on its next batch. The declared
// output period_ns is not retroactively revalidated against downstream
// constraints; callers changing rate across a constrained edge must
// rebuild the graph instead.
func (g *FunctionGenerator) Reconfigure(cfg any) error {
	rate, ok := cfg.(float64)
	if !ok || rate <= 0 {
		return cerr.Newf(cerr.InvalidArg, "FunctionGenerator.Reconfigure wants a positive sample rate in Hz")
	}
	g.rateBits.Store(math.Float64bits(rate))
	return nil
}
func (g *FunctionGenerator) HandleError(error) {}
func (g *FunctionGenerator) Recover() error    { return nil }

func (g *FunctionGenerator) rateHz() float64 { return math.Float64frombits(g.rateBits.Load()) }
