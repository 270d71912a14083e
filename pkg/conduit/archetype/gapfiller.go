package archetype

import (
	"context"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// GapFiller handles bounded gaps in a regular stream by interpolation,
// flagging interpolated samples in the output batch's Meta so downstream
// consumers can distinguish real from synthesized data. A
// gap is "bounded" when it spans no more than maxGapSamples missing
// periods; longer gaps are passed through unfilled and flagged as such in
// Meta rather than silently fabricating unbounded runs of data.
type GapFiller struct {
	*filter.Base
	maxGapSamples int

	haveLast    bool
	lastTNs     uint64
	lastVal     float64
	nextBatchID uint64
}

func NewGapFiller(name string, inBuf *ring.Buffer, maxGapSamples int) *GapFiller {
	g := &GapFiller{maxGapSamples: maxGapSamples}
	g.Base = filter.NewBase(name, filter.KindMap, g)
	in := property.NewTable()
	in.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	in.Set(property.Regular, property.BoolValue(true))
	_ = g.AttachInput(inBuf, in)

	out := property.NewTable()
	out.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	out.Preserve(property.PeriodNs)
	out.MarkUnknown(property.BatchCap)
	out.Preserve(property.Regular)
	g.DeclareOutput(0, out)
	return g
}

func (g *GapFiller) Run(ctx context.Context, b *filter.Base) error {
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
			b.SetErr(filter.ErrInfo{Code: cerr.InvalidArg, Message: "GapFiller requires regular input"})
			return cerr.New(cerr.InvalidArg)
		}

		view, err := floatView(slot)
		if err != nil {
			return err
		}
		period := uint64(slot.PeriodNs)

		var outVals []float64
		var interpolated []bool
		unboundedGap := false
		hadLast, startTNs := g.haveLast, g.lastTNs+period
		for i := slot.Tail; i < slot.Head; i++ {
			curTNs, curVal := slot.TNs+uint64(i-slot.Tail)*period, view[i]
			if g.haveLast {
				missing := int((curTNs-g.lastTNs)/period) - 1
				if missing > 0 {
					if missing <= g.maxGapSamples {
						for k := 1; k <= missing; k++ {
							frac := float64(k) / float64(missing+1)
							outVals = append(outVals, g.lastVal+frac*(curVal-g.lastVal))
							interpolated = append(interpolated, true)
						}
					} else {
						unboundedGap = true
					}
				}
			}
			outVals = append(outVals, curVal)
			interpolated = append(interpolated, false)
			g.lastTNs, g.lastVal, g.haveLast = curTNs, curVal, true
		}
		in.DelTail()

		if !hadLast {
			startTNs = slot.TNs
		}
		if sink != nil && len(outVals) > 0 {
			o := sink.GetHead()
			o.Reset()
			o.TNs = startTNs
			o.PeriodNs = slot.PeriodNs
			o.Head = len(outVals)
			o.BatchID = g.nextBatchID
			g.nextBatchID++
			o.Meta = map[string]any{"interpolated": interpolated}
			if unboundedGap {
				o.Meta["gap_exceeded_max"] = true
			}
			writeFloatView(o, outVals)
			_ = sink.Submit(0)
			b.AddProcessed(1, uint64(len(outVals)))
		}
	}
}

func (g *GapFiller) Describe() string    { return "GapFiller(" + g.Name() + ")" }
func (g *GapFiller) Stats() filter.Stats { return g.StatsSnapshot() }
func (g *GapFiller) Health() filter.Health {
	return g.HealthFromErr()
}
func (g *GapFiller) DumpState() string     { return g.Describe() }
func (g *GapFiller) Flush() error          { return nil }
func (g *GapFiller) Reset() error          { g.haveLast = false; return nil }
func (g *GapFiller) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (g *GapFiller) HandleError(error)     {}
func (g *GapFiller) Recover() error        { return nil }
