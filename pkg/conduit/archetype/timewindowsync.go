package archetype

import (
	"context"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// TimeWindowSync is an N-in, N-out multi-input synchronization primitive:
// it outputs only for time ranges where every input has data, truncating
// each input's contribution to the overlap and emitting output port i from
// input port i once the overlap advances. Per-input sample
// queues are kept as parallel (t_ns, value) slices; a sample is only
// released once its timestamp falls within the currently-known overlap of
// every input.
type TimeWindowSync struct {
	*filter.Base
	n        int
	periodNs uint32

	queueTNs    [][]uint64
	queueVal    [][]float64
	nextBatchID []uint64
}

// NewTimeWindowSync constructs an N-input/N-output sync filter. ins must
// all declare the same element type and period; that period becomes every
// output's declared period_ns.
func NewTimeWindowSync(name string, ins []*ring.Buffer) *TimeWindowSync {
	n := len(ins)
	s := &TimeWindowSync{n: n, queueTNs: make([][]uint64, n), queueVal: make([][]float64, n), nextBatchID: make([]uint64, n)}
	s.Base = filter.NewBase(name, filter.KindMultiInSync, s)
	for i, in := range ins {
		tbl := property.NewTable()
		tbl.Set(property.ElementType, property.TypeValue(in.ElementType()))
		tbl.Set(property.Regular, property.BoolValue(true))
		_ = s.AttachInput(in, tbl)

		out := property.NewTable()
		out.Set(property.ElementType, property.TypeValue(in.ElementType()))
		out.Preserve(property.PeriodNs)
		out.Set(property.Regular, property.BoolValue(true))
		s.DeclareOutput(i, out)
	}
	return s
}

// pullOne reads at most one batch from input port (waiting up to 20ms)
// into that port's queues, returning done=true once the port delivers its
// COMPLETE batch.
func (s *TimeWindowSync) pullOne(b *filter.Base, port int) (done bool, err error) {
	in := b.Input(port)
	slot, gerr := in.GetTail(20_000)
	if gerr != nil {
		if cerr.Recoverable(gerr) {
			return false, nil
		}
		return false, gerr
	}
	if slot.Status == batch.Complete {
		in.DelTail()
		return true, nil
	}
	if slot.PeriodNs == 0 {
		return false, cerr.Newf(cerr.InvalidArg, "TimeWindowSync input %d requires regular data", port)
	}
	s.periodNs = slot.PeriodNs
	view, verr := floatView(slot)
	if verr != nil {
		return false, verr
	}
	for i := slot.Tail; i < slot.Head; i++ {
		s.queueTNs[port] = append(s.queueTNs[port], slot.TNs+uint64(i-slot.Tail)*uint64(slot.PeriodNs))
		s.queueVal[port] = append(s.queueVal[port], view[i])
	}
	in.DelTail()
	return false, nil
}

func (s *TimeWindowSync) Run(ctx context.Context, b *filter.Base) error {
	completed := make([]bool, s.n)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !b.Running() {
			return nil
		}

		allDone := true
		for p := 0; p < s.n; p++ {
			if completed[p] {
				continue
			}
			allDone = false
			if len(s.queueTNs[p]) > 4096 {
				continue // enough buffered for this round; give other ports a turn
			}
			done, err := s.pullOne(b, p)
			if err != nil {
				return err
			}
			completed[p] = done
		}

		s.emitOverlap(b)

		if allDone {
			b.PropagateComplete()
			return nil
		}
	}
}

// emitOverlap finds the longest common prefix of aligned timestamps across
// every port's queue and emits it to the corresponding output, dropping the
// emitted (or non-overlapping stale) entries from each queue.
func (s *TimeWindowSync) emitOverlap(b *filter.Base) {
	minLen := -1
	for p := 0; p < s.n; p++ {
		if len(s.queueTNs[p]) == 0 {
			return // at least one input has nothing buffered: no overlap yet
		}
		if minLen < 0 || len(s.queueTNs[p]) < minLen {
			minLen = len(s.queueTNs[p])
		}
	}
	// find the latest "first timestamp" across ports: samples before it on
	// any port are outside the overlap and are discarded.
	var startTNs uint64
	for p := 0; p < s.n; p++ {
		if p == 0 || s.queueTNs[p][0] > startTNs {
			startTNs = s.queueTNs[p][0]
		}
	}
	for p := 0; p < s.n; p++ {
		for len(s.queueTNs[p]) > 0 && s.queueTNs[p][0] < startTNs {
			s.queueTNs[p] = s.queueTNs[p][1:]
			s.queueVal[p] = s.queueVal[p][1:]
		}
	}

	n := -1
	for p := 0; p < s.n; p++ {
		if n < 0 || len(s.queueTNs[p]) < n {
			n = len(s.queueTNs[p])
		}
	}
	if n <= 0 {
		return
	}

	for p := 0; p < s.n; p++ {
		sink := b.Sink(p)
		if sink == nil {
			s.queueTNs[p] = s.queueTNs[p][n:]
			s.queueVal[p] = s.queueVal[p][n:]
			continue
		}
		out := sink.GetHead()
		out.Reset()
		out.TNs = s.queueTNs[p][0]
		out.PeriodNs = s.periodNs
		out.Head = n
		out.BatchID = s.nextBatchID[p]
		s.nextBatchID[p]++
		writeFloatView(out, s.queueVal[p][:n])
		_ = sink.Submit(0)
		b.AddProcessed(1, uint64(n))
		s.queueTNs[p] = s.queueTNs[p][n:]
		s.queueVal[p] = s.queueVal[p][n:]
	}
}

func (s *TimeWindowSync) Describe() string    { return "TimeWindowSync(" + s.Name() + ")" }
func (s *TimeWindowSync) Stats() filter.Stats { return s.StatsSnapshot() }
func (s *TimeWindowSync) Health() filter.Health {
	return s.HealthFromErr()
}
func (s *TimeWindowSync) DumpState() string { return s.Describe() }
func (s *TimeWindowSync) Flush() error      { return nil }
func (s *TimeWindowSync) Reset() error {
	for p := range s.queueTNs {
		s.queueTNs[p] = nil
		s.queueVal[p] = nil
	}
	return nil
}
func (s *TimeWindowSync) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (s *TimeWindowSync) HandleError(error)     {}
func (s *TimeWindowSync) Recover() error        { return nil }
