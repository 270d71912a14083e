package archetype

import (
	"context"
	"strconv"
	"time"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
	"conduit/pkg/pipeline"
)

// TeeMode selects how Tee distributes input batches across its outputs.
type TeeMode int

const (
	Duplicate TeeMode = iota
	RoundRobin
	LoadBalance
	Conditional
)

// LoadMetric reports a per-output load figure for LOAD_BALANCE mode; lower
// is preferred. The default is each sink's current backlog depth.
type LoadMetric func(sink *ring.Buffer) int

// ConditionFn selects which outputs (by index, bitmask-free: return the
// list of ports to deliver to) should receive a given batch in CONDITIONAL
// mode.
type ConditionFn func(b *batch.Batch) []int

// Tee is a 1-in, N-out distributor. It copies payload per output rather
// than sharing slots: each sink's ring owns its own batch memory, so a
// slow DROP_TAIL consumer never affects a BLOCK consumer on another port.
type Tee struct {
	*filter.Base
	mode      TeeMode
	metric    LoadMetric
	condition ConditionFn

	rrNext      int
	nextBatchID []uint64

	// breakers guards each output independently: a sink stuck failing
	// Submit (e.g. a full Block-policy sink whose buffer was stopped) trips
	// open and Tee stops attempting delivery to it until the breaker's
	// timeout lets a probe through, or until Recover.
	breakers []*pipeline.CircuitBreaker
}

// NewTee constructs a Tee reading from in and distributing across
// numOutputs output ports, all declared with elemType. metric is used only
// in LoadBalance mode (nil selects backlog depth); condition is used only
// in Conditional mode.
func NewTee(name string, in *ring.Buffer, numOutputs int, elemType batch.ElementType, mode TeeMode, metric LoadMetric, condition ConditionFn) *Tee {
	t := &Tee{
		mode:        mode,
		metric:      metric,
		condition:   condition,
		nextBatchID: make([]uint64, numOutputs),
		breakers:    make([]*pipeline.CircuitBreaker, numOutputs),
	}
	t.Base = filter.NewBase(name, filter.KindSimoTee, t)
	_ = t.AttachInput(in, inputConstraints(elemType))
	for i := 0; i < numOutputs; i++ {
		out := property.NewTable()
		out.Set(property.ElementType, property.TypeValue(elemType))
		out.Preserve(property.PeriodNs)
		out.Preserve(property.BatchCap)
		out.Preserve(property.Regular)
		t.DeclareOutput(i, out)
		t.breakers[i] = pipeline.NewCircuitBreaker(name+".out", 5, 5*time.Second, 2)
	}
	if t.metric == nil {
		t.metric = func(sink *ring.Buffer) int { return sink.Available() }
	}
	return t
}

func (t *Tee) Run(ctx context.Context, b *filter.Base) error {
	in := b.Input(0)
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
			b.PropagateComplete()
			return nil
		}

		targets := t.selectTargets(b, slot)
		for _, port := range targets {
			sink := b.Sink(port)
			if sink == nil || port >= len(t.breakers) {
				continue
			}
			breaker := t.breakers[port]
			_ = breaker.Execute(func() error {
				out := sink.GetHead()
				out.CopyFrom(slot)
				out.BatchID = t.nextBatchID[port]
				t.nextBatchID[port]++
				return sink.Submit(0)
			})
		}
		in.DelTail()
		b.AddProcessed(1, uint64(slot.Head))
	}
}

func (t *Tee) selectTargets(b *filter.Base, slot *batch.Batch) []int {
	n := b.NumSinks()
	switch t.mode {
	case Duplicate:
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	case RoundRobin:
		if n == 0 {
			return nil
		}
		port := t.rrNext % n
		t.rrNext++
		return []int{port}
	case LoadBalance:
		best, bestLoad := -1, int(^uint(0)>>1)
		for i := 0; i < n; i++ {
			sink := b.Sink(i)
			if sink == nil {
				continue
			}
			load := t.metric(sink)
			if load < bestLoad {
				best, bestLoad = i, load
			}
		}
		if best < 0 {
			return nil
		}
		return []int{best}
	case Conditional:
		if t.condition == nil {
			return nil
		}
		return t.condition(slot)
	default:
		return nil
	}
}

func (t *Tee) Describe() string    { return "Tee(" + t.Name() + ")" }
func (t *Tee) Stats() filter.Stats { return t.StatsSnapshot() }

// Health reports DEGRADED when at least one output has tripped open, even
// though the filter's own worker may be running cleanly: a tripped output
// is silently losing batches, which callers should be able to see without
// waiting for the whole filter to fail.
func (t *Tee) Health() filter.Health {
	if h := t.HealthFromErr(); h != filter.HealthOK {
		return h
	}
	for _, breaker := range t.breakers {
		if breaker.State() == pipeline.StateOpen {
			return filter.HealthDegraded
		}
	}
	return filter.HealthOK
}

func (t *Tee) DumpState() string {
	s := t.Describe() + " mode=" + teeModeName(t.mode)
	for i, breaker := range t.breakers {
		st := breaker.Stats()
		s += " out" + strconv.Itoa(i) + "=" + st.State
	}
	return s
}
func (t *Tee) Flush() error          { return nil }
func (t *Tee) Reset() error          { t.rrNext = 0; return nil }
func (t *Tee) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }

// HandleError records that a port's sink has misbehaved without tripping
// it itself — Execute already drives the breaker's own failure counting;
// this is the hook an owning graph can call when it observes a downstream
// problem out-of-band (e.g. the sink filter reported FAILED health).
func (t *Tee) HandleError(error) {}

// Recover resets every tripped output breaker to closed, giving each
// output a fresh run of attempts instead of waiting out the breaker's
// own half-open timeout.
func (t *Tee) Recover() error {
	for _, breaker := range t.breakers {
		breaker.Reset()
	}
	return nil
}

func teeModeName(m TeeMode) string {
	switch m {
	case Duplicate:
		return "duplicate"
	case RoundRobin:
		return "round_robin"
	case LoadBalance:
		return "load_balance"
	case Conditional:
		return "conditional"
	default:
		return "unknown"
	}
}
