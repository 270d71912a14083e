// Package filter implements the generic filter lifecycle, worker harness,
// and management operation set every archetype in pkg/conduit/archetype
// builds on. Concrete archetypes embed *Base and supply a
// Runner — the single per-iteration worker body — while Base owns the
// state machine, input/sink wiring, and the atomics-backed stats/error
// record every Manageable implementation exposes.
//
// The atomics-plus-Snapshot() pattern (record progress on lock-free
// counters, hand callers a frozen copy) mirrors pkg/pipeline.CircuitBreaker's
// Stats() method.
package filter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// Limits on fan-in/fan-out per filter.
const (
	MaxInputs = 16
	MaxSinks  = 16
)

// Kind tags a filter's topological role.
type Kind int

const (
	KindSource Kind = iota
	KindMap
	KindSimoTee
	KindMultiInSync
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "SOURCE"
	case KindMap:
		return "MAP"
	case KindSimoTee:
		return "SIMO_TEE"
	case KindMultiInSync:
		return "MULTI_IN_SYNC"
	case KindSink:
		return "SINK"
	default:
		return "UNKNOWN"
	}
}

// State is the filter lifecycle state machine.
type State int32

const (
	Created State = iota
	Initialized
	Connected
	Running
	Stopped
	Deinitialized
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Initialized:
		return "Initialized"
	case Connected:
		return "Connected"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	case Deinitialized:
		return "Deinitialized"
	default:
		return "Unknown"
	}
}

// Health is the coarse-grained health a Manageable reports.
type Health int

const (
	HealthOK Health = iota
	HealthDegraded
	HealthFailed
	HealthUnknown
)

func (h Health) String() string {
	switch h {
	case HealthOK:
		return "OK"
	case HealthDegraded:
		return "DEGRADED"
	case HealthFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrInfo is the structured worker-error record attached to every filter.
type ErrInfo struct {
	Code    cerr.Kind
	File    string
	Line    int
	Message string
}

func (e ErrInfo) String() string {
	if e.Code == cerr.OK {
		return "ok"
	}
	return fmt.Sprintf("%s at %s:%d: %s", e.Code, e.File, e.Line, e.Message)
}

// Stats is a point-in-time snapshot of a filter's processing counters.
type Stats struct {
	BatchesProcessed uint64
	SamplesProcessed uint64
}

// Manageable is the per-instance operation table every archetype
// implements as plain methods, in place of a C-style function-pointer
// table.
type Manageable interface {
	Describe() string
	Stats() Stats
	Health() Health
	Backlog() int
	DumpState() string
	Flush() error
	Reset() error
	Reconfigure(cfg any) error
	HandleError(err error)
	Recover() error
}

// Runner is the archetype-supplied worker body. Run is invoked on the
// filter's single worker goroutine and loops internally while
// ctx.Err() == nil and the filter is Running; it returns when the filter
// should exit its worker (ctx canceled, Stop called, or a fatal error).
type Runner interface {
	Run(ctx context.Context, b *Base) error
}

// Base implements the generic lifecycle/worker/Manageable plumbing shared
// by every archetype. It is meant to be embedded: archetypes declare
//
//	type Map struct { *filter.Base; fn func(...) }
//
// and call filter.NewBase(name, kind, self) in their constructor, where self
// is the archetype's own Runner implementation.
type Base struct {
	name string
	kind Kind

	inputs    [MaxInputs]*ring.Buffer
	numInputs int
	sinks     [MaxSinks]*ring.Buffer
	numSinks  int

	inputProps  []*property.Table
	outputProps []*property.Table

	state   atomic.Int32
	running atomic.Bool

	errInfo atomic.Pointer[ErrInfo]

	statsBatches atomic.Uint64
	statsSamples atomic.Uint64

	metaMu sync.Mutex

	runner Runner
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBase constructs the embeddable lifecycle state for an archetype. It
// starts with no ports: input buffers are attached via AttachInput and
// output ports are wired via Connect.
func NewBase(name string, kind Kind, runner Runner) *Base {
	b := &Base{name: name, kind: kind, runner: runner}
	b.state.Store(int32(Created))
	b.errInfo.Store(&ErrInfo{})
	return b
}

func (b *Base) Name() string  { return b.name }
func (b *Base) Kind() Kind    { return b.kind }
func (b *Base) State() State  { return State(b.state.Load()) }
func (b *Base) Running() bool { return b.running.Load() }

// NumInputs / NumSinks report the currently wired port counts.
func (b *Base) NumInputs() int { return b.numInputs }
func (b *Base) NumSinks() int  { return b.numSinks }

// Input returns the i'th input buffer, or nil if unattached.
func (b *Base) Input(i int) *ring.Buffer {
	if i < 0 || i >= b.numInputs {
		return nil
	}
	return b.inputs[i]
}

// Sink returns the i'th output's downstream buffer, or nil if unconnected.
func (b *Base) Sink(i int) *ring.Buffer {
	if i < 0 || i >= b.numSinks {
		return nil
	}
	return b.sinks[i]
}

// AttachInput registers an input buffer this filter owns (allocated during
// the archetype's Init), along with the declared input constraints used at
// connect time by the upstream filter. Must be called before Start.
func (b *Base) AttachInput(buf *ring.Buffer, constraints *property.Table) error {
	b.metaMu.Lock()
	defer b.metaMu.Unlock()
	if b.numInputs >= MaxInputs {
		return cerr.Newf(cerr.InvalidConfig, "filter %s: exceeds MAX_INPUTS=%d", b.name, MaxInputs)
	}
	b.inputs[b.numInputs] = buf
	b.inputProps = append(b.inputProps, constraints)
	b.numInputs++
	if State(b.state.Load()) == Created {
		b.state.Store(int32(Initialized))
	}
	return nil
}

// DeclareOutput registers the property table this filter computes for
// output port idx. Archetypes call this during construction/Init, before
// any Connect.
func (b *Base) DeclareOutput(idx int, table *property.Table) {
	b.metaMu.Lock()
	defer b.metaMu.Unlock()
	for len(b.outputProps) <= idx {
		b.outputProps = append(b.outputProps, property.NewTable())
	}
	b.outputProps[idx] = table
}

// OutputProps returns the declared property table for output port idx.
func (b *Base) OutputProps(idx int) *property.Table {
	if idx < 0 || idx >= len(b.outputProps) {
		return nil
	}
	return b.outputProps[idx]
}

// InputProps returns the declared constraint table for input port idx.
func (b *Base) InputProps(idx int) *property.Table {
	if idx < 0 || idx >= len(b.inputProps) {
		return nil
	}
	return b.inputProps[idx]
}

// Connect wires output port portOut to downstream's input buffer. Type and
// width compatibility is checked here; full property-constraint checking
// (phase/rate/regularity) is performed by pkg/conduit/graph at graph-build
// time, which has visibility across the whole DAG.
func (b *Base) Connect(portOut int, downstream *ring.Buffer) error {
	b.metaMu.Lock()
	defer b.metaMu.Unlock()
	if portOut < 0 || portOut >= MaxSinks {
		return cerr.Newf(cerr.InvalidArg, "filter %s: output port %d out of range", b.name, portOut)
	}
	for portOut >= b.numSinks {
		b.numSinks++
	}
	if b.sinks[portOut] != nil {
		return cerr.Newf(cerr.AlreadyConnected, "filter %s: output port %d already connected", b.name, portOut)
	}
	if downstream == nil {
		return cerr.New(cerr.NullPointer)
	}
	b.sinks[portOut] = downstream
	if State(b.state.Load()) == Initialized || State(b.state.Load()) == Created {
		b.state.Store(int32(Connected))
	}
	return nil
}

// ResetOutput disconnects output port idx, used by graph.Connect to roll
// back an edge that failed post-hoc property validation so the graph is
// left unchanged on error.
func (b *Base) ResetOutput(idx int) {
	b.metaMu.Lock()
	defer b.metaMu.Unlock()
	if idx >= 0 && idx < b.numSinks {
		b.sinks[idx] = nil
	}
}

// Start transitions Running=false->true and spawns the worker goroutine
// running runner.Run. Returns AlreadyRunning if already started.
func (b *Base) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return cerr.New(cerr.AlreadyRunning)
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.state.Store(int32(Running))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.runner.Run(runCtx, b)
		if err != nil && !cerr.Recoverable(err) {
			b.recordErr(err)
		}
		b.running.Store(false)
	}()
	return nil
}

// Stop sets running=false, stops every input and sink buffer this filter
// owns/references (force-returning any blocked worker), joins the worker,
// and surfaces worker_err_info as the return value if non-OK. Idempotent.
func (b *Base) Stop() error {
	if State(b.state.Load()) == Stopped || State(b.state.Load()) == Deinitialized {
		return cerr.New(cerr.NotRunning)
	}
	b.running.Store(false)
	if b.cancel != nil {
		b.cancel()
	}
	for i := 0; i < b.numInputs; i++ {
		if b.inputs[i] != nil {
			b.inputs[i].Stop()
		}
	}
	for i := 0; i < b.numSinks; i++ {
		if b.sinks[i] != nil {
			b.sinks[i].Stop()
		}
	}
	b.wg.Wait()
	b.state.Store(int32(Stopped))
	info := b.errInfo.Load()
	if info != nil && info.Code != cerr.OK {
		return &cerr.Error{Kind: info.Code, Msg: info.Message}
	}
	return nil
}

// Deinit releases buffers/metadata. Forbidden while running.
func (b *Base) Deinit() error {
	if b.running.Load() {
		return cerr.New(cerr.Busy)
	}
	b.metaMu.Lock()
	defer b.metaMu.Unlock()
	for i := range b.inputs {
		b.inputs[i] = nil
	}
	for i := range b.sinks {
		b.sinks[i] = nil
	}
	b.state.Store(int32(Deinitialized))
	return nil
}

func (b *Base) recordErr(err error) {
	ce, ok := err.(*cerr.Error)
	if !ok {
		ce = &cerr.Error{Kind: cerr.Internal, Msg: err.Error()}
	}
	b.errInfo.Store(&ErrInfo{Code: ce.Kind, Message: ce.Msg})
}

// SetErr lets a Runner record a fatal condition (file/line supplied by the
// caller via runtime.Caller, typically through the Failf helper) without
// going through the return-value path — used when the worker must keep
// running a shutdown sequence (propagate COMPLETE) after the failure.
func (b *Base) SetErr(info ErrInfo) { b.errInfo.Store(&info) }

// ErrInfo returns the current worker error record.
func (b *Base) ErrInfo() ErrInfo {
	if p := b.errInfo.Load(); p != nil {
		return *p
	}
	return ErrInfo{}
}

// AddProcessed accumulates the generic batches/samples counters; archetypes
// call this once per batch they successfully emit.
func (b *Base) AddProcessed(batches, samples uint64) {
	b.statsBatches.Add(batches)
	b.statsSamples.Add(samples)
}

// StatsSnapshot returns the generic Stats every archetype's Manageable.Stats
// delegates to.
func (b *Base) StatsSnapshot() Stats {
	return Stats{
		BatchesProcessed: b.statsBatches.Load(),
		SamplesProcessed: b.statsSamples.Load(),
	}
}

// Backlog sums Available() across all input buffers — the generic
// implementation of Manageable.Backlog.
func (b *Base) Backlog() int {
	total := 0
	for i := 0; i < b.numInputs; i++ {
		if b.inputs[i] != nil {
			total += b.inputs[i].Available()
		}
	}
	return total
}

// HealthFromErr derives a generic Health from the current error record:
// OK when no error recorded, FAILED when one is.
func (b *Base) HealthFromErr() Health {
	info := b.errInfo.Load()
	if info == nil || info.Code == cerr.OK {
		return HealthOK
	}
	return HealthFailed
}

// PropagateComplete submits an empty COMPLETE batch on every sink, best
// effort (errors are ignored — by the time a worker is unwinding there is
// nothing further it can do about a stuck sink).
func (b *Base) PropagateComplete() {
	for i := 0; i < b.numSinks; i++ {
		sink := b.sinks[i]
		if sink == nil {
			continue
		}
		slot := sink.GetHead()
		slot.Reset()
		slot.Head = 0
		slot.BatchID = 0
		slot.Status = batch.Complete
		_ = sink.Submit(0)
	}
}

// Filter is the full per-node contract: lifecycle plus
// management operations. Every archetype constructor returns a concrete
// type satisfying this interface via its embedded *Base (for lifecycle) and
// its own Manageable methods.
type Filter interface {
	Manageable
	Name() string
	Kind() Kind
	Start(ctx context.Context) error
	Stop() error
	Deinit() error
}
