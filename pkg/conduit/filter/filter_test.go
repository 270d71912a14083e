package filter

import (
	"context"
	"testing"
	"time"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// passthrough is a minimal 1-in/1-out Runner used to exercise Base's
// lifecycle and cascade behavior without pulling in a real archetype.
type passthrough struct {
	*Base
}

func newPassthrough(name string, in *ring.Buffer) *passthrough {
	p := &passthrough{}
	p.Base = NewBase(name, KindMap, p)
	_ = p.AttachInput(in, property.NewTable())
	return p
}

func (p *passthrough) Run(ctx context.Context, b *Base) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		in, err := b.Input(0).GetTail(50_000)
		if err != nil {
			if cerr.Recoverable(err) {
				continue
			}
			return err
		}
		if in.Status == batch.Complete {
			b.Input(0).DelTail()
			b.PropagateComplete()
			return nil
		}
		if sink := b.Sink(0); sink != nil {
			out := sink.GetHead()
			out.CopyFrom(in)
			_ = sink.Submit(0)
		}
		b.AddProcessed(1, uint64(in.Head))
		b.Input(0).DelTail()
	}
}

func (p *passthrough) Describe() string      { return "passthrough(" + p.Name() + ")" }
func (p *passthrough) Stats() Stats          { return p.StatsSnapshot() }
func (p *passthrough) Health() Health        { return p.HealthFromErr() }
func (p *passthrough) DumpState() string     { return p.Describe() }
func (p *passthrough) Flush() error          { return nil }
func (p *passthrough) Reset() error          { return nil }
func (p *passthrough) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (p *passthrough) HandleError(err error) {}
func (p *passthrough) Recover() error        { return nil }

func mustBuf(t *testing.T) *ring.Buffer {
	t.Helper()
	b, err := ring.New(ring.Config{ElementType: batch.U32, RingExpo: 3, BatchExpo: 2, Overflow: ring.Block, TimeoutUs: 0})
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	return b
}

func TestStartStopIdempotency(t *testing.T) {
	in := mustBuf(t)
	f := newPassthrough("p", in)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.Start(context.Background()); cerr.KindOf(err) != cerr.AlreadyRunning {
		t.Fatalf("second Start should be AlreadyRunning, got %v", err)
	}
	if err := f.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.Running() {
		t.Fatal("Running() must be false after Stop returns")
	}
	if err := f.Stop(); cerr.KindOf(err) != cerr.NotRunning {
		t.Fatalf("second Stop should be NotRunning, got %v", err)
	}
}

func TestCompleteCascade(t *testing.T) {
	in := mustBuf(t)
	out := mustBuf(t)
	f := newPassthrough("p", in)
	if err := f.Connect(0, out); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		slot := in.GetHead()
		slot.Head = 1
		slot.BatchID = uint64(i)
		if err := in.Submit(0); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	term := in.GetHead()
	term.Status = batch.Complete
	term.Head = 0
	if err := in.Submit(0); err != nil {
		t.Fatalf("submit complete: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []*batch.Batch
	for len(got) < 4 && time.Now().Before(deadline) {
		b, err := out.GetTail(50_000)
		if err != nil {
			continue
		}
		cp := *b
		got = append(got, &cp)
		out.DelTail()
	}
	if len(got) != 4 {
		t.Fatalf("expected 3 data batches + 1 COMPLETE, got %d", len(got))
	}
	for i := 0; i < 3; i++ {
		if got[i].Status != batch.OK {
			t.Fatalf("batch %d should be OK, got %v", i, got[i].Status)
		}
	}
	if got[3].Status != batch.Complete {
		t.Fatalf("final batch should be COMPLETE, got %v", got[3].Status)
	}

	if err := f.Stop(); err != nil {
		t.Fatalf("Stop after cascade: %v", err)
	}
}
