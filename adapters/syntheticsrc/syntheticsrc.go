// Package syntheticsrc is a rate/jitter load-generating Source filter: it
// emits a deterministic numeric waveform at a configurable rate, with the
// per-second sample count perturbed by a bounded jitter ratio, for
// exercising a graph without a live feed.
package syntheticsrc

import (
	"context"
	"math"
	"math/rand"
	"time"

	"conduit/internal/telemetrylog"
	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
)

// Config controls the generated waveform and its rate jitter.
type Config struct {
	// RateHz is the target sample rate. JitterRatio perturbs the
	// per-second count by +/- RateHz*JitterRatio.
	RateHz      float64
	JitterRatio float64
	// AmplitudeHz is the frequency of the sine wave riding on the
	// generated sample stream; zero yields silent (all-zero) samples.
	AmplitudeHz float64
	RealTime    bool
}

// Synthetic is a 0-input source filter emitting a deterministic sine
// waveform with rate jitter applied once per generated second.
type Synthetic struct {
	*filter.Base
	cfg Config
	rng *rand.Rand

	samplesGenerated uint64
	nextBatchID      uint64
}

// New constructs a synthetic source emitting outType samples per cfg.
func New(name string, outType batch.ElementType, cfg Config) *Synthetic {
	s := &Synthetic{cfg: cfg, rng: rand.New(rand.NewSource(1))}
	s.Base = filter.NewBase(name, filter.KindSource, s)

	out := property.NewTable()
	out.Set(property.ElementType, property.TypeValue(outType))
	periodNs := int64(0)
	if cfg.RateHz > 0 {
		periodNs = int64(1e9/cfg.RateHz + 0.5)
	}
	out.Set(property.PeriodNs, property.IntValue(periodNs))
	out.MarkUnknown(property.BatchCap)
	out.Set(property.Regular, property.BoolValue(true))
	s.DeclareOutput(0, out)
	return s
}

// withJitter perturbs rate by up to +/- ratio, floored at 1 sample/sec.
func (s *Synthetic) withJitter(rate float64) float64 {
	if s.cfg.JitterRatio <= 0 {
		return rate
	}
	j := (s.rng.Float64()*2 - 1) * s.cfg.JitterRatio
	v := rate + rate*j
	if v < 1 {
		v = 1
	}
	return v
}

func (s *Synthetic) Run(ctx context.Context, b *filter.Base) error {
	sink := b.Sink(0)
	if sink == nil {
		return cerr.New(cerr.NotConnected)
	}
	log := telemetrylog.ForFilter(s.Name())

	periodNs := uint32(0)
	if s.cfg.RateHz > 0 {
		periodNs = uint32(1e9/s.cfg.RateHz + 0.5)
	}
	batchCap := sink.BatchCapacity()
	start := time.Now()
	secondStart := start
	target := s.withJitter(s.cfg.RateHz)
	producedThisSecond := 0

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

		if float64(producedThisSecond) >= target {
			now := time.Now()
			if sleep := secondStart.Add(time.Second).Sub(now); sleep > 0 {
				time.Sleep(sleep)
			}
			secondStart = time.Now()
			producedThisSecond = 0
			target = s.withJitter(s.cfg.RateHz)
			continue
		}

		out := sink.GetHead()
		out.Reset()
		tNs := uint64(float64(s.samplesGenerated) * 1e9 / maxFloat(s.cfg.RateHz, 1))
		out.TNs = tNs
		out.PeriodNs = periodNs
		out.Head = batchCap
		out.BatchID = s.nextBatchID
		s.nextBatchID++

		view, err := batch.FloatView(out)
		if err != nil {
			return err
		}
		for i := 0; i < batchCap; i++ {
			idx := s.samplesGenerated + uint64(i)
			tSec := float64(idx) / maxFloat(s.cfg.RateHz, 1)
			view[i] = sampleValue(s.cfg.AmplitudeHz, tSec)
		}
		batch.WriteFloatView(out, view)
		s.samplesGenerated += uint64(batchCap)
		producedThisSecond += batchCap

		if s.cfg.RealTime && s.cfg.RateHz > 0 {
			elapsed := time.Duration(float64(s.samplesGenerated) / s.cfg.RateHz * float64(time.Second))
			if d := time.Until(start.Add(elapsed)); d > 0 {
				time.Sleep(d)
			}
		}

		if err := sink.Submit(0); err != nil {
			if cerr.Recoverable(err) {
				continue
			}
			log.Warn("synthetic submit failed")
			return err
		}
		b.AddProcessed(1, uint64(batchCap))
	}
}

func sampleValue(amplitudeHz, tSeconds float64) float64 {
	if amplitudeHz <= 0 {
		return 0
	}
	return math.Sin(2 * math.Pi * amplitudeHz * tSeconds)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (s *Synthetic) Describe() string    { return "Synthetic(" + s.Name() + ")" }
func (s *Synthetic) Stats() filter.Stats { return s.StatsSnapshot() }
func (s *Synthetic) Health() filter.Health {
	return s.HealthFromErr()
}
func (s *Synthetic) DumpState() string     { return s.Describe() }
func (s *Synthetic) Flush() error          { return nil }
func (s *Synthetic) Reset() error          { s.samplesGenerated = 0; return nil }
func (s *Synthetic) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (s *Synthetic) HandleError(error)     {}
func (s *Synthetic) Recover() error        { return nil }
