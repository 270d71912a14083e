// Package analyticssink adapts pkg/outputs/azureloganalytics's HMAC-signed
// Data Collector API client into a conduit Sink filter: each incoming
// batch's samples become one JSON row per sample, shipped to a Log
// Analytics workspace.
package analyticssink

import (
	"context"

	"go.uber.org/zap"

	"conduit/internal/telemetrylog"
	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
	"conduit/pkg/outputs/azureloganalytics"
)

type Config struct {
	WorkspaceID string
	SharedKey   string
	LogType     string
}

// AnalyticsSink is a 0-output filter: it terminates a graph by shipping
// every sample it receives as one JSON row to Azure Log Analytics.
type AnalyticsSink struct {
	*filter.Base
	out *azureloganalytics.LogAnalyticsOutput
}

func New(name string, inBuf *ring.Buffer, cfg Config) (*AnalyticsSink, error) {
	out, err := azureloganalytics.NewLogAnalyticsOutput(azureloganalytics.Config{
		WorkspaceID: cfg.WorkspaceID,
		SharedKey:   cfg.SharedKey,
		LogType:     cfg.LogType,
	})
	if err != nil {
		return nil, err
	}
	out.SetLogger(telemetrylog.Zap())
	s := &AnalyticsSink{out: out}
	s.Base = filter.NewBase(name, filter.KindSink, s)
	in := property.NewTable()
	in.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	_ = s.AttachInput(inBuf, in)
	return s, nil
}

func (s *AnalyticsSink) Run(ctx context.Context, b *filter.Base) error {
	in := b.Input(0)
	log := telemetrylog.ForFilter(s.Name())
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
			_ = s.out.Close()
			return nil
		}

		view, err := batch.FloatView(slot)
		if err != nil {
			return err
		}
		for i := slot.Tail; i < slot.Head; i++ {
			row := map[string]interface{}{
				"t_ns":     slot.TNs + uint64(i-slot.Tail)*uint64(slot.PeriodNs),
				"value":    view[i],
				"filter":   s.Name(),
				"batch_id": slot.BatchID,
			}
			if err := s.out.Send(row); err != nil {
				log.Warn("analytics send failed", zap.Error(err))
			}
		}
		in.DelTail()
		b.AddProcessed(1, uint64(slot.Head-slot.Tail))
	}
}

func (s *AnalyticsSink) Describe() string    { return "AnalyticsSink(" + s.Name() + ")" }
func (s *AnalyticsSink) Stats() filter.Stats { return s.StatsSnapshot() }
func (s *AnalyticsSink) Health() filter.Health {
	return s.HealthFromErr()
}
func (s *AnalyticsSink) DumpState() string     { return s.Describe() }
func (s *AnalyticsSink) Flush() error          { return s.out.Flush() }
func (s *AnalyticsSink) Reset() error          { return nil }
func (s *AnalyticsSink) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (s *AnalyticsSink) HandleError(error)     {}
func (s *AnalyticsSink) Recover() error        { return nil }
