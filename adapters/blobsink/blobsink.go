// Package blobsink adapts internal/outputs/azure_blob's Azure Blob Storage
// output into a conduit Sink filter: each sample of an incoming batch
// becomes one JSONL row, shipped to a blob container instead of a log-shipping
// destination. Credentials are resolved once at construction time, either
// from internal/secrets/vault (a "vault://" SAS token or client secret
// reference) or from the static config values.
package blobsink

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"conduit/internal/outputs/azure_blob"
	"conduit/internal/secrets"
	"conduit/internal/secrets/vault"
	"conduit/internal/telemetrylog"
	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// Config mirrors the subset of azure_blob.Config conduit exposes. Retry and
// backoff are fixed by New (3 attempts, 1s); the rest (lifecycle policy,
// local buffering) keeps azure_blob.Config's own zero-value defaults.
type Config struct {
	StorageAccount string
	Container      string
	AuthType       azure_blob.AuthType
	SASToken       string // may be a "vault://path#field" reference
	TenantID       string
	ClientID       string
	ClientSecret   string // may be a "vault://path#field" reference
	FlushInterval  string
	MaxBatchBytes  int64
}

// BlobSink is a 0-output filter: it terminates a graph by formatting every
// sample it receives as a JSONL row and shipping it to Azure Blob Storage.
type BlobSink struct {
	*filter.Base
	out *azure_blob.Output
}

// New resolves any vault:// credential references in cfg (via
// secrets.ReplacePlaceholders, walking every string field of cfg), builds
// the underlying azure_blob.Output, and attaches inBuf as the sink's sole
// input. vaultClient may be nil (vault disabled); SAS tokens and client
// secrets are then used as given.
func New(ctx context.Context, name string, inBuf *ring.Buffer, cfg Config, vaultClient *vault.Client) (*BlobSink, error) {
	// A nil *vault.Client must stay a nil Resolver interface, or
	// ReplacePlaceholders would call Resolve on a nil receiver for any
	// vault:// field.
	var resolver secrets.Resolver
	if vaultClient != nil {
		resolver = vaultClient
	}
	if err := secrets.ReplacePlaceholders(ctx, &cfg, resolver); err != nil {
		return nil, fmt.Errorf("resolve blobsink secrets: %w", err)
	}

	authType := cfg.AuthType
	if authType == "" {
		authType = azure_blob.AuthTypeManagedIdentity
	}
	flushInterval := cfg.FlushInterval
	if flushInterval == "" {
		flushInterval = "10s"
	}
	maxBatchBytes := cfg.MaxBatchBytes
	if maxBatchBytes <= 0 {
		maxBatchBytes = 4 * 1024 * 1024
	}

	out, err := azure_blob.NewOutput(&azure_blob.Config{
		StorageAccount: cfg.StorageAccount,
		Container:      cfg.Container,
		AuthType:       authType,
		SASToken:       cfg.SASToken,
		TenantID:       cfg.TenantID,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		WriteMode:      azure_blob.WriteModeBlock,
		PathTemplate:   "samples/{date}/{hour}/{source}.jsonl",
		MaxBatchSize:   1000,
		MaxBatchBytes:  maxBatchBytes,
		FlushInterval:  flushInterval,
		Format:         "jsonl",
		RetryAttempts:  3,
		RetryBackoff:   "1s",
	}, telemetrylog.Zap())
	if err != nil {
		return nil, fmt.Errorf("create blob output: %w", err)
	}
	if err := out.Start(); err != nil {
		return nil, fmt.Errorf("start blob output: %w", err)
	}

	s := &BlobSink{out: out}
	s.Base = filter.NewBase(name, filter.KindSink, s)
	in := property.NewTable()
	in.Set(property.ElementType, property.TypeValue(inBuf.ElementType()))
	_ = s.AttachInput(inBuf, in)
	return s, nil
}

func (s *BlobSink) Run(ctx context.Context, b *filter.Base) error {
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
			_ = s.out.Stop()
			return nil
		}

		view, err := batch.FloatView(slot)
		if err != nil {
			return err
		}
		for i := slot.Tail; i < slot.Head; i++ {
			sampleTNs := slot.TNs + uint64(i-slot.Tail)*uint64(slot.PeriodNs)
			evt := &azure_blob.SampleRow{
				Timestamp: time.Unix(0, int64(sampleTNs)),
				Source:    s.Name(),
				Data: map[string]interface{}{
					"t_ns":     sampleTNs,
					"value":    view[i],
					"batch_id": slot.BatchID,
				},
			}
			if err := s.out.Write(evt); err != nil {
				log.Warn("blob write failed", zap.Error(err))
			}
		}
		in.DelTail()
		b.AddProcessed(1, uint64(slot.Head-slot.Tail))
	}
}

func (s *BlobSink) Describe() string    { return "BlobSink(" + s.Name() + ")" }
func (s *BlobSink) Stats() filter.Stats { return s.StatsSnapshot() }
func (s *BlobSink) Health() filter.Health {
	if h := s.HealthFromErr(); h != filter.HealthOK {
		return h
	}
	if s.out.GetMetrics().RowsFailed > 0 {
		return filter.HealthDegraded
	}
	return filter.HealthOK
}
func (s *BlobSink) DumpState() string     { return s.Describe() }
func (s *BlobSink) Flush() error          { return nil }
func (s *BlobSink) Reset() error          { return nil }
func (s *BlobSink) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (s *BlobSink) HandleError(error)     {}
func (s *BlobSink) Recover() error        { return nil }
