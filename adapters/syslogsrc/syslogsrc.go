// Package syslogsrc adapts internal/inputs/syslog's TLS line listener into
// a conduit Source filter: each newline-terminated line is parsed as one
// float64 sample and framed into fixed-capacity batches via
// internal/inputs/syslog's BatchCollector, repurposing a message-oriented
// wire protocol into a regular numeric stream.
package syslogsrc

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"conduit/internal/inputs/syslog"
	"conduit/internal/telemetrylog"
	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
	conduittls "conduit/pkg/tls"
)

// Config controls the listener and the idle-flush behavior for partially
// filled batches.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	// SelfSignTLS generates (or reuses) a self-signed pair at the
	// configured cert/key paths when no externally issued certificate is
	// supplied, instead of falling back to plain TCP.
	SelfSignTLS  bool
	SampleRateHz float64 // declared nominal rate; actual arrival is irregular
	// IdleFlush bounds how long a partially filled batch waits for more
	// lines before being submitted short, so a quiet line source doesn't
	// stall a batch at sink.BatchCapacity forever. Passed straight through
	// to syslog.NewBatchCollector's flushTime.
	IdleFlush time.Duration
}

// Syslog is a 0-input source filter. Lines arrive asynchronously off a TCP
// listener, are batched by a syslog.BatchCollector sized to the sink's
// batch capacity, and HandleBatch parses and frames each delivered batch
// into one output batch.
type Syslog struct {
	*filter.Base
	cfg       Config
	srv       *syslog.Server
	collector *syslog.BatchCollector

	sink     *ring.Buffer
	periodNs uint32
	nextID   uint64
	log      *zap.Logger
}

// New constructs a syslog-line source emitting outType samples per cfg.
func New(name string, outType batch.ElementType, cfg Config) *Syslog {
	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = 500 * time.Millisecond
	}
	s := &Syslog{cfg: cfg}
	s.Base = filter.NewBase(name, filter.KindSource, s)

	out := property.NewTable()
	out.Set(property.ElementType, property.TypeValue(outType))
	out.MarkUnknown(property.BatchCap)
	out.Set(property.Regular, property.BoolValue(false))
	s.DeclareOutput(0, out)
	return s
}

func (s *Syslog) Run(ctx context.Context, b *filter.Base) error {
	sink := b.Sink(0)
	if sink == nil {
		return cerr.New(cerr.NotConnected)
	}

	certFile, keyFile := s.cfg.TLSCertFile, s.cfg.TLSKeyFile
	if s.cfg.SelfSignTLS {
		if certFile == "" {
			certFile = "conduit.crt"
		}
		if keyFile == "" {
			keyFile = "conduit.key"
		}
		host, _, _ := net.SplitHostPort(s.cfg.ListenAddr)
		if host == "" {
			host = "localhost"
		}
		cp, kp, err := conduittls.EnsurePairExists(certFile, keyFile, []string{host, "localhost"}, 365*24*time.Hour)
		if err != nil {
			return err
		}
		certFile, keyFile = cp, kp
	}

	var tlsConf *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	s.sink = sink
	if s.cfg.SampleRateHz > 0 {
		s.periodNs = uint32(1e9/s.cfg.SampleRateHz + 0.5)
	}
	s.log = telemetrylog.ForFilter(s.Name())

	s.collector = syslog.NewBatchCollector(s, sink.BatchCapacity(), s.cfg.IdleFlush)
	metered := syslog.NewMeteredHandler(s.Name(), s.collector)
	s.srv = syslog.New(s.cfg.ListenAddr, tlsConf, metered)
	s.srv.SetLogger(s.log)
	if err := s.srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	s.collector.Stop()
	_ = s.srv.Stop()
	b.PropagateComplete()
	return nil
}

// HandleBatch implements internal/inputs/syslog.BatchHandler: the
// collector hands us a batch of lines sized to the sink's batch capacity
// (or flushed early on IdleFlush); every parseable line becomes one sample
// in a single output batch timestamped at flush time.
func (s *Syslog) HandleBatch(messages []string) {
	samples := make([]float64, 0, len(messages))
	for _, line := range messages {
		v, ok := parseSample(line)
		if !ok {
			s.log.Warn("syslog: unparseable line, dropped")
			continue
		}
		samples = append(samples, v)
	}
	if len(samples) == 0 {
		return
	}

	out := s.sink.GetHead()
	out.Reset()
	out.PeriodNs = s.periodNs
	out.TNs = uint64(time.Now().UnixNano())
	out.Head = len(samples)
	out.BatchID = s.nextID
	s.nextID++
	batch.WriteFloatView(out, samples)
	if err := s.sink.Submit(0); err != nil && !cerr.Recoverable(err) {
		s.log.Warn("syslog: submit failed", zap.Error(err))
		return
	}
	s.AddProcessed(1, uint64(len(samples)))
}

func parseSample(line string) (float64, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Syslog) Describe() string    { return "Syslog(" + s.Name() + ")" }
func (s *Syslog) Stats() filter.Stats { return s.StatsSnapshot() }
func (s *Syslog) Health() filter.Health {
	return s.HealthFromErr()
}
func (s *Syslog) DumpState() string     { return s.Describe() }
func (s *Syslog) Flush() error          { return nil }
func (s *Syslog) Reset() error          { return nil }
func (s *Syslog) Reconfigure(any) error { return cerr.New(cerr.NotImplemented) }
func (s *Syslog) HandleError(error)     {}
func (s *Syslog) Recover() error        { return nil }
