// Command conduitd is the conduit runtime: it loads configuration, assembles
// a filter graph from the enabled adapters, serves the management HTTP API,
// and runs until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"conduit/adapters/analyticssink"
	"conduit/adapters/blobsink"
	"conduit/adapters/syntheticsrc"
	"conduit/adapters/syslogsrc"
	"conduit/internal/api"
	"conduit/internal/config"
	"conduit/internal/diagnostics"
	"conduit/internal/diagnostics/selfcheck"
	"conduit/internal/obsv"
	"conduit/internal/secrets/vault"
	"conduit/internal/telemetrylog"
	"conduit/internal/version"
	"conduit/pkg/conduit/archetype"
	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/graph"
	"conduit/pkg/conduit/ring"
	"conduit/pkg/tls"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		health      = flag.Bool("health", false, "check a running instance's /v1/filters endpoint and exit")
		diag        = flag.Bool("diagnostics", false, "print a diagnostics snapshot and exit")
		diagFormat  = flag.String("diag-format", "text", "diagnostics output format: text|json")
		diagEnv     = flag.Bool("diag-env", false, "include safe environment variables in diagnostics output")
		host        = flag.String("host", "", "override server.host")
		port        = flag.Int("port", 0, "override server.port")
		useTLS      = flag.Bool("tls", false, "serve the management API over TLS with a self-signed certificate")
		tlsCertPath = flag.String("tls-cert", "conduitd.crt", "TLS certificate path (generated if missing)")
		tlsKeyPath  = flag.String("tls-key", "conduitd.key", "TLS key path (generated if missing)")
		tlsValidFor = flag.Duration("tls-valid-for", 365*24*time.Hour, "validity period for a generated self-signed certificate")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	cfg := config.Load()
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if *diag {
		info := diagnostics.Collect(cfg, *diagEnv)
		if err := diagnostics.Print(info, *diagFormat); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if *health {
		if err := performHealthCheck(cfg.HTTPAddr(), *useTLS); err != nil {
			fmt.Fprintln(os.Stderr, "health check failed:", err)
			os.Exit(1)
		}
		fmt.Println("ok")
		return
	}

	if errs, warnings := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "config error:", e)
		}
		os.Exit(1)
	} else {
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, "config warning:", w)
		}
	}

	telemetrylog.Init(telemetrylog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := telemetrylog.Zap()
	log.Info("conduit starting", zap.String("version", version.Full()), zap.String("addr", cfg.HTTPAddr()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.OTLP.Endpoint != "" {
		shutdown, err := obsv.InitTracing(ctx, *cfg)
		if err != nil {
			log.Warn("otlp tracing init failed, continuing without traces", zap.Error(err))
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	var vaultClient *vault.Client
	if cfg.Secrets.Vault.Address != "" {
		vc, err := vault.NewClient(cfg)
		if err != nil {
			log.Fatal("vault client init failed", zap.Error(err))
		}
		vaultClient = vc
	}

	if err := selfcheck.Run(ctx, cfg, selfcheck.Dependencies{Vault: vaultClient}); err != nil {
		log.Fatal("self-check failed", zap.Error(err))
	}

	g, err := buildGraph(ctx, cfg, vaultClient, log)
	if err != nil {
		log.Fatal("graph assembly failed", zap.Error(err))
	}

	if err := g.StartAll(ctx); err != nil {
		log.Fatal("graph start failed", zap.Error(err))
	}
	log.Info("graph running", zap.Strings("filters", g.FilterNames()))

	srv := api.NewServer(cfg, g)
	addr := cfg.HTTPAddr()
	errCh := make(chan error, 1)
	go func() {
		if *useTLS {
			certPath, keyPath, err := tls.EnsurePairExists(*tlsCertPath, *tlsKeyPath, []string{cfg.Server.Host, "localhost"}, *tlsValidFor)
			if err != nil {
				errCh <- fmt.Errorf("tls bootstrap: %w", err)
				return
			}
			errCh <- srv.ListenTLS(addr, certPath, keyPath)
			return
		}
		errCh <- srv.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("management api exited", zap.Error(err))
		}
	}

	if err := srv.Shutdown(); err != nil {
		log.Warn("management api shutdown error", zap.Error(err))
	}
	if err := g.StopAll(); err != nil {
		log.Warn("graph stop error", zap.Error(err))
	}
	log.Info("conduit stopped")
}

// buildGraph wires whichever adapters are enabled in cfg.Adapters into a
// graph. Sources feed a fan-out Tee so a single feed can reach every
// enabled sink; disabled adapters are simply absent from the graph.
func buildGraph(ctx context.Context, cfg *config.Config, vaultClient *vault.Client, log *zap.Logger) (*graph.Graph, error) {
	const elemType = batch.F64
	g := graph.New()

	var sinkNames []string
	addSink := func(name string, f filter.Filter, base *filter.Base) error {
		if err := g.AddFilter(f, base); err != nil {
			return err
		}
		sinkNames = append(sinkNames, name)
		return nil
	}

	if cfg.Adapters.BlobSink.Enabled {
		buf, err := ring.New(ring.Config{Name: "blobsink.in", ElementType: elemType, RingExpo: 8, BatchExpo: 10, Overflow: ring.DropTail})
		if err != nil {
			return nil, err
		}
		sink, err := blobsink.New(ctx, "blobsink", buf, blobsink.Config{
			StorageAccount: cfg.Adapters.BlobSink.AccountURL,
			Container:      cfg.Adapters.BlobSink.ContainerName,
			FlushInterval:  cfg.Adapters.BlobSink.FlushInterval.String(),
			MaxBatchBytes:  int64(cfg.Adapters.BlobSink.MaxBatchBytes),
		}, vaultClient)
		if err != nil {
			return nil, fmt.Errorf("blobsink: %w", err)
		}
		if err := addSink("blobsink", sink, sink.Base); err != nil {
			return nil, err
		}
	}

	if cfg.Adapters.AnalyticsSink.Enabled {
		buf, err := ring.New(ring.Config{Name: "analyticssink.in", ElementType: elemType, RingExpo: 8, BatchExpo: 10, Overflow: ring.DropTail})
		if err != nil {
			return nil, err
		}
		sharedKey := cfg.Adapters.AnalyticsSink.SharedKey
		if vaultClient != nil && cfg.Secrets.Vault.Path != "" {
			resolved, err := vaultClient.Resolve(ctx, "vault://"+cfg.Secrets.Vault.Path+"#shared_key")
			if err != nil {
				return nil, fmt.Errorf("analyticssink: resolve shared key: %w", err)
			}
			sharedKey = resolved
		}
		sink, err := analyticssink.New("analyticssink", buf, analyticssink.Config{
			WorkspaceID: cfg.Adapters.AnalyticsSink.WorkspaceID,
			SharedKey:   sharedKey,
			LogType:     cfg.Adapters.AnalyticsSink.LogType,
		})
		if err != nil {
			return nil, fmt.Errorf("analyticssink: %w", err)
		}
		if err := addSink("analyticssink", sink, sink.Base); err != nil {
			return nil, err
		}
	}

	var sourceNames []string
	addSource := func(name string, f filter.Filter, base *filter.Base) error {
		if err := g.AddFilter(f, base); err != nil {
			return err
		}
		sourceNames = append(sourceNames, name)
		return nil
	}

	if cfg.Adapters.Synthetic.Enabled {
		src := syntheticsrc.New("synthetic", elemType, syntheticsrc.Config{
			RateHz:      cfg.Adapters.Synthetic.RateHz,
			JitterRatio: cfg.Adapters.Synthetic.JitterRatio,
			RealTime:    true,
		})
		if err := addSource("synthetic", src, src.Base); err != nil {
			return nil, err
		}
	}

	if cfg.Adapters.Syslog.Enabled {
		src := syslogsrc.New("syslog", elemType, syslogsrc.Config{
			ListenAddr:   fmt.Sprintf("%s:%d", cfg.Adapters.Syslog.Host, cfg.Adapters.Syslog.Port),
			TLSCertFile:  cfg.Adapters.Syslog.TLSCertFile,
			TLSKeyFile:   cfg.Adapters.Syslog.TLSKeyFile,
			SelfSignTLS:  cfg.Adapters.Syslog.SelfSignTLS,
			SampleRateHz: 0,
		})
		if err := addSource("syslog", src, src.Base); err != nil {
			return nil, err
		}
	}

	if len(sourceNames) == 0 || len(sinkNames) == 0 {
		if len(sourceNames) != 0 || len(sinkNames) != 0 {
			log.Warn("graph has sources or sinks but not both; nothing will flow",
				zap.Strings("sources", sourceNames), zap.Strings("sinks", sinkNames))
		}
		return g, nil
	}

	for _, name := range sourceNames {
		teeName := name + ".tee"
		teeIn, err := ring.New(ring.Config{Name: teeName + ".in", ElementType: elemType, RingExpo: 8, BatchExpo: 10, Overflow: ring.Block})
		if err != nil {
			return nil, err
		}
		tee := archetype.NewTee(teeName, teeIn, len(sinkNames), elemType, archetype.Duplicate, nil, nil)
		if err := g.AddFilter(tee, tee.Base); err != nil {
			return nil, err
		}
		if err := g.Connect(name, 0, teeName, 0); err != nil {
			return nil, fmt.Errorf("connect %s -> %s: %w", name, teeName, err)
		}
		for i, sinkName := range sinkNames {
			if err := g.Connect(teeName, i, sinkName, 0); err != nil {
				return nil, fmt.Errorf("connect %s:%d -> %s: %w", teeName, i, sinkName, err)
			}
		}
	}

	return g, nil
}

func performHealthCheck(addr string, useTLS bool) error {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(scheme + "://" + addr + "/v1/filters")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
