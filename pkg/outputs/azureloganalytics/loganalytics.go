// Package azureloganalytics ships sample rows to an Azure Log Analytics
// workspace over the HTTP Data Collector API: HMAC-SHA256 signed requests,
// size/count-bounded batching, exponential-backoff retry, and an optional
// disk spill queue that buffers rows across a workspace outage.
package azureloganalytics

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"conduit/pkg/buffer/spill"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultSpillReplayInterval = 30 * time.Second

// LogAnalyticsOutput accumulates rows and posts them to the Data Collector
// API as JSON arrays. Rows that fail delivery spill to disk (when enabled)
// and are replayed on a ticker until the workspace accepts them.
type LogAnalyticsOutput struct {
	WorkspaceID   string
	SharedKey     string
	LogType       string // table name, without the _CL suffix Azure appends
	ResourceGroup string
	ResourceID    string

	BatchMaxRows     int
	BatchMaxBytes    int
	FlushIntervalSec int
	MaxRetries       int
	RetryDelaySec    int

	client       *http.Client
	pending      []map[string]interface{}
	pendingBytes int
	pendingMu    sync.Mutex
	flushTimer   *time.Timer
	stopCh       chan struct{}
	wg           sync.WaitGroup
	tracer       trace.Tracer
	log          *zap.Logger
	spillQueue   *spill.Queue
	replayTicker *time.Ticker
}

// Config holds construction parameters; zero values pick the defaults
// noted on each field group in NewLogAnalyticsOutput.
type Config struct {
	WorkspaceID      string        `json:"workspaceID"`
	SharedKey        string        `json:"sharedKey"`
	LogType          string        `json:"logType"`
	ResourceGroup    string        `json:"resourceGroup,omitempty"`
	ResourceID       string        `json:"resourceID,omitempty"`
	BatchMaxRows     int           `json:"batchMaxRows"`
	BatchMaxBytes    int           `json:"batchMaxBytes"`
	FlushIntervalSec int           `json:"flushIntervalSec"`
	MaxRetries       int           `json:"maxRetries"`
	RetryDelaySec    int           `json:"retryDelaySec"`
	Spill            SpillSettings `json:"spill"`
}

// SpillSettings controls disk-backed durability for undelivered row batches.
type SpillSettings struct {
	Enabled     bool   `json:"enabled"`
	Directory   string `json:"directory"`
	MaxBytes    int64  `json:"maxBytes"`
	SegmentSize int64  `json:"segmentSize"`
}

// NewLogAnalyticsOutput validates cfg, applies defaults, and starts the
// periodic flush timer (plus the spill replay loop when spill is enabled).
func NewLogAnalyticsOutput(cfg Config) (*LogAnalyticsOutput, error) {
	if cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("workspaceID is required")
	}
	if cfg.SharedKey == "" {
		return nil, fmt.Errorf("sharedKey is required")
	}
	if cfg.LogType == "" {
		cfg.LogType = "ConduitSamples"
	}
	// Azure appends _CL itself; strip it if the caller included one.
	cfg.LogType = strings.TrimSuffix(cfg.LogType, "_CL")

	if cfg.BatchMaxRows <= 0 {
		cfg.BatchMaxRows = 500
	}
	if cfg.BatchMaxBytes <= 0 {
		// The API accepts up to 30MB per post; smaller batches retry
		// more cheaply.
		cfg.BatchMaxBytes = 1 * 1024 * 1024
	}
	if cfg.FlushIntervalSec <= 0 {
		cfg.FlushIntervalSec = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelaySec <= 0 {
		cfg.RetryDelaySec = 2
	}
	if cfg.Spill.Enabled {
		if strings.TrimSpace(cfg.Spill.Directory) == "" {
			cfg.Spill.Directory = "./data/spill/azure"
		}
		if cfg.Spill.MaxBytes <= 0 {
			cfg.Spill.MaxBytes = 10 * 1024 * 1024 * 1024
		}
		if cfg.Spill.SegmentSize <= 0 {
			cfg.Spill.SegmentSize = 1 * 1024 * 1024
		}
	}

	o := &LogAnalyticsOutput{
		WorkspaceID:      cfg.WorkspaceID,
		SharedKey:        cfg.SharedKey,
		LogType:          cfg.LogType,
		ResourceGroup:    cfg.ResourceGroup,
		ResourceID:       cfg.ResourceID,
		BatchMaxRows:     cfg.BatchMaxRows,
		BatchMaxBytes:    cfg.BatchMaxBytes,
		FlushIntervalSec: cfg.FlushIntervalSec,
		MaxRetries:       cfg.MaxRetries,
		RetryDelaySec:    cfg.RetryDelaySec,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		pending: make([]map[string]interface{}, 0, cfg.BatchMaxRows),
		stopCh:  make(chan struct{}),
		tracer:  otel.Tracer("conduit/outputs/azureloganalytics"),
		log:     zap.NewNop(),
	}

	o.flushTimer = time.AfterFunc(time.Duration(o.FlushIntervalSec)*time.Second, o.periodicFlush)

	if cfg.Spill.Enabled {
		queue, err := spill.NewQueue(spill.Config{
			Directory:   cfg.Spill.Directory,
			MaxBytes:    cfg.Spill.MaxBytes,
			SegmentSize: cfg.Spill.SegmentSize,
		})
		if err != nil {
			return nil, fmt.Errorf("init spill queue: %w", err)
		}
		o.spillQueue = queue
		o.replayTicker = time.NewTicker(defaultSpillReplayInterval)
		o.wg.Add(1)
		go o.replayLoop()
	}

	return o, nil
}

// SetLogger attaches a structured logger for delivery/spill diagnostics;
// without one the output logs nothing.
func (o *LogAnalyticsOutput) SetLogger(log *zap.Logger) {
	if log != nil {
		o.log = log
	}
}

// Send appends one row to the pending batch, flushing first if the row
// would push the batch past its row-count or byte limits.
func (o *LogAnalyticsOutput) Send(row map[string]interface{}) error {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	rowBytes, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	rowSize := len(rowBytes)

	if len(o.pending) >= o.BatchMaxRows || (o.pendingBytes+rowSize) >= o.BatchMaxBytes {
		if err := o.flushLocked(); err != nil {
			return err
		}
	}

	o.pending = append(o.pending, row)
	o.pendingBytes += rowSize
	return nil
}

// Flush hands every pending row off for delivery.
func (o *LogAnalyticsOutput) Flush() error {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	return o.flushLocked()
}

// flushLocked takes ownership of the pending batch and delivers it in the
// background; the caller must hold pendingMu.
func (o *LogAnalyticsOutput) flushLocked() error {
	if len(o.pending) == 0 {
		return nil
	}

	rows := o.pending
	o.pending = make([]map[string]interface{}, 0, o.BatchMaxRows)
	o.pendingBytes = 0

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.deliver(rows, true)
	}()
	return nil
}

func (o *LogAnalyticsOutput) periodicFlush() {
	select {
	case <-o.stopCh:
		return
	default:
		_ = o.Flush()
		o.flushTimer.Reset(time.Duration(o.FlushIntervalSec) * time.Second)
	}
}

// deliver posts rows; on failure the batch spills to disk (when enabled)
// for the replay loop to retry, so a workspace outage costs latency
// rather than data.
func (o *LogAnalyticsOutput) deliver(rows []map[string]interface{}, allowSpill bool) error {
	if len(rows) == 0 {
		return nil
	}
	err := o.post(rows)
	if err == nil {
		return nil
	}
	if allowSpill && o.spillQueue != nil {
		if spillErr := o.spillQueue.Append(rows); spillErr != nil {
			o.log.Warn("spill append failed", zap.Error(spillErr))
			return err
		}
		o.log.Info("spilled undelivered rows for replay", zap.Int("rows", len(rows)))
	}
	return err
}

func (o *LogAnalyticsOutput) replayLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case <-o.replayTicker.C:
			if err := o.drainSpill(); err != nil {
				o.log.Warn("spill replay failed", zap.Error(err))
			}
		}
	}
}

func (o *LogAnalyticsOutput) drainSpill() error {
	if o.spillQueue == nil {
		return nil
	}
	return o.spillQueue.Replay(func(rows []map[string]interface{}) error {
		return o.post(rows)
	})
}

// post signs and transmits one batch, retrying transient failures with
// exponential backoff. 4xx responses other than 429 are terminal.
func (o *LogAnalyticsOutput) post(rows []map[string]interface{}) error {
	ctx, span := o.tracer.Start(context.Background(), "post", trace.WithAttributes(
		attribute.Int("batch.rows", len(rows)),
	))
	defer span.End()

	body, err := json.Marshal(rows)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marshal batch: %w", err)
	}

	const (
		method      = "POST"
		contentType = "application/json"
		resource    = "/api/logs"
	)
	rfc1123date := time.Now().UTC().Format(time.RFC1123)

	stringToSign := fmt.Sprintf("%s\n%d\n%s\nx-ms-date:%s\n%s", method, len(body), contentType, rfc1123date, resource)
	signature, err := o.buildSignature(stringToSign)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("build signature: %w", err)
	}

	url := fmt.Sprintf("https://%s.ods.opinsights.azure.com%s?api-version=2016-04-01", o.WorkspaceID, resource)

	var lastErr error
	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(o.RetryDelaySec*(1<<uint(attempt-1))) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", signature)
		req.Header.Set("Log-Type", o.LogType)
		req.Header.Set("x-ms-date", rfc1123date)
		if o.ResourceID != "" {
			req.Header.Set("x-ms-AzureResourceId", o.ResourceID)
		}

		resp, err := o.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
			return nil
		}
		lastErr = fmt.Errorf("log analytics returned status %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
			span.RecordError(lastErr)
			return lastErr
		}
	}

	span.RecordError(lastErr)
	return fmt.Errorf("failed after %d retries: %w", o.MaxRetries, lastErr)
}

// buildSignature produces the SharedKey authorization header value: an
// HMAC-SHA256 over the canonical request string, keyed by the decoded
// workspace shared key.
func (o *LogAnalyticsOutput) buildSignature(stringToSign string) (string, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(o.SharedKey)
	if err != nil {
		return "", fmt.Errorf("decode shared key: %w", err)
	}
	h := hmac.New(sha256.New, keyBytes)
	h.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("SharedKey %s:%s", o.WorkspaceID, signature), nil
}

// Close stops the flush timer and replay loop, delivers anything still
// pending, and makes one final attempt at the spill backlog.
func (o *LogAnalyticsOutput) Close() error {
	close(o.stopCh)
	if o.flushTimer != nil {
		o.flushTimer.Stop()
	}
	if o.replayTicker != nil {
		o.replayTicker.Stop()
	}

	closeErr := o.Flush()
	o.wg.Wait()

	if drainErr := o.drainSpill(); drainErr != nil && closeErr == nil {
		closeErr = drainErr
	}
	return closeErr
}

// GetStats reports the output's current batching state.
func (o *LogAnalyticsOutput) GetStats() map[string]interface{} {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	stats := map[string]interface{}{
		"workspace_id":       o.WorkspaceID,
		"log_type":           o.LogType + "_CL",
		"pending_rows":       len(o.pending),
		"pending_bytes":      o.pendingBytes,
		"batch_max_rows":     o.BatchMaxRows,
		"batch_max_bytes":    o.BatchMaxBytes,
		"flush_interval_sec": o.FlushIntervalSec,
	}
	if o.spillQueue != nil {
		stats["spill_bytes"] = o.spillQueue.Bytes()
	}
	return stats
}
