// Package azure_blob ships formatted rows to Azure Blob Storage: append-blob
// streaming or block-blob batching, with local-disk failover and retry. It
// is domain-agnostic about what a row contains (blobsink supplies rows
// derived from sample batches); see adapters/blobsink for the conduit Sink
// that drives it.
package azure_blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"
)

// Output is one Azure Blob Storage destination: either an append blob that
// every Write call streams a row onto directly, or a block-blob batcher
// that accumulates rows and flushes a combined blob on a timer or size
// threshold. A local disk buffer absorbs writes when the blob service is
// unreachable and a background loop replays it once uploads succeed again.
type Output struct {
	config          *Config
	client          *azblob.Client
	containerClient *container.Client
	logger          *zap.Logger

	// block-mode accumulation
	batchMu    sync.Mutex
	batch      [][]byte
	batchBytes int64
	flushTimer *time.Timer

	localBuffer *LocalBuffer

	mu      sync.RWMutex
	metrics Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Metrics holds the output's operational counters; read via GetMetrics.
type Metrics struct {
	RowsSent          int64
	RowsFailed        int64
	BytesSent         int64
	RetryAttempts     int64
	LocalBufferWrites int64
	DeadLetterWrites  int64
	LastError         string
	LastErrorTime     time.Time
}

// SampleRow is one row written to a blob: a formatted sample (or a
// caller-supplied raw payload) plus the path-template fields needed to
// place it.
type SampleRow struct {
	Timestamp time.Time
	Source    string
	Data      map[string]interface{}
	Raw       []byte
}

// NewOutput validates config, authenticates against the storage account,
// ensures the container exists, and opens the local failover buffer when
// one is configured.
func NewOutput(config *Config, logger *zap.Logger) (*Output, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Output{
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := o.initAzureClient(); err != nil {
		cancel()
		return nil, fmt.Errorf("init azure client: %w", err)
	}

	if config.LocalBufferPath != "" {
		localBuffer, err := NewLocalBuffer(config.LocalBufferPath, config.LocalBufferSize)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("init local buffer: %w", err)
		}
		o.localBuffer = localBuffer
	}

	return o, nil
}

// initAzureClient builds the blob client for the configured auth mode:
// SAS token, service-principal client secret, or the default credential
// chain (managed identity, environment, CLI).
func (o *Output) initAzureClient() error {
	var credential azcore.TokenCredential
	var err error

	switch o.config.AuthType {
	case AuthTypeSAS:
		accountURL := fmt.Sprintf("https://%s.blob.core.windows.net/?%s", o.config.StorageAccount, o.config.SASToken)
		if o.config.UsePrivateEndpoint && o.config.PrivateEndpointURL != "" {
			accountURL = fmt.Sprintf("%s/?%s", o.config.PrivateEndpointURL, o.config.SASToken)
		}
		o.client, err = azblob.NewClientWithNoCredential(accountURL, nil)
		if err != nil {
			return fmt.Errorf("create SAS client: %w", err)
		}

	case AuthTypeAzureAD:
		credential, err = azidentity.NewClientSecretCredential(
			o.config.TenantID,
			o.config.ClientID,
			o.config.ClientSecret,
			nil,
		)
		if err != nil {
			return fmt.Errorf("create client-secret credential: %w", err)
		}

	case AuthTypeManagedIdentity:
		credential, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return fmt.Errorf("create default credential: %w", err)
		}

	default:
		return fmt.Errorf("unsupported auth type: %s", o.config.AuthType)
	}

	if credential != nil {
		accountURL := fmt.Sprintf("https://%s.blob.core.windows.net/", o.config.StorageAccount)
		if o.config.UsePrivateEndpoint && o.config.PrivateEndpointURL != "" {
			accountURL = o.config.PrivateEndpointURL
		}
		o.client, err = azblob.NewClient(accountURL, credential, nil)
		if err != nil {
			return fmt.Errorf("create azure client: %w", err)
		}
	}

	o.containerClient = o.client.ServiceClient().NewContainerClient(o.config.Container)
	if err := o.ensureContainer(); err != nil {
		return fmt.Errorf("ensure container: %w", err)
	}
	return nil
}

func (o *Output) ensureContainer() error {
	ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	defer cancel()

	_, err := o.containerClient.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 409 {
			return nil // already exists
		}
		return fmt.Errorf("create container: %w", err)
	}

	o.logger.Info("container created", zap.String("container", o.config.Container))
	return nil
}

// Start arms the block-mode flush timer and the local-buffer replay loop.
func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return fmt.Errorf("output already started")
	}

	if o.config.WriteMode == WriteModeBlock {
		flushInterval, err := o.config.FlushIntervalDuration()
		if err != nil {
			return fmt.Errorf("invalid flush interval: %w", err)
		}
		o.flushTimer = time.AfterFunc(flushInterval, o.flushBatch)
	}

	if o.localBuffer != nil {
		o.wg.Add(1)
		go o.replayLocalBuffer()
	}

	o.started = true
	o.logger.Info("azure blob output started",
		zap.String("storage_account", o.config.StorageAccount),
		zap.String("container", o.config.Container),
		zap.String("write_mode", string(o.config.WriteMode)))
	return nil
}

// Stop flushes anything still batched, stops the background loops, and
// closes the local buffer. Safe to call on a never-started output.
func (o *Output) Stop() error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	o.mu.Unlock()

	if o.flushTimer != nil {
		o.flushTimer.Stop()
	}
	if o.config.WriteMode == WriteModeBlock {
		o.flushBatch()
	}

	o.cancel()
	o.wg.Wait()

	if o.localBuffer != nil {
		return o.localBuffer.Close()
	}

	o.logger.Info("azure blob output stopped")
	return nil
}

// Write formats one row and either appends it to its blob directly
// (append mode) or adds it to the pending block-mode batch.
func (o *Output) Write(row *SampleRow) error {
	o.mu.RLock()
	if !o.started {
		o.mu.RUnlock()
		return fmt.Errorf("output not started")
	}
	o.mu.RUnlock()

	data, err := o.formatRow(row)
	if err != nil {
		return fmt.Errorf("format row: %w", err)
	}

	switch o.config.WriteMode {
	case WriteModeAppend:
		return o.writeAppend(row, data)
	case WriteModeBlock:
		return o.writeBatch(data)
	default:
		return fmt.Errorf("unsupported write mode: %s", o.config.WriteMode)
	}
}

func (o *Output) formatRow(row *SampleRow) ([]byte, error) {
	switch o.config.Format {
	case "json":
		return json.Marshal(row.Data)
	case "jsonl":
		data, err := json.Marshal(row.Data)
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "kv":
		var buf bytes.Buffer
		for k, v := range row.Data {
			fmt.Fprintf(&buf, "%s=%v,", k, v)
		}
		data := buf.Bytes()
		if len(data) > 0 {
			data = data[:len(data)-1]
		}
		return append(data, '\n'), nil
	default: // "raw"
		return row.Raw, nil
	}
}

// gzipped compresses data; callers append ".gz" to the blob path.
func gzipped(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close compressor: %w", err)
	}
	return buf.Bytes(), nil
}

func (o *Output) writeAppend(row *SampleRow, data []byte) error {
	blobPath := renderPathTemplate(o.config.PathTemplate, row.Timestamp, row.Source)

	if o.config.CompressionType == "gzip" {
		var err error
		if data, err = gzipped(data); err != nil {
			return err
		}
		blobPath += ".gz"
	}

	return o.writeWithRetry(func() error {
		return o.appendToBlob(blobPath, data)
	})
}

func (o *Output) appendToBlob(blobPath string, data []byte) error {
	ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	defer cancel()

	appendBlobClient := o.containerClient.NewAppendBlobClient(blobPath)

	// First write to a new path has to create the blob.
	if _, err := appendBlobClient.GetProperties(ctx, nil); err != nil {
		if _, err = appendBlobClient.Create(ctx, nil); err != nil {
			return fmt.Errorf("create append blob: %w", err)
		}
	}

	if _, err := appendBlobClient.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(data)), nil); err != nil {
		return fmt.Errorf("append block: %w", err)
	}

	o.mu.Lock()
	o.metrics.RowsSent++
	o.metrics.BytesSent += int64(len(data))
	o.mu.Unlock()
	return nil
}

func (o *Output) writeBatch(data []byte) error {
	o.batchMu.Lock()
	defer o.batchMu.Unlock()

	o.batch = append(o.batch, data)
	o.batchBytes += int64(len(data))

	if len(o.batch) >= o.config.MaxBatchSize || o.batchBytes >= o.config.MaxBatchBytes {
		go o.flushBatch()
	}
	return nil
}

// flushBatch concatenates the pending rows into one block blob and uploads
// it; on failure the combined payload falls back to the local buffer for
// the replay loop to retry.
func (o *Output) flushBatch() {
	o.batchMu.Lock()
	if len(o.batch) == 0 {
		o.batchMu.Unlock()
		return
	}
	rows := o.batch
	o.batch = nil
	o.batchBytes = 0
	o.batchMu.Unlock()

	var buf bytes.Buffer
	for _, data := range rows {
		buf.Write(data)
	}
	data := buf.Bytes()

	now := time.Now()
	blobPath := fmt.Sprintf("%s-%d", renderPathTemplate(o.config.PathTemplate, now, "batch"), now.UnixNano())

	if o.config.CompressionType == "gzip" {
		var err error
		if data, err = gzipped(data); err != nil {
			o.recordError(err)
			return
		}
		blobPath += ".gz"
	}

	err := o.writeWithRetry(func() error {
		return o.uploadBlockBlob(blobPath, data, len(rows))
	})
	if err != nil {
		o.recordError(err)
		if o.localBuffer != nil {
			if err := o.localBuffer.Write(data); err != nil {
				o.logger.Error("local buffer write failed", zap.Error(err))
			} else {
				o.mu.Lock()
				o.metrics.LocalBufferWrites++
				o.mu.Unlock()
			}
		}
	}

	if o.flushTimer != nil {
		flushInterval, _ := o.config.FlushIntervalDuration()
		o.flushTimer.Reset(flushInterval)
	}
}

// uploadBlockBlob uploads one combined payload; rowCount is the number of
// formatted rows it carries, credited to RowsSent on success.
func (o *Output) uploadBlockBlob(blobPath string, data []byte, rowCount int) error {
	ctx, cancel := context.WithTimeout(o.ctx, 60*time.Second)
	defer cancel()

	blockBlobClient := o.containerClient.NewBlockBlobClient(blobPath)
	if _, err := blockBlobClient.UploadBuffer(ctx, data, nil); err != nil {
		return fmt.Errorf("upload block blob: %w", err)
	}

	o.mu.Lock()
	o.metrics.RowsSent += int64(rowCount)
	o.metrics.BytesSent += int64(len(data))
	o.mu.Unlock()
	return nil
}

func (o *Output) writeWithRetry(fn func() error) error {
	backoff, _ := o.config.RetryBackoffDuration()

	var lastErr error
	for attempt := 0; attempt <= o.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			o.mu.Lock()
			o.metrics.RetryAttempts++
			o.mu.Unlock()
			time.Sleep(backoff * time.Duration(attempt))
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransientError(err) {
			break
		}
		o.logger.Warn("transient error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	o.recordError(lastErr)
	return lastErr
}

// isTransientError reports whether err is worth retrying: throttling and
// server-side 5xx responses, plus network-shaped failures.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary")
}

// renderPathTemplate fills the {date}/{year}/{month}/{day}/{hour}/{minute}/
// {source} placeholders of a path template against ts and source.
func renderPathTemplate(template string, ts time.Time, source string) string {
	replacer := strings.NewReplacer(
		"{date}", ts.Format("2006-01-02"),
		"{year}", ts.Format("2006"),
		"{month}", ts.Format("01"),
		"{day}", ts.Format("02"),
		"{hour}", ts.Format("15"),
		"{minute}", ts.Format("04"),
		"{source}", source,
	)
	return replacer.Replace(template)
}

// replayLocalBuffer periodically retries payloads the local buffer
// absorbed while the blob service was unreachable.
func (o *Output) replayLocalBuffer() {
	defer o.wg.Done()

	if o.localBuffer == nil {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.drainLocalBuffer()
		}
	}
}

// drainLocalBuffer uploads spooled payloads until the buffer is empty or
// an upload fails; a failed payload is written back so nothing is lost.
func (o *Output) drainLocalBuffer() {
	if o.localBuffer == nil {
		return
	}

	for {
		data, err := o.localBuffer.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			o.logger.Error("local buffer read failed", zap.Error(err))
			break
		}

		blobPath := fmt.Sprintf("recovered/%s-%d", time.Now().Format("2006-01-02"), time.Now().UnixNano())
		err = o.writeWithRetry(func() error {
			return o.uploadBlockBlob(blobPath, data, 0)
		})
		if err != nil {
			o.logger.Error("local buffer replay failed", zap.Error(err))
			if err := o.localBuffer.Write(data); err != nil {
				o.logger.Error("local buffer write-back failed", zap.Error(err))
			}
			break
		}

		o.logger.Info("replayed local buffer payload", zap.String("blob", blobPath))
	}
}

func (o *Output) recordError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.metrics.RowsFailed++
	o.metrics.LastError = err.Error()
	o.metrics.LastErrorTime = time.Now()

	o.logger.Error("write error", zap.Error(err))
}

// GetMetrics returns a copy of the current counters.
func (o *Output) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.metrics
}
