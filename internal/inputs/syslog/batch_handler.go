package syslog

import (
	"sync"
	"time"
)

// BatchHandler receives a full (or timer-flushed) batch of lines at once.
type BatchHandler interface {
	HandleBatch(lines []string)
}

// BatchCollector sits in front of a BatchHandler and turns a Handle-per-line
// stream into Handle-per-batch calls, sized to batchSize (typically a
// sink's BatchCapacity) or flushed by a ticker every flushTime (whether or
// not lines are still arriving) so a slow line source doesn't stall a
// partial batch indefinitely.
type BatchCollector struct {
	handler   BatchHandler
	batchSize int
	flushTime time.Duration

	mu      sync.Mutex
	batch   []string
	stopCh  chan struct{}
	flushCh chan struct{}
	doneCh  chan struct{}
}

// NewBatchCollector starts a collector that batches lines handed to it via
// Handle, auto-flushing at batchSize lines and on every tick of a
// flushTime ticker.
func NewBatchCollector(handler BatchHandler, batchSize int, flushTime time.Duration) *BatchCollector {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushTime <= 0 {
		flushTime = 100 * time.Millisecond
	}

	bc := &BatchCollector{
		handler:   handler,
		batchSize: batchSize,
		flushTime: flushTime,
		batch:     make([]string, 0, batchSize),
		stopCh:    make(chan struct{}),
		flushCh:   make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}

	go bc.flusher()
	return bc
}

// Handle implements Handler so a BatchCollector can sit directly behind a
// Server as its per-line callback.
func (bc *BatchCollector) Handle(line string) {
	bc.mu.Lock()
	bc.batch = append(bc.batch, line)
	needsFlush := len(bc.batch) >= bc.batchSize
	bc.mu.Unlock()

	if needsFlush {
		select {
		case bc.flushCh <- struct{}{}:
		default:
		}
	}
}

// flusher runs in a goroutine, flushing on timer or demand.
func (bc *BatchCollector) flusher() {
	defer close(bc.doneCh)
	ticker := time.NewTicker(bc.flushTime)
	defer ticker.Stop()

	for {
		select {
		case <-bc.stopCh:
			bc.flush()
			return
		case <-ticker.C:
			bc.flush()
		case <-bc.flushCh:
			bc.flush()
		}
	}
}

// flush sends the current batch to the handler.
func (bc *BatchCollector) flush() {
	bc.mu.Lock()
	if len(bc.batch) == 0 {
		bc.mu.Unlock()
		return
	}

	toSend := bc.batch
	bc.batch = make([]string, 0, bc.batchSize)
	bc.mu.Unlock()

	if bc.handler != nil {
		bc.handler.HandleBatch(toSend)
	}
}

// Stop gracefully shuts down the collector and flushes pending messages.
func (bc *BatchCollector) Stop() {
	close(bc.stopCh)
	<-bc.doneCh
}
