// Package ring implements BatchBuffer: a bounded, single-producer/
// single-consumer ring of preallocated batch slots. The uncontended fast
// path (non-empty get_tail, non-full submit) never takes a lock; the slow
// path (wait for space/data, or a state-transition signal) uses a mutex and
// two condition variables.
//
// Producer-owned and consumer-owned atomics are grouped into separate,
// cache-line-padded structs so independent producer/consumer progress never
// false-shares a cache line. The lock-free SPSC fast path earns the padding
// in a way a plain RWMutex-guarded ring would not.
package ring

import (
	"sync"
	"sync/atomic"
	"time"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/cerr"
)

// OverflowPolicy selects what Submit does when the ring is full.
type OverflowPolicy int

const (
	// Block waits (up to the buffer's configured timeout) for the
	// consumer to free a slot.
	Block OverflowPolicy = iota
	// DropHead overwrites the oldest unconsumed slot, advancing tail.
	DropHead
	// DropTail discards the new submission, leaving the ring untouched.
	DropTail
)

func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "block"
	case DropHead:
		return "drop_head"
	case DropTail:
		return "drop_tail"
	default:
		return "unknown"
	}
}

const cacheLine = 64

// producerState groups the atomics only the producer side writes. Padded to
// a full cache line so consumer reads of its own state never pull a dirty
// line shared with the producer's.
type producerState struct {
	head           atomic.Uint64
	totalBatches   atomic.Uint64
	droppedBatches atomic.Uint64
	blockedTimeNs  atomic.Int64
	_              [cacheLine - 4*8]byte
}

// consumerState groups the atomic only the consumer side writes.
type consumerState struct {
	tail atomic.Uint64
	_    [cacheLine - 8]byte
}

// Config describes a BatchBuffer's fixed shape. RingExpo and BatchExpo are
// powers-of-two exponents: ring_capacity = 2^RingExpo, batch_capacity =
// 2^BatchExpo.
type Config struct {
	Name        string
	ElementType batch.ElementType
	RingExpo    uint
	BatchExpo   uint
	Overflow    OverflowPolicy
	TimeoutUs   int64
}

const (
	maxRingExpo  = 20
	maxBatchExpo = 24
)

// Validate checks Config fields are within the bounds enforced at buffer
// construction: ring and batch sizes are powers of two, bounded so a
// misconfigured exponent can't allocate an unreasonable amount of memory.
func (c Config) Validate() error {
	if c.RingExpo > maxRingExpo {
		return cerr.Newf(cerr.InvalidConfig, "ring_expo %d exceeds max %d", c.RingExpo, maxRingExpo)
	}
	if c.BatchExpo > maxBatchExpo {
		return cerr.Newf(cerr.InvalidConfig, "batch_expo %d exceeds max %d", c.BatchExpo, maxBatchExpo)
	}
	if c.TimeoutUs < 0 {
		return cerr.Newf(cerr.InvalidConfig, "timeout_us must be >= 0")
	}
	return nil
}

// Buffer is a BatchBuffer: the per-input-port ring every filter owns.
type Buffer struct {
	prod producerState
	cons consumerState

	cfg          Config
	ringCapacity uint64
	mask         uint64
	batchCap     int
	slots        []*batch.Batch

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	stopped  atomic.Bool
}

// New allocates a ring of 2^RingExpo preallocated slots, each with payload
// capacity 2^BatchExpo samples of cfg.ElementType. Slots are never resized
// or reallocated after this call.
func New(cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ringCap := uint64(1) << cfg.RingExpo
	batchCap := 1 << cfg.BatchExpo
	b := &Buffer{
		cfg:          cfg,
		ringCapacity: ringCap,
		mask:         ringCap - 1,
		batchCap:     batchCap,
		slots:        make([]*batch.Batch, ringCap),
	}
	for i := range b.slots {
		b.slots[i] = batch.New(cfg.ElementType, batchCap)
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b, nil
}

// Name returns the buffer's configured name (for metrics/diagnostics).
func (b *Buffer) Name() string { return b.cfg.Name }

// ElementType returns the buffer's declared element type.
func (b *Buffer) ElementType() batch.ElementType { return b.cfg.ElementType }

// Capacity returns ring_capacity (number of slots).
func (b *Buffer) Capacity() int { return int(b.ringCapacity) }

// BatchCapacity returns the fixed per-slot sample capacity.
func (b *Buffer) BatchCapacity() int { return b.batchCap }

// GetHead returns a pointer to the slot the producer should fill next. It
// never blocks and never returns nil; the caller is responsible for writing
// TNs/PeriodNs/Head/Status and payload before calling Submit.
func (b *Buffer) GetHead() *batch.Batch {
	head := b.prod.head.Load()
	return b.slots[head&b.mask]
}

// Submit advances head, publishing the slot GetHead returned. See
// OverflowPolicy for full-ring behavior.
func (b *Buffer) Submit(timeoutUs int64) error {
	head := b.prod.head.Load()
	tail := b.cons.tail.Load() // acquire: observe consumer progress
	full := head-tail == b.ringCapacity

	if full {
		switch b.cfg.Overflow {
		case DropTail:
			b.prod.droppedBatches.Add(1)
			return nil
		case DropHead:
			b.cons.tail.Store(tail + 1)
			b.prod.droppedBatches.Add(1)
		case Block:
			if err := b.waitNotFull(timeoutUs); err != nil {
				return err
			}
		}
	}

	wasEmpty := head == tail
	b.prod.head.Store(head + 1) // release: publish slot contents written before this point
	b.prod.totalBatches.Add(1)
	if wasEmpty {
		b.mu.Lock()
		b.notEmpty.Broadcast()
		b.mu.Unlock()
	}
	return nil
}

func (b *Buffer) waitNotFull(timeoutUs int64) error {
	start := time.Now()
	deadline := start.Add(time.Duration(timeoutUs) * time.Microsecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		tail := b.cons.tail.Load()
		head := b.prod.head.Load()
		if head-tail != b.ringCapacity {
			b.prod.blockedTimeNs.Add(int64(time.Since(start)))
			return nil
		}
		if b.stopped.Load() {
			return cerr.New(cerr.Stopped)
		}
		remaining := time.Until(deadline)
		if timeoutUs > 0 && remaining <= 0 {
			b.prod.blockedTimeNs.Add(int64(time.Since(start)))
			return cerr.New(cerr.Timeout)
		}
		waitTimeout(b.notFull, remaining, timeoutUs <= 0)
	}
}

// GetTail returns the slot at tail, blocking up to timeoutUs microseconds if
// the ring is currently empty. A non-positive timeoutUs blocks indefinitely
// until data arrives or the buffer is stopped.
func (b *Buffer) GetTail(timeoutUs int64) (*batch.Batch, error) {
	tail := b.cons.tail.Load()
	head := b.prod.head.Load() // acquire: happens-before read of slot contents
	if head != tail {
		return b.slots[tail&b.mask], nil
	}
	if b.stopped.Load() {
		return nil, cerr.New(cerr.Stopped)
	}

	start := time.Now()
	deadline := start.Add(time.Duration(timeoutUs) * time.Microsecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		head = b.prod.head.Load()
		tail = b.cons.tail.Load()
		if head != tail {
			return b.slots[tail&b.mask], nil
		}
		if b.stopped.Load() {
			return nil, cerr.New(cerr.Stopped)
		}
		remaining := time.Until(deadline)
		if timeoutUs > 0 && remaining <= 0 {
			return nil, cerr.New(cerr.Timeout)
		}
		waitTimeout(b.notEmpty, remaining, timeoutUs <= 0)
	}
}

// DelTail advances tail, releasing the slot GetTail returned back to the
// producer.
func (b *Buffer) DelTail() {
	tail := b.cons.tail.Load()
	head := b.prod.head.Load()
	wasFull := head-tail == b.ringCapacity
	b.cons.tail.Store(tail + 1) // release
	if wasFull {
		b.mu.Lock()
		b.notFull.Broadcast()
		b.mu.Unlock()
	}
}

// Stop marks the buffer stopped and force-returns any blocked waiter with
// Stopped. Idempotent.
func (b *Buffer) Stop() {
	b.stopped.Store(true)
	b.mu.Lock()
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
	b.mu.Unlock()
}

// Reset clears cursors and counters back to an empty, non-stopped buffer.
// Callers must ensure no producer/consumer is concurrently using the
// buffer — Reset is a management operation, not part of the steady-state
// hot path.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prod.head.Store(0)
	b.cons.tail.Store(0)
	b.prod.totalBatches.Store(0)
	b.prod.droppedBatches.Store(0)
	b.prod.blockedTimeNs.Store(0)
	b.stopped.Store(false)
}

// IsEmpty reports head == tail at the moment of the call.
func (b *Buffer) IsEmpty() bool {
	return b.prod.head.Load() == b.cons.tail.Load()
}

// IsFull reports head - tail == ring_capacity at the moment of the call.
func (b *Buffer) IsFull() bool {
	return b.prod.head.Load()-b.cons.tail.Load() == b.ringCapacity
}

// Available returns the number of occupied slots (backlog depth).
func (b *Buffer) Available() int {
	return int(b.prod.head.Load() - b.cons.tail.Load())
}

// Stats is a point-in-time snapshot of a buffer's counters, safe to read
// from any goroutine.
type Stats struct {
	Name           string
	TotalBatches   uint64
	DroppedBatches uint64
	BlockedTimeNs  int64
	Depth          int
	Capacity       int
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Name:           b.cfg.Name,
		TotalBatches:   b.prod.totalBatches.Load(),
		DroppedBatches: b.prod.droppedBatches.Load(),
		BlockedTimeNs:  b.prod.blockedTimeNs.Load(),
		Depth:          b.Available(),
		Capacity:       int(b.ringCapacity),
	}
}

// waitTimeout blocks on cond until woken, or until timeout elapses if
// !indefinite. sync.Cond has no native deadline support, so a timer is used
// to force a spurious wakeup at the deadline; callers always re-check their
// condition (and the deadline) in a loop after returning.
func waitTimeout(cond *sync.Cond, timeout time.Duration, indefinite bool) {
	if indefinite {
		cond.Wait()
		return
	}
	if timeout <= 0 {
		return
	}
	timer := time.AfterFunc(timeout, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
