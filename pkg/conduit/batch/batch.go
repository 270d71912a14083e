// Package batch defines the unit of transport between filters: a header
// carrying timing/identity/status plus a fixed-capacity payload region of
// samples of one declared element type.
package batch

import (
	"fmt"
	"unsafe"
)

// ElementType enumerates the fixed-width sample types a Batch can carry.
type ElementType uint8

const (
	F32 ElementType = iota
	F64
	I32
	U32
	I64
	U64
	I16
	U16
	I8
	U8
)

var widths = [...]int{
	F32: 4, F64: 8, I32: 4, U32: 4, I64: 8, U64: 8, I16: 2, U16: 2, I8: 1, U8: 1,
}

var names = [...]string{
	F32: "f32", F64: "f64", I32: "i32", U32: "u32", I64: "i64", U64: "u64",
	I16: "i16", U16: "u16", I8: "i8", U8: "u8",
}

// Width returns the data_width in bytes for t.
func (t ElementType) Width() int { return widths[t] }

func (t ElementType) String() string {
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// Status is the batch-level end-of-stream / fault carrier.
type Status uint32

const (
	// OK is normal, in-band data.
	OK Status = iota
	// Complete marks the final batch of a stream. A Complete batch may
	// carry 0..Head samples; once observed, no further batches follow on
	// that edge.
	Complete
	// Fault marks a producer-side error propagated downstream. The
	// concrete cause is not encoded on the batch itself — producers that
	// fault also record a worker_err_info alongside emitting Fault.
	Fault
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Complete:
		return "COMPLETE"
	case Fault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// Batch is one preallocated ring slot: header plus payload. Batches are
// never individually allocated on the hot path — they live inside a
// ring.Buffer's slot array and are reused across the buffer's lifetime.
type Batch struct {
	TNs      uint64 // timestamp of sample 0, ns since a source-chosen monotonic epoch
	PeriodNs uint32 // inter-sample interval; 0 == irregular
	Head     int    // count of valid samples (0 <= Head <= Capacity)
	Tail     int    // reader cursor within the batch (0 <= Tail <= Head)
	Capacity int    // fixed at construction
	BatchID  uint64 // monotonically increasing per producer
	Status   Status
	Meta     map[string]any // optional out-of-band annotations; slot-lifetime

	dtype ElementType
	data  []byte // Capacity * dtype.Width() bytes
}

// New preallocates a batch slot for element type t holding up to capacity
// samples.
func New(t ElementType, capacity int) *Batch {
	return &Batch{
		Capacity: capacity,
		dtype:    t,
		data:     make([]byte, capacity*t.Width()),
	}
}

// ElementType reports the declared element type of the slot.
func (b *Batch) ElementType() ElementType { return b.dtype }

// Remaining reports how many samples are left for a consumer partially
// draining this batch (Head - Tail).
func (b *Batch) Remaining() int { return b.Head - b.Tail }

// Reset clears the header back to an empty, non-terminal state. The payload
// bytes are left untouched (the next producer fill overwrites exactly
// Head*width bytes it writes).
func (b *Batch) Reset() {
	b.TNs = 0
	b.PeriodNs = 0
	b.Head = 0
	b.Tail = 0
	b.Status = OK
	b.Meta = nil
}

// assertType panics with a programmer-error message (not a runtime fault —
// this indicates a filter wired to the wrong element type slipped past
// connect-time validation, which is an internal invariant violation).
func (b *Batch) assertType(t ElementType) {
	if b.dtype != t {
		panic("batch: typed accessor " + t.String() + " called on " + b.dtype.String() + " batch")
	}
}

// Float32s returns a typed view over the full payload capacity. Callers
// index [Tail:Head) for valid unread samples. The returned slice aliases the
// batch's backing bytes; it is valid only until the next producer fill of
// this slot.
func (b *Batch) Float32s() []float32 {
	b.assertType(F32)
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[0])), b.Capacity)
}

func (b *Batch) Float64s() []float64 {
	b.assertType(F64)
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b.data[0])), b.Capacity)
}

func (b *Batch) Int32s() []int32 {
	b.assertType(I32)
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b.data[0])), b.Capacity)
}

func (b *Batch) Uint32s() []uint32 {
	b.assertType(U32)
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b.data[0])), b.Capacity)
}

func (b *Batch) Int64s() []int64 {
	b.assertType(I64)
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b.data[0])), b.Capacity)
}

func (b *Batch) Uint64s() []uint64 {
	b.assertType(U64)
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b.data[0])), b.Capacity)
}

func (b *Batch) Int16s() []int16 {
	b.assertType(I16)
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&b.data[0])), b.Capacity)
}

func (b *Batch) Uint16s() []uint16 {
	b.assertType(U16)
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b.data[0])), b.Capacity)
}

func (b *Batch) Int8s() []int8 {
	b.assertType(I8)
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&b.data[0])), b.Capacity)
}

func (b *Batch) Uint8s() []uint8 {
	b.assertType(U8)
	if len(b.data) == 0 {
		return nil
	}
	return b.data[:b.Capacity]
}

// Bytes returns the raw payload region regardless of declared type, for
// adapters that move data without interpreting it (e.g. a socket sink).
func (b *Batch) Bytes() []byte { return b.data }

// CopyFrom copies Head*width bytes from src into this slot's payload and
// header fields t_ns/period_ns/head/batch_id/ec — used by archetypes that
// duplicate a batch (Tee) or need a fresh slot with identical content.
func (b *Batch) CopyFrom(src *Batch) {
	b.TNs = src.TNs
	b.PeriodNs = src.PeriodNs
	b.Head = src.Head
	b.Tail = src.Tail
	b.BatchID = src.BatchID
	b.Status = src.Status
	if src.Meta != nil {
		m := make(map[string]any, len(src.Meta))
		for k, v := range src.Meta {
			m[k] = v
		}
		b.Meta = m
	} else {
		b.Meta = nil
	}
	width := b.dtype.Width()
	n := src.Head * width
	if n > len(b.data) {
		n = len(b.data)
	}
	copy(b.data, src.data[:n])
}

// FloatView returns b's payload widened to float64, regardless of its
// declared element type, for type-agnostic numeric archetypes and
// adapters. The returned slice is always a copy; mutating it never
// touches b's payload.
func FloatView(b *Batch) ([]float64, error) {
	switch b.ElementType() {
	case F32:
		src := b.Float32s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out, nil
	case F64:
		return append([]float64(nil), b.Float64s()...), nil
	case I32:
		src := b.Int32s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out, nil
	case U32:
		src := b.Uint32s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out, nil
	case I64:
		src := b.Int64s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out, nil
	case U64:
		src := b.Uint64s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out, nil
	case I16:
		src := b.Int16s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out, nil
	case U16:
		src := b.Uint16s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out, nil
	case I8:
		src := b.Int8s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out, nil
	case U8:
		src := b.Uint8s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("batch: unsupported element type %v", b.ElementType())
	}
}

// WriteFloatView writes samples into out's payload, narrowing to out's
// declared element type. len(samples) must not exceed out.Capacity.
func WriteFloatView(out *Batch, samples []float64) {
	switch out.ElementType() {
	case F32:
		dst := out.Float32s()
		for i, v := range samples {
			dst[i] = float32(v)
		}
	case F64:
		copy(out.Float64s(), samples)
	case I32:
		dst := out.Int32s()
		for i, v := range samples {
			dst[i] = int32(v)
		}
	case U32:
		dst := out.Uint32s()
		for i, v := range samples {
			dst[i] = uint32(v)
		}
	case I64:
		dst := out.Int64s()
		for i, v := range samples {
			dst[i] = int64(v)
		}
	case U64:
		dst := out.Uint64s()
		for i, v := range samples {
			dst[i] = uint64(v)
		}
	case I16:
		dst := out.Int16s()
		for i, v := range samples {
			dst[i] = int16(v)
		}
	case U16:
		dst := out.Uint16s()
		for i, v := range samples {
			dst[i] = uint16(v)
		}
	case I8:
		dst := out.Int8s()
		for i, v := range samples {
			dst[i] = int8(v)
		}
	case U8:
		dst := out.Uint8s()
		for i, v := range samples {
			dst[i] = uint8(v)
		}
	}
}
