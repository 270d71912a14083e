package batch

import "testing"

func TestWidths(t *testing.T) {
	cases := map[ElementType]int{
		F32: 4, F64: 8, I32: 4, U32: 4, I64: 8, U64: 8, I16: 2, U16: 2, I8: 1, U8: 1,
	}
	for typ, want := range cases {
		if got := typ.Width(); got != want {
			t.Errorf("%v.Width() = %d, want %d", typ, got, want)
		}
	}
}

func TestTypedAccessorRoundtrip(t *testing.T) {
	b := New(U32, 8)
	view := b.Uint32s()
	for i := range view {
		view[i] = uint32(i * 2)
	}
	b.Head = 8

	again := b.Uint32s()
	for i := 0; i < b.Head; i++ {
		if again[i] != uint32(i*2) {
			t.Fatalf("sample %d = %d, want %d", i, again[i], i*2)
		}
	}
}

func TestTypedAccessorWrongTypePanics(t *testing.T) {
	b := New(F32, 4)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling Int32s on an F32 batch")
		}
	}()
	_ = b.Int32s()
}

func TestCopyFromDuplicatesHeaderAndPayload(t *testing.T) {
	src := New(F64, 4)
	view := src.Float64s()
	view[0], view[1] = 1.5, 2.5
	src.Head = 2
	src.TNs = 1000
	src.PeriodNs = 10
	src.BatchID = 7
	src.Meta = map[string]any{"k": "v"}

	dst := New(F64, 4)
	dst.CopyFrom(src)

	if dst.Head != 2 || dst.TNs != 1000 || dst.PeriodNs != 10 || dst.BatchID != 7 {
		t.Fatalf("header not copied: %+v", dst)
	}
	dv := dst.Float64s()
	if dv[0] != 1.5 || dv[1] != 2.5 {
		t.Fatalf("payload not copied: %v", dv)
	}
	dst.Meta["k"] = "changed"
	if src.Meta["k"] != "v" {
		t.Fatal("CopyFrom must deep-copy Meta, not alias it")
	}
}

func TestResetClearsHeaderNotPayload(t *testing.T) {
	b := New(I16, 4)
	view := b.Int16s()
	view[0] = 42
	b.Head = 1
	b.Status = Complete
	b.Reset()
	if b.Head != 0 || b.Status != OK {
		t.Fatalf("Reset left header dirty: %+v", b)
	}
	if b.Int16s()[0] != 42 {
		t.Fatal("Reset must not touch payload bytes")
	}
}
