package property

import (
	"testing"

	"conduit/pkg/conduit/batch"
)

func TestSetBehaviorIgnoresInputs(t *testing.T) {
	tab := NewTable()
	tab.Set(ElementType, TypeValue(batch.F32))
	out := tab.Resolve(nil)
	if out[ElementType].Type != batch.F32 {
		t.Fatalf("Set behavior should yield F32 regardless of inputs, got %v", out[ElementType].Type)
	}
}

func TestPreserveBehaviorCopiesFirstInput(t *testing.T) {
	tab := NewTable()
	tab.Preserve(PeriodNs)
	out := tab.Resolve(map[Name][]Value{PeriodNs: {IntValue(1000)}})
	if out[PeriodNs].Int != 1000 {
		t.Fatalf("Preserve should copy upstream value, got %d", out[PeriodNs].Int)
	}
}

func TestAdaptBehaviorComputesFromInputs(t *testing.T) {
	tab := NewTable()
	tab.AdaptFn(BatchCap, func(inputs []Value) Value {
		if len(inputs) == 0 {
			return Value{}
		}
		return IntValue(inputs[0].Int * 2)
	})
	out := tab.Resolve(map[Name][]Value{BatchCap: {IntValue(64)}})
	if out[BatchCap].Int != 128 {
		t.Fatalf("Adapt should double input, got %d", out[BatchCap].Int)
	}
}

func TestConstraintChecks(t *testing.T) {
	eq := Constraint{Property: ElementType, Kind: Equality, Want: TypeValue(batch.U32)}
	if msg := eq.Check(TypeValue(batch.U32)); msg != "" {
		t.Fatalf("expected matching element_type to pass, got %q", msg)
	}
	if msg := eq.Check(TypeValue(batch.F32)); msg == "" {
		t.Fatal("expected mismatched element_type to fail")
	}

	multiple := Constraint{Property: BatchCap, Kind: MultipleOf, Want: IntValue(64)}
	if msg := multiple.Check(IntValue(128)); msg != "" {
		t.Fatalf("128 should be a multiple of 64: %q", msg)
	}
	if msg := multiple.Check(IntValue(100)); msg == "" {
		t.Fatal("100 is not a multiple of 64, expected failure")
	}

	align := Constraint{Property: BatchPhaseNs, Kind: Alignment, Want: IntValue(1000)}
	if msg := align.Check(IntValue(12_000_000)); msg != "" {
		t.Fatalf("12_000_000 is phase-aligned to period 1000: %q", msg)
	}
	if msg := align.Check(IntValue(12_345_678)); msg == "" {
		t.Fatal("12_345_678 has non-integer phase, expected failure")
	}
}
