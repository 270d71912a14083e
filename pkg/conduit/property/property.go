// Package property implements the per-port declared-property tables and
// behaviors (SET/PRESERVE/ADAPT/UNKNOWN) used for connection-time
// validation and topological propagation.
package property

import "conduit/pkg/conduit/batch"

// Name identifies a declared property.
type Name string

const (
	ElementType  Name = "element_type"
	PeriodNs     Name = "period_ns"
	BatchCap     Name = "batch_capacity"
	BatchPhaseNs Name = "batch_phase_ns"
	Regular      Name = "regular"
)

// BehaviorKind is how an output port's property value relates to its
// filter's inputs.
type BehaviorKind int

const (
	// Set: the output always has this declared value, regardless of input.
	Set BehaviorKind = iota
	// Preserve: the output value equals the (single) input's value.
	Preserve
	// Adapt: the output value is Fn(upstream values).
	Adapt
	// Unknown: cannot be determined statically; cascades unless a
	// downstream filter Sets the property.
	Unknown
)

// Value is the value a property can carry. Only one field is meaningful,
// selected by the property Name it is stored against.
type Value struct {
	Int   int64
	Bool  bool
	Type  batch.ElementType
	IsSet bool
}

// IntValue, BoolValue, TypeValue construct Values for the common cases.
func IntValue(v int64) Value              { return Value{Int: v, IsSet: true} }
func BoolValue(v bool) Value              { return Value{Bool: v, IsSet: true} }
func TypeValue(v batch.ElementType) Value { return Value{Type: v, IsSet: true} }

// Behavior declares how one output property is derived.
type Behavior struct {
	Kind Name
	How  BehaviorKind
	// Fn computes the output value from all upstream-computed output
	// values (for Adapt). Inputs are indexed by input-port number.
	Fn func(inputs []Value) Value
}

// Table is a port's full declared property set: property name -> (behavior,
// computed/declared value).
type Table struct {
	Behaviors map[Name]Behavior
	Values    map[Name]Value
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{Behaviors: map[Name]Behavior{}, Values: map[Name]Value{}}
}

// Set records a SET behavior with a known value, used by source archetypes
// whose output does not depend on any input.
func (t *Table) Set(name Name, v Value) {
	t.Behaviors[name] = Behavior{Kind: name, How: Set, Fn: func([]Value) Value { return v }}
}

// Preserve records a PRESERVE behavior.
func (t *Table) Preserve(name Name) {
	t.Behaviors[name] = Behavior{Kind: name, How: Preserve}
}

// AdaptFn records an ADAPT behavior computed from upstream values.
func (t *Table) AdaptFn(name Name, fn func(inputs []Value) Value) {
	t.Behaviors[name] = Behavior{Kind: name, How: Adapt, Fn: fn}
}

// MarkUnknown records an UNKNOWN behavior.
func (t *Table) MarkUnknown(name Name) {
	t.Behaviors[name] = Behavior{Kind: name, How: Unknown}
}

// Resolve computes this table's effective output values given the set of
// upstream computed values for each declared property (one Value per
// connected input port, in port order). For Preserve it takes inputs[0];
// a filter with more than one input and a Preserve behavior must instead use
// AdaptFn to state how it reduces multiple inputs.
func (t *Table) Resolve(inputs map[Name][]Value) map[Name]Value {
	out := make(map[Name]Value, len(t.Behaviors))
	for name, beh := range t.Behaviors {
		switch beh.How {
		case Set:
			out[name] = beh.Fn(nil)
		case Preserve:
			vs := inputs[name]
			if len(vs) == 0 {
				out[name] = Value{}
				continue
			}
			out[name] = vs[0]
		case Adapt:
			out[name] = beh.Fn(inputs[name])
		case Unknown:
			out[name] = Value{}
		}
	}
	return out
}

// ConstraintKind classifies how an input port's declared expectation is
// checked against an upstream's computed output.
type ConstraintKind int

const (
	Equality ConstraintKind = iota
	MultipleOf
	Alignment
	Flag
)

// Constraint is one input-port requirement.
type Constraint struct {
	Property Name
	Kind     ConstraintKind
	// Want is used for Equality/Flag; for MultipleOf it is the divisor
	// (e.g. input batch_capacity must be a multiple of Want.Int).
	Want Value
}

// Check validates got against the constraint, returning a descriptive error
// string on mismatch, or "" on success.
func (c Constraint) Check(got Value) string {
	switch c.Kind {
	case Equality:
		if c.Property == ElementType {
			if got.Type != c.Want.Type {
				return "expected element_type " + c.Want.Type.String() + ", got " + got.Type.String()
			}
			return ""
		}
		if got.Int != c.Want.Int {
			return "expected equal value"
		}
		return ""
	case MultipleOf:
		if c.Want.Int == 0 || got.Int%c.Want.Int != 0 {
			return "value is not a multiple of the required granularity"
		}
		return ""
	case Alignment:
		if got.Int%c.Want.Int != 0 {
			return "value is not aligned to the required grid"
		}
		return ""
	case Flag:
		if got.Bool != c.Want.Bool {
			return "flag mismatch"
		}
		return ""
	}
	return "unknown constraint kind"
}
