// Package graph assembles filters into a validated DAG: it builds the edge
// set implied by each filter's sink pointers, rejects cycles, and runs a
// two-pass (forward propagation, backward refinement) property-validation
// fixed point over the whole graph after every new edge.
package graph

import (
	"context"

	"conduit/pkg/conduit/cerr"
	"conduit/pkg/conduit/filter"
	"conduit/pkg/conduit/property"
	"conduit/pkg/conduit/ring"
)

// Node is one filter's participation in a Graph: its name, its Filter, and
// the embedded *filter.Base through which its ports are reached. Per-edge
// buffers are recorded on Edge.
type Node struct {
	Name   string
	Filter filter.Filter
	Base   *filter.Base
}

// Edge is a directed connection from one filter's output port to another
// filter's input port.
type Edge struct {
	From     *Node
	FromPort int
	To       *Node
	ToPort   int
	Buffer   *ring.Buffer
}

// Graph is a topologically-ordered collection of filters plus the edges
// implied by their sink pointers. Filters are not shared between graphs.
type Graph struct {
	nodes        map[string]*Node
	edges        []Edge
	order        []*Node // filled by validate()
	lastComputed computedOutputs
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: map[string]*Node{}}
}

// AddFilter registers f (whose Base must be reachable, normally via
// embedding) under f.Name(). Names must be unique within a graph.
func (g *Graph) AddFilter(f filter.Filter, base *filter.Base) error {
	if _, exists := g.nodes[f.Name()]; exists {
		return cerr.Newf(cerr.InvalidArg, "graph: duplicate filter name %q", f.Name())
	}
	g.nodes[f.Name()] = &Node{Name: f.Name(), Filter: f, Base: base}
	return nil
}

// Connect wires node "fromName" output port fromPort to node "toName" input
// port toPort's buffer. Type/width compatibility is checked before the edge
// is wired; property compatibility is checked after, and an edge that fails
// it is rolled back so the graph is left unchanged.
func (g *Graph) Connect(fromName string, fromPort int, toName string, toPort int) error {
	from, ok := g.nodes[fromName]
	if !ok {
		return cerr.Newf(cerr.InvalidArg, "graph: unknown filter %q", fromName)
	}
	to, ok := g.nodes[toName]
	if !ok {
		return cerr.Newf(cerr.InvalidArg, "graph: unknown filter %q", toName)
	}
	downstream := to.Base.Input(toPort)
	if downstream == nil {
		return cerr.Newf(cerr.NotConnected, "graph: %s input %d has no buffer attached", toName, toPort)
	}

	if err := checkTypeAndWidth(from, fromPort, downstream); err != nil {
		return err
	}

	if err := from.Filter.(interface {
		Connect(int, *ring.Buffer) error
	}).Connect(fromPort, downstream); err != nil {
		return err
	}

	g.edges = append(g.edges, Edge{From: from, FromPort: fromPort, To: to, ToPort: toPort, Buffer: downstream})

	if err := g.validate(); err != nil {
		// Roll back: a failed edge must leave the graph exactly as it was.
		g.edges = g.edges[:len(g.edges)-1]
		from.Base.ResetOutput(fromPort)
		return err
	}
	return nil
}

func checkTypeAndWidth(from *Node, fromPort int, downstream *ring.Buffer) error {
	outProps := from.Base.OutputProps(fromPort)
	if outProps == nil {
		return nil
	}
	vals := outProps.Resolve(nil)
	if v, ok := vals[property.ElementType]; ok && v.IsSet {
		if v.Type != downstream.ElementType() {
			return cerr.TypeErrorf(cerr.DTypeMismatch, from.Name, "out", downstream.ElementType().String(), v.Type.String(),
				"output element_type does not match downstream buffer")
		}
		if v.Type.Width() != downstream.ElementType().Width() {
			return cerr.TypeErrorf(cerr.WidthMismatch, from.Name, "out", downstream.ElementType().String(), v.Type.String(),
				"output data_width does not match downstream buffer")
		}
	}
	return nil
}

// validate rebuilds topological order, rejects cycles, and runs the
// forward/backward property fixed point across the whole graph. It is
// called after every new edge.
func (g *Graph) validate() error {
	order, err := g.topoSort()
	if err != nil {
		return err
	}
	g.order = order

	const maxPasses = 64
	for pass := 0; pass < maxPasses; pass++ {
		changed := g.propagateForward()
		g.refineBackward()
		if !changed {
			break
		}
	}

	return g.checkConstraints()
}

// topoSort orders nodes by dependency (producers before consumers) and
// returns CycleDetected if the edge set is not a DAG.
func (g *Graph) topoSort() ([]*Node, error) {
	indeg := map[string]int{}
	adj := map[string][]string{}
	for name := range g.nodes {
		indeg[name] = 0
	}
	for _, e := range g.edges {
		adj[e.From.Name] = append(adj[e.From.Name], e.To.Name)
		indeg[e.To.Name]++
	}
	var queue []string
	for name, d := range indeg {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	var order []*Node
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, g.nodes[n])
		for _, m := range adj[n] {
			indeg[m]--
			if indeg[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, cerr.New(cerr.CycleDetected)
	}
	return order, nil
}

// computedOutputs caches, per node, the Resolve()'d value for each of its
// output ports after the most recent propagation pass.
type computedOutputs map[string]map[int]map[property.Name]property.Value

// propagateForward walks nodes in topological order, computing each
// filter's effective output properties from the computed values of the
// upstream filters feeding its declared behaviors. Returns whether any
// computed value changed relative to the previous pass (used to decide
// whether another fixed-point iteration is needed).
func (g *Graph) propagateForward() bool {
	changed := false
	computed := computedOutputs{}
	for _, node := range g.order {
		// Gather, per property name, the list of upstream values feeding
		// this node's inputs (edges terminating at node, in port order).
		inputsByProp := map[property.Name][]property.Value{}
		for port := 0; port < node.Base.NumInputs(); port++ {
			for _, e := range g.edges {
				if e.To != node || e.ToPort != port {
					continue
				}
				upstream := computed[e.From.Name]
				if upstream == nil {
					continue
				}
				for name, v := range upstream[e.FromPort] {
					inputsByProp[name] = append(inputsByProp[name], v)
				}
			}
		}
		numOut := node.Base.NumSinks()
		if numOut == 0 {
			numOut = 1 // sinks still "compute" an (unused) output-0 table for uniformity
		}
		perPort := map[int]map[property.Name]property.Value{}
		for port := 0; port < numOut; port++ {
			table := node.Base.OutputProps(port)
			if table == nil {
				continue
			}
			perPort[port] = table.Resolve(inputsByProp)
		}
		if prev, ok := g.lastComputed[node.Name]; ok {
			if !equalComputed(prev, perPort) {
				changed = true
			}
		} else {
			changed = true
		}
		computed[node.Name] = perPort
	}
	g.lastComputed = computed
	return changed
}

func equalComputed(a, b map[int]map[property.Name]property.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for port, av := range a {
		bv, ok := b[port]
		if !ok || len(av) != len(bv) {
			return false
		}
		for name, v1 := range av {
			v2, ok := bv[name]
			if !ok || v1 != v2 {
				return false
			}
		}
	}
	return true
}

// refineBackward lets filters whose declared output properties depend on a
// downstream sink's requirements (e.g. BatchMatcher auto-detecting the
// sink's batch capacity) pull those requirements before the next forward
// pass. Archetypes that need this implement the optional Refiner interface;
// most do not and this is a no-op for them.
func (g *Graph) refineBackward() {
	for _, e := range g.edges {
		type refiner interface {
			RefineFromSink(port int, sinkConstraints *property.Table)
		}
		if r, ok := e.From.Filter.(refiner); ok {
			r.RefineFromSink(e.FromPort, e.To.Base.InputProps(e.ToPort))
		}
	}
}

// checkConstraints compares every edge's downstream input constraints
// against the upstream's fixed-point-computed output values.
func (g *Graph) checkConstraints() error {
	for _, e := range g.edges {
		constraints := e.To.Base.InputProps(e.ToPort)
		if constraints == nil {
			continue
		}
		computed := g.lastComputed[e.From.Name][e.FromPort]
		for name, beh := range constraints.Behaviors {
			// An input table stores its requirements as Set-behavior
			// entries (the "declared input constraint" for that name).
			// Preserve/Adapt/Unknown entries describe derivation, not a
			// requirement, and carry nothing to check against.
			if beh.How != property.Set || beh.Fn == nil {
				continue
			}
			want := beh.Fn(nil)
			got, ok := computed[name]
			if !ok {
				continue
			}
			c := property.Constraint{Property: name, Kind: constraintKindFor(name), Want: want}
			if msg := c.Check(got); msg != "" {
				return cerr.TypeErrorf(cerr.TypeConstraintViolation, e.To.Name, string(name),
					describeValue(name, want), describeValue(name, got), "%s", msg)
			}
		}
	}
	return nil
}

func constraintKindFor(name property.Name) property.ConstraintKind {
	switch name {
	case property.ElementType:
		return property.Equality
	case property.BatchCap:
		return property.MultipleOf
	case property.BatchPhaseNs:
		return property.Alignment
	case property.Regular:
		return property.Flag
	default:
		return property.Equality
	}
}

func describeValue(name property.Name, v property.Value) string {
	if name == property.ElementType {
		return v.Type.String()
	}
	if name == property.Regular {
		if v.Bool {
			return "regular"
		}
		return "irregular"
	}
	return itoa(v.Int)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Order returns the last computed topological order (producers first).
func (g *Graph) Order() []*Node { return g.order }

// Nodes returns every registered filter's node, unordered.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Filter looks a node's Manageable up by name, satisfying internal/api's
// Registry interface so the management HTTP surface can stay decoupled
// from the graph package.
func (g *Graph) Filter(name string) (filter.Manageable, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return nil, false
	}
	return n.Filter, true
}

// FilterNames returns every registered filter's name, unordered.
func (g *Graph) FilterNames() []string {
	out := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		out = append(out, name)
	}
	return out
}

// StartAll starts every node's worker in topological order (producers
// first), stopping and returning the first error if any Start fails.
// Filters added after the last Connect have no edges constraining their
// position and are revalidated into the order here.
func (g *Graph) StartAll(ctx context.Context) error {
	if len(g.order) != len(g.nodes) {
		if err := g.validate(); err != nil {
			return err
		}
	}
	if err := g.checkInputsConnected(); err != nil {
		return err
	}
	for _, n := range g.order {
		if err := n.Filter.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// checkInputsConnected rejects a graph whose non-source filters have input
// ports no edge feeds: a worker blocked forever on an unwired input is a
// wiring mistake, caught before any worker starts. Disconnected outputs
// stay legal (workers treat a nil sink as "discard").
func (g *Graph) checkInputsConnected() error {
	for _, n := range g.nodes {
		for port := 0; port < n.Base.NumInputs(); port++ {
			fed := false
			for _, e := range g.edges {
				if e.To == n && e.ToPort == port {
					fed = true
					break
				}
			}
			if !fed {
				return cerr.Newf(cerr.NotConnected, "graph: %s input %d has no upstream edge", n.Name, port)
			}
		}
	}
	return nil
}

// StopAll stops every node's worker in reverse topological order
// (consumers first, so producers are not left writing into a stopped
// sink) and returns the first error encountered, continuing to stop the
// rest regardless.
func (g *Graph) StopAll() error {
	var firstErr error
	for i := len(g.order) - 1; i >= 0; i-- {
		if err := g.order[i].Filter.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
