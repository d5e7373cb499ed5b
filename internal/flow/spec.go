// Package flow composes invertible transforms into a directed graph that can
// be executed forward (accumulating a log-Jacobian-determinant) and in
// reverse. A graph is described by a GraphSpec value, validated as a whole,
// and only then instantiated by Build.
package flow

import (
	"log/slog"

	"maskflow/internal/nn"
)

// Kind names the operation a node performs.
type Kind string

const (
	KindInput       Kind = "input"
	KindCondition   Kind = "condition"
	KindCoupling    Kind = "coupling"
	KindPermutation Kind = "permutation"
	KindDownsample  Kind = "downsample"
	KindFlatten     Kind = "flatten"
	KindSplit       Kind = "split"
	KindConcat      Kind = "concat"
	KindOutput      Kind = "output"
)

// PortRef addresses one output of a node.
type PortRef struct {
	Node string
	Port int
}

// NodeDesc describes a single graph node. Which fields are read depends on
// Kind: Dims for input and condition nodes, Subnet/Hidden/Clamp for
// couplings, Seed for permutations, Sections for splits.
type NodeDesc struct {
	Name       string
	Kind       Kind
	Inputs     []PortRef
	Conditions []string
	Dims       []int

	Subnet   nn.SubnetKind
	Hidden   int
	Clamp    float64
	Seed     int64
	Sections []int
}

// GraphSpec is an ordered node list. Nodes may only reference nodes that
// appear earlier in the list; the graph has exactly one input and one
// output node, and any number of condition nodes whose declaration order
// fixes the order of the conditioning tensors.
type GraphSpec struct {
	Name  string
	Nodes []NodeDesc
}

// Options carries construction-time constants that used to be ambient
// module state.
type Options struct {
	// InitScale is the standard deviation of the initial weights.
	InitScale float64
	// Clamp is the default soft clamp of coupling scale outputs.
	Clamp float64
	// Seed drives parameter initialisation.
	Seed   int64
	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{InitScale: 0.03, Clamp: 2.0, Seed: 1}
}

// Builder assembles a GraphSpec imperatively while keeping track of the
// most recently added node.
type Builder struct {
	spec GraphSpec
}

func NewBuilder(name string) *Builder {
	return &Builder{spec: GraphSpec{Name: name}}
}

func (b *Builder) add(d NodeDesc) PortRef {
	b.spec.Nodes = append(b.spec.Nodes, d)
	return PortRef{Node: d.Name}
}

// Input declares the graph input with per-sample dims.
func (b *Builder) Input(name string, dims ...int) PortRef {
	return b.add(NodeDesc{Name: name, Kind: KindInput, Dims: dims})
}

// Condition declares a conditioning tensor and returns its name.
func (b *Builder) Condition(name string, dims ...int) string {
	b.add(NodeDesc{Name: name, Kind: KindCondition, Dims: dims})
	return name
}

// Coupling adds an affine coupling block.
func (b *Builder) Coupling(name string, in PortRef, subnet nn.SubnetKind, hidden int, clamp float64, conds ...string) PortRef {
	return b.add(NodeDesc{
		Name: name, Kind: KindCoupling, Inputs: []PortRef{in}, Conditions: conds,
		Subnet: subnet, Hidden: hidden, Clamp: clamp,
	})
}

// Permute adds a fixed-seed permutation of dimension 1.
func (b *Builder) Permute(name string, in PortRef, seed int64) PortRef {
	return b.add(NodeDesc{Name: name, Kind: KindPermutation, Inputs: []PortRef{in}, Seed: seed})
}

// Downsample adds a Haar wavelet downsampling.
func (b *Builder) Downsample(name string, in PortRef) PortRef {
	return b.add(NodeDesc{Name: name, Kind: KindDownsample, Inputs: []PortRef{in}})
}

// Flatten collapses the per-sample dims into one.
func (b *Builder) Flatten(name string, in PortRef) PortRef {
	return b.add(NodeDesc{Name: name, Kind: KindFlatten, Inputs: []PortRef{in}})
}

// Split cuts dimension 1 into sections and returns one ref per section.
func (b *Builder) Split(name string, in PortRef, sections ...int) []PortRef {
	b.add(NodeDesc{Name: name, Kind: KindSplit, Inputs: []PortRef{in}, Sections: sections})
	refs := make([]PortRef, len(sections))
	for i := range refs {
		refs[i] = PortRef{Node: name, Port: i}
	}
	return refs
}

// Concat joins inputs along dimension 1.
func (b *Builder) Concat(name string, ins ...PortRef) PortRef {
	return b.add(NodeDesc{Name: name, Kind: KindConcat, Inputs: ins})
}

// Output marks the graph output.
func (b *Builder) Output(name string, in PortRef) {
	b.add(NodeDesc{Name: name, Kind: KindOutput, Inputs: []PortRef{in}})
}

// Spec returns the assembled description.
func (b *Builder) Spec() GraphSpec {
	nodes := make([]NodeDesc, len(b.spec.Nodes))
	copy(nodes, b.spec.Nodes)
	return GraphSpec{Name: b.spec.Name, Nodes: nodes}
}
