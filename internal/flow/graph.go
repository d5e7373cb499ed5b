package flow

import (
	"fmt"
	"log/slog"
	"math/rand"

	"maskflow/internal/errtypes"
	"maskflow/internal/nn"
	"maskflow/internal/tensor"
)

// Graph is an instantiated, validated GraphSpec.
type Graph struct {
	name       string
	nodes      []resolved
	transforms []Transform
	input      int
	output     int
	condNames  []string
	condDims   [][]int
	params     []*nn.Param
	logger     *slog.Logger
}

// Trace retains everything Backward needs from one ForwardTrain call.
type Trace struct {
	batch int
	steps []*Step
}

// NodeInfo summarises one node for display.
type NodeInfo struct {
	Name    string
	Kind    Kind
	OutDims [][]int
	Params  int
}

// Build validates spec and instantiates its transforms. Parameters are drawn
// from N(0, InitScale^2) with the final layer of every subnet set to zero,
// so a freshly built graph maps its input to itself with zero log-det.
func Build(spec GraphSpec, opts Options) (*Graph, error) {
	nodes, err := resolve(spec)
	if err != nil {
		return nil, fmt.Errorf("graph %s: %w", spec.Name, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Graph{
		name:       spec.Name,
		nodes:      nodes,
		transforms: make([]Transform, len(nodes)),
		logger:     logger.With("graph", spec.Name),
	}
	for i, r := range nodes {
		switch r.desc.Kind {
		case KindInput:
			g.input = i
			continue
		case KindCondition:
			g.condNames = append(g.condNames, r.desc.Name)
			g.condDims = append(g.condDims, r.outDims[0])
			continue
		case KindOutput:
			g.output = i
			continue
		}
		condDims := make([][]int, len(r.conds))
		for k, pos := range r.conds {
			condDims[k] = g.condDims[pos]
		}
		t, err := newTransform(spec.Name+"."+r.desc.Name, r, condDims, opts)
		if err != nil {
			return nil, fmt.Errorf("graph %s: %w", spec.Name, err)
		}
		g.transforms[i] = t
		g.params = append(g.params, t.Params()...)
		g.logger.Debug("node built", "node", r.desc.Name, "kind", r.desc.Kind, "out", r.outDims)
	}
	nn.InitScaledNormal(g.params, opts.InitScale, rand.New(rand.NewSource(opts.Seed)))
	g.logger.Debug("graph built", "nodes", len(nodes), "params", nn.Count(g.params))
	return g, nil
}

func (g *Graph) Name() string { return g.name }

// Params returns every learnable parameter in node order.
func (g *Graph) Params() []*nn.Param { return g.params }

func (g *Graph) NumParams() int { return nn.Count(g.params) }

// InputDims returns the per-sample dims of the graph input.
func (g *Graph) InputDims() []int { return append([]int(nil), g.nodes[g.input].outDims[0]...) }

// OutputDims returns the per-sample dims of the graph output.
func (g *Graph) OutputDims() []int { return append([]int(nil), g.nodes[g.output].outDims[0]...) }

// ConditionDims returns the per-sample dims of each condition in
// declaration order.
func (g *Graph) ConditionDims() [][]int {
	out := make([][]int, len(g.condDims))
	for i, d := range g.condDims {
		out[i] = append([]int(nil), d...)
	}
	return out
}

// ConditionNames returns the condition node names in declaration order.
func (g *Graph) ConditionNames() []string { return append([]string(nil), g.condNames...) }

// Describe lists every node with its output dims and parameter count.
func (g *Graph) Describe() []NodeInfo {
	infos := make([]NodeInfo, len(g.nodes))
	for i, r := range g.nodes {
		infos[i] = NodeInfo{Name: r.desc.Name, Kind: r.desc.Kind, OutDims: r.outDims}
		if r.desc.Kind == KindOutput {
			infos[i].OutDims = r.inDims
		}
		if t := g.transforms[i]; t != nil {
			infos[i].Params = nn.Count(t.Params())
		}
	}
	return infos
}

func (g *Graph) check(x *tensor.Tensor, xNode int, conds []*tensor.Tensor) error {
	r := g.nodes[xNode]
	want := r.outDims[0]
	if r.desc.Kind == KindOutput {
		want = r.inDims[0]
	}
	if len(x.Shape) < 2 || !tensor.EqualDims(x.Dims(), want) {
		return errtypes.Shape(r.desc.Name, "tensor does not match node dims", want, x.Dims())
	}
	if len(conds) != len(g.condDims) {
		return errtypes.Shape(g.name, "wrong number of conditions", []int{len(g.condDims)}, []int{len(conds)})
	}
	for i, c := range conds {
		if c == nil || len(c.Shape) < 2 || !tensor.EqualDims(c.Dims(), g.condDims[i]) {
			var got []int
			if c != nil {
				got = c.Dims()
			}
			return errtypes.Shape(g.condNames[i], "condition does not match declared dims", g.condDims[i], got)
		}
		if c.Batch() != x.Batch() {
			return errtypes.Shape(g.condNames[i], "condition batch differs from input batch", []int{x.Batch()}, []int{c.Batch()})
		}
	}
	return nil
}

func (g *Graph) nodeConds(r resolved, conds []*tensor.Tensor) []*tensor.Tensor {
	if len(r.conds) == 0 {
		return nil
	}
	out := make([]*tensor.Tensor, len(r.conds))
	for k, pos := range r.conds {
		out[k] = conds[pos]
	}
	return out
}

// Forward maps x to the output and returns the per-sample log-determinant.
func (g *Graph) Forward(x *tensor.Tensor, conds []*tensor.Tensor) (*tensor.Tensor, []float64, error) {
	y, logdet, _, err := g.ForwardTrain(x, conds)
	return y, logdet, err
}

// ForwardTrain is Forward that also returns the Trace Backward consumes.
func (g *Graph) ForwardTrain(x *tensor.Tensor, conds []*tensor.Tensor) (*tensor.Tensor, []float64, *Trace, error) {
	if err := g.check(x, g.input, conds); err != nil {
		return nil, nil, nil, err
	}
	batch := x.Batch()
	logdet := make([]float64, batch)
	values := make(map[portIndex]*tensor.Tensor, len(g.nodes))
	trace := &Trace{batch: batch, steps: make([]*Step, len(g.nodes))}
	var y *tensor.Tensor

	for i, r := range g.nodes {
		switch r.desc.Kind {
		case KindInput:
			values[portIndex{node: i}] = x
			continue
		case KindCondition:
			continue
		case KindOutput:
			y = values[r.inputs[0]]
			continue
		}
		in := make([]*tensor.Tensor, len(r.inputs))
		for k, p := range r.inputs {
			in[k] = values[p]
			delete(values, p)
		}
		step, err := g.transforms[i].Apply(in, g.nodeConds(r, conds))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("graph %s node %s: %w", g.name, r.desc.Name, err)
		}
		for p, out := range step.Out {
			values[portIndex{node: i, port: p}] = out
		}
		for b, v := range step.LogDet {
			logdet[b] += v
		}
		trace.steps[i] = step
	}
	return y, logdet, trace, nil
}

// Inverse maps y back to the input space. The returned log-determinant is
// that of the inverse map, the negation of the forward one.
func (g *Graph) Inverse(y *tensor.Tensor, conds []*tensor.Tensor) (*tensor.Tensor, []float64, error) {
	if err := g.check(y, g.output, conds); err != nil {
		return nil, nil, err
	}
	logdet := make([]float64, y.Batch())
	values := make(map[portIndex]*tensor.Tensor, len(g.nodes))
	var x *tensor.Tensor

	for i := len(g.nodes) - 1; i >= 0; i-- {
		r := g.nodes[i]
		switch r.desc.Kind {
		case KindOutput:
			values[r.inputs[0]] = y
			continue
		case KindCondition:
			continue
		case KindInput:
			x = values[portIndex{node: i}]
			continue
		}
		out := make([]*tensor.Tensor, len(r.outDims))
		for p := range out {
			key := portIndex{node: i, port: p}
			out[p] = values[key]
			delete(values, key)
		}
		in, ld, err := g.transforms[i].Invert(out, g.nodeConds(r, conds))
		if err != nil {
			return nil, nil, fmt.Errorf("graph %s node %s: %w", g.name, r.desc.Name, err)
		}
		for k, p := range r.inputs {
			values[p] = in[k]
		}
		for b, v := range ld {
			logdet[b] += v
		}
	}
	return x, logdet, nil
}

// Backward propagates the gradient of a scalar loss through a retained
// forward pass. gradY is the gradient with respect to the output (nil for
// zero) and gradLogDet the gradient with respect to each sample's
// log-determinant. Parameter gradients accumulate into Param.Grad; the
// gradient with respect to the input is returned.
func (g *Graph) Backward(trace *Trace, gradY *tensor.Tensor, gradLogDet []float64) (*tensor.Tensor, error) {
	if trace == nil || len(trace.steps) != len(g.nodes) {
		return nil, fmt.Errorf("graph %s: trace does not belong to this graph", g.name)
	}
	if gradLogDet != nil && len(gradLogDet) != trace.batch {
		return nil, errtypes.Shape(g.name, "log-det gradient length", []int{trace.batch}, []int{len(gradLogDet)})
	}
	grads := make(map[portIndex]*tensor.Tensor, len(g.nodes))
	var gx *tensor.Tensor

	for i := len(g.nodes) - 1; i >= 0; i-- {
		r := g.nodes[i]
		switch r.desc.Kind {
		case KindOutput:
			grads[r.inputs[0]] = gradY
			continue
		case KindCondition:
			continue
		case KindInput:
			gx = grads[portIndex{node: i}]
			continue
		}
		step := trace.steps[i]
		if step == nil {
			return nil, fmt.Errorf("graph %s node %s: missing retained step", g.name, r.desc.Name)
		}
		gout := make([]*tensor.Tensor, len(step.Out))
		for p := range gout {
			gout[p] = grads[portIndex{node: i, port: p}]
		}
		gin, err := g.transforms[i].Backward(step, gout, gradLogDet)
		if err != nil {
			return nil, fmt.Errorf("graph %s node %s: %w", g.name, r.desc.Name, err)
		}
		for k, p := range r.inputs {
			grads[p] = gin[k]
		}
	}
	if gx == nil {
		gx = tensor.New(append([]int{trace.batch}, g.InputDims()...)...)
	}
	return gx, nil
}
