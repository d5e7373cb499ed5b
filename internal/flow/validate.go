package flow

import (
	"fmt"

	"maskflow/internal/errtypes"
	"maskflow/internal/nn"
	"maskflow/internal/tensor"
)

type portIndex struct {
	node int
	port int
}

// resolved is a validated node with its references turned into indices and
// its per-port dimensions inferred.
type resolved struct {
	desc    NodeDesc
	inputs  []portIndex
	conds   []int // positions in the condition order
	inDims  [][]int
	outDims [][]int
}

// Validate checks the whole spec without instantiating any transform.
func (s GraphSpec) Validate() error {
	_, err := resolve(s)
	return err
}

func resolve(s GraphSpec) ([]resolved, error) {
	index := make(map[string]int, len(s.Nodes))
	condPos := make(map[string]int)
	nodes := make([]resolved, len(s.Nodes))
	consumed := make(map[portIndex]int)
	inputs, outputs := 0, 0

	for i, d := range s.Nodes {
		if d.Name == "" {
			return nil, &errtypes.InvalidConfigurationError{Field: "node name", Value: fmt.Sprintf("#%d", i)}
		}
		if _, dup := index[d.Name]; dup {
			return nil, &errtypes.InvalidConfigurationError{Field: "duplicate node", Value: d.Name}
		}
		r := resolved{desc: d}

		switch d.Kind {
		case KindInput, KindCondition:
			if len(d.Inputs) > 0 {
				return nil, errtypes.Shape(d.Name, "input and condition nodes take no inputs", nil, nil)
			}
			if len(d.Dims) == 0 {
				return nil, errtypes.Shape(d.Name, "dims must be declared", nil, nil)
			}
			for _, v := range d.Dims {
				if v <= 0 {
					return nil, errtypes.Shape(d.Name, "dims must be positive", nil, d.Dims)
				}
			}
			r.outDims = [][]int{append([]int(nil), d.Dims...)}
			if d.Kind == KindInput {
				inputs++
			} else {
				condPos[d.Name] = len(condPos)
			}
			index[d.Name] = i
			nodes[i] = r
			continue
		}

		for _, ref := range d.Inputs {
			j, ok := index[ref.Node]
			if !ok {
				return nil, &errtypes.InvalidConfigurationError{Field: d.Name + " input", Value: ref.Node}
			}
			src := nodes[j]
			if src.desc.Kind == KindCondition || src.desc.Kind == KindOutput {
				return nil, &errtypes.InvalidConfigurationError{Field: d.Name + " input", Value: ref.Node}
			}
			if ref.Port < 0 || ref.Port >= len(src.outDims) {
				return nil, errtypes.Shape(d.Name, fmt.Sprintf("%s has no output port %d", ref.Node, ref.Port), nil, nil)
			}
			p := portIndex{node: j, port: ref.Port}
			consumed[p]++
			if consumed[p] > 1 {
				return nil, errtypes.Shape(d.Name, fmt.Sprintf("port %s:%d already consumed", ref.Node, ref.Port), nil, nil)
			}
			r.inputs = append(r.inputs, p)
			r.inDims = append(r.inDims, src.outDims[ref.Port])
		}
		var condDims [][]int
		for _, c := range d.Conditions {
			pos, ok := condPos[c]
			if !ok {
				return nil, &errtypes.InvalidConfigurationError{Field: d.Name + " condition", Value: c}
			}
			r.conds = append(r.conds, pos)
			condDims = append(condDims, nodes[index[c]].outDims[0])
		}

		out, err := inferDims(d, r.inDims, condDims)
		if err != nil {
			return nil, err
		}
		r.outDims = out
		if d.Kind == KindOutput {
			outputs++
		}
		index[d.Name] = i
		nodes[i] = r
	}

	if inputs != 1 {
		return nil, &errtypes.InvalidConfigurationError{Field: "input nodes", Value: inputs}
	}
	if outputs != 1 {
		return nil, &errtypes.InvalidConfigurationError{Field: "output nodes", Value: outputs}
	}
	for i, r := range nodes {
		if r.desc.Kind == KindCondition || r.desc.Kind == KindOutput {
			continue
		}
		for p := range r.outDims {
			if consumed[portIndex{node: i, port: p}] != 1 {
				return nil, errtypes.Shape(r.desc.Name, fmt.Sprintf("output port %d is never consumed", p), nil, r.outDims[p])
			}
		}
	}
	return nodes, nil
}

func inferDims(d NodeDesc, in [][]int, conds [][]int) ([][]int, error) {
	single := func() ([]int, error) {
		if len(in) != 1 {
			return nil, errtypes.Shape(d.Name, fmt.Sprintf("%s takes exactly one input", d.Kind), []int{1}, []int{len(in)})
		}
		return in[0], nil
	}
	if d.Kind != KindCoupling && len(d.Conditions) > 0 {
		return nil, &errtypes.InvalidConfigurationError{Field: d.Name + " conditions", Value: d.Conditions}
	}

	switch d.Kind {
	case KindCoupling:
		x, err := single()
		if err != nil {
			return nil, err
		}
		if err := checkCoupling(d, x, conds); err != nil {
			return nil, err
		}
		return [][]int{x}, nil
	case KindPermutation, KindOutput:
		x, err := single()
		if err != nil {
			return nil, err
		}
		return [][]int{x}, nil
	case KindDownsample:
		x, err := single()
		if err != nil {
			return nil, err
		}
		if len(x) != 3 || x[1]%2 != 0 || x[2]%2 != 0 {
			return nil, errtypes.Shape(d.Name, "downsampling needs (C,H,W) with even H and W", nil, x)
		}
		return [][]int{{4 * x[0], x[1] / 2, x[2] / 2}}, nil
	case KindFlatten:
		x, err := single()
		if err != nil {
			return nil, err
		}
		return [][]int{{tensor.Volume(x)}}, nil
	case KindSplit:
		x, err := single()
		if err != nil {
			return nil, err
		}
		if len(d.Sections) < 2 {
			return nil, errtypes.Shape(d.Name, "split needs at least two sections", nil, d.Sections)
		}
		total := 0
		out := make([][]int, len(d.Sections))
		for i, s := range d.Sections {
			if s <= 0 {
				return nil, errtypes.Shape(d.Name, "split sections must be positive", nil, d.Sections)
			}
			total += s
			out[i] = append([]int{s}, x[1:]...)
		}
		if total != x[0] {
			return nil, errtypes.Shape(d.Name, "split sections do not partition the input", []int{x[0]}, []int{total})
		}
		return out, nil
	case KindConcat:
		if len(in) < 2 {
			return nil, errtypes.Shape(d.Name, "concat needs at least two inputs", []int{2}, []int{len(in)})
		}
		total := 0
		for _, x := range in {
			if !tensor.EqualDims(x[1:], in[0][1:]) || len(x) != len(in[0]) {
				return nil, errtypes.Shape(d.Name, "concat inputs differ outside the concatenated axis", in[0], x)
			}
			total += x[0]
		}
		return [][]int{append([]int{total}, in[0][1:]...)}, nil
	default:
		return nil, &errtypes.InvalidConfigurationError{Field: d.Name + " kind", Value: d.Kind}
	}
}

func checkCoupling(d NodeDesc, x []int, conds [][]int) error {
	if x[0] < 2 {
		return errtypes.Shape(d.Name, "coupling needs at least two channels to split", []int{2}, x)
	}
	if d.Hidden <= 0 {
		return &errtypes.InvalidConfigurationError{Field: d.Name + " hidden", Value: d.Hidden}
	}
	switch len(x) {
	case 1:
		if d.Subnet != nn.SubnetFC {
			return &errtypes.InvalidConfigurationError{Field: d.Name + " subnet", Value: d.Subnet}
		}
		for _, c := range conds {
			if len(c) != 1 {
				return errtypes.Shape(d.Name, "dense coupling takes flat conditions", []int{-1}, c)
			}
		}
	case 3:
		if !d.Subnet.Spatial() {
			return &errtypes.InvalidConfigurationError{Field: d.Name + " subnet", Value: d.Subnet}
		}
		for _, c := range conds {
			if len(c) != 3 || c[1] != x[1] || c[2] != x[2] {
				return errtypes.Shape(d.Name, "spatial condition must match the input resolution", []int{-1, x[1], x[2]}, c)
			}
		}
	default:
		return errtypes.Shape(d.Name, "coupling input must be (D) or (C,H,W)", nil, x)
	}
	return nil
}
