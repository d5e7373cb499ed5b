package nn

import (
	"fmt"

	"maskflow/internal/errtypes"
	"maskflow/internal/tensor"
)

// SubnetKind selects the layer type of a coupling subnetwork.
type SubnetKind string

const (
	SubnetFC      SubnetKind = "fc"
	SubnetConv    SubnetKind = "conv"
	SubnetConv1x1 SubnetKind = "conv1x1"
)

// Spatial reports whether the subnet consumes (B,C,H,W) tensors.
func (k SubnetKind) Spatial() bool { return k == SubnetConv || k == SubnetConv1x1 }

// Subnet is the two-layer coefficient network of a coupling block:
// layer 0, ReLU, layer 2. Layer 2 is flagged ZeroInit.
type Subnet struct {
	Kind   SubnetKind
	first  Layer
	second Layer
}

// SubnetCache holds the intermediates Backward needs.
type SubnetCache struct {
	in     *tensor.Tensor
	hidden *tensor.Tensor
	act    *tensor.Tensor
}

func NewSubnet(name string, kind SubnetKind, in, hidden, out int) (*Subnet, error) {
	s := &Subnet{Kind: kind}
	switch kind {
	case SubnetFC:
		s.first = NewLinear(name+".0", in, hidden)
		s.second = NewLinear(name+".2", hidden, out)
	case SubnetConv:
		s.first = NewConv2d(name+".0", in, hidden, 3)
		s.second = NewConv2d(name+".2", hidden, out, 3)
	case SubnetConv1x1:
		s.first = NewConv2d(name+".0", in, hidden, 1)
		s.second = NewConv2d(name+".2", hidden, out, 1)
	default:
		return nil, &errtypes.InvalidConfigurationError{Field: "subnet", Value: kind}
	}
	for _, p := range s.second.Params() {
		p.ZeroInit = true
	}
	return s, nil
}

func (s *Subnet) Params() []*Param {
	return append(s.first.Params(), s.second.Params()...)
}

func (s *Subnet) Forward(x *tensor.Tensor) (*tensor.Tensor, *SubnetCache, error) {
	hidden, err := s.first.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("subnet layer 0: %w", err)
	}
	act := relu(hidden)
	y, err := s.second.Forward(act)
	if err != nil {
		return nil, nil, fmt.Errorf("subnet layer 2: %w", err)
	}
	return y, &SubnetCache{in: x, hidden: hidden, act: act}, nil
}

// Backward accumulates gradients for the cached call and returns the gradient
// with respect to the first need channels (or features) of the input.
func (s *Subnet) Backward(c *SubnetCache, gy *tensor.Tensor, need int) *tensor.Tensor {
	gact := s.second.Backward(c.act, gy, c.act.Shape[1])
	for i, h := range c.hidden.Data {
		if h <= 0 {
			gact.Data[i] = 0
		}
	}
	return s.first.Backward(c.in, gact, need)
}

func relu(x *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out
}
