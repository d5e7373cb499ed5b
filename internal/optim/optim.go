// Package optim updates flow parameters from their accumulated gradients
// and adjusts learning rates per epoch.
package optim

import (
	"fmt"
	"math"

	"maskflow/internal/errtypes"
	"maskflow/internal/nn"
)

type Kind string

const (
	Adam Kind = "adam"
	SGD  Kind = "sgd"
)

// Hyper holds the hyperparameters of every supported optimizer; each kind
// reads the fields it needs.
type Hyper struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	Momentum    float64
	WeightDecay float64
}

func DefaultHyper() Hyper {
	return Hyper{LR: 1e-3, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Optimizer applies one update per Step to the parameters it was built
// with.
type Optimizer interface {
	Kind() Kind
	Params() []*nn.Param
	ZeroGrad()
	Step()
	LR() float64
	SetLR(lr float64)
	State() State
	LoadState(s State) error
}

// State is the serialisable optimizer state: the step counter, the current
// learning rate and one slot per parameter and buffer.
type State struct {
	Kind  Kind
	Steps int
	LR    float64
	Slots []Slot
}

// Slot is one per-parameter buffer, for example Adam's first moment.
type Slot struct {
	Param string
	Name  string
	Data  []float64
}

// New builds the optimizer named by kind over params.
func New(kind string, h Hyper, params []*nn.Param) (Optimizer, error) {
	if h.LR <= 0 || math.IsNaN(h.LR) {
		return nil, &errtypes.InvalidConfigurationError{Field: "lr", Value: h.LR}
	}
	switch Kind(kind) {
	case Adam:
		if h.Beta1 < 0 || h.Beta1 >= 1 {
			return nil, &errtypes.InvalidConfigurationError{Field: "beta1", Value: h.Beta1}
		}
		if h.Beta2 < 0 || h.Beta2 >= 1 {
			return nil, &errtypes.InvalidConfigurationError{Field: "beta2", Value: h.Beta2}
		}
		if h.Epsilon <= 0 {
			h.Epsilon = 1e-8
		}
		return newAdam(h, params), nil
	case SGD:
		if h.Momentum < 0 {
			return nil, &errtypes.InvalidConfigurationError{Field: "momentum", Value: h.Momentum}
		}
		return newSGD(h, params), nil
	}
	return nil, &errtypes.InvalidConfigurationError{Field: "optimizer", Value: kind}
}

// base carries what both optimizers share.
type base struct {
	hyper  Hyper
	params []*nn.Param
	steps  int
	// buffer name -> one slice per parameter
	buffers map[string][][]float64
	order   []string
}

func newBase(h Hyper, params []*nn.Param, names ...string) base {
	b := base{hyper: h, params: params, buffers: make(map[string][][]float64, len(names)), order: names}
	for _, name := range names {
		bufs := make([][]float64, len(params))
		for i, p := range params {
			bufs[i] = make([]float64, p.Value.Len())
		}
		b.buffers[name] = bufs
	}
	return b
}

func (b *base) Params() []*nn.Param { return b.params }
func (b *base) ZeroGrad()           { nn.ZeroGrads(b.params) }
func (b *base) LR() float64         { return b.hyper.LR }
func (b *base) SetLR(lr float64)    { b.hyper.LR = lr }

func (b *base) state(kind Kind) State {
	s := State{Kind: kind, Steps: b.steps, LR: b.hyper.LR}
	for _, name := range b.order {
		for i, p := range b.params {
			s.Slots = append(s.Slots, Slot{Param: p.Name, Name: name, Data: append([]float64(nil), b.buffers[name][i]...)})
		}
	}
	return s
}

func (b *base) loadState(kind Kind, s State) error {
	if s.Kind != kind {
		return &errtypes.InvalidConfigurationError{Field: "optimizer state kind", Value: s.Kind}
	}
	index := make(map[string]int, len(b.params))
	for i, p := range b.params {
		index[p.Name] = i
	}
	seen := make(map[string]bool, len(s.Slots))
	for _, slot := range s.Slots {
		bufs, ok := b.buffers[slot.Name]
		if !ok {
			return &errtypes.InvalidConfigurationError{Field: "optimizer buffer", Value: slot.Name}
		}
		i, ok := index[slot.Param]
		if !ok {
			return &errtypes.InvalidConfigurationError{Field: "optimizer parameter", Value: slot.Param}
		}
		if len(slot.Data) != len(bufs[i]) {
			return errtypes.Shape(slot.Param, fmt.Sprintf("optimizer buffer %s", slot.Name), []int{len(bufs[i])}, []int{len(slot.Data)})
		}
		seen[slot.Name+"/"+slot.Param] = true
	}
	if len(seen) != len(b.order)*len(b.params) {
		return &errtypes.InvalidConfigurationError{Field: "optimizer slots", Value: len(seen)}
	}
	for _, slot := range s.Slots {
		copy(b.buffers[slot.Name][index[slot.Param]], slot.Data)
	}
	b.steps = s.Steps
	b.hyper.LR = s.LR
	return nil
}

// adam follows the classic formulation with L2 weight decay added to the
// gradient.
type adam struct {
	base
}

func newAdam(h Hyper, params []*nn.Param) *adam {
	return &adam{base: newBase(h, params, "exp_avg", "exp_avg_sq")}
}

func (a *adam) Kind() Kind { return Adam }

func (a *adam) Step() {
	a.steps++
	h := a.hyper
	bc1 := 1 - math.Pow(h.Beta1, float64(a.steps))
	bc2 := 1 - math.Pow(h.Beta2, float64(a.steps))
	stepSize := h.LR / bc1
	sqrtBC2 := math.Sqrt(bc2)
	for i, p := range a.params {
		m := a.buffers["exp_avg"][i]
		v := a.buffers["exp_avg_sq"][i]
		for j, w := range p.Value.Data {
			g := p.Grad.Data[j]
			if h.WeightDecay != 0 {
				g += h.WeightDecay * w
			}
			m[j] = h.Beta1*m[j] + (1-h.Beta1)*g
			v[j] = h.Beta2*v[j] + (1-h.Beta2)*g*g
			p.Value.Data[j] = w - stepSize*m[j]/(math.Sqrt(v[j])/sqrtBC2+h.Epsilon)
		}
	}
}

func (a *adam) State() State            { return a.state(Adam) }
func (a *adam) LoadState(s State) error { return a.loadState(Adam, s) }

// sgd is stochastic gradient descent with heavy-ball momentum. The momentum
// buffer starts as the first gradient.
type sgd struct {
	base
}

func newSGD(h Hyper, params []*nn.Param) *sgd {
	return &sgd{base: newBase(h, params, "momentum_buffer")}
}

func (s *sgd) Kind() Kind { return SGD }

func (s *sgd) Step() {
	h := s.hyper
	first := s.steps == 0
	s.steps++
	for i, p := range s.params {
		buf := s.buffers["momentum_buffer"][i]
		for j, w := range p.Value.Data {
			g := p.Grad.Data[j]
			if h.WeightDecay != 0 {
				g += h.WeightDecay * w
			}
			if h.Momentum != 0 {
				if first {
					buf[j] = g
				} else {
					buf[j] = h.Momentum*buf[j] + g
				}
				g = buf[j]
			}
			p.Value.Data[j] = w - h.LR*g
		}
	}
}

func (s *sgd) State() State             { return s.state(SGD) }
func (s *sgd) LoadState(st State) error { return s.loadState(SGD, st) }
