package optim

import (
	"errors"
	"math"
	"testing"

	"maskflow/internal/errtypes"
	"maskflow/internal/nn"
)

func quadratic() *nn.Param {
	p := nn.NewParam("w", 3)
	copy(p.Value.Data, []float64{1, -2, 3})
	return p
}

// setGrad writes the gradient of 0.5*|w|^2.
func setGrad(p *nn.Param) {
	copy(p.Grad.Data, p.Value.Data)
}

func TestNewRejectsUnknownKinds(t *testing.T) {
	if _, err := New("rmsprop", DefaultHyper(), nil); !errors.Is(err, errtypes.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
	h := DefaultHyper()
	h.Beta2 = 1
	if _, err := New("adam", h, nil); !errors.Is(err, errtypes.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid beta2, got %v", err)
	}
	opt, _ := New("adam", DefaultHyper(), nil)
	if _, err := NewScheduler("cosine", SchedulerHyper{Epochs: 4}, opt); !errors.Is(err, errtypes.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid scheduler, got %v", err)
	}
}

func TestAdamFirstStep(t *testing.T) {
	p := quadratic()
	opt, err := New("adam", DefaultHyper(), []*nn.Param{p})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	setGrad(p)
	opt.Step()
	// the bias-corrected first step moves every weight by lr*sign(g)
	want := []float64{1 - 1e-3, -2 + 1e-3, 3 - 1e-3}
	for i, w := range want {
		if math.Abs(p.Value.Data[i]-w) > 1e-9 {
			t.Fatalf("w[%d]=%v want %v", i, p.Value.Data[i], w)
		}
	}
}

func TestAdamZeroGradientLeavesWeights(t *testing.T) {
	p := quadratic()
	opt, _ := New("adam", DefaultHyper(), []*nn.Param{p})
	for i := 0; i < 3; i++ {
		opt.ZeroGrad()
		opt.Step()
	}
	if p.Value.Data[0] != 1 || p.Value.Data[1] != -2 || p.Value.Data[2] != 3 {
		t.Fatalf("weights moved without gradient: %v", p.Value.Data)
	}
}

func TestSGDMomentum(t *testing.T) {
	p := nn.NewParam("w", 1)
	p.Value.Data[0] = 1
	opt, err := New("sgd", Hyper{LR: 0.1, Momentum: 0.9}, []*nn.Param{p})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Grad.Data[0] = 1
	opt.Step() // buf=1, w=0.9
	opt.Step() // buf=1.9, w=0.71
	if math.Abs(p.Value.Data[0]-0.71) > 1e-12 {
		t.Fatalf("w=%v want 0.71", p.Value.Data[0])
	}
}

func TestStateRoundTrip(t *testing.T) {
	p := quadratic()
	opt, _ := New("adam", DefaultHyper(), []*nn.Param{p})
	for i := 0; i < 4; i++ {
		setGrad(p)
		opt.Step()
	}
	state := opt.State()
	if state.Steps != 4 || len(state.Slots) != 2 {
		t.Fatalf("unexpected state: steps %d slots %d", state.Steps, len(state.Slots))
	}

	q := quadratic()
	copy(q.Value.Data, p.Value.Data)
	restored, _ := New("adam", DefaultHyper(), []*nn.Param{q})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("load: %v", err)
	}
	setGrad(p)
	setGrad(q)
	opt.Step()
	restored.Step()
	for i := range p.Value.Data {
		if p.Value.Data[i] != q.Value.Data[i] {
			t.Fatalf("restored optimizer diverged at %d: %v vs %v", i, p.Value.Data[i], q.Value.Data[i])
		}
	}

	sgdOpt, _ := New("sgd", Hyper{LR: 0.1}, []*nn.Param{q})
	if err := sgdOpt.LoadState(state); !errors.Is(err, errtypes.ErrInvalidConfiguration) {
		t.Fatalf("expected kind mismatch, got %v", err)
	}
	state.Slots[0].Data = state.Slots[0].Data[:1]
	if err := restored.LoadState(state); !errors.Is(err, errtypes.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestSchedules(t *testing.T) {
	cases := []struct {
		kind  string
		hyper SchedulerHyper
		want  map[int]float64
	}{
		{"exponential", SchedulerHyper{Gamma: 0.5}, map[int]float64{0: 1, 1: 0.5, 3: 0.125}},
		{"step", SchedulerHyper{Epochs: 10}, map[int]float64{0: 1, 4: 1, 5: 0.1, 10: 0.01}},
		{"linear", SchedulerHyper{Epochs: 10}, map[int]float64{0: 1, 5: 1, 6: 0.8, 10: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			opt, _ := New("sgd", Hyper{LR: 1}, nil)
			s, err := NewScheduler(tc.kind, tc.hyper, opt)
			if err != nil {
				t.Fatalf("scheduler: %v", err)
			}
			for epoch, want := range tc.want {
				if got := s.Step(epoch); math.Abs(got-want) > 1e-12 {
					t.Fatalf("epoch %d: lr %v want %v", epoch, got, want)
				}
				if opt.LR() != s.LR() {
					t.Fatalf("scheduler did not update the optimizer")
				}
			}
		})
	}
}
