package optim

import (
	"math"

	"maskflow/internal/errtypes"
)

type SchedulerKind string

const (
	Exponential SchedulerKind = "exponential"
	StepDecay   SchedulerKind = "step"
	Linear      SchedulerKind = "linear"
)

// SchedulerHyper configures a Scheduler. Gamma is the per-epoch decay of the
// exponential schedule; Epochs is the planned run length used by step and
// linear.
type SchedulerHyper struct {
	Gamma  float64
	Epochs int
}

// Scheduler sets the learning rate of an optimizer from the epoch index.
// Rates are always derived from the rate the optimizer had at construction,
// so calling Step twice with the same epoch is idempotent.
type Scheduler struct {
	kind   SchedulerKind
	baseLR float64
	opt    Optimizer
	factor func(epoch int) float64
}

// NewScheduler builds the schedule named by kind for opt.
func NewScheduler(kind string, h SchedulerHyper, opt Optimizer) (*Scheduler, error) {
	s := &Scheduler{kind: SchedulerKind(kind), baseLR: opt.LR(), opt: opt}
	switch s.kind {
	case Exponential:
		if h.Gamma <= 0 {
			return nil, &errtypes.InvalidConfigurationError{Field: "exp_decay", Value: h.Gamma}
		}
		s.factor = func(epoch int) float64 { return math.Pow(h.Gamma, float64(epoch)) }
	case StepDecay:
		if h.Epochs <= 0 {
			return nil, &errtypes.InvalidConfigurationError{Field: "epochs", Value: h.Epochs}
		}
		size := max(h.Epochs/2, 1)
		s.factor = func(epoch int) float64 { return math.Pow(0.1, float64(epoch/size)) }
	case Linear:
		if h.Epochs <= 0 {
			return nil, &errtypes.InvalidConfigurationError{Field: "epochs", Value: h.Epochs}
		}
		half := 0.5 * float64(h.Epochs)
		s.factor = func(epoch int) float64 {
			return 1 - math.Max(0, float64(epoch)-half)/half
		}
	default:
		return nil, &errtypes.InvalidConfigurationError{Field: "scheduler", Value: kind}
	}
	return s, nil
}

func (s *Scheduler) Kind() SchedulerKind { return s.kind }

// Step applies the schedule for epoch and returns the new learning rate.
func (s *Scheduler) Step(epoch int) float64 {
	lr := s.baseLR * s.factor(epoch)
	s.opt.SetLR(lr)
	return lr
}

// LR returns the optimizer's current learning rate.
func (s *Scheduler) LR() float64 { return s.opt.LR() }
