package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"maskflow/internal/checkpoint"
	"maskflow/internal/config"
	"maskflow/internal/errtypes"
	"maskflow/internal/flow"
	"maskflow/internal/model"
	"maskflow/internal/nn"
	"maskflow/internal/optim"
	"maskflow/internal/tensor"
)

// MaxDecodeSamples is the largest number of samples one decode may produce.
const MaxDecodeSamples = 16

// Options configures a DualFlow.
type Options struct {
	Model     model.Config
	BatchSize int

	Optimizer  string
	SegHyper   optim.Hyper
	PriorHyper optim.Hyper
	Scheduler  string
	Schedule   optim.SchedulerHyper

	GradClip        float64
	MaskJitter      float64
	DecodeNoise     float64
	SegLossWeight   float64
	PriorLossWeight float64
	ClassLossWeight float64

	Seed   int64
	Logger *slog.Logger
}

func DefaultOptions() Options {
	return FromConfig(config.Default())
}

// FromConfig maps a validated run configuration onto trainer options.
func FromConfig(cfg *config.Config) Options {
	hyper := func(lr float64) optim.Hyper {
		return optim.Hyper{
			LR:          lr,
			Beta1:       cfg.Beta1,
			Beta2:       cfg.Beta2,
			Epsilon:     optim.DefaultHyper().Epsilon,
			Momentum:    cfg.Momentum,
			WeightDecay: cfg.WeightDecay,
		}
	}
	return Options{
		Model: model.Config{
			ImageSize:   cfg.ImageSize,
			MaskSize:    cfg.MaskSize,
			NumClasses:  cfg.NumClasses,
			ConvBlocks:  cfg.SegConvBlocks,
			DenseBlocks: cfg.SegDenseBlocks,
			PriorBlocks: cfg.PriorBlocks,
			ConvHidden:  cfg.ConvHidden,
			DenseHidden: cfg.DenseHidden,
			Options: flow.Options{
				InitScale: cfg.InitScale,
				Clamp:     cfg.Clamp,
				Seed:      cfg.Seed,
			},
		},
		BatchSize:       cfg.BatchSize,
		Optimizer:       cfg.Optimizer,
		SegHyper:        hyper(cfg.SegLR),
		PriorHyper:      hyper(cfg.PriorLR),
		Scheduler:       cfg.Scheduler,
		Schedule:        optim.SchedulerHyper{Gamma: cfg.ExpDecay, Epochs: cfg.Epochs},
		GradClip:        cfg.GradClip,
		MaskJitter:      cfg.MaskJitter,
		DecodeNoise:     cfg.DecodeNoise,
		SegLossWeight:   cfg.SegLossWeight,
		PriorLossWeight: cfg.PriorLossWeight,
		ClassLossWeight: cfg.ClassLossWeight,
		Seed:            cfg.Seed,
	}
}

// Losses reports one training step. Every value is normalised by the mask
// area except BCELoss.
type Losses struct {
	// TrainLoss is the segmentation loss mean(-logdet)/(M·M).
	TrainLoss   float64
	PriorLogDet float64
	LogDet      float64
	// BCELoss is the class prediction loss from the pooled latent. It only
	// reaches the optimizer when ClassLossWeight is non-zero.
	BCELoss     float64
	ReconsError float64
}

// Fields returns the losses keyed by their logged names.
func (l Losses) Fields() map[string]float64 {
	return map[string]float64{
		"train_loss":   l.TrainLoss,
		"prior_logdet": l.PriorLogDet,
		"logdet":       l.LogDet,
		"bce_loss":     l.BCELoss,
		"recons_error": l.ReconsError,
	}
}

// DualFlow trains a segmentation flow and a prior flow side by side, each
// with its own optimizer and schedule.
type DualFlow struct {
	opts Options

	SegFlow   *model.SegmentationFlow
	PriorFlow *model.PriorFlow
	Cond      *model.ClassConditioning

	segOpt     optim.Optimizer
	priorOpt   optim.Optimizer
	segSched   *optim.Scheduler
	priorSched *optim.Scheduler

	rng      *rand.Rand
	training bool
	logger   *slog.Logger
}

func NewDualFlow(opts Options) (*DualFlow, error) {
	if err := opts.Model.Validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		return nil, &errtypes.InvalidConfigurationError{Field: "batch_size", Value: opts.BatchSize}
	}
	if opts.GradClip <= 0 {
		return nil, &errtypes.InvalidConfigurationError{Field: "grad_clip", Value: opts.GradClip}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Model.Options.Logger = logger

	seg, err := model.NewSegmentationFlow(opts.Model)
	if err != nil {
		return nil, fmt.Errorf("segmentation flow: %w", err)
	}
	prior, err := model.NewPriorFlow(opts.Model)
	if err != nil {
		return nil, fmt.Errorf("prior flow: %w", err)
	}
	d := &DualFlow{
		opts:      opts,
		SegFlow:   seg,
		PriorFlow: prior,
		Cond:      model.NewClassConditioning(opts.Model, opts.BatchSize),
		rng:       rand.New(rand.NewSource(opts.Seed)),
		training:  true,
		logger:    logger,
	}

	d.segOpt, err = optim.New(opts.Optimizer, opts.SegHyper, seg.Params())
	if err != nil {
		return nil, fmt.Errorf("seg optimizer: %w", err)
	}
	d.priorOpt, err = optim.New(opts.Optimizer, opts.PriorHyper, d.priorTrainable())
	if err != nil {
		return nil, fmt.Errorf("prior optimizer: %w", err)
	}
	d.segSched, err = optim.NewScheduler(opts.Scheduler, opts.Schedule, d.segOpt)
	if err != nil {
		return nil, fmt.Errorf("seg scheduler: %w", err)
	}
	d.priorSched, err = optim.NewScheduler(opts.Scheduler, opts.Schedule, d.priorOpt)
	if err != nil {
		return nil, fmt.Errorf("prior scheduler: %w", err)
	}

	logger.Info("dual flow ready",
		"seg_params", seg.NumParams(),
		"prior_params", prior.NumParams(),
		"optimizer", opts.Optimizer,
		"scheduler", opts.Scheduler,
	)
	return d, nil
}

// priorTrainable is the parameter set of the prior optimizer: the prior
// flow plus the class prediction head.
func (d *DualFlow) priorTrainable() []*nn.Param {
	return append(append([]*nn.Param(nil), d.PriorFlow.Params()...), d.Cond.ClassParams()...)
}

// Params returns every checkpointed tensor in a stable order.
func (d *DualFlow) Params() []*nn.Param {
	ps := append([]*nn.Param(nil), d.SegFlow.Params()...)
	ps = append(ps, d.PriorFlow.Params()...)
	return append(ps, d.Cond.Params()...)
}

func (d *DualFlow) Options() Options { return d.opts }

// Train and Eval select which prior hidden state Prior reads.
func (d *DualFlow) Train() { d.training = true }
func (d *DualFlow) Eval()  { d.training = false }

func (d *DualFlow) Training() bool { return d.training }

// TrainStep runs one optimisation step on a batch and returns the decoded
// sample for the first example together with the step's losses.
func (d *DualFlow) TrainStep(mask, image, classes *tensor.Tensor) (*tensor.Tensor, Losses, error) {
	d.segOpt.ZeroGrad()
	d.priorOpt.ZeroGrad()

	b := mask.Batch()
	if image.Batch() != b || classes.Batch() != b {
		return nil, Losses{}, errtypes.Shape("train step", "mask, image and class batches differ",
			[]int{b, b, b}, []int{b, image.Batch(), classes.Batch()})
	}
	y := mask.AddGaussian(d.rng, d.opts.MaskJitter)

	conds, err := model.BuildConditions(image, classes)
	if err != nil {
		return nil, Losses{}, err
	}
	zPrime, segLogDet, segTrace, err := d.SegFlow.ForwardTrain(y, conds)
	if err != nil {
		return nil, Losses{}, fmt.Errorf("segflow forward: %w", err)
	}
	if err := checkFinite("segflow logdet", segLogDet); err != nil {
		return nil, Losses{}, err
	}
	// z′ enters the prior flow as data; its gradient never reaches the
	// segmentation flow.
	z, priorLogDet, priorTrace, err := d.PriorFlow.ForwardTrain(zPrime.Clone(), classes)
	if err != nil {
		return nil, Losses{}, fmt.Errorf("priorflow forward: %w", err)
	}
	if err := checkFinite("priorflow logdet", priorLogDet); err != nil {
		return nil, Losses{}, err
	}

	logits, classCache, err := d.Cond.ClassLogits(zPrime)
	if err != nil {
		return nil, Losses{}, err
	}
	bce, gradLogits, err := nn.BCEWithLogits(logits, classes)
	if err != nil {
		return nil, Losses{}, err
	}

	norm := float64(d.opts.Model.LatentDim())
	losses := Losses{
		TrainLoss:   -floats.Sum(segLogDet) / float64(b) / norm,
		PriorLogDet: floats.Sum(priorLogDet) / float64(b) / norm,
		LogDet:      floats.Sum(segLogDet) / float64(b) / norm,
		BCELoss:     bce,
	}
	if err := checkFinite("loss", []float64{losses.TrainLoss, losses.PriorLogDet, bce}); err != nil {
		return nil, Losses{}, err
	}

	if err := d.SegFlow.Backward(segTrace, nil, logDetGrad(b, norm, d.opts.SegLossWeight)); err != nil {
		return nil, Losses{}, fmt.Errorf("segflow backward: %w", err)
	}
	if err := d.PriorFlow.Backward(priorTrace, nil, logDetGrad(b, norm, d.opts.PriorLossWeight)); err != nil {
		return nil, Losses{}, fmt.Errorf("priorflow backward: %w", err)
	}
	if d.opts.ClassLossWeight != 0 {
		gradLogits.Scale(d.opts.ClassLossWeight)
		d.Cond.BackwardClassLogits(classCache, gradLogits)
	}

	// The class head shares the prior optimizer but not its clip budget.
	if _, err := nn.ClipGradNorm(d.PriorFlow.Params(), d.opts.GradClip); err != nil {
		return nil, Losses{}, fmt.Errorf("prior optimizer: %w", err)
	}
	if _, err := nn.ClipGradNorm(d.segOpt.Params(), d.opts.GradClip); err != nil {
		return nil, Losses{}, fmt.Errorf("seg optimizer: %w", err)
	}
	d.segOpt.Step()
	d.priorOpt.Step()

	const pick = 0
	sample, err := d.Decode(z, conds, min(b, MaxDecodeSamples), pick)
	if err != nil {
		return nil, Losses{}, fmt.Errorf("decode: %w", err)
	}
	target, err := y.Index(pick)
	if err != nil {
		return nil, Losses{}, err
	}
	losses.ReconsError, err = tensor.AbsMeanDiff(sample, target)
	if err != nil {
		return nil, Losses{}, err
	}
	return sample, losses, nil
}

// logDetGrad is the gradient of weight·mean(-logdet)/norm with respect to
// each sample's log-determinant.
func logDetGrad(batch int, norm, weight float64) []float64 {
	g := make([]float64, batch)
	if weight == 0 {
		return g
	}
	for i := range g {
		g[i] = -weight / (float64(batch) * norm)
	}
	return g
}

func checkFinite(stage string, values []float64) error {
	nan, inf := tensor.NonFinite(values)
	if nan == 0 && inf == 0 {
		return nil
	}
	return &errtypes.NumericalInstabilityError{Stage: stage, NaN: nan, Inf: inf}
}

// DecodeSamples perturbs the first nrSample latents with Gaussian noise and
// runs them through the prior flow and then the segmentation flow in
// reverse, returning masks (nrSample,1,M,M). A non-negative pick repeats
// that example's conditions across every sample.
func (d *DualFlow) DecodeSamples(z *tensor.Tensor, conds []*tensor.Tensor, nrSample, pick int) (*tensor.Tensor, error) {
	if nrSample > MaxDecodeSamples {
		return nil, &errtypes.SampleBudgetExceededError{Requested: nrSample, Limit: MaxDecodeSamples}
	}
	if nrSample <= 0 {
		return nil, &errtypes.InvalidConfigurationError{Field: "nr_sample", Value: nrSample}
	}
	if len(conds) != 3 {
		return nil, errtypes.Shape("decode", "condition count", []int{3}, []int{len(conds)})
	}
	if z.Batch() < nrSample {
		return nil, errtypes.Shape("decode", "latent batch smaller than sample count", []int{nrSample}, []int{z.Batch()})
	}
	zs, err := z.Slice(nrSample)
	if err != nil {
		return nil, err
	}

	if pick >= 0 {
		conds, err = model.PickConditions(conds, pick, nrSample)
	} else {
		conds, err = sliceConditions(conds, nrSample)
	}
	if err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}

	zs = zs.AddGaussian(d.rng, d.opts.DecodeNoise)
	zPrime, _, err := d.PriorFlow.Inverse(zs, conds[2])
	if err != nil {
		return nil, fmt.Errorf("priorflow inverse: %w", err)
	}
	x, _, err := d.SegFlow.Inverse(zPrime, conds)
	if err != nil {
		return nil, fmt.Errorf("segflow inverse: %w", err)
	}
	return x, nil
}

// Decode is DecodeSamples reduced to the sample at pick, or the first
// sample when pick is negative.
func (d *DualFlow) Decode(z *tensor.Tensor, conds []*tensor.Tensor, nrSample, pick int) (*tensor.Tensor, error) {
	x, err := d.DecodeSamples(z, conds, nrSample, pick)
	if err != nil {
		return nil, err
	}
	return x.Index(max(pick, 0))
}

func sliceConditions(conds []*tensor.Tensor, n int) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(conds))
	for i, c := range conds {
		s, err := c.Slice(n)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Reconstruct samples nrSample masks for an image batch from fresh standard
// normal latents.
func (d *DualFlow) Reconstruct(image, classes *tensor.Tensor, nrSample, pick int) (*tensor.Tensor, error) {
	conds, err := model.BuildConditions(image, classes)
	if err != nil {
		return nil, err
	}
	z := d.SampleGaussian(0, max(nrSample, 1), d.opts.Model.LatentDim())
	return d.DecodeSamples(z, conds, nrSample, pick)
}

// SampleGaussian draws a standard normal tensor, optionally truncated.
func (d *DualFlow) SampleGaussian(truncateStd float64, shape ...int) *tensor.Tensor {
	return model.SampleGaussian(d.rng, truncateStd, shape...)
}

// SampleLaplace draws a standard Laplace tensor.
func (d *DualFlow) SampleLaplace(shape ...int) *tensor.Tensor {
	return model.SampleLaplace(d.rng, shape...)
}

// Prior returns the class-conditional Gaussian prior for the current mode.
func (d *DualFlow) Prior(classes *tensor.Tensor) (mean, logs *tensor.Tensor, err error) {
	return d.Cond.Prior(classes, d.training)
}

// PriorLogProb scores latents (B,M·M) under Prior. It is a diagnostic and
// does not contribute to the training loss.
func (d *DualFlow) PriorLogProb(z, classes *tensor.Tensor) ([]float64, error) {
	mean, logs, err := d.Prior(classes)
	if err != nil {
		return nil, err
	}
	m := d.opts.Model.MaskSize
	shaped, err := z.Clone().Reshape(z.Batch(), 1, m, m)
	if err != nil {
		return nil, err
	}
	sq, err := tensor.Squeeze2d(shaped, 2)
	if err != nil {
		return nil, err
	}
	return model.GaussianLogProb(mean, logs, sq)
}

// SchedulerStep sets both learning rates for epoch.
func (d *DualFlow) SchedulerStep(epoch int) {
	segLR := d.segSched.Step(epoch)
	priorLR := d.priorSched.Step(epoch)
	d.logger.Info("adjust learning rate", "epoch", epoch, "seg_lr", segLR, "prior_lr", priorLR)
}

// LearningRates returns the current segmentation and prior rates.
func (d *DualFlow) LearningRates() (seg, prior float64) {
	return d.segOpt.LR(), d.priorOpt.LR()
}

// Save writes a checkpoint for epoch and returns its id.
func (d *DualFlow) Save(ctx context.Context, store checkpoint.Store, epoch int) (string, error) {
	rec := checkpoint.NewRecord(epoch, d.Params(), map[string]optim.State{
		checkpoint.PriorOptimizer: d.priorOpt.State(),
		checkpoint.SegOptimizer:   d.segOpt.State(),
	})
	if err := store.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	d.logger.Info("checkpoint saved", "id", rec.ID, "epoch", epoch)
	return rec.ID, nil
}

// Resume restores parameters and both optimizer states from the record id,
// or from the latest record when id is empty or "latest", and returns the
// saved epoch. strict rejects missing or unexpected parameter keys and any
// optimizer state that does not fit; otherwise such optimizers start fresh.
func (d *DualFlow) Resume(ctx context.Context, store checkpoint.Store, id string, strict bool) (int, error) {
	var (
		rec checkpoint.Record
		ok  bool
		err error
	)
	if id == "" || id == "latest" {
		rec, ok, err = store.Latest(ctx)
	} else {
		rec, ok, err = store.Load(ctx, id)
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("checkpoint %q not found", id)
	}
	if err := checkpoint.ApplyParams(d.Params(), rec.Model, strict); err != nil {
		return 0, fmt.Errorf("restore checkpoint %s: %w", rec.ID, err)
	}
	for key, opt := range map[string]optim.Optimizer{
		checkpoint.PriorOptimizer: d.priorOpt,
		checkpoint.SegOptimizer:   d.segOpt,
	} {
		state, found := rec.Optimizers[key]
		if !found {
			err = fmt.Errorf("missing %s state", key)
		} else {
			err = opt.LoadState(state)
		}
		if err == nil {
			continue
		}
		if strict {
			return 0, fmt.Errorf("checkpoint %s: %s: %w", rec.ID, key, err)
		}
		d.logger.Warn("optimizer state not restored", "checkpoint", rec.ID, "optimizer", key, "err", err)
	}
	d.logger.Info("checkpoint restored", "id", rec.ID, "epoch", rec.Epoch)
	return rec.Epoch, nil
}
