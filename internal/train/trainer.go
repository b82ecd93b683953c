package train

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/born-ml/maskrcnn/internal/autodiff"
	"github.com/born-ml/maskrcnn/internal/backend/cpu"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/loss"
	"github.com/born-ml/maskrcnn/internal/model"
	"github.com/born-ml/maskrcnn/internal/nn"
	"github.com/born-ml/maskrcnn/internal/optim"
	"github.com/born-ml/maskrcnn/internal/store"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Backend is the recording backend training runs on.
type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

// ErrNonFinite is returned when a step produces a NaN or infinite loss.
var ErrNonFinite = errors.New("train: non-finite loss")

// Options configures a Trainer. Zero values select defaults.
type Options struct {
	// Layers selects the trainable layers, model.LayersAll by default.
	Layers string
	// Store receives the run and its loss history. Defaults to memory.
	Store store.Store
	// Progress receives the progress bar; nil disables it.
	Progress io.Writer
	// Logger receives periodic loss lines; nil logs to stderr.
	Logger *log.Logger
}

// Trainer runs optimization steps on a model.
type Trainer struct {
	cfg     *config.Config
	model   *model.MaskRCNN[Backend]
	backend Backend
	params  []*nn.Parameter[Backend]
	opt     optim.Optimizer
	rng     *rand.Rand

	store    store.Store
	run      store.Run
	progress io.Writer
	logger   *log.Logger
	step     int
}

// NewOptimizer builds the configured optimizer over params.
func NewOptimizer[B tensor.Backend](cfg *config.Config, params []*nn.Parameter[B]) (optim.Optimizer, error) {
	switch cfg.Optimizer {
	case config.OptimizerSGD:
		return optim.NewSGD(params, optim.SGDConfig{
			LR:          cfg.LearningRate,
			Momentum:    cfg.LearningMomentum,
			WeightDecay: cfg.WeightDecay,
		}), nil
	case config.OptimizerAdam:
		return optim.NewAdam(params, optim.AdamConfig{
			LR:          cfg.LearningRate,
			Betas:       [2]float32{0.9, 0.999},
			Eps:         1e-8,
			WeightDecay: cfg.WeightDecay,
		}), nil
	}
	return nil, errors.Errorf("train: unknown optimizer %q", cfg.Optimizer)
}

// New prepares m for training and registers a run in the store.
func New(ctx context.Context, m *model.MaskRCNN[Backend], opts Options) (*Trainer, error) {
	cfg := m.Config()
	layers := opts.Layers
	if layers == "" {
		layers = model.LayersAll
	}
	if err := m.SetTrainableLayers(layers); err != nil {
		return nil, err
	}
	params := m.Parameters()
	opt, err := NewOptimizer(cfg, params)
	if err != nil {
		return nil, err
	}

	s := opts.Store
	if s == nil {
		s = store.NewMemory()
	}
	yml, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}
	run := store.NewRun(store.KindTrain, string(yml))
	if err := s.CreateRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "train: register run")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "train: ", log.LstdFlags)
	}
	return &Trainer{
		cfg:      cfg,
		model:    m,
		backend:  m.Backend(),
		params:   params,
		opt:      opt,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		store:    s,
		run:      run,
		progress: opts.Progress,
		logger:   logger,
	}, nil
}

// Run returns the store record of this training run.
func (t *Trainer) Run() store.Run {
	return t.run
}

// Optimizer returns the optimizer.
func (t *Trainer) Optimizer() optim.Optimizer {
	return t.opt
}

// Step runs one forward/backward pass on b and updates the parameters.
// It returns the loss values and the gradient norm before clipping.
func (t *Trainer) Step(b *model.Batch) (loss.Values, float64, error) {
	tape := t.backend.Tape()
	tape.Clear()
	tape.StartRecording()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()

	t.model.SetTraining(true)
	losses, err := t.model.Loss(b, t.rng)
	if err != nil {
		return loss.Values{}, 0, err
	}
	v := losses.Values()
	if math.IsNaN(v.Total) || math.IsInf(v.Total, 0) {
		return v, 0, errors.Wrapf(ErrNonFinite, "step %d: %s", t.step+1, v)
	}

	grads := autodiff.Backward(losses.Total, t.backend)
	norm := optim.ClipGradNorm(t.params, grads, t.cfg.GradClipNorm)
	t.opt.Step(grads)
	t.opt.ZeroGrad()
	t.step++
	return v, norm, nil
}

// Evaluate returns the mean loss over steps batches from src without
// updating parameters. Normalization uses running statistics.
func (t *Trainer) Evaluate(ctx context.Context, src Source, steps int) (loss.Values, error) {
	t.backend.Tape().StopRecording()
	t.model.SetTraining(false)
	defer t.model.SetTraining(true)

	rng := rand.New(rand.NewSource(t.cfg.Seed + 1))
	var sum loss.Values
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return loss.Values{}, err
		}
		b, err := Load(t.cfg, src, t.model.Anchors(), t.cfg.BatchSize, rng)
		if err != nil {
			return loss.Values{}, err
		}
		losses, err := t.model.Loss(b, rng)
		if err != nil {
			return loss.Values{}, err
		}
		sum = sum.Add(losses.Values())
	}
	if steps == 0 {
		return sum, nil
	}
	return sum.Scale(1 / float64(steps)), nil
}

// Train runs epochs of StepsPerEpoch steps on batches drawn from src and
// returns the mean loss of the last epoch. Cancellation of ctx is checked
// between steps.
func (t *Trainer) Train(ctx context.Context, src Source, epochs int) (loss.Values, error) {
	var mean loss.Values
	anchors := t.model.Anchors()
	for epoch := 1; epoch <= epochs; epoch++ {
		bar := t.newBar(fmt.Sprintf("epoch %d/%d", epoch, epochs))
		var sum loss.Values
		for i := 1; i <= t.cfg.StepsPerEpoch; i++ {
			if err := ctx.Err(); err != nil {
				return mean, err
			}
			b, err := Load(t.cfg, src, anchors, t.cfg.BatchSize, t.rng)
			if err != nil {
				return mean, err
			}
			v, norm, err := t.Step(b)
			if err != nil {
				return mean, err
			}
			sum = sum.Add(v)
			if err := t.store.AppendStep(ctx, t.run.ID, store.Step{Step: t.step, Losses: v}); err != nil {
				return mean, errors.Wrap(err, "train: record step")
			}
			if bar != nil {
				_ = bar.Add(1)
			}
			if t.cfg.ShowInterval > 0 && i%t.cfg.ShowInterval == 0 {
				t.logger.Printf("epoch %d step %d/%d - %s - grad_norm: %.3f", epoch, i, t.cfg.StepsPerEpoch, v, norm)
			}
		}
		if bar != nil {
			_ = bar.Finish()
		}
		mean = sum.Scale(1 / float64(max(1, t.cfg.StepsPerEpoch)))
		t.logger.Printf("epoch %d/%d done - %s", epoch, epochs, mean)
	}
	return mean, nil
}

func (t *Trainer) newBar(desc string) *progressbar.ProgressBar {
	if t.progress == nil {
		return nil
	}
	return progressbar.NewOptions(t.cfg.StepsPerEpoch,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(t.progress),
		progressbar.OptionShowCount(),
	)
}
