package train

import (
	"bytes"
	"context"
	"log"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/autodiff"
	"github.com/born-ml/maskrcnn/internal/backend/cpu"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/dataset"
	"github.com/born-ml/maskrcnn/internal/model"
	"github.com/born-ml/maskrcnn/internal/store"
)

func tinyConfig() *config.Config {
	cfg := config.Tiny(dataset.NumClasses)
	cfg.StepsPerEpoch = 2
	cfg.Workers = 2
	return cfg
}

func newTrainer(t *testing.T, cfg *config.Config, s store.Store) (*Trainer, *bytes.Buffer) {
	t.Helper()
	m, err := model.New(cfg, rand.New(rand.NewSource(cfg.Seed)), autodiff.New(cpu.New()))
	require.NoError(t, err)
	var logs bytes.Buffer
	tr, err := New(context.Background(), m, Options{Store: s, Logger: log.New(&logs, "", 0)})
	require.NoError(t, err)
	return tr, &logs
}

func TestNewBatch(t *testing.T) {
	cfg := tinyConfig()
	src := Synthetic(cfg, dataset.NewGenerator(64, 64, 3))
	m, err := model.New(cfg, rand.New(rand.NewSource(1)), cpu.New())
	require.NoError(t, err)
	anchors := m.Anchors()

	b, err := Load(cfg, src, anchors, 2, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Len())
	require.NoError(t, b.Validate(cfg.ImageHeight, cfg.ImageWidth, len(anchors)))
	for i, rpn := range b.RPN {
		if b.GroundTruth[i].Len() > 0 {
			assert.Positive(t, rpn.NumPositive())
		}
	}

	again, err := Load(cfg, src, anchors, 2, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.Equal(t, b.Images, again.Images)
	assert.Equal(t, b.RPN, again.RPN)
}

func TestNewOptimizer(t *testing.T) {
	cfg := tinyConfig()
	for _, name := range []string{config.OptimizerSGD, config.OptimizerAdam} {
		cfg.Optimizer = name
		opt, err := NewOptimizer[Backend](cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, cfg.LearningRate, opt.GetLR())
	}
	cfg.Optimizer = "rmsprop"
	_, err := NewOptimizer[Backend](cfg, nil)
	assert.Error(t, err)
}

func TestTrainer_StepUpdatesParameters(t *testing.T) {
	cfg := tinyConfig()
	tr, _ := newTrainer(t, cfg, nil)
	src := Synthetic(cfg, dataset.NewGenerator(64, 64, 3))

	b, err := Load(cfg, src, tr.model.Anchors(), 1, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	var target []float32
	var before []float32
	for _, p := range tr.model.Parameters() {
		if p.Name() == "rpn.conv_class.weight" {
			target = p.Tensor().Data()
			before = append([]float32(nil), target...)
		}
	}
	require.NotNil(t, target)

	v, norm, err := tr.Step(b)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(v.Total))
	assert.Positive(t, norm)
	assert.NotEqual(t, before, target)
	assert.Zero(t, tr.backend.Tape().NumOps())
}

func TestTrainer_TrainRecordsSteps(t *testing.T) {
	cfg := tinyConfig()
	mem := store.NewMemory()
	tr, logs := newTrainer(t, cfg, mem)
	src := Synthetic(cfg, dataset.NewGenerator(64, 64, 2))

	mean, err := tr.Train(context.Background(), src, 1)
	require.NoError(t, err)
	assert.Positive(t, mean.Total)

	steps, err := mem.Steps(context.Background(), tr.Run().ID)
	require.NoError(t, err)
	require.Len(t, steps, cfg.StepsPerEpoch)
	assert.Equal(t, 1, steps[0].Step)
	assert.Contains(t, logs.String(), "rpn_class")

	runs, err := mem.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Config, "num_classes: 4")
}

func TestTrainer_Cancelled(t *testing.T) {
	cfg := tinyConfig()
	tr, _ := newTrainer(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Train(ctx, Synthetic(cfg, dataset.NewGenerator(64, 64, 2)), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainer_Evaluate(t *testing.T) {
	cfg := tinyConfig()
	tr, _ := newTrainer(t, cfg, nil)
	src := Synthetic(cfg, dataset.NewGenerator(64, 64, 2))

	v, err := tr.Evaluate(context.Background(), src, 1)
	require.NoError(t, err)
	assert.Positive(t, v.RPNClass)
	assert.False(t, tr.backend.Tape().IsRecording())
}
