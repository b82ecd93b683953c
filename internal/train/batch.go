// Package train drives optimization and evaluation of the network.
package train

import (
	"math/rand"
	"runtime"

	"github.com/pkg/errors"

	"github.com/born-ml/maskrcnn/internal/anchor"
	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/dataset"
	"github.com/born-ml/maskrcnn/internal/model"
	"github.com/born-ml/maskrcnn/internal/parallel"
	"github.com/born-ml/maskrcnn/internal/targets"
)

// Source produces one prepared example. It must be safe for concurrent
// use when each call gets its own rng.
type Source func(rng *rand.Rand) (*dataset.Example, error)

// Synthetic returns a source of random shape images.
func Synthetic(cfg *config.Config, gen *dataset.Generator) Source {
	return func(rng *rand.Rand) (*dataset.Example, error) {
		return gen.Random(cfg, rng), nil
	}
}

// workers returns the fan-out for data preparation.
func workers(cfg *config.Config) parallel.Config {
	n := cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return parallel.Config{Enabled: n > 1, NumWorkers: n, MinChunkSize: 1}
}

// NewBatch assembles examples into a training batch and builds the RPN
// targets of each image against anchors.
func NewBatch(cfg *config.Config, anchors []box.Box, examples []*dataset.Example, rng *rand.Rand) *model.Batch {
	plane := 3 * cfg.ImageHeight * cfg.ImageWidth
	b := &model.Batch{
		Images:      make([]float32, 0, len(examples)*plane),
		GroundTruth: make([]*targets.GroundTruth, 0, len(examples)),
		RPN:         make([]*anchor.Targets, len(examples)),
	}
	seeds := make([]int64, len(examples))
	for i, ex := range examples {
		b.Images = append(b.Images, ex.Molded.Data...)
		b.GroundTruth = append(b.GroundTruth, ex.GroundTruth)
		seeds[i] = rng.Int63()
	}
	parallel.For(len(examples), func(i int) {
		b.RPN[i] = anchor.BuildTargets(cfg, anchors, examples[i].GroundTruth.Boxes, rand.New(rand.NewSource(seeds[i])))
	}, workers(cfg))
	return b
}

// Load draws n examples from src concurrently and assembles a batch.
func Load(cfg *config.Config, src Source, anchors []box.Box, n int, rng *rand.Rand) (*model.Batch, error) {
	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}
	examples := make([]*dataset.Example, n)
	err := parallel.ForErr(n, func(i int) error {
		ex, err := src(rand.New(rand.NewSource(seeds[i])))
		if err != nil {
			return errors.Wrapf(err, "load example %d", i)
		}
		examples[i] = ex
		return nil
	}, workers(cfg))
	if err != nil {
		return nil, err
	}
	return NewBatch(cfg, anchors, examples, rng), nil
}
