// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package detector

import (
	"context"
	"image"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/born-ml/maskrcnn/internal/autodiff"
	"github.com/born-ml/maskrcnn/internal/backend/cpu"
	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/dataset"
	"github.com/born-ml/maskrcnn/internal/imageutil"
	"github.com/born-ml/maskrcnn/internal/loss"
	"github.com/born-ml/maskrcnn/internal/model"
	"github.com/born-ml/maskrcnn/internal/store"
	"github.com/born-ml/maskrcnn/internal/train"
)

// Config is the network and training configuration.
type Config = config.Config

// Box is an axis-aligned box (x1, y1, x2, y2) in pixels.
type Box = box.Box

// Instance is one detection on a source image.
type Instance = imageutil.Instance

// Losses holds the five loss terms and their total.
type Losses = loss.Values

// Source produces training examples.
type Source = train.Source

// Store persists runs, losses and detections.
type Store = store.Store

// Layer selections for TrainOptions.Layers.
const (
	LayersHeads = model.LayersHeads
	Layers3Up   = model.Layers3Up
	Layers4Up   = model.Layers4Up
	Layers5Up   = model.Layers5Up
	LayersAll   = model.LayersAll
)

// ShapesClasses is the class count of the synthetic shapes data,
// background included.
const ShapesClasses = dataset.NumClasses

// DefaultConfig returns the COCO configuration.
func DefaultConfig() *Config { return config.Default() }

// TinyConfig returns a small configuration for CPU experiments.
func TinyConfig(numClasses int) *Config { return config.Tiny(numClasses) }

// LoadConfig reads a YAML configuration.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// LoadImage decodes a PNG, JPEG, BMP or TIFF file.
func LoadImage(path string) (image.Image, error) { return imageutil.Load(path) }

// ShapesSource returns a source of synthetic shape images with up to
// maxShapes instances each.
func ShapesSource(cfg *Config, maxShapes int) Source {
	return train.Synthetic(cfg, dataset.NewGenerator(cfg.ImageWidth, cfg.ImageHeight, maxShapes))
}

// NewMemoryStore returns an in-process store.
func NewMemoryStore() Store { return store.NewMemory() }

// NewPostgresStore connects to PostgreSQL.
func NewPostgresStore(ctx context.Context, connString string) (Store, error) {
	return store.NewPostgres(ctx, connString)
}

// Detector is a Mask R-CNN network ready for training and inference.
type Detector struct {
	cfg   *Config
	model *model.MaskRCNN[train.Backend]
}

// New builds a detector with weights initialized from cfg.Seed.
func New(cfg *Config) (*Detector, error) {
	m, err := model.New(cfg, rand.New(rand.NewSource(cfg.Seed)), autodiff.New(cpu.New()))
	if err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg, model: m}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() *Config {
	return d.cfg
}

// NumParameters returns the number of weights.
func (d *Detector) NumParameters() int {
	n := 0
	for _, p := range d.model.Parameters() {
		n += p.Tensor().NumElements()
	}
	return n
}

// TrainOptions configures Train.
type TrainOptions = train.Options

// Train optimizes the network for epochs on src and returns the mean
// losses of the last epoch.
func (d *Detector) Train(ctx context.Context, src Source, epochs int, opts TrainOptions) (Losses, error) {
	t, err := train.New(ctx, d.model, opts)
	if err != nil {
		return Losses{}, err
	}
	return t.Train(ctx, src, epochs)
}

// Detect finds instances in each image. Images of any size are molded to
// the configured input size; results are in source pixels.
func (d *Detector) Detect(images ...image.Image) ([][]Instance, error) {
	if len(images) == 0 {
		return nil, nil
	}
	h, w := d.cfg.ImageHeight, d.cfg.ImageWidth
	molded := make([]*imageutil.Molded, len(images))
	data := make([]float32, 0, len(images)*3*h*w)
	for i, img := range images {
		if img.Bounds().Empty() {
			return nil, errors.Errorf("detector: image %d is empty", i)
		}
		molded[i] = imageutil.Mold(img, h, w, d.cfg.MeanPixel)
		data = append(data, molded[i].Data...)
	}

	d.model.Backend().Tape().StopRecording()
	d.model.SetTraining(false)
	dets, err := d.model.Detect(data, len(images))
	if err != nil {
		return nil, err
	}

	mh, mw := d.cfg.MaskShape()
	out := make([][]Instance, len(images))
	for i := range images {
		out[i] = imageutil.Unmold(dets[i], molded[i], mh, mw)
	}
	return out, nil
}

// DetectAndStore runs Detect and saves the instances of images, named by
// names, under a new detection run. It returns the run id.
func (d *Detector) DetectAndStore(ctx context.Context, s Store, names []string, images []image.Image) (string, [][]Instance, error) {
	if len(names) != len(images) {
		return "", nil, errors.Errorf("detector: %d names for %d images", len(names), len(images))
	}
	instances, err := d.Detect(images...)
	if err != nil {
		return "", nil, err
	}
	yml, err := d.cfg.Marshal()
	if err != nil {
		return "", nil, err
	}
	run := store.NewRun(store.KindDetect, string(yml))
	if err := s.CreateRun(ctx, run); err != nil {
		return "", nil, err
	}
	for i, name := range names {
		if err := s.SaveDetections(ctx, run.ID, store.FromInstances(name, instances[i])); err != nil {
			return "", nil, err
		}
	}
	return run.ID.String(), instances, nil
}
