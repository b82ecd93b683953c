// Package config holds the detector hyper-parameters.
//
// Defaults follow the COCO Mask R-CNN setup (ResNet-101 FPN, 1024×1024
// molded input). A YAML file may override any subset of fields:
//
//	num_classes: 4
//	image_height: 128
//	image_width: 128
//	backbone: resnet50
//	backbone_base_channels: 8
package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Supported backbone architectures.
const (
	ResNet50  = "resnet50"
	ResNet101 = "resnet101"
)

// Supported optimizers.
const (
	OptimizerSGD  = "sgd"
	OptimizerAdam = "adam"
)

// PyramidLevels is the number of feature pyramid outputs (P2..P6).
const PyramidLevels = 5

// Config is the complete set of model and training hyper-parameters.
type Config struct {
	Name string `yaml:"name"`

	// NumClasses counts the background class.
	NumClasses int `yaml:"num_classes"`

	// Molded input size. Both must be divisible by 64 so that every
	// pyramid level has an integral size ratio to its neighbours.
	ImageHeight int       `yaml:"image_height"`
	ImageWidth  int       `yaml:"image_width"`
	MeanPixel   []float32 `yaml:"mean_pixel"`

	// Backbone.
	Backbone             string  `yaml:"backbone"`
	BackboneBaseChannels int     `yaml:"backbone_base_channels"`
	BackboneStrides      []int   `yaml:"backbone_strides"`
	Stage5               bool    `yaml:"stage5"`
	TrainBN              bool    `yaml:"train_bn"`
	BNEps                float32 `yaml:"bn_eps"`
	BNMomentum           float32 `yaml:"bn_momentum"`

	// Feature pyramid.
	PyramidChannels int `yaml:"pyramid_channels"`

	// Region proposal network.
	RPNSharedChannels       int       `yaml:"rpn_shared_channels"`
	RPNAnchorScales         []float64 `yaml:"rpn_anchor_scales"`
	RPNAnchorRatios         []float64 `yaml:"rpn_anchor_ratios"`
	RPNAnchorStride         int       `yaml:"rpn_anchor_stride"`
	RPNBBoxStdDev           []float64 `yaml:"rpn_bbox_std_dev"`
	RPNTrainAnchorsPerImage int       `yaml:"rpn_train_anchors_per_image"`
	RPNPositiveIoU          float64   `yaml:"rpn_positive_iou"`
	RPNNegativeIoU          float64   `yaml:"rpn_negative_iou"`
	PreNMSLimit             int       `yaml:"pre_nms_limit"`
	RPNNMSThreshold         float64   `yaml:"rpn_nms_threshold"`
	PostNMSRoisTraining     int       `yaml:"post_nms_rois_training"`
	PostNMSRoisInference    int       `yaml:"post_nms_rois_inference"`

	// Heads.
	PoolSize         int `yaml:"pool_size"`
	MaskPoolSize     int `yaml:"mask_pool_size"`
	HeadFCChannels   int `yaml:"head_fc_channels"`
	MaskHeadChannels int `yaml:"mask_head_channels"`

	// Detection-target sampling.
	TrainROIsPerImage int       `yaml:"train_rois_per_image"`
	ROIPositiveRatio  float64   `yaml:"roi_positive_ratio"`
	ROIPositiveIoU    float64   `yaml:"roi_positive_iou"`
	BBoxStdDev        []float64 `yaml:"bbox_std_dev"`
	MaxGTInstances    int       `yaml:"max_gt_instances"`

	// Detection layer.
	DetectionMinConfidence float64 `yaml:"detection_min_confidence"`
	DetectionNMSThreshold  float64 `yaml:"detection_nms_threshold"`
	DetectionMaxInstances  int     `yaml:"detection_max_instances"`

	// Training.
	Optimizer        string  `yaml:"optimizer"`
	LearningRate     float32 `yaml:"learning_rate"`
	LearningMomentum float32 `yaml:"learning_momentum"`
	WeightDecay      float32 `yaml:"weight_decay"`
	GradClipNorm     float64 `yaml:"grad_clip_norm"`
	BatchSize        int     `yaml:"batch_size"`
	StepsPerEpoch    int     `yaml:"steps_per_epoch"`
	ShowInterval     int     `yaml:"show_interval"`
	Workers          int     `yaml:"workers"`
	Seed             int64   `yaml:"seed"`
}

// Default returns the COCO configuration.
func Default() *Config {
	return &Config{
		Name:        "coco",
		NumClasses:  81,
		ImageHeight: 1024,
		ImageWidth:  1024,
		MeanPixel:   []float32{123.7, 116.8, 103.9},

		Backbone:             ResNet101,
		BackboneBaseChannels: 64,
		BackboneStrides:      []int{4, 8, 16, 32, 64},
		Stage5:               true,
		TrainBN:              false,
		BNEps:                0.001,
		BNMomentum:           0.01,

		PyramidChannels: 256,

		RPNSharedChannels:       512,
		RPNAnchorScales:         []float64{32, 64, 128, 256, 512},
		RPNAnchorRatios:         []float64{0.5, 1, 2},
		RPNAnchorStride:         1,
		RPNBBoxStdDev:           []float64{0.1, 0.1, 0.2, 0.2},
		RPNTrainAnchorsPerImage: 256,
		RPNPositiveIoU:          0.7,
		RPNNegativeIoU:          0.3,
		PreNMSLimit:             6000,
		RPNNMSThreshold:         0.7,
		PostNMSRoisTraining:     2000,
		PostNMSRoisInference:    1000,

		PoolSize:         7,
		MaskPoolSize:     14,
		HeadFCChannels:   1024,
		MaskHeadChannels: 256,

		TrainROIsPerImage: 200,
		ROIPositiveRatio:  0.33,
		ROIPositiveIoU:    0.5,
		BBoxStdDev:        []float64{0.1, 0.1, 0.2, 0.2},
		MaxGTInstances:    100,

		DetectionMinConfidence: 0.7,
		DetectionNMSThreshold:  0.3,
		DetectionMaxInstances:  100,

		Optimizer:        OptimizerSGD,
		LearningRate:     0.001,
		LearningMomentum: 0.9,
		WeightDecay:      0.0001,
		GradClipNorm:     5.0,
		BatchSize:        1,
		StepsPerEpoch:    1000,
		ShowInterval:     50,
		Workers:          0,
		Seed:             1,
	}
}

// Load reads a YAML file and applies it on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse applies YAML data on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config")
	}
	return data, nil
}

// Validate checks the configuration for shape and range errors.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.NumClasses >= 2, "num_classes must be >= 2 (background included), got %d", c.NumClasses)
	check(c.ImageHeight > 0 && c.ImageHeight%64 == 0, "image_height must be a positive multiple of 64, got %d", c.ImageHeight)
	check(c.ImageWidth > 0 && c.ImageWidth%64 == 0, "image_width must be a positive multiple of 64, got %d", c.ImageWidth)
	check(len(c.MeanPixel) == 3, "mean_pixel must have 3 values, got %d", len(c.MeanPixel))

	check(c.Backbone == ResNet50 || c.Backbone == ResNet101, "unknown backbone %q", c.Backbone)
	check(c.BackboneBaseChannels > 0, "backbone_base_channels must be positive")
	check(c.Stage5, "stage5 is required by the feature pyramid")
	check(len(c.BackboneStrides) == PyramidLevels, "backbone_strides must have %d entries, got %d", PyramidLevels, len(c.BackboneStrides))
	for i, s := range c.BackboneStrides {
		check(s == 4<<i, "backbone_strides[%d] must be %d, got %d", i, 4<<i, s)
	}

	check(c.PyramidChannels > 0, "pyramid_channels must be positive")
	check(c.RPNSharedChannels > 0, "rpn_shared_channels must be positive")
	check(len(c.RPNAnchorScales) == PyramidLevels, "rpn_anchor_scales must have %d entries, got %d", PyramidLevels, len(c.RPNAnchorScales))
	check(len(c.RPNAnchorRatios) > 0, "rpn_anchor_ratios must not be empty")
	for _, r := range c.RPNAnchorRatios {
		check(r > 0, "rpn_anchor_ratios must be positive, got %v", r)
	}
	check(c.RPNAnchorStride > 0, "rpn_anchor_stride must be positive")
	check(len(c.RPNBBoxStdDev) == 4, "rpn_bbox_std_dev must have 4 values")
	check(len(c.BBoxStdDev) == 4, "bbox_std_dev must have 4 values")
	check(c.RPNTrainAnchorsPerImage > 0, "rpn_train_anchors_per_image must be positive")
	check(c.RPNNegativeIoU <= c.RPNPositiveIoU, "rpn_negative_iou %v exceeds rpn_positive_iou %v", c.RPNNegativeIoU, c.RPNPositiveIoU)
	check(c.PreNMSLimit > 0, "pre_nms_limit must be positive")
	check(c.PostNMSRoisTraining > 0 && c.PostNMSRoisInference > 0, "post_nms_rois must be positive")

	check(c.PoolSize > 0 && c.MaskPoolSize > 0, "pool sizes must be positive")
	check(c.HeadFCChannels > 0 && c.MaskHeadChannels > 0, "head channels must be positive")
	check(c.TrainROIsPerImage > 0, "train_rois_per_image must be positive")
	check(c.ROIPositiveRatio > 0 && c.ROIPositiveRatio <= 1, "roi_positive_ratio must be in (0, 1], got %v", c.ROIPositiveRatio)
	check(c.DetectionMaxInstances > 0, "detection_max_instances must be positive")

	check(c.Optimizer == OptimizerSGD || c.Optimizer == OptimizerAdam, "unknown optimizer %q", c.Optimizer)
	check(c.LearningRate > 0, "learning_rate must be positive")
	check(c.BatchSize > 0, "batch_size must be positive")
	check(c.Workers >= 0, "workers must be >= 0")

	if len(problems) > 0 {
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// AnchorsPerLocation is the number of anchors at each feature-map cell.
func (c *Config) AnchorsPerLocation() int {
	return len(c.RPNAnchorRatios)
}

// MaskShape is the spatial size of the mask head output.
func (c *Config) MaskShape() (height, width int) {
	return 2 * c.MaskPoolSize, 2 * c.MaskPoolSize
}

// FeatureShapes returns the [height, width] of every pyramid level for the
// molded image size: ceil(size / stride).
func (c *Config) FeatureShapes() [][2]int {
	shapes := make([][2]int, len(c.BackboneStrides))
	for i, s := range c.BackboneStrides {
		shapes[i] = [2]int{
			int(math.Ceil(float64(c.ImageHeight) / float64(s))),
			int(math.Ceil(float64(c.ImageWidth) / float64(s))),
		}
	}
	return shapes
}

// Tiny returns a small configuration for tests and the synthetic demo: a
// narrow ResNet-50 on 64×64 inputs.
func Tiny(numClasses int) *Config {
	c := Default()
	c.Name = "tiny"
	c.NumClasses = numClasses
	c.ImageHeight = 64
	c.ImageWidth = 64
	c.Backbone = ResNet50
	c.BackboneBaseChannels = 2
	c.PyramidChannels = 8
	c.RPNSharedChannels = 8
	c.RPNAnchorScales = []float64{8, 16, 32, 64, 128}
	c.RPNTrainAnchorsPerImage = 32
	c.PreNMSLimit = 200
	c.PostNMSRoisTraining = 32
	c.PostNMSRoisInference = 16
	c.PoolSize = 3
	c.MaskPoolSize = 4
	c.HeadFCChannels = 16
	c.MaskHeadChannels = 8
	c.TrainROIsPerImage = 16
	c.MaxGTInstances = 8
	c.DetectionMinConfidence = 0.0
	c.DetectionMaxInstances = 8
	c.StepsPerEpoch = 4
	c.ShowInterval = 1
	return c
}
