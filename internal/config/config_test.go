package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	require.NoError(t, Tiny(3).Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backbone", func(c *Config) { c.Backbone = "vgg16" }, `unknown backbone "vgg16"`},
		{"indivisible height", func(c *Config) { c.ImageHeight = 100 }, "image_height must be a positive multiple of 64"},
		{"too few classes", func(c *Config) { c.NumClasses = 1 }, "num_classes"},
		{"scales", func(c *Config) { c.RPNAnchorScales = []float64{32} }, "rpn_anchor_scales"},
		{"strides", func(c *Config) { c.BackboneStrides = []int{4, 8, 16, 32, 128} }, "backbone_strides[4]"},
		{"optimizer", func(c *Config) { c.Optimizer = "lbfgs" }, "unknown optimizer"},
		{"no stage5", func(c *Config) { c.Stage5 = false }, "stage5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("num_classes: 4\nbackbone: resnet50\nimage_height: 128\nimage_width: 256\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NumClasses)
	assert.Equal(t, ResNet50, cfg.Backbone)
	assert.Equal(t, 256, cfg.ImageWidth)
	assert.Equal(t, 256, cfg.PyramidChannels, "untouched fields keep defaults")

	_, err = Parse([]byte("backbone: resnet18\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("num_classes: [1"))
	assert.Error(t, err)
}

func TestLoad_RoundTrip(t *testing.T) {
	cfg := Tiny(5)
	data, err := cfg.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tiny.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFeatureShapes(t *testing.T) {
	c := Default()
	c.ImageHeight, c.ImageWidth = 128, 192
	assert.Equal(t, [][2]int{{32, 48}, {16, 24}, {8, 12}, {4, 6}, {2, 3}}, c.FeatureShapes())
	assert.Equal(t, 3, c.AnchorsPerLocation())
	h, w := c.MaskShape()
	assert.Equal(t, 28, h)
	assert.Equal(t, 28, w)
}
