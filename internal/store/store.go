// Package store persists training runs, their loss history and the
// detections produced by inference.
package store

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/imageutil"
	"github.com/born-ml/maskrcnn/internal/loss"
)

// Run identifies one training or detection run.
type Run struct {
	ID        uuid.UUID
	Kind      string // "train" or "detect"
	Config    string // YAML
	StartedAt time.Time
}

// Run kinds.
const (
	KindTrain  = "train"
	KindDetect = "detect"
)

// NewRun returns a run with a fresh id.
func NewRun(kind, config string) Run {
	return Run{ID: uuid.New(), Kind: kind, Config: config, StartedAt: time.Now().UTC()}
}

// Step is the loss of one training step.
type Step struct {
	Step   int
	Losses loss.Values
}

// Detection is one stored instance. Box is in source image pixels.
type Detection struct {
	Image    string
	ClassID  int
	Score    float64
	Box      box.Box
	MaskArea int
}

// FromInstances converts the unmolded instances of image name into records.
func FromInstances(name string, instances []imageutil.Instance) []Detection {
	out := make([]Detection, len(instances))
	for i, in := range instances {
		out[i] = Detection{
			Image:    name,
			ClassID:  in.ClassID,
			Score:    in.Score,
			Box:      in.Box,
			MaskArea: maskArea(in.Mask),
		}
	}
	return out
}

func maskArea(m *image.Gray) int {
	if m == nil {
		return 0
	}
	return imageutil.MaskArea(m)
}

// Store is implemented by Memory and Postgres.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	Runs(ctx context.Context) ([]Run, error)
	AppendStep(ctx context.Context, runID uuid.UUID, step Step) error
	Steps(ctx context.Context, runID uuid.UUID) ([]Step, error)
	SaveDetections(ctx context.Context, runID uuid.UUID, dets []Detection) error
	Detections(ctx context.Context, runID uuid.UUID) ([]Detection, error)
	Close(ctx context.Context) error
}
