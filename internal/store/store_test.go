package store

import (
	"context"
	"image"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/imageutil"
	"github.com/born-ml/maskrcnn/internal/loss"
)

func TestMemory_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close(ctx)

	run := NewRun(KindTrain, "name: tiny\n")
	require.NoError(t, s.CreateRun(ctx, run))
	assert.Error(t, s.CreateRun(ctx, run))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, KindTrain, runs[0].Kind)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendStep(ctx, run.ID, Step{Step: i, Losses: loss.Values{Total: float64(i)}}))
	}
	steps, err := s.Steps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, 3.0, steps[2].Losses.Total)
}

func TestMemory_UnknownRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	id := uuid.New()

	err := s.AppendStep(ctx, id, Step{})
	assert.True(t, errors.Is(err, ErrUnknownRun))
	_, err = s.Steps(ctx, id)
	assert.True(t, errors.Is(err, ErrUnknownRun))
	assert.Error(t, s.SaveDetections(ctx, id, nil))
	_, err = s.Detections(ctx, id)
	assert.Error(t, err)
}

func TestMemory_Detections(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	run := NewRun(KindDetect, "")
	require.NoError(t, s.CreateRun(ctx, run))

	mask := image.NewGray(image.Rect(0, 0, 4, 4))
	mask.Pix[0], mask.Pix[5] = 255, 255
	dets := FromInstances("a.png", []imageutil.Instance{
		{ClassID: 2, Score: 0.9, Box: box.Box{X1: 1, Y1: 2, X2: 3, Y2: 4}, Mask: mask},
		{ClassID: 1, Score: 0.5, Box: box.Box{X1: 0, Y1: 0, X2: 1, Y2: 1}},
	})
	require.Len(t, dets, 2)
	assert.Equal(t, 2, dets[0].MaskArea)
	assert.Equal(t, 0, dets[1].MaskArea)
	assert.Equal(t, "a.png", dets[1].Image)

	require.NoError(t, s.SaveDetections(ctx, run.ID, dets))
	got, err := s.Detections(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, dets, got)

	got[0].Score = 0
	again, err := s.Detections(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, again[0].Score)
}

func TestNewRun_UniqueIDs(t *testing.T) {
	a, b := NewRun(KindTrain, ""), NewRun(KindTrain, "")
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.StartedAt.IsZero())
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
