package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrUnknownRun is returned for operations on a run that was never created.
var ErrUnknownRun = errors.New("store: unknown run")

// Memory is an in-process Store.
type Memory struct {
	mu         sync.Mutex
	runs       []Run
	steps      map[uuid.UUID][]Step
	detections map[uuid.UUID][]Detection
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		steps:      map[uuid.UUID][]Step{},
		detections: map[uuid.UUID][]Detection{},
	}
}

func (m *Memory) known(id uuid.UUID) bool {
	for _, r := range m.runs {
		if r.ID == id {
			return true
		}
	}
	return false
}

// CreateRun registers run.
func (m *Memory) CreateRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.known(run.ID) {
		return errors.Errorf("store: run %s already exists", run.ID)
	}
	m.runs = append(m.runs, run)
	return nil
}

// Runs returns all runs in creation order.
func (m *Memory) Runs(context.Context) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Run(nil), m.runs...), nil
}

// AppendStep records the loss of one step.
func (m *Memory) AppendStep(_ context.Context, runID uuid.UUID, step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known(runID) {
		return errors.Wrap(ErrUnknownRun, runID.String())
	}
	m.steps[runID] = append(m.steps[runID], step)
	return nil
}

// Steps returns the recorded steps of a run.
func (m *Memory) Steps(_ context.Context, runID uuid.UUID) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known(runID) {
		return nil, errors.Wrap(ErrUnknownRun, runID.String())
	}
	return append([]Step(nil), m.steps[runID]...), nil
}

// SaveDetections appends detections to a run.
func (m *Memory) SaveDetections(_ context.Context, runID uuid.UUID, dets []Detection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known(runID) {
		return errors.Wrap(ErrUnknownRun, runID.String())
	}
	m.detections[runID] = append(m.detections[runID], dets...)
	return nil
}

// Detections returns the detections of a run in insertion order.
func (m *Memory) Detections(_ context.Context, runID uuid.UUID) ([]Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known(runID) {
		return nil, errors.Wrap(ErrUnknownRun, runID.String())
	}
	return append([]Detection(nil), m.detections[runID]...), nil
}

// Close is a no-op.
func (m *Memory) Close(context.Context) error {
	return nil
}
