package reaper

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/convbox/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListRunningRuns() ([]*store.Run, error) {
	args := m.Called()
	if runs := args.Get(0); runs != nil {
		return runs.([]*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) MarkOrphaned(id, message string) error {
	args := m.Called(id, message)
	return args.Error(0)
}

func (m *MockReaperStore) PruneFinished(before time.Time) (int64, error) {
	args := m.Called(before)
	return args.Get(0).(int64), args.Error(1)
}

// MockReaperRuntime mocks the ReaperRuntime interface.
type MockReaperRuntime struct {
	mock.Mock
}

func (m *MockReaperRuntime) Reclaim(pid int, cgroup string) (bool, error) {
	args := m.Called(pid, cgroup)
	return args.Bool(0), args.Error(1)
}

func (m *MockReaperRuntime) HostAlive(pid int) bool {
	return m.Called(pid).Bool(0)
}

// MockReaperWorkspace mocks the ReaperWorkspace interface.
type MockReaperWorkspace struct {
	mock.Mock
}

func (m *MockReaperWorkspace) Delete(runID string) error {
	args := m.Called(runID)
	return args.Error(0)
}

// MockRunTracker mocks the RunTracker interface.
type MockRunTracker struct {
	mock.Mock
}

func (m *MockRunTracker) IsActive(id string) bool {
	return m.Called(id).Bool(0)
}
