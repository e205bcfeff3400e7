package sandbox

import (
	"os/exec"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/convbox/internal/runtime"
	"github.com/p-arndt/convbox/internal/store"
)

// MockHost mocks runtime.Host. Launch is recorded, never executed.
type MockHost struct {
	mock.Mock
}

func (m *MockHost) Launch(newCmd func() *exec.Cmd, spec runtime.LaunchSpec) (*exec.Cmd, runtime.Controller, error) {
	args := m.Called(spec)
	var ctrl runtime.Controller
	if c := args.Get(1); c != nil {
		ctrl = c.(runtime.Controller)
	}
	var cmd *exec.Cmd
	if c := args.Get(0); c != nil {
		cmd = c.(*exec.Cmd)
	}
	return cmd, ctrl, args.Error(2)
}

// MockRecorder mocks the Recorder interface.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) CreateRun(run *store.Run) error {
	args := m.Called(run)
	return args.Error(0)
}

func (m *MockRecorder) SetRunProcess(id string, pid int, cgroupPath string) error {
	args := m.Called(id, pid, cgroupPath)
	return args.Error(0)
}

func (m *MockRecorder) FinishRun(id string, res store.Result) error {
	args := m.Called(id, res)
	return args.Error(0)
}
