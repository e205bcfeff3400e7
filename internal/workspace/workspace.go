// Package workspace manages the private per-run directories under the
// working root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const dirPrefix = "run-"

// Manager hands out one private directory per run.
type Manager struct {
	root string
}

// Workspace is a run directory found on disk.
type Workspace struct {
	RunID     string
	Path      string
	CreatedAt time.Time
}

// NewManager uses root, which must already exist.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

func (m *Manager) Root() string { return m.root }

// Path returns the directory for runID without creating it.
func (m *Manager) Path(runID string) string {
	return filepath.Join(m.root, dirPrefix+runID)
}

// Create makes the run directory with mode 0700. An existing directory is
// an error: run IDs are never reused.
func (m *Manager) Create(runID string) (string, error) {
	if err := validID(runID); err != nil {
		return "", err
	}
	p := m.Path(runID)
	if err := os.Mkdir(p, 0700); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", runID, err)
	}
	// Mkdir is subject to the umask.
	if err := os.Chmod(p, 0700); err != nil {
		os.RemoveAll(p)
		return "", fmt.Errorf("chmod workspace %s: %w", runID, err)
	}
	return p, nil
}

// Exists checks if a run directory exists.
func (m *Manager) Exists(runID string) bool {
	info, err := os.Stat(m.Path(runID))
	return err == nil && info.IsDir()
}

// Delete removes a run directory and everything in it. A missing directory
// is not an error.
func (m *Manager) Delete(runID string) error {
	if err := validID(runID); err != nil {
		return err
	}
	if err := os.RemoveAll(m.Path(runID)); err != nil {
		return fmt.Errorf("delete workspace %s: %w", runID, err)
	}
	return nil
}

// List returns all run directories under the root.
func (m *Manager) List() ([]*Workspace, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}

	workspaces := make([]*Workspace, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		ws := &Workspace{
			RunID: strings.TrimPrefix(e.Name(), dirPrefix),
			Path:  filepath.Join(m.root, e.Name()),
		}
		if info, err := e.Info(); err == nil {
			ws.CreatedAt = info.ModTime()
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, nil
}

func validID(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return errors.New("workspace: invalid run id")
	}
	return nil
}
