package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	m := NewManager(t.TempDir())

	p, err := m.Create("abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "run-abc"), p)

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	assert.True(t, m.Exists("abc"))

	_, err = m.Create("abc")
	assert.Error(t, err)
}

func TestCreateRejectsTraversal(t *testing.T) {
	m := NewManager(t.TempDir())
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := m.Create(id)
		assert.Error(t, err, id)
		assert.Error(t, m.Delete(id), id)
	}
}

func TestDelete(t *testing.T) {
	m := NewManager(t.TempDir())
	p, err := m.Create("r1")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(p, "nested"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(p, "nested", "out.json"), []byte("{}"), 0600))

	require.NoError(t, m.Delete("r1"))
	assert.False(t, m.Exists("r1"))
	assert.NoError(t, m.Delete("r1"))
}

func TestList(t *testing.T) {
	m := NewManager(t.TempDir())
	_, err := m.Create("r1")
	require.NoError(t, err)
	_, err = m.Create("r2")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(m.Root(), "inputs"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(m.Root(), "run-file"), nil, 0600))

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].RunID, list[1].RunID}
	assert.ElementsMatch(t, []string{"r1", "r2"}, ids)
	assert.False(t, list[0].CreatedAt.IsZero())
}
