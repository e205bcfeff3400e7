package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/convbox/internal/errdefs"
	"github.com/p-arndt/convbox/internal/policy"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./convbox-work", cfg.WorkRoot)
	assert.Equal(t, "./convbox.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.MaxConcurrentSandboxes)
	assert.Equal(t, AdmissionWait, cfg.AdmissionMode)
	assert.False(t, cfg.RejectWhenFull())
	assert.False(t, cfg.Isolation.Cgroups)
	assert.Equal(t, 20, cfg.Runtime.HeartbeatMisses)

	limits, err := cfg.Limits.Resolve()
	require.NoError(t, err)
	assert.Equal(t, policy.DefaultLimits(), limits)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
work_root: "/srv/convbox"
max_concurrent_sandboxes: 8
admission_mode: reject
capabilities: [read-filesystem]
env_allow_list: [LANG, TZ]
blocked_imports: [encoding/xml]
limits:
  max_wall_time: 2s
  max_memory: 50MiB
  max_output: "1m"
runtime:
  helper_path: /usr/local/bin/convbox-runner
  poll_interval_ms: 20
isolation:
  cgroups: true
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "/srv/convbox", cfg.WorkRoot)
	assert.Equal(t, 8, cfg.MaxConcurrentSandboxes)
	assert.True(t, cfg.RejectWhenFull())
	assert.Equal(t, []string{"read-filesystem"}, cfg.Capabilities)
	assert.Equal(t, []string{"LANG", "TZ"}, cfg.EnvAllowList)
	assert.Equal(t, []string{"encoding/xml"}, cfg.BlockedImports)
	assert.True(t, cfg.Isolation.Cgroups)
	// Untouched nested defaults survive a partial section.
	assert.Equal(t, "/sys/fs/cgroup/convbox", cfg.Isolation.CgroupRoot)
	assert.Equal(t, 10000, cfg.Runtime.StartupTimeoutMs)

	limits, err := cfg.Limits.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, limits.MaxWallTime)
	assert.Equal(t, int64(50*units.MiB), limits.MaxMemory)
	assert.Equal(t, int64(units.MiB), limits.MaxOutputBytes)
	assert.Equal(t, 120*time.Second, limits.MaxCPUTime)

	opts := cfg.Runtime.Options()
	assert.Equal(t, "/usr/local/bin/convbox-runner", opts.HelperPath)
	assert.Equal(t, 20*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 10*time.Second, opts.StartupTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.TermWait)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "./convbox.db", cfg.DBPath)
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONVBOX_WORK_ROOT", "/tmp/work")
	t.Setenv("CONVBOX_DB_PATH", "/tmp/test.db")
	t.Setenv("CONVBOX_LOG_LEVEL", "debug")
	t.Setenv("CONVBOX_METRICS_ADDR", ":9100")
	t.Setenv("CONVBOX_MAX_CONCURRENT_SANDBOXES", "2")
	t.Setenv("CONVBOX_ADMISSION_MODE", "reject")
	t.Setenv("CONVBOX_CAPABILITIES", "read-filesystem,write-filesystem")
	t.Setenv("CONVBOX_ENV_ALLOW_LIST", "HOME,LANG")
	t.Setenv("CONVBOX_MAX_MEMORY", "256MiB")
	t.Setenv("CONVBOX_MAX_WALL_TIME", "30")
	t.Setenv("CONVBOX_MAX_OPEN_FILES", "32")
	t.Setenv("CONVBOX_HELPER_PATH", "/opt/runner")
	t.Setenv("CONVBOX_CGROUPS", "true")
	t.Setenv("CONVBOX_NAMESPACES", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/work", cfg.WorkRoot)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, 2, cfg.MaxConcurrentSandboxes)
	assert.True(t, cfg.RejectWhenFull())
	assert.Equal(t, []string{"read-filesystem", "write-filesystem"}, cfg.Capabilities)
	assert.Equal(t, []string{"HOME", "LANG"}, cfg.EnvAllowList)
	assert.Equal(t, "/opt/runner", cfg.Runtime.HelperPath)
	assert.True(t, cfg.Isolation.Cgroups)
	assert.True(t, cfg.Isolation.Namespaces)

	limits, err := cfg.Limits.Resolve()
	require.NoError(t, err)
	assert.Equal(t, int64(256*units.MiB), limits.MaxMemory)
	assert.Equal(t, 30*time.Second, limits.MaxWallTime)
	assert.Equal(t, 32, limits.MaxOpenFiles)
}

func TestEnvOverridesYAML(t *testing.T) {
	yamlContent := `
db_path: "/var/lib/convbox.db"
admission_mode: reject
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	t.Setenv("CONVBOX_DB_PATH", "/tmp/env.db")
	t.Setenv("CONVBOX_ADMISSION_MODE", "wait")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env.db", cfg.DBPath)
	assert.False(t, cfg.RejectWhenFull())
}

func TestEnvOverridesInvalidIgnored(t *testing.T) {
	t.Setenv("CONVBOX_MAX_CONCURRENT_SANDBOXES", "many")
	t.Setenv("CONVBOX_ADMISSION_MODE", "queue")
	t.Setenv("CONVBOX_CGROUPS", "perhaps")
	t.Setenv("CONVBOX_MAX_OPEN_FILES", "lots")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxConcurrentSandboxes)
	assert.Equal(t, AdmissionWait, cfg.AdmissionMode)
	assert.False(t, cfg.Isolation.Cgroups)
	assert.Equal(t, 0, cfg.Limits.MaxOpenFiles)
}

func TestLimitsResolveRejectsGarbage(t *testing.T) {
	_, err := Limits{MaxMemory: "a lot"}.Resolve()
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = Limits{MaxOpenFiles: -1}.Resolve()
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestPolicy(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.WorkRoot = root
	cfg.Capabilities = []string{"read-filesystem"}
	cfg.EnvAllowList = []string{"LANG"}

	pc, err := cfg.Policy()
	require.NoError(t, err)
	assert.True(t, pc.Capabilities().Has(policy.ReadFilesystem))
	assert.False(t, pc.Capabilities().Has(policy.Network))
	assert.Equal(t, []string{"LANG"}, pc.EnvAllowList())
	assert.Equal(t, policy.DefaultLimits(), pc.Limits())

	cfg.Capabilities = []string{"teleport"}
	_, err = cfg.Policy()
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}
