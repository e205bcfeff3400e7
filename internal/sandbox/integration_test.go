//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/convbox/internal/admission"
	"github.com/p-arndt/convbox/internal/errdefs"
	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/internal/runner"
	"github.com/p-arndt/convbox/internal/runtime/linux"
	"github.com/p-arndt/convbox/internal/store"
	"github.com/p-arndt/convbox/internal/testutil"
)

// The test binary doubles as the sandbox child.
func TestMain(m *testing.M) {
	if runner.IsChild() {
		runner.Main()
	}
	os.Exit(m.Run())
}

const partConverter = `package converter

import (
	"encoding/json"
	"strings"
)

func Convert(input []byte) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(string(input)), ";")
	return json.Marshal(map[string]string{"type": "Test", "pn": parts[0], "result": parts[1]})
}
`

const spinConverter = `package converter

func Convert(input []byte) ([]byte, error) {
	n := 0
	for n >= 0 {
		n = (n + 1) % 1000
	}
	return []byte("{}"), nil
}
`

const hogConverter = `package converter

func Convert(input []byte) ([]byte, error) {
	var keep [][]byte
	for {
		b := make([]byte, 1<<20)
		for i := 0; i < len(b); i += 4096 {
			b[i] = 1
		}
		keep = append(keep, b)
	}
	return nil, nil
}
`

const secretConverter = `package converter

import "os"

func Convert(input []byte) ([]byte, error) {
	if err := os.WriteFile("secret.txt", input, 0600); err != nil {
		return nil, err
	}
	n := 0
	for n >= 0 {
		n = (n + 1) % 1000
	}
	return []byte("{}"), nil
}
`

const snoopConverter = `package converter

import (
	"encoding/json"
	"os"
)

func Convert(input []byte) ([]byte, error) {
	entries, _ := os.ReadDir("..")
	for _, e := range entries {
		if raw, err := os.ReadFile("../" + e.Name() + "/secret.txt"); err == nil {
			return json.Marshal(map[string]string{"stolen": string(raw)})
		}
	}
	return json.Marshal(map[string]string{"stolen": ""})
}
`

func integrationSandbox(t *testing.T, maxConcurrent int) (*Sandbox, *store.Store) {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns sandbox children")
	}
	st := testutil.NewTestStore(t)
	s := New(Options{
		Logger:        testutil.QuietLogger(),
		Host:          NewPlatformHost(HostOptions{}, testutil.QuietLogger()),
		Recorder:      st,
		MaxConcurrent: maxConcurrent,
		Admission:     admission.Wait,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, st
}

func limitedConfig(t *testing.T, caps policy.CapabilitySet, wall time.Duration, memory int64) policy.Config {
	return testutil.TestPolicy(t, caps, policy.ResourceLimits{MaxWallTime: wall, MaxMemory: memory})
}

// assertReaped checks that the child recorded for runID is gone and its
// outcome was written.
func assertReaped(t *testing.T, st *store.Store, runID string) *store.Run {
	t.Helper()
	run, err := st.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, run.Status)
	require.Positive(t, run.PID)
	assert.False(t, linux.ProcessAlive(run.PID), "child %d survived its run", run.PID)
	members, err := linux.GroupMembers(run.PID)
	require.NoError(t, err)
	assert.Empty(t, members, "process group %d not empty", run.PID)
	return run
}

func TestIntegrationConvert(t *testing.T) {
	s, st := integrationSandbox(t, 1)
	cfg := limitedConfig(t, policy.FullFilesystem(), 5*time.Second, 256<<20)

	out := s.Run(context.Background(), ConverterRef{Name: "part.go", Source: []byte(partConverter)}, []byte("PART-001;P\n"), cfg)

	require.True(t, out.OK, "error: %+v", out.Error)
	assert.JSONEq(t, `{"type":"Test","pn":"PART-001","result":"P"}`, string(out.Data))

	run := assertReaped(t, st, out.RunID)
	assert.True(t, run.OK)
	assert.Equal(t, Digest([]byte(partConverter)), run.SourceDigest)
	assert.Equal(t, 0, s.Active())

	entries, err := os.ReadDir(cfg.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIntegrationNetworkImportNeverSpawns(t *testing.T) {
	s, st := integrationSandbox(t, 1)
	cfg := limitedConfig(t, policy.FullFilesystem(), 5*time.Second, 256<<20)

	out := s.Run(context.Background(), ConverterRef{Source: []byte(netConverter)}, nil, cfg)

	require.False(t, out.OK)
	assert.True(t, errors.Is(out.Err(), errdefs.ErrSecurity))
	runs, err := st.ListRuns(0)
	require.NoError(t, err)
	assert.Empty(t, runs, "a rejected converter must not reach a child")
}

func TestIntegrationWallTimeout(t *testing.T) {
	s, st := integrationSandbox(t, 1)
	cfg := limitedConfig(t, policy.CapabilitySet{}, 2*time.Second, 256<<20)

	start := time.Now()
	out := s.Run(context.Background(), ConverterRef{Source: []byte(spinConverter)}, nil, cfg)
	elapsed := time.Since(start)

	require.False(t, out.OK)
	assert.True(t, errors.Is(out.Err(), errdefs.ErrTimeout), "got %+v", out.Error)
	assert.Less(t, elapsed, 3500*time.Millisecond)
	assertReaped(t, st, out.RunID)
}

func TestIntegrationMemoryLimit(t *testing.T) {
	s, st := integrationSandbox(t, 1)
	cfg := limitedConfig(t, policy.CapabilitySet{}, 20*time.Second, 100<<20)

	out := s.Run(context.Background(), ConverterRef{Source: []byte(hogConverter)}, nil, cfg)

	require.False(t, out.OK)
	assert.True(t, errors.Is(out.Err(), errdefs.ErrResource), "got %+v", out.Error)
	assert.Contains(t, out.Error.Message, "memory")
	run := assertReaped(t, st, out.RunID)
	assert.Equal(t, string(errdefs.KindResource), run.ErrorKind)
}

func TestIntegrationConcurrentRunsAreIsolated(t *testing.T) {
	const n = 4
	s, st := integrationSandbox(t, 2)

	outs := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := limitedConfig(t, policy.CapabilitySet{}, 10*time.Second, 256<<20)
			input := fmt.Sprintf("PART-%03d;%d", i, i)
			outs[i] = s.Run(context.Background(), ConverterRef{Source: []byte(partConverter)}, []byte(input), cfg)
		}(i)
	}
	wg.Wait()

	pids := map[int]bool{}
	for i, out := range outs {
		require.True(t, out.OK, "run %d: %+v", i, out.Error)
		assert.JSONEq(t, fmt.Sprintf(`{"type":"Test","pn":"PART-%03d","result":"%d"}`, i, i), string(out.Data))
		run := assertReaped(t, st, out.RunID)
		assert.False(t, pids[run.PID], "child reused across runs")
		pids[run.PID] = true
	}
	assert.Equal(t, 0, s.Active())
}

func TestIntegrationShutdownCancelsRuns(t *testing.T) {
	s, st := integrationSandbox(t, 1)
	cfg := limitedConfig(t, policy.CapabilitySet{}, 30*time.Second, 256<<20)

	done := make(chan Outcome, 1)
	go func() {
		done <- s.Run(context.Background(), ConverterRef{Source: []byte(spinConverter)}, nil, cfg)
	}()
	require.Eventually(t, func() bool {
		runs, err := st.ListRunningRuns()
		return err == nil && len(runs) == 1 && runs[0].PID > 0
	}, 10*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	out := <-done
	require.False(t, out.OK)
	assert.True(t, errors.Is(out.Err(), errdefs.ErrRejected), "got %+v", out.Error)
	assert.True(t, strings.Contains(out.Error.Message, "shutting down"))
	assertReaped(t, st, out.RunID)
}

func TestIntegrationRunsCannotReadSiblingWorkDirs(t *testing.T) {
	s, st := integrationSandbox(t, 2)
	cfg := limitedConfig(t, policy.FullFilesystem(), 3*time.Second, 256<<20)

	holder := make(chan Outcome, 1)
	go func() {
		holder <- s.Run(context.Background(), ConverterRef{Source: []byte(secretConverter)}, []byte("TOKEN-A"), cfg)
	}()
	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(cfg.Root(), "run-*", "secret.txt"))
		return len(matches) == 1
	}, 10*time.Second, 10*time.Millisecond)

	out := s.Run(context.Background(), ConverterRef{Source: []byte(snoopConverter)}, nil, cfg)
	require.False(t, out.OK, "sibling read succeeded: %s", out.Data)
	assert.True(t, errors.Is(out.Err(), errdefs.ErrSecurity), "got %+v", out.Error)
	assert.NotContains(t, string(out.Data), "TOKEN-A")
	assertReaped(t, st, out.RunID)

	first := <-holder
	assert.True(t, errors.Is(first.Err(), errdefs.ErrTimeout), "got %+v", first.Error)
}
