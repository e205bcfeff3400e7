package runner

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/convbox/internal/errdefs"
	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/protocol"
)

const partConverter = `package converter

import (
	"encoding/json"
	"strings"

	"converter/log"
)

func Convert(input []byte) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(string(input)), ";")
	log.Info("fields: ", len(parts))
	return json.Marshal(map[string]string{"type": "Test", "pn": parts[0], "result": parts[1]})
}
`

func testServer(t *testing.T, caps policy.CapabilitySet) (*server, *bytes.Buffer) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	work := filepath.Join(root, "run-1")
	require.NoError(t, os.Mkdir(work, 0700))

	var out bytes.Buffer
	boot := protocol.Bootstrap{RunID: "1", Root: root, WorkDir: work, HeartbeatMs: 50}
	return newServer(boot, caps, bytes.NewReader(nil), &out), &out
}

func convert(t *testing.T, s *server, src, input string, args map[string]string) (json.RawMessage, error) {
	t.Helper()
	return s.convert(protocol.ExecRequest{Converter: "test.go", Source: src, Input: []byte(input), Args: args})
}

func TestConvertBytesSignature(t *testing.T) {
	s, out := testServer(t, policy.CapabilitySet{})

	data, err := convert(t, s, partConverter, "PART-001;P", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Test","pn":"PART-001","result":"P"}`, string(data))

	msg, err := protocol.NewDecoder(out, 0).Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeLog, msg.Type)
	var lp protocol.LogPayload
	require.NoError(t, msg.Decode(&lp))
	assert.Equal(t, "fields: 2", lp.Message)
}

func TestConvertAnySignature(t *testing.T) {
	s, _ := testServer(t, policy.CapabilitySet{})
	src := `package main

func Convert(input []byte) (any, error) {
	return map[string]any{"len": len(input)}, nil
}
`
	data, err := convert(t, s, src, "abcd", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"len":4}`, string(data))
}

func TestConvertArgsSignature(t *testing.T) {
	s, _ := testServer(t, policy.CapabilitySet{})
	src := `package converter

import "encoding/json"

func Convert(input []byte, args map[string]string) ([]byte, error) {
	return json.Marshal(args["unit"])
}
`
	data, err := convert(t, s, src, "", map[string]string{"unit": "mm"})
	require.NoError(t, err)
	assert.Equal(t, `"mm"`, string(data))
}

func TestConvertFailures(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"empty", "   ", errdefs.ErrConverterFailed},
		{"returns error", "package c\nimport \"errors\"\nfunc Convert(b []byte) ([]byte, error) { return nil, errors.New(\"bad row\") }\n", errdefs.ErrConverterFailed},
		{"panics", "package c\nfunc Convert(b []byte) ([]byte, error) { panic(\"corrupt row\") }\n", errdefs.ErrCrashed},
		{"invalid json", "package c\nfunc Convert(b []byte) ([]byte, error) { return []byte(\"{oops\"), nil }\n", errdefs.ErrConverterFailed},
		{"no entry point", "package c\nfunc Transform(b []byte) ([]byte, error) { return b, nil }\n", errdefs.ErrConverterFailed},
		{"wrong signature", "package c\nfunc Convert(s string) string { return s }\n", errdefs.ErrConverterFailed},
		{"does not compile", "package c\nfunc Convert(b []byte) ([]byte, error) { return undefinedThing, nil }\n", errdefs.ErrConverterFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := testServer(t, policy.CapabilitySet{})
			_, err := convert(t, s, tt.src, "x", nil)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestConvertErrorMessageComesFromConverter(t *testing.T) {
	s, _ := testServer(t, policy.CapabilitySet{})
	src := "package c\nimport \"errors\"\nfunc Convert(b []byte) ([]byte, error) { return nil, errors.New(\"bad row 7\") }\n"
	_, err := convert(t, s, src, "x", nil)
	assert.Equal(t, "bad row 7", errdefs.As(err).Message)
}

func TestConvertRefusesUnexposedImport(t *testing.T) {
	s, _ := testServer(t, policy.FullFilesystem())
	src := "package c\nimport \"net\"\nfunc Convert(b []byte) ([]byte, error) { _, err := net.Dial(\"tcp\", \"x:1\"); return nil, err }\n"

	_, err := convert(t, s, src, "", nil)
	assert.True(t, errors.Is(err, errdefs.ErrSecurity), "got %v", err)
}

func TestConvertPathEscapeTaintsRun(t *testing.T) {
	s, _ := testServer(t, policy.FullFilesystem())
	src := `package c

import "os"

func Convert(b []byte) ([]byte, error) {
	// The error is swallowed on purpose.
	_, _ = os.ReadFile("../../../../../../etc/passwd")
	return []byte("{}"), nil
}
`
	_, err := convert(t, s, src, "", nil)
	require.True(t, errors.Is(err, errdefs.ErrSecurity), "got %v", err)
	assert.Contains(t, errdefs.As(err).Detail, "etc/passwd")
}

func TestConvertFilesystemInsideWorkDir(t *testing.T) {
	s, _ := testServer(t, policy.FullFilesystem())
	require.NoError(t, os.WriteFile(filepath.Join(s.boot.WorkDir, "input.csv"), []byte("a,b"), 0644))
	src := `package c

import (
	"encoding/json"
	"os"
	"path/filepath"
)

func Convert(b []byte) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(".", "input.csv"))
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile("out.txt", raw, 0600); err != nil {
		return nil, err
	}
	return json.Marshal(string(raw))
}
`
	data, err := convert(t, s, src, "", nil)
	require.NoError(t, err)
	assert.Equal(t, `"a,b"`, string(data))
	assert.FileExists(t, filepath.Join(s.boot.WorkDir, "out.txt"))
}

func TestConvertCannotReachSiblingRun(t *testing.T) {
	s, _ := testServer(t, policy.FullFilesystem())
	sibling := filepath.Join(s.boot.Root, "run-2")
	require.NoError(t, os.Mkdir(sibling, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(sibling, "secret.txt"), []byte("TOKEN-2"), 0600))
	src := `package c

import "os"

func Convert(b []byte) ([]byte, error) {
	entries, _ := os.ReadDir("..")
	for _, e := range entries {
		if raw, err := os.ReadFile("../" + e.Name() + "/secret.txt"); err == nil {
			return []byte("\"" + string(raw) + "\""), nil
		}
	}
	return []byte("{}"), nil
}
`
	_, err := convert(t, s, src, "", nil)
	require.True(t, errors.Is(err, errdefs.ErrSecurity), "got %v", err)
	assert.Contains(t, errdefs.As(err).Detail, "readdir ..")
}

func TestConvertCannotRemoveWorkDir(t *testing.T) {
	s, _ := testServer(t, policy.FullFilesystem())
	src := "package c\nimport \"os\"\nfunc Convert(b []byte) ([]byte, error) { return []byte(\"{}\"), os.RemoveAll(\".\") }\n"

	_, err := convert(t, s, src, "", nil)
	require.Error(t, err)
	assert.DirExists(t, s.boot.WorkDir)
}

func TestConvertSeesSandboxMarker(t *testing.T) {
	src := `package c

import (
	"encoding/json"
	"os"
)

func Convert(b []byte) ([]byte, error) {
	return json.Marshal(os.Getenv("CONVBOX_SANDBOX"))
}
`
	s, _ := testServer(t, policy.NewCapabilitySet(policy.ReadEnvironment))
	data, err := convert(t, s, src, "", nil)
	require.NoError(t, err)
	assert.Equal(t, `"1"`, string(data))

	assert.Equal(t, []string{}, (&server{}).interpEnv(), "no environment without read-environment")
}

func TestGuardCheck(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	outside, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	g := newGuard(root)

	p, err := g.check("open", "data/new.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "data", "new.json"), p)

	_, err = g.check("open", "/etc/hosts")
	assert.True(t, errors.Is(err, os.ErrPermission))

	_, err = g.check("create", "escape/planted.txt")
	assert.True(t, errors.Is(err, os.ErrPermission))

	_, err = g.check("open", "../neighbour/data.json")
	assert.True(t, errors.Is(err, os.ErrPermission))

	assert.Equal(t, []string{"open /etc/hosts", "create escape/planted.txt", "open ../neighbour/data.json"}, g.Denials())
}

func TestGlobBase(t *testing.T) {
	assert.Equal(t, "data", globBase("data/*.csv"))
	assert.Equal(t, ".", globBase("*.csv"))
	assert.Equal(t, "/etc", globBase("/etc/p*"))
	assert.Equal(t, "a/b", globBase("a/b/c.txt"))
}

func TestServeHandshakeRequestAndShutdown(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	toChild, hostOut := io.Pipe()
	hostIn, fromChild := io.Pipe()
	boot := protocol.Bootstrap{RunID: "1", Root: root, WorkDir: root, HeartbeatMs: 20}
	s := newServer(boot, policy.CapabilitySet{}, toChild, fromChild)

	code := make(chan int, 1)
	go func() { code <- s.serve() }()

	dec := protocol.NewDecoder(hostIn, 0)
	enc := protocol.NewEncoder(hostOut)

	msg, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeInit, msg.Type)
	var init protocol.InitPayload
	require.NoError(t, msg.Decode(&init))
	assert.Equal(t, protocol.Version, init.ProtocolVersion)
	assert.Equal(t, os.Getpid(), init.PID)

	require.NoError(t, enc.Send(protocol.TypeExecRequest, "c-1", protocol.ExecRequest{Source: partConverter, Input: []byte("PART-9;F")}))

	for {
		msg, err = dec.Next()
		require.NoError(t, err)
		if msg.Type == protocol.TypeExecResult {
			break
		}
	}
	assert.Equal(t, "c-1", msg.CorrelationID)

	// Heartbeats keep flowing, so drain them while shutting down.
	go func() {
		for {
			if _, err := dec.Next(); err != nil {
				return
			}
		}
	}()
	require.NoError(t, enc.Send(protocol.TypeShutdown, "", nil))

	select {
	case c := <-code:
		assert.Equal(t, ExitOK, c)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after SHUTDOWN")
	}
}
