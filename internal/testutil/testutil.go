// Package testutil holds helpers shared by package tests.
package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/internal/store"
)

// QuietLogger only lets errors through, to io.Discard.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestPolicy returns a run config rooted in a fresh temp dir.
func TestPolicy(t *testing.T, caps policy.CapabilitySet, limits policy.ResourceLimits) policy.Config {
	t.Helper()
	cfg, err := policy.NewConfig(t.TempDir(), caps, limits, nil)
	if err != nil {
		t.Fatalf("failed to build test policy: %v", err)
	}
	return cfg
}

func TestRun(id string) *store.Run {
	return &store.Run{
		ID:           id,
		Converter:    "wats_csv.go",
		SourceDigest: "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		Capabilities: "read-filesystem",
		Status:       store.StatusRunning,
		StartedAt:    time.Now().UTC(),
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
