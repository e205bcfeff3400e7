package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := Timeout("wall-clock deadline exceeded", "2s")

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrResource))
	assert.False(t, errors.Is(err, ErrSandbox))
}

func TestIsMatchesReason(t *testing.T) {
	err := Sandbox(ReasonCrashed, "child exited", "exit status 2")

	assert.True(t, errors.Is(err, ErrSandbox))
	assert.True(t, errors.Is(err, ErrCrashed))
	assert.False(t, errors.Is(err, ErrProtocolViolation))
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("run r1: %w", Security("validation failed", "network"))

	assert.True(t, errors.Is(err, ErrSecurity))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(context.Canceled, KindSandbox, ReasonCancelled, "run cancelled")

	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Contains(t, err.Error(), "context canceled")
}

func TestErrorString(t *testing.T) {
	err := Sandbox(ReasonProtocolViolation, "malformed frame", "")
	assert.Equal(t, "SandboxError(PROTOCOL_VIOLATION): malformed frame", err.Error())

	err = Configuration("root %q does not exist", "/nope")
	assert.Equal(t, `ConfigurationError: root "/nope" does not exist`, err.Error())
}

func TestAs(t *testing.T) {
	assert.Nil(t, As(nil))

	typed := Resource("memory limit exceeded", "")
	assert.Same(t, typed, As(fmt.Errorf("x: %w", typed)))

	plain := As(errors.New("boom"))
	assert.Equal(t, KindSandbox, plain.Kind)
	assert.Equal(t, ReasonCrashed, plain.Reason)
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindResource.Valid())
	assert.False(t, Kind("Other").Valid())
}
