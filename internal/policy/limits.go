package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/p-arndt/convbox/internal/errdefs"
)

// ResourceLimits bounds one run. A zero field is unset and is filled from
// defaults; it never means unlimited.
type ResourceLimits struct {
	MaxWallTime     time.Duration `json:"max_wall_time"`
	MaxCPUTime      time.Duration `json:"max_cpu_time"`
	MaxMemory       int64         `json:"max_memory"`
	MaxOutputBytes  int64         `json:"max_output_bytes"`
	MaxSubprocesses int           `json:"max_subprocesses"`
	MaxOpenFiles    int           `json:"max_open_files"`
}

// DefaultLimits returns the built-in conservative defaults.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxWallTime:     300 * time.Second,
		MaxCPUTime:      120 * time.Second,
		MaxMemory:       512 * units.MiB,
		MaxOutputBytes:  100 * units.MiB,
		MaxSubprocesses: 0,
		MaxOpenFiles:    64,
	}
}

func (l ResourceLimits) MergedWithDefaults() ResourceLimits {
	return l.MergedWith(DefaultLimits())
}

// MergedWith fills unset fields from d, then from the built-in defaults.
func (l ResourceLimits) MergedWith(d ResourceLimits) ResourceLimits {
	builtin := DefaultLimits()
	out := l
	if out.MaxWallTime <= 0 {
		out.MaxWallTime = pickDuration(d.MaxWallTime, builtin.MaxWallTime)
	}
	if out.MaxCPUTime <= 0 {
		out.MaxCPUTime = pickDuration(d.MaxCPUTime, builtin.MaxCPUTime)
	}
	if out.MaxMemory <= 0 {
		out.MaxMemory = pickInt64(d.MaxMemory, builtin.MaxMemory)
	}
	if out.MaxOutputBytes <= 0 {
		out.MaxOutputBytes = pickInt64(d.MaxOutputBytes, builtin.MaxOutputBytes)
	}
	if out.MaxSubprocesses <= 0 {
		out.MaxSubprocesses = d.MaxSubprocesses
		if out.MaxSubprocesses < 0 {
			out.MaxSubprocesses = builtin.MaxSubprocesses
		}
	}
	if out.MaxOpenFiles <= 0 {
		out.MaxOpenFiles = int(pickInt64(int64(d.MaxOpenFiles), int64(builtin.MaxOpenFiles)))
	}
	return out
}

func pickDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func pickInt64(v, fallback int64) int64 {
	if v > 0 {
		return v
	}
	return fallback
}

// Validate rejects negative values.
func (l ResourceLimits) Validate() error {
	switch {
	case l.MaxWallTime < 0:
		return errdefs.Configuration("max_wall_time must not be negative")
	case l.MaxCPUTime < 0:
		return errdefs.Configuration("max_cpu_time must not be negative")
	case l.MaxMemory < 0:
		return errdefs.Configuration("max_memory must not be negative")
	case l.MaxOutputBytes < 0:
		return errdefs.Configuration("max_output_bytes must not be negative")
	case l.MaxSubprocesses < 0:
		return errdefs.Configuration("max_subprocesses must not be negative")
	case l.MaxOpenFiles < 0:
		return errdefs.Configuration("max_open_files must not be negative")
	}
	return nil
}

func (l ResourceLimits) String() string {
	return fmt.Sprintf("wall=%s cpu=%s mem=%s out=%s subproc=%d files=%d",
		l.MaxWallTime, l.MaxCPUTime,
		units.BytesSize(float64(l.MaxMemory)), units.BytesSize(float64(l.MaxOutputBytes)),
		l.MaxSubprocesses, l.MaxOpenFiles)
}

// LimitsFromMap builds limits from loosely typed settings, e.g. values
// decoded from YAML. Unknown keys are ignored; missing keys stay unset.
func LimitsFromMap(m map[string]any) (ResourceLimits, error) {
	var l ResourceLimits
	for key, raw := range m {
		var err error
		switch key {
		case "max_wall_time", "timeout":
			l.MaxWallTime, err = parseDuration(raw)
		case "max_cpu_time", "cpu_time":
			l.MaxCPUTime, err = parseDuration(raw)
		case "max_memory", "memory":
			l.MaxMemory, err = parseSize(raw)
		case "max_output_bytes", "max_output":
			l.MaxOutputBytes, err = parseSize(raw)
		case "max_subprocesses", "max_processes":
			var n int64
			n, err = parseCount(raw)
			l.MaxSubprocesses = int(n)
		case "max_open_files":
			var n int64
			n, err = parseCount(raw)
			l.MaxOpenFiles = int(n)
		default:
			continue
		}
		if err != nil {
			return ResourceLimits{}, errdefs.Configuration("limit %s: %v", key, err)
		}
	}
	return l, l.Validate()
}

// parseDuration accepts Go duration strings or bare numbers of seconds.
func parseDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return time.Duration(n * float64(time.Second)), nil
		}
		return time.ParseDuration(strings.TrimSpace(t))
	}
	return 0, fmt.Errorf("unsupported duration %v", v)
}

// parseSize accepts human sizes ("50MiB", "512m") or bare byte counts.
func parseSize(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		return units.RAMInBytes(strings.TrimSpace(t))
	}
	return 0, fmt.Errorf("unsupported size %v", v)
}

func parseCount(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	}
	return 0, fmt.Errorf("unsupported count %v", v)
}
