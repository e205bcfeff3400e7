// Package protocol defines the JSON-line messages exchanged between the host
// and the sandboxed child over a private pipe pair.
package protocol

import (
	"encoding/json"
	"time"
)

// Version is bumped on incompatible envelope changes.
const Version = 1

// Message is the envelope for every frame in either direction.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type MessageType string

const (
	TypeInit        MessageType = "INIT"         // child -> host, once
	TypeExecRequest MessageType = "EXEC_REQUEST" // host -> child
	TypeExecResult  MessageType = "EXEC_RESULT"  // child -> host, terminal
	TypeExecError   MessageType = "EXEC_ERROR"   // child -> host, terminal
	TypeLog         MessageType = "LOG"          // child -> host
	TypeHeartbeat   MessageType = "HEARTBEAT"    // child -> host
	TypeShutdown    MessageType = "SHUTDOWN"     // host -> child
)

func (t MessageType) Known() bool {
	switch t {
	case TypeInit, TypeExecRequest, TypeExecResult, TypeExecError,
		TypeLog, TypeHeartbeat, TypeShutdown:
		return true
	}
	return false
}

// Terminal reports whether t ends a request on the wire.
func (t MessageType) Terminal() bool {
	return t == TypeExecResult || t == TypeExecError
}

// Correlated reports whether t must carry a correlation id.
func (t MessageType) Correlated() bool {
	return t == TypeExecRequest || t.Terminal()
}

// InitPayload is sent by the child once its bootstrap is complete.
type InitPayload struct {
	PID             int    `json:"pid"`
	ProtocolVersion int    `json:"protocol_version"`
	GoVersion       string `json:"go_version,omitempty"`
}

// ExecRequest asks the child to run one converter against one input.
type ExecRequest struct {
	Converter string            `json:"converter"`
	Source    string            `json:"source"`
	Input     []byte            `json:"input"` // base64 on the wire
	Args      map[string]string `json:"args,omitempty"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
}

// ExecResult carries the converter's output, opaque to the sandbox.
type ExecResult struct {
	Data       json.RawMessage `json:"data"`
	DurationMs int64           `json:"duration_ms"`
}

// ExecError mirrors errdefs.Error on the wire.
type ExecError struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type LogPayload struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// FrameOverhead is the slack allowed on top of the output limit for the
// envelope and base64/escaping growth.
const FrameOverhead = 64 * 1024

// DefaultMaxFrameBytes caps frames when no limit is configured.
const DefaultMaxFrameBytes = 8 * 1024 * 1024

// MaxFrameFor returns the frame cap for a given output limit. Payloads may
// be escaped, so the output limit is scaled before overhead is added.
func MaxFrameFor(maxOutput int64) int {
	if maxOutput <= 0 {
		return DefaultMaxFrameBytes
	}
	n := maxOutput*2 + FrameOverhead
	const ceiling = 1 << 30
	if n > ceiling {
		n = ceiling
	}
	return int(n)
}

// ClampTimeout applies a request-scoped override without letting it exceed
// the configured wall-clock limit.
func ClampTimeout(requested, limit time.Duration) time.Duration {
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

// Child bootstrap environment.
const (
	EnvChild     = "CONVBOX_CHILD"
	EnvBootstrap = "CONVBOX_BOOTSTRAP"
	EnvMarker    = "CONVBOX_SANDBOX"
)

// Pipe descriptors in the child. ExtraFiles start at fd 3.
const (
	ChildReadFD  = 3
	ChildWriteFD = 4
)

// LogImportPath is the host-provided package converters use to emit LOG
// messages.
const LogImportPath = "converter/log"

// Bootstrap is handed to the child as JSON in EnvBootstrap.
type Bootstrap struct {
	RunID          string   `json:"run_id"`
	Root           string   `json:"root"`
	WorkDir        string   `json:"work_dir"`
	Capabilities   []string `json:"capabilities"`
	MaxMemory      int64    `json:"max_memory"`
	MaxOutputBytes int64    `json:"max_output_bytes"`
	HeartbeatMs    int64    `json:"heartbeat_ms"`
}
