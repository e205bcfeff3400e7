package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Send(TypeInit, "", InitPayload{PID: 42, ProtocolVersion: Version}))
	require.NoError(t, enc.Send(TypeHeartbeat, "", nil))
	require.NoError(t, enc.Send(TypeExecResult, "c-1", ExecResult{
		Data:       json.RawMessage("{\n  \"pn\": \"PART-001\"\n}"),
		DurationMs: 12,
	}))

	assert.Equal(t, 3, strings.Count(buf.String(), "\n"), "raw payload must not add delimiters")

	dec := NewDecoder(&buf, 0)

	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeInit, msg.Type)
	var init InitPayload
	require.NoError(t, msg.Decode(&init))
	assert.Equal(t, 42, init.PID)

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, msg.Type)
	assert.Empty(t, msg.Payload)

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "c-1", msg.CorrelationID)
	var res ExecResult
	require.NoError(t, msg.Decode(&res))
	assert.JSONEq(t, `{"pn":"PART-001"}`, string(res.Data))

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestExecRequestCarriesBinaryInput(t *testing.T) {
	input := []byte{0x00, '\n', 0xff, '\r'}
	msg, err := NewMessage(TypeExecRequest, "c-2", ExecRequest{Converter: "x", Input: input, TimeoutMs: 1000})
	require.NoError(t, err)

	line, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(line), "\n")

	parsed, err := Parse(line)
	require.NoError(t, err)
	var req ExecRequest
	require.NoError(t, parsed.Decode(&req))
	assert.Equal(t, input, req.Input)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"unknown type", `{"type":"PING"}`, ErrUnknownType},
		{"missing type", `{"correlation_id":"x"}`, ErrUnknownType},
		{"result without correlation", `{"type":"EXEC_RESULT","payload":{}}`, ErrMalformed},
		{"request without correlation", `{"type":"EXEC_REQUEST","payload":{}}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.line))
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	dec := NewDecoder(strings.NewReader("\n\n{\"type\":\"HEARTBEAT\"}\n"), 0)
	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, msg.Type)
}

func TestDecoderFrameTooLarge(t *testing.T) {
	big := `{"type":"LOG","payload":{"level":"info","message":"` + strings.Repeat("a", 4096) + `"}}` + "\n"
	dec := NewDecoder(strings.NewReader(big), 1024)

	_, err := dec.Next()
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestDecodeWithoutPayload(t *testing.T) {
	var res ExecResult
	err := Message{Type: TypeExecResult, CorrelationID: "c"}.Decode(&res)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestMessageTypeClassification(t *testing.T) {
	assert.True(t, TypeExecResult.Terminal())
	assert.True(t, TypeExecError.Terminal())
	assert.False(t, TypeLog.Terminal())
	assert.True(t, TypeExecRequest.Correlated())
	assert.False(t, TypeHeartbeat.Correlated())
	assert.False(t, MessageType("exec").Known())
}

func TestClampTimeout(t *testing.T) {
	limit := 5 * time.Second

	assert.Equal(t, limit, ClampTimeout(0, limit))
	assert.Equal(t, 2*time.Second, ClampTimeout(2*time.Second, limit))
	assert.Equal(t, limit, ClampTimeout(time.Minute, limit))
	assert.Equal(t, limit, ClampTimeout(-time.Second, limit))
}

func TestMaxFrameFor(t *testing.T) {
	assert.Equal(t, DefaultMaxFrameBytes, MaxFrameFor(0))
	assert.Equal(t, 2048+FrameOverhead, MaxFrameFor(1024))
	assert.Equal(t, 1<<30, MaxFrameFor(1<<40))
}
