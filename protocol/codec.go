package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrMalformed     = errors.New("malformed frame")
	ErrUnknownType   = errors.New("unknown message type")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// NewMessage builds an envelope, marshalling payload when it is non-nil.
func NewMessage(t MessageType, correlationID string, payload any) (Message, error) {
	msg := Message{Type: t, CorrelationID: correlationID}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, m.Type, err)
	}
	return nil
}

// Encoder writes one message per line. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Send is NewMessage followed by Encode.
func (e *Encoder) Send(t MessageType, correlationID string, payload any) error {
	msg, err := NewMessage(t, correlationID, payload)
	if err != nil {
		return err
	}
	return e.Encode(msg)
}

// Decoder reads newline-delimited messages with a bounded line buffer.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	initial := 64 * 1024
	if initial > maxFrame {
		initial = maxFrame
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initial), maxFrame)
	return &Decoder{scanner: scanner}
}

// Next returns the next message, io.EOF at a clean end of stream, or an
// error wrapping ErrMalformed, ErrUnknownType or ErrFrameTooLarge. After an
// error the stream must be abandoned.
func (d *Decoder) Next() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return Parse(line)
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Message{}, ErrFrameTooLarge
		}
		return Message{}, err
	}
	return Message{}, io.EOF
}

// Parse decodes and checks one frame.
func Parse(line []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !msg.Type.Known() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if msg.Type.Correlated() && msg.CorrelationID == "" {
		return Message{}, fmt.Errorf("%w: %s without correlation id", ErrMalformed, msg.Type)
	}
	return msg, nil
}
