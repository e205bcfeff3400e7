package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/p-arndt/convbox/internal/errdefs"
	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/protocol"
)

// The host is trusted, so requests may be as large as the input it sends.
const maxRequestFrame = 1 << 30

type server struct {
	boot protocol.Bootstrap
	caps policy.CapabilitySet
	enc  *protocol.Encoder
	dec  *protocol.Decoder

	current  atomic.Value // correlation id of the request in flight
	accepted atomic.Bool
}

func newServer(boot protocol.Bootstrap, caps policy.CapabilitySet, in io.Reader, out io.Writer) *server {
	s := &server{
		boot: boot,
		caps: caps,
		enc:  protocol.NewEncoder(out),
		dec:  protocol.NewDecoder(in, maxRequestFrame),
	}
	s.current.Store("")
	return s
}

func (s *server) serve() int {
	if err := s.enc.Send(protocol.TypeInit, "", protocol.InitPayload{
		PID:             os.Getpid(),
		ProtocolVersion: protocol.Version,
		GoVersion:       runtime.Version(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "convbox child: send INIT: %v\n", err)
		return ExitProtocol
	}

	go s.heartbeat()
	go s.watchCPULimit()

	for {
		msg, err := s.dec.Next()
		if errors.Is(err, io.EOF) {
			return ExitOK
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "convbox child: read: %v\n", err)
			return ExitProtocol
		}

		switch msg.Type {
		case protocol.TypeShutdown:
			return ExitOK
		case protocol.TypeExecRequest:
			if !s.accepted.CompareAndSwap(false, true) {
				s.sendError(msg.CorrelationID, errdefs.Sandbox(errdefs.ReasonProtocolViolation, "child already served a request", ""))
				continue
			}
			var req protocol.ExecRequest
			if err := msg.Decode(&req); err != nil {
				s.sendError(msg.CorrelationID, errdefs.Wrap(err, errdefs.KindSandbox, errdefs.ReasonProtocolViolation, "decode request"))
				continue
			}
			s.current.Store(msg.CorrelationID)
			go s.execute(msg.CorrelationID, req)
		default:
			fmt.Fprintf(os.Stderr, "convbox child: unexpected %s from host\n", msg.Type)
			return ExitProtocol
		}
	}
}

func (s *server) heartbeat() {
	interval := time.Duration(s.boot.HeartbeatMs) * time.Millisecond
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := s.enc.Send(protocol.TypeHeartbeat, "", nil); err != nil {
			return
		}
	}
}

// watchCPULimit turns the soft RLIMIT_CPU signal into a typed error before
// the kernel's hard limit kills the process.
func (s *server) watchCPULimit() {
	ch := notifyCPULimit()
	if ch == nil {
		return
	}
	<-ch
	if corr := s.current.Load().(string); corr != "" {
		s.sendError(corr, errdefs.Resource("cpu time limit exceeded", "SIGXCPU from RLIMIT_CPU"))
	}
	os.Exit(ExitResource)
}

func (s *server) execute(corr string, req protocol.ExecRequest) {
	start := time.Now()
	data, err := s.convert(req)
	if err != nil {
		s.sendError(corr, err)
		return
	}
	if err := s.enc.Send(protocol.TypeExecResult, corr, protocol.ExecResult{
		Data:       data,
		DurationMs: time.Since(start).Milliseconds(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "convbox child: send result: %v\n", err)
	}
}

func (s *server) sendError(corr string, err error) {
	e := errdefs.As(err)
	detail := e.Detail
	if e.Err != nil {
		if detail != "" {
			detail += ": "
		}
		detail += e.Err.Error()
	}
	if serr := s.enc.Send(protocol.TypeExecError, corr, protocol.ExecError{
		Kind:    string(e.Kind),
		Reason:  string(e.Reason),
		Message: e.Message,
		Detail:  detail,
	}); serr != nil {
		fmt.Fprintf(os.Stderr, "convbox child: send error: %v\n", serr)
	}
}

// emit sends a converter log line. Failures are ignored; the host notices a
// dead channel on its own.
func (s *server) emit(level protocol.LogLevel, msg string) {
	_ = s.enc.Send(protocol.TypeLog, "", protocol.LogPayload{Level: level, Message: msg})
}
