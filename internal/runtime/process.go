// Package runtime owns one sandboxed child for its whole life: spawn,
// handshake, one request, supervision and guaranteed teardown.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/p-arndt/convbox/internal/errdefs"
	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/protocol"
)

type Options struct {
	// HelperPath is the binary re-executed as the child. Empty means the
	// current executable.
	HelperPath string
	HelperArgs []string

	StartupTimeout    time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatMisses poll intervals without any frame count as a hang.
	HeartbeatMisses int
	GracePeriod     time.Duration
	// TermWait is how long a child that ignored SHUTDOWN gets after SIGTERM.
	TermWait        time.Duration
	KillWait        time.Duration
	ExitDrain       time.Duration

	LogRate   float64
	LogBurst  int
	DiagBytes int
}

func DefaultOptions() Options {
	return Options{
		StartupTimeout:    10 * time.Second,
		PollInterval:      100 * time.Millisecond,
		HeartbeatInterval: 250 * time.Millisecond,
		HeartbeatMisses:   20,
		GracePeriod:       500 * time.Millisecond,
		TermWait:          250 * time.Millisecond,
		KillWait:          2 * time.Second,
		ExitDrain:         250 * time.Millisecond,
		LogRate:           50,
		LogBurst:          100,
		DiagBytes:         16 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = d.StartupTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = d.HeartbeatMisses
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = d.GracePeriod
	}
	if o.TermWait <= 0 {
		o.TermWait = d.TermWait
	}
	if o.KillWait <= 0 {
		o.KillWait = d.KillWait
	}
	if o.ExitDrain <= 0 {
		o.ExitDrain = d.ExitDrain
	}
	if o.LogRate <= 0 {
		o.LogRate = d.LogRate
	}
	if o.LogBurst <= 0 {
		o.LogBurst = d.LogBurst
	}
	if o.DiagBytes <= 0 {
		o.DiagBytes = d.DiagBytes
	}
	return o
}

// Spec describes the child to create. Config limits must already be merged
// with defaults.
type Spec struct {
	ID      string
	Config  policy.Config
	WorkDir string
	// Env is the complete environment the child inherits, before the
	// bootstrap variables are appended.
	Env []string
}

type Request struct {
	Converter string
	Source    []byte
	Input     []byte
	Args      map[string]string
	Timeout   time.Duration
}

type event struct {
	msg protocol.Message
	err error
}

// Process is a one-shot sandboxed child. It serves at most one request.
type Process struct {
	spec     Spec
	host     Host
	opts     Options
	logger   *slog.Logger
	logLimit *rate.Limiter
	diag     *diagBuffer

	mu        sync.Mutex
	state     State
	executed  bool
	cmd       *exec.Cmd
	ctrl      Controller
	enc       *protocol.Encoder
	toChild   *os.File
	fromChild *os.File
	init      protocol.InitPayload
	peak      Usage
	startedAt time.Time

	killed   atomic.Bool
	logBytes atomic.Int64
	dropped  atomic.Int64

	events   chan event
	exited   chan struct{}
	done     chan struct{}
	termOnce sync.Once
	termErr  error
}

func New(spec Spec, host Host, opts Options, logger *slog.Logger) *Process {
	opts = opts.withDefaults()
	return &Process{
		spec:     spec,
		host:     host,
		opts:     opts,
		logger:   logger.With("run_id", spec.ID),
		logLimit: rate.NewLimiter(rate.Limit(opts.LogRate), opts.LogBurst),
		diag:     newDiagBuffer(opts.DiagBytes),
		state:    StateCreated,
		events:   make(chan event, 64),
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *Process) ID() string { return p.spec.ID }

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID is the host pid of the child, or 0 before launch.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) Isolation() Isolation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctrl == nil {
		return Isolation{}
	}
	return p.ctrl.Isolation()
}

// PeakUsage is the highest usage sampled while the request ran.
func (p *Process) PeakUsage() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// DroppedLogs counts LOG frames not relayed because of rate limiting.
func (p *Process) DroppedLogs() int64 { return p.dropped.Load() }

// Diagnostics returns the tail of the child's stdout and stderr.
func (p *Process) Diagnostics() string { return p.diag.String() }

func (p *Process) transition(to State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !canTransition(p.state, to) {
		return false
	}
	p.state = to
	return true
}

// Start launches the child and waits for its INIT frame.
func (p *Process) Start(ctx context.Context) error {
	if !p.transition(StateStarting) {
		return fmt.Errorf("start %s: process is %s", p.spec.ID, p.State())
	}
	if err := p.start(ctx); err != nil {
		if !errors.Is(err, errdefs.ErrCancelled) {
			p.transition(StateCrashed)
		}
		return err
	}
	return nil
}

func (p *Process) start(ctx context.Context) error {
	helper := p.opts.HelperPath
	if helper == "" {
		exe, err := os.Executable()
		if err != nil {
			return errdefs.Wrap(err, errdefs.KindSandbox, errdefs.ReasonStartupFailed, "locate helper binary")
		}
		helper = exe
	}

	limits := p.spec.Config.Limits()
	caps := p.spec.Config.Capabilities()
	names := make([]string, 0)
	for _, c := range caps.List() {
		names = append(names, string(c))
	}
	boot, err := json.Marshal(protocol.Bootstrap{
		RunID:          p.spec.ID,
		Root:           p.spec.Config.Root(),
		WorkDir:        p.spec.WorkDir,
		Capabilities:   names,
		MaxMemory:      limits.MaxMemory,
		MaxOutputBytes: limits.MaxOutputBytes,
		HeartbeatMs:    p.opts.HeartbeatInterval.Milliseconds(),
	})
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindSandbox, errdefs.ReasonStartupFailed, "encode bootstrap")
	}

	childIn, hostOut, err := os.Pipe()
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindSandbox, errdefs.ReasonStartupFailed, "create request pipe")
	}
	hostIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		hostOut.Close()
		return errdefs.Wrap(err, errdefs.KindSandbox, errdefs.ReasonStartupFailed, "create response pipe")
	}

	env := make([]string, 0, len(p.spec.Env)+3)
	env = append(env, p.spec.Env...)
	env = append(env,
		protocol.EnvChild+"=1",
		protocol.EnvMarker+"=1",
		protocol.EnvBootstrap+"="+string(boot),
	)
	newCmd := func() *exec.Cmd {
		cmd := exec.Command(helper, p.opts.HelperArgs...)
		cmd.Dir = p.spec.WorkDir
		cmd.Env = env
		cmd.Stdout = p.diag
		cmd.Stderr = p.diag
		cmd.ExtraFiles = []*os.File{childIn, childOut}
		// Descendants holding stdout must not block Wait forever.
		cmd.WaitDelay = p.opts.KillWait
		return cmd
	}

	cmd, ctrl, err := p.host.Launch(newCmd, LaunchSpec{
		RunID:   p.spec.ID,
		Limits:  limits,
		Network: caps.Has(policy.Network),
	})
	childIn.Close()
	childOut.Close()
	if err != nil {
		hostOut.Close()
		hostIn.Close()
		return errdefs.Wrap(err, errdefs.KindSandbox, errdefs.ReasonStartupFailed, "launch child")
	}

	p.mu.Lock()
	p.cmd = cmd
	p.ctrl = ctrl
	p.toChild = hostOut
	p.fromChild = hostIn
	p.enc = protocol.NewEncoder(hostOut)
	p.startedAt = time.Now()
	p.mu.Unlock()

	p.logger.Debug("child launched", "pid", cmd.Process.Pid, "isolation", ctrl.Isolation())

	go p.wait()
	go p.read(protocol.NewDecoder(hostIn, protocol.MaxFrameFor(limits.MaxOutputBytes)))

	return p.awaitInit(ctx)
}

func (p *Process) wait() {
	_ = p.cmd.Wait()
	close(p.exited)
}

func (p *Process) read(dec *protocol.Decoder) {
	defer close(p.events)
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return
		}
		select {
		case p.events <- event{msg: msg, err: err}:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) awaitInit(ctx context.Context) error {
	timer := time.NewTimer(p.opts.StartupTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				return p.startupFailure("child closed the channel before INIT")
			}
			if ev.err != nil {
				p.kill()
				return errdefs.Wrap(ev.err, errdefs.KindSandbox, errdefs.ReasonProtocolViolation, "read INIT")
			}
			if ev.msg.Type != protocol.TypeInit {
				p.kill()
				return errdefs.Sandbox(errdefs.ReasonProtocolViolation, "expected INIT", "got "+string(ev.msg.Type))
			}
			var init protocol.InitPayload
			if err := ev.msg.Decode(&init); err != nil {
				p.kill()
				return errdefs.Wrap(err, errdefs.KindSandbox, errdefs.ReasonProtocolViolation, "decode INIT")
			}
			if init.ProtocolVersion != protocol.Version {
				p.kill()
				return errdefs.Sandbox(errdefs.ReasonProtocolViolation, "protocol version mismatch",
					fmt.Sprintf("child speaks %d, host %d", init.ProtocolVersion, protocol.Version))
			}

			p.mu.Lock()
			p.init = init
			p.mu.Unlock()
			if !p.transition(StateRunning) {
				return errdefs.Sandbox(errdefs.ReasonStartupFailed, "process terminated during startup", "")
			}
			p.logger.Debug("child ready", "pid", init.PID, "go", init.GoVersion, "startup", time.Since(p.startedAt))
			return nil

		case <-p.exited:
			return p.startupFailure("child exited before INIT")

		case <-timer.C:
			p.kill()
			return errdefs.Sandbox(errdefs.ReasonStartupFailed, "no INIT within startup timeout", p.opts.StartupTimeout.String())

		case <-ctx.Done():
			p.kill()
			return errdefs.Wrap(ctx.Err(), errdefs.KindSandbox, errdefs.ReasonCancelled, "startup cancelled")
		}
	}
}

func (p *Process) startupFailure(msg string) error {
	select {
	case <-p.exited:
	case <-time.After(p.opts.ExitDrain):
		p.kill()
		<-p.exited
	}
	return errdefs.Sandbox(errdefs.ReasonStartupFailed, msg, p.exitDetail())
}

// Execute sends the request and supervises the child until a terminal
// message, a tripped limit, an exit or cancellation decides the outcome.
// The child may still be alive on return; Terminate reaps it.
func (p *Process) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	p.mu.Lock()
	if p.state != StateRunning || p.executed {
		st := p.state
		p.mu.Unlock()
		return nil, errdefs.Sandbox(errdefs.ReasonProtocolViolation, "process cannot accept a request", "state "+st.String())
	}
	p.executed = true
	p.mu.Unlock()

	timeout := protocol.ClampTimeout(req.Timeout, p.spec.Config.Limits().MaxWallTime)
	corr := uuid.NewString()

	// The pipe can fill if the child stops reading, so sending must not
	// block supervision.
	sent := make(chan error, 1)
	go func() {
		sent <- p.enc.Send(protocol.TypeExecRequest, corr, protocol.ExecRequest{
			Converter: req.Converter,
			Source:    string(req.Source),
			Input:     req.Input,
			Args:      req.Args,
			TimeoutMs: timeout.Milliseconds(),
		})
	}()

	return p.supervise(ctx, corr, timeout, sent)
}

func (p *Process) supervise(ctx context.Context, corr string, timeout time.Duration, sent <-chan error) (json.RawMessage, error) {
	limits := p.spec.Config.Limits()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	stale := p.opts.PollInterval * time.Duration(p.opts.HeartbeatMisses)
	lastBeat := time.Now()

	events := p.events
	exited := p.exited
	var drain <-chan time.Time

	for {
		select {
		case err := <-sent:
			sent = nil
			if err != nil {
				p.logger.Debug("request not delivered", "error", err)
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				if exited == nil {
					return nil, p.exitOutcome()
				}
				continue
			}
			lastBeat = time.Now()
			if data, done, err := p.handle(ev, corr, limits); done {
				return data, err
			}

		case <-exited:
			exited = nil
			if events == nil {
				return nil, p.exitOutcome()
			}
			// Let the reader deliver frames written just before exit.
			drain = time.After(p.opts.ExitDrain)

		case <-drain:
			return nil, p.exitOutcome()

		case <-deadline.C:
			return nil, p.abort(StateTimedOut, errdefs.Timeout("wall-clock limit exceeded",
				fmt.Sprintf("no result within %s", timeout)))

		case <-ticker.C:
			if exited == nil {
				continue
			}
			if since := time.Since(lastBeat); since > stale {
				return nil, p.abort(StateTimedOut, errdefs.Timeout("child stopped sending heartbeats",
					fmt.Sprintf("silent for %s", since.Round(time.Millisecond))))
			}
			if err := p.checkUsage(limits); err != nil {
				return nil, p.abort(StateResourceExceeded, err)
			}

		case <-ctx.Done():
			p.kill()
			return nil, errdefs.Wrap(ctx.Err(), errdefs.KindSandbox, errdefs.ReasonCancelled, "run cancelled")
		}
	}
}

// handle processes one frame. done is true once the outcome is decided.
func (p *Process) handle(ev event, corr string, limits policy.ResourceLimits) (json.RawMessage, bool, error) {
	if ev.err != nil {
		if errors.Is(ev.err, protocol.ErrFrameTooLarge) {
			return nil, true, p.abort(StateResourceExceeded, errdefs.Resource("output limit exceeded", ev.err.Error()))
		}
		return nil, true, p.violation("unreadable frame", ev.err.Error())
	}

	msg := ev.msg
	switch msg.Type {
	case protocol.TypeHeartbeat:
		return nil, false, nil

	case protocol.TypeLog:
		if err := p.relay(msg, limits); err != nil {
			return nil, true, err
		}
		return nil, false, nil

	case protocol.TypeExecResult:
		if msg.CorrelationID != corr {
			return nil, true, p.violation("result for unknown request", msg.CorrelationID)
		}
		var res protocol.ExecResult
		if err := msg.Decode(&res); err != nil {
			return nil, true, p.violation("undecodable result", err.Error())
		}
		if limits.MaxOutputBytes > 0 && int64(len(res.Data)) > limits.MaxOutputBytes {
			return nil, true, p.abort(StateResourceExceeded, errdefs.Resource("output limit exceeded",
				fmt.Sprintf("result is %s, limit %s", units.BytesSize(float64(len(res.Data))), units.BytesSize(float64(limits.MaxOutputBytes)))))
		}
		if !json.Valid(res.Data) {
			return nil, true, p.violation("result is not valid JSON", "")
		}
		p.transition(StateCompleted)
		p.logger.Debug("result received", "bytes", len(res.Data), "converter_ms", res.DurationMs)
		return res.Data, true, nil

	case protocol.TypeExecError:
		if msg.CorrelationID != corr {
			return nil, true, p.violation("error for unknown request", msg.CorrelationID)
		}
		var ee protocol.ExecError
		if err := msg.Decode(&ee); err != nil {
			return nil, true, p.violation("undecodable error", err.Error())
		}
		e := &errdefs.Error{Kind: errdefs.Kind(ee.Kind), Reason: errdefs.Reason(ee.Reason), Message: ee.Message, Detail: ee.Detail}
		if !e.Kind.Valid() {
			return nil, true, p.violation("error of unknown kind", ee.Kind)
		}
		p.transition(stateFor(e))
		return nil, true, e
	}

	return nil, true, p.violation("unexpected message", string(msg.Type))
}

func stateFor(e *errdefs.Error) State {
	switch e.Kind {
	case errdefs.KindTimeout:
		return StateTimedOut
	case errdefs.KindResource:
		return StateResourceExceeded
	case errdefs.KindSecurity:
		return StateSecurityViolation
	}
	return StateCrashed
}

func (p *Process) relay(msg protocol.Message, limits policy.ResourceLimits) error {
	var lp protocol.LogPayload
	if err := msg.Decode(&lp); err != nil {
		return p.violation("undecodable log", err.Error())
	}
	n := p.logBytes.Add(int64(len(lp.Message)))
	if limits.MaxOutputBytes > 0 && n+p.diag.Total() > limits.MaxOutputBytes {
		return p.abort(StateResourceExceeded, errdefs.Resource("output limit exceeded", "converter logs exceed the output limit"))
	}
	if !p.logLimit.Allow() {
		p.dropped.Add(1)
		return nil
	}
	p.logger.Log(context.Background(), slogLevel(lp.Level), "converter", "message", lp.Message)
	return nil
}

func slogLevel(l protocol.LogLevel) slog.Level {
	switch l {
	case protocol.LogDebug:
		return slog.LevelDebug
	case protocol.LogWarn:
		return slog.LevelWarn
	case protocol.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (p *Process) checkUsage(limits policy.ResourceLimits) *errdefs.Error {
	if limits.MaxOutputBytes > 0 {
		if n := p.diag.Total() + p.logBytes.Load(); n > limits.MaxOutputBytes {
			return errdefs.Resource("output limit exceeded",
				fmt.Sprintf("%s written, limit %s", units.BytesSize(float64(n)), units.BytesSize(float64(limits.MaxOutputBytes))))
		}
	}
	if p.ctrl.OOMKilled() {
		return errdefs.Resource("memory limit exceeded", "killed by the cgroup OOM killer")
	}

	u, err := p.ctrl.Usage()
	if err != nil {
		return nil
	}
	p.recordPeak(u)

	switch {
	case limits.MaxMemory > 0 && u.RSSBytes > limits.MaxMemory:
		return errdefs.Resource("memory limit exceeded",
			fmt.Sprintf("resident %s, limit %s", units.BytesSize(float64(u.RSSBytes)), units.BytesSize(float64(limits.MaxMemory))))
	case limits.MaxCPUTime > 0 && u.CPUTime > limits.MaxCPUTime:
		return errdefs.Resource("cpu time limit exceeded",
			fmt.Sprintf("used %s, limit %s", u.CPUTime, limits.MaxCPUTime))
	case u.Processes > 1+limits.MaxSubprocesses:
		return errdefs.Resource("subprocess limit exceeded",
			fmt.Sprintf("%d subprocesses, limit %d", u.Processes-1, limits.MaxSubprocesses))
	}
	return nil
}

func (p *Process) recordPeak(u Usage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.RSSBytes > p.peak.RSSBytes {
		p.peak.RSSBytes = u.RSSBytes
	}
	if u.CPUTime > p.peak.CPUTime {
		p.peak.CPUTime = u.CPUTime
	}
	if u.Processes > p.peak.Processes {
		p.peak.Processes = u.Processes
	}
}

// exitOutcome classifies an exit that happened without a terminal message.
func (p *Process) exitOutcome() error {
	limits := p.spec.Config.Limits()
	detail := p.exitDetail()
	sig := exitSignal(p.cmd.ProcessState)

	switch {
	case p.ctrl.OOMKilled() || strings.Contains(p.diag.String(), "runtime: out of memory"):
		p.transition(StateResourceExceeded)
		return errdefs.Resource("memory limit exceeded", detail)
	case sig == "SIGXCPU" || (sig == "SIGKILL" && !p.killed.Load() && p.cpuExhausted(limits)):
		p.transition(StateResourceExceeded)
		return errdefs.Resource("cpu time limit exceeded", detail)
	case sig == "SIGXFSZ":
		p.transition(StateResourceExceeded)
		return errdefs.Resource("output limit exceeded", detail)
	}
	p.transition(StateCrashed)
	return errdefs.Sandbox(errdefs.ReasonCrashed, "child exited unexpectedly", detail)
}

// cpuExhausted reports whether the last sample was within a second of the
// CPU limit, where the kernel's hard RLIMIT_CPU SIGKILL lands.
func (p *Process) cpuExhausted(limits policy.ResourceLimits) bool {
	if limits.MaxCPUTime <= 0 {
		return false
	}
	return p.PeakUsage().CPUTime >= limits.MaxCPUTime-time.Second
}

func (p *Process) trippedAfterResult(ctrl Controller) bool {
	select {
	case <-p.exited:
		return ctrl.OOMKilled() || exitSignal(p.cmd.ProcessState) == "SIGXCPU"
	default:
		return false
	}
}

func (p *Process) exitDetail() string {
	var b strings.Builder
	if ps := p.cmd.ProcessState; ps != nil {
		b.WriteString(ps.String())
	} else {
		b.WriteString("exit status unknown")
	}
	if out := strings.TrimSpace(p.diag.String()); out != "" {
		const tail = 2048
		if len(out) > tail {
			out = out[len(out)-tail:]
		}
		b.WriteString("; output: ")
		b.WriteString(out)
	}
	return b.String()
}

func (p *Process) violation(msg, detail string) error {
	return p.abort(StateCrashed, errdefs.Sandbox(errdefs.ReasonProtocolViolation, msg, detail))
}

func (p *Process) abort(state State, err *errdefs.Error) error {
	p.transition(state)
	p.kill()
	p.logger.Info("run aborted", "state", state, "kind", err.Kind, "reason", err.Reason, "message", err.Message)
	return err
}

func (p *Process) kill() {
	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()
	if ctrl == nil {
		return
	}
	p.killed.Store(true)
	if err := ctrl.Kill(); err != nil {
		p.logger.Warn("kill child", "error", err)
	}
}

// Terminate guarantees the child and its descendants are gone. It asks for
// a graceful exit, escalates to SIGTERM after the grace period and to
// SIGKILL after TermWait, and releases
// pipes and per-child host resources. Safe to call more than once.
func (p *Process) Terminate() error {
	p.termOnce.Do(func() {
		p.termErr = p.terminate()
	})
	return p.termErr
}

func (p *Process) terminate() error {
	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()

	defer close(p.done)
	if ctrl == nil {
		p.transition(StateTerminated)
		return nil
	}

	var errs []error
	select {
	case <-p.exited:
	default:
		if err := p.enc.Send(protocol.TypeShutdown, "", nil); err != nil {
			p.logger.Debug("send shutdown", "error", err)
		}
		select {
		case <-p.exited:
		case <-time.After(p.opts.GracePeriod):
			if err := ctrl.Interrupt(); err != nil {
				p.logger.Debug("interrupt child", "error", err)
			}
			select {
			case <-p.exited:
			case <-time.After(p.opts.TermWait):
				p.kill()
				select {
				case <-p.exited:
				case <-time.After(p.opts.KillWait):
					errs = append(errs, fmt.Errorf("child %d still running %s after SIGKILL", p.PID(), p.opts.KillWait))
				}
			}
		}
	}

	if n, err := ctrl.Sweep(); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		p.logger.Warn("killed descendants that outlived the child", "count", n)
	}

	if p.State() == StateCompleted && p.trippedAfterResult(ctrl) {
		p.logger.Warn("resource limit tripped after the result was delivered")
	}

	p.toChild.Close()
	p.fromChild.Close()
	if err := ctrl.Release(); err != nil {
		p.logger.Warn("release host resources", "error", err)
	}
	p.transition(StateTerminated)

	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrKillFailed, errors.Join(errs...))
		p.logger.Error("terminate", "error", err)
		return err
	}
	return nil
}
