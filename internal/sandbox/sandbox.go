// Package sandbox is the entry point for running converters. A run is
// validated, admitted, executed in exactly one fresh child and always torn
// down before Run returns.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/convbox/internal/admission"
	"github.com/p-arndt/convbox/internal/errdefs"
	"github.com/p-arndt/convbox/internal/metrics"
	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/internal/runtime"
	"github.com/p-arndt/convbox/internal/store"
	"github.com/p-arndt/convbox/internal/validator"
	"github.com/p-arndt/convbox/internal/workspace"
)

const tracerName = "github.com/p-arndt/convbox/internal/sandbox"

// Recorder keeps the audit trail of runs. *store.Store implements it.
type Recorder interface {
	CreateRun(run *store.Run) error
	SetRunProcess(id string, pid int, cgroupPath string) error
	FinishRun(id string, res store.Result) error
}

type Options struct {
	Logger    *slog.Logger
	Validator *validator.Validator
	// Host launches children. Nil means NewPlatformHost with no cgroups or
	// namespaces.
	Host    runtime.Host
	Runtime runtime.Options
	// Recorder is optional.
	Recorder Recorder
	// Registerer receives the run metrics. Nil leaves them unregistered.
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider

	MaxConcurrent int
	Admission     admission.Mode
	// DefaultLimits fill the limits a run's config leaves unset, before the
	// built-in defaults.
	DefaultLimits policy.ResourceLimits
}

type Sandbox struct {
	logger      *slog.Logger
	validator   *validator.Validator
	host        runtime.Host
	runtimeOpts runtime.Options
	recorder    Recorder
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	admission   *admission.Controller
	registry    *Registry
	defaults    policy.ResourceLimits

	closing context.Context
	stop    context.CancelFunc
}

func New(opts Options) *Sandbox {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Validator == nil {
		opts.Validator = validator.New()
	}
	if opts.Host == nil {
		opts.Host = NewPlatformHost(HostOptions{}, opts.Logger)
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	closing, stop := context.WithCancel(context.Background())
	return &Sandbox{
		logger:      opts.Logger,
		validator:   opts.Validator,
		host:        opts.Host,
		runtimeOpts: opts.Runtime,
		recorder:    opts.Recorder,
		metrics:     metrics.New(opts.Registerer),
		tracer:      opts.TracerProvider.Tracer(tracerName),
		admission:   admission.New(opts.MaxConcurrent, opts.Admission),
		registry:    NewRegistry(),
		defaults:    opts.DefaultLimits,
		closing:     closing,
		stop:        stop,
	}
}

// Run executes one converter over input under cfg. It never retries, and
// the child it created is gone when it returns.
func (s *Sandbox) Run(ctx context.Context, ref ConverterRef, input []byte, cfg policy.Config) Outcome {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "convbox.run", trace.WithAttributes(
		attribute.String("converter", ref.DisplayName()),
		attribute.Int("input_bytes", len(input)),
	))
	defer span.End()

	runID, data, err := s.run(ctx, ref, input, cfg)

	var out Outcome
	label := metrics.OutcomeOK
	if err != nil {
		out = failed(runID, err)
		label = string(out.Error.Kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, out.Error.Message)
		span.SetAttributes(
			attribute.String("error.kind", string(out.Error.Kind)),
			attribute.String("error.reason", string(out.Error.Reason)),
		)
	} else {
		out = succeeded(runID, data)
		span.SetStatus(codes.Ok, "")
	}
	s.metrics.RunFinished(label, time.Since(start))
	return out
}

func (s *Sandbox) run(ctx context.Context, ref ConverterRef, input []byte, cfg policy.Config) (runID string, data json.RawMessage, err error) {
	if cfg.IsZero() {
		return "", nil, errdefs.Configuration("sandbox config is required")
	}
	name := ref.DisplayName()
	src, err := ref.load()
	if err != nil {
		return "", nil, err
	}

	_, vspan := s.tracer.Start(ctx, "convbox.validate")
	res := s.validator.Validate(name, src, cfg.Capabilities())
	vspan.End()
	if !res.OK {
		s.metrics.ValidationRejected()
		s.logger.Warn("converter rejected", "converter", name, "violations", len(res.Violations))
		return "", nil, res.Err()
	}

	limits := cfg.Limits().MergedWith(s.defaults)
	cfg = cfg.WithLimits(limits)

	release, err := s.admission.Acquire(ctx)
	if err != nil {
		return "", nil, s.admissionError(ctx, err)
	}
	defer release()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.closing, cancel)()

	runID = uuid.NewString()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("run_id", runID))
	logger := s.logger.With("run_id", runID, "converter", name)

	ws := workspace.NewManager(cfg.Root())
	workDir, err := ws.Create(runID)
	if err != nil {
		return runID, nil, errdefs.Wrap(err, errdefs.KindSandbox, errdefs.ReasonStartupFailed, "create run directory")
	}
	defer func() {
		if derr := ws.Delete(runID); derr != nil {
			logger.Warn("remove run directory", "error", derr)
		}
	}()

	proc := runtime.New(runtime.Spec{
		ID:      runID,
		Config:  cfg,
		WorkDir: workDir,
		Env:     childEnv(cfg),
	}, s.host, s.runtimeOpts, s.logger.With("converter", name))

	s.registry.Add(proc)
	s.metrics.SetActive(s.registry.Len())
	s.recordStart(logger, runID, name, src, cfg)
	defer func() {
		s.teardown(ctx, proc, logger)
		if errors.Is(err, errdefs.ErrCancelled) && s.closing.Err() != nil && parent.Err() == nil {
			err = errdefs.Sandbox(errdefs.ReasonRejected, "sandbox is shutting down", "run cancelled by Shutdown")
		}
		s.recordFinish(logger, runID, proc, err)
	}()

	logger.Debug("run admitted", "limits", limits.String(), "capabilities", cfg.Capabilities().String())

	sctx, sspan := s.tracer.Start(ctx, "convbox.start")
	err = proc.Start(sctx)
	sspan.End()
	if err != nil {
		return runID, nil, err
	}
	if s.recorder != nil {
		if rerr := s.recorder.SetRunProcess(runID, proc.PID(), proc.Isolation().Cgroup); rerr != nil {
			logger.Warn("record run process", "error", rerr)
		}
	}

	ectx, espan := s.tracer.Start(ctx, "convbox.execute")
	data, err = proc.Execute(ectx, runtime.Request{
		Converter: name,
		Source:    src,
		Input:     input,
		Args:      ref.Args,
		Timeout:   limits.MaxWallTime,
	})
	espan.End()
	if err != nil {
		return runID, nil, err
	}
	logger.Info("run completed", "bytes", len(data), "peak_rss", proc.PeakUsage().RSSBytes)
	return runID, data, nil
}

func (s *Sandbox) teardown(ctx context.Context, proc *runtime.Process, logger *slog.Logger) {
	_, span := s.tracer.Start(ctx, "convbox.terminate")
	defer span.End()

	if err := proc.Terminate(); err != nil {
		// The outcome already decided stands; the failed kill is reported
		// on its own.
		s.metrics.KillFailed()
		span.RecordError(err)
		logger.Error("child teardown incomplete", "error", err)
	}
	s.metrics.DroppedLogs(proc.DroppedLogs())
	s.metrics.PeakRSS(proc.PeakUsage().RSSBytes)
	s.registry.Remove(proc.ID())
	s.metrics.SetActive(s.registry.Len())
}

func (s *Sandbox) admissionError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, admission.ErrFull):
		s.metrics.Rejected()
		return errdefs.Sandbox(errdefs.ReasonRejected, "no sandbox slot available",
			fmt.Sprintf("%d of %d slots in use", s.admission.InUse(), s.admission.Capacity()))
	case errors.Is(err, admission.ErrClosed):
		s.metrics.Rejected()
		return errdefs.Sandbox(errdefs.ReasonRejected, "sandbox is shutting down", "")
	case ctx.Err() != nil:
		return errdefs.Wrap(ctx.Err(), errdefs.KindSandbox, errdefs.ReasonCancelled, "cancelled while waiting for a sandbox slot")
	}
	return errdefs.Wrap(err, errdefs.KindSandbox, errdefs.ReasonRejected, "admission failed")
}

// childEnv is the host environment the child may see: allow-listed
// variables, and only when the run may read the environment.
func childEnv(cfg policy.Config) []string {
	if !cfg.Capabilities().Has(policy.ReadEnvironment) {
		return nil
	}
	var env []string
	for _, name := range cfg.EnvAllowList() {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

func (s *Sandbox) recordStart(logger *slog.Logger, runID, name string, src []byte, cfg policy.Config) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.CreateRun(&store.Run{
		ID:           runID,
		Converter:    name,
		SourceDigest: Digest(src),
		Capabilities: cfg.Capabilities().String(),
		HostPID:      os.Getpid(),
		Status:       store.StatusRunning,
		StartedAt:    time.Now(),
	}); err != nil {
		logger.Warn("record run", "error", err)
	}
}

func (s *Sandbox) recordFinish(logger *slog.Logger, runID string, proc *runtime.Process, runErr error) {
	if s.recorder == nil {
		return
	}
	peak := proc.PeakUsage()
	res := store.Result{OK: runErr == nil, PeakRSS: peak.RSSBytes, PeakCPU: peak.CPUTime}
	if runErr != nil {
		e := errdefs.As(runErr)
		res.ErrorKind = string(e.Kind)
		res.ErrorReason = string(e.Reason)
		res.Message = e.Message
	}
	if err := s.recorder.FinishRun(runID, res); err != nil {
		logger.Warn("record run outcome", "error", err)
	}
}

// ValidateConverter runs the static check alone, without spawning anything.
func (s *Sandbox) ValidateConverter(ref ConverterRef, cfg policy.Config) (validator.Result, error) {
	src, err := ref.load()
	if err != nil {
		return validator.Result{}, err
	}
	return s.validator.Validate(ref.DisplayName(), src, cfg.Capabilities()), nil
}

// Active is the number of runs that currently own a child.
func (s *Sandbox) Active() int { return s.registry.Len() }

// IsActive reports whether runID belongs to a live run of this sandbox.
func (s *Sandbox) IsActive(runID string) bool {
	_, ok := s.registry.Get(runID)
	return ok
}

// Shutdown stops admitting runs and cancels the ones in flight, which
// terminates their children. If ctx ends first, the remaining children are
// terminated directly and ctx's error is returned.
func (s *Sandbox) Shutdown(ctx context.Context) error {
	s.admission.Close()
	s.stop()

	select {
	case <-s.registry.Drained():
		return nil
	case <-ctx.Done():
	}

	var g errgroup.Group
	for _, p := range s.registry.Snapshot() {
		g.Go(p.Terminate)
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
