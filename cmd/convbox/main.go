// Command convbox runs untrusted converters over input files inside
// single-use sandbox children.
//
//	convbox [-config convbox.yaml] [-trace] run -converter wats.go [-policy p.yaml] [-arg k=v] input...
//	convbox validate -converter wats.go [-policy p.yaml]
//	convbox runs [-limit 20]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-arndt/convbox/internal/admission"
	"github.com/p-arndt/convbox/internal/config"
	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/internal/reaper"
	"github.com/p-arndt/convbox/internal/runner"
	"github.com/p-arndt/convbox/internal/sandbox"
	"github.com/p-arndt/convbox/internal/store"
	"github.com/p-arndt/convbox/internal/validator"
	"github.com/p-arndt/convbox/internal/workspace"
)

const (
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	// The host binary is also the default sandbox child.
	if runner.IsChild() {
		runner.Main()
	}

	cfgPath := flag.String("config", "", "path to convbox.yaml")
	traceOut := flag.Bool("trace", false, "print run spans to stderr")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(exitUsage)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "convbox: load config: %v\n", err)
		os.Exit(exitUsage)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var code int
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "run":
		code = runCmd(ctx, cfg, logger, *traceOut, args)
	case "validate":
		code = validateCmd(cfg, logger, args)
	case "runs":
		code = runsCmd(cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "convbox: unknown command %q\n", cmd)
		usage()
		code = exitUsage
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: convbox [flags] <command> [args]

commands:
  run       run a converter over one or more input files
  validate  statically check a converter without running it
  runs      list recorded runs

flags:
`)
	flag.PrintDefaults()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	// stdout carries outcomes.
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// argFlags collects repeated -arg key=value flags.
type argFlags map[string]string

func (a argFlags) String() string {
	parts := make([]string, 0, len(a))
	for k, v := range a {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (a argFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("want key=value, got %q", s)
	}
	a[k] = v
	return nil
}

func runCmd(ctx context.Context, cfg *config.Config, logger *slog.Logger, traceOut bool, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	converter := fs.String("converter", "", "converter source file")
	policyPath := fs.String("policy", "", "per-run policy file (capabilities, limits, env allow-list)")
	convArgs := argFlags{}
	fs.Var(convArgs, "arg", "converter argument key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *converter == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "convbox run: -converter and at least one input file are required")
		return exitUsage
	}

	runCfg, err := runPolicy(cfg, *policyPath)
	if err != nil {
		logger.Error("policy", "error", err)
		return exitUsage
	}
	defaults, err := cfg.Limits.Resolve()
	if err != nil {
		logger.Error("default limits", "error", err)
		return exitUsage
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		logger.Error("open store", "error", err)
		return exitFailed
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tp, err := newTracerProvider(traceOut)
	if err != nil {
		logger.Error("tracing", "error", err)
		return exitFailed
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	mode := admission.Wait
	if cfg.RejectWhenFull() {
		mode = admission.Reject
	}
	host := sandbox.NewPlatformHost(hostOptions(cfg), logger)
	logger.Info("sandbox host ready", "cgroups", host.CgroupsEnabled(), "namespaces", cfg.Isolation.Namespaces)
	sb := sandbox.New(sandbox.Options{
		Logger:         logger,
		Validator:      validator.New(validator.WithBlockedImports(cfg.BlockedImports...)),
		Host:           host,
		Runtime:        cfg.Runtime.Options(),
		Recorder:       st,
		Registerer:     reg,
		TracerProvider: tp,
		MaxConcurrent:  cfg.MaxConcurrentSandboxes,
		Admission:      mode,
		DefaultLimits:  defaults,
	})

	rctx, cancelReaper := context.WithCancel(ctx)
	defer cancelReaper()
	rpr := reaper.New(st, host, workspace.NewManager(runCfg.Root()),
		time.Duration(cfg.Reaper.IntervalSeconds)*time.Second,
		time.Duration(cfg.Reaper.RetentionSeconds)*time.Second,
		logger)
	rpr.SetRunTracker(sb)
	// Leftovers of a crashed host are reclaimed before new runs start.
	rpr.Reconcile(rctx)
	go rpr.Run(rctx)

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer srv.Close()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sb.Shutdown(sctx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	ref := sandbox.ConverterRef{Path: *converter, Args: convArgs}
	return runInputs(ctx, sb, ref, runCfg, fs.Args(), logger)
}

// runInputs converts every input concurrently, bounded by admission, and
// prints one outcome per line in input order.
func runInputs(ctx context.Context, sb *sandbox.Sandbox, ref sandbox.ConverterRef, cfg policy.Config, inputs []string, logger *slog.Logger) int {
	payloads := make([][]byte, len(inputs))
	for i, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("read input", "path", path, "error", err)
			return exitUsage
		}
		payloads[i] = data
	}

	outs := make([]sandbox.Outcome, len(inputs))
	var wg sync.WaitGroup
	for i := range payloads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = sb.Run(ctx, ref, payloads[i], cfg)
		}(i)
	}
	wg.Wait()

	enc := json.NewEncoder(os.Stdout)
	code := 0
	for i, out := range outs {
		line := struct {
			Input string `json:"input"`
			sandbox.Outcome
		}{inputs[i], out}
		if err := enc.Encode(line); err != nil {
			logger.Error("write outcome", "error", err)
			return exitFailed
		}
		if !out.OK {
			code = exitFailed
		}
	}
	return code
}

func validateCmd(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	converter := fs.String("converter", "", "converter source file")
	policyPath := fs.String("policy", "", "per-run policy file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *converter == "" {
		fmt.Fprintln(os.Stderr, "convbox validate: -converter is required")
		return exitUsage
	}
	runCfg, err := runPolicy(cfg, *policyPath)
	if err != nil {
		logger.Error("policy", "error", err)
		return exitUsage
	}

	sb := sandbox.New(sandbox.Options{
		Logger:    logger,
		Validator: validator.New(validator.WithBlockedImports(cfg.BlockedImports...)),
		Host:      sandbox.NewPlatformHost(sandbox.HostOptions{}, logger),
	})
	res, err := sb.ValidateConverter(sandbox.ConverterRef{Path: *converter}, runCfg)
	if err != nil {
		logger.Error("validate", "error", err)
		return exitUsage
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return exitFailed
	}
	if !res.OK {
		return exitFailed
	}
	return 0
}

func runsCmd(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of runs to list, newest first (0 = all)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "convbox runs: %v\n", err)
		return exitFailed
	}
	defer st.Close()

	runs, err := st.ListRuns(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "convbox runs: %v\n", err)
		return exitFailed
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			return exitFailed
		}
	}
	return 0
}

func hostOptions(cfg *config.Config) sandbox.HostOptions {
	opts := sandbox.HostOptions{
		Namespaces:      cfg.Isolation.Namespaces,
		ThreadAllowance: cfg.Isolation.ThreadAllowance,
	}
	if cfg.Isolation.Cgroups {
		opts.CgroupRoot = cfg.Isolation.CgroupRoot
	}
	return opts
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	return srv
}
