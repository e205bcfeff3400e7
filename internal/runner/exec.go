package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/p-arndt/convbox/internal/errdefs"
	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/internal/validator"
	"github.com/p-arndt/convbox/protocol"
)

// EntryPoint is the function every converter must define.
const EntryPoint = "Convert"

func (s *server) convert(req protocol.ExecRequest) (json.RawMessage, error) {
	src := []byte(req.Source)
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, errdefs.Sandbox(errdefs.ReasonConverterFailed, "converter is empty", req.Converter)
	}

	// The host validated this source; refuse anything it could not have
	// approved for this capability set.
	imports, err := validator.ImportPaths(src)
	if err != nil {
		return nil, errdefs.Security("converter does not parse", err.Error())
	}
	exposed := make(map[string]bool)
	for _, p := range validator.ExposedImports(s.caps) {
		exposed[p] = true
	}
	for _, p := range imports {
		if !exposed[p] {
			return nil, errdefs.Security("import not available in the sandbox", p)
		}
	}
	pkg, err := validator.PackageName(src)
	if err != nil {
		return nil, errdefs.Security("converter does not parse", err.Error())
	}

	g := newGuard(s.boot.WorkDir)
	i := interp.New(interp.Options{
		GoPath: s.boot.WorkDir,
		Env:    s.interpEnv(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err := i.Use(s.exports(g)); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindSandbox, errdefs.ReasonCrashed, "load converter symbols")
	}

	ctx := context.Background()
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	if err := evalSource(ctx, i, string(src)); err != nil {
		return nil, err
	}

	fn, err := i.Eval(pkg + "." + EntryPoint)
	if err != nil {
		return nil, errdefs.Sandbox(errdefs.ReasonConverterFailed, "converter has no "+EntryPoint+" function", err.Error())
	}

	data, err := call(fn, req.Input, req.Args)
	if denials := g.Denials(); len(denials) > 0 {
		return nil, errdefs.Security("converter accessed a path outside its run directory", strings.Join(denials, "; "))
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, errdefs.Sandbox(errdefs.ReasonConverterFailed, "converter returned invalid JSON", req.Converter)
	}
	return data, nil
}

func evalSource(ctx context.Context, i *interp.Interpreter, src string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errdefs.Sandbox(errdefs.ReasonCrashed, "converter panicked during load", fmt.Sprint(r))
		}
	}()
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return errdefs.Sandbox(errdefs.ReasonConverterFailed, "converter failed to load", err.Error())
	}
	return nil
}

func call(fn reflect.Value, input []byte, args map[string]string) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = errdefs.Sandbox(errdefs.ReasonCrashed, "converter panicked", fmt.Sprint(r))
		}
	}()

	var cerr error
	switch f := fn.Interface().(type) {
	case func([]byte) ([]byte, error):
		data, cerr = f(input)
	case func([]byte, map[string]string) ([]byte, error):
		if args == nil {
			args = map[string]string{}
		}
		data, cerr = f(input, args)
	case func([]byte) (any, error):
		var res any
		res, cerr = f(input)
		if cerr == nil {
			var merr error
			if data, merr = json.Marshal(res); merr != nil {
				return nil, errdefs.Sandbox(errdefs.ReasonConverterFailed, "converter result is not serialisable", merr.Error())
			}
		}
	default:
		return nil, errdefs.Sandbox(errdefs.ReasonConverterFailed, "unsupported "+EntryPoint+" signature", fn.Type().String())
	}
	if cerr != nil {
		return nil, errdefs.Sandbox(errdefs.ReasonConverterFailed, cerr.Error(), "")
	}
	return data, nil
}

// interpEnv is what os.Getenv and friends see inside the interpreter.
func (s *server) interpEnv() []string {
	if !s.caps.Has(policy.ReadEnvironment) {
		// Never nil: the interpreter falls back to the process environment.
		return []string{}
	}
	// The host already filtered the environment to the allow-list plus the
	// sandbox marker, and the bootstrap variables are gone by now.
	env := os.Environ()
	if !slices.Contains(env, protocol.EnvMarker+"=1") {
		env = append(env, protocol.EnvMarker+"=1")
	}
	return env
}

// exports builds the symbol table for the capability set: only exposed
// packages, per-symbol filtering for mixed-risk packages, and confined
// filesystem functions.
func (s *server) exports(g *guard) interp.Exports {
	out := interp.Exports{}
	for _, p := range validator.ExposedImports(s.caps) {
		key := p + "/" + path.Base(p)
		if p == protocol.LogImportPath {
			out[key] = s.logExports()
			continue
		}
		syms, ok := stdlib.Symbols[key]
		if !ok {
			continue
		}
		filtered := make(map[string]reflect.Value, len(syms))
		for name, v := range syms {
			if validator.Guarded(p) {
				rule, _ := validator.SymbolRule(p, name)
				if !rule.Allowed(s.caps) {
					continue
				}
			}
			filtered[name] = v
		}
		g.override(p, filtered)
		out[key] = filtered
	}
	return out
}

func (s *server) logExports() map[string]reflect.Value {
	return map[string]reflect.Value{
		"Printf": reflect.ValueOf(func(format string, args ...any) {
			s.emit(protocol.LogInfo, fmt.Sprintf(format, args...))
		}),
		"Debug": reflect.ValueOf(func(args ...any) { s.emit(protocol.LogDebug, fmt.Sprint(args...)) }),
		"Info":  reflect.ValueOf(func(args ...any) { s.emit(protocol.LogInfo, fmt.Sprint(args...)) }),
		"Warn":  reflect.ValueOf(func(args ...any) { s.emit(protocol.LogWarn, fmt.Sprint(args...)) }),
		"Error": reflect.ValueOf(func(args ...any) { s.emit(protocol.LogError, fmt.Sprint(args...)) }),
	}
}
