// Package validator statically checks converter source against the
// capabilities a run is granted, before any child process exists.
package validator

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/p-arndt/convbox/internal/errdefs"
	"github.com/p-arndt/convbox/internal/policy"
)

// Violation rule names.
const (
	RuleSyntax          = "syntax"
	RuleForbiddenImport = "forbidden-import"
	RuleForbiddenSymbol = "forbidden-symbol"
	RuleCapability      = "capability"
	RuleUnknownImport   = "unknown-import"
	RuleUnknownSymbol   = "unknown-symbol"
	RuleDotImport       = "dot-import"
	RuleDirective       = "directive"
)

const maxSyntaxErrors = 10

type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
	Line   int    `json:"line,omitempty"`
}

type Result struct {
	OK         bool                `json:"ok"`
	Violations []Violation         `json:"violations,omitempty"`
	Requires   []policy.Capability `json:"requires,omitempty"`
}

// Err converts a failed result into a SandboxSecurityError.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	details := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		details = append(details, v.Rule+": "+v.Detail)
	}
	return errdefs.Security(
		fmt.Sprintf("converter validation failed: %d violation(s)", len(r.Violations)),
		strings.Join(details, "; "),
	)
}

// Validator holds the immutable rule table plus any extra blocked imports.
// It is safe for concurrent use.
type Validator struct {
	blocked map[string]string
}

type Option func(*Validator)

// WithBlockedImports forbids additional import paths (or path prefixes
// ending in "/...").
func WithBlockedImports(paths ...string) Option {
	return func(v *Validator) {
		for _, p := range paths {
			p = strings.TrimSpace(p)
			if p != "" {
				v.blocked[p] = "blocked by configuration"
			}
		}
	}
}

func New(opts ...Option) *Validator {
	v := &Validator{blocked: make(map[string]string)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateFile reads and validates a converter file.
func (v *Validator) ValidateFile(filename string, caps policy.CapabilitySet) (Result, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return Result{}, fmt.Errorf("read converter %s: %w", filename, err)
	}
	return v.Validate(filename, src, caps), nil
}

// Validate parses src and walks its imports, selectors and directives.
// An empty source is valid.
func (v *Validator) Validate(filename string, src []byte, caps policy.CapabilitySet) Result {
	c := &check{caps: caps, blocked: v.blocked, seen: make(map[string]bool), requires: make(map[policy.Capability]bool)}

	if len(bytes.TrimSpace(src)) == 0 {
		return c.result()
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments|parser.AllErrors)
	if err != nil {
		c.syntax(err)
	}
	if file == nil {
		return c.result()
	}

	c.fset = fset
	c.directives(file)
	c.imports(file)
	c.selectors(file)
	return c.result()
}

type check struct {
	caps       policy.CapabilitySet
	blocked    map[string]string
	fset       *token.FileSet
	aliases    map[string]string
	violations []Violation
	seen       map[string]bool
	requires   map[policy.Capability]bool
}

func (c *check) add(rule, detail string, pos token.Pos) {
	key := rule + "\x00" + detail
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	line := 0
	if c.fset != nil && pos.IsValid() {
		line = c.fset.Position(pos).Line
	}
	c.violations = append(c.violations, Violation{Rule: rule, Detail: detail, Line: line})
}

func (c *check) result() Result {
	r := Result{OK: len(c.violations) == 0, Violations: c.violations}
	r.Requires = policy.NewCapabilitySet(keys(c.requires)...).List()
	return r
}

func keys(m map[policy.Capability]bool) []policy.Capability {
	out := make([]policy.Capability, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (c *check) syntax(err error) {
	var list scanner.ErrorList
	if errors.As(err, &list) {
		for i, e := range list {
			if i == maxSyntaxErrors {
				break
			}
			c.violations = append(c.violations, Violation{Rule: RuleSyntax, Detail: e.Msg, Line: e.Pos.Line})
		}
		return
	}
	c.violations = append(c.violations, Violation{Rule: RuleSyntax, Detail: err.Error()})
}

func (c *check) directives(file *ast.File) {
	for _, group := range file.Comments {
		for _, cm := range group.List {
			text := cm.Text
			switch {
			case strings.HasPrefix(text, "//go:linkname"):
				c.add(RuleDirective, "//go:linkname reaches unexported runtime symbols", cm.Pos())
			case strings.HasPrefix(text, "//go:cgo_"):
				c.add(RuleDirective, "cgo directives are not allowed", cm.Pos())
			case strings.HasPrefix(text, "//go:embed"):
				c.add(RuleDirective, "//go:embed reads host files", cm.Pos())
			}
		}
	}
}

func (c *check) imports(file *ast.File) {
	c.aliases = make(map[string]string)
	for _, spec := range file.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			c.add(RuleSyntax, "bad import path "+spec.Path.Value, spec.Pos())
			continue
		}

		name := path.Base(p)
		if spec.Name != nil {
			name = spec.Name.Name
		}
		if name == "." {
			c.add(RuleDotImport, fmt.Sprintf("dot import of %q hides selectors from analysis", p), spec.Pos())
		}
		if name != "_" && name != "." {
			c.aliases[name] = p
		}

		c.checkImport(p, spec.Pos())
	}
}

func (c *check) checkImport(p string, pos token.Pos) {
	if reason, ok := c.blockedReason(p); ok {
		c.add(RuleForbiddenImport, fmt.Sprintf("import %q: %s", p, reason), pos)
		return
	}
	rule := ImportRule(p)
	switch rule.Class {
	case ClassForbidden:
		c.add(RuleForbiddenImport, fmt.Sprintf("import %q: %s", p, rule.Reason), pos)
	case ClassGated:
		c.requires[rule.Capability] = true
		if !c.caps.Has(rule.Capability) {
			c.add(RuleCapability, fmt.Sprintf("import %q requires %s", p, rule.Capability), pos)
		}
	case ClassUnknown:
		c.add(RuleUnknownImport, fmt.Sprintf("import %q is not in the rule table", p), pos)
	}
}

func (c *check) blockedReason(p string) (string, bool) {
	for b, reason := range c.blocked {
		if strings.HasSuffix(b, "/...") {
			prefix := strings.TrimSuffix(b, "/...")
			if p == prefix || strings.HasPrefix(p, prefix+"/") {
				return reason, true
			}
			continue
		}
		if p == b {
			return reason, true
		}
	}
	return "", false
}

func (c *check) selectors(file *ast.File) {
	ast.Inspect(file, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok || ident.Obj != nil {
			return true
		}
		p, ok := c.aliases[ident.Name]
		if !ok {
			return true
		}
		rule, guarded := SymbolRule(p, sel.Sel.Name)
		if !guarded {
			return true
		}
		qualified := ident.Name + "." + sel.Sel.Name
		switch rule.Class {
		case ClassForbidden:
			c.add(RuleForbiddenSymbol, fmt.Sprintf("%s: %s", qualified, rule.Reason), sel.Pos())
		case ClassGated:
			c.requires[rule.Capability] = true
			if !c.caps.Has(rule.Capability) {
				c.add(RuleCapability, fmt.Sprintf("%s requires %s", qualified, rule.Capability), sel.Pos())
			}
		case ClassUnknown:
			c.add(RuleUnknownSymbol, fmt.Sprintf("%s is not in the rule table", qualified), sel.Pos())
		}
		return true
	})
}

// ImportPaths returns the import paths of src, or an error if it does not
// parse. Used by the child to re-check what a converter loads.
func ImportPaths(src []byte) ([]string, error) {
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, nil
	}
	file, err := parser.ParseFile(token.NewFileSet(), "converter.go", src, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(file.Imports))
	for _, spec := range file.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PackageName returns the package clause of src.
func PackageName(src []byte) (string, error) {
	file, err := parser.ParseFile(token.NewFileSet(), "converter.go", src, parser.PackageClauseOnly)
	if err != nil {
		return "", err
	}
	return file.Name.Name, nil
}
