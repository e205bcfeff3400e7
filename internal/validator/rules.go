package validator

import (
	"strings"

	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/protocol"
)

type Class int

const (
	ClassUnknown Class = iota
	ClassSafe
	ClassGated
	ClassForbidden
)

// Rule is one row of the static rule table.
type Rule struct {
	Class      Class
	Capability policy.Capability
	Reason     string
}

func safe() Rule { return Rule{Class: ClassSafe} }

func gated(c policy.Capability) Rule { return Rule{Class: ClassGated, Capability: c} }

func forbidden(reason string) Rule { return Rule{Class: ClassForbidden, Reason: reason} }

var safeImports = []string{
	"bufio", "bytes", "cmp", "compress/gzip", "compress/zlib",
	"container/heap", "container/list", "context",
	"crypto/md5", "crypto/sha1", "crypto/sha256", "crypto/sha512",
	"encoding", "encoding/base64", "encoding/binary", "encoding/csv",
	"encoding/hex", "encoding/json", "encoding/xml",
	"errors", "fmt", "hash", "hash/crc32", "hash/fnv", "html",
	"io", "io/fs", "maps", "math", "math/big", "math/bits", "math/rand",
	"mime", "net/url", "path", "regexp", "slices", "sort", "strconv",
	"strings", "text/tabwriter", "time", "unicode", "unicode/utf16",
	"unicode/utf8",
	// Symbols of these two are checked individually.
	"os", "path/filepath",
	protocol.LogImportPath,
}

var gatedImports = map[string]policy.Capability{
	"net":               policy.Network,
	"net/http":          policy.Network,
	"net/http/httputil": policy.Network,
	"net/rpc":           policy.Network,
	"net/smtp":          policy.Network,
	"net/textproto":     policy.Network,
	"crypto/tls":        policy.Network,
	"os/exec":           policy.SpawnSubprocess,
}

var forbiddenImports = map[string]string{
	"C":             "cgo",
	"unsafe":        "unsafe memory access",
	"reflect":       "reflection can reach unexported state",
	"plugin":        "dynamic code loading",
	"syscall":       "raw system calls",
	"os/signal":     "signal handling",
	"os/user":       "host account lookup",
	"io/ioutil":     "unchecked file helpers",
	"debug/elf":     "binary introspection",
	"text/template": "template execution",
	"html/template": "template execution",
}

var forbiddenPrefixes = map[string]string{
	"runtime":                  "runtime control",
	"internal":                 "internal packages",
	"golang.org/x/sys":         "raw system calls",
	"github.com/traefik/yaegi": "dynamic code evaluation",
}

// guardedSymbols lists every symbol a converter may reference in packages
// whose members have mixed risk. Anything missing is unknown.
var guardedSymbols = map[string]map[string]Rule{
	"os": {
		"ReadFile": gated(policy.ReadFilesystem),
		"Open":     gated(policy.ReadFilesystem),
		"ReadDir":  gated(policy.ReadFilesystem),
		"Stat":     gated(policy.ReadFilesystem),
		"Lstat":    gated(policy.ReadFilesystem),
		"DirFS":    gated(policy.ReadFilesystem),
		"Readlink": gated(policy.ReadFilesystem),
		"Getwd":    gated(policy.ReadFilesystem),

		"WriteFile":  gated(policy.WriteFilesystem),
		"Create":     gated(policy.WriteFilesystem),
		"CreateTemp": gated(policy.WriteFilesystem),
		"MkdirTemp":  gated(policy.WriteFilesystem),
		"OpenFile":   gated(policy.WriteFilesystem),
		"Mkdir":      gated(policy.WriteFilesystem),
		"MkdirAll":   gated(policy.WriteFilesystem),
		"Remove":     gated(policy.WriteFilesystem),
		"RemoveAll":  gated(policy.WriteFilesystem),
		"Rename":     gated(policy.WriteFilesystem),
		"Chmod":      gated(policy.WriteFilesystem),
		"Chtimes":    gated(policy.WriteFilesystem),
		"Truncate":   gated(policy.WriteFilesystem),
		"Symlink":    gated(policy.WriteFilesystem),
		"Link":       gated(policy.WriteFilesystem),

		"Getenv":    gated(policy.ReadEnvironment),
		"LookupEnv": gated(policy.ReadEnvironment),
		"Environ":   gated(policy.ReadEnvironment),
		"ExpandEnv": gated(policy.ReadEnvironment),

		"StartProcess": gated(policy.SpawnSubprocess),
		"FindProcess":  gated(policy.SpawnSubprocess),

		"Exit":       forbidden("terminates the sandbox host"),
		"Chdir":      forbidden("changes the sandbox working directory"),
		"Setenv":     forbidden("mutates the environment"),
		"Unsetenv":   forbidden("mutates the environment"),
		"Clearenv":   forbidden("mutates the environment"),
		"Executable": forbidden("exposes the host binary"),
		"NewFile":    forbidden("wraps raw descriptors"),
		"Pipe":       forbidden("creates raw descriptors"),
		"Chown":      forbidden("changes ownership"),
		"Lchown":     forbidden("changes ownership"),

		"IsExist":             safe(),
		"IsNotExist":          safe(),
		"IsPermission":        safe(),
		"IsTimeout":           safe(),
		"ErrExist":            safe(),
		"ErrNotExist":         safe(),
		"ErrPermission":       safe(),
		"ErrClosed":           safe(),
		"ErrInvalid":          safe(),
		"ErrDeadlineExceeded": safe(),
		"File":                safe(),
		"FileInfo":            safe(),
		"FileMode":            safe(),
		"DirEntry":            safe(),
		"PathError":           safe(),
		"LinkError":           safe(),
		"ModeDir":             safe(),
		"ModePerm":            safe(),
		"ModeAppend":          safe(),
		"ModeSymlink":         safe(),
		"ModeType":            safe(),
		"O_RDONLY":            safe(),
		"O_WRONLY":            safe(),
		"O_RDWR":              safe(),
		"O_APPEND":            safe(),
		"O_CREATE":            safe(),
		"O_EXCL":              safe(),
		"O_TRUNC":             safe(),
		"PathSeparator":       safe(),
		"PathListSeparator":   safe(),
		"DevNull":             safe(),
		"Stdout":              safe(),
		"Stderr":              safe(),
	},
	"path/filepath": {
		"Walk":         gated(policy.ReadFilesystem),
		"WalkDir":      gated(policy.ReadFilesystem),
		"Glob":         gated(policy.ReadFilesystem),
		"EvalSymlinks": gated(policy.ReadFilesystem),

		"Abs":           safe(),
		"Base":          safe(),
		"Clean":         safe(),
		"Dir":           safe(),
		"Ext":           safe(),
		"FromSlash":     safe(),
		"IsAbs":         safe(),
		"IsLocal":       safe(),
		"Join":          safe(),
		"Match":         safe(),
		"Rel":           safe(),
		"Split":         safe(),
		"SplitList":     safe(),
		"ToSlash":       safe(),
		"VolumeName":    safe(),
		"Separator":     safe(),
		"ListSeparator": safe(),
		"SkipDir":       safe(),
		"SkipAll":       safe(),
		"ErrBadPattern": safe(),
		"WalkFunc":      safe(),
	},
}

// ImportRule classifies an import path.
func ImportRule(path string) Rule {
	if reason, ok := forbiddenImports[path]; ok {
		return forbidden(reason)
	}
	for prefix, reason := range forbiddenPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return forbidden(reason)
		}
	}
	if c, ok := gatedImports[path]; ok {
		return gated(c)
	}
	for _, p := range safeImports {
		if p == path {
			return safe()
		}
	}
	return Rule{Class: ClassUnknown}
}

// SymbolRule classifies pkg.name. The second result is false when the
// package has no per-symbol table, meaning its import rule decides.
func SymbolRule(path, name string) (Rule, bool) {
	table, ok := guardedSymbols[path]
	if !ok {
		return Rule{}, false
	}
	if r, ok := table[name]; ok {
		return r, true
	}
	return Rule{Class: ClassUnknown}, true
}

// Guarded reports whether path has a per-symbol table.
func Guarded(path string) bool {
	_, ok := guardedSymbols[path]
	return ok
}

// ExposedImports returns every import path the child may expose for caps.
func ExposedImports(caps policy.CapabilitySet) []string {
	out := make([]string, 0, len(safeImports)+len(gatedImports))
	out = append(out, safeImports...)
	for p, c := range gatedImports {
		if caps.Has(c) {
			out = append(out, p)
		}
	}
	return out
}

// Allowed reports whether sym in path is usable under caps.
func (r Rule) Allowed(caps policy.CapabilitySet) bool {
	switch r.Class {
	case ClassSafe:
		return true
	case ClassGated:
		return caps.Has(r.Capability)
	}
	return false
}
