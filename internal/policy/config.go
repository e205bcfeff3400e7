package policy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/p-arndt/convbox/internal/errdefs"
)

// Config governs exactly one run. Construct it with NewConfig; fields are
// read through accessors so a built Config cannot be changed.
type Config struct {
	caps     CapabilitySet
	limits   ResourceLimits
	root     string
	envAllow []string
}

// NewConfig validates the working-directory root and freezes the policy.
// Limits are stored as given; callers merge defaults before use.
func NewConfig(root string, caps CapabilitySet, limits ResourceLimits, envAllow []string) (Config, error) {
	if err := limits.Validate(); err != nil {
		return Config{}, err
	}
	resolved, err := checkRoot(root)
	if err != nil {
		return Config{}, err
	}

	allow := make([]string, 0, len(envAllow))
	seen := make(map[string]bool)
	for _, name := range envAllow {
		name = strings.TrimSpace(name)
		if name == "" || strings.Contains(name, "=") || seen[name] {
			continue
		}
		seen[name] = true
		allow = append(allow, name)
	}

	return Config{
		caps:     caps,
		limits:   limits,
		root:     resolved,
		envAllow: allow,
	}, nil
}

func checkRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", errdefs.Configuration("working directory root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errdefs.Configuration("resolve root %q: %v", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.Configuration("root %q does not exist", abs)
		}
		return "", errdefs.Configuration("stat root %q: %v", abs, err)
	}
	if !info.IsDir() {
		return "", errdefs.Configuration("root %q is not a directory", abs)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errdefs.Configuration("resolve root %q: %v", abs, err)
	}
	if resolved == string(filepath.Separator) {
		return "", errdefs.Configuration("root must not be the filesystem root")
	}

	cwd, err := os.Getwd()
	if err == nil {
		if c, err := filepath.EvalSymlinks(cwd); err == nil {
			cwd = c
		}
		if cwd == resolved || Within(resolved, cwd) {
			return "", errdefs.Configuration("root %q is not exclusive: it contains the host working directory", resolved)
		}
	}
	return resolved, nil
}

// Within reports whether path is root or lies below it. Both must be clean
// absolute paths.
func Within(root, path string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (c Config) Capabilities() CapabilitySet { return c.caps }
func (c Config) Limits() ResourceLimits      { return c.limits }
func (c Config) Root() string                { return c.root }

func (c Config) EnvAllowList() []string {
	out := make([]string, len(c.envAllow))
	copy(out, c.envAllow)
	return out
}

// WithLimits returns a copy carrying merged limits.
func (c Config) WithLimits(l ResourceLimits) Config {
	c.limits = l
	return c
}

// IsZero reports whether c was never built by NewConfig.
func (c Config) IsZero() bool { return c.root == "" }
