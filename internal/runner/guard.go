package runner

import (
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/p-arndt/convbox/internal/policy"
)

// guard confines the filesystem functions a converter can reach to its own
// run directory. Sibling runs under the same root stay out of reach. Every
// denial is remembered so a converter that swallows the error still fails
// the run.
type guard struct {
	workDir string

	mu      sync.Mutex
	denials []string
}

func newGuard(workDir string) *guard {
	return &guard{workDir: filepath.Clean(workDir)}
}

func (g *guard) check(op, name string) (string, error) {
	p := name
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.workDir, p)
	}
	p = filepath.Clean(p)
	if !policy.Within(g.workDir, resolveExisting(p)) {
		g.deny(op + " " + name)
		return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrPermission}
	}
	return p, nil
}

func (g *guard) deny(what string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.denials = append(g.denials, what)
}

// Denials returns every refused access in order.
func (g *guard) Denials() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.denials...)
}

// resolveExisting follows symlinks in the longest existing prefix of p, so
// a link inside the root cannot point a not-yet-created file outside it.
func resolveExisting(p string) string {
	cur, rest := p, ""
	for {
		if real, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(real, rest)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// override replaces path-taking functions in syms with confined versions.
// Only symbols already present (that is, allowed) are replaced.
func (g *guard) override(pkg string, syms map[string]reflect.Value) {
	var repl map[string]any
	switch pkg {
	case "os":
		repl = g.osFuncs()
	case "path/filepath":
		repl = g.filepathFuncs()
	}
	for name, fn := range repl {
		if _, ok := syms[name]; ok {
			syms[name] = reflect.ValueOf(fn)
		}
	}
}

func (g *guard) osFuncs() map[string]any {
	return map[string]any{
		"ReadFile": func(name string) ([]byte, error) {
			p, err := g.check("open", name)
			if err != nil {
				return nil, err
			}
			return os.ReadFile(p)
		},
		"Open": func(name string) (*os.File, error) {
			p, err := g.check("open", name)
			if err != nil {
				return nil, err
			}
			return os.Open(p)
		},
		"ReadDir": func(name string) ([]os.DirEntry, error) {
			p, err := g.check("readdir", name)
			if err != nil {
				return nil, err
			}
			return os.ReadDir(p)
		},
		"Stat": func(name string) (os.FileInfo, error) {
			p, err := g.check("stat", name)
			if err != nil {
				return nil, err
			}
			return os.Stat(p)
		},
		"Lstat": func(name string) (os.FileInfo, error) {
			p, err := g.check("lstat", name)
			if err != nil {
				return nil, err
			}
			return os.Lstat(p)
		},
		"Readlink": func(name string) (string, error) {
			p, err := g.check("readlink", name)
			if err != nil {
				return "", err
			}
			return os.Readlink(p)
		},
		"DirFS": func(dir string) fs.FS {
			p, err := g.check("dirfs", dir)
			if err != nil {
				return deniedFS{err: err}
			}
			r, err := os.OpenRoot(p)
			if err != nil {
				return deniedFS{err: err}
			}
			return r.FS()
		},

		"WriteFile": func(name string, data []byte, perm os.FileMode) error {
			p, err := g.check("write", name)
			if err != nil {
				return err
			}
			return os.WriteFile(p, data, perm)
		},
		"Create": func(name string) (*os.File, error) {
			p, err := g.check("create", name)
			if err != nil {
				return nil, err
			}
			return os.Create(p)
		},
		"OpenFile": func(name string, flag int, perm os.FileMode) (*os.File, error) {
			p, err := g.check("open", name)
			if err != nil {
				return nil, err
			}
			return os.OpenFile(p, flag, perm)
		},
		"CreateTemp": func(dir, pattern string) (*os.File, error) {
			if dir == "" {
				dir = g.workDir
			}
			p, err := g.check("createtemp", dir)
			if err != nil {
				return nil, err
			}
			return os.CreateTemp(p, pattern)
		},
		"MkdirTemp": func(dir, pattern string) (string, error) {
			if dir == "" {
				dir = g.workDir
			}
			p, err := g.check("mkdirtemp", dir)
			if err != nil {
				return "", err
			}
			return os.MkdirTemp(p, pattern)
		},
		"Mkdir": func(name string, perm os.FileMode) error {
			p, err := g.check("mkdir", name)
			if err != nil {
				return err
			}
			return os.Mkdir(p, perm)
		},
		"MkdirAll": func(name string, perm os.FileMode) error {
			p, err := g.check("mkdir", name)
			if err != nil {
				return err
			}
			return os.MkdirAll(p, perm)
		},
		"Remove": func(name string) error {
			p, err := g.check("remove", name)
			if err != nil {
				return err
			}
			return os.Remove(p)
		},
		"RemoveAll": func(name string) error {
			p, err := g.check("remove", name)
			if err != nil {
				return err
			}
			if p == g.workDir || resolveExisting(p) == g.workDir {
				g.deny("remove " + name)
				return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrPermission}
			}
			return os.RemoveAll(p)
		},
		"Rename": func(oldpath, newpath string) error {
			from, err := g.check("rename", oldpath)
			if err != nil {
				return err
			}
			to, err := g.check("rename", newpath)
			if err != nil {
				return err
			}
			return os.Rename(from, to)
		},
		"Chmod": func(name string, mode os.FileMode) error {
			p, err := g.check("chmod", name)
			if err != nil {
				return err
			}
			return os.Chmod(p, mode)
		},
		"Chtimes": func(name string, atime, mtime time.Time) error {
			p, err := g.check("chtimes", name)
			if err != nil {
				return err
			}
			return os.Chtimes(p, atime, mtime)
		},
		"Truncate": func(name string, size int64) error {
			p, err := g.check("truncate", name)
			if err != nil {
				return err
			}
			return os.Truncate(p, size)
		},
		"Symlink": func(oldname, newname string) error {
			link, err := g.check("symlink", newname)
			if err != nil {
				return err
			}
			target := oldname
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(link), target)
			}
			if _, err := g.check("symlink", target); err != nil {
				return err
			}
			return os.Symlink(oldname, link)
		},
		"Link": func(oldname, newname string) error {
			from, err := g.check("link", oldname)
			if err != nil {
				return err
			}
			to, err := g.check("link", newname)
			if err != nil {
				return err
			}
			return os.Link(from, to)
		},
	}
}

func (g *guard) filepathFuncs() map[string]any {
	return map[string]any{
		"Walk": func(root string, fn filepath.WalkFunc) error {
			p, err := g.check("walk", root)
			if err != nil {
				return err
			}
			return filepath.Walk(p, fn)
		},
		"WalkDir": func(root string, fn fs.WalkDirFunc) error {
			p, err := g.check("walk", root)
			if err != nil {
				return err
			}
			return filepath.WalkDir(p, fn)
		},
		"Glob": func(pattern string) ([]string, error) {
			if _, err := g.check("glob", globBase(pattern)); err != nil {
				return nil, err
			}
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return nil, err
			}
			out := matches[:0]
			for _, m := range matches {
				abs := m
				if !filepath.IsAbs(abs) {
					abs = filepath.Join(g.workDir, abs)
				}
				if policy.Within(g.workDir, resolveExisting(abs)) {
					out = append(out, m)
				}
			}
			return out, nil
		},
		"EvalSymlinks": func(path string) (string, error) {
			p, err := g.check("evalsymlinks", path)
			if err != nil {
				return "", err
			}
			return filepath.EvalSymlinks(p)
		},
	}
}

// globBase is the directory part of pattern before its first meta character.
func globBase(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		pattern = pattern[:i]
		return filepath.Dir(pattern + "x")
	}
	return filepath.Dir(pattern)
}

type deniedFS struct{ err error }

func (d deniedFS) Open(string) (fs.File, error) { return nil, d.err }
