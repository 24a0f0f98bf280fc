// Package sandbox runs user script fragments in an isolated JavaScript runtime
// whose module imports are restricted by allow-lists.
package sandbox

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// ErrDenied is returned for any module the policy does not allow.
var ErrDenied = errors.New("module not allowed")

const nodePrefix = "node:"

// coreModules lists the runtime's built-in module names. Any of them may be
// named by the builtin allow-list; only a subset is actually provided.
var coreModules = []string{
	"assert", "async_hooks", "buffer", "child_process", "cluster", "console",
	"constants", "crypto", "dgram", "diagnostics_channel", "dns", "domain",
	"events", "fs", "fs/promises", "http", "http2", "https", "inspector",
	"module", "net", "os", "path", "perf_hooks", "process", "punycode",
	"querystring", "readline", "repl", "stream", "string_decoder", "sys",
	"timers", "tls", "trace_events", "tty", "url", "util", "v8", "vm",
	"wasi", "worker_threads", "zlib",
}

var coreSet = func() map[string]bool {
	m := make(map[string]bool, len(coreModules))
	for _, name := range coreModules {
		m[name] = true
	}
	return m
}()

// IsBuiltin reports whether name refers to a core module, with or without the
// node: prefix.
func IsBuiltin(name string) bool {
	return coreSet[strings.TrimPrefix(name, nodePrefix)] || strings.HasPrefix(name, nodePrefix)
}

// Policy is the process-wide allow-list configuration. Empty lists deny all.
type Policy struct {
	// Builtin holds core module name patterns, e.g. "console" or "*".
	Builtin []string

	// External holds package name patterns, e.g. "lodash" or "@acme/*".
	External []string

	// Transitive allows packages imported by an allowed external package.
	Transitive bool

	// ModulesRoot is the directory containing node_modules.
	ModulesRoot string
}

// Resolver decides whether a module name may be loaded.
type Resolver struct {
	builtin    []glob.Glob
	external   []glob.Glob
	transitive bool
}

// NewResolver compiles the policy's patterns.
func NewResolver(p Policy) (*Resolver, error) {
	r := &Resolver{transitive: p.Transitive}

	for _, pattern := range p.Builtin {
		g, err := glob.Compile(strings.TrimPrefix(pattern, nodePrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid builtin pattern '%s': %w", pattern, err)
		}
		r.builtin = append(r.builtin, g)
	}

	for _, pattern := range p.External {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid external pattern '%s': %w", pattern, err)
		}
		r.external = append(r.external, g)
	}

	return r, nil
}

// Resolve returns nil when name may be loaded by importer, or an error
// wrapping ErrDenied. importer is the external package performing the import,
// or "" for the user script itself.
func (r *Resolver) Resolve(name, importer string) error {
	if IsBuiltin(name) {
		if matchAny(r.builtin, strings.TrimPrefix(name, nodePrefix)) {
			return nil
		}
		return fmt.Errorf("%w: builtin '%s'", ErrDenied, name)
	}

	pkg := PackageName(name)
	if pkg == "" {
		return fmt.Errorf("%w: '%s' is not a package name", ErrDenied, name)
	}
	if matchAny(r.external, pkg) {
		return nil
	}
	if r.transitive && importer != "" && matchAny(r.external, PackageName(importer)) {
		return nil
	}
	return fmt.Errorf("%w: external '%s'", ErrDenied, name)
}

// AllowsBuiltin reports whether the core module name is allowed.
func (r *Resolver) AllowsBuiltin(name string) bool {
	return IsBuiltin(name) && r.Resolve(name, "") == nil
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// PackageName returns the package part of a bare module specifier:
// "lodash/fp" -> "lodash", "@scope/pkg/x" -> "@scope/pkg". Relative, absolute
// and malformed specifiers yield "".
func PackageName(spec string) string {
	if spec == "" || strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") || strings.Contains(spec, "\\") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(parts[0], "@") {
		if len(parts) < 2 || parts[0] == "@" || parts[1] == "" {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// packageOfPath returns the package owning a module file path, taken from the
// last node_modules segment. Paths outside node_modules, absolute paths and
// paths escaping the root yield "".
func packageOfPath(p string) string {
	if p == "" || path.IsAbs(p) {
		return ""
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return ""
	}
	segs := strings.Split(clean, "/")
	for i := len(segs) - 2; i >= 0; i-- {
		if segs[i] != "node_modules" {
			continue
		}
		return PackageName(strings.Join(segs[i+1:], "/"))
	}
	return ""
}
