package env

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to worker processes: a snapshot of
// the supervisor's own environment, minus stripped variables, plus
// overrides and PATH extensions.
type Env struct {
	Var      Var      // overrides (K->V)
	env      Var      // cached base from OS environment
	strip    []string // keys removed from the base
	pathTail []string // directories appended to PATH
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.FromList(os.Environ())
}

// FromList uses kvs ("K=V") as the base instead of the OS environment.
func (e *Env) FromList(kvs []string) {
	base := make(Var)
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	e.env = base
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Strip drops keys from the base environment. Matching is case-insensitive
// on Windows, where environment names are.
func (e *Env) Strip(keys ...string) {
	e.strip = append(e.strip, keys...)
}

// AppendPath adds directories to the end of PATH, in order.
func (e *Env) AppendPath(dirs ...string) {
	e.pathTail = append(e.pathTail, dirs...)
}

// Merge composes the final environment list applying order:
// base = OS env (or cached) without stripped keys,
// then overrides from e.Var, then perProc ("K=V") overrides,
// then PATH extension. The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env))
	for k, v := range e.env {
		if e.stripped(k) {
			continue
		}
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perProc {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	if len(e.pathTail) > 0 {
		key := lookupKey(m, "PATH")
		m[key] = ExtendPathList(m[key], e.pathTail...)
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (e *Env) stripped(k string) bool {
	for _, s := range e.strip {
		if sameKey(s, k) {
			return true
		}
	}
	return false
}

// ExtendPathList appends dirs to a PATH-style list using the OS list
// separator, without producing empty elements.
func ExtendPathList(list string, dirs ...string) string {
	sep := string(os.PathListSeparator)
	parts := make([]string, 0, len(dirs)+1)
	if trimmed := strings.TrimRight(list, sep); trimmed != "" {
		parts = append(parts, trimmed)
	}
	for _, d := range dirs {
		if d != "" {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, sep)
}

// lookupKey returns the existing spelling of name in m (Windows keeps
// "Path"), or name itself.
func lookupKey(m Var, name string) string {
	if _, ok := m[name]; ok {
		return name
	}
	for k := range m {
		if sameKey(k, name) {
			return k
		}
	}
	return name
}

func sameKey(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
