// Package env composes the environment handed to a started process.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Var maps names to values.
type Var map[string]string

// Env is an immutable environment recipe. With* methods return modified copies.
type Env struct {
	useOS bool
	vars  Var
}

func New() *Env {
	return &Env{vars: make(Var)}
}

func (e *Env) clone() *Env {
	c := &Env{useOS: e.useOS, vars: make(Var, len(e.vars))}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	return c
}

// WithOS makes the current process environment the base layer.
func (e *Env) WithOS() *Env {
	c := e.clone()
	c.useOS = true
	return c
}

// WithSet sets K=V. Empty keys are ignored.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// WithPairs applies "K=V" entries in order. Entries without '=' are ignored.
func (e *Env) WithPairs(pairs []string) *Env {
	c := e.clone()
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			c.vars[k] = v
		}
	}
	return c
}

// WithFile applies a .env file of KEY=VALUE lines. Blank lines and lines starting with #
// are skipped; there is no quoting or export syntax.
func (e *Env) WithFile(path string) (*Env, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	c := e.clone()
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			if k = strings.TrimSpace(k); k != "" {
				c.vars[k] = strings.TrimSpace(v)
			}
		}
	}
	return c, nil
}

// Merge composes the final "K=V" list, sorted by key:
// OS environment (when enabled), then the recipe's variables, then perProc overrides.
// ${VAR} references are expanded once against the composed map; unknown references stay.
func (e *Env) Merge(perProc []string) []string {
	m := make(Var)
	if e.useOS {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				m[k] = v
			}
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range perProc {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
