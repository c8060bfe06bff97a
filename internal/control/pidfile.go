package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/loykin/procd/internal/faults"
)

// PIDFile stores the decimal pid in a regular file.
type PIDFile struct {
	path string
}

// NewPIDFile validates path and returns a strategy backed by it. An existing path must be a
// readable, writable regular file; otherwise its directory must exist and be writable.
func NewPIDFile(path string, opts ...Option) (*Cached, error) {
	b, err := newPIDFileBackend(path)
	if err != nil {
		return nil, err
	}
	return New(b, opts...), nil
}

func newPIDFileBackend(path string) (*PIDFile, error) {
	if path == "" {
		return nil, faults.Invalid("pid file path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, faults.Invalid("pid file %q: %v", path, err)
	}
	fi, err := os.Stat(abs)
	switch {
	case err == nil:
		if !fi.Mode().IsRegular() {
			return nil, faults.Invalid("pid file %q is not a regular file", abs)
		}
		if unix.Access(abs, unix.R_OK|unix.W_OK) != nil {
			return nil, faults.Invalid("pid file %q is not readable and writable", abs)
		}
	case errors.Is(err, os.ErrNotExist):
		dir := filepath.Dir(abs)
		di, derr := os.Stat(dir)
		if derr != nil {
			return nil, faults.Invalid("pid file directory %q does not exist", dir)
		}
		if !di.IsDir() {
			return nil, faults.Invalid("pid file directory %q is not a directory", dir)
		}
		if unix.Access(dir, unix.W_OK) != nil {
			return nil, faults.Invalid("pid file directory %q is not writable", dir)
		}
	default:
		return nil, faults.Invalid("pid file %q: %v", abs, err)
	}
	return &PIDFile{path: abs}, nil
}

func (p *PIDFile) Load(context.Context) (Entry, bool, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, err := parseEntry(data)
	return e, true, err
}

func (p *PIDFile) Save(_ context.Context, e Entry) error {
	// #nosec G302 G304
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(e.PID)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *PIDFile) Remove(context.Context) error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (p *PIDFile) Describe() string { return "pidfile://" + p.path }

// Path returns the absolute file location.
func (p *PIDFile) Path() string { return p.path }
