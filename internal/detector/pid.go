//go:build !windows

package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/loykin/procd/internal/faults"
)

// Alive probes pid with signal 0. EPERM counts as alive; a Linux zombie does not.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// isZombie returns true if /proc/<pid>/status reports a zombie state on Linux.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// ParsePID parses the decimal text of a control record.
func ParsePID(data []byte) (int, error) {
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, faults.Invalid("pid %q is not a decimal number", s)
	}
	if pid <= 0 {
		return 0, faults.Invalid("pid %d must be positive", pid)
	}
	return pid, nil
}

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive(context.Context) (bool, error) { return Alive(d.PID), nil }
func (d PIDDetector) Describe() string                     { return fmt.Sprintf("pid:%d", d.PID) }

// PIDFileDetector detects a process through a file holding its decimal pid.
// Unlike control.PIDFile it never modifies the file.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive(context.Context) (bool, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	pid, err := ParsePID(data)
	if err != nil {
		return false, fmt.Errorf("%s: %w", d.PIDFile, err)
	}
	return Alive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }
