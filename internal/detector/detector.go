// Package detector answers "is this process alive" for a role or a pid.
//
// The liveness probe is a best-effort check: a signal with no effect is sent to the pid and
// EPERM is treated as alive. It cannot tell a role's process apart from an unrelated process
// that reused the same pid.
package detector

import "context"

// Detector is a strategy that determines if a process is running.
// Implementations must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// First returns the description of the first detector reporting alive.
// Errors from individual detectors are skipped unless none reports alive,
// in which case the last error is returned.
func First(ctx context.Context, dets ...Detector) (string, bool, error) {
	var lastErr error
	for _, d := range dets {
		ok, err := d.Alive(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return d.Describe(), true, nil
		}
	}
	return "", false, lastErr
}
