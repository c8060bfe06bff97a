//go:build !windows

package daemon

import (
	"os"

	"github.com/loykin/procd/internal/faults"
)

// redirectStreams points fds 0, 1 and 2 at /dev/null, the output log and the error log.
// The opened files are returned and must stay open until the daemon terminates.
func redirectStreams(outputLog, errorLog string) ([]*os.File, error) {
	pid := os.Getpid()
	in, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return nil, faults.Posix("open", pid, err)
	}
	files := []*os.File{in}
	for _, path := range []string{outputLog, errorLog} {
		if path == "" {
			path = os.DevNull
		}
		// #nosec G302 G304
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			closeAll(files)
			return nil, faults.Posix("open", pid, err)
		}
		files = append(files, f)
	}
	for fd, f := range files {
		if err := dupTo(int(f.Fd()), fd); err != nil {
			closeAll(files)
			return nil, faults.Posix("dup", pid, err)
		}
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
