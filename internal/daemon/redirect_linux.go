package daemon

import "golang.org/x/sys/unix"

// dup2 is missing on some Linux architectures (arm64, riscv64).
func dupTo(oldfd, newfd int) error {
	if oldfd == newfd {
		return nil
	}
	return unix.Dup3(oldfd, newfd, 0)
}
