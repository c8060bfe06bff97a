package daemon

import (
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/loykin/procd/internal/faults"
)

// SetUID sets the user id the daemon switches to. The id must exist in the user database.
func (c *Config) SetUID(uid int) error {
	if uid < 0 {
		return faults.Invalid("uid %d is negative", uid)
	}
	if _, err := user.LookupId(strconv.Itoa(uid)); err != nil {
		return faults.Invalid("uid %d: %v", uid, err)
	}
	c.UID = &uid
	return nil
}

// SetGID sets the group id the daemon switches to. The id must exist in the group database.
func (c *Config) SetGID(gid int) error {
	if gid < 0 {
		return faults.Invalid("gid %d is negative", gid)
	}
	if _, err := user.LookupGroupId(strconv.Itoa(gid)); err != nil {
		return faults.Invalid("gid %d: %v", gid, err)
	}
	c.GID = &gid
	return nil
}

// dropPrivileges switches group first, while the process may still do so.
func dropPrivileges(cfg Config) error {
	pid := os.Getpid()
	if cfg.GID != nil {
		if err := unix.Setgid(*cfg.GID); err != nil {
			return faults.Posix("setgid", pid, err)
		}
	}
	if cfg.UID != nil {
		if err := unix.Setuid(*cfg.UID); err != nil {
			return faults.Posix("setuid", pid, err)
		}
	}
	return nil
}
