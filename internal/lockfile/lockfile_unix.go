//go:build linux || darwin || freebsd || netbsd || openbsd

package lockfile

import (
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(f *os.File, blocking bool) error {
	how := unix.LOCK_EX
	if !blocking {
		how |= unix.LOCK_NB
	}
	return unix.Flock(int(f.Fd()), how)
}

func unlockFile(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
