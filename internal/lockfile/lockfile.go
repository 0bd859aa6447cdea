// Package lockfile implements the repository and working-directory locks,
// plus the independent non-blocking lock used by the tag filenode cache.
// Grounded on golang.org/x/sys/unix.Flock where available, falling back to
// a lock-file-existence convention elsewhere, matching the
// caller-selectable "fail or skip" LockUnavailable contract.
package lockfile

import (
	"os"

	"github.com/rcowham/hgcore/internal/herrors"
)

// Lock represents a held advisory lock on a path. Release is idempotent.
type Lock struct {
	path     string
	file     *os.File
	released bool
}

// Acquire takes a lock at path. If blocking is false and the lock is held
// by someone else, it returns a *herrors.Error of KindLockUnavailable
// immediately instead of waiting.
func Acquire(path string, blocking bool) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, herrors.LockUnavailable("open %s", path).WithCause(err)
	}
	if err := lockFile(f, blocking); err != nil {
		f.Close()
		return nil, herrors.LockUnavailable("lock %s", path).WithCause(err)
	}
	return &Lock{path: path, file: f}, nil
}

// TryAcquire is a convenience wrapper for the non-blocking case used by the
// tag filenode cache: a failed acquisition is not an error, callers should
// treat a nil Lock as "skip the write".
func TryAcquire(path string) *Lock {
	l, err := Acquire(path, false)
	if err != nil {
		return nil
	}
	return l
}

func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	unlockFile(l.file)
	err := l.file.Close()
	os.Remove(l.path)
	return err
}
