package lockfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	l, err := Acquire(path, false)
	assert.NoError(t, err)
	assert.NotNil(t, l)
	assert.NoError(t, l.Release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	l, err := Acquire(path, false)
	assert.NoError(t, err)
	assert.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}

func TestReleaseOnNilLockIsNoop(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}

func TestTryAcquireNonBlockingConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	first, err := Acquire(path, false)
	assert.NoError(t, err)
	defer first.Release()

	second := TryAcquire(path)
	assert.Nil(t, second, "a second non-blocking acquire should skip rather than block")
}
