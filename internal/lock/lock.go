// Package lock serializes provisioning runs against one host with an
// advisory flock.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"stackup/internal/constants"
	"stackup/internal/errors"
	"stackup/internal/logger"
)

// Lock is a held advisory lock
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the lock at path without blocking. A lock held by another
// process yields a LOCK_HELD error.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), constants.DirPermissions); err != nil {
		return nil, errors.FileWriteError(path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, constants.FilePermissions)
	if err != nil {
		return nil, errors.FileWriteError(path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readHolder(f)
		f.Close()
		if err == unix.EWOULDBLOCK {
			e := errors.LockHeld(path)
			if holder > 0 {
				e.WithContext("pid", holder)
			}
			return nil, e
		}
		return nil, errors.Wrap(errors.ErrInternal, "failed to lock "+path, err)
	}

	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	logger.WithField("path", path).Debug("Acquired run lock")
	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path
func (l *Lock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return nil
}

func readHolder(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
