//go:build !unix

package flock

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("advisory file locks are not supported on this platform")

func openLockFile(path string, mode os.FileMode) (*os.File, error) {
	return nil, errUnsupported
}

func tryLockFile(f *os.File) (bool, error) {
	return false, errUnsupported
}

func unlockFile(f *os.File) error {
	return errUnsupported
}
