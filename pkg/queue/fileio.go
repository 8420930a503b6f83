package queue

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const batchFileMode = 0o640

// ErrBusy is returned when another process holds a batch file lock.
var ErrBusy = errors.New("batch file in use by other worker")

// writeNew atomically creates path with data through an exclusive tmp file.
// On failure nothing is left at path.
func writeNew(path string, data []byte) error {
	tmp := path + ".tmp"
	// Leftover from an interrupted writer; callers hold the queue lock.
	_ = os.Remove(tmp)
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, batchFileMode)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := writeSync(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// ReplaceLocked atomically replaces path with data and returns an open
// descriptor of the new file holding an exclusive flock. The tmp file is
// locked before the rename so the lock is never absent from the visible file.
// The caller closes the previous descriptor afterwards.
func ReplaceLocked(path string, data []byte) (*os.File, error) {
	tmp := path + ".tmp"
	// Leftover from an interrupted writer; callers hold the queue lock.
	_ = os.Remove(tmp)
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, batchFileMode)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmp, err)
	}
	fail := func(err error) (*os.File, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := LockFile(f); err != nil {
		return fail(err)
	}
	if err := writeSync(f, data); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fail(fmt.Errorf("rename %s: %w", tmp, err))
	}
	return f, nil
}

// LockFile takes a non-blocking exclusive flock on f.
func LockFile(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return ErrBusy
		default:
			return fmt.Errorf("flock %s: %w", f.Name(), err)
		}
	}
}

func writeSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", f.Name(), err)
	}
	return nil
}

// shred overwrites the file with random bytes before unlinking it.
func shred(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err == nil {
		_, err = io.CopyN(f, rand.Reader, info.Size())
	}
	if err == nil {
		err = f.Sync()
	}
	_ = f.Close()
	if rmErr := os.Remove(path); rmErr != nil {
		return rmErr
	}
	return err
}
