package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 10 * time.Millisecond

// DirLock is the exclusive queue directory lock. It combines an in-process
// mutex with flock(2) on a lock file so it serializes both goroutines and
// processes.
//
// Ownership travels in the context returned by Acquire: acquiring again with
// that context succeeds immediately and its release is a no-op.
type DirLock struct {
	path string
	sem  chan struct{}
}

type lockHold struct {
	lock *DirLock
}

type lockHoldKey struct{}

// NewDirLock returns a lock backed by the file at path.
func NewDirLock(path string) *DirLock {
	return &DirLock{path: path, sem: make(chan struct{}, 1)}
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}

// Held reports whether ctx already owns the lock.
func (l *DirLock) Held(ctx context.Context) bool {
	h, ok := ctx.Value(lockHoldKey{}).(*lockHold)
	return ok && h.lock == l
}

// Acquire blocks until the lock is held or ctx is done. The returned context
// carries ownership and must be used for nested acquisitions; release must be
// called exactly once.
func (l *DirLock) Acquire(ctx context.Context) (context.Context, func(), error) {
	if l.Held(ctx) {
		return ctx, func() {}, nil
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	f, err := l.flock(ctx)
	if err != nil {
		<-l.sem
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			<-l.sem
		})
	}
	return context.WithValue(ctx, lockHoldKey{}, &lockHold{lock: l}), release, nil
}

func (l *DirLock) flock(ctx context.Context) (*os.File, error) {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open queue lock %s: %w", l.path, err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// With runs fn while holding the lock.
func (l *DirLock) With(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
