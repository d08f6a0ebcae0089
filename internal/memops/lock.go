package memops

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/tripwire/memchain/internal/chainerr"
)

// writerLock is the chain's exclusive, advisory, cross-process lock file
// (chain.lock). Only one process may hold it at a time; a second writer on
// the same chain directory blocks until the lock is released rather than
// racing seq/prev_hash assignment.
type writerLock struct {
	f *os.File
}

// acquireWriterLock opens (creating if absent) the lock file at path and
// blocks until an exclusive flock is obtained. Any Close operation on this
// fd from this process releases the lock, so callers must keep the
// returned handle alive for the lock's entire duration.
func acquireWriterLock(path string) (*writerLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("memops: open lock file %q: %w", path, chainerr.ErrIoError)
	}

	flockT := syscall.Flock_t{
		Type:   syscall.F_WRLCK,
		Whence: io.SeekStart,
		Start:  0,
		Len:    0,
	}
	for {
		err := syscall.FcntlFlock(f.Fd(), syscall.F_SETLKW, &flockT)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("memops: lock %q: %w", path, chainerr.ErrWriteLocked)
		}
		break
	}
	return &writerLock{f: f}, nil
}

// release closes the lock file, which drops the flock.
func (l *writerLock) release() error {
	return l.f.Close()
}
