package artifact

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFile       = ".lock"
	lockRetryDelay = 50 * time.Millisecond
)

type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *sessionLocks) get(dir string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[dir]
	if !ok {
		m = &sync.Mutex{}
		l.locks[dir] = m
	}
	return m
}

// Lock serializes work on a session workspace across goroutines and processes.
// The returned function releases the lock. In legacy mode Lock is a no-op.
func (s *FileStore) Lock(ctx context.Context, session string) (func(), error) {
	if !s.isolated {
		return func() {}, nil
	}
	dir, err := s.Workspace(session)
	if err != nil {
		return nil, err
	}

	local := s.locks.get(dir)
	acquired := make(chan struct{})
	go func() {
		local.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		go func() {
			<-acquired
			local.Unlock()
		}()
		return nil, ctx.Err()
	}

	fileLock := flock.New(filepath.Join(dir, lockFile))
	ok, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		local.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock workspace: %w", err)
	}

	return func() {
		_ = fileLock.Unlock()
		local.Unlock()
	}, nil
}
