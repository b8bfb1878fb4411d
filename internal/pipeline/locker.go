package pipeline

import (
	"context"
	"sync"
)

// Locker serializes runs per user within one process. Runs for different
// users never wait on each other.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sem  chan struct{}
	refs int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*userLock)}
}

// Lock blocks until key is free or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[key]
	if !ok {
		ul = &userLock{sem: make(chan struct{}, 1)}
		l.locks[key] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.sem <- struct{}{}:
		return func() {
			<-ul.sem
			l.release(key, ul)
		}, nil
	case <-ctx.Done():
		l.release(key, ul)
		return nil, ctx.Err()
	}
}

func (l *Locker) release(key string, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, key)
	}
}
