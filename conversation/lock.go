package conversation

import (
	"context"
	"sync"
)

// threadLocks is a keyed mutex. Entries are reference counted and removed
// once no caller holds or waits on them.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// lock blocks until key is free or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (l *threadLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[key]
	if !ok {
		tl = &threadLock{sem: make(chan struct{}, 1)}
		l.locks[key] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, tl)
		return nil, ctx.Err()
	}

	return func() {
		<-tl.sem
		l.release(key, tl)
	}, nil
}

func (l *threadLocks) release(key string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, key)
	}
}

// size reports the number of live entries.
func (l *threadLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
