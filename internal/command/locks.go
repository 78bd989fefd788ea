package command

import (
	"context"
	"sync"
)

// streamLocks hands out one mutex per stream and forgets it once nobody holds or waits on it.
type streamLocks struct {
	mu    sync.Mutex
	locks map[string]*streamLock
}

type streamLock struct {
	sem  chan struct{}
	refs int
}

func newStreamLocks() *streamLocks {
	return &streamLocks{locks: make(map[string]*streamLock)}
}

func (l *streamLocks) lock(ctx context.Context, stream string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[stream]
	if !ok {
		entry = &streamLock{sem: make(chan struct{}, 1)}
		l.locks[stream] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			l.release(stream, entry)
		}, nil
	case <-ctx.Done():
		l.release(stream, entry)
		return nil, ctx.Err()
	}
}

func (l *streamLocks) release(stream string, entry *streamLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, stream)
	}
}

func (l *streamLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
