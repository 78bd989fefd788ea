package saga

import "sync"

// memberLocks serializes work on one member's record and drops the member's
// mutex once nobody holds or waits on it.
type memberLocks struct {
	mu    sync.Mutex
	locks map[string]*memberLock
}

type memberLock struct {
	sync.Mutex
	refs int
}

func newMemberLocks() *memberLocks {
	return &memberLocks{locks: make(map[string]*memberLock)}
}

func (l *memberLocks) lock(memberID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[memberID]
	if !ok {
		entry = &memberLock{}
		l.locks[memberID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		defer l.mu.Unlock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, memberID)
		}
	}
}

func (l *memberLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
