package service

import "sync"

// roomLocks hands out one mutex per room id. Entries are reference counted
// and dropped when the last holder unlocks, so idle rooms cost nothing.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

// Lock blocks until the caller holds roomID's lock and returns its release func.
func (l *roomLocks) Lock(roomID string) (unlock func()) {
	l.mu.Lock()
	lk, ok := l.locks[roomID]
	if !ok {
		lk = &roomLock{}
		l.locks[roomID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
