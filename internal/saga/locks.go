package saga

import "sync"

// idLocks serializes sagas per subject id. Entries are reference counted so
// the map does not grow with every id ever touched.
type idLocks struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

func newIDLocks() *idLocks {
	return &idLocks{locks: make(map[string]*idLock)}
}

// acquire takes the lock for id. In wait mode it blocks until the holder
// releases; otherwise it returns false immediately when the id is busy.
func (l *idLocks) acquire(id string, wait bool) bool {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &idLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	if wait {
		entry.mu.Lock()
		return true
	}
	if entry.mu.TryLock() {
		return true
	}
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
	return false
}

func (l *idLocks) release(id string) {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
	entry.mu.Unlock()
}

// inflight tracks subject ids with an active saga so the read path can
// bypass the cache for them.
type inflight struct {
	mu  sync.RWMutex
	ids map[string]int
}

func newInflight() *inflight {
	return &inflight{ids: make(map[string]int)}
}

func (f *inflight) add(id string) {
	f.mu.Lock()
	f.ids[id]++
	f.mu.Unlock()
}

func (f *inflight) remove(id string) {
	f.mu.Lock()
	if f.ids[id] > 1 {
		f.ids[id]--
	} else {
		delete(f.ids, id)
	}
	f.mu.Unlock()
}

func (f *inflight) contains(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.ids[id]
	return ok
}
