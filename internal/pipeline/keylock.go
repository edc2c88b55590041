package pipeline

import "sync"

type lockKey struct {
	table string
	key   string
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks hands out one mutex per live (table, key) pair. Entries are
// reclaimed when the last holder releases, so the map stays bounded by
// in-flight mutations rather than by keyspace size.
type keyLocks struct {
	mu    sync.Mutex
	locks map[lockKey]*keyLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: map[lockKey]*keyLock{}}
}

// acquire blocks until the caller holds the key's exclusion and returns
// the release function.
func (k *keyLocks) acquire(table, key string) func() {
	lk := lockKey{table: table, key: key}

	k.mu.Lock()
	entry, ok := k.locks[lk]
	if !ok {
		entry = &keyLock{}
		k.locks[lk] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, lk)
		}
		k.mu.Unlock()
	}
}
