package engine

import "sync"

// keyedMutex is a set of mutexes keyed by username. Entries are dropped when unused.
type keyedMutex struct {
	lock    sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock locks key and returns the function unlocking it.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.lock.Lock()
	if k.entries == nil {
		k.entries = map[string]*keyedEntry{}
	}
	e, ok := k.entries[key]
	if !ok {
		e = new(keyedEntry)
		k.entries[key] = e
	}
	e.refs++
	k.lock.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.lock.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.lock.Unlock()
	}
}
