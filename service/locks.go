package service

import "sync"

// keyedMutex serializes lifecycle steps per record ID. There is no
// cross-record locking; each ID's lifecycle is independent.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedMutexEntry
}

type keyedMutexEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedMutexEntry)}
}

// lock acquire the mutex for `id`, returning the matching unlock
func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	entry, exists := k.entries[id]
	if !exists {
		entry = &keyedMutexEntry{}
		k.entries[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, id)
		}
		k.mu.Unlock()
	}
}
