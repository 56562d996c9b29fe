// Package keylock provides one mutex per string key, created on demand and
// released once no goroutine holds or waits for it.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Mutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Mutex {
	return &Mutex{locks: map[string]*entry{}}
}

// Lock acquires the mutex for key and returns its unlock function.
func (m *Mutex) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}
