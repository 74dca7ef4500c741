// Package keylock serializes work per string key. Callers holding locks on
// different keys never contend with each other.
package keylock

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker hands out one mutex per key. Entries are reference counted and
// removed once no goroutine holds or waits for them.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Lock acquires every key and returns a function that releases them.
// Keys are de-duplicated and taken in sorted order, so two callers locking
// overlapping key sets cannot deadlock.
func (l *Locker) Lock(keys ...string) (unlock func()) {
	sorted := uniqueSorted(keys)
	held := make([]*entry, 0, len(sorted))

	for _, k := range sorted {
		l.mu.Lock()
		e, ok := l.entries[k]
		if !ok {
			e = &entry{}
			l.entries[k] = e
		}
		e.refs++
		l.mu.Unlock()

		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				l.release(sorted[i], held[i])
			}
		})
	}
}

func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func uniqueSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
