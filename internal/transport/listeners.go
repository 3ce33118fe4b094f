package transport

import (
	"slices"
	"sync"
)

type entry[F any] struct {
	id uint64
	fn F
}

// Listeners is a registration list that hands out removal functions. The
// zero value is ready to use.
type Listeners[F any] struct {
	mu      sync.Mutex
	seq     uint64
	entries []entry[F]
}

// Add registers fn and returns a function that removes it. Calling the
// returned function more than once is a no-op.
func (l *Listeners[F]) Add(fn F) (off func()) {
	l.mu.Lock()
	l.seq++
	id := l.seq
	l.entries = append(l.entries, entry[F]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.entries = slices.DeleteFunc(l.entries, func(e entry[F]) bool {
				return e.id == id
			})
		})
	}
}

// Snapshot returns the registered functions in registration order.
func (l *Listeners[F]) Snapshot() []F {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := make([]F, len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}

func (l *Listeners[F]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
