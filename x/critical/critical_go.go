//go:build !tinygo

package critical

import "sync"

// Lock guards state shared between task code and interrupt handlers.
// On the host, interrupt handlers run on goroutines, so a mutex is enough.
type Lock struct {
	mu sync.Mutex
}

func (l *Lock) Lock()   { l.mu.Lock() }
func (l *Lock) Unlock() { l.mu.Unlock() }
