//go:build tinygo

package critical

import "runtime/interrupt"

// Lock guards state shared between task code and interrupt handlers by
// masking interrupts for the duration of the section. Sections on the same
// Lock must not nest.
type Lock struct {
	state interrupt.State
}

func (l *Lock) Lock()   { l.state = interrupt.Disable() }
func (l *Lock) Unlock() { interrupt.Restore(l.state) }
