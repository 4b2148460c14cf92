// Package sync provides the synchronization primitives used inside the
// kernel: a busy-wait spinlock and an interrupt gate for critical sections
// shared with IRQ handlers.
package sync

import (
	"sync/atomic"

	"frostbyte/kernel/cpu"
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Any attempt to re-acquire a lock already
// held by the current task will deadlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

var (
	// saveFlagsFn and friends are mocked by tests and are automatically
	// inlined by the compiler.
	saveFlagsFn         = cpu.SaveFlags
	disableInterruptsFn = cpu.DisableInterrupts
	restoreFlagsFn      = cpu.RestoreFlags
)

// IrqGate guards a critical section that must not be interleaved with IRQ
// handlers on this CPU. Enter disables interrupts remembering the previous
// EFLAGS; Leave restores them. Gates nest correctly as long as every Enter
// is paired with a Leave on the same gate value.
type IrqGate struct {
	flags uint32
}

// Enter begins the critical section.
func (g *IrqGate) Enter() {
	g.flags = saveFlagsFn()
	disableInterruptsFn()
}

// Leave ends the critical section, re-enabling interrupts only if they were
// enabled when Enter ran.
func (g *IrqGate) Leave() {
	restoreFlagsFn(g.flags)
}
