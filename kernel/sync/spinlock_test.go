package sync

import (
	"testing"

	"frostbyte/kernel/cpu"
)

func TestSpinlock(t *testing.T) {
	var l Spinlock

	if !l.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed on a free lock")
	}
	if l.TryToAcquire() {
		t.Fatal("expected TryToAcquire to fail on a held lock")
	}

	l.Release()
	l.Acquire()
	if l.TryToAcquire() {
		t.Fatal("expected lock to be held after Acquire")
	}
	l.Release()
}

func TestIrqGateRestoresInterruptState(t *testing.T) {
	defer func(origSave func() uint32, origDisable func(), origRestore func(uint32)) {
		saveFlagsFn, disableInterruptsFn, restoreFlagsFn = origSave, origDisable, origRestore
	}(saveFlagsFn, disableInterruptsFn, restoreFlagsFn)

	interruptsOn := true
	saveFlagsFn = func() uint32 {
		if interruptsOn {
			return cpu.FlagIF
		}
		return 0
	}
	disableInterruptsFn = func() { interruptsOn = false }
	restoreFlagsFn = func(flags uint32) {
		if flags&cpu.FlagIF != 0 {
			interruptsOn = true
		}
	}

	var outer, inner IrqGate

	outer.Enter()
	if interruptsOn {
		t.Fatal("expected interrupts off inside gate")
	}

	// A nested gate must not re-enable interrupts on leave.
	inner.Enter()
	inner.Leave()
	if interruptsOn {
		t.Fatal("nested gate leave re-enabled interrupts")
	}

	outer.Leave()
	if !interruptsOn {
		t.Fatal("outer gate leave did not restore interrupts")
	}
}
