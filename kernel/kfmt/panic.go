package kfmt

import (
	"frostbyte/kernel"
	"frostbyte/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() (resolved via runtime.gopanic).
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// PanicPageFault reports an unrecoverable kernel-mode page fault. The fault
// address comes from CR2 and code is the error code pushed by the CPU; its
// low bits are decoded into the panic banner.
func PanicPageFault(faultAddr uint32, code uint32) {
	Printf("\n-----------------------------------\n")
	Printf("[vmm] page fault at 0x%8x (", faultAddr)
	if code&1 != 0 {
		Printf("protection-violation")
	} else {
		Printf("not-present")
	}
	if code&2 != 0 {
		Printf(" write")
	} else {
		Printf(" read")
	}
	if code&4 != 0 {
		Printf(" user")
	} else {
		Printf(" kernel")
	}
	if code&8 != 0 {
		Printf(" reserved-bit")
	}
	if code&16 != 0 {
		Printf(" instruction-fetch")
	}
	Printf(")\n*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw.
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
