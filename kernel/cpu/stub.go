//go:build !386

package cpu

// Host-side stand-ins for the assembly implementations in cpu_386.s. They
// exist so the kernel packages can be compiled and unit-tested on a
// development machine; tests that care about these operations override the
// xxxFn seams of the package under test instead of calling these.

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {}

// SaveFlags returns the current EFLAGS value.
func SaveFlags() uint32 { return FlagIF }

// Halt blocks forever.
func Halt() {
	select {}
}

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uint32) {}

// FlushTLB reloads CR3 flushing every non-global TLB entry.
func FlushTLB() {}

// SwitchPDT sets CR3 to the supplied physical page-directory address.
func SwitchPDT(pdtPhysAddr uint32) {}

// ActivePDT returns the physical address of the currently active page
// directory.
func ActivePDT() uint32 { return 0 }

// EnablePaging loads CR3 and sets CR0.PG.
func EnablePaging(pdtPhysAddr uint32) {}

// ReadCR2 returns the faulting address stored in CR2.
func ReadCR2() uint32 { return 0 }

// PortWriteByte writes a byte to an I/O port.
func PortWriteByte(port uint16, value uint8) {}

// PortReadByte reads a byte from an I/O port.
func PortReadByte(port uint16) uint8 { return 0 }

// SwitchContext saves the current CPU state into old and resumes next.
func SwitchContext(old, next *Context) {}

// EnterUserMode performs the initial drop to ring 3 described by ctx.
func EnterUserMode(ctx *Context) {
	select {}
}
