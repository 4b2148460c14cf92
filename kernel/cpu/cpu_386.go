//go:build 386

package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// SaveFlags returns the current EFLAGS value.
func SaveFlags() uint32

// Halt enables interrupts and halts in a loop; it never returns.
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uint32)

// FlushTLB reloads CR3 flushing every non-global TLB entry.
func FlushTLB()

// SwitchPDT sets CR3 to the supplied physical page-directory address and
// flushes the TLB.
func SwitchPDT(pdtPhysAddr uint32)

// ActivePDT returns the physical address of the currently active page
// directory.
func ActivePDT() uint32

// EnablePaging loads CR3 with the supplied physical page-directory address
// and sets CR0.PG. It must be called while running on identity-mapped code.
func EnablePaging(pdtPhysAddr uint32)

// ReadCR2 returns the faulting address stored in CR2.
func ReadCR2() uint32

// PortWriteByte writes a byte to an I/O port.
func PortWriteByte(port uint16, value uint8)

// PortReadByte reads a byte from an I/O port.
func PortReadByte(port uint16) uint8

// SwitchContext saves the current CPU state into old and resumes execution
// from next. If next resumes in ring 3 the switch is performed with an iret;
// kernel targets get their saved stack, flags and callee-saved registers back
// and are entered by jumping to the saved EIP.
func SwitchContext(old, next *Context)

// EnterUserMode performs the initial drop to ring 3 described by ctx. It
// never returns.
func EnterUserMode(ctx *Context)
