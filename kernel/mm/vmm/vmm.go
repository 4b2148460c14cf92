// Package vmm implements the two-level i386 paging layer: the kernel master
// directory, per-process directories, and the scratch windows used to reach
// physical frames that are not covered by the boot mappings.
package vmm

import (
	"unsafe"

	"frostbyte/kernel"
	"frostbyte/kernel/cpu"
	"frostbyte/kernel/kfmt"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/pmm"
)

// Entry is a page-directory or page-table entry: a frame address in the top
// 20 bits plus flag bits.
type Entry uint32

// Page table entry flags.
const (
	FlagPresent  Entry = 1 << 0
	FlagWritable Entry = 1 << 1
	FlagUser     Entry = 1 << 2
	FlagAccessed Entry = 1 << 5
	FlagDirty    Entry = 1 << 6
)

// tableEntries is the number of entries in a directory or table.
const tableEntries = 1024

// kernelPDEBase is the first PDE index covering the kernel half
// (0xC0000000 >> 22).
const kernelPDEBase = 768

// Table is one page worth of entries: a page directory or a page table,
// depending on the level it is reached from.
type Table [tableEntries]Entry

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags Entry) bool {
	return e&flags == flags
}

// Frame returns the physical frame this entry points to.
func (e Entry) Frame() mm.Frame {
	return mm.Frame(uint32(e) &^ (mm.PageSize - 1))
}

// SetFrame updates the entry to point at the given physical frame keeping
// the flag bits.
func (e *Entry) SetFrame(frame mm.Frame) {
	*e = Entry(uint32(*e)&(mm.PageSize-1)) | Entry(frame.Address())
}

func pdIndex(virt uint32) uint32 { return virt >> 22 }
func ptIndex(virt uint32) uint32 { return (virt >> 12) & 0x3FF }

var (
	// ErrNotMapped is returned when looking up or unmapping a virtual
	// address that has no live translation.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped", Errno: kernel.EFAULT}

	errNilDirectory = &kernel.Error{Module: "vmm", Message: "nil page directory", Errno: kernel.EINVAL}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	saveFlagsFn         = cpu.SaveFlags
	disableInterruptsFn = cpu.DisableInterrupts
	restoreFlagsFn      = cpu.RestoreFlags
	flushTLBFn          = cpu.FlushTLB
	flushTLBEntryFn     = cpu.FlushTLBEntry
	switchPDTFn         = cpu.SwitchPDT
	enablePagingFn      = cpu.EnablePaging
	allocFrameFn        = pmm.AllocFrame
	freeFrameFn         = pmm.FreeFrame

	// tableForPhysFn overlays a *Table on the higher-half alias of a
	// physical frame. It only works for frames covered by the kernel
	// linear map; everything else goes through a scratch window.
	tableForPhysFn = func(phys uint32) *Table {
		return (*Table)(unsafe.Pointer(uintptr(phys + mm.KernelVirtualBase)))
	}

	// scratchTableFn returns the Table view of a scratch VA once a frame
	// has been installed there.
	scratchTableFn = func(va uint32) *Table {
		return (*Table)(unsafe.Pointer(uintptr(va)))
	}

	// memsetFn clears frame contents through a scratch VA.
	memsetFn = func(va uint32, value byte, size uint32) {
		kernel.Memset(uintptr(va), value, uintptr(size))
	}

	// virtToPhysFn inverts the kernel linear map for directory pointers.
	virtToPhysFn = func(tab *Table) uint32 {
		return uint32(uintptr(unsafe.Pointer(tab))) - mm.KernelVirtualBase
	}

	kernelDir  *Table
	currentDir *Table
)

// KernelDirectory returns the kernel master page directory.
func KernelDirectory() *Table { return kernelDir }

// CurrentDirectory returns the directory the MMU is currently walking.
func CurrentDirectory() *Table {
	if currentDir != nil {
		return currentDir
	}
	return kernelDir
}

// Init builds the kernel master directory, identity-maps [0, 8 MiB),
// linearly maps [0, 128 MiB) at the higher half and enables paging. It runs
// before paging is on so all table edits use raw physical addresses.
func Init() *kernel.Error {
	dirFrame, err := allocFrameFn()
	if err != nil {
		return err
	}

	dirPhys := dirFrame.Address()
	dir := (*Table)(unsafe.Pointer(uintptr(dirPhys)))
	for i := range dir {
		dir[i] = 0
	}

	// Identity map the low 8 MiB: boot code, scratch slots, DMA buffers.
	for addr := uint32(0); addr < mm.IdentityMapEnd; addr += mm.PageSize {
		if err = mapPageDirect(dir, addr, addr, FlagPresent|FlagWritable); err != nil {
			return err
		}
	}

	// Map the first 128 MiB of physical memory at the higher half.
	for addr := uint32(0); addr < mm.KernelLinearMapSize; addr += mm.PageSize {
		if err = mapPageDirect(dir, mm.KernelVirtualBase+addr, addr, FlagPresent|FlagWritable); err != nil {
			return err
		}
	}

	enablePagingFn(dirPhys)

	kernelDir = tableForPhysFn(dirPhys)
	currentDir = kernelDir

	kfmt.Printf("[vmm] paging enabled, kernel directory at 0x%8x\n", dirPhys)
	return nil
}

// mapPageDirect edits tables through their physical addresses. Only valid
// before CR0.PG is set.
func mapPageDirect(dir *Table, virt, phys uint32, flags Entry) *kernel.Error {
	pdi, pti := pdIndex(virt), ptIndex(virt)

	if !dir[pdi].HasFlags(FlagPresent) {
		ptFrame, err := allocFrameFn()
		if err != nil {
			return err
		}
		pt := (*Table)(unsafe.Pointer(uintptr(ptFrame.Address())))
		for i := range pt {
			pt[i] = 0
		}
		dir[pdi] = Entry(ptFrame.Address()) | FlagPresent | FlagWritable | (flags & FlagUser)
	}

	pt := (*Table)(unsafe.Pointer(uintptr(dir[pdi].Frame().Address())))
	pt[pti] = Entry(phys&^(mm.PageSize-1)) | flags
	return nil
}

// SwitchDirectory makes dir the active directory, reloading CR3 unless it is
// already active.
func SwitchDirectory(dir *Table) {
	if dir == nil || dir == currentDir {
		return
	}
	currentDir = dir
	switchPDTFn(virtToPhysFn(dir))
}
