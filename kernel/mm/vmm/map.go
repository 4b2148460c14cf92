package vmm

import (
	"frostbyte/kernel"
	"frostbyte/kernel/mm"
)

// Map establishes a mapping between a virtual page and a physical frame in
// the currently active directory. A missing page table is allocated and
// zeroed through the scratch window. Mapping an already-mapped address
// overwrites the old translation.
func Map(virt, phys uint32, flags Entry) *kernel.Error {
	return MapIn(CurrentDirectory(), virt, phys, flags)
}

// MapIn behaves like Map but operates on an arbitrary directory without
// switching CR3.
func MapIn(dir *Table, virt, phys uint32, flags Entry) *kernel.Error {
	if dir == nil {
		return errNilDirectory
	}

	pdi, pti := pdIndex(virt), ptIndex(virt)

	if !dir[pdi].HasFlags(FlagPresent) {
		ptFrame, err := allocFrameFn()
		if err != nil {
			return err
		}

		dir[pdi] = Entry(ptFrame.Address()) | FlagPresent | FlagWritable | (flags & FlagUser)

		eflags := saveFlagsFn()
		disableInterruptsFn()
		pt, saved, werr := ptWindow(ptFrame.Address())
		if werr != nil {
			restoreFlagsFn(eflags)
			dir[pdi] = 0
			freeFrameFn(ptFrame)
			return werr
		}
		for i := range pt {
			pt[i] = 0
		}
		closePtWindow(saved)
		restoreFlagsFn(eflags)
	}

	eflags := saveFlagsFn()
	disableInterruptsFn()
	pt, saved, werr := ptWindow(dir[pdi].Frame().Address())
	if werr != nil {
		restoreFlagsFn(eflags)
		return werr
	}
	pt[pti] = Entry(phys&^(mm.PageSize-1)) | flags
	closePtWindow(saved)
	restoreFlagsFn(eflags)

	if dir == CurrentDirectory() {
		flushTLBEntryFn(virt)
	}
	return nil
}

// unmapIn removes the translation for virt in dir, optionally freeing the
// backing frame. It reports ErrNotMapped when no translation exists.
func unmapIn(dir *Table, virt uint32, freeFrame bool) *kernel.Error {
	if dir == nil {
		return errNilDirectory
	}

	pdi, pti := pdIndex(virt), ptIndex(virt)
	if !dir[pdi].HasFlags(FlagPresent) {
		return ErrNotMapped
	}

	eflags := saveFlagsFn()
	disableInterruptsFn()
	pt, saved, werr := ptWindow(dir[pdi].Frame().Address())
	if werr != nil {
		restoreFlagsFn(eflags)
		return werr
	}

	entry := pt[pti]
	if !entry.HasFlags(FlagPresent) {
		closePtWindow(saved)
		restoreFlagsFn(eflags)
		return ErrNotMapped
	}

	pt[pti] = 0
	closePtWindow(saved)
	restoreFlagsFn(eflags)

	if freeFrame {
		freeFrameFn(entry.Frame())
	}

	if dir == CurrentDirectory() {
		flushTLBEntryFn(virt)
	}
	return nil
}

// ProtectIn toggles the writable bit of an existing translation in dir,
// flushing the TLB entry when dir is active. Used by the dynamic linker to
// open and close text segments around textrel passes.
func ProtectIn(dir *Table, virt uint32, writable bool) *kernel.Error {
	if dir == nil {
		return errNilDirectory
	}

	pdi, pti := pdIndex(virt), ptIndex(virt)
	if !dir[pdi].HasFlags(FlagPresent) {
		return ErrNotMapped
	}

	eflags := saveFlagsFn()
	disableInterruptsFn()
	pt, saved, werr := ptWindow(dir[pdi].Frame().Address())
	if werr != nil {
		restoreFlagsFn(eflags)
		return werr
	}

	entry := pt[pti]
	if !entry.HasFlags(FlagPresent) {
		closePtWindow(saved)
		restoreFlagsFn(eflags)
		return ErrNotMapped
	}
	if writable {
		entry |= FlagWritable
	} else {
		entry &^= FlagWritable
	}
	pt[pti] = entry
	closePtWindow(saved)
	restoreFlagsFn(eflags)

	if dir == CurrentDirectory() {
		flushTLBEntryFn(virt)
	}
	return nil
}

// Unmap removes the translation for virt in the active directory and
// releases the backing frame to the frame allocator.
func Unmap(virt uint32) *kernel.Error {
	return unmapIn(CurrentDirectory(), virt, true)
}

// UnmapNoFree removes the translation for virt without releasing the frame;
// used for shared frames (SHM segments, borrowed windows).
func UnmapNoFree(virt uint32) *kernel.Error {
	return unmapIn(CurrentDirectory(), virt, false)
}

// UnmapIn removes the translation for virt in an arbitrary directory and
// frees the backing frame.
func UnmapIn(dir *Table, virt uint32) *kernel.Error {
	return unmapIn(dir, virt, true)
}

// UnmapInNoFree removes the translation for virt in an arbitrary directory
// keeping the frame alive.
func UnmapInNoFree(dir *Table, virt uint32) *kernel.Error {
	return unmapIn(dir, virt, false)
}
