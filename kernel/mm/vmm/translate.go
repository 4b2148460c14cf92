package vmm

// GetPhysical walks the active directory and returns the physical address
// that virt translates to, or 0 when the address is unmapped.
func GetPhysical(virt uint32) uint32 {
	return GetPhysicalIn(CurrentDirectory(), virt)
}

// GetPhysicalIn walks an arbitrary directory without switching CR3.
func GetPhysicalIn(dir *Table, virt uint32) uint32 {
	if dir == nil {
		return 0
	}

	pdi, pti := pdIndex(virt), ptIndex(virt)
	if !dir[pdi].HasFlags(FlagPresent) {
		return 0
	}

	eflags := saveFlagsFn()
	disableInterruptsFn()
	pt, saved, err := ptWindow(dir[pdi].Frame().Address())
	if err != nil {
		restoreFlagsFn(eflags)
		return 0
	}

	entry := pt[pti]
	closePtWindow(saved)
	restoreFlagsFn(eflags)

	if !entry.HasFlags(FlagPresent) {
		return 0
	}
	return entry.Frame().Address() + (virt & 0xFFF)
}

// EntryFlagsIn returns the PTE flag bits for virt in dir, or zero when the
// address is unmapped.
func EntryFlagsIn(dir *Table, virt uint32) Entry {
	if dir == nil {
		return 0
	}

	pdi, pti := pdIndex(virt), ptIndex(virt)
	if !dir[pdi].HasFlags(FlagPresent) {
		return 0
	}

	eflags := saveFlagsFn()
	disableInterruptsFn()
	pt, saved, err := ptWindow(dir[pdi].Frame().Address())
	if err != nil {
		restoreFlagsFn(eflags)
		return 0
	}

	entry := pt[pti]
	closePtWindow(saved)
	restoreFlagsFn(eflags)

	if !entry.HasFlags(FlagPresent) {
		return 0
	}
	return entry & (FlagPresent | FlagWritable | FlagUser | FlagAccessed | FlagDirty)
}
