package vmm

import (
	"frostbyte/kernel"
	"frostbyte/kernel/mm"
)

// noSavedEntry marks a scratch window that did not retarget a PTE (the frame
// was reachable through the boot mappings already).
const noSavedEntry = Entry(0xFFFFFFFF)

var errScratchUnavailable = &kernel.Error{Module: "vmm", Message: "scratch mapping slot unavailable", Errno: kernel.EFAULT}

// ptWindow gives access to an arbitrary page-table frame. Frames below the
// identity-map top are reached through the higher-half alias; anything else
// is temporarily installed at PTScratchVA. The caller must keep interrupts
// disabled from the call until the matching closePtWindow: the slot is a
// single shared resource and recursive use is forbidden.
func ptWindow(ptPhys uint32) (*Table, Entry, *kernel.Error) {
	if ptPhys < mm.IdentityMapEnd {
		return tableForPhysFn(ptPhys), noSavedEntry, nil
	}

	dir := CurrentDirectory()
	if dir == nil {
		return nil, 0, errScratchUnavailable
	}

	pdi, pti := pdIndex(mm.PTScratchVA), ptIndex(mm.PTScratchVA)
	if !dir[pdi].HasFlags(FlagPresent) {
		return nil, 0, errScratchUnavailable
	}

	// The PT covering PTScratchVA was allocated from the low identity
	// region at boot, so it is directly reachable.
	idPT := tableForPhysFn(dir[pdi].Frame().Address())
	saved := idPT[pti]
	idPT[pti] = Entry(ptPhys&^(mm.PageSize-1)) | FlagPresent | FlagWritable
	flushTLBFn()

	return scratchTableFn(mm.PTScratchVA), saved, nil
}

// closePtWindow restores the PTE displaced by ptWindow.
func closePtWindow(saved Entry) {
	if saved == noSavedEntry {
		return
	}

	dir := CurrentDirectory()
	if dir == nil {
		return
	}

	pdi, pti := pdIndex(mm.PTScratchVA), ptIndex(mm.PTScratchVA)
	idPT := tableForPhysFn(dir[pdi].Frame().Address())
	idPT[pti] = saved
	flushTLBFn()
}

// MapTemp installs phys at the single TempMapVA scratch slot and returns the
// previously installed entry so UnmapTemp can restore it. Callers must hold
// interrupts off while the window is active.
func MapTemp(phys uint32) (uint32, Entry, *kernel.Error) {
	dir := CurrentDirectory()
	if dir == nil {
		return 0, 0, errScratchUnavailable
	}

	pdi, pti := pdIndex(mm.TempMapVA), ptIndex(mm.TempMapVA)
	if !dir[pdi].HasFlags(FlagPresent) {
		return 0, 0, errScratchUnavailable
	}

	pt := tableForPhysFn(dir[pdi].Frame().Address())
	saved := pt[pti]
	pt[pti] = Entry(phys&^(mm.PageSize-1)) | FlagPresent | FlagWritable
	flushTLBFn()

	return mm.TempMapVA, saved, nil
}

// UnmapTemp restores the entry displaced by a MapTemp call.
func UnmapTemp(saved Entry) {
	dir := CurrentDirectory()
	if dir == nil {
		return
	}

	pdi, pti := pdIndex(mm.TempMapVA), ptIndex(mm.TempMapVA)
	if !dir[pdi].HasFlags(FlagPresent) {
		return
	}

	pt := tableForPhysFn(dir[pdi].Frame().Address())
	pt[pti] = saved
	flushTLBFn()
}

// ZeroFrame clears a physical frame through the TempMapVA window.
func ZeroFrame(phys uint32) *kernel.Error {
	flags := saveFlagsFn()
	disableInterruptsFn()
	defer restoreFlagsFn(flags)

	va, saved, err := MapTemp(phys)
	if err != nil {
		return err
	}
	memsetFn(va, 0, mm.PageSize)
	UnmapTemp(saved)
	return nil
}
