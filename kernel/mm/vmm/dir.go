package vmm

import (
	"frostbyte/kernel"
	"frostbyte/kernel/mm"
)

// CreateDirectory allocates a fresh page directory whose kernel half mirrors
// the master directory. The identity PDEs 0 and 1 are aliased, not cloned,
// so scratch-window helpers work under the new directory; DestroyDirectory
// knows never to free them.
func CreateDirectory() (*Table, *kernel.Error) {
	dirFrame, err := allocFrameFn()
	if err != nil {
		return nil, err
	}

	dirPhys := dirFrame.Address()

	// Make the directory reachable at its higher-half alias before
	// touching it; frames above the linear map top are not implicitly
	// mapped.
	saved := currentDir
	currentDir = kernelDir
	mapErr := Map(uint32(dirPhys+mm.KernelVirtualBase), dirPhys, FlagPresent|FlagWritable)
	currentDir = saved
	if mapErr != nil {
		freeFrameFn(dirFrame)
		return nil, mapErr
	}

	dir := tableForPhysFn(dirPhys)
	for i := range dir {
		dir[i] = 0
	}

	// Mirror the kernel half and alias the identity PDEs.
	for i := kernelPDEBase; i < tableEntries; i++ {
		if kernelDir[i].HasFlags(FlagPresent) {
			dir[i] = kernelDir[i]
		}
	}
	if kernelDir[0].HasFlags(FlagPresent) {
		dir[0] = kernelDir[0]
	}
	if kernelDir[1].HasFlags(FlagPresent) {
		dir[1] = kernelDir[1]
	}

	return dir, nil
}

// MapKernelSpace refreshes the kernel half of dir from the master directory.
// Called after the master grows a new kernel page table so existing process
// directories observe it.
func MapKernelSpace(dir *Table) {
	if dir == nil || kernelDir == nil {
		return
	}
	for i := kernelPDEBase; i < tableEntries; i++ {
		dir[i] = kernelDir[i]
	}
}

// DestroyDirectory tears down a process directory: every frame mapped by a
// user PDE is returned to the allocator, then the page tables themselves,
// then the directory frame. PDEs shared with the master directory (the
// identity pair and the kernel half) are never freed.
func DestroyDirectory(dir *Table) {
	if dir == nil || dir == kernelDir {
		return
	}

	for i := 0; i < kernelPDEBase; i++ {
		if !dir[i].HasFlags(FlagPresent) {
			continue
		}
		if i < 2 && kernelDir != nil && dir[i] == kernelDir[i] {
			continue
		}

		ptPhys := dir[i].Frame()

		eflags := saveFlagsFn()
		disableInterruptsFn()
		if pt, saved, err := ptWindow(ptPhys.Address()); err == nil {
			for j := range pt {
				if pt[j].HasFlags(FlagPresent) {
					freeFrameFn(pt[j].Frame())
					pt[j] = 0
				}
			}
			closePtWindow(saved)
		}
		restoreFlagsFn(eflags)

		freeFrameFn(ptPhys)
		dir[i] = 0
	}

	dirPhys := virtToPhysFn(dir)

	// Drop the higher-half alias installed by CreateDirectory, then give
	// the directory frame back.
	saved := currentDir
	currentDir = kernelDir
	UnmapNoFree(dirPhys + mm.KernelVirtualBase)
	currentDir = saved

	freeFrameFn(mm.Frame(dirPhys))
}
