package proc

import (
	"frostbyte/kernel"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/vmm"
)

var (
	errForkNoUser = &kernel.Error{Module: "proc", Message: "fork requires a user process", Errno: kernel.EINVAL}

	copyFrameFn     = vmm.CopyFrame
	getPhysicalInFn = vmm.GetPhysicalIn
	entryFlagsInFn  = vmm.EntryFlagsIn
	unmapInFn       = vmm.UnmapIn
)

// Fork clones the current user process: a new slot with a private copy of
// every user page, the same saved user context (EAX forced to zero so the
// child observes a 0 return), a verbatim descriptor table with shared
// open-file objects, and inherited credentials, cwd and controlling TTY.
// Returns the child process; the caller reports child.PID to the parent.
func Fork() (*Process, *kernel.Error) {
	parent := current
	if parent == nil || parent.PageDirectory == nil || parent.PageDirectory == kernelDirectoryFn() {
		return nil, errForkNoUser
	}

	child, err := Create(parent.Name, parent.Context.EIP, true)
	if err != nil {
		return nil, err
	}

	// Replace the fresh stack/heap layout from Create with a byte-exact
	// copy of the parent's user half.
	if err = cloneUserPages(parent.PageDirectory, child.PageDirectory); err != nil {
		child.State = StateEmbryo
		Destroy(child)
		return nil, err
	}

	child.Cmdline = parent.Cmdline
	child.UserStackTop = parent.UserStackTop
	child.HeapStart = parent.HeapStart
	child.HeapEnd = parent.HeapEnd
	child.UserEIP = parent.UserEIP
	child.TTY = parent.TTY
	child.TTYMode = parent.TTYMode
	child.SigBlocked = parent.SigBlocked
	child.SigHandlers = parent.SigHandlers

	child.Context = parent.Context
	child.Context.EAX = 0
	child.InKernel = false

	if fdCopyOnForkFn != nil {
		fdCopyOnForkFn(parent, child)
	}

	return child, nil
}

// cloneUserPages walks every user PDE of src and copies the frames it maps
// into freshly allocated frames mapped at the same virtual addresses in dst.
// The identity PDEs (aliased from the kernel directory) are skipped: they
// are shared, not owned.
func cloneUserPages(src, dst *vmm.Table) *kernel.Error {
	kdir := kernelDirectoryFn()

	for pdi := uint32(0); pdi < 768; pdi++ {
		pde := src[pdi]
		if !pde.HasFlags(vmm.FlagPresent) {
			continue
		}
		if pdi < 2 && kdir != nil && pde == kdir[pdi] {
			continue
		}

		for pti := uint32(0); pti < 1024; pti++ {
			virt := pdi<<22 | pti<<12
			phys := getPhysicalInFn(src, virt)
			if phys == 0 {
				continue
			}

			frame, err := allocFrameFn()
			if err != nil {
				return err
			}
			if err = copyFrameFn(frame, mm.FrameFromAddress(phys)); err != nil {
				freeFrameFn(frame)
				return err
			}

			flags := vmm.FlagPresent | vmm.FlagUser
			// Preserve writability; everything a user process maps
			// privately is either RW data or RO text.
			if wr := pageWritableIn(src, virt); wr {
				flags |= vmm.FlagWritable
			}
			// Create gave the child a fresh stack; give any frame
			// already mapped at this address back before replacing
			// the translation.
			unmapInFn(dst, virt)
			if err = mapInFn(dst, virt, frame.Address(), flags); err != nil {
				freeFrameFn(frame)
				return err
			}
		}
	}
	return nil
}

// pageWritableIn reports whether the PTE for virt in dir carries the
// writable bit.
func pageWritableIn(dir *vmm.Table, virt uint32) bool {
	return entryFlagsInFn(dir, virt)&vmm.FlagWritable != 0
}
