package dynlink

import (
	"frostbyte/kernel"
	"frostbyte/kernel/elf"
	"frostbyte/kernel/mm/vmm"
	"frostbyte/kernel/proc"
)

// InstallLoaderHook wires the linker into the ELF loader so executables
// with a PT_DYNAMIC segment get their dependencies loaded and relocations
// applied before the first user instruction runs.
func InstallLoaderHook() {
	elf.SetDynamicLinker(func(dir *vmm.Table, path string, dynVA uint32) *kernel.Error {
		pid := uint32(0)
		if cur := proc.Current(); cur != nil {
			pid = cur.PID
		}
		ctx := ContextFor(pid, dir)
		return LinkExecutable(ctx, path, dynVA)
	})
	proc.AddDestroyHook(DropContext)
}
