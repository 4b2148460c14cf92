package proc

import (
	"testing"
	"unsafe"

	"frostbyte/device"
	"frostbyte/kernel"
	"frostbyte/kernel/cpu"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/vmm"
)

func stackBase(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// testMapping is one fake PTE.
type testMapping struct {
	phys  uint32
	flags vmm.Entry
}

// testEnv swaps every hardware-touching seam of the proc package for fakes:
// page directories are plain tables with a side map of translations, kernel
// stacks are Go slices, context switches are recorded instead of performed.
type testEnv struct {
	kernelDir *vmm.Table
	mappings  map[*vmm.Table]map[uint32]testMapping
	content   map[uint32]byte
	nextFrame uint32
	freed     []uint32
	switches  int
	preempts  int
	ticks     uint64
	stacks    [][]byte
	destroyed []*vmm.Table
}

func installTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		kernelDir: new(vmm.Table),
		mappings:  make(map[*vmm.Table]map[uint32]testMapping),
		content:   make(map[uint32]byte),
		nextFrame: 0x01000000,
	}

	origSave, origDisable, origRestore := saveFlagsFn, disableInterruptsFn, restoreFlagsFn
	origSwitchCtx, origHalt := switchContextFn, haltFn
	origCreateDir, origDestroyDir := createDirectoryFn, destroyDirectoryFn
	origSwitchDir, origKernelDir := switchDirectoryFn, kernelDirectoryFn
	origMapIn, origZero := mapInFn, zeroFrameFn
	origAlloc, origFree := allocFrameFn, freeFrameFn
	origStackAlloc, origStackFree := stackAllocFn, stackFreeFn
	origTicks, origTTY := getTicksFn, findTTYFn
	origPreempt := setPreemptNeededFn
	origIdleAddr := idleEntryAddrFn
	origCopyFrame, origGetPhys := copyFrameFn, getPhysicalInFn
	origEntryFlags, origUnmapIn := entryFlagsInFn, unmapInFn
	origCloseAll, origCopyFork, origStdio := fdCloseAllFn, fdCopyOnForkFn, fdInitStdioFn

	t.Cleanup(func() {
		saveFlagsFn, disableInterruptsFn, restoreFlagsFn = origSave, origDisable, origRestore
		switchContextFn, haltFn = origSwitchCtx, origHalt
		createDirectoryFn, destroyDirectoryFn = origCreateDir, origDestroyDir
		switchDirectoryFn, kernelDirectoryFn = origSwitchDir, origKernelDir
		mapInFn, zeroFrameFn = origMapIn, origZero
		allocFrameFn, freeFrameFn = origAlloc, origFree
		stackAllocFn, stackFreeFn = origStackAlloc, origStackFree
		getTicksFn, findTTYFn = origTicks, origTTY
		setPreemptNeededFn = origPreempt
		idleEntryAddrFn = origIdleAddr
		copyFrameFn, getPhysicalInFn = origCopyFrame, origGetPhys
		entryFlagsInFn, unmapInFn = origEntryFlags, origUnmapIn
		fdCloseAllFn, fdCopyOnForkFn, fdInitStdioFn = origCloseAll, origCopyFork, origStdio
		for i := range processTable {
			processTable[i] = Process{}
		}
		current = nil
		nextPID = 1
	})

	saveFlagsFn = func() uint32 { return 0 }
	disableInterruptsFn = func() {}
	restoreFlagsFn = func(uint32) {}
	switchContextFn = func(old, next *cpu.Context) { env.switches++ }
	haltFn = func() {}
	idleEntryAddrFn = func() uint32 { return 0x1000 }

	// The fake kernel directory carries the identity PDE pair that
	// CreateDirectory aliases into every process directory.
	env.kernelDir[0] = vmm.FlagPresent | vmm.Entry(0x00010000)
	env.kernelDir[1] = vmm.FlagPresent | vmm.Entry(0x00011000)

	createDirectoryFn = func() (*vmm.Table, *kernel.Error) {
		dir := new(vmm.Table)
		dir[0], dir[1] = env.kernelDir[0], env.kernelDir[1]
		env.mappings[dir] = make(map[uint32]testMapping)
		return dir, nil
	}
	destroyDirectoryFn = func(dir *vmm.Table) {
		env.destroyed = append(env.destroyed, dir)
		for _, m := range env.mappings[dir] {
			env.freed = append(env.freed, m.phys)
		}
		delete(env.mappings, dir)
	}
	switchDirectoryFn = func(*vmm.Table) {}
	kernelDirectoryFn = func() *vmm.Table { return env.kernelDir }
	mapInFn = func(dir *vmm.Table, virt, phys uint32, flags vmm.Entry) *kernel.Error {
		if env.mappings[dir] == nil {
			env.mappings[dir] = make(map[uint32]testMapping)
		}
		if dir[virt>>22] == 0 {
			dir[virt>>22] = vmm.FlagPresent
		}
		env.mappings[dir][virt&^0xFFF] = testMapping{phys: phys &^ 0xFFF, flags: flags}
		return nil
	}
	unmapInFn = func(dir *vmm.Table, virt uint32) *kernel.Error {
		if m, ok := env.mappings[dir][virt&^0xFFF]; ok {
			env.freed = append(env.freed, m.phys)
			delete(env.mappings[dir], virt&^0xFFF)
			return nil
		}
		return vmm.ErrNotMapped
	}
	getPhysicalInFn = func(dir *vmm.Table, virt uint32) uint32 {
		if m, ok := env.mappings[dir][virt&^0xFFF]; ok {
			return m.phys | virt&0xFFF
		}
		return 0
	}
	entryFlagsInFn = func(dir *vmm.Table, virt uint32) vmm.Entry {
		return env.mappings[dir][virt&^0xFFF].flags
	}
	zeroFrameFn = func(phys uint32) *kernel.Error {
		env.content[phys] = 0
		return nil
	}
	allocFrameFn = func() (mm.Frame, *kernel.Error) {
		frame := env.nextFrame
		env.nextFrame += mm.PageSize
		return mm.Frame(frame), nil
	}
	freeFrameFn = func(frame mm.Frame) { env.freed = append(env.freed, frame.Address()) }
	copyFrameFn = func(dst, src mm.Frame) *kernel.Error {
		env.content[dst.Address()] = env.content[src.Address()]
		return nil
	}

	stackAllocFn = func(size uint32) (uintptr, *kernel.Error) {
		buf := make([]byte, size)
		env.stacks = append(env.stacks, buf)
		return stackBase(buf), nil
	}
	stackFreeFn = func(uintptr) {}

	getTicksFn = func() uint64 { return env.ticks }
	findTTYFn = func(string) *device.Device { return nil }
	setPreemptNeededFn = func() { env.preempts++ }

	fdCloseAllFn, fdCopyOnForkFn, fdInitStdioFn = nil, nil, nil

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	return env
}
