package dynlink

import (
	"testing"

	"frostbyte/kernel"
	"frostbyte/kernel/elf"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/vmm"
)

// fakeAS emulates a user address space: pages are Go arrays keyed by a fake
// physical address, translations live in a side map.
type fakeAS struct {
	dir    *vmm.Table
	frames map[uint32]*[4096]byte
	maps   map[uint32]uint32 // va page -> phys
	next   uint32
	files  map[string][]byte
}

func installFakeAS(t *testing.T) *fakeAS {
	t.Helper()

	as := &fakeAS{
		dir:    new(vmm.Table),
		frames: map[uint32]*[4096]byte{},
		maps:   map[uint32]uint32{},
		next:   0x00100000,
		files:  map[string][]byte{},
	}

	origOpen, origClose, origRead := openFn, closeFn, readFn
	origAlloc, origFree := allocFrameFn, freeFrameFn
	origMapIn, origUnmapIn := mapInFn, unmapInFn
	origWritePhys, origReadPhys := writePhysFn, readPhysFn
	origGetPhys, origProtect, origFlush := getPhysInFn, protectInFn, flushTLBFn
	t.Cleanup(func() {
		openFn, closeFn, readFn = origOpen, origClose, origRead
		allocFrameFn, freeFrameFn = origAlloc, origFree
		mapInFn, unmapInFn = origMapIn, origUnmapIn
		writePhysFn, readPhysFn = origWritePhys, origReadPhys
		getPhysInFn, protectInFn, flushTLBFn = origGetPhys, origProtect, origFlush
		contexts = map[uint32]*Ctx{}
	})

	openFn = func(path string, flags uint32) (*vfs.Node, *kernel.Error) {
		data, ok := as.files[path]
		if !ok {
			return nil, vfs.ErrNotFound
		}
		node := vfs.NewNode(vfs.Basename(path), vfs.TypeFile, vfs.FlagRead)
		node.Private = data
		return node, nil
	}
	closeFn = func(n *vfs.Node) *kernel.Error { return nil }
	readFn = func(n *vfs.Node, off uint32, buf []byte) (int, *kernel.Error) {
		data, _ := n.Private.([]byte)
		if off >= uint32(len(data)) {
			return 0, nil
		}
		return copy(buf, data[off:]), nil
	}

	allocFrameFn = func() (mm.Frame, *kernel.Error) {
		phys := as.next
		as.next += mm.PageSize
		as.frames[phys] = new([4096]byte)
		return mm.Frame(phys), nil
	}
	freeFrameFn = func(frame mm.Frame) { delete(as.frames, frame.Address()) }
	mapInFn = func(dir *vmm.Table, virt, phys uint32, flags vmm.Entry) *kernel.Error {
		as.maps[virt&^0xFFF] = phys &^ 0xFFF
		return nil
	}
	unmapInFn = func(dir *vmm.Table, virt uint32) *kernel.Error {
		if phys, ok := as.maps[virt&^0xFFF]; ok {
			delete(as.frames, phys)
			delete(as.maps, virt&^0xFFF)
			return nil
		}
		return vmm.ErrNotMapped
	}
	getPhysInFn = func(dir *vmm.Table, virt uint32) uint32 {
		phys, ok := as.maps[virt&^0xFFF]
		if !ok {
			return 0
		}
		return phys | virt&0xFFF
	}
	writePhysFn = func(frame mm.Frame, off uint32, data []byte) *kernel.Error {
		page, ok := as.frames[frame.Address()]
		if !ok {
			return vmm.ErrNotMapped
		}
		copy(page[off:], data)
		return nil
	}
	readPhysFn = func(frame mm.Frame, off uint32, buf []byte) *kernel.Error {
		page, ok := as.frames[frame.Address()]
		if !ok {
			return vmm.ErrNotMapped
		}
		copy(buf, page[off:])
		return nil
	}
	protectInFn = func(dir *vmm.Table, virt uint32, writable bool) *kernel.Error { return nil }
	flushTLBFn = func() {}

	return as
}

// poke writes bytes directly into the fake address space, creating pages on
// demand (used to fabricate the main binary's in-memory image).
func (as *fakeAS) poke(va uint32, data []byte) {
	for i := 0; i < len(data); i++ {
		addr := va + uint32(i)
		page := addr &^ 0xFFF
		phys, ok := as.maps[page]
		if !ok {
			phys = as.next
			as.next += mm.PageSize
			as.frames[phys] = new([4096]byte)
			as.maps[page] = phys
		}
		as.frames[phys][addr&0xFFF] = data[i]
	}
}

func (as *fakeAS) peek32(va uint32) uint32 {
	phys := as.maps[va&^0xFFF]
	page := as.frames[phys]
	off := va & 0xFFF
	return uint32(page[off]) | uint32(page[off+1])<<8 | uint32(page[off+2])<<16 | uint32(page[off+3])<<24
}

func put16(b []byte, off int, v uint16) { b[off] = byte(v); b[off+1] = byte(v >> 8) }
func put32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// dynPairs appends (tag, value) words at off.
func dynPairs(b []byte, off int, pairs ...uint32) {
	for i := 0; i < len(pairs); i += 2 {
		put32(b, off+i*4, pairs[i])
		put32(b, off+i*4+4, pairs[i+1])
	}
}

// buildSharedLib assembles a minimal ET_DYN image exporting symName at
// vaddr 0x300.
func buildSharedLib(symName, soname string) []byte {
	b := make([]byte, 0x400)

	// ELF header.
	copy(b, []byte{0x7F, 'E', 'L', 'F', 1, 1, 1})
	put16(b, 16, elf.ETDyn)
	put16(b, 18, elf.EM386)
	put32(b, 20, 1)
	put32(b, 28, 52) // phoff
	put16(b, 42, 32) // phentsize
	put16(b, 44, 2)  // phnum

	// PT_LOAD covering the whole image at vaddr 0.
	put32(b, 52, elf.PTLoad)
	put32(b, 56, 0)     // offset
	put32(b, 60, 0)     // vaddr
	put32(b, 68, 0x400) // filesz
	put32(b, 72, 0x400) // memsz
	put32(b, 76, elf.PFR|elf.PFW|elf.PFX)
	put32(b, 80, 0x1000)

	// PT_DYNAMIC at vaddr 0x200.
	put32(b, 84, elf.PTDynamic)
	put32(b, 88, 0x200)
	put32(b, 92, 0x200)
	put32(b, 100, 0x40)
	put32(b, 104, 0x40)

	// Symbol table at 0x100: null symbol + the export.
	put32(b, 0x110, 1)     // st_name -> strtab+1
	put32(b, 0x114, 0x300) // st_value
	put32(b, 0x118, 8)     // st_size
	b[0x11C] = 0x12        // GLOBAL FUNC
	put16(b, 0x11E, 1)     // defined in section 1

	// String table at 0x120: \0<symName>\0<soname>\0
	strtab := b[0x120:]
	copy(strtab[1:], symName)
	sonameOff := 2 + len(symName)
	copy(strtab[sonameOff:], soname)

	// Hash table at 0x140: one bucket, two chain slots.
	put32(b, 0x140, 1) // nbucket
	put32(b, 0x144, 2) // nchain
	put32(b, 0x148, 1) // bucket[0] -> symbol 1
	put32(b, 0x14C, 0) // chain[0]
	put32(b, 0x150, 0) // chain[1]

	// Dynamic section at 0x200.
	dynPairs(b, 0x200,
		dtHash, 0x140,
		dtStrtab, 0x120,
		dtSymtab, 0x100,
		dtStrSz, 0x20,
		dtSoname, uint32(sonameOff),
		dtNull, 0,
	)

	// "Code" at 0x300.
	copy(b[0x300:], []byte{0xB8, 0x2A, 0, 0, 0, 0xC3})
	return b
}

// buildMainImage fabricates the in-memory image of an already-loaded PIE
// main binary: dynamic section, symbol/string/hash tables, one JMPREL slot.
func buildMainImage(as *fakeAS, needed string) (dynVA, gotVA uint32) {
	img := make([]byte, 0x1000)

	// String table at +0x100: \0mysqrt\0<needed>\0
	copy(img[0x101:], "mysqrt")
	neededOff := uint32(0x108 - 0x100)
	copy(img[0x108:], needed)

	// Symbol table at +0x180: null + undefined mysqrt.
	put32(img, 0x190, 1) // name
	img[0x19C] = 0x12
	put16(img, 0x19E, shnUndef)

	// Hash at +0x200.
	put32(img, 0x200, 1)
	put32(img, 0x204, 2)
	put32(img, 0x208, 1)
	put32(img, 0x20C, 0)
	put32(img, 0x210, 0)

	// JMPREL at +0x300: one R_386_JMP_SLOT for symbol 1 targeting the GOT
	// slot at +0x400.
	put32(img, 0x300, 0x08048000+0x400)
	put32(img, 0x304, 1<<8|r386JmpSlot)

	// Dynamic section at +0x000.
	dynPairs(img, 0,
		dtNeeded, neededOff,
		dtStrtab, 0x08048000+0x100,
		dtSymtab, 0x08048000+0x180,
		dtHash, 0x08048000+0x200,
		dtStrSz, 0x40,
		dtJmpRel, 0x08048000+0x300,
		dtPLTRelSz, 8,
		dtPLTRel, dtRel,
		dtNull, 0,
	)

	as.poke(0x08048000, img)
	return 0x08048000, 0x08048000 + 0x400
}

func TestLoadSharedMapsAboveLibraryBase(t *testing.T) {
	as := installFakeAS(t)
	as.files["/lib/libm.so"] = buildSharedLib("mysqrt", "libm.so")

	ctx := &Ctx{dir: as.dir}
	obj, err := ctx.LoadShared("/lib/libm.so")
	if err != nil {
		t.Fatal(err)
	}

	if obj.base < libraryBase {
		t.Fatalf("library loaded below the window: base=0x%x", obj.base)
	}
	if obj.soname != "libm.so" {
		t.Fatalf("soname %q", obj.soname)
	}

	// The exported symbol resolves at base + st_value.
	def, serr := obj.lookupIn("mysqrt")
	if serr != nil || def == nil {
		t.Fatalf("lookup failed: %v", serr)
	}
	if def.value != 0x300 {
		t.Fatalf("symbol value 0x%x", def.value)
	}

	// The code bytes landed at the rebased address.
	if got := as.peek32(obj.base + 0x300); got&0xFF != 0xB8 {
		t.Fatalf("code not loaded: %x", got)
	}
}

func TestLoadSharedRejectsExecutables(t *testing.T) {
	as := installFakeAS(t)
	lib := buildSharedLib("f", "l.so")
	put16(lib, 16, elf.ETExec)
	as.files["/lib/bad.so"] = lib

	ctx := &Ctx{dir: as.dir}
	if _, err := ctx.LoadShared("/lib/bad.so"); err != ErrNotDyn {
		t.Fatalf("expected ErrNotDyn; got %v", err)
	}
}

func TestLinkExecutableResolvesPLT(t *testing.T) {
	as := installFakeAS(t)
	as.files["/lib/libm.so"] = buildSharedLib("mysqrt", "libm.so")
	dynVA, gotVA := buildMainImage(as, "libm.so")

	ctx := &Ctx{dir: as.dir}
	if err := LinkExecutable(ctx, "/bin/app", dynVA); err != nil {
		t.Fatal(err)
	}

	if ctx.count != 2 {
		t.Fatalf("expected 2 objects; got %d", ctx.count)
	}
	lib := ctx.objs[1]
	if !lib.ready {
		t.Fatal("library not marked ready")
	}

	// Eager binding: the GOT slot already points at the definition.
	if got := as.peek32(gotVA); got != lib.base+0x300 {
		t.Fatalf("PLT slot 0x%x want 0x%x", got, lib.base+0x300)
	}
}

func TestMissingLibraryFails(t *testing.T) {
	as := installFakeAS(t)
	dynVA, _ := buildMainImage(as, "libnothere.so")

	ctx := &Ctx{dir: as.dir}
	if err := LinkExecutable(ctx, "/bin/app", dynVA); err != ErrLibNotFound {
		t.Fatalf("expected ErrLibNotFound; got %v", err)
	}
	if ctx.count > 1 {
		t.Fatal("failed link left libraries behind")
	}
}

func TestUnresolvedSymbolFails(t *testing.T) {
	as := installFakeAS(t)
	// The library exports a different symbol than the main binary needs.
	as.files["/lib/libm.so"] = buildSharedLib("other", "libm.so")
	dynVA, _ := buildMainImage(as, "libm.so")

	ctx := &Ctx{dir: as.dir}
	if err := LinkExecutable(ctx, "/bin/app", dynVA); err != ErrUnresolved {
		t.Fatalf("expected ErrUnresolved; got %v", err)
	}
}

func TestFirstLoadedDefinitionWins(t *testing.T) {
	as := installFakeAS(t)
	as.files["/lib/libA.so"] = buildSharedLib("sym", "libA.so")
	as.files["/lib/libB.so"] = buildSharedLib("sym", "libB.so")

	ctx := &Ctx{dir: as.dir}
	objA, err := ctx.LoadShared("/lib/libA.so")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = ctx.LoadShared("/lib/libB.so"); err != nil {
		t.Fatal(err)
	}

	defObj, def, lerr := ctx.lookupGlobal("sym")
	if lerr != nil || def == nil {
		t.Fatalf("lookup failed: %v", lerr)
	}
	if defObj != objA {
		t.Fatalf("expected first-loaded definition to win; got %s", defObj.name)
	}
}

func TestWindowsDoNotOverlap(t *testing.T) {
	as := installFakeAS(t)
	as.files["/lib/libA.so"] = buildSharedLib("a", "libA.so")
	as.files["/lib/libB.so"] = buildSharedLib("b", "libB.so")

	ctx := &Ctx{dir: as.dir}
	objA, _ := ctx.LoadShared("/lib/libA.so")
	objB, _ := ctx.LoadShared("/lib/libB.so")

	aStart, aEnd := objA.segs[0].start, objA.segs[0].end
	bStart, bEnd := objB.segs[0].start, objB.segs[0].end
	if aStart < bEnd && bStart < aEnd {
		t.Fatalf("windows overlap: [%x,%x) vs [%x,%x)", aStart, aEnd, bStart, bEnd)
	}
}

func TestRelativeRelocation(t *testing.T) {
	as := installFakeAS(t)

	// Library with one R_386_RELATIVE targeting vaddr 0x380, addend 0x44
	// stored in place.
	lib := buildSharedLib("f", "librel.so")
	// REL table at 0x160: offset 0x380, type RELATIVE.
	put32(lib, 0x160, 0x380)
	put32(lib, 0x164, r386Relative)
	// Rewrite the dynamic section including DT_REL.
	dynPairs(lib, 0x200,
		dtHash, 0x140,
		dtStrtab, 0x120,
		dtSymtab, 0x100,
		dtStrSz, 0x20,
		dtRel, 0x160,
		dtRelSz, 8,
		dtNull, 0,
	)
	put32(lib, 0x380, 0x44) // in-place addend
	as.files["/lib/librel.so"] = lib

	ctx := &Ctx{dir: as.dir}
	obj, err := ctx.LoadShared("/lib/librel.so")
	if err != nil {
		t.Fatal(err)
	}
	if err = ctx.relocateObject(obj, false); err != nil {
		t.Fatal(err)
	}

	if got := as.peek32(obj.base + 0x380); got != obj.base+0x44 {
		t.Fatalf("RELATIVE result 0x%x want 0x%x", got, obj.base+0x44)
	}
}

func TestNonRelPLTRejected(t *testing.T) {
	as := installFakeAS(t)

	lib := buildSharedLib("f", "libplt.so")
	dynPairs(lib, 0x200,
		dtHash, 0x140,
		dtStrtab, 0x120,
		dtSymtab, 0x100,
		dtJmpRel, 0x160,
		dtPLTRelSz, 8,
		dtPLTRel, dtRela, // RELA is not acceptable on i386
		dtNull, 0,
	)
	as.files["/lib/libplt.so"] = lib

	ctx := &Ctx{dir: as.dir}
	obj, err := ctx.LoadShared("/lib/libplt.so")
	if err != nil {
		t.Fatal(err)
	}
	if err = ctx.relocateObject(obj, false); err != ErrNonRelPLT {
		t.Fatalf("expected ErrNonRelPLT; got %v", err)
	}
}
