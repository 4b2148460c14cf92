package elf

import (
	"testing"

	"frostbyte/kernel"
	"frostbyte/kernel/cpu"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/vmm"
	"frostbyte/kernel/proc"
)

// execEnv fakes the address-space and file plumbing of the loader.
type execEnv struct {
	frames   map[uint32]*[4096]byte
	maps     map[*vmm.Table]map[uint32]uint32
	next     uint32
	files    map[string][]byte
	kdir     *vmm.Table
	entered  int
	switched *vmm.Table
}

func installExecEnv(t *testing.T) *execEnv {
	t.Helper()

	env := &execEnv{
		frames: map[uint32]*[4096]byte{},
		maps:   map[*vmm.Table]map[uint32]uint32{},
		next:   0x00200000,
		files:  map[string][]byte{},
		kdir:   new(vmm.Table),
	}

	origOpen, origClose, origRead := openFn, closeFn, readFn
	origAlloc, origFree := allocFrameFn, freeFrameFn
	origMapIn, origWritePhys := mapInFn, writePhysFn
	origCreate, origDestroy := createDirectoryFn, destroyDirectoryFn
	origSwitch, origKernelDir := switchDirectoryFn, kernelDirectoryFn
	origCurrent, origEnter, origLink := currentFn, enterUserModeFn, linkDynamicFn
	t.Cleanup(func() {
		openFn, closeFn, readFn = origOpen, origClose, origRead
		allocFrameFn, freeFrameFn = origAlloc, origFree
		mapInFn, writePhysFn = origMapIn, origWritePhys
		createDirectoryFn, destroyDirectoryFn = origCreate, origDestroy
		switchDirectoryFn, kernelDirectoryFn = origSwitch, origKernelDir
		currentFn, enterUserModeFn, linkDynamicFn = origCurrent, origEnter, origLink
	})

	openFn = func(path string, flags uint32) (*vfs.Node, *kernel.Error) {
		data, ok := env.files[path]
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
		phys := env.next
		env.next += mm.PageSize
		env.frames[phys] = new([4096]byte)
		return mm.Frame(phys), nil
	}
	freeFrameFn = func(frame mm.Frame) { delete(env.frames, frame.Address()) }
	mapInFn = func(dir *vmm.Table, virt, phys uint32, flags vmm.Entry) *kernel.Error {
		if env.maps[dir] == nil {
			env.maps[dir] = map[uint32]uint32{}
		}
		env.maps[dir][virt&^0xFFF] = phys&^0xFFF | uint32(flags&0x7)
		return nil
	}
	writePhysFn = func(frame mm.Frame, off uint32, data []byte) *kernel.Error {
		page, ok := env.frames[frame.Address()]
		if !ok {
			return vmm.ErrNotMapped
		}
		copy(page[off:], data)
		return nil
	}
	createDirectoryFn = func() (*vmm.Table, *kernel.Error) {
		dir := new(vmm.Table)
		env.maps[dir] = map[uint32]uint32{}
		return dir, nil
	}
	destroyDirectoryFn = func(dir *vmm.Table) { delete(env.maps, dir) }
	switchDirectoryFn = func(dir *vmm.Table) { env.switched = dir }
	kernelDirectoryFn = func() *vmm.Table { return env.kdir }
	enterUserModeFn = func(ctx *cpu.Context) { env.entered++ }
	linkDynamicFn = nil

	return env
}

func eput16(b []byte, off int, v uint16) { b[off] = byte(v); b[off+1] = byte(v >> 8) }
func eput32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// buildExec assembles a minimal ET_EXEC image: one RX text segment at
// 0x08048000 and one RW data segment at 0x0804A000.
func buildExec() []byte {
	b := make([]byte, 0x600)
	copy(b, []byte{0x7F, 'E', 'L', 'F', 1, 1, 1})
	eput16(b, 16, ETExec)
	eput16(b, 18, EM386)
	eput32(b, 20, 1)
	eput32(b, 24, 0x08048080) // entry
	eput32(b, 28, 52)         // phoff
	eput16(b, 42, 32)         // phentsize
	eput16(b, 44, 2)          // phnum

	// Text: file [0x100..0x300) -> va 0x08048000, memsz == filesz.
	eput32(b, 52, PTLoad)
	eput32(b, 56, 0x100)
	eput32(b, 60, 0x08048000)
	eput32(b, 68, 0x200)
	eput32(b, 72, 0x200)
	eput32(b, 76, PFR|PFX)

	// Data: file [0x300..0x380) -> va 0x0804A000, memsz 0x1000 (bss tail).
	eput32(b, 84, PTLoad)
	eput32(b, 88, 0x300)
	eput32(b, 92, 0x0804A000)
	eput32(b, 100, 0x80)
	eput32(b, 104, 0x1000)
	eput32(b, 108, PFR|PFW)

	for i := 0; i < 0x200; i++ {
		b[0x100+i] = byte(0x90)
	}
	copy(b[0x300:], "DATA")
	return b
}

func (env *execEnv) read32(dir *vmm.Table, va uint32) uint32 {
	phys := env.maps[dir][va&^0xFFF] &^ 0xFFF
	page := env.frames[phys]
	off := va & 0xFFF
	return uint32(page[off]) | uint32(page[off+1])<<8 | uint32(page[off+2])<<16 | uint32(page[off+3])<<24
}

func TestDecodeHeaderValidation(t *testing.T) {
	good := buildExec()
	if _, err := DecodeHeader(good); err != nil {
		t.Fatal(err)
	}

	cases := []func(b []byte){
		func(b []byte) { b[0] = 0x7E },              // bad magic
		func(b []byte) { b[EIClass] = 2 },           // 64-bit
		func(b []byte) { b[EIData] = 2 },            // big endian
		func(b []byte) { eput16(b, 18, 62) },        // not EM_386
		func(b []byte) { eput32(b, 28, 0) },         // no program headers
	}
	for i, mutate := range cases {
		img := buildExec()
		mutate(img)
		if _, err := DecodeHeader(img); err != ErrBadImage {
			t.Errorf("case %d: expected ErrBadImage; got %v", i, err)
		}
	}
}

func TestLoadIntoProcessMapsSegmentsAndStack(t *testing.T) {
	env := installExecEnv(t)
	env.files["/bin/app"] = buildExec()

	p := &proc.Process{PID: 2, PageDirectory: env.kdir}
	if err := LoadIntoProcess("/bin/app", p, []string{"/bin/app", "arg"}, []string{"TERM=frosty"}); err != nil {
		t.Fatal(err)
	}

	dir := p.PageDirectory
	if dir == env.kdir {
		t.Fatal("process still on the kernel directory")
	}

	// Text mapped read-only+user, data writable, bss page present.
	text := env.maps[dir][0x08048000]
	if text&4 == 0 || text&2 != 0 {
		t.Fatalf("text flags wrong: %x", text)
	}
	data := env.maps[dir][0x0804A000]
	if data&2 == 0 {
		t.Fatalf("data not writable: %x", data)
	}

	// File bytes landed at the right offsets.
	if got := env.read32(dir, 0x0804A000); got != 0x41544144 { // "DATA"
		t.Fatalf("data content %x", got)
	}

	// Four stack pages below the stack top.
	for i := uint32(1); i <= 4; i++ {
		if _, ok := env.maps[dir][userStackTop-i*mm.PageSize]; !ok {
			t.Fatalf("stack page %d missing", i)
		}
	}

	// Context: user segments, entry EIP, ESP pointing at argc.
	if p.Context.EIP != 0x08048080 || !p.Context.UserMode() {
		t.Fatalf("context EIP/CS wrong: %+v", p.Context)
	}
	if p.Cmdline != "/bin/app" || p.Name != "app" {
		t.Fatalf("identity not updated: name=%q cmdline=%q", p.Name, p.Cmdline)
	}

	// The stack page holds argc at ESP and a NULL-terminated argv vector
	// right above it.
	esp := p.Context.ESP
	if esp%4 != 0 {
		t.Fatalf("ESP not word aligned: %x", esp)
	}
	if argc := env.read32(dir, esp); argc != 2 {
		t.Fatalf("argc on stack: %d", argc)
	}
	argv0 := env.read32(dir, esp+4)
	if argv0 == 0 {
		t.Fatal("argv[0] pointer missing")
	}
	if nullSlot := env.read32(dir, esp+4+2*4); nullSlot != 0 {
		t.Fatalf("argv not NULL terminated: %x", nullSlot)
	}

	// argv[0] points at the string bytes inside the same page.
	page := env.frames[env.maps[dir][argv0&^0xFFF]&^0xFFF]
	off := argv0 & 0xFFF
	if string(page[off:off+8]) != "/bin/app" {
		t.Fatalf("argv[0] string %q", page[off:off+8])
	}
}

func TestLoadRejectsNonExec(t *testing.T) {
	env := installExecEnv(t)
	img := buildExec()
	eput16(img, 16, ETDyn)
	env.files["/bin/pie"] = img

	p := &proc.Process{PID: 3}
	if err := LoadIntoProcess("/bin/pie", p, nil, nil); err != ErrBadImage {
		t.Fatalf("expected ErrBadImage; got %v", err)
	}
}

func TestBuildArgStackOverflow(t *testing.T) {
	big := make([]byte, 5000)
	for i := range big {
		big[i] = 'x'
	}
	if _, _, err := buildArgStack([]string{string(big)}, nil); err != errStackOverflow {
		t.Fatalf("expected errStackOverflow; got %v", err)
	}
}

func TestDynamicHookInvoked(t *testing.T) {
	env := installExecEnv(t)

	img := buildExec()
	// Repurpose the second program header as PT_DYNAMIC.
	eput32(img, 84, PTDynamic)
	env.files["/bin/dyn"] = img

	var hookDynVA uint32
	linkDynamicFn = func(dir *vmm.Table, path string, dynVA uint32) *kernel.Error {
		hookDynVA = dynVA
		return nil
	}

	p := &proc.Process{PID: 4}
	if err := LoadIntoProcess("/bin/dyn", p, nil, nil); err != nil {
		t.Fatal(err)
	}
	if hookDynVA != 0x0804A000 {
		t.Fatalf("dynamic hook vaddr 0x%x", hookDynVA)
	}
}
