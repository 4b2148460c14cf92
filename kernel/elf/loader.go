package elf

import (
	"frostbyte/device"
	"frostbyte/kernel"
	"frostbyte/kernel/cpu"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/pmm"
	"frostbyte/kernel/mm/vmm"
	"frostbyte/kernel/proc"
)

// User stack layout for exec'd programs: four pages ending at userStackTop,
// with the argument block built inside the single top page.
const (
	userStackTop   = uint32(0x02000000)
	userStackPages = 4
)

var (
	errStackOverflow = &kernel.Error{Module: "elf", Message: "argument block exceeds one page", Errno: kernel.E2BIG}

	// The following vars are replaced by tests and are automatically
	// inlined by the compiler.
	openFn            = vfs.Open
	closeFn           = vfs.Close
	readFn            = vfs.Read
	allocFrameFn      = pmm.AllocFrame
	freeFrameFn       = pmm.FreeFrame
	mapInFn           = vmm.MapIn
	writePhysFn       = vmm.WritePhys
	createDirectoryFn = vmm.CreateDirectory
	destroyDirectoryFn = vmm.DestroyDirectory
	switchDirectoryFn = vmm.SwitchDirectory
	kernelDirectoryFn = vmm.KernelDirectory
	currentFn         = proc.Current
	enterUserModeFn   = cpu.EnterUserMode

	// linkDynamicFn is installed by the dynlink package; it resolves
	// DT_NEEDED dependencies and applies relocations for a freshly
	// loaded main binary with a PT_DYNAMIC segment.
	linkDynamicFn func(dir *vmm.Table, path string, dynVAddr uint32) *kernel.Error
)

// SetDynamicLinker registers the dynamic-link entry point used when an
// executable carries a PT_DYNAMIC segment.
func SetDynamicLinker(fn func(dir *vmm.Table, path string, dynVAddr uint32) *kernel.Error) {
	linkDynamicFn = fn
}

// loadSegments maps and fills every PT_LOAD of the image into dir. Returns
// the PT_DYNAMIC vaddr (0 when absent).
func loadSegments(node *vfs.Node, h *Header, dir *vmm.Table) (uint32, *kernel.Error) {
	var (
		phRaw  [32]byte
		dynVA  uint32
	)

	for i := uint16(0); i < h.PhNum; i++ {
		off := h.PhOff + uint32(i)*uint32(h.PhEntSize)
		n, err := readFn(node, off, phRaw[:])
		if err != nil {
			return 0, err
		}
		if n != len(phRaw) {
			return 0, ErrBadImage
		}
		ph, perr := DecodeProgHeader(phRaw[:])
		if perr != nil {
			return 0, perr
		}

		if ph.Type == PTDynamic {
			dynVA = ph.VAddr
		}
		if ph.Type != PTLoad || ph.MemSz == 0 {
			continue
		}

		segStart := mm.PageAlignDown(ph.VAddr)
		segEnd := mm.PageAlignUp(ph.VAddr + ph.MemSz)
		fileRemaining := ph.FileSz
		fileCursor := uint32(0)

		flags := vmm.FlagPresent | vmm.FlagUser
		if ph.Flags&PFW != 0 {
			flags |= vmm.FlagWritable
		}

		for va := segStart; va < segEnd; va += mm.PageSize {
			frame, aerr := allocFrameFn()
			if aerr != nil {
				return 0, aerr
			}
			if merr := mapInFn(dir, va, frame.Address(), flags); merr != nil {
				freeFrameFn(frame)
				return 0, merr
			}

			// Zero the page then pull in the file bytes that land on it.
			page := make([]byte, mm.PageSize)
			dataStart := uint32(0)
			if va < ph.VAddr {
				dataStart = ph.VAddr - va
			}
			if fileRemaining > 0 {
				toCopy := mm.PageSize - dataStart
				if toCopy > fileRemaining {
					toCopy = fileRemaining
				}
				n, rerr := readFn(node, ph.Offset+fileCursor, page[dataStart:dataStart+toCopy])
				if rerr != nil {
					return 0, rerr
				}
				fileRemaining -= uint32(n)
				fileCursor += uint32(n)
			}
			if werr := writePhysFn(frame, 0, page); werr != nil {
				return 0, werr
			}
		}
	}
	return dynVA, nil
}

// buildArgStack lays out the SysV i386 argument block inside the top stack
// page: argc, the argv and envp vectors (NULL terminated) and the string
// bytes, with ESP landing 16-aligned minus the argc word.
func buildArgStack(argv, envp []string) (page []byte, esp uint32, err *kernel.Error) {
	stringsSize := uint32(0)
	for _, s := range argv {
		stringsSize += uint32(len(s)) + 1
	}
	for _, s := range envp {
		stringsSize += uint32(len(s)) + 1
	}
	argvVecBytes := 4 * (uint32(len(argv)) + 1)
	envpVecBytes := 4 * (uint32(len(envp)) + 1)
	if stringsSize+argvVecBytes+envpVecBytes+4+16 > mm.PageSize {
		return nil, 0, errStackOverflow
	}

	page = make([]byte, mm.PageSize)
	pageVA := userStackTop - mm.PageSize

	put32 := func(va, v uint32) {
		off := va - pageVA
		page[off] = byte(v)
		page[off+1] = byte(v >> 8)
		page[off+2] = byte(v >> 16)
		page[off+3] = byte(v >> 24)
	}

	sp := userStackTop
	envpUser := make([]uint32, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		sp -= uint32(len(envp[i])) + 1
		copy(page[sp-pageVA:], envp[i])
		envpUser[i] = sp
	}
	argvUser := make([]uint32, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		sp -= uint32(len(argv[i])) + 1
		copy(page[sp-pageVA:], argv[i])
		argvUser[i] = sp
	}

	vecBase := (sp - argvVecBytes - envpVecBytes) &^ 0xF
	argvVecVA := vecBase
	envpVecVA := vecBase + argvVecBytes
	// The argv vector must begin immediately after argc at [esp+4]; no
	// padding in between.
	esp = vecBase - 4

	for i, va := range argvUser {
		put32(argvVecVA+uint32(i)*4, va)
	}
	put32(argvVecVA+uint32(len(argv))*4, 0)
	for i, va := range envpUser {
		put32(envpVecVA+uint32(i)*4, va)
	}
	put32(envpVecVA+uint32(len(envp))*4, 0)
	put32(esp, uint32(len(argv)))

	return page, esp, nil
}

// LoadIntoProcess loads an ET_EXEC image into a fresh address space for p,
// builds its argument stack and rewrites its user context. The previous
// directory is destroyed (unless it was the kernel master).
func LoadIntoProcess(path string, p *proc.Process, argv, envp []string) *kernel.Error {
	node, err := openFn(path, vfs.FlagRead)
	if err != nil {
		return err
	}
	defer closeFn(node)

	var hdrRaw [52]byte
	n, rerr := readFn(node, 0, hdrRaw[:])
	if rerr != nil {
		return rerr
	}
	if n != len(hdrRaw) {
		return ErrBadImage
	}
	h, herr := DecodeHeader(hdrRaw[:])
	if herr != nil {
		return herr
	}
	if h.Type != ETExec {
		return ErrBadImage
	}

	dir, derr := createDirectoryFn()
	if derr != nil {
		return derr
	}
	mapInFn(dir, 0x000B8000, 0x000B8000, vmm.FlagPresent|vmm.FlagWritable)

	dynVA, lerr := loadSegments(node, &h, dir)
	if lerr != nil {
		destroyDirectoryFn(dir)
		return lerr
	}

	// Map the user stack, filling the top page with the argument block.
	page, esp, serr := buildArgStack(argv, envp)
	if serr != nil {
		destroyDirectoryFn(dir)
		return serr
	}
	for i := 0; i < userStackPages; i++ {
		frame, aerr := allocFrameFn()
		if aerr != nil {
			destroyDirectoryFn(dir)
			return aerr
		}
		va := userStackTop - uint32(i+1)*mm.PageSize
		if merr := mapInFn(dir, va, frame.Address(), vmm.FlagPresent|vmm.FlagUser|vmm.FlagWritable); merr != nil {
			freeFrameFn(frame)
			destroyDirectoryFn(dir)
			return merr
		}
		if i == 0 {
			if werr := writePhysFn(frame, 0, page); werr != nil {
				destroyDirectoryFn(dir)
				return werr
			}
		}
	}

	if dynVA != 0 && linkDynamicFn != nil {
		if lerr := linkDynamicFn(dir, path, dynVA); lerr != nil {
			destroyDirectoryFn(dir)
			return lerr
		}
	}

	oldDir := p.PageDirectory
	p.PageDirectory = dir
	p.UserStackTop = userStackTop
	p.HeapStart = proc.UserHeapBase
	p.HeapEnd = proc.UserHeapBase
	p.UserEIP = h.Entry
	p.Name = vfs.Basename(path)
	if len(argv) > 0 {
		p.Cmdline = argv[0]
	} else {
		p.Cmdline = path
	}
	p.TTYMode = device.TTYModeCanon | device.TTYModeEcho

	p.Context = cpu.Context{
		EIP:    h.Entry,
		ESP:    esp,
		EBP:    esp,
		EFlags: 0x202,
		CS:     cpu.UserCS,
		DS:     cpu.UserDS,
		ES:     cpu.UserDS,
		FS:     cpu.UserDS,
		GS:     cpu.UserDS,
		SS:     cpu.UserDS,
	}
	p.InKernel = false

	if oldDir != nil && oldDir != kernelDirectoryFn() {
		destroyDirectoryFn(oldDir)
	}
	return nil
}

// Execve replaces the current process image and drops straight to ring 3 at
// the new entry point. It only returns on failure; descriptors survive (no
// close-on-exec in this kernel).
func Execve(path string, argv, envp []string) *kernel.Error {
	cur := currentFn()
	if cur == nil {
		return ErrBadImage
	}

	if err := LoadIntoProcess(path, cur, argv, envp); err != nil {
		return err
	}

	switchDirectoryFn(cur.PageDirectory)
	enterUserModeFn(&cur.Context)
	return nil
}
