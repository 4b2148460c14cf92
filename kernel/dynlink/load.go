package dynlink

import (
	"frostbyte/kernel"
	"frostbyte/kernel/elf"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/kfmt"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/vmm"
)

// pickWindow finds a free aligned user VA range of the given span, above
// libraryBase and clear of every object already loaded in the context.
func (ctx *Ctx) pickWindow(span uint32) uint32 {
	candidate := libraryBase
	for {
		end := candidate + span
		conflict := false
		for i := 0; i < ctx.count; i++ {
			for s := 0; s < ctx.objs[i].numSegs; s++ {
				seg := ctx.objs[i].segs[s]
				if candidate < seg.end && end > seg.start {
					conflict = true
					if seg.end > candidate {
						candidate = (seg.end + libraryAlign - 1) &^ (libraryAlign - 1)
					}
					break
				}
			}
			if conflict {
				break
			}
		}
		if !conflict {
			return candidate
		}
	}
}

// unwind releases every frame an aborted load already mapped.
func (o *DynObj) unwind() {
	for s := 0; s < o.numSegs; s++ {
		for va := o.segs[s].start; va < o.segs[s].end; va += mm.PageSize {
			unmapInFn(o.dir, va)
		}
	}
	o.numSegs = 0
}

// LoadShared maps an ET_DYN object into the context's address space at a
// freshly picked base and parses its dynamic section. Dependencies are NOT
// resolved here; LinkExecutable drives the recursion.
func (ctx *Ctx) LoadShared(path string) (*DynObj, *kernel.Error) {
	if ctx.count >= MaxObjects {
		return nil, ErrTooManyObjs
	}

	node, err := openFn(path, vfs.FlagRead)
	if err != nil {
		return nil, err
	}
	defer closeFn(node)

	var hdrRaw [52]byte
	n, rerr := readFn(node, 0, hdrRaw[:])
	if rerr != nil {
		return nil, rerr
	}
	if n != len(hdrRaw) {
		return nil, elf.ErrBadImage
	}
	h, herr := elf.DecodeHeader(hdrRaw[:])
	if herr != nil {
		return nil, herr
	}
	if h.Type != elf.ETDyn {
		return nil, ErrNotDyn
	}

	// Compute the memory span of all PT_LOAD segments.
	var (
		phRaw           [32]byte
		minVA, maxVA    uint32 = 0xFFFFFFFF, 0
		dynVA           uint32
		headers         []elf.ProgHeader
	)
	for i := uint16(0); i < h.PhNum; i++ {
		off := h.PhOff + uint32(i)*uint32(h.PhEntSize)
		if n, rerr = readFn(node, off, phRaw[:]); rerr != nil || n != len(phRaw) {
			return nil, elf.ErrBadImage
		}
		ph, perr := elf.DecodeProgHeader(phRaw[:])
		if perr != nil {
			return nil, perr
		}
		if ph.Type == elf.PTDynamic {
			dynVA = ph.VAddr
		}
		if ph.Type != elf.PTLoad || ph.MemSz == 0 {
			continue
		}
		headers = append(headers, ph)
		if start := mm.PageAlignDown(ph.VAddr); start < minVA {
			minVA = start
		}
		if end := mm.PageAlignUp(ph.VAddr + ph.MemSz); end > maxVA {
			maxVA = end
		}
	}
	if len(headers) == 0 || len(headers) > MaxSegments || dynVA == 0 {
		return nil, ErrBadDynamic
	}

	window := ctx.pickWindow(maxVA - minVA)
	obj := &DynObj{
		dir:   ctx.dir,
		base:  window - minVA,
		dynVA: dynVA,
		name:  vfs.Basename(path),
	}

	// Map and fill each PT_LOAD at base + p_vaddr, recording per-segment
	// writability for the textrel pass.
	for _, ph := range headers {
		segStart := obj.base + mm.PageAlignDown(ph.VAddr)
		segEnd := obj.base + mm.PageAlignUp(ph.VAddr+ph.MemSz)
		writable := ph.Flags&elf.PFW != 0

		obj.segs[obj.numSegs] = segment{start: segStart, end: segEnd, writable: writable}
		obj.numSegs++

		flags := vmm.FlagPresent | vmm.FlagUser
		if writable {
			flags |= vmm.FlagWritable
		}

		fileRemaining := ph.FileSz
		fileCursor := uint32(0)
		for va := segStart; va < segEnd; va += mm.PageSize {
			frame, aerr := allocFrameFn()
			if aerr != nil {
				obj.unwind()
				return nil, aerr
			}
			if merr := mapInFn(obj.dir, va, frame.Address(), flags); merr != nil {
				freeFrameFn(frame)
				obj.unwind()
				return nil, merr
			}

			page := make([]byte, mm.PageSize)
			dataStart := uint32(0)
			if va < obj.base+ph.VAddr {
				dataStart = obj.base + ph.VAddr - va
			}
			if fileRemaining > 0 {
				toCopy := mm.PageSize - dataStart
				if toCopy > fileRemaining {
					toCopy = fileRemaining
				}
				if n, rerr = readFn(node, ph.Offset+fileCursor, page[dataStart:dataStart+toCopy]); rerr != nil {
					obj.unwind()
					return nil, rerr
				}
				fileRemaining -= uint32(n)
				fileCursor += uint32(n)
			}
			if werr := writePhysFn(frame, 0, page); werr != nil {
				obj.unwind()
				return nil, werr
			}
		}
	}

	if derr := obj.parseDynamic(); derr != nil {
		obj.unwind()
		return nil, derr
	}

	ctx.objs[ctx.count] = obj
	ctx.count++
	kfmt.Printf("[dynlink] loaded %s at base 0x%8x\n", obj.name, obj.base)
	return obj, nil
}

// parseDynamic walks the PT_DYNAMIC entries of a loaded object filling the
// table pointers. Virtual addresses are rebased; string-table offsets stay
// offsets.
func (o *DynObj) parseDynamic() *kernel.Error {
	addr := o.base + o.dynVA
	for i := 0; i < 256; i++ {
		tag, err := readWord(o.dir, addr)
		if err != nil {
			return err
		}
		val, err := readWord(o.dir, addr+4)
		if err != nil {
			return err
		}
		addr += 8

		switch tag {
		case dtNull:
			if o.sonameOff != 0 {
				soname, serr := o.cstringAt(o.sonameOff)
				if serr != nil {
					return serr
				}
				o.soname = soname
			}
			return nil
		case dtNeeded:
			// Collected later by needsOf; nothing to record here.
		case dtPLTRelSz:
			o.pltsz = val
		case dtHash:
			o.hash = o.base + val
		case dtStrtab:
			o.strtab = o.base + val
		case dtSymtab:
			o.symtab = o.base + val
		case dtRela:
			// i386 uses REL; RELA in a dynamic section is malformed
			// input for this linker.
			return ErrBadDynamic
		case dtStrSz:
			o.strsz = val
		case dtInit:
			o.initFn = o.base + val
		case dtFini:
			o.finiFn = o.base + val
		case dtSoname:
			o.sonameOff = val
		case dtRPath:
			o.rpathOff = val
		case dtRel:
			o.rel = o.base + val
		case dtRelSz:
			o.relsz = val
		case dtPLTRel:
			o.pltRelType = val
		case dtTextRel:
			o.textrel = true
		case dtJmpRel:
			o.jmprel = o.base + val
		case dtInitArray:
			o.initArray = o.base + val
		case dtInitArraySz:
			o.initArraySz = val
		case dtFiniArray:
			o.finiArray = o.base + val
		case dtFiniArraySz:
			o.finiArraySz = val
		case dtRunPath:
			o.runpathOff = val
		}
	}
	return ErrBadDynamic
}

// needsOf returns the DT_NEEDED name offsets of an object.
func (o *DynObj) needsOf() ([]uint32, *kernel.Error) {
	var out []uint32
	addr := o.base + o.dynVA
	for i := 0; i < 256; i++ {
		tag, err := readWord(o.dir, addr)
		if err != nil {
			return nil, err
		}
		val, err := readWord(o.dir, addr+4)
		if err != nil {
			return nil, err
		}
		addr += 8
		if tag == dtNull {
			return out, nil
		}
		if tag == dtNeeded {
			out = append(out, val)
		}
	}
	return nil, ErrBadDynamic
}

// hasObject dedupes libraries by SONAME or basename.
func (ctx *Ctx) hasObject(name string) bool {
	for i := 0; i < ctx.count; i++ {
		if ctx.objs[i].soname == name || ctx.objs[i].name == name {
			return true
		}
	}
	return false
}

// searchPaths yields candidate directories for a library in resolution
// order: LD_LIBRARY_PATH, DT_RUNPATH, DT_RPATH, then /lib.
func (ctx *Ctx) searchPaths(from *DynObj) []string {
	var out []string
	appendSplit := func(paths string) {
		start := 0
		for i := 0; i <= len(paths); i++ {
			if i == len(paths) || paths[i] == ':' {
				if i > start {
					out = append(out, paths[start:i])
				}
				start = i + 1
			}
		}
	}

	appendSplit(ctx.LDLibraryPath)
	if from != nil {
		if from.runpathOff != 0 {
			if runpath, err := from.cstringAt(from.runpathOff); err == nil {
				appendSplit(runpath)
			}
		}
		if from.rpathOff != 0 {
			if rpath, err := from.cstringAt(from.rpathOff); err == nil {
				appendSplit(rpath)
			}
		}
	}
	out = append(out, "/lib")
	return out
}

// loadDependencies resolves every DT_NEEDED of obj depth-first.
func (ctx *Ctx) loadDependencies(obj *DynObj) *kernel.Error {
	needs, err := obj.needsOf()
	if err != nil {
		return err
	}

	for _, nameOff := range needs {
		name, serr := obj.cstringAt(nameOff)
		if serr != nil {
			return serr
		}
		if name == "" || ctx.hasObject(name) {
			continue
		}

		var dep *DynObj
		for _, dir := range ctx.searchPaths(obj) {
			candidate := dir + "/" + name
			if loaded, lerr := ctx.LoadShared(candidate); lerr == nil {
				dep = loaded
				break
			}
		}
		if dep == nil {
			kfmt.Printf("[dynlink] missing library %s\n", name)
			return ErrLibNotFound
		}
		if derr := ctx.loadDependencies(dep); derr != nil {
			return derr
		}
	}
	return nil
}
