package dynlink

import (
	"frostbyte/kernel"
	"frostbyte/kernel/kfmt"
)

// symbol is a decoded ELF32 symbol table entry.
type symbol struct {
	nameOff uint32
	value   uint32
	size    uint32
	info    uint8
	shndx   uint16
}

const symEntSize = 16

func (o *DynObj) symbolAt(index uint32) (symbol, *kernel.Error) {
	var raw [symEntSize]byte
	if err := readMem(o.dir, o.symtab+index*symEntSize, raw[:]); err != nil {
		return symbol{}, err
	}
	return symbol{
		nameOff: uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24,
		value:   uint32(raw[4]) | uint32(raw[5])<<8 | uint32(raw[6])<<16 | uint32(raw[7])<<24,
		size:    uint32(raw[8]) | uint32(raw[9])<<8 | uint32(raw[10])<<16 | uint32(raw[11])<<24,
		info:    raw[12],
		shndx:   uint16(raw[14]) | uint16(raw[15])<<8,
	}, nil
}

func (o *DynObj) symbolName(sym *symbol) (string, *kernel.Error) {
	return o.cstringAt(sym.nameOff)
}

// elfHash is the SysV hash function.
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xF0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

// lookupIn searches one object's hash table for a defined symbol. Entries
// with st_shndx == SHN_UNDEF are skipped so the search can fall through to
// other objects.
func (o *DynObj) lookupIn(name string) (*symbol, *kernel.Error) {
	if o.hash == 0 || o.symtab == 0 {
		return nil, nil
	}

	nbucket, err := readWord(o.dir, o.hash)
	if err != nil {
		return nil, err
	}
	if nbucket == 0 {
		return nil, nil
	}
	nchain, err := readWord(o.dir, o.hash+4)
	if err != nil {
		return nil, err
	}

	bucketBase := o.hash + 8
	chainBase := bucketBase + nbucket*4

	idx, err := readWord(o.dir, bucketBase+(elfHash(name)%nbucket)*4)
	if err != nil {
		return nil, err
	}

	for steps := uint32(0); idx != 0 && steps < nchain+1; steps++ {
		sym, serr := o.symbolAt(idx)
		if serr != nil {
			return nil, serr
		}
		if sym.shndx != shnUndef {
			symName, nerr := o.symbolName(&sym)
			if nerr != nil {
				return nil, nerr
			}
			if symName == name {
				return &sym, nil
			}
		} else {
			// Still verify the name so hash chains stay coherent, but
			// an undefined entry never satisfies the lookup.
			if symName, nerr := o.symbolName(&sym); nerr == nil && symName == name {
				break
			}
		}
		if idx, err = readWord(o.dir, chainBase+idx*4); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// lookupGlobal searches every loaded object in load order; the first
// definition wins.
func (ctx *Ctx) lookupGlobal(name string) (*DynObj, *symbol, *kernel.Error) {
	for i := 0; i < ctx.count; i++ {
		sym, err := ctx.objs[i].lookupIn(name)
		if err != nil {
			return nil, nil, err
		}
		if sym != nil {
			return ctx.objs[i], sym, nil
		}
	}
	return nil, nil, nil
}

// relEntry is one ELF32 REL record.
type relEntry struct {
	offset uint32
	info   uint32
}

func (r relEntry) relType() uint32 { return r.info & 0xFF }
func (r relEntry) symIndex() uint32 { return r.info >> 8 }

// applyTable walks one REL table of obj resolving each entry against the
// whole context.
func (ctx *Ctx) applyTable(obj *DynObj, tableVA, tableSz uint32, isMain bool) *kernel.Error {
	for off := uint32(0); off+8 <= tableSz; off += 8 {
		offset, err := readWord(obj.dir, tableVA+off)
		if err != nil {
			return err
		}
		info, err := readWord(obj.dir, tableVA+off+4)
		if err != nil {
			return err
		}
		rel := relEntry{offset: offset, info: info}

		place := obj.base + rel.offset

		switch rel.relType() {
		case r386None:
			continue

		case r386Relative:
			// *P = B + A; the addend is read in place (REL).
			addend, err := readWord(obj.dir, place)
			if err != nil {
				return err
			}
			if err = writeWord(obj.dir, place, obj.base+addend); err != nil {
				return err
			}
			continue
		}

		// Symbolic relocations need the target resolved first.
		sym, serr := obj.symbolAt(rel.symIndex())
		if serr != nil {
			return serr
		}
		name, nerr := obj.symbolName(&sym)
		if nerr != nil {
			return nerr
		}

		defObj, def, lerr := ctx.lookupGlobal(name)
		if lerr != nil {
			return lerr
		}
		if def == nil {
			// Weak undefined symbols resolve to zero.
			if sym.info>>4 == 2 {
				defObj, def = &DynObj{dir: obj.dir}, &symbol{}
			} else {
				kfmt.Printf("[dynlink] unresolved symbol %s in %s\n", name, obj.name)
				return ErrUnresolved
			}
		}
		symVA := defObj.base + def.value

		switch rel.relType() {
		case r38632:
			addend, err := readWord(obj.dir, place)
			if err != nil {
				return err
			}
			if err = writeWord(obj.dir, place, symVA+addend); err != nil {
				return err
			}

		case r386PC32:
			addend, err := readWord(obj.dir, place)
			if err != nil {
				return err
			}
			if err = writeWord(obj.dir, place, symVA+addend-place); err != nil {
				return err
			}

		case r386GlobDat, r386JmpSlot:
			// Eager binding: PLT slots are resolved at load time.
			if err := writeWord(obj.dir, place, symVA); err != nil {
				return err
			}

		case r386Copy:
			if !isMain {
				return ErrBadRelocation
			}
			buf := make([]byte, def.size)
			if err := readMem(defObj.dir, symVA, buf); err != nil {
				return err
			}
			if err := writeMem(obj.dir, place, buf); err != nil {
				return err
			}

		default:
			kfmt.Printf("[dynlink] unsupported relocation type %d\n", rel.relType())
			return ErrBadRelocation
		}
	}
	return nil
}

// relocateObject applies the REL and JMPREL tables of one object, opening
// textrel segments for writing around the pass.
func (ctx *Ctx) relocateObject(obj *DynObj, isMain bool) *kernel.Error {
	// DT_PLTREL must name the REL format on IA-32.
	if obj.jmprel != 0 && obj.pltRelType != 0 && obj.pltRelType != dtRel {
		return ErrNonRelPLT
	}

	if obj.textrel {
		obj.setTextWritable(true)
	}

	err := func() *kernel.Error {
		if obj.rel != 0 && obj.relsz != 0 {
			if err := ctx.applyTable(obj, obj.rel, obj.relsz, isMain); err != nil {
				return err
			}
		}
		if obj.jmprel != 0 && obj.pltsz != 0 {
			if err := ctx.applyTable(obj, obj.jmprel, obj.pltsz, isMain); err != nil {
				return err
			}
		}
		return nil
	}()

	if obj.textrel {
		obj.setTextWritable(false)
	}
	if err == nil {
		obj.ready = true
	}
	return err
}

// setTextWritable toggles the writable bit of every read-only segment of
// the object and flushes the TLB.
func (o *DynObj) setTextWritable(writable bool) {
	for s := 0; s < o.numSegs; s++ {
		if o.segs[s].writable {
			continue
		}
		for va := o.segs[s].start; va < o.segs[s].end; va += 0x1000 {
			protectInFn(o.dir, va, writable)
		}
	}
	flushTLBFn()
}

// RelocateAll applies relocations in two passes: every library first, then
// the main binary, so R_386_COPY reads fully relocated source data.
func (ctx *Ctx) RelocateAll() *kernel.Error {
	for i := 1; i < ctx.count; i++ {
		if err := ctx.relocateObject(ctx.objs[i], false); err != nil {
			return err
		}
	}
	if ctx.count > 0 {
		return ctx.relocateObject(ctx.objs[0], true)
	}
	return nil
}

// LinkExecutable is the entry point hooked into the ELF loader: it builds
// the linking context for a main binary whose PT_DYNAMIC lives at dynVA in
// dir (base 0), loads every DT_NEEDED dependency depth-first and applies
// all relocations eagerly.
func LinkExecutable(ctx *Ctx, mainPath string, dynVA uint32) *kernel.Error {
	main := &DynObj{
		dir:   ctx.dir,
		base:  0,
		dynVA: dynVA,
		name:  mainPath,
	}
	if err := main.parseDynamic(); err != nil {
		return err
	}

	ctx.objs[0] = main
	ctx.count = 1

	if err := ctx.loadDependencies(main); err != nil {
		ctx.unwindAll()
		return err
	}
	if err := ctx.RelocateAll(); err != nil {
		ctx.unwindAll()
		return err
	}
	return nil
}

// unwindAll tears down every loaded library of a failed link (the main
// binary's segments belong to the ELF loader).
func (ctx *Ctx) unwindAll() {
	for i := 1; i < ctx.count; i++ {
		ctx.objs[i].unwind()
		ctx.objs[i] = nil
	}
	if ctx.count > 1 {
		ctx.count = 1
	}
}

// Objects exposes the loaded objects for diagnostics and tests.
func (ctx *Ctx) Objects() []*DynObj {
	out := make([]*DynObj, ctx.count)
	for i := 0; i < ctx.count; i++ {
		out[i] = ctx.objs[i]
	}
	return out
}

// Base returns the load base of an object.
func (o *DynObj) Base() uint32 { return o.base }

// Name returns the object's path basename.
func (o *DynObj) Name() string { return o.name }

// Ready reports whether relocation completed for the object.
func (o *DynObj) Ready() bool { return o.ready }

// InitEntries lists the init function addresses the userland startup must
// invoke: DT_INIT first, then the DT_INIT_ARRAY entries in order.
func (o *DynObj) InitEntries() ([]uint32, *kernel.Error) {
	var out []uint32
	if o.initFn != 0 {
		out = append(out, o.initFn)
	}
	for off := uint32(0); off+4 <= o.initArraySz; off += 4 {
		fn, err := readWord(o.dir, o.initArray+off)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}
