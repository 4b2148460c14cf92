// Package fd implements the global open-file table and the per-process
// descriptor tables that index into it. Open-file objects are shared across
// fork so related processes see one file offset.
package fd

import (
	"frostbyte/kernel"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/proc"
)

// MaxOpenFiles sizes the global open-file table.
const MaxOpenFiles = 256

// Open flags understood by the syscall surface.
const (
	ORdOnly = uint32(0x0)
	OWrOnly = uint32(0x1)
	ORdWr   = uint32(0x2)
	OCreate = uint32(0x40)
	OTrunc  = uint32(0x200)
	OAppend = uint32(0x400)
)

// OpenFile is one entry of the global table: a node, a shared offset and the
// access flags it was opened with.
type OpenFile struct {
	Node     *vfs.Node
	Offset   uint32
	Flags    uint32
	RefCount uint32
	Append   bool
}

var (
	// ErrTooManyFiles is reported when the global table is full.
	ErrTooManyFiles = &kernel.Error{Module: "fd", Message: "global open-file table full", Errno: kernel.ENFILE}

	// ErrTooManyFDs is reported when the process descriptor table is full.
	ErrTooManyFDs = &kernel.Error{Module: "fd", Message: "process descriptor table full", Errno: kernel.EMFILE}

	// ErrBadFD is reported for descriptors that do not reference an open
	// file.
	ErrBadFD = &kernel.Error{Module: "fd", Message: "bad file descriptor", Errno: kernel.EBADF}

	openFiles [MaxOpenFiles]OpenFile

	currentFn = proc.Current
	openTTYFn = func() (*vfs.Node, *kernel.Error) {
		return vfs.Open("/dev/tty0", vfs.FlagRead|vfs.FlagWrite)
	}
)

// Init clears the open-file table and hooks the descriptor lifecycle into
// the process manager.
func Init() {
	for i := range openFiles {
		openFiles[i] = OpenFile{}
	}
	proc.SetFDHooks(CloseAllFor, CopyOnFork, InitProcessStdio)
}

// ofAlloc reserves a global open-file slot with one reference.
func ofAlloc(node *vfs.Node, flags uint32) int32 {
	for i := int32(0); i < MaxOpenFiles; i++ {
		if openFiles[i].Node == nil {
			openFiles[i] = OpenFile{
				Node:     node,
				Flags:    flags,
				RefCount: 1,
				Append:   flags&OAppend != 0,
			}
			return i
		}
	}
	return -1
}

func ofGet(idx int32) *OpenFile {
	if idx < 0 || idx >= MaxOpenFiles || openFiles[idx].Node == nil {
		return nil
	}
	return &openFiles[idx]
}

// ofDrop releases one reference; the node is closed when the last reference
// goes away.
func ofDrop(idx int32) {
	of := ofGet(idx)
	if of == nil || of.RefCount == 0 {
		return
	}
	of.RefCount--
	if of.RefCount == 0 {
		vfs.Close(of.Node)
		of.Node = nil
	}
}

// Alloc binds node to a fresh open-file object and the lowest free
// descriptor of the current process. On failure the node reference is
// released.
func Alloc(node *vfs.Node, flags uint32) (int32, *kernel.Error) {
	cur := currentFn()
	if cur == nil || node == nil {
		vfs.Close(node)
		return -1, ErrBadFD
	}

	ofIdx := ofAlloc(node, flags)
	if ofIdx < 0 {
		vfs.Close(node)
		return -1, ErrTooManyFiles
	}

	for i := range cur.FDTable {
		if cur.FDTable[i] < 0 {
			cur.FDTable[i] = ofIdx
			return int32(i), nil
		}
	}

	ofDrop(ofIdx)
	return -1, ErrTooManyFDs
}

// Get dereferences a descriptor of the current process.
func Get(fdnum int32) *OpenFile {
	cur := currentFn()
	if cur == nil || fdnum < 0 || int(fdnum) >= len(cur.FDTable) {
		return nil
	}
	return ofGet(cur.FDTable[fdnum])
}

// Close releases a descriptor of the current process.
func Close(fdnum int32) *kernel.Error {
	cur := currentFn()
	if cur == nil || fdnum < 0 || int(fdnum) >= len(cur.FDTable) {
		return ErrBadFD
	}
	ofIdx := cur.FDTable[fdnum]
	if ofIdx < 0 {
		return ErrBadFD
	}
	cur.FDTable[fdnum] = -1
	ofDrop(ofIdx)
	return nil
}

// Dup binds a second descriptor of the current process to the open-file of
// oldfd.
func Dup(oldfd int32) (int32, *kernel.Error) {
	cur := currentFn()
	if cur == nil || oldfd < 0 || int(oldfd) >= len(cur.FDTable) {
		return -1, ErrBadFD
	}
	ofIdx := cur.FDTable[oldfd]
	of := ofGet(ofIdx)
	if of == nil {
		return -1, ErrBadFD
	}

	for i := range cur.FDTable {
		if cur.FDTable[i] < 0 {
			cur.FDTable[i] = ofIdx
			of.RefCount++
			return int32(i), nil
		}
	}
	return -1, ErrTooManyFDs
}

// CopyOnFork duplicates the parent's descriptor table into the child,
// bumping every referenced open-file once. Exec preserves descriptors, so
// this is the only duplication point.
func CopyOnFork(parent, child *proc.Process) {
	if parent == nil || child == nil {
		return
	}
	for i := range parent.FDTable {
		ofIdx := parent.FDTable[i]
		child.FDTable[i] = ofIdx
		if of := ofGet(ofIdx); of != nil {
			of.RefCount++
		}
	}
}

// CloseAllFor releases every descriptor a process still holds; called when
// the process is destroyed.
func CloseAllFor(p *proc.Process) {
	if p == nil {
		return
	}
	for i := range p.FDTable {
		if ofIdx := p.FDTable[i]; ofIdx >= 0 {
			p.FDTable[i] = -1
			ofDrop(ofIdx)
		}
	}
}

// InitProcessStdio binds descriptors 0/1/2 of a fresh user process to the
// controlling TTY, sharing one open-file with three references. Missing TTY
// is not an error; the process simply starts without stdio.
func InitProcessStdio(p *proc.Process) {
	if p == nil {
		return
	}

	tty, err := openTTYFn()
	if err != nil || tty == nil {
		return
	}

	ofIdx := ofAlloc(tty, ORdWr)
	if ofIdx < 0 {
		vfs.Close(tty)
		return
	}
	openFiles[ofIdx].RefCount = 3
	p.FDTable[0] = ofIdx
	p.FDTable[1] = ofIdx
	p.FDTable[2] = ofIdx
}
