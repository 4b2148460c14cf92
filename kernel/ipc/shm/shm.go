// Package shm implements System V shared memory: key-addressed segments
// backed by physically contiguous frame runs, attached into process address
// spaces by page mapping.
package shm

import (
	"frostbyte/kernel"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/pmm"
	"frostbyte/kernel/mm/vmm"
	"frostbyte/kernel/proc"
)

// IPC flags.
const (
	IPCPrivate = 0
	IPCCreat   = 0o1000
	IPCExcl    = 0o2000
	IPCRmid    = 0

	// SHMRdonly maps the attachment read-only.
	SHMRdonly = 0o10000
)

// MaxSegments bounds the segment table.
const MaxSegments = 256

// shmBase is where the per-process attach-address bump allocator starts.
const shmBase = uint32(0xB0000000)

// Errors surfaced as errno values.
var (
	ErrExists    = &kernel.Error{Module: "shm", Message: "segment exists", Errno: kernel.EEXIST}
	ErrNotFound  = &kernel.Error{Module: "shm", Message: "no such segment", Errno: kernel.ENOENT}
	ErrNoMemory  = &kernel.Error{Module: "shm", Message: "cannot allocate contiguous frames", Errno: kernel.ENOMEM}
	ErrNoSlots   = &kernel.Error{Module: "shm", Message: "segment table full", Errno: kernel.ENOSPC}
	ErrBadID     = &kernel.Error{Module: "shm", Message: "invalid segment id", Errno: kernel.EINVAL}
	ErrBadAddr   = &kernel.Error{Module: "shm", Message: "address not attached", Errno: kernel.EINVAL}
)

// Segment is one shared memory segment.
type Segment struct {
	valid    bool
	Key      int32
	Size     uint32 // page aligned
	ID       int32
	PhysAddr uint32 // first frame of the contiguous run
	NAttch   uint32
	CPid     uint32
	LPid     uint32
	Mode     uint32
	UID      uint32
	GID      uint32

	// rmidPending defers destruction until the last detach.
	rmidPending bool
}

// attachment records one process mapping of a segment.
type attachment struct {
	pid  uint32
	addr uint32
	seg  *Segment
}

var (
	segments  [MaxSegments]Segment
	nextShmID int32 = 1

	attachments []attachment

	// nextAttachVA is the bump allocator for attach addresses.
	nextAttachVA = shmBase

	// The following vars are replaced by tests.
	allocFrameFn = pmm.AllocFrame
	freeFrameFn  = pmm.FreeFrame
	zeroFrameFn  = vmm.ZeroFrame
	mapInFn      = vmm.MapIn
	unmapInFn    = vmm.UnmapInNoFree
	currentFn    = proc.Current
)

// Init clears the segment table.
func Init() {
	for i := range segments {
		segments[i] = Segment{}
	}
	attachments = nil
	nextAttachVA = shmBase
	nextShmID = 1
}

func findByKey(key int32) *Segment {
	for i := range segments {
		if segments[i].valid && segments[i].Key == key {
			return &segments[i]
		}
	}
	return nil
}

func findByID(id int32) *Segment {
	for i := range segments {
		if segments[i].valid && segments[i].ID == id {
			return &segments[i]
		}
	}
	return nil
}

// allocContiguous reserves a physically contiguous run of frames, releasing
// everything on a gap or failure.
func allocContiguous(numPages uint32) (uint32, *kernel.Error) {
	var base uint32
	for i := uint32(0); i < numPages; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			for j := uint32(0); j < i; j++ {
				freeFrameFn(mm.Frame(base + j*mm.PageSize))
			}
			return 0, ErrNoMemory
		}
		if i == 0 {
			base = frame.Address()
		} else if frame.Address() != base+i*mm.PageSize {
			freeFrameFn(frame)
			for j := uint32(0); j < i; j++ {
				freeFrameFn(mm.Frame(base + j*mm.PageSize))
			}
			return 0, ErrNoMemory
		}
	}
	return base, nil
}

// Get implements shmget: lookup by key, or creation with IPC_CREAT. Size is
// rounded up to whole pages; the backing frames are contiguous and zeroed.
func Get(key int32, size uint32, flags uint32) (int32, *kernel.Error) {
	if key != IPCPrivate {
		if seg := findByKey(key); seg != nil {
			if flags&IPCCreat != 0 && flags&IPCExcl != 0 {
				return -1, ErrExists
			}
			return seg.ID, nil
		}
	}

	if flags&IPCCreat == 0 {
		return -1, ErrNotFound
	}

	var seg *Segment
	for i := range segments {
		if !segments[i].valid {
			seg = &segments[i]
			break
		}
	}
	if seg == nil {
		return -1, ErrNoSlots
	}

	size = mm.PageAlignUp(size)
	numPages := size / mm.PageSize
	base, err := allocContiguous(numPages)
	if err != nil {
		return -1, err
	}
	for i := uint32(0); i < numPages; i++ {
		zeroFrameFn(base + i*mm.PageSize)
	}

	pid := uint32(0)
	uid, gid := uint32(0), uint32(0)
	if cur := currentFn(); cur != nil {
		pid = cur.PID
		uid, gid = cur.UID, cur.GID
	}

	*seg = Segment{
		valid:    true,
		Key:      key,
		Size:     size,
		ID:       nextShmID,
		PhysAddr: base,
		CPid:     pid,
		LPid:     pid,
		Mode:     flags & 0o777,
		UID:      uid,
		GID:      gid,
	}
	nextShmID++
	return seg.ID, nil
}

// Attach implements shmat: maps every page of the segment into the current
// process at addr (or a bump-allocated address when addr is 0). Partial
// failures are unmapped before reporting the error.
func Attach(shmid int32, addr uint32, flags uint32) (uint32, *kernel.Error) {
	seg := findByID(shmid)
	if seg == nil {
		return 0, ErrBadID
	}

	cur := currentFn()
	if cur == nil || cur.PageDirectory == nil {
		return 0, ErrBadID
	}

	if addr == 0 {
		addr = nextAttachVA
		nextAttachVA += mm.PageAlignUp(seg.Size)
	} else {
		addr = mm.PageAlignDown(addr)
	}

	mapFlags := vmm.FlagPresent | vmm.FlagUser
	if flags&SHMRdonly == 0 {
		mapFlags |= vmm.FlagWritable
	}

	numPages := seg.Size / mm.PageSize
	for i := uint32(0); i < numPages; i++ {
		if err := mapInFn(cur.PageDirectory, addr+i*mm.PageSize, seg.PhysAddr+i*mm.PageSize, mapFlags); err != nil {
			for j := uint32(0); j < i; j++ {
				unmapInFn(cur.PageDirectory, addr+j*mm.PageSize)
			}
			return 0, err
		}
	}

	seg.NAttch++
	seg.LPid = cur.PID
	attachments = append(attachments, attachment{pid: cur.PID, addr: addr, seg: seg})
	return addr, nil
}

// Detach implements shmdt: unmaps the attachment of the current process at
// addr and drops the attach count, destroying the segment if a deferred
// IPC_RMID is pending.
func Detach(addr uint32) *kernel.Error {
	cur := currentFn()
	if cur == nil {
		return ErrBadAddr
	}
	addr = mm.PageAlignDown(addr)

	for i := range attachments {
		att := &attachments[i]
		if att.pid != cur.PID || att.addr != addr {
			continue
		}

		numPages := att.seg.Size / mm.PageSize
		for p := uint32(0); p < numPages; p++ {
			unmapInFn(cur.PageDirectory, addr+p*mm.PageSize)
		}

		if att.seg.NAttch > 0 {
			att.seg.NAttch--
		}
		att.seg.LPid = cur.PID
		if att.seg.rmidPending && att.seg.NAttch == 0 {
			destroy(att.seg)
		}

		attachments = append(attachments[:i], attachments[i+1:]...)
		return nil
	}
	return ErrBadAddr
}

// Control implements shmctl. IPC_RMID frees the frames immediately when no
// process is attached, otherwise destruction is deferred to the last
// detach.
func Control(shmid int32, cmd uint32) *kernel.Error {
	seg := findByID(shmid)
	if seg == nil {
		return ErrBadID
	}

	switch cmd {
	case IPCRmid:
		if seg.NAttch == 0 {
			destroy(seg)
		} else {
			seg.rmidPending = true
		}
		return nil
	default:
		return ErrBadID
	}
}

func destroy(seg *Segment) {
	numPages := seg.Size / mm.PageSize
	for i := uint32(0); i < numPages; i++ {
		freeFrameFn(mm.Frame(seg.PhysAddr + i*mm.PageSize))
	}
	*seg = Segment{}
}

// ByID exposes a segment for procfs and tests.
func ByID(shmid int32) *Segment {
	return findByID(shmid)
}
