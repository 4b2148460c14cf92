// Package proc owns the process table, the preemptive scheduler, wait
// queues and signal delivery. Processes are fixed slots in a static table;
// parent/child and wait-queue relationships are pointers into that table.
package proc

import (
	"unsafe"

	"frostbyte/device"
	"frostbyte/kernel"
	"frostbyte/kernel/cpu"
	"frostbyte/kernel/kfmt"
	"frostbyte/kernel/ktime"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/kheap"
	"frostbyte/kernel/mm/pmm"
	"frostbyte/kernel/mm/vmm"
)

// State tracks the lifecycle of a process slot.
type State uint8

// Process states.
const (
	StateUnused State = iota
	StateEmbryo
	StateRunnable
	StateRunning
	StateSleeping
	StateZombie
)

// String returns the procfs spelling of the state.
func (s State) String() string {
	switch s {
	case StateUnused:
		return "UNUSED"
	case StateEmbryo:
		return "EMBRYO"
	case StateRunnable:
		return "RUNNABLE"
	case StateRunning:
		return "RUNNING"
	case StateSleeping:
		return "SLEEPING"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

const (
	// MaxProcesses bounds the process table.
	MaxProcesses = 64

	// KernelStackSize is the size of each per-process kernel stack.
	KernelStackSize = 16384

	// NumFDs is the size of the per-process descriptor table.
	NumFDs = 16

	// UserHeapBase is where user heaps start; it lies above the identity
	// region so heap PDEs can carry the user bit.
	UserHeapBase = uint32(0x03000000)

	// userStackPages is the number of pages mapped for a fresh user stack.
	userStackPages = 2

	defaultUmask = 0o022
)

// WaitQueue is an intrusive singly-linked list of sleeping processes.
type WaitQueue struct {
	head *Process
}

// Process is one slot of the process table.
type Process struct {
	PID   uint32
	PPID  uint32
	State State

	Name    string
	Cmdline string

	// Memory management.
	PageDirectory *vmm.Table
	KernelStack   uintptr // top of the owned stack buffer
	UserStackTop  uint32
	HeapStart     uint32
	HeapEnd       uint32
	UserEIP       uint32

	// Context holds the saved user-mode state (restored with an iret);
	// KContext holds the kernel-mode state for resuming blocked syscalls.
	Context  cpu.Context
	KContext cpu.Context

	// Scheduling.
	TimeSlice      uint32
	Priority       uint32
	BasePriority   uint32
	WakeupTick     uint64
	AgingScore     int32
	StaticPriority uint8
	Weight         uint16

	Parent   *Process
	Children *Process
	Sibling  *Process

	ExitCode int32

	// FDTable holds open-file indices, -1 when the slot is closed.
	FDTable [NumFDs]int32

	Started  bool
	InKernel bool

	// Controlling TTY and its per-process mode word.
	TTY     *device.Device
	TTYMode uint32

	CWD string

	// Signals.
	SigPending    uint32
	SigBlocked    uint32
	SigHandlers   [32]uint32
	SigSavedCtx   cpu.Context
	SigDelivering uint32
	SigInHandler  bool

	// Credentials.
	UID, GID   uint32
	EUID, EGID uint32
	Umask      uint32

	WaitNext  *Process
	WaitingOn *WaitQueue
}

var (
	// ErrNoFreeSlot is reported when the process table is full.
	ErrNoFreeSlot = &kernel.Error{Module: "proc", Message: "process table full", Errno: kernel.EAGAIN}

	errNoCurrent = &kernel.Error{Module: "proc", Message: "no current process", Errno: kernel.ESRCH}

	processTable [MaxProcesses]Process
	current      *Process
	nextPID      uint32 = 1

	// The following vars are replaced by tests and are automatically
	// inlined by the compiler.
	saveFlagsFn         = cpu.SaveFlags
	disableInterruptsFn = cpu.DisableInterrupts
	restoreFlagsFn      = cpu.RestoreFlags
	switchContextFn     = cpu.SwitchContext
	haltFn              = cpu.Halt

	createDirectoryFn  = vmm.CreateDirectory
	destroyDirectoryFn = vmm.DestroyDirectory
	switchDirectoryFn  = vmm.SwitchDirectory
	kernelDirectoryFn  = vmm.KernelDirectory
	mapInFn            = vmm.MapIn
	zeroFrameFn        = vmm.ZeroFrame
	allocFrameFn       = pmm.AllocFrame
	freeFrameFn        = pmm.FreeFrame

	stackAllocFn = kheap.Malloc
	stackFreeFn  = kheap.Free

	getTicksFn = ktime.GetTicks
	findTTYFn  = device.FindByName

	// framePtr turns a stack address into a writable pointer.
	framePtr = func(sp uintptr) unsafe.Pointer { return unsafe.Pointer(sp) }

	// idleEntryAddrFn resolves the code address of the idle loop for the
	// PID 0 bootstrap frame.
	idleEntryAddrFn = func() uint32 { return funcAddr(IdleLoop) }

	// Hooks installed by the fd package; proc cannot import it without a
	// cycle.
	fdCloseAllFn   func(*Process)
	fdCopyOnForkFn func(parent, child *Process)
	fdInitStdioFn  func(*Process)
)

// SetFDHooks installs the descriptor-table lifecycle callbacks: closing all
// descriptors on destroy, duplicating the table on fork and binding stdio
// for fresh user processes.
func SetFDHooks(closeAll func(*Process), copyOnFork func(parent, child *Process), initStdio func(*Process)) {
	fdCloseAllFn = closeAll
	fdCopyOnForkFn = copyOnFork
	fdInitStdioFn = initStdio
}

// destroyHooks run for every destroyed process; the dynamic linker uses one
// to drop its per-process context.
var destroyHooks []func(pid uint32)

// AddDestroyHook registers a callback invoked when a process slot is freed.
func AddDestroyHook(fn func(pid uint32)) {
	if fn != nil {
		destroyHooks = append(destroyHooks, fn)
	}
}

// Init clears the process table and installs the kernel idle process as PID
// 0, running on the kernel page directory.
func Init() *kernel.Error {
	for i := range processTable {
		processTable[i] = Process{}
	}

	idle := &processTable[0]
	idle.PID = 0
	idle.PPID = 0
	idle.State = StateRunning
	idle.Name = "kernel"
	idle.PageDirectory = kernelDirectoryFn()
	idle.Umask = defaultUmask
	idle.CWD = "/"
	setPriority(idle, PriorityKernel)
	idle.Priority = idle.BasePriority
	idle.TimeSlice = DefaultTimeSlice
	for i := range idle.FDTable {
		idle.FDTable[i] = -1
	}

	stack, err := stackAllocFn(KernelStackSize)
	if err != nil {
		return err
	}
	idle.KernelStack = stack + KernelStackSize
	initKernelFrame(&idle.KContext, idle.KernelStack, idleEntryAddrFn())
	idle.InKernel = true

	current = idle
	nextPID = 1
	schedInit()
	return nil
}

// Current returns the running process.
func Current() *Process {
	return current
}

// ByPID returns the live process with the given PID, or nil.
func ByPID(pid uint32) *Process {
	for i := range processTable {
		p := &processTable[i]
		if p.State != StateUnused && p.PID == pid {
			return p
		}
	}
	return nil
}

// Visit invokes visitor for every live process slot in table order. The
// visitor returns false to stop the walk.
func Visit(visitor func(*Process) bool) {
	for i := range processTable {
		if processTable[i].State == StateUnused {
			continue
		}
		if !visitor(&processTable[i]) {
			return
		}
	}
}

// nextFreePID returns the smallest unused positive PID.
func nextFreePID() uint32 {
	for pid := uint32(1); pid < MaxProcesses; pid++ {
		if ByPID(pid) == nil {
			nextPID = pid + 1
			if nextPID >= MaxProcesses {
				nextPID = 1
			}
			return pid
		}
	}
	pid := nextPID
	nextPID++
	if nextPID >= MaxProcesses {
		nextPID = 1
	}
	return pid
}

// reapOrphanZombies destroys zombies whose parent is gone so their slots and
// PIDs become reusable. Zombies with a living parent are left for wait().
func reapOrphanZombies() {
	for i := range processTable {
		p := &processTable[i]
		if p.State == StateZombie && p != current {
			if p.Parent == nil || p.Parent.State == StateUnused {
				Destroy(p)
			}
		}
	}
}

// Create allocates a process slot and prepares it to run entry. User-mode
// processes get a fresh page directory mirroring kernel space, a two-page
// user stack at the top of user VA and stdio bound to the controlling TTY.
// Kernel-mode processes run on the kernel directory with a call-frame style
// kernel context.
func Create(name string, entry uint32, userMode bool) (*Process, *kernel.Error) {
	reapOrphanZombies()

	var p *Process
	for i := 1; i < MaxProcesses; i++ {
		if processTable[i].State == StateUnused {
			p = &processTable[i]
			break
		}
	}
	if p == nil {
		return nil, ErrNoFreeSlot
	}

	*p = Process{}
	p.PID = nextFreePID()
	p.State = StateEmbryo
	p.Name = name
	p.Cmdline = name
	if current != nil {
		p.PPID = current.PID
		p.UID, p.GID = current.UID, current.GID
		p.EUID, p.EGID = current.EUID, current.EGID
		p.Umask = current.Umask
		p.CWD = current.CWD
	} else {
		p.Umask = defaultUmask
	}
	if p.CWD == "" {
		p.CWD = "/"
	}

	level := uint8(PriorityKernel)
	if userMode {
		level = PriorityDefault
	}
	setPriority(p, level)
	p.Priority = p.BasePriority
	p.TimeSlice = DefaultTimeSlice
	for i := range p.FDTable {
		p.FDTable[i] = -1
	}

	if userMode {
		if err := setupUserSpace(p, entry); err != nil {
			p.State = StateUnused
			return nil, err
		}
	} else {
		if err := setupKernelSpace(p, entry); err != nil {
			p.State = StateUnused
			return nil, err
		}
	}

	if current != nil {
		p.Parent = current
		p.Sibling = current.Children
		current.Children = p
	}

	if userMode && fdInitStdioFn != nil {
		fdInitStdioFn(p)
	}

	p.State = StateRunnable
	logProcessEvent("created", p)
	return p, nil
}

func setupUserSpace(p *Process, entry uint32) *kernel.Error {
	dir, err := createDirectoryFn()
	if err != nil {
		return err
	}
	p.PageDirectory = dir

	// Keep the VGA text buffer reachable so panics can render under this
	// address space.
	mapInFn(dir, 0x000B8000, 0x000B8000, vmm.FlagPresent|vmm.FlagWritable)

	stack, err := stackAllocFn(KernelStackSize)
	if err != nil {
		destroyDirectoryFn(dir)
		return err
	}
	p.KernelStack = stack + KernelStackSize

	p.UserStackTop = mm.UserVirtualEnd
	var stackFrames [userStackPages]mm.Frame
	for i := 0; i < userStackPages; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			for _, f := range stackFrames[:i] {
				freeFrameFn(f)
			}
			stackFreeFn(stack)
			destroyDirectoryFn(dir)
			return err
		}
		stackFrames[i] = frame
		zeroFrameFn(frame.Address())
		mapInFn(dir, (mm.UserVirtualEnd+1)-uint32(i+1)*mm.PageSize, frame.Address(),
			vmm.FlagPresent|vmm.FlagWritable|vmm.FlagUser)
	}

	p.HeapStart = UserHeapBase
	p.HeapEnd = UserHeapBase

	p.Context = cpu.Context{
		EIP:    entry,
		ESP:    mm.UserVirtualEnd - 15,
		EBP:    mm.UserVirtualEnd - 15,
		EFlags: 0x202,
		CS:     cpu.UserCS,
		DS:     cpu.UserDS,
		ES:     cpu.UserDS,
		FS:     cpu.UserDS,
		GS:     cpu.UserDS,
		SS:     cpu.UserDS,
	}
	p.UserEIP = entry

	p.TTY = findTTYFn("tty0")
	p.TTYMode = device.TTYModeCanon | device.TTYModeEcho
	return nil
}

func setupKernelSpace(p *Process, entry uint32) *kernel.Error {
	p.PageDirectory = kernelDirectoryFn()

	stack, err := stackAllocFn(KernelStackSize)
	if err != nil {
		return err
	}
	p.KernelStack = stack + KernelStackSize

	p.Context.EIP = entry
	initKernelFrame(&p.Context, p.KernelStack-16, entry)
	p.KContext = p.Context
	p.InKernel = true
	return nil
}

// initKernelFrame builds a 'pop ebp; ret' style frame on the kernel stack so
// the first switch into the context behaves like a normal call return.
func initKernelFrame(ctx *cpu.Context, stackTop uintptr, entry uint32) {
	sp := stackTop - 8
	frame := (*[2]uint32)(framePtr(sp))
	frame[0] = 0 // fake saved EBP
	frame[1] = entry
	ctx.EIP = entry
	ctx.ESP = uint32(sp)
	ctx.EBP = uint32(sp)
	ctx.EFlags = 0x202
	ctx.CS = cpu.KernelCS
	ctx.DS, ctx.ES, ctx.FS, ctx.GS = cpu.KernelDS, cpu.KernelDS, cpu.KernelDS, cpu.KernelDS
	ctx.SS = cpu.KernelDS
}

// Destroy releases every resource a process holds and clears its slot. The
// caller must ensure the process is not running.
func Destroy(p *Process) {
	if p == nil || p.State == StateUnused {
		return
	}

	if p.WaitingOn != nil {
		flags := saveFlagsFn()
		disableInterruptsFn()
		q := p.WaitingOn
		for pp := &q.head; *pp != nil; pp = &(*pp).WaitNext {
			if *pp == p {
				*pp = p.WaitNext
				break
			}
		}
		p.WaitNext = nil
		p.WaitingOn = nil
		restoreFlagsFn(flags)
	}

	if fdCloseAllFn != nil {
		fdCloseAllFn(p)
	}
	for _, hook := range destroyHooks {
		hook(p.PID)
	}

	if p.PageDirectory != nil && p.PageDirectory != kernelDirectoryFn() {
		destroyDirectoryFn(p.PageDirectory)
	}

	if p.KernelStack != 0 {
		stackFreeFn(p.KernelStack - KernelStackSize)
	}

	if p.Parent != nil {
		if p.Parent.Children == p {
			p.Parent.Children = p.Sibling
		} else {
			for child := p.Parent.Children; child != nil; child = child.Sibling {
				if child.Sibling == p {
					child.Sibling = p.Sibling
					break
				}
			}
		}
	}

	*p = Process{}
}

// Exit terminates the current process: children are reparented to init, the
// slot turns zombie holding exitCode, the parent is woken and the scheduler
// moves on. Exit never returns for the exiting process.
func Exit(exitCode int32) {
	if current == nil || current.PID == 0 {
		return
	}

	initProc := ByPID(1)
	child := current.Children
	current.Children = nil
	for child != nil {
		next := child.Sibling
		child.Parent = initProc
		if initProc != nil {
			child.PPID = initProc.PID
			child.Sibling = initProc.Children
			initProc.Children = child
		} else {
			child.PPID = 0
			child.Sibling = nil
		}
		child = next
	}

	current.ExitCode = exitCode
	current.State = StateZombie
	logProcessEvent("exited", current)

	if current.Parent != nil {
		Wake(current.Parent)
		SignalRaise(current.Parent, SIGCHLD)
	}

	Schedule()
}

// Wait blocks the current process until one of its children exits, then
// reaps the zombie and returns its PID and exit code. ECHILD is reported
// when the process has no children at all.
func Wait() (uint32, int32, *kernel.Error) {
	if current == nil {
		return 0, 0, errNoCurrent
	}

	for {
		if current.Children == nil {
			return 0, 0, &kernel.Error{Module: "proc", Message: "no children to wait for", Errno: kernel.ECHILD}
		}

		for child := current.Children; child != nil; child = child.Sibling {
			if child.State == StateZombie {
				pid := child.PID
				code := child.ExitCode
				Destroy(child)
				return pid, code, nil
			}
		}

		// No zombie yet: sleep until a child exit wakes us.
		current.State = StateSleeping
		Schedule()
	}
}

// Sleep suspends the current process for the given number of timer ticks.
func Sleep(ticks uint64) {
	if current == nil {
		return
	}
	current.WakeupTick = getTicksFn() + ticks
	current.State = StateSleeping
	Schedule()
}

// Wake marks a sleeping process runnable.
func Wake(p *Process) {
	if p != nil && p.State == StateSleeping {
		p.WakeupTick = 0
		makeRunnable(p)
	}
}

// Yield gives up the remainder of the current time slice.
func Yield() {
	if current != nil {
		current.TimeSlice = 0
	}
	Schedule()
}

func logProcessEvent(action string, p *Process) {
	kfmt.Printf("[proc] %s pid=%d name=%s\n", action, p.PID, p.Name)
}

// funcAddr extracts the code address of a Go function value. The bootstrap
// frames need raw EIP values which Go does not expose directly.
func funcAddr(fn func()) uint32 {
	return uint32(**(**uintptr)(unsafe.Pointer(&fn)))
}
