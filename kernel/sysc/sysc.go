// Package sysc is the syscall surface: it validates user arguments, routes
// each call to the owning subsystem and folds kernel errors into negative
// errno returns.
package sysc

import (
	"frostbyte/kernel"
	"frostbyte/kernel/elf"
	"frostbyte/kernel/fd"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/ipc/shm"
	"frostbyte/kernel/ipc/socket"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/pmm"
	"frostbyte/kernel/mm/vmm"
	"frostbyte/kernel/proc"
	"frostbyte/kernel/uaccess"
)

// Syscall numbers.
const (
	SysExit    = 1
	SysFork    = 2
	SysRead    = 3
	SysWrite   = 4
	SysOpen    = 5
	SysClose   = 6
	SysWaitPID = 7
	SysUnlink  = 10
	SysExecve  = 11
	SysChdir   = 12
	SysLseek   = 19
	SysGetPID  = 20
	SysKill    = 37
	SysMkdir   = 39
	SysRmdir   = 40
	SysDup     = 41
	SysBrk     = 45
	SysIoctl   = 54
	SysMount   = 21
	SysUmount  = 22
	SysReadDir = 89
	SysSleep   = 162

	SysSocket  = 97
	SysBind    = 98
	SysListen  = 99
	SysConnect = 100
	SysAccept  = 101

	SysShmGet = 117
	SysShmAt  = 118
	SysShmDt  = 119
	SysShmCtl = 120
)

// Seek whence values.
const (
	seekSet = 0
	seekCur = 1
	seekEnd = 2
)

const maxPathArg = vfs.MaxPath

var (
	errNoSys = &kernel.Error{Module: "sysc", Message: "unknown syscall", Errno: kernel.ENOSYS}

	// The following vars are replaced by tests.
	currentFn      = proc.Current
	signalCheckFn  = proc.SignalCheckCurrent
	execveFn       = elf.Execve
	copyStringFn   = uaccess.CopyStringFromUser
	copyFromUserFn = uaccess.CopyFromUser
	copyToUserFn   = uaccess.CopyToUser
	allocFrameFn   = pmm.AllocFrame
	mapInFn        = vmm.MapIn
	fdAllocFn      = fd.Alloc
	fdGetFn        = fd.Get
	fdCloseFn      = fd.Close
	fdDupFn        = fd.Dup
)

// errno folds a kernel error into a negative syscall return.
func errno(err *kernel.Error) int32 {
	if err == nil {
		return 0
	}
	if err.Errno == 0 {
		return -kernel.EINVAL
	}
	return -err.Errno
}

// Dispatch routes one syscall. It runs in kernel mode on the calling
// process's kernel stack; pending fatal signals are applied at entry so a
// killed process never reenters user space.
func Dispatch(num, a1, a2, a3 uint32) int32 {
	signalCheckFn()

	switch num {
	case SysExit:
		proc.Exit(int32(a1))
		return 0
	case SysFork:
		return sysFork()
	case SysRead:
		return sysRead(int32(a1), a2, a3)
	case SysWrite:
		return sysWrite(int32(a1), a2, a3)
	case SysOpen:
		return sysOpen(a1, a2)
	case SysClose:
		return errno(fdCloseFn(int32(a1)))
	case SysWaitPID:
		return sysWait(a1)
	case SysUnlink:
		return sysPathCall(a1, vfs.Unlink)
	case SysExecve:
		return sysExecve(a1, a2, a3)
	case SysChdir:
		return sysChdir(a1)
	case SysLseek:
		return sysLseek(int32(a1), int32(a2), a3)
	case SysGetPID:
		if cur := currentFn(); cur != nil {
			return int32(cur.PID)
		}
		return -kernel.ESRCH
	case SysKill:
		if !proc.Kill(a1, int(a2)) {
			return -kernel.ESRCH
		}
		return 0
	case SysMkdir:
		return sysPathFlagsCall(a1, a2, vfs.Mkdir)
	case SysRmdir:
		return sysPathCall(a1, vfs.Rmdir)
	case SysDup:
		newfd, err := fdDupFn(int32(a1))
		if err != nil {
			return errno(err)
		}
		return newfd
	case SysBrk:
		return sysBrk(a1)
	case SysIoctl:
		return sysIoctl(int32(a1), a2, a3)
	case SysMount:
		return sysMount(a1, a2, a3)
	case SysUmount:
		return sysPathCall(a1, vfs.Unmount)
	case SysReadDir:
		return sysReadDir(int32(a1), a2, a3)
	case SysSleep:
		proc.Sleep(uint64(a1))
		return 0

	case SysSocket:
		fdnum, err := socket.Create(int(a1), int(a2), a3)
		if err != nil {
			return errno(err)
		}
		return fdnum
	case SysBind:
		return sysSockPath(a1, a2, socket.Bind)
	case SysListen:
		return errno(socket.Listen(int32(a1), int(a2)))
	case SysConnect:
		return sysSockPath(a1, a2, socket.Connect)
	case SysAccept:
		fdnum, err := socket.Accept(int32(a1))
		if err != nil {
			return errno(err)
		}
		return fdnum

	case SysShmGet:
		id, err := shm.Get(int32(a1), a2, a3)
		if err != nil {
			return errno(err)
		}
		return id
	case SysShmAt:
		addr, err := shm.Attach(int32(a1), a2, a3)
		if err != nil {
			return errno(err)
		}
		return int32(addr)
	case SysShmDt:
		return errno(shm.Detach(a1))
	case SysShmCtl:
		return errno(shm.Control(int32(a1), a2))
	}

	return errno(errNoSys)
}

// userPath copies a path argument and resolves it against the caller's cwd.
func userPath(ptr uint32) (string, int32) {
	path, err := copyStringFn(ptr, maxPathArg)
	if err != nil {
		return "", errno(err)
	}
	cwd := "/"
	if cur := currentFn(); cur != nil && cur.CWD != "" {
		cwd = cur.CWD
	}
	return vfs.NormalizePath(cwd, path), 0
}

func sysPathCall(ptr uint32, fn func(string) *kernel.Error) int32 {
	path, rc := userPath(ptr)
	if rc != 0 {
		return rc
	}
	return errno(fn(path))
}

func sysPathFlagsCall(ptr, flags uint32, fn func(string, uint32) *kernel.Error) int32 {
	path, rc := userPath(ptr)
	if rc != 0 {
		return rc
	}
	return errno(fn(path, flags))
}

func sysSockPath(fdnum, ptr uint32, fn func(int32, string) *kernel.Error) int32 {
	path, err := copyStringFn(ptr, maxPathArg)
	if err != nil {
		return errno(err)
	}
	return errno(fn(int32(fdnum), path))
}

func sysFork() int32 {
	child, err := proc.Fork()
	if err != nil {
		return errno(err)
	}
	return int32(child.PID)
}

func sysWait(statusPtr uint32) int32 {
	pid, code, err := proc.Wait()
	if err != nil {
		return errno(err)
	}
	if statusPtr != 0 {
		status := [4]byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
		copyToUserFn(statusPtr, status[:])
	}
	return int32(pid)
}

// accessFlags maps open flags to the node permission bits checked by the
// VFS.
func accessFlags(flags uint32) uint32 {
	switch flags & 0x3 {
	case fd.OWrOnly:
		return vfs.FlagWrite
	case fd.ORdWr:
		return vfs.FlagRead | vfs.FlagWrite
	default:
		return vfs.FlagRead
	}
}

func sysOpen(pathPtr, flags uint32) int32 {
	path, rc := userPath(pathPtr)
	if rc != 0 {
		return rc
	}

	node, err := vfs.Open(path, accessFlags(flags))
	if err != nil && flags&fd.OCreate != 0 {
		if cerr := vfs.CreateFile(path, vfs.FlagRead|vfs.FlagWrite); cerr != nil {
			return errno(cerr)
		}
		node, err = vfs.Open(path, accessFlags(flags))
	}
	if err != nil {
		return errno(err)
	}

	fdnum, aerr := fdAllocFn(node, flags)
	if aerr != nil {
		return errno(aerr)
	}

	file := fdGetFn(fdnum)
	if flags&fd.OAppend != 0 {
		file.Offset = node.Ops.GetSize(node)
	}
	if flags&fd.OTrunc != 0 {
		file.Offset = 0
	}
	return fdnum
}

func sysRead(fdnum int32, bufPtr, size uint32) int32 {
	file := fdGetFn(fdnum)
	if file == nil {
		return -kernel.EBADF
	}
	if size > mm.PageSize*16 {
		size = mm.PageSize * 16
	}

	buf := make([]byte, size)
	n, err := vfs.Read(file.Node, file.Offset, buf)
	if err != nil {
		return errno(err)
	}
	if n > 0 {
		if cerr := copyToUserFn(bufPtr, buf[:n]); cerr != nil {
			return errno(cerr)
		}
		file.Offset += uint32(n)
	}
	return int32(n)
}

func sysWrite(fdnum int32, bufPtr, size uint32) int32 {
	file := fdGetFn(fdnum)
	if file == nil {
		return -kernel.EBADF
	}
	if size > mm.PageSize*16 {
		size = mm.PageSize * 16
	}

	buf := make([]byte, size)
	if cerr := copyFromUserFn(buf, bufPtr); cerr != nil {
		return errno(cerr)
	}

	off := file.Offset
	if file.Append {
		off = file.Node.Ops.GetSize(file.Node)
	}
	n, err := vfs.Write(file.Node, off, buf)
	if err != nil {
		return errno(err)
	}
	file.Offset = off + uint32(n)
	return int32(n)
}

func sysLseek(fdnum, off int32, whence uint32) int32 {
	file := fdGetFn(fdnum)
	if file == nil {
		return -kernel.EBADF
	}

	var base int32
	switch whence {
	case seekSet:
		base = 0
	case seekCur:
		base = int32(file.Offset)
	case seekEnd:
		base = int32(file.Node.Ops.GetSize(file.Node))
	default:
		return -kernel.EINVAL
	}

	target := base + off
	if target < 0 {
		return -kernel.EINVAL
	}
	file.Offset = uint32(target)
	return target
}

func sysChdir(pathPtr uint32) int32 {
	path, rc := userPath(pathPtr)
	if rc != 0 {
		return rc
	}

	node, err := vfs.ResolvePath(path)
	if err != nil {
		return errno(err)
	}
	defer vfs.Close(node)
	if node.Type != vfs.TypeDirectory {
		return -kernel.ENOTDIR
	}

	if cur := currentFn(); cur != nil {
		cur.CWD = path
	}
	return 0
}

func sysIoctl(fdnum int32, cmd, arg uint32) int32 {
	file := fdGetFn(fdnum)
	if file == nil {
		return -kernel.EBADF
	}
	if file.Node.Ops == nil {
		return -kernel.ENOTTY
	}
	return errno(file.Node.Ops.Ioctl(file.Node, cmd, uintptr(arg)))
}

// sysBrk grows (never shrinks) the process heap to the requested end,
// mapping fresh zeroed pages. brk(0) reports the current break.
func sysBrk(newEnd uint32) int32 {
	cur := currentFn()
	if cur == nil {
		return -kernel.ESRCH
	}
	if newEnd == 0 || newEnd <= cur.HeapEnd {
		return int32(cur.HeapEnd)
	}
	if newEnd > mm.UserVirtualEnd {
		return -kernel.ENOMEM
	}

	for page := mm.PageAlignUp(cur.HeapEnd); page < mm.PageAlignUp(newEnd); page += mm.PageSize {
		frame, err := allocFrameFn()
		if err != nil {
			return errno(err)
		}
		vmm.ZeroFrame(frame.Address())
		if merr := mapInFn(cur.PageDirectory, page, frame.Address(), vmm.FlagPresent|vmm.FlagWritable|vmm.FlagUser); merr != nil {
			return errno(merr)
		}
	}
	cur.HeapEnd = newEnd
	return int32(cur.HeapEnd)
}

func sysMount(devPtr, pathPtr, typePtr uint32) int32 {
	devName, err := copyStringFn(devPtr, 64)
	if err != nil {
		return errno(err)
	}
	path, rc := userPath(pathPtr)
	if rc != 0 {
		return rc
	}
	fsType, err := copyStringFn(typePtr, 32)
	if err != nil {
		return errno(err)
	}
	return errno(vfs.MountFS(devName, path, fsType))
}

// sysReadDir copies the name of the index-th directory entry into the user
// buffer (NUL terminated). Returns 1 when an entry was produced, 0 at the
// end of the directory.
func sysReadDir(fdnum int32, index, bufPtr uint32) int32 {
	file := fdGetFn(fdnum)
	if file == nil {
		return -kernel.EBADF
	}

	entry, err := vfs.ReadDirIndex(file.Node, index)
	if err != nil {
		return errno(err)
	}
	if entry == nil {
		return 0
	}

	name := entry.Name
	vfs.Close(entry)
	out := append([]byte(name), 0)
	if cerr := copyToUserFn(bufPtr, out); cerr != nil {
		return errno(cerr)
	}
	return 1
}

// sysExecve copies the argument and environment vectors (arrays of user
// string pointers, NULL terminated) and replaces the current image.
func sysExecve(pathPtr, argvPtr, envpPtr uint32) int32 {
	path, rc := userPath(pathPtr)
	if rc != 0 {
		return rc
	}

	argv, rc := copyUserVector(argvPtr)
	if rc != 0 {
		return rc
	}
	envp, rc := copyUserVector(envpPtr)
	if rc != 0 {
		return rc
	}

	// Execve only returns on failure.
	return errno(execveFn(path, argv, envp))
}

// copyUserVector reads a NULL-terminated array of user string pointers.
func copyUserVector(ptr uint32) ([]string, int32) {
	if ptr == 0 {
		return nil, 0
	}

	var out []string
	for i := uint32(0); i < 64; i++ {
		var word [4]byte
		if err := copyFromUserFn(word[:], ptr+i*4); err != nil {
			return nil, errno(err)
		}
		strPtr := uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
		if strPtr == 0 {
			return out, 0
		}
		s, err := copyStringFn(strPtr, 256)
		if err != nil {
			return nil, errno(err)
		}
		out = append(out, s)
	}
	return nil, -kernel.E2BIG
}
