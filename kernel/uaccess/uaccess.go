// Package uaccess validates user pointers and copies memory between user
// and kernel space. Every copy runs with the current process's directory
// active so user virtual addresses dereference correctly.
package uaccess

import (
	"unsafe"

	"frostbyte/kernel"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/vmm"
	"frostbyte/kernel/proc"
)

var (
	// ErrFault is reported for pointers outside the user range or into
	// unmapped pages.
	ErrFault = &kernel.Error{Module: "uaccess", Message: "bad user pointer", Errno: kernel.EFAULT}

	// ErrTooLong signals string copies that overflow the kernel buffer.
	ErrTooLong = &kernel.Error{Module: "uaccess", Message: "user string too long", Errno: kernel.EINVAL}

	// The following vars are replaced by tests and are automatically
	// inlined by the compiler.
	getPhysicalFn     = vmm.GetPhysical
	currentDirFn      = vmm.CurrentDirectory
	switchDirectoryFn = vmm.SwitchDirectory
	currentFn         = proc.Current

	// copyBytesFn moves bytes between raw addresses while the user
	// directory is active.
	copyBytesFn = func(dst, src uintptr, n uint32) {
		kernel.Memcopy(src, dst, uintptr(n))
	}

	// peekByteFn reads one byte of user memory.
	peekByteFn = func(addr uint32) byte {
		return *(*byte)(unsafe.Pointer(uintptr(addr)))
	}
)

// inUserRange checks [start, end] against the user VA window.
func inUserRange(start, end uint32) bool {
	if start < mm.UserVirtualStart {
		return false
	}
	if end < start {
		return false
	}
	return end <= mm.UserVirtualEnd
}

// withUserDirectory runs fn with the current process's directory active and
// restores the previous directory afterwards.
func withUserDirectory(fn func() *kernel.Error) *kernel.Error {
	saved := currentDirFn()
	if cur := currentFn(); cur != nil && cur.PageDirectory != nil {
		switchDirectoryFn(cur.PageDirectory)
	}
	err := fn()
	if saved != nil {
		switchDirectoryFn(saved)
	}
	return err
}

// RangeOK reports whether size bytes at ptr lie inside the user window and
// every covered page has a live translation in the current process.
func RangeOK(ptr uint32, size uint32) bool {
	if size == 0 {
		return true
	}
	end := ptr + size - 1
	if !inUserRange(ptr, end) {
		return false
	}

	ok := true
	withUserDirectory(func() *kernel.Error {
		for page := ptr &^ (mm.PageSize - 1); ; page += mm.PageSize {
			if getPhysicalFn(page) == 0 {
				ok = false
				break
			}
			if page == end&^(mm.PageSize-1) {
				break
			}
		}
		return nil
	})
	return ok
}

// CopyFromUser copies size bytes from a user pointer into a kernel buffer.
func CopyFromUser(dst []byte, userSrc uint32) *kernel.Error {
	size := uint32(len(dst))
	if size == 0 {
		return nil
	}

	return withUserDirectory(func() *kernel.Error {
		if !rangeOKLocked(userSrc, size) {
			return ErrFault
		}
		copyBytesFn(uintptr(unsafe.Pointer(&dst[0])), uintptr(userSrc), size)
		return nil
	})
}

// CopyToUser copies a kernel buffer out to a user pointer.
func CopyToUser(userDst uint32, src []byte) *kernel.Error {
	size := uint32(len(src))
	if size == 0 {
		return nil
	}

	return withUserDirectory(func() *kernel.Error {
		if !rangeOKLocked(userDst, size) {
			return ErrFault
		}
		copyBytesFn(uintptr(userDst), uintptr(unsafe.Pointer(&src[0])), size)
		return nil
	})
}

// rangeOKLocked validates a range while the user directory is already
// active.
func rangeOKLocked(ptr, size uint32) bool {
	end := ptr + size - 1
	if !inUserRange(ptr, end) {
		return false
	}
	for page := ptr &^ (mm.PageSize - 1); ; page += mm.PageSize {
		if getPhysicalFn(page) == 0 {
			return false
		}
		if page == end&^(mm.PageSize-1) {
			break
		}
	}
	return true
}

// CopyStringFromUser copies a NUL-terminated user string byte by byte,
// validating each page as it is crossed. maxLen bounds the result including
// the terminator; overflow reports ErrTooLong.
func CopyStringFromUser(userSrc uint32, maxLen uint32) (string, *kernel.Error) {
	if maxLen == 0 {
		return "", ErrTooLong
	}

	var (
		out  []byte
		cerr *kernel.Error
	)
	withUserDirectory(func() *kernel.Error {
		for i := uint32(0); ; i++ {
			if i+1 >= maxLen {
				cerr = ErrTooLong
				return nil
			}
			addr := userSrc + i
			if !inUserRange(addr, addr) || getPhysicalFn(addr&^(mm.PageSize-1)) == 0 {
				cerr = ErrFault
				return nil
			}
			c := peekByteFn(addr)
			if c == 0 {
				return nil
			}
			out = append(out, c)
		}
	})
	if cerr != nil {
		return "", cerr
	}
	return string(out), nil
}
