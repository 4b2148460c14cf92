package vmm

import (
	"frostbyte/kernel"
	"unsafe"

	"frostbyte/kernel/mm"
)

var (
	// tempBytesFn exposes the byte contents of whatever frame is mapped
	// at a scratch VA. Tests substitute fake frame storage.
	tempBytesFn = func(va uint32) *[mm.PageSize]byte {
		return (*[mm.PageSize]byte)(unsafe.Pointer(uintptr(va)))
	}
)

// ReadPhys copies bytes out of a physical frame, starting at off, through
// the temporary mapping slot. The read must not cross a frame boundary.
func ReadPhys(phys mm.Frame, off uint32, buf []byte) *kernel.Error {
	flags := saveFlagsFn()
	disableInterruptsFn()
	defer restoreFlagsFn(flags)

	va, saved, err := MapTemp(phys.Address())
	if err != nil {
		return err
	}
	copy(buf, tempBytesFn(va)[off:])
	UnmapTemp(saved)
	return nil
}

// WritePhys copies bytes into a physical frame, starting at off, through the
// temporary mapping slot. The write must not cross a frame boundary.
func WritePhys(phys mm.Frame, off uint32, data []byte) *kernel.Error {
	flags := saveFlagsFn()
	disableInterruptsFn()
	defer restoreFlagsFn(flags)

	va, saved, err := MapTemp(phys.Address())
	if err != nil {
		return err
	}
	copy(tempBytesFn(va)[off:], data)
	UnmapTemp(saved)
	return nil
}

// CopyFrame duplicates the contents of src into dst.
func CopyFrame(dst, src mm.Frame) *kernel.Error {
	var buf [mm.PageSize]byte
	if err := ReadPhys(src, 0, buf[:]); err != nil {
		return err
	}
	return WritePhys(dst, 0, buf[:])
}
