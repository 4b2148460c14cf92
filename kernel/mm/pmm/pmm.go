// Package pmm implements the physical frame allocator. A single bitmap
// tracks one bit per 4 KiB frame for up to 512 MiB of RAM; frames covered by
// the bootloader-reported available regions above the kernel image are free,
// everything else is permanently reserved.
package pmm

import (
	"frostbyte/kernel"
	"frostbyte/kernel/cpu"
	"frostbyte/kernel/kfmt"
	"frostbyte/kernel/mm"
	"frostbyte/multiboot"
)

// bitmapSize supports 128Ki frames (512 MiB of RAM).
const bitmapSize = 128 * 1024 / 8

var (
	// ErrOutOfMemory is returned by AllocFrame when no free frame exists.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory", Errno: kernel.ENOMEM}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	saveFlagsFn         = cpu.SaveFlags
	disableInterruptsFn = cpu.DisableInterrupts
	restoreFlagsFn      = cpu.RestoreFlags
	visitMemRegionsFn   = multiboot.VisitMemRegions

	// frameBitmap holds one bit per frame; a set bit marks the frame used.
	frameBitmap [bitmapSize]uint8

	totalFrames uint32
	usedFrames  uint32
)

func setBit(frame uint32)      { frameBitmap[frame/8] |= 1 << (frame % 8) }
func clearBit(frame uint32)    { frameBitmap[frame/8] &^= 1 << (frame % 8) }
func testBit(frame uint32) bool { return frameBitmap[frame/8]&(1<<(frame%8)) != 0 }

// Init builds the frame bitmap from the bootloader memory map. Every frame
// starts out used; frames inside available regions that lie above kernelEnd
// are cleared. Frame 0 stays reserved so a zero Frame can signal failure.
func Init(kernelEnd uint32) {
	for i := range frameBitmap {
		frameBitmap[i] = 0xFF
	}

	var totalMem uint64
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if end := region.PhysAddress + region.Length; region.Type == multiboot.MemAvailable && end > totalMem {
			totalMem = end
		}
		return true
	})

	totalFrames = uint32(totalMem / uint64(mm.PageSize))
	if totalFrames > bitmapSize*8 {
		totalFrames = bitmapSize * 8
	}
	usedFrames = totalFrames

	reservedTop := mm.PageAlignUp(kernelEnd)

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		start := mm.PageAlignUp(uint32(region.PhysAddress))
		end := uint32(region.PhysAddress+region.Length) &^ (mm.PageSize - 1)
		for addr := start; addr < end; addr += mm.PageSize {
			frame := addr >> mm.PageShift
			if addr >= reservedTop && frame < totalFrames && frame < bitmapSize*8 {
				if testBit(frame) {
					clearBit(frame)
					usedFrames--
				}
			}
		}
		return true
	})

	kfmt.Printf("[pmm] total: %d frames, free: %d, reserved below 0x%x\n",
		totalFrames, totalFrames-usedFrames, reservedTop)
}

// AllocFrame reserves the lowest free frame and returns its physical
// address. Allocation is a critical section; callers may race with IRQ
// handlers.
func AllocFrame() (mm.Frame, *kernel.Error) {
	flags := saveFlagsFn()
	disableInterruptsFn()
	defer restoreFlagsFn(flags)

	for frame := uint32(0); frame < totalFrames && frame < bitmapSize*8; frame++ {
		if !testBit(frame) {
			setBit(frame)
			usedFrames++
			return mm.Frame(frame << mm.PageShift), nil
		}
	}
	return 0, ErrOutOfMemory
}

// FreeFrame releases a frame previously handed out by AllocFrame. Freeing an
// unallocated frame is a no-op.
func FreeFrame(frame mm.Frame) {
	flags := saveFlagsFn()
	disableInterruptsFn()
	defer restoreFlagsFn(flags)

	index := frame.Index()
	if index >= totalFrames || index >= bitmapSize*8 {
		return
	}
	if testBit(index) {
		clearBit(index)
		usedFrames--
	}
}

// TotalFrames returns the number of frames the bitmap tracks.
func TotalFrames() uint32 { return totalFrames }

// UsedFrames returns the number of currently reserved frames.
func UsedFrames() uint32 { return usedFrames }

// FreeFrames returns the number of currently free frames.
func FreeFrames() uint32 { return totalFrames - usedFrames }
