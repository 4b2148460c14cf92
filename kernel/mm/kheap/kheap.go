// Package kheap implements the kernel heap: a doubly-linked free list of
// blocks carved out of a region that starts at mm.KernelHeapStart and grows
// upward one page at a time through the vmm.
package kheap

import (
	"unsafe"

	"frostbyte/kernel"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/pmm"
	"frostbyte/kernel/mm/vmm"
)

// blockHeader precedes every heap block. next/prev link all blocks (free and
// used) in address order.
type blockHeader struct {
	size uint32
	free bool
	next *blockHeader
	prev *blockHeader
}

const (
	headerSize = uint32(unsafe.Sizeof(blockHeader{}))
	minAlign   = uint32(8)

	// minSplit is the smallest leftover worth turning into a new block.
	minSplit = minAlign
)

// Stats describes the heap occupancy returned by GetStats.
type Stats struct {
	TotalSize uint32
	UsedSize  uint32
	FreeSize  uint32
	NumBlocks uint32
}

var (
	// ErrOutOfMemory is reported when neither the free list nor heap
	// growth can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "kernel heap exhausted", Errno: kernel.ENOMEM}

	// The following vars are replaced by tests; mapHeapPageFn is the only
	// place the heap touches the paging layer.
	mapHeapPageFn = func(va uint32) *kernel.Error {
		frame, err := pmm.AllocFrame()
		if err != nil {
			return err
		}
		if err = vmm.Map(va, frame.Address(), vmm.FlagPresent|vmm.FlagWritable); err != nil {
			pmm.FreeFrame(frame)
			return err
		}
		return nil
	}
	translateFn = vmm.GetPhysical

	// heapBase is the virtual address of the first heap byte. Tests point
	// it into a slice; the kernel leaves it at mm.KernelHeapStart.
	heapBase = uintptr(mm.KernelHeapStart)

	heapStart      *blockHeader
	heapEnd        uintptr
	totalAllocated uint32
)

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

// Init maps the first heap page and installs the initial free block.
func Init() *kernel.Error {
	if err := mapHeapPageFn(uint32(heapBase)); err != nil {
		return err
	}

	heapStart = headerAt(heapBase)
	heapStart.size = mm.PageSize - headerSize
	heapStart.free = true
	heapStart.next = nil
	heapStart.prev = nil
	heapEnd = heapBase + uintptr(mm.PageSize)
	totalAllocated = 0
	return nil
}

// expand maps enough fresh pages at the current heap end for needed bytes.
func expand(needed uint32) *kernel.Error {
	pages := (needed + mm.PageSize - 1) / mm.PageSize
	for i := uint32(0); i < pages; i++ {
		if err := mapHeapPageFn(uint32(heapEnd)); err != nil {
			return err
		}
		heapEnd += uintptr(mm.PageSize)
	}
	return nil
}

// Malloc reserves size bytes and returns their virtual address. Requests are
// rounded up to 8-byte multiples; the placement is first fit.
func Malloc(size uint32) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}

	size = (size + minAlign - 1) &^ (minAlign - 1)

	for cur := heapStart; cur != nil; cur = cur.next {
		if !cur.free || cur.size < size {
			continue
		}

		// Split when the leftover can hold a header plus a minimal
		// payload.
		if cur.size > size+headerSize+minSplit {
			newBlock := headerAt(uintptr(unsafe.Pointer(cur)) + uintptr(headerSize) + uintptr(size))
			newBlock.size = cur.size - size - headerSize
			newBlock.free = true
			newBlock.next = cur.next
			newBlock.prev = cur
			if cur.next != nil {
				cur.next.prev = newBlock
			}
			cur.next = newBlock
			cur.size = size
		}

		cur.free = false
		totalAllocated += cur.size
		return uintptr(unsafe.Pointer(cur)) + uintptr(headerSize), nil
	}

	// No block fits; grow the heap and append a block to the tail.
	oldEnd := heapEnd
	if err := expand(size + headerSize); err != nil {
		return 0, ErrOutOfMemory
	}

	newBlock := headerAt(oldEnd)
	newBlock.size = size
	newBlock.free = false
	newBlock.next = nil

	tail := heapStart
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = newBlock
	newBlock.prev = tail

	// Hand the slack beyond the new block back as a free block.
	used := uintptr(headerSize) + uintptr(size)
	if slack := heapEnd - (oldEnd + used); slack > uintptr(headerSize+minSplit) {
		free := headerAt(oldEnd + used)
		free.size = uint32(slack) - headerSize
		free.free = true
		free.prev = newBlock
		free.next = nil
		newBlock.next = free
	}

	totalAllocated += size
	return oldEnd + uintptr(headerSize), nil
}

// Free returns a block to the heap, coalescing it with free neighbors.
func Free(addr uintptr) {
	if addr == 0 {
		return
	}

	block := headerAt(addr - uintptr(headerSize))
	block.free = true
	totalAllocated -= block.size

	if next := block.next; next != nil && next.free {
		block.size += headerSize + next.size
		block.next = next.next
		if next.next != nil {
			next.next.prev = block
		}
	}

	if prev := block.prev; prev != nil && prev.free {
		prev.size += headerSize + block.size
		prev.next = block.next
		if block.next != nil {
			block.next.prev = prev
		}
	}
}

// MallocPhysical reserves size bytes and reports the physical address of the
// first byte alongside the virtual one.
func MallocPhysical(size uint32) (uintptr, uint32, *kernel.Error) {
	addr, err := Malloc(size)
	if err != nil || addr == 0 {
		return 0, 0, err
	}
	return addr, translateFn(uint32(addr)), nil
}

// GetStats reports heap occupancy.
func GetStats() Stats {
	stats := Stats{
		TotalSize: uint32(heapEnd - heapBase),
		UsedSize:  totalAllocated,
	}
	stats.FreeSize = stats.TotalSize - stats.UsedSize
	for cur := heapStart; cur != nil; cur = cur.next {
		stats.NumBlocks++
	}
	return stats
}
