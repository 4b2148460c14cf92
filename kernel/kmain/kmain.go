// Package kmain hosts the kernel entry point invoked by the rt0 assembly
// after the GDT, IDT and PIC are in place. It brings the subsystems up in
// dependency order and hands control to init.
package kmain

import (
	"unsafe"

	"frostbyte/device/tty"
	"frostbyte/kernel"
	"frostbyte/kernel/cpu"
	"frostbyte/kernel/dynlink"
	"frostbyte/kernel/elf"
	"frostbyte/kernel/fd"
	"frostbyte/kernel/fs/devfs"
	"frostbyte/kernel/fs/fat"
	"frostbyte/kernel/fs/initramfs"
	"frostbyte/kernel/fs/procfs"
	"frostbyte/kernel/fs/tmpfs"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/ipc/shm"
	"frostbyte/kernel/ipc/socket"
	"frostbyte/kernel/irq"
	"frostbyte/kernel/kfmt"
	"frostbyte/kernel/ktime"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/kheap"
	"frostbyte/kernel/mm/pmm"
	"frostbyte/kernel/mm/vmm"
	"frostbyte/kernel/proc"
	"frostbyte/kernel/sysc"
	"frostbyte/multiboot"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol visible to the rt0 initialization code. The
// rt0 stub passes the multiboot info pointer plus the physical kernel image
// bounds. Kmain is not expected to return; if it does, the CPU halts.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr, kernelStart, kernelEnd uint32) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error

	// Memory: frames, paging, heap.
	pmm.Init(kernelEnd)
	if err = vmm.Init(); err != nil {
		kfmt.Panic(err)
	}
	if err = kheap.Init(); err != nil {
		kfmt.Panic(err)
	}

	// Timer and processes.
	ktime.Init(100)
	if err = proc.Init(); err != nil {
		kfmt.Panic(err)
	}
	installFaultHandlers()

	// Filesystems: initramfs root, then the virtual trees.
	vfs.Init()
	initramfs.Init()
	loadBootModules()
	if err = initramfs.Install(); err != nil {
		kfmt.Panic(err)
	}
	vfs.RegisterFS(&devfs.FS{})
	vfs.RegisterFS(&procfs.FS{})
	vfs.RegisterFS(&tmpfs.FS{})
	vfs.RegisterFS(fat.NewFAT16())
	vfs.RegisterFS(fat.NewFAT32())
	vfs.MountFS("", "/dev", "devfs")
	vfs.MountFS("", "/proc", "procfs")
	vfs.MountFS("", "/tmp", "tmpfs")
	procfs.SetBootCmdLine(multiboot.GetBootCmdLineRaw)

	// Descriptors, IPC, dynamic linking, syscall gate.
	fd.Init()
	socket.Init()
	shm.Init()
	dynlink.InstallLoaderHook()
	irq.SetSyscallHandler(sysc.Dispatch)

	tty.RegisterDevice()

	kfmt.Printf("[kmain] core up, starting init\n")
	startInit()

	kfmt.Panic(errKmainReturned)
}

// loadBootModules feeds every multiboot module into the initramfs; the
// archive is the cpio image the bootloader loaded for us. Module frames sit
// in low memory so the higher-half linear map reaches them directly.
func loadBootModules() {
	multiboot.VisitModules(func(mod *multiboot.Module) bool {
		size := mod.End - mod.Start
		archive := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(mod.Start+mm.KernelVirtualBase))), size)
		if err := initramfs.LoadCPIO(archive); err != nil {
			kfmt.Printf("[kmain] skipping bad boot module: %s\n", err.Message)
		}
		return true
	})
}

// installFaultHandlers maps user-mode CPU exceptions to fatal signals. A
// kernel-mode fault is unrecoverable and panics with the decoded cause.
func installFaultHandlers() {
	fatal := func(sig int, what string) irq.ExceptionHandler {
		return func(code uint32, regs *irq.Regs, frame *irq.Frame) {
			if frame.FromUserMode() {
				cur := proc.Current()
				kfmt.Printf("[kmain] %s in pid %d at eip 0x%8x\n", what, cur.PID, frame.EIP)
				proc.SignalRaise(cur, sig)
				proc.Exit(128 + int32(sig))
				return
			}
			regs.Print()
			frame.Print()
			if sig == proc.SIGSEGV {
				kfmt.PanicPageFault(cpu.ReadCR2(), code)
			}
			kfmt.Panic(&kernel.Error{Module: "kmain", Message: what})
		}
	}

	irq.HandleException(irq.DivideError, fatal(proc.SIGFPE, "divide error"))
	irq.HandleException(irq.InvalidOpcode, fatal(proc.SIGILL, "invalid opcode"))
	irq.HandleException(irq.GPFException, fatal(proc.SIGSEGV, "general protection fault"))
	irq.HandleException(irq.PageFaultException, fatal(proc.SIGSEGV, "page fault"))
	irq.HandleException(irq.AlignmentCheck, fatal(proc.SIGBUS, "alignment check"))
}

// startInit execs the configured init binary as PID 1.
func startInit() {
	initPath := "/bin/init"
	if override, ok := multiboot.GetBootCmdLine()["init"]; ok && override != "" {
		initPath = override
	}

	p, err := proc.Create(vfs.Basename(initPath), 0, true)
	if err != nil {
		kfmt.Panic(err)
	}
	if err = elf.LoadIntoProcess(initPath, p, []string{initPath}, nil); err != nil {
		kfmt.Panic(err)
	}

	proc.Schedule()
}

// Reboot pulses the keyboard controller reset line, falling back to a halt
// loop when the pulse does not take.
func Reboot() {
	for i := 0; i < 100; i++ {
		if cpu.PortReadByte(0x64)&0x02 == 0 {
			break
		}
	}
	cpu.PortWriteByte(0x64, 0xFE)
	cpu.Halt()
}

// Halt parks the CPU.
func Halt() {
	cpu.DisableInterrupts()
	cpu.Halt()
}
