// Package procfs implements the /proc virtual filesystem: read-only views
// of kernel state plus a few write-to-act control files.
package procfs

import (
	"bytes"

	"frostbyte/device"
	"frostbyte/kernel"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/kfmt"
	"frostbyte/kernel/ktime"
	"frostbyte/kernel/mm"
	"frostbyte/kernel/mm/kheap"
	"frostbyte/kernel/mm/pmm"
	"frostbyte/kernel/proc"
)

var (
	// ErrBadCommand is reported for write-to-act files that receive an
	// unrecognized payload.
	ErrBadCommand = &kernel.Error{Module: "procfs", Message: "invalid control command", Errno: kernel.EINVAL}

	// vgaSwitchFn is registered by the VGA collaborator; it receives one
	// of "13h", "12h", "text".
	vgaSwitchFn func(mode string) *kernel.Error

	// rescanFn is registered by the ATA collaborator; a write to
	// /proc/rescan triggers it.
	rescanFn func()

	currentFn   = proc.Current
	byPIDFn     = proc.ByPID
	findDevFn   = device.FindByName
	bootCmdLine = func() string { return "" }
)

// SetVGAHook registers the display mode-switch capability.
func SetVGAHook(fn func(mode string) *kernel.Error) { vgaSwitchFn = fn }

// SetRescanHook registers the partition rescan capability.
func SetRescanHook(fn func()) { rescanFn = fn }

// SetBootCmdLine registers the provider for /proc/cmdline.
func SetBootCmdLine(fn func() string) {
	if fn != nil {
		bootCmdLine = fn
	}
}

// entry describes one virtual file.
type entry struct {
	name  string
	read  func(buf *bytes.Buffer)
	write func(data []byte) *kernel.Error
}

var entries = []entry{
	{name: "mounts", read: genMounts},
	{name: "meminfo", read: genMeminfo},
	{name: "devices", read: genDevices},
	{name: "cmdline", read: genCmdline},
	{name: "uptime", read: genUptime},
	{name: "tty", read: genTTY, write: writeTTY},
	{name: "rescan", read: func(*bytes.Buffer) {}, write: writeRescan},
	{name: "vga", read: func(*bytes.Buffer) {}, write: writeVGA},
}

// FS is the mountable procfs driver.
type FS struct {
	vfs.DefaultOps
}

// Name returns the filesystem type name.
func (fs *FS) Name() string { return "procfs" }

// Mount returns the procfs root.
func (fs *FS) Mount(dev *device.Device) (*vfs.Node, interface{}, *kernel.Error) {
	rootNode := vfs.NewNode("/", vfs.TypeDirectory, vfs.FlagRead)
	rootNode.Ops = fs
	return rootNode, nil, nil
}

// nodeKind is stored in Node.Private to identify what a resolved procfs
// node stands for.
type nodeKind struct {
	entry *entry // top-level file
	pid   uint32 // process directory or file below it
	file  string // "status" or "cmdline" for per-process files
	isDir bool
}

func (fs *FS) wrapFile(name string, kind *nodeKind, writable bool) *vfs.Node {
	flags := vfs.FlagRead
	if writable {
		flags |= vfs.FlagWrite
	}
	out := vfs.NewNode(name, vfs.TypeFile, flags)
	out.Ops = fs
	out.Private = kind
	return out
}

func (fs *FS) wrapDir(name string, kind *nodeKind) *vfs.Node {
	out := vfs.NewNode(name, vfs.TypeDirectory, vfs.FlagRead)
	out.Ops = fs
	out.Private = kind
	return out
}

// parsePID decodes a decimal process id, rejecting empty or non-numeric
// names.
func parsePID(name string) (uint32, bool) {
	if len(name) == 0 {
		return 0, false
	}
	var pid uint32
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return 0, false
		}
		pid = pid*10 + uint32(name[i]-'0')
	}
	return pid, true
}

// FindDir resolves top-level names, "self" and per-PID directories.
func (fs *FS) FindDir(n *vfs.Node, name string) (*vfs.Node, *kernel.Error) {
	kind, _ := n.Private.(*nodeKind)

	if kind == nil {
		// procfs root.
		for i := range entries {
			if entries[i].name == name {
				return fs.wrapFile(name, &nodeKind{entry: &entries[i]}, entries[i].write != nil), nil
			}
		}
		if name == "self" {
			cur := currentFn()
			if cur == nil {
				return nil, vfs.ErrNotFound
			}
			return fs.wrapDir(name, &nodeKind{pid: cur.PID, isDir: true}), nil
		}
		if pid, ok := parsePID(name); ok {
			if byPIDFn(pid) == nil {
				return nil, vfs.ErrNotFound
			}
			return fs.wrapDir(name, &nodeKind{pid: pid, isDir: true}), nil
		}
		return nil, vfs.ErrNotFound
	}

	if kind.isDir {
		switch name {
		case "status", "cmdline":
			return fs.wrapFile(name, &nodeKind{pid: kind.pid, file: name}, false), nil
		}
	}
	return nil, vfs.ErrNotFound
}

// ReadDir enumerates the root: static entries, then live PIDs.
func (fs *FS) ReadDir(n *vfs.Node, index uint32) (*vfs.Node, *kernel.Error) {
	kind, _ := n.Private.(*nodeKind)
	if kind != nil && kind.isDir {
		switch index {
		case 0:
			return fs.wrapFile("status", &nodeKind{pid: kind.pid, file: "status"}, false), nil
		case 1:
			return fs.wrapFile("cmdline", &nodeKind{pid: kind.pid, file: "cmdline"}, false), nil
		}
		return nil, nil
	}

	if index < uint32(len(entries)) {
		e := &entries[index]
		return fs.wrapFile(e.name, &nodeKind{entry: e}, e.write != nil), nil
	}

	// Live process directories follow the static entries.
	want := index - uint32(len(entries))
	var out *vfs.Node
	i := uint32(0)
	proc.Visit(func(p *proc.Process) bool {
		if i == want {
			out = fs.wrapDir(pidName(p.PID), &nodeKind{pid: p.PID, isDir: true})
			return false
		}
		i++
		return true
	})
	return out, nil
}

// Read generates the node's content and copies out the requested window.
func (fs *FS) Read(n *vfs.Node, off uint32, buf []byte) (int, *kernel.Error) {
	kind, _ := n.Private.(*nodeKind)
	if kind == nil {
		return 0, vfs.ErrInvalid
	}

	var content bytes.Buffer
	switch {
	case kind.entry != nil:
		kind.entry.read(&content)
	case kind.file == "status":
		p := byPIDFn(kind.pid)
		if p == nil {
			return 0, vfs.ErrNotFound
		}
		genStatus(&content, p)
	case kind.file == "cmdline":
		p := byPIDFn(kind.pid)
		if p == nil {
			return 0, vfs.ErrNotFound
		}
		kfmt.Fprintf(&content, "%s\n", p.Cmdline)
	default:
		return 0, vfs.ErrInvalid
	}

	data := content.Bytes()
	if off >= uint32(len(data)) {
		return 0, nil
	}
	return copy(buf, data[off:]), nil
}

// Write routes to the entry's control handler.
func (fs *FS) Write(n *vfs.Node, off uint32, data []byte) (int, *kernel.Error) {
	kind, _ := n.Private.(*nodeKind)
	if kind == nil || kind.entry == nil || kind.entry.write == nil {
		return 0, vfs.ErrPermission
	}
	if err := kind.entry.write(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func pidName(pid uint32) string {
	var buf bytes.Buffer
	kfmt.Fprintf(&buf, "%d", pid)
	return buf.String()
}

func genMounts(buf *bytes.Buffer) {
	for m := vfs.Mounts(); m != nil; m = m.Next() {
		dev := "none"
		if m.MountDevice != nil {
			dev = m.MountDevice.Name
		}
		kfmt.Fprintf(buf, "%s %s %s rw 0 0\n", dev, m.MountPoint, m.FSName)
	}
}

func genMeminfo(buf *bytes.Buffer) {
	pageKb := uint32(mm.PageSize) / 1024
	kfmt.Fprintf(buf, "MemTotal:\t%d kB\n", pmm.TotalFrames()*pageKb)
	kfmt.Fprintf(buf, "MemFree:\t%d kB\n", pmm.FreeFrames()*pageKb)
	kfmt.Fprintf(buf, "MemUsed:\t%d kB\n", pmm.UsedFrames()*pageKb)
	stats := kheap.GetStats()
	kfmt.Fprintf(buf, "HeapTotal:\t%d kB\n", stats.TotalSize/1024)
	kfmt.Fprintf(buf, "HeapUsed:\t%d kB\n", stats.UsedSize/1024)
}

func genDevices(buf *bytes.Buffer) {
	device.Visit(func(dev *device.Device) bool {
		kfmt.Fprintf(buf, "%d %s %s\n", dev.ID, dev.Name, dev.Type.String())
		return true
	})
}

func genCmdline(buf *bytes.Buffer) {
	kfmt.Fprintf(buf, "%s\n", bootCmdLine())
}

func genUptime(buf *bytes.Buffer) {
	secs, hundredths := ktime.Uptime()
	kfmt.Fprintf(buf, "%d.%d%d\n", secs, hundredths/10, hundredths%10)
}

func genTTY(buf *bytes.Buffer) {
	cur := currentFn()
	if cur == nil || cur.TTY == nil {
		kfmt.Fprintf(buf, "none\n")
		return
	}
	kfmt.Fprintf(buf, "%s\n", cur.TTY.Name)
}

func genStatus(buf *bytes.Buffer, p *proc.Process) {
	kfmt.Fprintf(buf, "Name:\t%s\n", p.Name)
	kfmt.Fprintf(buf, "Pid:\t%d\n", p.PID)
	kfmt.Fprintf(buf, "State:\t%s\n", p.State.String())
	kfmt.Fprintf(buf, "PPid:\t%d\n", p.PPID)
	kfmt.Fprintf(buf, "Uid:\t%d\t%d\n", p.UID, p.EUID)
	kfmt.Fprintf(buf, "Gid:\t%d\t%d\n", p.GID, p.EGID)
	kfmt.Fprintf(buf, "VmHeap:\t%d kB\n", (p.HeapEnd-p.HeapStart)/1024)
}

// trimControl strips trailing NULs and newlines from control payloads.
func trimControl(data []byte) string {
	end := len(data)
	for end > 0 && (data[end-1] == 0 || data[end-1] == '\n' || data[end-1] == '\r' || data[end-1] == ' ') {
		end--
	}
	return string(data[:end])
}

func writeTTY(data []byte) *kernel.Error {
	name := trimControl(data)
	dev := findDevFn(name)
	if dev == nil {
		return ErrBadCommand
	}
	cur := currentFn()
	if cur == nil {
		return ErrBadCommand
	}
	cur.TTY = dev
	return nil
}

func writeRescan(data []byte) *kernel.Error {
	// Content is ignored; the write itself triggers the rescan.
	if rescanFn != nil {
		rescanFn()
	}
	return nil
}

func writeVGA(data []byte) *kernel.Error {
	mode := trimControl(data)
	switch mode {
	case "13h", "12h", "text":
	case "03h":
		mode = "text"
	default:
		return ErrBadCommand
	}
	if vgaSwitchFn == nil {
		return ErrBadCommand
	}
	return vgaSwitchFn(mode)
}
