package vfs

import (
	"frostbyte/device"
	"frostbyte/kernel"
	"frostbyte/kernel/kfmt"
)

// Mount associates a filesystem subtree with an absolute path.
type Mount struct {
	MountPoint  string
	Root        *Node
	MountDevice *device.Device
	Private     interface{}
	FSName      string

	next *Mount
}

// Next exposes the mount list for enumeration (procfs).
func (m *Mount) Next() *Mount { return m.next }

// Filesystem is implemented by every mountable filesystem driver. MountFS
// calls Mount with the backing device (nil for virtual filesystems); it
// returns the filesystem root node and per-mount private state.
type Filesystem interface {
	Name() string
	Mount(dev *device.Device) (*Node, interface{}, *kernel.Error)
}

var (
	// ErrUnknownFS is reported when mounting an unregistered type.
	ErrUnknownFS = &kernel.Error{Module: "vfs", Message: "unknown filesystem type", Errno: kernel.EINVAL}

	// ErrNoDevice is reported when the backing device cannot be found.
	ErrNoDevice = &kernel.Error{Module: "vfs", Message: "no such device", Errno: kernel.ENOENT}

	root      *Node
	mountList *Mount

	registeredFS []Filesystem

	findDeviceFn = device.FindByName
)

// Init creates the VFS root node.
func Init() {
	root = NewNode("/", TypeDirectory, FlagRead)
	root.Parent = root
	mountList = nil
	registeredFS = nil
	clearOverrides()
}

// Root returns the global root node.
func Root() *Node { return root }

// SetRootOps replaces the root node's operations and private data; used by
// initramfs to install itself as the process-wide root.
func SetRootOps(ops Operations, private interface{}) *kernel.Error {
	if root == nil || ops == nil {
		return ErrInvalid
	}
	root.Ops = ops
	root.Private = private
	root.Type = TypeDirectory
	root.Flags = FlagRead
	return nil
}

// RegisterFS adds a filesystem driver to the mount registry.
func RegisterFS(fs Filesystem) *kernel.Error {
	if fs == nil {
		return ErrInvalid
	}
	for _, existing := range registeredFS {
		if existing.Name() == fs.Name() {
			return ErrExists
		}
	}
	registeredFS = append(registeredFS, fs)
	return nil
}

// FSTypes invokes visitor for every registered filesystem type name.
func FSTypes(visitor func(name string) bool) {
	for _, fs := range registeredFS {
		if !visitor(fs.Name()) {
			return
		}
	}
}

func findFS(name string) Filesystem {
	for _, fs := range registeredFS {
		if fs.Name() == name {
			return fs
		}
	}
	return nil
}

func findMount(path string) *Mount {
	for m := mountList; m != nil; m = m.next {
		if m.MountPoint == path {
			return m
		}
	}
	return nil
}

// MountFS initializes fsName on the named device (empty for virtual
// filesystems) and prepends the mount to the mount list.
func MountFS(deviceName, mountPoint, fsName string) *kernel.Error {
	fs := findFS(fsName)
	if fs == nil {
		return ErrUnknownFS
	}

	var dev *device.Device
	if deviceName != "" {
		if dev = findDeviceFn(deviceName); dev == nil {
			return ErrNoDevice
		}
	}

	fsRoot, private, err := fs.Mount(dev)
	if err != nil {
		return err
	}

	m := &Mount{
		MountPoint:  mountPoint,
		Root:        fsRoot,
		MountDevice: dev,
		Private:     private,
		FSName:      fsName,
		next:        mountList,
	}
	fsRoot.Mount = m
	mountList = m

	kfmt.Printf("[vfs] mounted %s on %s\n", fsName, mountPoint)
	return nil
}

// Unmount removes the mount at mountPoint dropping its root reference.
func Unmount(mountPoint string) *kernel.Error {
	for pp := &mountList; *pp != nil; pp = &(*pp).next {
		if (*pp).MountPoint != mountPoint {
			continue
		}
		m := *pp
		*pp = m.next
		if m.Root != nil {
			Close(m.Root)
		}
		return nil
	}
	return ErrNotFound
}

// Mounts returns the head of the mount list for read-only enumeration.
func Mounts() *Mount { return mountList }
