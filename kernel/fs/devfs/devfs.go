// Package devfs exposes registered devices as /dev/<name> nodes, proxying
// the VFS capability onto each device's operations.
package devfs

import (
	"frostbyte/device"
	"frostbyte/kernel"
	"frostbyte/kernel/fs/vfs"
)

// FS is the mountable devfs driver.
type FS struct {
	vfs.DefaultOps
}

// published mirrors the device manager; it only holds devices published
// through the manager hooks.
var published []*device.Device

// Name returns the filesystem type name.
func (fs *FS) Name() string { return "devfs" }

// Mount wires devfs to the device manager's publish hooks.
func (fs *FS) Mount(dev *device.Device) (*vfs.Node, interface{}, *kernel.Error) {
	published = nil
	device.SetPublishHooks(onRegister, onUnregister)

	rootNode := vfs.NewNode("/", vfs.TypeDirectory, vfs.FlagRead)
	rootNode.Ops = fs
	return rootNode, nil, nil
}

func onRegister(dev *device.Device) {
	for _, existing := range published {
		if existing == dev {
			return
		}
	}
	published = append(published, dev)
}

func onUnregister(dev *device.Device) {
	for i, existing := range published {
		if existing == dev {
			published = append(published[:i], published[i+1:]...)
			return
		}
	}
}

func (fs *FS) wrap(dev *device.Device) *vfs.Node {
	out := vfs.NewNode(dev.Name, vfs.TypeDevice, vfs.FlagRead|vfs.FlagWrite)
	out.Ops = fs
	out.Device = dev
	return out
}

// FindDir resolves /dev/<name> to its device node.
func (fs *FS) FindDir(n *vfs.Node, name string) (*vfs.Node, *kernel.Error) {
	for _, dev := range published {
		if dev.Name == name {
			return fs.wrap(dev), nil
		}
	}
	return nil, vfs.ErrNotFound
}

// ReadDir enumerates registered devices.
func (fs *FS) ReadDir(n *vfs.Node, index uint32) (*vfs.Node, *kernel.Error) {
	if index >= uint32(len(published)) {
		return nil, nil
	}
	return fs.wrap(published[index]), nil
}

// Read proxies to the device capability.
func (fs *FS) Read(n *vfs.Node, off uint32, buf []byte) (int, *kernel.Error) {
	if n.Device == nil {
		return 0, vfs.ErrInvalid
	}
	return n.Device.Read(off, buf)
}

// Write proxies to the device capability.
func (fs *FS) Write(n *vfs.Node, off uint32, data []byte) (int, *kernel.Error) {
	if n.Device == nil {
		return 0, vfs.ErrInvalid
	}
	return n.Device.Write(off, data)
}

// Ioctl proxies to the device capability.
func (fs *FS) Ioctl(n *vfs.Node, cmd uint32, arg uintptr) *kernel.Error {
	if n.Device == nil {
		return vfs.ErrInvalid
	}
	return n.Device.Ioctl(cmd, arg)
}
