// Package tmpfs implements a read/write in-memory filesystem. Directories
// hold up to 256 entries; file storage grows geometrically as writes extend
// the file.
package tmpfs

import (
	"frostbyte/device"
	"frostbyte/kernel"
	"frostbyte/kernel/fs/vfs"
)

// maxDirEntries bounds each directory.
const maxDirEntries = 256

var (
	// ErrDirFull is reported when a directory reaches maxDirEntries.
	ErrDirFull = &kernel.Error{Module: "tmpfs", Message: "directory full", Errno: kernel.ENOSPC}

	nextInode uint32 = 1
)

// tnode is one tmpfs entry.
type tnode struct {
	name     string
	nodeType vfs.NodeType
	data     []byte
	size     uint32
	target   string
	inode    uint32

	parent  *tnode
	entries []*tnode
}

// FS is the mountable tmpfs driver; each mount gets a private tree.
type FS struct {
	vfs.DefaultOps
}

// Name returns the filesystem type name.
func (fs *FS) Name() string { return "tmpfs" }

// Mount creates a fresh empty tree.
func (fs *FS) Mount(dev *device.Device) (*vfs.Node, interface{}, *kernel.Error) {
	rootNode := &tnode{name: "/", nodeType: vfs.TypeDirectory, inode: nextInode}
	nextInode++
	rootNode.parent = rootNode

	out := vfs.NewNode("/", vfs.TypeDirectory, vfs.FlagRead|vfs.FlagWrite)
	out.Ops = fs
	out.Private = rootNode
	out.Inode = rootNode.inode
	return out, rootNode, nil
}

func ownNode(n *vfs.Node) *tnode {
	inner, _ := n.Private.(*tnode)
	return inner
}

func (fs *FS) wrap(inner *tnode) *vfs.Node {
	flags := vfs.FlagRead | vfs.FlagWrite
	out := vfs.NewNode(inner.name, inner.nodeType, flags)
	out.Ops = fs
	out.Private = inner
	out.Inode = inner.inode
	out.Size = inner.size
	return out
}

func findEntry(dir *tnode, name string) *tnode {
	for _, e := range dir.entries {
		if e.name == name {
			return e
		}
	}
	return nil
}

func addEntry(dir *tnode, entry *tnode) *kernel.Error {
	if len(dir.entries) >= maxDirEntries {
		return ErrDirFull
	}
	entry.parent = dir
	entry.inode = nextInode
	nextInode++
	dir.entries = append(dir.entries, entry)
	return nil
}

func removeEntry(dir *tnode, name string) bool {
	for i, e := range dir.entries {
		if e.name == name {
			dir.entries = append(dir.entries[:i], dir.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Read copies file bytes starting at off.
func (fs *FS) Read(n *vfs.Node, off uint32, buf []byte) (int, *kernel.Error) {
	inner := ownNode(n)
	if inner == nil || inner.nodeType != vfs.TypeFile {
		return 0, vfs.ErrInvalid
	}
	if off >= inner.size {
		return 0, nil
	}
	return copy(buf, inner.data[off:inner.size]), nil
}

// Write stores bytes at off growing the backing slice geometrically.
func (fs *FS) Write(n *vfs.Node, off uint32, data []byte) (int, *kernel.Error) {
	inner := ownNode(n)
	if inner == nil || inner.nodeType != vfs.TypeFile {
		return 0, vfs.ErrInvalid
	}

	end := off + uint32(len(data))
	if end > uint32(cap(inner.data)) {
		newCap := uint32(cap(inner.data))
		if newCap == 0 {
			newCap = 64
		}
		for newCap < end {
			newCap *= 2
		}
		grown := make([]byte, newCap)
		copy(grown, inner.data[:inner.size])
		inner.data = grown
	}
	inner.data = inner.data[:cap(inner.data)]

	copy(inner.data[off:], data)
	if end > inner.size {
		inner.size = end
	}
	n.Size = inner.size
	return len(data), nil
}

// Create adds an empty file to a directory.
func (fs *FS) Create(parent *vfs.Node, name string, flags uint32) *kernel.Error {
	dir := ownNode(parent)
	if dir == nil || dir.nodeType != vfs.TypeDirectory {
		return vfs.ErrNotDirectory
	}
	if findEntry(dir, name) != nil {
		return vfs.ErrExists
	}
	return addEntry(dir, &tnode{name: name, nodeType: vfs.TypeFile})
}

// Unlink removes a file from its directory.
func (fs *FS) Unlink(n *vfs.Node) *kernel.Error {
	inner := ownNode(n)
	if inner == nil || inner.nodeType == vfs.TypeDirectory {
		return vfs.ErrIsDirectory
	}
	if inner.parent == nil || !removeEntry(inner.parent, inner.name) {
		return vfs.ErrNotFound
	}
	return nil
}

// Mkdir adds a subdirectory.
func (fs *FS) Mkdir(parent *vfs.Node, name string, flags uint32) *kernel.Error {
	dir := ownNode(parent)
	if dir == nil || dir.nodeType != vfs.TypeDirectory {
		return vfs.ErrNotDirectory
	}
	if findEntry(dir, name) != nil {
		return vfs.ErrExists
	}
	return addEntry(dir, &tnode{name: name, nodeType: vfs.TypeDirectory})
}

// Rmdir removes an empty subdirectory.
func (fs *FS) Rmdir(n *vfs.Node) *kernel.Error {
	inner := ownNode(n)
	if inner == nil || inner.nodeType != vfs.TypeDirectory {
		return vfs.ErrNotDirectory
	}
	if len(inner.entries) != 0 {
		return vfs.ErrNotEmpty
	}
	if inner.parent == nil || inner.parent == inner || !removeEntry(inner.parent, inner.name) {
		return vfs.ErrNotFound
	}
	return nil
}

// FindDir looks a name up in a directory.
func (fs *FS) FindDir(n *vfs.Node, name string) (*vfs.Node, *kernel.Error) {
	dir := ownNode(n)
	if dir == nil || dir.nodeType != vfs.TypeDirectory {
		return nil, vfs.ErrNotDirectory
	}
	entry := findEntry(dir, name)
	if entry == nil {
		return nil, vfs.ErrNotFound
	}
	return fs.wrap(entry), nil
}

// ReadDir returns the index-th entry of a directory.
func (fs *FS) ReadDir(n *vfs.Node, index uint32) (*vfs.Node, *kernel.Error) {
	dir := ownNode(n)
	if dir == nil || dir.nodeType != vfs.TypeDirectory {
		return nil, vfs.ErrNotDirectory
	}
	if index >= uint32(len(dir.entries)) {
		return nil, nil
	}
	return fs.wrap(dir.entries[index]), nil
}

// GetSize reports the current file size.
func (fs *FS) GetSize(n *vfs.Node) uint32 {
	inner := ownNode(n)
	if inner == nil {
		return 0
	}
	return inner.size
}

// Symlink records a symbolic link entry.
func (fs *FS) Symlink(parent *vfs.Node, name, target string) *kernel.Error {
	dir := ownNode(parent)
	if dir == nil || dir.nodeType != vfs.TypeDirectory {
		return vfs.ErrNotDirectory
	}
	if findEntry(dir, name) != nil {
		return vfs.ErrExists
	}
	return addEntry(dir, &tnode{name: name, nodeType: vfs.TypeSymlink, target: target})
}

// ReadLink returns a symlink's target.
func (fs *FS) ReadLink(n *vfs.Node) (string, *kernel.Error) {
	inner := ownNode(n)
	if inner == nil || inner.nodeType != vfs.TypeSymlink {
		return "", vfs.ErrInvalid
	}
	return inner.target, nil
}
