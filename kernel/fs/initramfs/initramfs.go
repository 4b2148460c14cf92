// Package initramfs implements the read-only in-memory root filesystem. It
// is populated from a newc cpio archive handed over by the bootloader plus
// any built-in blobs, and installs itself as the process-wide root by
// replacing the VFS root node's operations.
package initramfs

import (
	"frostbyte/kernel"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/kfmt"
)

// node is one entry of the in-memory tree.
type node struct {
	name     string
	nodeType vfs.NodeType
	data     []byte
	target   string // symlink target

	parent   *node
	children *node
	next     *node
}

var (
	// ErrBadArchive is reported for cpio input that is not newc.
	ErrBadArchive = &kernel.Error{Module: "initramfs", Message: "malformed newc cpio archive", Errno: kernel.EINVAL}

	errReadOnly = &kernel.Error{Module: "initramfs", Message: "initramfs is read-only", Errno: kernel.EACCES}

	ramRoot *node
)

// Init resets the tree to an empty root directory.
func Init() {
	ramRoot = &node{name: "/", nodeType: vfs.TypeDirectory}
	ramRoot.parent = ramRoot
}

func findChild(dir *node, name string) *node {
	if dir == nil || dir.nodeType != vfs.TypeDirectory {
		return nil
	}
	for c := dir.children; c != nil; c = c.next {
		if c.name == name {
			return c
		}
	}
	return nil
}

func addChild(dir, child *node) {
	child.parent = dir
	child.next = dir.children
	dir.children = child
}

// ensureDirPath walks an absolute path creating missing directories.
func ensureDirPath(path string) *node {
	if ramRoot == nil || len(path) == 0 || path[0] != '/' {
		return nil
	}

	cur := ramRoot
	start := 1
	for i := 1; i <= len(path); i++ {
		if i != len(path) && path[i] != '/' {
			continue
		}
		comp := path[start:i]
		start = i + 1
		if comp == "" {
			continue
		}
		child := findChild(cur, comp)
		if child == nil {
			child = &node{name: comp, nodeType: vfs.TypeDirectory}
			addChild(cur, child)
		}
		if child.nodeType != vfs.TypeDirectory {
			return nil
		}
		cur = child
	}
	return cur
}

// AddDir creates a directory (and its missing parents) at path.
func AddDir(path string) *kernel.Error {
	if ensureDirPath(path) == nil {
		return ErrBadArchive
	}
	return nil
}

// AddFile installs a file at path; parents are created on demand. Used both
// by the cpio loader and for built-in blobs.
func AddFile(path string, data []byte) *kernel.Error {
	dir := ensureDirPath(vfs.ParentPath(path))
	if dir == nil {
		return ErrBadArchive
	}
	name := vfs.Basename(path)
	if existing := findChild(dir, name); existing != nil {
		existing.data = data
		existing.nodeType = vfs.TypeFile
		return nil
	}
	addChild(dir, &node{name: name, nodeType: vfs.TypeFile, data: data})
	return nil
}

// AddSymlink installs a symlink at path pointing at target.
func AddSymlink(path, target string) *kernel.Error {
	dir := ensureDirPath(vfs.ParentPath(path))
	if dir == nil {
		return ErrBadArchive
	}
	addChild(dir, &node{name: vfs.Basename(path), nodeType: vfs.TypeSymlink, target: target})
	return nil
}

// Install replaces the VFS root node operations with the initramfs tree,
// making it the process-wide root filesystem.
func Install() *kernel.Error {
	if ramRoot == nil {
		Init()
	}
	if err := vfs.SetRootOps(fsOps{}, ramRoot); err != nil {
		return err
	}
	kfmt.Printf("[initramfs] installed as root filesystem\n")
	return nil
}

// fsOps adapts the tree to the VFS capability. All mutation entry points
// report the filesystem read-only.
type fsOps struct {
	vfs.DefaultOps
}

func ownNode(n *vfs.Node) *node {
	inner, _ := n.Private.(*node)
	return inner
}

func wrapNode(inner *node) *vfs.Node {
	var out *vfs.Node
	switch inner.nodeType {
	case vfs.TypeDirectory:
		out = vfs.NewNode(inner.name, vfs.TypeDirectory, vfs.FlagRead)
	case vfs.TypeSymlink:
		out = vfs.NewNode(inner.name, vfs.TypeSymlink, vfs.FlagRead)
	default:
		out = vfs.NewNode(inner.name, vfs.TypeFile, vfs.FlagRead|vfs.FlagExecute)
		out.Size = uint32(len(inner.data))
	}
	out.Ops = fsOps{}
	out.Private = inner
	return out
}

func (fsOps) Read(n *vfs.Node, off uint32, buf []byte) (int, *kernel.Error) {
	inner := ownNode(n)
	if inner == nil || inner.nodeType != vfs.TypeFile {
		return 0, vfs.ErrInvalid
	}
	if off >= uint32(len(inner.data)) {
		return 0, nil
	}
	return copy(buf, inner.data[off:]), nil
}

func (fsOps) Write(n *vfs.Node, off uint32, data []byte) (int, *kernel.Error) {
	return 0, errReadOnly
}

func (fsOps) Create(parent *vfs.Node, name string, flags uint32) *kernel.Error {
	return errReadOnly
}

func (fsOps) Unlink(n *vfs.Node) *kernel.Error { return errReadOnly }

func (fsOps) Mkdir(parent *vfs.Node, name string, flags uint32) *kernel.Error {
	return errReadOnly
}

func (fsOps) Rmdir(n *vfs.Node) *kernel.Error { return errReadOnly }

func (fsOps) FindDir(n *vfs.Node, name string) (*vfs.Node, *kernel.Error) {
	inner := ownNode(n)
	if inner == nil {
		return nil, vfs.ErrInvalid
	}
	child := findChild(inner, name)
	if child == nil {
		return nil, vfs.ErrNotFound
	}
	return wrapNode(child), nil
}

func (fsOps) ReadDir(n *vfs.Node, index uint32) (*vfs.Node, *kernel.Error) {
	inner := ownNode(n)
	if inner == nil || inner.nodeType != vfs.TypeDirectory {
		return nil, vfs.ErrNotDirectory
	}
	i := uint32(0)
	for c := inner.children; c != nil; c = c.next {
		if i == index {
			return wrapNode(c), nil
		}
		i++
	}
	return nil, nil
}

func (fsOps) GetSize(n *vfs.Node) uint32 {
	inner := ownNode(n)
	if inner == nil {
		return 0
	}
	return uint32(len(inner.data))
}

func (fsOps) ReadLink(n *vfs.Node) (string, *kernel.Error) {
	inner := ownNode(n)
	if inner == nil || inner.nodeType != vfs.TypeSymlink {
		return "", vfs.ErrInvalid
	}
	return inner.target, nil
}
