// Package vfs implements the virtual filesystem layer: reference-counted
// nodes, the mount table, path resolution and the metadata overlay used by
// filesystems without native POSIX attributes.
package vfs

import (
	"frostbyte/device"
	"frostbyte/kernel"
)

// NodeType describes what a VFS node represents.
type NodeType uint8

// Node types.
const (
	TypeFile NodeType = iota
	TypeDirectory
	TypeDevice
	TypeSymlink
)

// Node access flags.
const (
	FlagRead    = uint32(0x01)
	FlagWrite   = uint32(0x02)
	FlagExecute = uint32(0x04)
)

// MaxPath bounds every path the VFS handles.
const MaxPath = 256

// Permission mode bits (subset of POSIX).
const (
	ModeIRUSR = 0o400
	ModeIWUSR = 0o200
	ModeIXUSR = 0o100
	ModeIRGRP = 0o040
	ModeIWGRP = 0o020
	ModeIXGRP = 0o010
	ModeIROTH = 0o004
	ModeIWOTH = 0o002
	ModeIXOTH = 0o001
)

// Errors shared by every filesystem driver.
var (
	ErrNotFound     = &kernel.Error{Module: "vfs", Message: "no such file or directory", Errno: kernel.ENOENT}
	ErrExists       = &kernel.Error{Module: "vfs", Message: "file exists", Errno: kernel.EEXIST}
	ErrNotDirectory = &kernel.Error{Module: "vfs", Message: "not a directory", Errno: kernel.ENOTDIR}
	ErrIsDirectory  = &kernel.Error{Module: "vfs", Message: "is a directory", Errno: kernel.EISDIR}
	ErrPermission   = &kernel.Error{Module: "vfs", Message: "permission denied", Errno: kernel.EACCES}
	ErrNotSupported = &kernel.Error{Module: "vfs", Message: "operation not supported", Errno: kernel.ENOSYS}
	ErrNoSpace      = &kernel.Error{Module: "vfs", Message: "no space left", Errno: kernel.ENOSPC}
	ErrIO           = &kernel.Error{Module: "vfs", Message: "I/O error", Errno: kernel.EIO}
	ErrInvalid      = &kernel.Error{Module: "vfs", Message: "invalid argument", Errno: kernel.EINVAL}
	ErrLoop         = &kernel.Error{Module: "vfs", Message: "too many levels of symbolic links", Errno: kernel.EINVAL}
	ErrNotEmpty     = &kernel.Error{Module: "vfs", Message: "directory not empty", Errno: kernel.EINVAL}
)

// Operations is the capability a filesystem implements for its nodes.
// Filesystems embed DefaultOps and override what they support.
type Operations interface {
	Open(n *Node, flags uint32) *kernel.Error
	Close(n *Node) *kernel.Error
	Read(n *Node, off uint32, buf []byte) (int, *kernel.Error)
	Write(n *Node, off uint32, data []byte) (int, *kernel.Error)
	Create(parent *Node, name string, flags uint32) *kernel.Error
	Unlink(n *Node) *kernel.Error
	Mkdir(parent *Node, name string, flags uint32) *kernel.Error
	Rmdir(n *Node) *kernel.Error

	// ReadDir returns the index-th live entry of a directory, nil when
	// the index is past the end.
	ReadDir(n *Node, index uint32) (*Node, *kernel.Error)

	// FindDir looks a name up in a directory.
	FindDir(n *Node, name string) (*Node, *kernel.Error)

	GetSize(n *Node) uint32
	Ioctl(n *Node, cmd uint32, arg uintptr) *kernel.Error
	ReadLink(n *Node) (string, *kernel.Error)
	Symlink(parent *Node, name, target string) *kernel.Error
	Link(parent *Node, name string, src *Node) *kernel.Error
	PollCanRead(n *Node) bool
	PollCanWrite(n *Node) bool
}

// DefaultOps answers ErrNotSupported for every operation except Open and
// Close (no-ops), GetSize (the cached size) and the poll hooks (always
// ready); filesystems embed it so they only spell out what they implement.
type DefaultOps struct{}

// Open is a no-op by default.
func (DefaultOps) Open(n *Node, flags uint32) *kernel.Error { return nil }

// Close is a no-op by default.
func (DefaultOps) Close(n *Node) *kernel.Error { return nil }

// Read is unsupported by default.
func (DefaultOps) Read(n *Node, off uint32, buf []byte) (int, *kernel.Error) {
	return 0, ErrNotSupported
}

// Write is unsupported by default.
func (DefaultOps) Write(n *Node, off uint32, data []byte) (int, *kernel.Error) {
	return 0, ErrNotSupported
}

// Create is unsupported by default.
func (DefaultOps) Create(parent *Node, name string, flags uint32) *kernel.Error {
	return ErrNotSupported
}

// Unlink is unsupported by default.
func (DefaultOps) Unlink(n *Node) *kernel.Error { return ErrNotSupported }

// Mkdir is unsupported by default.
func (DefaultOps) Mkdir(parent *Node, name string, flags uint32) *kernel.Error {
	return ErrNotSupported
}

// Rmdir is unsupported by default.
func (DefaultOps) Rmdir(n *Node) *kernel.Error { return ErrNotSupported }

// ReadDir is unsupported by default.
func (DefaultOps) ReadDir(n *Node, index uint32) (*Node, *kernel.Error) {
	return nil, ErrNotSupported
}

// FindDir is unsupported by default.
func (DefaultOps) FindDir(n *Node, name string) (*Node, *kernel.Error) {
	return nil, ErrNotSupported
}

// GetSize falls back to the node's cached size.
func (DefaultOps) GetSize(n *Node) uint32 { return n.Size }

// Ioctl is unsupported by default.
func (DefaultOps) Ioctl(n *Node, cmd uint32, arg uintptr) *kernel.Error { return ErrNotSupported }

// ReadLink is unsupported by default.
func (DefaultOps) ReadLink(n *Node) (string, *kernel.Error) { return "", ErrNotSupported }

// Symlink is unsupported by default.
func (DefaultOps) Symlink(parent *Node, name, target string) *kernel.Error {
	return ErrNotSupported
}

// Link is unsupported by default.
func (DefaultOps) Link(parent *Node, name string, src *Node) *kernel.Error {
	return ErrNotSupported
}

// PollCanRead reports readiness; plain files are always readable.
func (DefaultOps) PollCanRead(n *Node) bool { return true }

// PollCanWrite reports readiness; plain files are always writable.
func (DefaultOps) PollCanWrite(n *Node) bool { return true }

// Node is one name in the virtual filesystem tree.
type Node struct {
	Name    string
	Type    NodeType
	Flags   uint32
	Size    uint32
	Inode   uint32
	Ops     Operations
	Device  *device.Device
	Private interface{}

	refCount uint32

	Mount  *Mount
	Parent *Node

	UID  uint32
	GID  uint32
	Mode uint32
}

// NewNode builds a node with a single reference.
func NewNode(name string, nodeType NodeType, flags uint32) *Node {
	return &Node{
		Name:     name,
		Type:     nodeType,
		Flags:    flags,
		refCount: 1,
	}
}

// Ref takes an additional reference on the node.
func (n *Node) Ref() *Node {
	n.refCount++
	return n
}

// RefCount returns the current reference count.
func (n *Node) RefCount() uint32 { return n.refCount }

// Close drops a reference; at zero the filesystem's Close runs and the node
// is dead.
func Close(n *Node) *kernel.Error {
	if n == nil {
		return ErrInvalid
	}
	if n.refCount > 0 {
		n.refCount--
	}
	if n.refCount == 0 && n.Ops != nil {
		return n.Ops.Close(n)
	}
	return nil
}

// Read checks the node kind and permissions then delegates to the
// filesystem.
func Read(n *Node, off uint32, buf []byte) (int, *kernel.Error) {
	if n == nil {
		return 0, ErrInvalid
	}
	if n.Type == TypeDirectory {
		return 0, ErrIsDirectory
	}
	if n.Flags&FlagRead == 0 {
		return 0, ErrPermission
	}
	if n.Ops == nil {
		return 0, ErrNotSupported
	}
	return n.Ops.Read(n, off, buf)
}

// Write checks the node kind and permissions then delegates to the
// filesystem.
func Write(n *Node, off uint32, data []byte) (int, *kernel.Error) {
	if n == nil {
		return 0, ErrInvalid
	}
	if n.Type == TypeDirectory {
		return 0, ErrIsDirectory
	}
	if n.Flags&FlagWrite == 0 {
		return 0, ErrPermission
	}
	if n.Ops == nil {
		return 0, ErrNotSupported
	}
	return n.Ops.Write(n, off, data)
}

// ReadDirIndex returns the index-th entry of a directory.
func ReadDirIndex(n *Node, index uint32) (*Node, *kernel.Error) {
	if n == nil || n.Ops == nil {
		return nil, ErrInvalid
	}
	if n.Type != TypeDirectory {
		return nil, ErrNotDirectory
	}
	return n.Ops.ReadDir(n, index)
}

// FindDir looks name up inside directory n.
func FindDir(n *Node, name string) (*Node, *kernel.Error) {
	if n == nil || n.Ops == nil {
		return nil, ErrInvalid
	}
	if n.Type != TypeDirectory {
		return nil, ErrNotDirectory
	}
	return n.Ops.FindDir(n, name)
}
