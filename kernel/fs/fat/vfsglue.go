package fat

import (
	"frostbyte/device"
	"frostbyte/kernel"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/kfmt"
)

// fatNode is the per-node private state: which directory holds the entry
// and the decoded entry itself.
type fatNode struct {
	mount      *Mount
	dirCluster uint32 // directory holding this entry (0 = FAT16 root region)
	name       string
	entry      shortEntry
	isRoot     bool
}

// FS is the mountable driver; one instance per variant is registered as
// "fat16" and "fat32".
type FS struct {
	vfs.DefaultOps
	variant Variant
}

// NewFAT16 returns the FAT16 driver.
func NewFAT16() *FS { return &FS{variant: FAT16} }

// NewFAT32 returns the FAT32 driver.
func NewFAT32() *FS { return &FS{variant: FAT32} }

// Name returns the filesystem type name.
func (fs *FS) Name() string { return variantName(fs.variant) }

// Mount parses the device's boot sector and exposes the root directory.
func (fs *FS) Mount(dev *device.Device) (*vfs.Node, interface{}, *kernel.Error) {
	if dev == nil {
		return nil, nil, ErrIO
	}

	m, err := mountDevice(dev, fs.variant)
	if err != nil {
		return nil, nil, err
	}

	rootNode := vfs.NewNode("/", vfs.TypeDirectory, vfs.FlagRead|vfs.FlagWrite)
	rootNode.Ops = fs
	rootNode.Device = dev
	rootNode.Private = &fatNode{mount: m, dirCluster: m.rootCluster, isRoot: true}
	return rootNode, m, nil
}

// Unmount flushes the FSInfo counters (best effort).
func (fs *FS) Unmount(m *Mount) {
	m.writeFSInfo()
}

func ownFAT(n *vfs.Node) *fatNode {
	inner, _ := n.Private.(*fatNode)
	return inner
}

// dirClusterOf returns the cluster a directory node's entries live in.
func (fn *fatNode) dirClusterOf() uint32 {
	if fn.isRoot {
		return fn.dirCluster
	}
	return fn.entry.firstCluster()
}

func (fs *FS) wrap(m *Mount, dirCluster uint32, item *dirItem) *vfs.Node {
	nodeType := vfs.TypeFile
	if item.entry.attr&attrDir != 0 {
		nodeType = vfs.TypeDirectory
	}
	out := vfs.NewNode(item.name, nodeType, vfs.FlagRead|vfs.FlagWrite)
	out.Ops = fs
	out.Size = item.entry.size
	out.Private = &fatNode{
		mount:      m,
		dirCluster: dirCluster,
		name:       item.name,
		entry:      item.entry,
	}
	return out
}

// FindDir looks a name up in a directory.
func (fs *FS) FindDir(n *vfs.Node, name string) (*vfs.Node, *kernel.Error) {
	fn := ownFAT(n)
	if fn == nil {
		return nil, vfs.ErrInvalid
	}
	dirCluster := fn.dirClusterOf()
	item, err := fn.mount.findInDir(dirCluster, name)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, vfs.ErrNotFound
	}
	return fs.wrap(fn.mount, dirCluster, item), nil
}

// ReadDir enumerates live entries, skipping "." and ".." the same way the
// iterator already skips deleted and volume-label slots.
func (fs *FS) ReadDir(n *vfs.Node, index uint32) (*vfs.Node, *kernel.Error) {
	fn := ownFAT(n)
	if fn == nil {
		return nil, vfs.ErrInvalid
	}
	dirCluster := fn.dirClusterOf()

	var (
		found *dirItem
		count uint32
	)
	err := fn.mount.iterDir(dirCluster, func(item *dirItem) bool {
		if item.name == "." || item.name == ".." {
			return true
		}
		if count == index {
			copied := *item
			found = &copied
			return false
		}
		count++
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, nil
	}
	return fs.wrap(fn.mount, dirCluster, found), nil
}

// Read copies file bytes.
func (fs *FS) Read(n *vfs.Node, off uint32, buf []byte) (int, *kernel.Error) {
	fn := ownFAT(n)
	if fn == nil || fn.isRoot {
		return 0, vfs.ErrInvalid
	}
	return fn.mount.readFileData(fn.entry.firstCluster(), fn.entry.size, off, buf)
}

// Write stores file bytes, extending the chain, then refreshes the
// directory entry's size, first cluster and write timestamp. A failed
// directory update is logged and swallowed: the data is already on disk.
func (fs *FS) Write(n *vfs.Node, off uint32, data []byte) (int, *kernel.Error) {
	fn := ownFAT(n)
	if fn == nil || fn.isRoot {
		return 0, vfs.ErrInvalid
	}

	start := fn.entry.firstCluster()
	newSize, err := fn.mount.writeFileData(&start, fn.entry.size, off, data)
	if err != nil {
		return 0, err
	}
	fn.entry.setFirstCluster(start)
	fn.entry.size = newSize
	n.Size = newSize

	item, ferr := fn.mount.findInDir(fn.dirCluster, fn.name)
	if ferr == nil && item != nil {
		item.entry.size = newSize
		item.entry.setFirstCluster(start)
		if uerr := fn.mount.updateEntry(fn.dirCluster, item); uerr != nil {
			kfmt.Printf("[fat] warning: directory entry update failed for %s\n", fn.name)
		}
	} else {
		kfmt.Printf("[fat] warning: directory entry lookup failed for %s\n", fn.name)
	}

	return len(data), nil
}

// Create adds an empty file entry.
func (fs *FS) Create(parent *vfs.Node, name string, flags uint32) *kernel.Error {
	fn := ownFAT(parent)
	if fn == nil {
		return vfs.ErrInvalid
	}
	dirCluster := fn.dirClusterOf()

	existing, err := fn.mount.findInDir(dirCluster, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return vfs.ErrExists
	}

	_, err = fn.mount.createEntry(dirCluster, name, attrArchive, 0, 0)
	return err
}

// Unlink deletes a file: the directory slots are marked free and the
// cluster chain is released.
func (fs *FS) Unlink(n *vfs.Node) *kernel.Error {
	fn := ownFAT(n)
	if fn == nil || fn.isRoot {
		return vfs.ErrInvalid
	}

	item, err := fn.mount.findInDir(fn.dirCluster, fn.name)
	if err != nil {
		return err
	}
	if item == nil {
		return vfs.ErrNotFound
	}
	if item.entry.attr&attrDir != 0 {
		return vfs.ErrIsDirectory
	}

	if err = fn.mount.deleteEntry(fn.dirCluster, item); err != nil {
		return err
	}
	if first := item.entry.firstCluster(); first >= 2 {
		if err = fn.mount.freeChain(first); err != nil {
			return err
		}
	}
	fn.mount.writeFSInfo()
	return nil
}

// Mkdir creates a subdirectory with its "." and ".." entries.
func (fs *FS) Mkdir(parent *vfs.Node, name string, flags uint32) *kernel.Error {
	fn := ownFAT(parent)
	if fn == nil {
		return vfs.ErrInvalid
	}
	dirCluster := fn.dirClusterOf()

	existing, err := fn.mount.findInDir(dirCluster, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return vfs.ErrExists
	}

	cluster, err := fn.mount.allocZeroedCluster()
	if err != nil {
		return err
	}

	if _, err = fn.mount.createEntry(dirCluster, name, attrDir, cluster, 0); err != nil {
		fn.mount.setFATEntry(cluster, freeCluster)
		return err
	}

	// Seed "." and ".." pointing at self and parent.
	var raw [dirEntrySize]byte
	dot := shortEntry{attr: attrDir}
	copy(dot.rawName[:], ".          ")
	dot.setFirstCluster(cluster)
	encodeShortEntry(raw[:], &dot)
	if err = fn.mount.writeSlot(cluster, 0, raw[:]); err != nil {
		return err
	}

	dotdot := shortEntry{attr: attrDir}
	copy(dotdot.rawName[:], "..         ")
	dotdot.setFirstCluster(dirCluster)
	encodeShortEntry(raw[:], &dotdot)
	return fn.mount.writeSlot(cluster, 1, raw[:])
}

// Rmdir removes a directory that contains only "." and "..".
func (fs *FS) Rmdir(n *vfs.Node) *kernel.Error {
	fn := ownFAT(n)
	if fn == nil || fn.isRoot {
		return vfs.ErrInvalid
	}

	item, err := fn.mount.findInDir(fn.dirCluster, fn.name)
	if err != nil {
		return err
	}
	if item == nil {
		return vfs.ErrNotFound
	}
	if item.entry.attr&attrDir == 0 {
		return vfs.ErrNotDirectory
	}

	empty := true
	err = fn.mount.iterDir(item.entry.firstCluster(), func(child *dirItem) bool {
		if child.name != "." && child.name != ".." {
			empty = false
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if !empty {
		return vfs.ErrNotEmpty
	}

	if err = fn.mount.deleteEntry(fn.dirCluster, item); err != nil {
		return err
	}
	if first := item.entry.firstCluster(); first >= 2 {
		if err = fn.mount.freeChain(first); err != nil {
			return err
		}
	}
	fn.mount.writeFSInfo()
	return nil
}

// GetSize reports the directory entry's recorded size.
func (fs *FS) GetSize(n *vfs.Node) uint32 {
	fn := ownFAT(n)
	if fn == nil {
		return 0
	}
	return fn.entry.size
}
