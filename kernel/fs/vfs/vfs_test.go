package vfs

import (
	"testing"

	"frostbyte/device"
	"frostbyte/kernel"
)

// memFS is a minimal in-memory filesystem for exercising the VFS core.
type memFS struct {
	DefaultOps
	name    string
	entries map[string]map[string]*Node // dir name -> children
}

func newMemFS(name string) *memFS {
	fs := &memFS{name: name, entries: map[string]map[string]*Node{"": {}}}
	return fs
}

func (fs *memFS) Name() string { return fs.name }

func (fs *memFS) Mount(dev *device.Device) (*Node, interface{}, *kernel.Error) {
	rootNode := NewNode("/", TypeDirectory, FlagRead|FlagWrite)
	rootNode.Ops = fs
	rootNode.Private = ""
	return rootNode, fs, nil
}

func (fs *memFS) addFile(dir, name string, node *Node) {
	if fs.entries[dir] == nil {
		fs.entries[dir] = map[string]*Node{}
	}
	node.Ops = fs
	fs.entries[dir][name] = node
}

func (fs *memFS) FindDir(n *Node, name string) (*Node, *kernel.Error) {
	dir, _ := n.Private.(string)
	child, ok := fs.entries[dir][name]
	if !ok {
		return nil, ErrNotFound
	}
	return child.Ref(), nil
}

func (fs *memFS) ReadLink(n *Node) (string, *kernel.Error) {
	target, _ := n.Private.(string)
	if n.Type != TypeSymlink {
		return "", ErrInvalid
	}
	return target, nil
}

func setupRootFS(t *testing.T) *memFS {
	t.Helper()
	Init()

	fs := newMemFS("memfs")
	if err := RegisterFS(fs); err != nil {
		t.Fatal(err)
	}
	if err := MountFS("", "/", "memfs"); err != nil {
		t.Fatal(err)
	}
	return fs
}

func dirNode(name, key string) *Node {
	n := NewNode(name, TypeDirectory, FlagRead|FlagWrite)
	n.Private = key
	return n
}

func fileNode(name string) *Node {
	return NewNode(name, TypeFile, FlagRead)
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"/", "/a/b", "/a/b"},
		{"/home", "docs", "/home/docs"},
		{"/home", "../etc//passwd", "/etc/passwd"},
		{"/", "a/./b/../c", "/a/c"},
		{"/", "/../..", "/"},
		{"/deep/dir", ".", "/deep/dir"},
	}
	for _, c := range cases {
		if got := NormalizePath(c.base, c.path); got != c.want {
			t.Errorf("NormalizePath(%q,%q) = %q; want %q", c.base, c.path, got, c.want)
		}
	}
}

func TestParentBasename(t *testing.T) {
	if got := ParentPath("/a/b/c"); got != "/a/b" {
		t.Errorf("ParentPath = %q", got)
	}
	if got := ParentPath("/a"); got != "/" {
		t.Errorf("ParentPath top-level = %q", got)
	}
	if got := Basename("/a/b/c"); got != "c" {
		t.Errorf("Basename = %q", got)
	}
}

func TestResolveWalksComponents(t *testing.T) {
	fs := setupRootFS(t)

	fs.addFile("", "etc", dirNode("etc", "etc"))
	passwd := fileNode("passwd")
	fs.addFile("etc", "passwd", passwd)

	node, err := ResolvePath("/etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	if node != passwd {
		t.Fatalf("resolved wrong node: %q", node.Name)
	}

	if _, err = ResolvePath("/etc/shadow"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound; got %v", err)
	}
	if _, err = ResolvePath("relative"); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid for relative path; got %v", err)
	}
}

func TestResolveFollowsSymlinks(t *testing.T) {
	fs := setupRootFS(t)

	fs.addFile("", "etc", dirNode("etc", "etc"))
	target := fileNode("passwd")
	fs.addFile("etc", "passwd", target)

	link := NewNode("pw", TypeSymlink, FlagRead)
	link.Private = "/etc/passwd"
	fs.addFile("", "pw", link)

	node, err := ResolvePath("/pw")
	if err != nil {
		t.Fatal(err)
	}
	if node != target {
		t.Fatalf("symlink not followed; got %q", node.Name)
	}

	// nofollow returns the link itself.
	node, err = ResolvePathNoFollow("/pw")
	if err != nil {
		t.Fatal(err)
	}
	if node != link {
		t.Fatalf("nofollow resolved %q", node.Name)
	}

	// Relative symlink target resolves against the link's directory.
	rel := NewNode("alias", TypeSymlink, FlagRead)
	rel.Private = "passwd"
	fs.addFile("etc", "alias", rel)
	node, err = ResolvePath("/etc/alias")
	if err != nil {
		t.Fatal(err)
	}
	if node != target {
		t.Fatalf("relative symlink resolved %q", node.Name)
	}
}

func TestResolveDetectsSymlinkLoops(t *testing.T) {
	fs := setupRootFS(t)

	a := NewNode("a", TypeSymlink, FlagRead)
	a.Private = "/b"
	b := NewNode("b", TypeSymlink, FlagRead)
	b.Private = "/a"
	fs.addFile("", "a", a)
	fs.addFile("", "b", b)

	if _, err := ResolvePath("/a"); err != ErrLoop {
		t.Fatalf("expected ErrLoop; got %v", err)
	}
}

func TestMountShadowsDirectory(t *testing.T) {
	rootFS := setupRootFS(t)
	rootFS.addFile("", "mnt", dirNode("mnt", "mnt"))

	sub := newMemFS("subfs")
	if err := RegisterFS(sub); err != nil {
		t.Fatal(err)
	}
	if err := MountFS("", "/mnt", "subfs"); err != nil {
		t.Fatal(err)
	}
	hello := fileNode("hello")
	sub.addFile("", "hello", hello)

	node, err := ResolvePath("/mnt/hello")
	if err != nil {
		t.Fatal(err)
	}
	if node != hello {
		t.Fatalf("mount not crossed; got %q", node.Name)
	}

	// The mount list reports both mounts, newest first.
	m := Mounts()
	if m == nil || m.MountPoint != "/mnt" || m.Next() == nil || m.Next().MountPoint != "/" {
		t.Fatal("mount list wrong")
	}

	if err := Unmount("/mnt"); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolvePath("/mnt/hello"); err == nil {
		t.Fatal("resolution crossed an unmounted filesystem")
	}
}

func TestMountUnknownTypeAndMissingDevice(t *testing.T) {
	setupRootFS(t)

	if err := MountFS("", "/x", "nope"); err != ErrUnknownFS {
		t.Fatalf("expected ErrUnknownFS; got %v", err)
	}

	other := newMemFS("other")
	RegisterFS(other)
	defer func(orig func(string) *device.Device) { findDeviceFn = orig }(findDeviceFn)
	findDeviceFn = func(string) *device.Device { return nil }
	if err := MountFS("hda1", "/x", "other"); err != ErrNoDevice {
		t.Fatalf("expected ErrNoDevice; got %v", err)
	}
}

func TestOpenChecksPermissions(t *testing.T) {
	fs := setupRootFS(t)
	fs.addFile("", "ro", fileNode("ro")) // read-only flags

	if _, err := Open("/ro", FlagWrite); err != ErrPermission {
		t.Fatalf("expected ErrPermission; got %v", err)
	}
	node, err := Open("/ro", FlagRead)
	if err != nil {
		t.Fatal(err)
	}
	Close(node)
}

func TestMetadataOverrideAppliedOnResolve(t *testing.T) {
	fs := setupRootFS(t)
	fs.addFile("", "bin", fileNode("bin"))

	SetMetadataOverride("/bin", true, 0o755, true, 10, false, 0)

	node, err := ResolvePath("/bin")
	if err != nil {
		t.Fatal(err)
	}
	if node.Mode != 0o755 || node.UID != 10 {
		t.Fatalf("override not applied: mode=%o uid=%d", node.Mode, node.UID)
	}
	if node.GID != 0 {
		t.Fatalf("gid must stay untouched; got %d", node.GID)
	}
}

func TestNodeRefCounting(t *testing.T) {
	closed := false
	fs := &closeTrackFS{onClose: func() { closed = true }}

	n := NewNode("f", TypeFile, FlagRead)
	n.Ops = fs

	n.Ref()
	if n.RefCount() != 2 {
		t.Fatalf("refcount = %d", n.RefCount())
	}
	Close(n)
	if closed {
		t.Fatal("close hook ran with live references")
	}
	Close(n)
	if !closed {
		t.Fatal("close hook did not run at zero references")
	}
}

type closeTrackFS struct {
	DefaultOps
	onClose func()
}

func (fs *closeTrackFS) Close(n *Node) *kernel.Error {
	fs.onClose()
	return nil
}
