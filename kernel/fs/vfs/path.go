package vfs

import "frostbyte/kernel"

// maxSymlinkDepth bounds symlink chains during resolution.
const maxSymlinkDepth = 8

// ParentPath returns the directory part of path ("/" for top-level names).
func ParentPath(path string) string {
	last := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			last = i
		}
	}
	switch {
	case last < 0:
		return ""
	case last == 0:
		return "/"
	default:
		return path[:last]
	}
}

// Basename returns the final component of path.
func Basename(path string) string {
	last := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			last = i
		}
	}
	if last < 0 {
		return path
	}
	return path[last+1:]
}

// NormalizePath resolves path against base (when path is relative) folding
// "." and ".." components. The result is always absolute.
func NormalizePath(base, path string) string {
	full := path
	if len(path) == 0 || path[0] != '/' {
		if base == "" {
			base = "/"
		}
		if base[len(base)-1] == '/' {
			full = base + path
		} else {
			full = base + "/" + path
		}
	}

	var parts []string
	start := 0
	for i := 0; i <= len(full); i++ {
		if i == len(full) || full[i] == '/' {
			comp := full[start:i]
			start = i + 1
			switch comp {
			case "", ".":
			case "..":
				if len(parts) > 0 {
					parts = parts[:len(parts)-1]
				}
			default:
				parts = append(parts, comp)
			}
		}
	}

	if len(parts) == 0 {
		return "/"
	}
	out := ""
	for _, part := range parts {
		out += "/" + part
	}
	return out
}

// ResolvePath walks an absolute path to its node, following symlinks and
// crossing mount points. The returned node carries a reference the caller
// must Close.
func ResolvePath(path string) (*Node, *kernel.Error) {
	return resolve(path, true, 0)
}

// ResolvePathNoFollow behaves like ResolvePath but does not follow a symlink
// in the final component.
func ResolvePathNoFollow(path string) (*Node, *kernel.Error) {
	return resolve(path, false, 0)
}

func resolve(path string, followLast bool, depth int) (*Node, *kernel.Error) {
	if depth > maxSymlinkDepth {
		return nil, ErrLoop
	}
	if path == "" || path[0] != '/' {
		return nil, ErrInvalid
	}
	path = NormalizePath("/", path)

	// Resolution starts at the filesystem mounted at "/", falling back to
	// the generic root node installed by initramfs.
	var cur *Node
	if m := findMount("/"); m != nil {
		cur = m.Root
	} else if root != nil {
		cur = root
	} else {
		return nil, ErrNotFound
	}
	cur.Ref()

	if path == "/" {
		return cur, nil
	}

	walked := ""
	rest := path[1:]
	for len(rest) > 0 {
		end := 0
		for end < len(rest) && rest[end] != '/' {
			end++
		}
		comp := rest[:end]
		last := end == len(rest)
		if last {
			rest = ""
		} else {
			rest = rest[end+1:]
		}

		child, err := FindDir(cur, comp)
		if err != nil {
			Close(cur)
			return nil, err
		}
		Close(cur)
		cur = child
		walked = walked + "/" + comp

		// A mount installed exactly at this path shadows the underlying
		// directory.
		if m := findMount(walked); m != nil {
			Close(cur)
			cur = m.Root.Ref()
			continue
		}

		if cur.Type == TypeSymlink && (!last || followLast) {
			target, err := cur.Ops.ReadLink(cur)
			Close(cur)
			if err != nil {
				return nil, err
			}
			full := NormalizePath(ParentPath(walked), target)
			if !last {
				full = full + "/" + rest
			}
			return resolve(full, followLast, depth+1)
		}
	}

	applyOverride(cur, path)
	return cur, nil
}

// Open resolves path and checks the requested access against the node
// flags, running the filesystem's Open hook.
func Open(path string, flags uint32) (*Node, *kernel.Error) {
	node, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}

	if flags&FlagRead != 0 && node.Flags&FlagRead == 0 {
		Close(node)
		return nil, ErrPermission
	}
	if flags&FlagWrite != 0 && node.Flags&FlagWrite == 0 {
		Close(node)
		return nil, ErrPermission
	}

	if node.Ops != nil {
		if err := node.Ops.Open(node, flags); err != nil {
			Close(node)
			return nil, err
		}
	}
	return node, nil
}

// CreateFile creates a regular file at path via the parent directory's
// filesystem.
func CreateFile(path string, flags uint32) *kernel.Error {
	return withParent(path, func(parent *Node, name string) *kernel.Error {
		if parent.Ops == nil {
			return ErrNotSupported
		}
		return parent.Ops.Create(parent, name, flags)
	})
}

// Unlink removes the file at path.
func Unlink(path string) *kernel.Error {
	node, err := ResolvePathNoFollow(path)
	if err != nil {
		return err
	}
	defer Close(node)

	if node.Type == TypeDirectory {
		return ErrIsDirectory
	}
	if node.Ops == nil {
		return ErrNotSupported
	}
	return node.Ops.Unlink(node)
}

// Mkdir creates a directory at path.
func Mkdir(path string, flags uint32) *kernel.Error {
	return withParent(path, func(parent *Node, name string) *kernel.Error {
		if parent.Ops == nil {
			return ErrNotSupported
		}
		return parent.Ops.Mkdir(parent, name, flags)
	})
}

// Rmdir removes the directory at path; the filesystem rejects non-empty
// directories.
func Rmdir(path string) *kernel.Error {
	node, err := ResolvePath(path)
	if err != nil {
		return err
	}
	defer Close(node)

	if node.Type != TypeDirectory {
		return ErrNotDirectory
	}
	if node.Ops == nil {
		return ErrNotSupported
	}
	return node.Ops.Rmdir(node)
}

// Symlink creates a symbolic link at linkPath pointing at target.
func Symlink(target, linkPath string) *kernel.Error {
	return withParent(linkPath, func(parent *Node, name string) *kernel.Error {
		if parent.Ops == nil {
			return ErrNotSupported
		}
		return parent.Ops.Symlink(parent, name, target)
	})
}

// ReadLink returns the target of the symlink at path.
func ReadLink(path string) (string, *kernel.Error) {
	node, err := ResolvePathNoFollow(path)
	if err != nil {
		return "", err
	}
	defer Close(node)

	if node.Type != TypeSymlink || node.Ops == nil {
		return "", ErrInvalid
	}
	return node.Ops.ReadLink(node)
}

// withParent opens the parent directory of path and invokes fn with it and
// the final component.
func withParent(path string, fn func(parent *Node, name string) *kernel.Error) *kernel.Error {
	parentPath := ParentPath(path)
	name := Basename(path)
	if parentPath == "" || name == "" {
		return ErrInvalid
	}

	parent, err := ResolvePath(parentPath)
	if err != nil {
		return err
	}
	defer Close(parent)

	if parent.Type != TypeDirectory {
		return ErrNotDirectory
	}
	return fn(parent, name)
}
