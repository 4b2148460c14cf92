package initramfs

import (
	"frostbyte/kernel"
	"frostbyte/kernel/fs/vfs"
)

// newc cpio constants. Reference: Linux early-userspace buffer-format docs.
const (
	newcMagic   = "070701"
	newcHdrSize = 110
	cpioTrailer = "TRAILER!!!"
)

// File mode bits carried by cpio headers.
const (
	cpioIFMT  = 0o170000
	cpioIFDIR = 0o040000
	cpioIFREG = 0o100000
	cpioIFLNK = 0o120000
)

// hex8 decodes one 8-character ASCII hex field.
func hex8(s []byte) (uint32, bool) {
	var v uint32
	for i := 0; i < 8; i++ {
		c := s[i]
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint32(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint32(c-'A') + 10
		default:
			return 0, false
		}
	}
	return v, true
}

func align4(off int) int {
	return (off + 3) &^ 3
}

// LoadCPIO parses a newc archive into the tree. Permissions and ownership
// from the headers are persisted through the VFS metadata overlay so opens
// observe the correct exec bits. Entry types other than files, directories
// and symlinks are skipped.
func LoadCPIO(archive []byte) *kernel.Error {
	if ramRoot == nil {
		Init()
	}

	off := 0
	for off+newcHdrSize <= len(archive) {
		hdr := archive[off:]
		if string(hdr[:6]) != newcMagic {
			return ErrBadArchive
		}

		mode, ok1 := hex8(hdr[14:])
		uid, ok2 := hex8(hdr[22:])
		gid, ok3 := hex8(hdr[30:])
		fileSize, ok4 := hex8(hdr[54:])
		nameSize, ok5 := hex8(hdr[94:])
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			return ErrBadArchive
		}

		off += newcHdrSize
		if off+int(nameSize) > len(archive) || nameSize == 0 {
			return ErrBadArchive
		}
		// The stored name includes its NUL terminator.
		name := string(archive[off : off+int(nameSize)-1])
		off = align4(off + int(nameSize))

		if name == cpioTrailer {
			return nil
		}

		if off+int(fileSize) > len(archive) {
			return ErrBadArchive
		}
		data := archive[off : off+int(fileSize)]
		off = align4(off + int(fileSize))

		path := name
		if len(path) == 0 {
			continue
		}
		if path[0] != '/' {
			path = "/" + path
		}
		if path == "/." {
			continue
		}
		path = vfs.NormalizePath("/", path)

		vfs.SetMetadataOverride(path, true, mode&0o7777, true, uid, true, gid)

		switch mode & cpioIFMT {
		case cpioIFDIR:
			AddDir(path)
		case cpioIFREG:
			AddFile(path, data)
		case cpioIFLNK:
			AddSymlink(path, string(data))
		}
	}

	return ErrBadArchive
}
