package vfs

// metadataOverride carries the POSIX attributes layered over a path for
// filesystems without native metadata (initramfs).
type metadataOverride struct {
	hasMode, hasUID, hasGID bool
	mode, uid, gid          uint32
}

var overrides map[string]metadataOverride

func clearOverrides() {
	overrides = make(map[string]metadataOverride)
}

// SetMetadataOverride records mode/uid/gid overrides for an absolute path;
// each attribute is applied only when its has flag is set. Later calls merge
// with earlier ones.
func SetMetadataOverride(absPath string, hasMode bool, mode uint32, hasUID bool, uid uint32, hasGID bool, gid uint32) {
	if overrides == nil {
		overrides = make(map[string]metadataOverride)
	}
	ov := overrides[absPath]
	if hasMode {
		ov.hasMode, ov.mode = true, mode
	}
	if hasUID {
		ov.hasUID, ov.uid = true, uid
	}
	if hasGID {
		ov.hasGID, ov.gid = true, gid
	}
	overrides[absPath] = ov
}

// applyOverride copies any registered override for absPath onto the node;
// called at the tail of path resolution.
func applyOverride(n *Node, absPath string) {
	if n == nil || overrides == nil {
		return
	}
	if ov, ok := overrides[absPath]; ok {
		if ov.hasMode {
			n.Mode = ov.mode
		}
		if ov.hasUID {
			n.UID = ov.uid
		}
		if ov.hasGID {
			n.GID = ov.gid
		}
	}
}
