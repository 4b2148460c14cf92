package fat

import "frostbyte/kernel"

// fatEntry reads the FAT entry for a cluster from the first FAT copy.
func (m *Mount) fatEntry(cluster uint32) (uint32, *kernel.Error) {
	if m.variant == FAT32 {
		var raw [4]byte
		off := m.fatBeginLBA*sectorSize + cluster*4
		if err := m.readBytes(off, raw[:]); err != nil {
			return 0, err
		}
		return le32(raw[:]) & fat32Mask, nil
	}

	var raw [2]byte
	off := m.fatBeginLBA*sectorSize + cluster*2
	if err := m.readBytes(off, raw[:]); err != nil {
		return 0, err
	}
	return uint32(le16(raw[:])), nil
}

// setFATEntry writes a FAT entry into every FAT copy, keeping them
// identical. For FAT32 only the low 28 bits are replaced; the top nibble of
// the stored value is preserved.
func (m *Mount) setFATEntry(cluster, value uint32) *kernel.Error {
	fatSize := uint32(m.bpb.fatSize16)
	if m.variant == FAT32 {
		fatSize = m.bpb.fatSize32
	}

	for copyIdx := uint32(0); copyIdx < uint32(m.bpb.numFATs); copyIdx++ {
		base := (m.fatBeginLBA + copyIdx*fatSize) * sectorSize

		if m.variant == FAT32 {
			var raw [4]byte
			off := base + cluster*4
			if err := m.readBytes(off, raw[:]); err != nil {
				return err
			}
			old := le32(raw[:])
			putLE32(raw[:], old&^fat32Mask|value&fat32Mask)
			if err := m.writeBytes(off, raw[:]); err != nil {
				return err
			}
			continue
		}

		var raw [2]byte
		off := base + cluster*2
		putLE16(raw[:], uint16(value))
		if err := m.writeBytes(off, raw[:]); err != nil {
			return err
		}
	}
	return nil
}

// allocCluster reserves one free cluster and marks it end-of-chain. FAT32
// starts scanning at the FSInfo next-free hint and maintains the free count.
func (m *Mount) allocCluster() (uint32, *kernel.Error) {
	start := uint32(2)
	if m.variant == FAT32 && m.fsinfo.nextFree != fsInfoUnknown && m.fsinfo.nextFree >= 2 {
		start = m.fsinfo.nextFree
	}

	cluster := start
	for i := uint32(0); i < m.totalClusters; i++ {
		entry, err := m.fatEntry(cluster)
		if err != nil {
			return 0, err
		}
		if entry == freeCluster {
			if err = m.setFATEntry(cluster, m.eocValue()); err != nil {
				return 0, err
			}
			if m.variant == FAT32 {
				if m.fsinfo.freeCount != fsInfoUnknown && m.fsinfo.freeCount > 0 {
					m.fsinfo.freeCount--
				}
				m.fsinfo.nextFree = cluster + 1
			}
			return cluster, nil
		}

		cluster++
		if cluster >= m.totalClusters+2 {
			cluster = 2
		}
		if cluster == start {
			break
		}
	}
	return 0, ErrNoSpace
}

// freeChain releases every cluster reachable from start.
func (m *Mount) freeChain(start uint32) *kernel.Error {
	cluster := start
	freed := uint32(0)
	for cluster >= 2 && !m.isEOC(cluster) {
		next, err := m.fatEntry(cluster)
		if err != nil {
			return err
		}
		if err = m.setFATEntry(cluster, freeCluster); err != nil {
			return err
		}
		freed++
		cluster = next
	}

	if m.variant == FAT32 && m.fsinfo.freeCount != fsInfoUnknown {
		m.fsinfo.freeCount += freed
	}
	return nil
}

// readCluster loads an entire data cluster.
func (m *Mount) readCluster(cluster uint32, buf []byte) *kernel.Error {
	if cluster < 2 {
		return ErrIO
	}
	return m.readBytes(m.clusterToLBA(cluster)*sectorSize, buf[:m.bytesPerCluster])
}

// writeCluster stores an entire data cluster.
func (m *Mount) writeCluster(cluster uint32, data []byte) *kernel.Error {
	if cluster < 2 {
		return ErrIO
	}
	return m.writeBytes(m.clusterToLBA(cluster)*sectorSize, data[:m.bytesPerCluster])
}

// allocZeroedCluster reserves a cluster and clears its contents so stale
// data never shows up as directory entries or file tails.
func (m *Mount) allocZeroedCluster() (uint32, *kernel.Error) {
	cluster, err := m.allocCluster()
	if err != nil {
		return 0, err
	}
	zero := make([]byte, m.bytesPerCluster)
	if err = m.writeCluster(cluster, zero); err != nil {
		m.setFATEntry(cluster, freeCluster)
		return 0, err
	}
	return cluster, nil
}

// chainAt walks a chain from start and returns the cluster holding byte
// offset off, extending the chain when extend is set.
func (m *Mount) chainAt(start *uint32, off uint32, extend bool) (uint32, *kernel.Error) {
	if *start < 2 {
		if !extend {
			return 0, ErrIO
		}
		cluster, err := m.allocZeroedCluster()
		if err != nil {
			return 0, err
		}
		*start = cluster
	}

	cluster := *start
	for skip := off / m.bytesPerCluster; skip > 0; skip-- {
		next, err := m.fatEntry(cluster)
		if err != nil {
			return 0, err
		}
		if m.isEOC(next) {
			if !extend {
				return 0, ErrIO
			}
			fresh, aerr := m.allocZeroedCluster()
			if aerr != nil {
				return 0, aerr
			}
			if err = m.setFATEntry(cluster, fresh); err != nil {
				return 0, err
			}
			next = fresh
		}
		cluster = next
	}
	return cluster, nil
}
