package fat

import "frostbyte/kernel"

// readFileData copies up to len(buf) bytes starting at off out of the cluster chain
// rooted at startCluster. Returns the number of bytes read, clamped at
// fileSize.
func (m *Mount) readFileData(startCluster, fileSize, off uint32, buf []byte) (int, *kernel.Error) {
	if off >= fileSize {
		return 0, nil
	}
	want := uint32(len(buf))
	if off+want > fileSize {
		want = fileSize - off
	}

	clusterBuf := make([]byte, m.bytesPerCluster)
	read := uint32(0)
	for read < want {
		pos := off + read
		chain := startCluster
		cluster, err := m.chainAt(&chain, pos, false)
		if err != nil {
			return int(read), err
		}
		if err = m.readCluster(cluster, clusterBuf); err != nil {
			return int(read), err
		}

		inCluster := pos % m.bytesPerCluster
		n := m.bytesPerCluster - inCluster
		if n > want-read {
			n = want - read
		}
		copy(buf[read:], clusterBuf[inCluster:inCluster+n])
		read += n
	}
	return int(read), nil
}

// writeFileData stores data at off, extending the cluster chain as needed.
// startCluster is updated in place when the file gains its first cluster;
// the returned size is the new file size.
func (m *Mount) writeFileData(startCluster *uint32, fileSize, off uint32, data []byte) (uint32, *kernel.Error) {
	clusterBuf := make([]byte, m.bytesPerCluster)
	written := uint32(0)

	for written < uint32(len(data)) {
		pos := off + written
		cluster, err := m.chainAt(startCluster, pos, true)
		if err != nil {
			return fileSize, err
		}

		inCluster := pos % m.bytesPerCluster
		n := m.bytesPerCluster - inCluster
		if n > uint32(len(data))-written {
			n = uint32(len(data)) - written
		}

		// Partial cluster updates must preserve surrounding bytes.
		if inCluster != 0 || n != m.bytesPerCluster {
			if err = m.readCluster(cluster, clusterBuf); err != nil {
				return fileSize, err
			}
		}
		copy(clusterBuf[inCluster:], data[written:written+n])
		if err = m.writeCluster(cluster, clusterBuf); err != nil {
			return fileSize, err
		}
		written += n
	}

	if end := off + written; end > fileSize {
		fileSize = end
	}
	return fileSize, nil
}
