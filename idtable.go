package squashfs

import "encoding/binary"

// idEntriesPerBlock mirrors the fragment table's indirection: IdTableStart
// points to an array of absolute metadata-block offsets, each holding up to
// this many 4-byte uid/gid entries.
const idEntriesPerBlock = metadataBlockSize / 4

// loadIdTable reads every id table entry into sb.idCache. The id table is
// small (one entry per distinct uid/gid in the whole image) so it is loaded
// in full on first use rather than paged like the fragment table.
func (sb *Superblock) loadIdTable() error {
	sb.idCacheL.Lock()
	defer sb.idCacheL.Unlock()

	if sb.idCache != nil {
		return nil
	}
	if sb.IdCount == 0 {
		sb.idCache = []uint32{}
		return nil
	}

	ids := make([]uint32, sb.IdCount)
	blocks := (int(sb.IdCount) + idEntriesPerBlock - 1) / idEntriesPerBlock

	ptrBuf := make([]byte, 8)
	for b := 0; b < blocks; b++ {
		if _, err := sb.fs.ReadAt(ptrBuf, int64(sb.IdTableStart)+int64(b)*8); err != nil {
			return err
		}
		blockAddr := int64(sb.order.Uint64(ptrBuf))

		r, err := sb.newTableReader(blockAddr, 0)
		if err != nil {
			return err
		}

		count := idEntriesPerBlock
		if remaining := int(sb.IdCount) - b*idEntriesPerBlock; remaining < count {
			count = remaining
		}
		for i := 0; i < count; i++ {
			if err := binary.Read(r, sb.order, &ids[b*idEntriesPerBlock+i]); err != nil {
				return err
			}
		}
	}

	sb.idCache = ids
	return nil
}

// idValue resolves a uid/gid table index to its actual 32-bit id value.
func (sb *Superblock) idValue(idx uint16) (uint32, error) {
	if err := sb.loadIdTable(); err != nil {
		return 0, err
	}
	if int(idx) >= len(sb.idCache) {
		return 0, ErrCorruptMetadata
	}
	return sb.idCache[idx], nil
}

// GetUid resolves the inode's owning UID through the filesystem's id table.
// Any error (e.g. an unreadable id table) resolves to 0.
func (i *Inode) GetUid() uint32 {
	v, err := i.sb.idValue(i.UidIdx)
	if err != nil {
		return 0
	}
	return v
}

// GetGid resolves the inode's owning GID through the filesystem's id table.
func (i *Inode) GetGid() uint32 {
	v, err := i.sb.idValue(i.GidIdx)
	if err != nil {
		return 0
	}
	return v
}
