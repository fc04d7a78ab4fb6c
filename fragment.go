package squashfs

import (
	"encoding/binary"
	"sync"
)

// fragmentEntrySize is the on-disk size of one fragment table entry: a
// 64-bit data offset, a 32-bit size/flags word, and a reserved uint32.
const fragmentEntrySize = 16

// fragEntriesPerBlock is how many fragment table entries fit in one
// metadata block's worth of index pointers (matches id table layout).
const fragEntriesPerBlock = metadataBlockSize / fragmentEntrySize

// fragSizeUncompressedBit marks a fragment (or data) block as stored
// verbatim, mirroring the data block length convention.
const fragSizeUncompressedBit uint32 = 1 << 24

type fragmentEntry struct {
	Start uint64
	Size  uint32
}

// fragmentEntry looks up fragment table entry idx. The fragment table is
// addressed indirectly: FragTableStart points to an array of absolute
// offsets of metadata blocks, each holding up to fragEntriesPerBlock
// 16-byte entries.
func (sb *Superblock) fragmentEntry(idx uint32) (fragmentEntry, error) {
	var e fragmentEntry

	sub := int64(idx) / fragEntriesPerBlock * 8
	ptrBuf := make([]byte, 8)
	if _, err := sb.fs.ReadAt(ptrBuf, int64(sb.FragTableStart)+sub); err != nil {
		return e, err
	}
	blockAddr := int64(sb.order.Uint64(ptrBuf))

	r, err := sb.newTableReader(blockAddr, int(idx%fragEntriesPerBlock)*fragmentEntrySize)
	if err != nil {
		return e, err
	}

	if err := binary.Read(r, sb.order, &e.Start); err != nil {
		return e, err
	}
	if err := binary.Read(r, sb.order, &e.Size); err != nil {
		return e, err
	}
	var reserved uint32
	if err := binary.Read(r, sb.order, &reserved); err != nil {
		return e, err
	}
	return e, nil
}

// fragmentCache decompresses each fragment block at most once no matter how
// many files share it, keyed by the block's absolute start offset so that
// two distinct fragment indices that happen to point at the same physical
// block (never produced by this writer, but legal on-disk) still share one
// cached copy.
type fragmentCache struct {
	sb *Superblock

	mu      sync.Mutex
	cache   map[uint64][]byte
	entries map[uint32]fragmentEntry
}

func newFragmentCache(sb *Superblock) *fragmentCache {
	return &fragmentCache{sb: sb, cache: make(map[uint64][]byte), entries: make(map[uint32]fragmentEntry)}
}

// get returns the decompressed bytes of the fragment block referenced by
// fragment table index idx. Both the fragment table lookup (itself a
// metadata-block read) and the fragment data block decompression happen at
// most once per distinct idx/Start, no matter how many files share them.
func (fc *fragmentCache) get(idx uint32) ([]byte, error) {
	fc.mu.Lock()
	e, ok := fc.entries[idx]
	fc.mu.Unlock()

	if !ok {
		var err error
		e, err = fc.sb.fragmentEntry(idx)
		if err != nil {
			return nil, err
		}
		fc.mu.Lock()
		fc.entries[idx] = e
		fc.mu.Unlock()
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if buf, ok := fc.cache[e.Start]; ok {
		return buf, nil
	}

	size := e.Size &^ fragSizeUncompressedBit
	buf := make([]byte, size)
	if _, err := fc.sb.fs.ReadAt(buf, int64(e.Start)); err != nil {
		return nil, err
	}

	if e.Size&fragSizeUncompressedBit == 0 {
		var err error
		buf, err = transformDecompress(fc.sb.Comp, fc.sb.transform, buf)
		if err != nil {
			return nil, err
		}
	} else if fc.sb.transform != nil {
		if err := fc.sb.transform.From(&buf, 0); err != nil {
			return nil, err
		}
	}

	pkgLog.WithField("fragment", idx).WithField("start", e.Start).Debug("squashfs: decompressed fragment block")

	fc.cache[e.Start] = buf
	return buf, nil
}
