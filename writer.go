package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"time"
)

// Writer creates SquashFS filesystem images.
// It builds the filesystem structure in memory and streams the final
// image to an io.Writer when Finalize() is called.
//
// The Writer maintains an in-memory representation of the filesystem tree,
// including all inodes, directory structures, and file metadata. When Finalize()
// is called, it performs the following steps:
//  1. Writes file data blocks
//  2. Computes directory structures and indices
//  3. Builds and writes the inode table
//  4. Writes the directory table
//  5. Writes the ID (UID/GID) table
//  6. Updates the superblock with final offsets
type Writer struct {
	w          io.Writer
	wa         io.WriterAt   // set if w implements WriterAt
	buf        *bytes.Buffer // used when w doesn't implement WriterAt
	offset     uint64        // current write offset
	baseOffset uint64        // constant added to offset for WriteAt calls, set by WriteWithOffset

	// Filesystem metadata
	blockSize uint32
	comp      Compression
	modTime   int32
	flags     Flags
	transform Transform

	// Fragment packing: tails of files smaller than a full block are
	// batched together into shared fragment blocks instead of wasting a
	// whole block each.
	fragPending []byte
	fragWaiters []fragWaiter
	fragEntries []fragmentEntry

	// In-memory inode tree
	inodes     []*writerInode
	rootInode  *writerInode
	inodeCount uint32
	inodeMap   map[string]*writerInode // path -> inode mapping

	// Data tracking
	idTable map[uint32]uint32 // uid/gid -> index mapping
	idList  []uint32          // ordered list of uid/gid values

	// Default source filesystem (captured by Add() into each inode)
	srcFS fs.FS

	// Table positions (filled during Finalize)
	idTableStart     uint64
	inodeTableStart  uint64
	dirTableStart    uint64
	fragTableStart   uint64
	exportTableStart uint64
	bytesUsed        uint64

	// Superblock instance (populated during Finalize)
	sb Superblock
}

// writerInode represents an inode being built in memory.
// Each inode corresponds to a file, directory, symlink, or special file
// in the filesystem. The inode contains metadata and references to the
// actual data (for files) or directory entries (for directories).
type writerInode struct {
	path string
	name string
	ino  uint32

	// File metadata
	mode      fs.FileMode
	size      uint64
	modTime   int64
	uid       uint32
	gid       uint32
	nlink     uint32
	fileType  Type
	symTarget string // symlink target path

	// Source filesystem for reading file data
	srcFS fs.FS

	// Explicit data source set by the Push*/FromReader tree API. Takes
	// priority over srcFS when both are set.
	stream io.Reader

	// Device node major/minor, set by PushCharDevice/PushBlockDevice.
	devNum uint32

	// For directories
	entries []*writerInode
	parent  *writerInode

	// Table addresses, assigned by buildTables as each inode is placed.
	inoRef        inodeRef        // this inode's own address in the inode table
	dirBlockStart uint32          // directory table block (relative to table start) holding this dir's entries
	dirOffset     uint32          // byte offset of this dir's entries within that block
	dirIndex      []DirIndexEntry // directory index for large directories (XDirType only)

	// File data info (filled during writeFileData)
	dataBlocks []uint32 // block sizes for file data (with compression flag in high bit)
	startBlock uint64   // start position of file data in the image
	fragBlock  uint32   // fragment table index, 0xFFFFFFFF if the file has no fragment tail
	fragOffset uint32   // offset of this file's tail within its fragment block
}

// fragWaiter records a file whose tail has been appended to the writer's
// pending fragment buffer but not yet assigned a fragment table index
// (that only happens once the buffer is flushed).
type fragWaiter struct {
	inode  *writerInode
	offset uint32
}

// NewWriter creates a new SquashFS writer that will write to w.
// The filesystem is built in memory and written when Finalize() is called.
//
// If w implements io.WriterAt, the writer will write a blank superblock
// initially and update it at the end. Otherwise, it will buffer everything
// in memory and write it all at once when Finalize() is called.
func NewWriter(w io.Writer, opts ...WriterOption) (*Writer, error) {
	writer := &Writer{
		w:         w,
		blockSize: 131072, // 128KB default
		comp:      GZip,
		modTime:   int32(time.Now().Unix()),
		idTable:   make(map[uint32]uint32),
		inodes:    make([]*writerInode, 0),
		inodeMap:  make(map[string]*writerInode),
	}

	// Check if writer supports WriterAt
	if wa, ok := w.(io.WriterAt); ok {
		writer.wa = wa
		writer.offset = SuperblockSize // start after superblock
	} else {
		// Use internal buffer - pre-allocate superblock space
		writer.buf = &bytes.Buffer{}
		// Write blank superblock placeholder
		writer.buf.Write(make([]byte, SuperblockSize))
		writer.offset = SuperblockSize
	}

	// Create root inode
	writer.rootInode = &writerInode{
		path:     "",
		name:     "",
		ino:      1,
		mode:     fs.ModeDir | 0755,
		modTime:  time.Now().Unix(),
		uid:      0,
		gid:      0,
		nlink:    2,
		fileType: DirType,
		entries:  make([]*writerInode, 0),
	}
	writer.inodes = append(writer.inodes, writer.rootInode)
	writer.inodeCount = 1

	// Apply options
	for _, opt := range opts {
		if err := opt(writer); err != nil {
			return nil, err
		}
	}

	return writer, nil
}

// SetCompression sets the compression algorithm to use when writing the filesystem.
// This can be called at any time before Finalize() is called.
// The compression affects metadata blocks and data blocks.
func (w *Writer) SetCompression(comp Compression) {
	w.comp = comp
}

// SetSourceFS sets the default source filesystem to read file data from.
// This filesystem will be used for subsequent Add() calls.
// You can call SetSourceFS() multiple times to add files from different filesystems.
func (w *Writer) SetSourceFS(srcFS fs.FS) {
	w.srcFS = srcFS
}

// Add adds a file or directory to the filesystem.
// This method is compatible with fs.WalkDirFunc, allowing it to be used directly
// with fs.WalkDir:
//
//	err := fs.WalkDir(srcFS, ".", writer.Add)
//
// The actual file data is not written until Finalize() is called.
func (w *Writer) Add(path string, d fs.DirEntry, err error) error {
	if err != nil {
		return err
	}

	// Skip root (already created)
	if path == "." || path == "" {
		w.inodeMap["."] = w.rootInode
		w.inodeMap[""] = w.rootInode
		return nil
	}

	info, err := d.Info()
	if err != nil {
		return err
	}

	w.inodeCount++
	inode := &writerInode{
		path:    path,
		name:    info.Name(),
		ino:     w.inodeCount,
		mode:    info.Mode(),
		size:    uint64(info.Size()),
		modTime: info.ModTime().Unix(),
		nlink:   1,
		srcFS:   w.srcFS, // Capture current source filesystem
	}

	// Extract uid/gid from info.Sys() if available
	if sys := info.Sys(); sys != nil {
		if statT, ok := sys.(interface {
			Uid() uint32
			Gid() uint32
		}); ok {
			inode.uid = statT.Uid()
			inode.gid = statT.Gid()
		}
	}

	// Determine inode type
	switch {
	case info.Mode().IsDir():
		inode.fileType = DirType
		inode.entries = make([]*writerInode, 0)
		inode.nlink = 2
	case info.Mode().IsRegular():
		inode.fileType = FileType
	case info.Mode()&fs.ModeSymlink != 0:
		inode.fileType = SymlinkType
		// Read symlink target
		if inode.srcFS != nil {
			target, err := fs.ReadLink(inode.srcFS, path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
			inode.symTarget = target
			inode.size = uint64(len(target))
		}
	case info.Mode()&fs.ModeCharDevice != 0:
		inode.fileType = CharDevType
	case info.Mode()&fs.ModeDevice != 0:
		inode.fileType = BlockDevType
	case info.Mode()&fs.ModeNamedPipe != 0:
		inode.fileType = FifoType
	case info.Mode()&fs.ModeSocket != 0:
		inode.fileType = SocketType
	default:
		// Unknown type, treat as regular file
		inode.fileType = FileType
	}

	// Add to inode list and map
	w.inodes = append(w.inodes, inode)
	w.inodeMap[path] = inode

	// Build directory tree structure
	parentPath := getParentPath(path)
	parent := w.inodeMap[parentPath]
	if parent == nil {
		// Parent doesn't exist, shouldn't happen with WalkDir
		return fmt.Errorf("parent directory not found for %s", path)
	}

	inode.parent = parent
	parent.entries = append(parent.entries, inode)

	return nil
}

// getParentPath returns the parent directory path
func getParentPath(path string) string {
	if path == "" || path == "." {
		return ""
	}
	// Find last slash
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "."
			}
			return path[:i]
		}
	}
	return "."
}

// write writes data to the current offset and advances the offset.
func (w *Writer) write(data []byte) error {
	if w.wa != nil {
		// Use WriterAt
		_, err := w.wa.WriteAt(data, int64(w.offset+w.baseOffset))
		if err != nil {
			return err
		}
	} else {
		// Use buffer
		_, err := w.buf.Write(data)
		if err != nil {
			return err
		}
	}
	w.offset += uint64(len(data))
	return nil
}

// buildIDTable builds the unique UID/GID table and returns it
func (w *Writer) buildIDTable() error {
	// Collect all unique UIDs and GIDs
	seen := make(map[uint32]bool)
	w.idList = make([]uint32, 0)

	for _, inode := range w.inodes {
		if !seen[inode.uid] {
			seen[inode.uid] = true
			w.idList = append(w.idList, inode.uid)
		}
		if !seen[inode.gid] {
			seen[inode.gid] = true
			w.idList = append(w.idList, inode.gid)
		}
	}

	// Build index map
	for i, id := range w.idList {
		w.idTable[id] = uint32(i)
	}

	return nil
}

// writerSink adapts Writer's offset-tracked, error-returning write into the
// io.Writer a metadataWriter streams into.
type writerSink struct{ w *Writer }

func (s writerSink) Write(p []byte) (int, error) {
	if err := s.w.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// writeRawMetadataBlock writes data as a single metadata block at the
// writer's current offset and returns that offset. Used for the id and
// fragment tables, whose indirect pointer arrays hold absolute offsets
// rather than the table-relative addresses a metadataWriter stream tracks.
func (w *Writer) writeRawMetadataBlock(data []byte) (uint64, error) {
	blockStart := w.offset
	mw := newMetadataWriter(writerSink{w}, w.comp, w.transform)
	if _, err := mw.Write(data); err != nil {
		return 0, err
	}
	if _, err := mw.Finalize(); err != nil {
		return 0, err
	}
	return blockStart, nil
}

// writeIDTable writes the UID/GID table: one or more metadata blocks of
// packed 32-bit ids, indexed by an array of absolute block offsets.
func (w *Writer) writeIDTable() error {
	idData := make([]byte, len(w.idList)*4)
	for i, id := range w.idList {
		binary.LittleEndian.PutUint32(idData[i*4:], id)
	}

	var ptrs []uint64
	for len(idData) > 0 {
		n := idEntriesPerBlock * 4
		if n > len(idData) {
			n = len(idData)
		}
		addr, err := w.writeRawMetadataBlock(idData[:n])
		if err != nil {
			return err
		}
		ptrs = append(ptrs, addr)
		idData = idData[n:]
	}

	w.idTableStart = w.offset
	for _, p := range ptrs {
		var pointer [8]byte
		binary.LittleEndian.PutUint64(pointer[:], p)
		if err := w.write(pointer[:]); err != nil {
			return err
		}
	}
	return nil
}

// writeFragmentTable writes the fragment table: one or more metadata blocks
// of packed fragmentEntry records, indexed the same way as the id table.
func (w *Writer) writeFragmentTable() error {
	entries := w.fragEntries
	var ptrs []uint64

	for len(entries) > 0 {
		n := fragEntriesPerBlock
		if n > len(entries) {
			n = len(entries)
		}
		chunk := entries[:n]
		entries = entries[n:]

		buf := &bytes.Buffer{}
		for _, e := range chunk {
			if err := writeBinary(buf, binary.LittleEndian, e.Start); err != nil {
				return err
			}
			if err := writeBinary(buf, binary.LittleEndian, e.Size); err != nil {
				return err
			}
			if err := writeBinary(buf, binary.LittleEndian, uint32(0)); err != nil { // reserved
				return err
			}
		}

		addr, err := w.writeRawMetadataBlock(buf.Bytes())
		if err != nil {
			return err
		}
		ptrs = append(ptrs, addr)
	}

	if len(ptrs) == 0 {
		w.fragTableStart = tableStartNone
		return nil
	}

	w.fragTableStart = w.offset
	for _, p := range ptrs {
		var pointer [8]byte
		binary.LittleEndian.PutUint64(pointer[:], p)
		if err := w.write(pointer[:]); err != nil {
			return err
		}
	}
	return nil
}

// writeBinary is a helper that writes to a buffer and checks for errors
func writeBinary(buf *bytes.Buffer, order binary.ByteOrder, data interface{}) error {
	return binary.Write(buf, order, data)
}

// serializeInode serializes an inode of any supported type to bytes
func (w *Writer) serializeInode(ino *writerInode) ([]byte, error) {
	buf := &bytes.Buffer{}
	order := binary.LittleEndian

	// Common inode header
	if err := writeBinary(buf, order, ino.fileType); err != nil {
		return nil, err
	}
	if err := writeBinary(buf, order, uint16(ino.mode&0777)); err != nil {
		return nil, err
	}

	// Get UID/GID indices
	uidIdx := w.idTable[ino.uid]
	gidIdx := w.idTable[ino.gid]
	if err := writeBinary(buf, order, uint16(uidIdx)); err != nil {
		return nil, err
	}
	if err := writeBinary(buf, order, uint16(gidIdx)); err != nil {
		return nil, err
	}
	if err := writeBinary(buf, order, int32(ino.modTime)); err != nil {
		return nil, err
	}
	if err := writeBinary(buf, order, ino.ino); err != nil {
		return nil, err
	}

	// Type-specific data
	switch ino.fileType {
	case DirType: // Basic Directory
		// start_block - block offset from directory table start
		if err := writeBinary(buf, order, ino.dirBlockStart); err != nil {
			return nil, err
		}
		// nlink
		if err := writeBinary(buf, order, ino.nlink); err != nil {
			return nil, err
		}
		// file_size - directory size
		if err := writeBinary(buf, order, uint16(ino.size)); err != nil {
			return nil, err
		}
		// offset - offset within the uncompressed block
		if err := writeBinary(buf, order, uint16(ino.dirOffset)); err != nil {
			return nil, err
		}
		// parent_inode - inode number of parent directory
		parentIno := uint32(1) // root by default
		if ino.parent != nil {
			parentIno = ino.parent.ino
		}
		if err := writeBinary(buf, order, parentIno); err != nil {
			return nil, err
		}
	case XDirType: // Extended Directory with index
		// nlink
		if err := writeBinary(buf, order, ino.nlink); err != nil {
			return nil, err
		}
		// file_size - directory size (32-bit)
		if err := writeBinary(buf, order, uint32(ino.size)); err != nil {
			return nil, err
		}
		// start_block - block offset from directory table start
		if err := writeBinary(buf, order, ino.dirBlockStart); err != nil {
			return nil, err
		}
		// parent_inode - inode number of parent directory
		parentIno := uint32(1) // root by default
		if ino.parent != nil {
			parentIno = ino.parent.ino
		}
		if err := writeBinary(buf, order, parentIno); err != nil {
			return nil, err
		}
		// index_count - number of index entries
		if err := writeBinary(buf, order, uint16(len(ino.dirIndex))); err != nil {
			return nil, err
		}
		// offset - offset within the uncompressed block
		if err := writeBinary(buf, order, uint16(ino.dirOffset)); err != nil {
			return nil, err
		}
		// xattr_idx
		if err := writeBinary(buf, order, uint32(0xFFFFFFFF)); err != nil {
			return nil, err
		}
		// directory index entries
		for _, idx := range ino.dirIndex {
			// index - position in directory listing
			if err := writeBinary(buf, order, idx.Index); err != nil {
				return nil, err
			}
			// start - directory table block offset
			if err := writeBinary(buf, order, idx.Start); err != nil {
				return nil, err
			}
			// size - length of name minus 1
			if err := writeBinary(buf, order, uint32(len(idx.Name)-1)); err != nil {
				return nil, err
			}
			// name
			if err := writeBinary(buf, order, []byte(idx.Name)); err != nil {
				return nil, err
			}
		}
	case FileType: // Basic File
		// start_block - absolute position of first data block
		if err := writeBinary(buf, order, uint32(ino.startBlock)); err != nil {
			return nil, err
		}
		// fragment - fragment table index, 0xFFFFFFFF if this file has no fragment tail
		if err := writeBinary(buf, order, ino.fragBlock); err != nil {
			return nil, err
		}
		// offset - offset within fragment (unused if no fragment)
		if err := writeBinary(buf, order, ino.fragOffset); err != nil {
			return nil, err
		}
		// file_size
		if err := writeBinary(buf, order, uint32(ino.size)); err != nil {
			return nil, err
		}
		// block_list - array of block sizes
		for _, blockSize := range ino.dataBlocks {
			if err := writeBinary(buf, order, blockSize); err != nil {
				return nil, err
			}
		}
	case SymlinkType: // Basic Symlink
		// nlink
		if err := writeBinary(buf, order, ino.nlink); err != nil {
			return nil, err
		}
		// symlink_size - length of target path
		if err := writeBinary(buf, order, uint32(len(ino.symTarget))); err != nil {
			return nil, err
		}
		// symlink - target path
		if err := writeBinary(buf, order, []byte(ino.symTarget)); err != nil {
			return nil, err
		}
	case CharDevType, BlockDevType: // Device nodes
		// nlink
		if err := writeBinary(buf, order, ino.nlink); err != nil {
			return nil, err
		}
		// rdev - device number (major/minor), packed Linux-style
		if err := writeBinary(buf, order, ino.devNum); err != nil {
			return nil, err
		}
	case FifoType, SocketType: // Named pipes and sockets
		// nlink
		if err := writeBinary(buf, order, ino.nlink); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported inode type %d", ino.fileType)
	}

	return buf.Bytes(), nil
}

// indexInterval is the maximum number of directory entries sharing one
// inode-table-block reference before a chunk boundary (and, for XDirType,
// an index entry) is forced.
const indexInterval = 256

// buildTables serializes the directory table and inode table together in a
// single post-order walk of the tree. Both tables only ever reference
// positions relative to their own table's start (a directory entry's
// start_block, an inode's own address), so once a node's children have been
// placed, the node itself can be placed immediately after -- no iteration
// to convergence is needed the way a scheme based on absolute offsets would
// require.
func (w *Writer) buildTables() error {
	dirBuf := &bytes.Buffer{}
	dirMW := newMetadataWriter(dirBuf, w.comp, w.transform)

	// Block 0 always holds at least this pad byte, so that an empty
	// directory -- file_size == dirStreamPad, zero entry bytes -- can
	// safely point at (block 0, offset 0) even when nothing else in the
	// whole image ever writes to the directory table.
	if _, err := dirMW.Write([]byte{0}); err != nil {
		return err
	}

	inoBuf := &bytes.Buffer{}
	inoMW := newMetadataWriter(inoBuf, w.comp, w.transform)

	var walk func(ino *writerInode) error
	walk = func(ino *writerInode) error {
		for _, child := range ino.entries {
			if err := walk(child); err != nil {
				return err
			}
		}

		if ino.fileType == DirType || ino.fileType == XDirType {
			if err := w.writeDirectoryEntries(dirMW, ino); err != nil {
				return err
			}
		}

		addr := inoMW.Tell()
		ino.inoRef = newInodeRef(uint32(addr.block), addr.offset)

		data, err := w.serializeInode(ino)
		if err != nil {
			return err
		}
		_, err = inoMW.Write(data)
		return err
	}

	if err := walk(w.rootInode); err != nil {
		return err
	}

	if _, err := dirMW.Finalize(); err != nil {
		return err
	}
	if _, err := inoMW.Finalize(); err != nil {
		return err
	}

	w.inodeTableStart = w.offset
	if err := w.write(inoBuf.Bytes()); err != nil {
		return err
	}
	w.dirTableStart = w.offset
	return w.write(dirBuf.Bytes())
}

// writeDirectoryEntries appends dir's entries to the directory table stream
// mw, chunked into runs that share an inode-table block (or 256 entries,
// whichever comes first). By the time this runs, every child in dir.entries
// has already been placed by buildTables' post-order walk, so each child's
// final inoRef is available for chunking and for the entry's own offset.
func (w *Writer) writeDirectoryEntries(mw *metadataWriter, dir *writerInode) error {
	if len(dir.entries) == 0 {
		dir.dirBlockStart, dir.dirOffset = 0, 0
		dir.size = dirStreamPad
		return nil
	}

	addr := mw.Tell()
	dir.dirBlockStart, dir.dirOffset = uint32(addr.block), uint32(addr.offset)

	if dir.fileType == XDirType {
		dir.dirIndex = dir.dirIndex[:0]
	}

	written := 0
	entries := dir.entries
	for i := 0; i < len(entries); {
		inoBlock := entries[i].inoRef.Index()
		j := i
		for j < len(entries) && j-i < indexInterval && entries[j].inoRef.Index() == inoBlock {
			j++
		}
		chunk := entries[i:j]

		// The index's Start is the directory table's own block at this
		// point in the stream -- distinct from inoBlock, which is the
		// inode-table block this chunk's header records.
		if dir.fileType == XDirType {
			dir.dirIndex = append(dir.dirIndex, DirIndexEntry{
				Index: uint32(written),
				Start: uint32(mw.Tell().block),
				Name:  chunk[0].name,
			})
		}

		n, err := w.writeDirentChunk(mw, chunk, inoBlock)
		if err != nil {
			return err
		}
		written += n
		i = j
	}

	dir.size = uint64(written) + dirStreamPad
	return nil
}

// writeDirentChunk encodes one header-plus-entries run (all sharing
// blockStart as their inode-table block) and streams it into mw, returning
// the number of bytes written.
func (w *Writer) writeDirentChunk(mw *metadataWriter, chunk []*writerInode, blockStart uint32) (int, error) {
	buf := &bytes.Buffer{}
	order := binary.LittleEndian

	if err := writeBinary(buf, order, uint32(len(chunk)-1)); err != nil {
		return 0, err
	}
	if err := writeBinary(buf, order, blockStart); err != nil {
		return 0, err
	}
	if err := writeBinary(buf, order, chunk[0].ino); err != nil {
		return 0, err
	}

	for _, entry := range chunk {
		if err := writeBinary(buf, order, uint16(entry.inoRef.Offset())); err != nil {
			return 0, err
		}
		if err := writeBinary(buf, order, int16(entry.ino)-int16(chunk[0].ino)); err != nil {
			return 0, err
		}
		if err := writeBinary(buf, order, entry.fileType); err != nil {
			return 0, err
		}
		if err := writeBinary(buf, order, uint16(len(entry.name)-1)); err != nil {
			return 0, err
		}
		if err := writeBinary(buf, order, []byte(entry.name)); err != nil {
			return 0, err
		}
	}

	if _, err := mw.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}

// openInodeData opens the byte source for a regular file's content. An
// explicit stream (set by the Push*/FromReader/ReplaceFile API) always takes
// priority over a captured source filesystem.
func (w *Writer) openInodeData(inode *writerInode) (io.ReadCloser, error) {
	if inode.stream != nil {
		if rc, ok := inode.stream.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(inode.stream), nil
	}
	if inode.srcFS == nil {
		return nil, nil
	}
	f, err := inode.srcFS.Open(inode.path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// writeFileData streams every regular file's content into the image, one
// block_size chunk at a time. A chunk that reads back as all zero bytes is
// recorded as a sparse block (block_sizes[i] == 0) and no bytes are written
// for it. A final short chunk becomes the file's fragment tail.
func (w *Writer) writeFileData() error {
	blockSize := int(w.blockSize)
	buf := make([]byte, blockSize)

	for _, inode := range w.inodes {
		if inode.fileType != FileType {
			continue
		}
		inode.fragBlock = 0xffffffff

		if inode.size == 0 {
			continue
		}

		r, err := w.openInodeData(inode)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", inode.path, err)
		}
		if r == nil {
			continue
		}

		inode.startBlock = w.offset
		inode.dataBlocks = make([]uint32, 0)

		remaining := inode.size
		var tail []byte
		for remaining > 0 {
			n := blockSize
			if uint64(n) > remaining {
				n = int(remaining)
			}
			chunk := buf[:n]
			if _, err := io.ReadFull(r, chunk); err != nil {
				r.Close()
				return fmt.Errorf("failed to read %s: %w", inode.path, err)
			}
			remaining -= uint64(n)

			if n < blockSize {
				tail = append([]byte(nil), chunk...)
				break
			}

			if isZeroBlock(chunk) {
				inode.dataBlocks = append(inode.dataBlocks, 0)
				continue
			}

			compressed, cerr := transformCompress(w.comp, w.transform, chunk)
			if cerr != nil || len(compressed) >= len(chunk) {
				if err := w.write(chunk); err != nil {
					r.Close()
					return err
				}
				inode.dataBlocks = append(inode.dataBlocks, uint32(len(chunk))|fragSizeUncompressedBit)
			} else {
				if err := w.write(compressed); err != nil {
					r.Close()
					return err
				}
				inode.dataBlocks = append(inode.dataBlocks, uint32(len(compressed)))
			}
		}
		r.Close()

		if len(tail) > 0 {
			if err := w.addFragment(inode, tail); err != nil {
				return err
			}
		}
	}

	return w.flushFragment()
}

// addFragment appends tail to the writer's pending fragment buffer,
// flushing it first if tail would overflow a full block. The waiter is
// resolved (assigned a fragment table index) only once its buffer flushes.
func (w *Writer) addFragment(inode *writerInode, tail []byte) error {
	if len(w.fragPending)+len(tail) > int(w.blockSize) {
		if err := w.flushFragment(); err != nil {
			return err
		}
	}

	inode.fragOffset = uint32(len(w.fragPending))
	w.fragWaiters = append(w.fragWaiters, fragWaiter{inode: inode, offset: inode.fragOffset})
	w.fragPending = append(w.fragPending, tail...)

	if len(w.fragPending) == int(w.blockSize) {
		return w.flushFragment()
	}
	return nil
}

// flushFragment compresses and writes the pending fragment buffer as one
// fragment block, recording a fragment table entry and resolving every
// inode waiting on it.
func (w *Writer) flushFragment() error {
	if len(w.fragPending) == 0 {
		return nil
	}

	raw := w.fragPending
	w.fragPending = nil
	waiters := w.fragWaiters
	w.fragWaiters = nil

	start := w.offset
	var size uint32

	compressed, err := transformCompress(w.comp, w.transform, raw)
	if err != nil || len(compressed) >= len(raw) {
		if err := w.write(raw); err != nil {
			return err
		}
		size = uint32(len(raw)) | fragSizeUncompressedBit
	} else {
		if err := w.write(compressed); err != nil {
			return err
		}
		size = uint32(len(compressed))
	}

	idx := uint32(len(w.fragEntries))
	w.fragEntries = append(w.fragEntries, fragmentEntry{Start: start, Size: size})

	for _, fw := range waiters {
		fw.inode.fragBlock = idx
		fw.inode.fragOffset = fw.offset
	}

	return nil
}

// prepareDirectories sorts each directory's entries by name and promotes
// directories with more than indexInterval entries to XDirType so they get
// an index (built later, in writeDirectoryEntries, once chunk boundaries
// are known).
func (w *Writer) prepareDirectories() error {
	for _, inode := range w.inodes {
		if inode.fileType != DirType {
			continue
		}

		sort.Slice(inode.entries, func(i, j int) bool {
			return inode.entries[i].name < inode.entries[j].name
		})

		if len(inode.entries) > indexInterval {
			inode.fileType = XDirType
		}
	}
	return nil
}

// Finalize writes the complete SquashFS filesystem to the underlying writer.
// After this method returns, the filesystem image is complete and the Writer
// should not be used again.
//
// The finalization process follows this order:
//  1. Start after the superblock area NewWriter reserved (rewritten in step 8)
//  2. Build UID/GID table
//  3. Write all file data blocks (compressed)
//  4. Prepare directory structures (determine DirType vs XDirType)
//  5. Build the directory table and inode table together (buildTables)
//  6. Write the ID table
//  7. Write the fragment table
//  8. Update superblock with final table offsets
func (w *Writer) Finalize() error {
	if err := w.buildIDTable(); err != nil {
		return err
	}

	if err := w.writeFileData(); err != nil {
		return err
	}

	if err := w.prepareDirectories(); err != nil {
		return err
	}

	if err := w.buildTables(); err != nil {
		return err
	}

	if err := w.writeIDTable(); err != nil {
		return err
	}

	if err := w.writeFragmentTable(); err != nil {
		return err
	}

	w.exportTableStart = tableStartNone

	w.bytesUsed = w.offset

	w.buildSuperblock()
	sbData, err := w.sb.MarshalBinary()
	if err != nil {
		return err
	}

	// Write superblock
	if w.wa != nil {
		// Update superblock at the start of the image (offset baseOffset)
		_, err := w.wa.WriteAt(sbData, int64(w.baseOffset))
		return err
	}

	// For buffered mode, copy superblock to the beginning of buffer
	data := w.buf.Bytes()
	copy(data[0:SuperblockSize], sbData)

	// Write everything to the final writer
	_, err = w.w.Write(data)
	return err
}

// buildSuperblock constructs the superblock structure
func (w *Writer) buildSuperblock() {
	// Calculate block log
	blockLog := uint16(0)
	for i := uint16(0); i < 32; i++ {
		if (1 << i) == w.blockSize {
			blockLog = i
			break
		}
	}

	// Populate superblock fields
	w.sb.Magic = 0x73717368
	w.sb.InodeCnt = w.inodeCount
	w.sb.ModTime = w.modTime
	w.sb.BlockSize = w.blockSize
	w.sb.FragCount = uint32(len(w.fragEntries))
	w.sb.Comp = w.comp
	w.sb.BlockLog = blockLog
	w.sb.Flags = w.flags
	w.sb.IdCount = uint16(len(w.idList))
	w.sb.VMajor = 4
	w.sb.VMinor = 0
	w.sb.RootInode = w.rootInode.inoRef
	w.sb.BytesUsed = w.bytesUsed
	w.sb.IdTableStart = w.idTableStart
	w.sb.XattrIdTableStart = tableStartNone // no xattrs
	w.sb.InodeTableStart = w.inodeTableStart
	w.sb.DirTableStart = w.dirTableStart
	w.sb.FragTableStart = w.fragTableStart
	w.sb.ExportTableStart = w.exportTableStart
	w.sb.order = binary.LittleEndian
}
