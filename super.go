package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
)

func osOpen(path string) (*os.File, error) {
	return os.Open(path)
}

// SuperblockSize is the fixed on-disk size of a SquashFS superblock: five
// uint32, six uint16 and eight uint64 fields, packed with no padding.
const SuperblockSize = 96

const (
	magicLE uint32 = 0x73717368 // "hsqs"
	magicBE uint32 = 0x68737173 // "sqsh"
)

// Superblock is the fixed-size header at the start of every SquashFS image.
// It records the filesystem's global parameters and the start offset of
// each of the on-disk tables.
//
// https://dr-emann.github.io/squashfs/
type Superblock struct {
	order binary.ByteOrder

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              Compression
	BlockLog          uint16
	Flags             Flags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         inodeRef
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64

	// reader context, populated by New/Open; absent on a bare decoded
	// superblock such as one built by a Writer before Finalize.
	fs        io.ReaderAt
	transform Transform
	inoOfft   uint64

	rootIno  *Inode
	rootInoN uint64

	inoIdxL sync.RWMutex
	inoIdx  map[uint32]inodeRef

	fragCache *fragmentCache
	idCache   []uint32
	idCacheL  sync.Mutex

	closer io.Closer
}

// Close releases resources held by the Superblock. It is a no-op unless
// the Superblock was obtained via Open, in which case it closes the
// underlying file.
func (s *Superblock) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// tableStartNone marks XattrIdTableStart (and similar "unused table" fields) as
// absent.
const tableStartNone uint64 = 0xffffffffffffffff

// newSuperblock returns a Superblock with every optional table marked
// absent and the magic/version set for a filesystem this package writes.
func newSuperblock() *Superblock {
	return &Superblock{
		order:             binary.LittleEndian,
		Magic:             magicLE,
		VMajor:            4,
		VMinor:            0,
		XattrIdTableStart: tableStartNone,
		FragTableStart:    tableStartNone,
		ExportTableStart:  tableStartNone,
	}
}

// Open opens the SquashFS image stored at path on the local filesystem.
func Open(path string, opts ...Option) (*Superblock, error) {
	f, err := osOpen(path)
	if err != nil {
		return nil, err
	}
	sb, err := New(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	sb.closer = f
	return sb, nil
}

// New parses a SquashFS superblock from r and prepares the filesystem for
// reading. r must remain valid for the lifetime of the returned Superblock.
func New(r io.ReaderAt, opts ...Option) (*Superblock, error) {
	buf := make([]byte, SuperblockSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, err
	}

	sb := &Superblock{}
	if err := sb.UnmarshalBinary(buf); err != nil {
		return nil, err
	}

	if sb.VMajor != 4 || sb.VMinor != 0 {
		return nil, ErrInvalidVersion
	}
	if sb.BlockLog > 31 || sb.BlockSize == 0 || uint32(1)<<sb.BlockLog != sb.BlockSize {
		return nil, ErrInvalidSuper
	}

	sb.fs = r
	sb.inoIdx = make(map[uint32]inodeRef)
	sb.fragCache = newFragmentCache(sb)

	for _, o := range opts {
		if err := o(sb); err != nil {
			return nil, err
		}
	}

	root, err := sb.GetInodeRef(sb.RootInode)
	if err != nil {
		return nil, err
	}
	sb.rootIno = root
	sb.rootInoN = uint64(root.Ino)

	pkgLog.WithField("comp", sb.Comp).WithField("blocksize", sb.BlockSize).Debug("squashfs: opened image")

	return sb, nil
}

// setInodeRefCache records the inodeRef that reaches inode number ino, so
// future GetInode(ino) calls skip directory traversal.
func (s *Superblock) setInodeRefCache(ino uint32, ref inodeRef) {
	s.inoIdxL.Lock()
	s.inoIdx[ino] = ref
	s.inoIdxL.Unlock()
}

// UnmarshalBinary decodes a Superblock from exactly SuperblockSize bytes.
func (s *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < SuperblockSize {
		return ErrCorruptMetadata
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	switch magic {
	case magicLE:
		s.order = binary.LittleEndian
	case magicBE:
		s.order = binary.BigEndian
	default:
		return ErrInvalidFile
	}

	r := bytes.NewReader(data[:SuperblockSize])
	fields := []any{
		&s.Magic, &s.InodeCnt, &s.ModTime, &s.BlockSize, &s.FragCount,
		&s.Comp, &s.BlockLog, &s.Flags, &s.IdCount, &s.VMajor, &s.VMinor,
		&s.RootInode, &s.BytesUsed, &s.IdTableStart, &s.XattrIdTableStart,
		&s.InodeTableStart, &s.DirTableStart, &s.FragTableStart, &s.ExportTableStart,
	}
	for _, f := range fields {
		if err := binary.Read(r, s.order, f); err != nil {
			return err
		}
	}
	return nil
}

// MarshalBinary encodes the superblock to its fixed SuperblockSize-byte
// representation in the byte order s.order, or little-endian when s.order is
// unset (the writer always sets it to little-endian).
func (s *Superblock) MarshalBinary() ([]byte, error) {
	order := s.order
	if order == nil {
		order = binary.LittleEndian
	}
	buf := &bytes.Buffer{}
	buf.Grow(SuperblockSize)
	fields := []any{
		s.Magic, s.InodeCnt, s.ModTime, s.BlockSize, s.FragCount,
		s.Comp, s.BlockLog, s.Flags, s.IdCount, s.VMajor, s.VMinor,
		s.RootInode, s.BytesUsed, s.IdTableStart, s.XattrIdTableStart,
		s.InodeTableStart, s.DirTableStart, s.FragTableStart, s.ExportTableStart,
	}
	for _, f := range fields {
		if err := binary.Write(buf, order, f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// WriteAt rewrites the superblock in place; used by Writer.Finalize once
// final table offsets are known.
func (s *Superblock) WriteAt(w io.WriterAt) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.WriteAt(data, 0)
	return err
}
