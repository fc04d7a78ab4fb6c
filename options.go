package squashfs

import "time"

// Option configures a Superblock at construction time (New/Open).
type Option func(sb *Superblock) error

// InodeOffset records inoOfft on the Superblock. The inode numbers this
// package reports (Inode.Ino and the values GetInode accepts) are not
// shifted by it.
func InodeOffset(inoOfft uint64) Option {
	return func(sb *Superblock) error {
		sb.inoOfft = inoOfft
		return nil
	}
}

// WithReaderTransform installs a Transform applied after decompression of
// every block read from this image (metadata, data, and fragment blocks).
func WithReaderTransform(t Transform) Option {
	return func(sb *Superblock) error {
		sb.transform = t
		return nil
	}
}

// WriterOption configures a Writer at construction time.
type WriterOption func(w *Writer) error

// WithBlockSize sets the data block size for the filesystem (default:
// 131072, SquashFS's historical default). Must be a power of two between
// 4 KiB and 1 MiB.
func WithBlockSize(size uint32) WriterOption {
	return func(w *Writer) error {
		w.blockSize = size
		return nil
	}
}

// WithCompression sets the compression algorithm used for data, metadata
// and fragment blocks (default: GZip).
func WithCompression(comp Compression) WriterOption {
	return func(w *Writer) error {
		w.comp = comp
		return nil
	}
}

// WithModTime sets the filesystem-wide modification time recorded in the
// superblock (default: time of NewWriter).
func WithModTime(t time.Time) WriterOption {
	return func(w *Writer) error {
		w.modTime = int32(t.Unix())
		return nil
	}
}

// WithFlags sets the superblock flags word directly (default: 0).
func WithFlags(f Flags) WriterOption {
	return func(w *Writer) error {
		w.flags = f
		return nil
	}
}

// WithTransform installs a Transform applied before compression of every
// block this writer emits (metadata, data, and fragment blocks).
func WithTransform(t Transform) WriterOption {
	return func(w *Writer) error {
		w.transform = t
		return nil
	}
}
