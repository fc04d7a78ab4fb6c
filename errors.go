package squashfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidFile is returned when the file format is not recognized as SquashFS
	ErrInvalidFile = errors.New("invalid file, squashfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid
	ErrInvalidSuper = errors.New("invalid squashfs superblock")

	// ErrInvalidVersion is returned when the SquashFS version is not 4.0
	// This library only supports SquashFS 4.0 format
	ErrInvalidVersion = errors.New("invalid file version, expected squashfs 4.0")

	// ErrInodeNotExported is returned when trying to access an inode that isn't in the export table
	ErrInodeNotExported = errors.New("unknown squashfs inode and no NFS export table")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum depth
	// This prevents infinite loops in symlink resolution
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")

	// ErrCorruptCompressedBlock is returned when a compressed block fails to
	// decompress, or its length prefix is internally inconsistent.
	ErrCorruptCompressedBlock = errors.New("squashfs: corrupt compressed block")

	// ErrCorruptMetadata is returned when a metadata record's intra-block
	// offset or declared length runs past the data actually available.
	ErrCorruptMetadata = errors.New("squashfs: corrupt metadata stream")

	// ErrFileNotFound is returned by MutFile/ReplaceFile when no file node
	// exists at the given path.
	ErrFileNotFound = errors.New("squashfs: file not found in writer tree")

	// ErrInvalidPath is returned when a path pushed to the writer is empty,
	// names the root itself, or after cleaning is not a valid tree location
	// (for example one that climbs above the root with "..").
	ErrInvalidPath = errors.New("squashfs: invalid path")

	// ErrUnsupportedCompressor is returned when a superblock names a
	// compressor id that has no registered handler.
	ErrUnsupportedCompressor = errors.New("squashfs: unsupported compressor")
)
