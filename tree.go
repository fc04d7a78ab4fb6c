package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"
)

// Header carries the ownership/mode/timestamp metadata shared by the
// Push*/FromReader tree-building API. A missing ModTime defaults to the
// current time; a missing Mode defaults to the conventional permission bits
// for the node kind being pushed (0755 for directories, 0777 for symlinks,
// 0644 otherwise).
type Header struct {
	Mode    fs.FileMode
	Uid     uint32
	Gid     uint32
	ModTime time.Time
}

func (h Header) modTimeUnix() int64 {
	if h.ModTime.IsZero() {
		return time.Now().Unix()
	}
	return h.ModTime.Unix()
}

func (h Header) permOrDefault(def fs.FileMode) fs.FileMode {
	if perm := h.Mode.Perm(); perm != 0 {
		return perm
	}
	return def
}

// normalizeTreePath turns a user-supplied path (absolute or relative, with
// or without a trailing slash) into the clean, slash-separated, root-relative
// form used as the Writer's internal tree key.
func normalizeTreePath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	p = path.Clean(p)
	if p == "." || !fs.ValidPath(p) {
		return "", ErrInvalidPath
	}
	return p, nil
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// ensureDir returns the writerInode for the directory at p, creating it (and
// any missing ancestors) using header if it doesn't already exist. p must
// already be normalized ("" means the tree root). An existing non-directory
// node at p is reported as ErrNotDirectory.
func (w *Writer) ensureDir(p string, header Header) (*writerInode, error) {
	if p == "" {
		return w.rootInode, nil
	}
	if existing, ok := w.inodeMap[p]; ok {
		if existing.fileType != DirType && existing.fileType != XDirType {
			return nil, fmt.Errorf("squashfs: %s: %w", p, ErrNotDirectory)
		}
		return existing, nil
	}

	parent, err := w.ensureDir(parentOf(p), header)
	if err != nil {
		return nil, err
	}

	w.inodeCount++
	dir := &writerInode{
		path:     p,
		name:     path.Base(p),
		ino:      w.inodeCount,
		mode:     fs.ModeDir | header.permOrDefault(0755),
		modTime:  header.modTimeUnix(),
		uid:      header.Uid,
		gid:      header.Gid,
		nlink:    2,
		fileType: DirType,
		entries:  make([]*writerInode, 0),
		parent:   parent,
	}
	w.inodes = append(w.inodes, dir)
	w.inodeMap[p] = dir
	parent.entries = append(parent.entries, dir)
	return dir, nil
}

// pushLeaf creates a new non-directory node at p (a regular file, symlink,
// device, fifo or socket), creating any missing parent directories with
// header along the way. Duplicate detection compares the full path: pushing
// the same path twice is an error, while two leaves that share a basename
// under different parents are distinct nodes.
func (w *Writer) pushLeaf(p string, header Header, fileType Type, mode fs.FileMode) (*writerInode, error) {
	p, err := normalizeTreePath(p)
	if err != nil {
		return nil, err
	}
	if _, exists := w.inodeMap[p]; exists {
		return nil, fmt.Errorf("squashfs: %s: %w", p, fs.ErrExist)
	}

	parent, err := w.ensureDir(parentOf(p), header)
	if err != nil {
		return nil, err
	}

	w.inodeCount++
	leaf := &writerInode{
		path:     p,
		name:     path.Base(p),
		ino:      w.inodeCount,
		mode:     mode,
		modTime:  header.modTimeUnix(),
		uid:      header.Uid,
		gid:      header.Gid,
		nlink:    1,
		fileType: fileType,
		parent:   parent,
	}
	w.inodes = append(w.inodes, leaf)
	w.inodeMap[p] = leaf
	parent.entries = append(parent.entries, leaf)
	return leaf, nil
}

// PushFile inserts a regular file at p, reading its full content from
// stream immediately. Missing parent directories are created, sharing
// header, exactly as PushDir would create them.
func (w *Writer) PushFile(stream io.Reader, p string, header Header) error {
	data, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("squashfs: reading content for %s: %w", p, err)
	}

	leaf, err := w.pushLeaf(p, header, FileType, header.permOrDefault(0644))
	if err != nil {
		return err
	}
	leaf.size = uint64(len(data))
	leaf.stream = bytes.NewReader(data)
	return nil
}

// PushSymlink inserts a symbolic link at p pointing at target.
func (w *Writer) PushSymlink(target, p string, header Header) error {
	leaf, err := w.pushLeaf(p, header, SymlinkType, fs.ModeSymlink|header.permOrDefault(0777))
	if err != nil {
		return err
	}
	leaf.symTarget = target
	leaf.size = uint64(len(target))
	return nil
}

// PushDir explicitly inserts an empty directory at p. Calling this is only
// necessary to control a directory's own header; PushFile/PushSymlink/
// PushCharDevice/PushBlockDevice create any missing ancestor directories on
// their own.
func (w *Writer) PushDir(p string, header Header) error {
	p, err := normalizeTreePath(p)
	if err != nil {
		return err
	}
	if existing, ok := w.inodeMap[p]; ok {
		if existing.fileType == DirType || existing.fileType == XDirType {
			return fmt.Errorf("squashfs: %s: %w", p, fs.ErrExist)
		}
		return fmt.Errorf("squashfs: %s: %w", p, ErrNotDirectory)
	}
	_, err = w.ensureDir(p, header)
	return err
}

// PushCharDevice inserts a character device node at p with the given packed
// major/minor device number.
func (w *Writer) PushCharDevice(devNum uint32, p string, header Header) error {
	leaf, err := w.pushLeaf(p, header, CharDevType, fs.ModeCharDevice|fs.ModeDevice|header.permOrDefault(0644))
	if err != nil {
		return err
	}
	leaf.devNum = devNum
	return nil
}

// PushBlockDevice inserts a block device node at p with the given packed
// major/minor device number.
func (w *Writer) PushBlockDevice(devNum uint32, p string, header Header) error {
	leaf, err := w.pushLeaf(p, header, BlockDevType, fs.ModeDevice|header.permOrDefault(0644))
	if err != nil {
		return err
	}
	leaf.devNum = devNum
	return nil
}

// FileWriter mutates the content of a file already present in a Writer's
// tree, returned by Writer.MutFile.
type FileWriter struct {
	inode *writerInode
}

// SetStream replaces the file's content, reading stream in full immediately
// and discarding whatever content (source filesystem or prior stream) the
// file previously had.
func (fw *FileWriter) SetStream(stream io.Reader) error {
	data, err := io.ReadAll(stream)
	if err != nil {
		return err
	}
	fw.inode.srcFS = nil
	fw.inode.size = uint64(len(data))
	fw.inode.stream = bytes.NewReader(data)
	return nil
}

// MutFile looks up the file at the exact path p (absolute or relative; a
// leading slash is stripped) and returns a handle for replacing its
// content. It fails with ErrFileNotFound if p does not name an existing
// regular file.
func (w *Writer) MutFile(p string) (*FileWriter, error) {
	key, err := normalizeTreePath(p)
	if err != nil {
		return nil, ErrFileNotFound
	}
	node, ok := w.inodeMap[key]
	if !ok || node.fileType != FileType {
		return nil, ErrFileNotFound
	}
	return &FileWriter{inode: node}, nil
}

// ReplaceFile is a convenience wrapper around MutFile + FileWriter.SetStream.
func (w *Writer) ReplaceFile(p string, stream io.Reader) error {
	fw, err := w.MutFile(p)
	if err != nil {
		return err
	}
	return fw.SetStream(stream)
}

// FromReader pre-populates a new Writer with src's entire tree: every
// directory, file, symlink and device node is pushed with a Header taken
// from its source inode's mode/ownership/mtime. File content is read in
// full from src at FromReader time. The returned Writer writes to sink when
// Write is called.
func FromReader(src *Superblock, sink io.Writer, opts ...WriterOption) (*Writer, error) {
	w, err := NewWriter(sink, opts...)
	if err != nil {
		return nil, err
	}

	rootHeader, err := headerFromInode(src.rootIno)
	if err != nil {
		return nil, err
	}
	w.rootInode.mode = fs.ModeDir | rootHeader.permOrDefault(0755)
	w.rootInode.uid = rootHeader.Uid
	w.rootInode.gid = rootHeader.Gid
	w.rootInode.modTime = rootHeader.modTimeUnix()

	err = fs.WalkDir(src, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		ino, _ := info.Sys().(*Inode)
		if ino == nil {
			return fmt.Errorf("squashfs: %s: not backed by an Inode", p)
		}
		header := Header{Mode: info.Mode(), Uid: ino.GetUid(), Gid: ino.GetGid(), ModTime: info.ModTime()}

		switch {
		case d.IsDir():
			return w.PushDir(p, header)
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := ino.Readlink()
			if err != nil {
				return err
			}
			return w.PushSymlink(string(target), p, header)
		case info.Mode()&fs.ModeDevice != 0 && info.Mode()&fs.ModeCharDevice != 0:
			return w.PushCharDevice(ino.DevNum, p, header)
		case info.Mode()&fs.ModeDevice != 0:
			return w.PushBlockDevice(ino.DevNum, p, header)
		case info.Mode().IsRegular():
			data, err := src.ReadFile(p)
			if err != nil {
				return err
			}
			return w.PushFile(bytes.NewReader(data), p, header)
		default:
			// fifo/socket: no content, no extra metadata to carry.
			leaf, err := w.pushLeaf(p, header, fileTypeFor(info.Mode()), info.Mode())
			if err != nil {
				return err
			}
			_ = leaf
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	return w, nil
}

func headerFromInode(ino *Inode) (Header, error) {
	return Header{
		Mode:    ino.Mode(),
		Uid:     ino.GetUid(),
		Gid:     ino.GetGid(),
		ModTime: time.Unix(int64(ino.ModTime), 0),
	}, nil
}

func fileTypeFor(mode fs.FileMode) Type {
	switch {
	case mode&fs.ModeNamedPipe != 0:
		return FifoType
	case mode&fs.ModeSocket != 0:
		return SocketType
	default:
		return FileType
	}
}

// Write finalizes the image, writing it to the sink passed to NewWriter or
// FromReader.
func (w *Writer) Write() error {
	return w.Finalize()
}

// WriteWithOffset finalizes the image so that every absolute position
// written is shifted by offset bytes, embedding the image inside a larger
// container starting at offset. The sink passed to NewWriter/FromReader
// must implement io.WriterAt for offsets other than zero.
func (w *Writer) WriteWithOffset(offset int64) error {
	if offset == 0 {
		return w.Finalize()
	}
	if w.wa == nil {
		return fmt.Errorf("squashfs: WriteWithOffset requires a sink implementing io.WriterAt")
	}
	w.baseOffset = uint64(offset)
	return w.Finalize()
}
