package squashfs

import (
	"io"
	"io/fs"
	"path"
	"time"
)

// File wraps a regular-file inode behind io.ReaderAt/io.Seeker via
// io.SectionReader.
type File struct {
	*io.SectionReader
	ino  *Inode
	name string
}

// FileDir wraps a directory inode so it can be handed out as an fs.File;
// its directory stream is opened lazily on the first ReadDir call.
type FileDir struct {
	ino  *Inode
	name string
	r    *dirReader
}

type fileinfo struct {
	ino  *Inode
	name string
}

var (
	_ fs.File         = (*File)(nil)
	_ io.ReaderAt     = (*File)(nil)
	_ fs.ReadDirFile  = (*FileDir)(nil)
	_ fs.FileInfo     = (*fileinfo)(nil)
)

// OpenFile returns name as an fs.File backed by ino. Directories come back
// as a *FileDir (also implementing fs.ReadDirFile); everything else comes
// back as a *File, additionally seekable via io.Seeker.
func (ino *Inode) OpenFile(name string) fs.File {
	if Type(ino.Type).IsDir() {
		return &FileDir{ino: ino, name: name}
	}
	return &File{
		SectionReader: io.NewSectionReader(ino, 0, int64(ino.Size)),
		ino:           ino,
		name:          name,
	}
}

func (f *File) Stat() (fs.FileInfo, error) {
	return &fileinfo{name: path.Base(f.name), ino: f.ino}, nil
}

// Sys returns the backing *Inode.
func (f *File) Sys() any {
	return f.ino
}

func (f *File) Close() error {
	return nil
}

// Read on a FileDir always fails: directories aren't readable as byte
// streams, only via ReadDir.
func (d *FileDir) Read(p []byte) (int, error) {
	return 0, fs.ErrInvalid
}

func (d *FileDir) Stat() (fs.FileInfo, error) {
	return &fileinfo{name: path.Base(d.name), ino: d.ino}, nil
}

func (d *FileDir) Sys() any {
	return d.ino
}

func (d *FileDir) Close() error {
	d.r = nil
	return nil
}

func (d *FileDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.r == nil {
		dr, err := d.ino.sb.dirReader(d.ino, nil)
		if err != nil {
			return nil, err
		}
		d.r = dr
	}
	return d.r.ReadDir(n)
}

func (fi *fileinfo) Name() string {
	return fi.name
}

func (fi *fileinfo) Size() int64 {
	return int64(fi.ino.Size)
}

func (fi *fileinfo) Mode() fs.FileMode {
	return fi.ino.Mode()
}

// ModTime returns the inode's modification time. SquashFS stores this as a
// signed 32-bit unix timestamp, so values past 2038 won't round-trip.
func (fi *fileinfo) ModTime() time.Time {
	return time.Unix(int64(fi.ino.ModTime), 0)
}

func (fi *fileinfo) IsDir() bool {
	return fi.ino.IsDir()
}

func (fi *fileinfo) Sys() any {
	return fi.ino
}
