package squashfs

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"strings"
)

// maxSymlinkHops bounds path resolution so a pathological chain of symlinks
// (or, as a side effect, a very long ".." chain) cannot loop forever.
const maxSymlinkHops = 40

// Ensure Superblock satisfies the conventional read-only fs.FS surface so it
// can be handed to fs.ReadFile, fs.WalkDir, fs.Sub, http.FileServer, etc.
var (
	_ fs.FS        = (*Superblock)(nil)
	_ fs.StatFS    = (*Superblock)(nil)
	_ fs.ReadDirFS = (*Superblock)(nil)
)

// FindInode resolves a slash-separated path (relative to the filesystem
// root) to its Inode. When followSymlink is true, a symlink encountered as
// the final path component is itself resolved to whatever it points at;
// symlinks encountered as intermediate components are always followed.
// Resolution that revisits more than maxSymlinkHops components fails with
// ErrTooManySymlinks.
func (sb *Superblock) FindInode(name string, followSymlink bool) (*Inode, error) {
	if name == "" || name == "." {
		return sb.rootIno, nil
	}

	cur := sb.rootIno
	hops := 0

	parts := strings.Split(name, "/")
	for idx := 0; idx < len(parts); idx++ {
		part := parts[idx]
		switch part {
		case "", ".":
			continue
		case "..":
			if cur.ParentIno == 0 {
				continue
			}
			hops++
			if hops > maxSymlinkHops {
				return nil, ErrTooManySymlinks
			}
			parent, err := sb.GetInode(uint64(cur.ParentIno))
			if err != nil {
				return nil, err
			}
			cur = parent
			continue
		}

		if !cur.IsDir() {
			return nil, ErrNotDirectory
		}

		next, err := cur.LookupRelativeInode(context.Background(), part)
		if err != nil {
			return nil, err
		}

		isLast := idx == len(parts)-1
		if Type(next.Type).IsSymlink() && (!isLast || followSymlink) {
			hops++
			if hops > maxSymlinkHops {
				return nil, ErrTooManySymlinks
			}
			target := string(next.SymTarget)
			if strings.HasPrefix(target, "/") {
				resolved, err := sb.FindInode(target[1:], followSymlink || !isLast)
				if err != nil {
					return nil, err
				}
				next = resolved
			} else {
				joined := path.Join(path.Dir(strings.Join(parts[:idx+1], "/")), target)
				resolved, err := sb.FindInode(joined, followSymlink || !isLast)
				if err != nil {
					return nil, err
				}
				next = resolved
			}
		}

		cur = next
	}

	return cur, nil
}

// Open implements fs.FS. name follows fs.FS path conventions: slash
// separated, no leading slash, "." for the root.
func (sb *Superblock) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	ino, err := sb.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: mapFindErr(err)}
	}

	return ino.OpenFile(name), nil
}

// Stat implements fs.StatFS.
func (sb *Superblock) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}

	ino, err := sb.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: mapFindErr(err)}
	}

	return &fileinfo{name: path.Base(name), ino: ino}, nil
}

// Lstat behaves like Stat but does not follow a symlink named by the final
// path component.
func (sb *Superblock) Lstat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "lstat", Path: name, Err: fs.ErrInvalid}
	}

	ino, err := sb.FindInode(name, false)
	if err != nil {
		return nil, &fs.PathError{Op: "lstat", Path: name, Err: mapFindErr(err)}
	}

	return &fileinfo{name: path.Base(name), ino: ino}, nil
}

// ReadDir implements fs.ReadDirFS.
func (sb *Superblock) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}

	ino, err := sb.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: mapFindErr(err)}
	}
	if !ino.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDirectory}
	}

	dr, err := sb.dirReader(ino, nil)
	if err != nil {
		return nil, err
	}
	return dr.ReadDir(-1)
}

// ReadFile reads the full contents of the file at name, per fs.ReadFileFS.
func (sb *Superblock) ReadFile(name string) ([]byte, error) {
	// The wrapper exposes only Open, so fs.ReadFile does not dispatch back
	// to this method.
	return fs.ReadFile(struct{ fs.FS }{sb}, name)
}

func mapFindErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fs.ErrNotExist
	}
	return err
}
