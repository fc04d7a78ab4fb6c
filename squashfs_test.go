package squashfs_test

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/nazgand/gosquash"
)

// buildFixture assembles a small directory tree exercising nested
// directories, a symlink pointing at a directory, and a ".."-heavy path, so
// TestSquashfs doesn't depend on a prebuilt binary image.
func buildFixture(t *testing.T) *squashfs.Superblock {
	t.Helper()

	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}

	// root(1) -> lib(2) -> libz.a(3), libz.so(4)
	if err := w.PushFile(strings.NewReader("archive-bytes"), "lib/libz.a", squashfs.Header{}); err != nil {
		t.Fatalf("PushFile lib/libz.a failed: %s", err)
	}
	if err := w.PushFile(strings.NewReader("shared-object-bytes"), "lib/libz.so", squashfs.Header{}); err != nil {
		t.Fatalf("PushFile lib/libz.so failed: %s", err)
	}

	zlibH := strings.Repeat("z", 97323)
	if err := w.PushFile(strings.NewReader(zlibH), "include/zlib.h", squashfs.Header{}); err != nil {
		t.Fatalf("PushFile include/zlib.h failed: %s", err)
	}
	if err := w.PushFile(strings.NewReader("prefix=/usr\n"), "pkgconfig/zlib.pc", squashfs.Header{}); err != nil {
		t.Fatalf("PushFile pkgconfig/zlib.pc failed: %s", err)
	}

	// lib_link is a symlink to a real directory, for the Stat/Lstat split.
	if err := w.PushSymlink("lib", "lib_link", squashfs.Header{}); err != nil {
		t.Fatalf("PushSymlink lib_link failed: %s", err)
	}

	if err := w.Write(); err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}
	return sqfs
}

func TestSquashfs(t *testing.T) {
	sqfs := buildFixture(t)

	data, err := fs.ReadFile(sqfs, "pkgconfig/zlib.pc")
	if err != nil {
		t.Errorf("failed to read pkgconfig/zlib.pc: %s", err)
	} else if string(data) != "prefix=/usr\n" {
		t.Errorf("unexpected content for pkgconfig/zlib.pc: %q", data)
	}

	// ensure we get the right inode: root(1), lib(2), lib/libz.a(3).
	ino, err := sqfs.FindInode("lib/libz.a", false)
	if err != nil {
		t.Errorf("failed to find lib/libz.a: %s", err)
	} else if ino.Ino != 3 {
		t.Errorf("invalid inode found for lib/libz.a: got %d, want 3", ino.Ino)
	}

	// test glob (will test readdir etc)
	res, err := fs.Glob(sqfs, "lib/*.so")
	if err != nil {
		t.Errorf("failed to glob lib/*.so: %s", err)
	} else if len(res) != 1 || res[0] != "lib/libz.so" {
		t.Errorf("bad response for glob lib/*.so: %v", res)
	}

	st, err := fs.Stat(sqfs, "include/zlib.h")
	if err != nil {
		t.Errorf("failed to stat include/zlib.h: %s", err)
	} else if st.Size() != 97323 {
		t.Errorf("bad file size on stat include/zlib.h: got %d, want 97323", st.Size())
	}

	// test stat vs lstat: lib_link is a symlink to a directory.
	st, err = fs.Stat(sqfs, "lib_link")
	if err != nil {
		t.Errorf("failed to stat lib_link: %s", err)
	} else if !st.IsDir() {
		t.Errorf("failed: stat(lib_link) did not follow the symlink to a directory")
	}

	st, err = sqfs.Lstat("lib_link")
	if err != nil {
		t.Errorf("failed to lstat lib_link: %s", err)
	} else if st.IsDir() {
		t.Errorf("failed: lstat(lib_link) should not have followed the symlink")
	}

	// test error
	_, err = fs.ReadFile(sqfs, "pkgconfig/zlib.pc/foo")
	if !errors.Is(err, squashfs.ErrNotDirectory) {
		t.Errorf("readfile pkgconfig/zlib.pc/foo returned unexpected err=%s", err)
	}

	// test other error: a ".."-heavy path exceeds the hop budget long before
	// it could ever resolve, exactly as a runaway symlink chain would.
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString("lib/../")
	}
	sb.WriteString("lib/libz.a")
	_, err = sqfs.FindInode(sb.String(), false)
	if !errors.Is(err, squashfs.ErrTooManySymlinks) {
		t.Errorf("FindInode with a long ../ chain returned unexpected err=%s", err)
	}
}

func TestBigdir(t *testing.T) {
	const n = 5000

	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("bigdir/%d.txt", i)
		if err := w.PushFile(strings.NewReader(""), name, squashfs.Header{}); err != nil {
			t.Fatalf("PushFile %s failed: %s", name, err)
		}
	}
	if err := w.Write(); err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}

	t1 := time.Now()
	data, err := fs.ReadFile(sqfs, "bigdir/4999.txt")
	d := time.Since(t1)
	if err != nil {
		t.Errorf("failed to read bigdir/4999.txt: %s", err)
	} else if string(data) != "" {
		t.Errorf("invalid value for bigdir/4999.txt")
	}
	if d > 50*time.Millisecond {
		t.Errorf("read of bigdir/4999.txt took too long: %s", d)
	}

	for _, name := range []string{"bigdir/0.txt", "bigdir/2500.txt", "bigdir/4998.txt"} {
		if _, err := fs.ReadFile(sqfs, name); err != nil {
			t.Errorf("failed to read %s: %s", name, err)
		}
	}

	if _, err := fs.ReadFile(sqfs, "bigdir/5000.txt"); err == nil {
		t.Errorf("expected an error reading a nonexistent entry, bigdir/5000.txt")
	}
}
