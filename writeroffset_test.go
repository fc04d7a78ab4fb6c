package squashfs_test

import (
	"bytes"
	"io/fs"
	"strings"
	"testing"

	"github.com/nazgand/gosquash"
)

// writeAtBuffer is a growable in-memory io.WriterAt, used in place of a real
// file to exercise Writer.WriteWithOffset without touching disk.
type writeAtBuffer struct {
	data []byte
}

func (b *writeAtBuffer) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[off:], p)
	return len(p), nil
}

// Write satisfies io.Writer so NewWriter accepts this sink; sequential
// writes are appended at the current tail of b.data, mirroring the
// semantics Writer.write relies on before any WriteAt call.
func (b *writeAtBuffer) Write(p []byte) (int, error) {
	return b.WriteAt(p, int64(len(b.data)))
}

// TestWriterWriteWithOffsetEmbedsImage is spec scenario S4: bytes before the
// offset are left untouched by the writer, and the embedded image is
// recovered by opening the same sink through NewWithOffset at that offset.
func TestWriterWriteWithOffsetEmbedsImage(t *testing.T) {
	const offset = 1024

	sink := &writeAtBuffer{data: bytes.Repeat([]byte{0xCC}, offset)}

	w, err := squashfs.NewWriter(sink)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	if err := w.PushFile(strings.NewReader("embedded content"), "file.txt", squashfs.Header{}); err != nil {
		t.Fatalf("PushFile failed: %s", err)
	}
	if err := w.WriteWithOffset(offset); err != nil {
		t.Fatalf("WriteWithOffset failed: %s", err)
	}

	prefix := sink.data[:offset]
	if !bytes.Equal(prefix, bytes.Repeat([]byte{0xCC}, offset)) {
		t.Errorf("bytes before the offset were modified by WriteWithOffset")
	}

	sqfs, err := squashfs.NewWithOffset(bytes.NewReader(sink.data), offset)
	if err != nil {
		t.Fatalf("NewWithOffset failed: %s", err)
	}

	data, err := fs.ReadFile(sqfs, "file.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %s", err)
	}
	if string(data) != "embedded content" {
		t.Errorf("expected %q, got %q", "embedded content", data)
	}
}
