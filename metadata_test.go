package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// fakeReaderAt lets a metadataReader read back from an in-memory buffer
// without needing a full Superblock/image.
type fakeReaderAt struct{ data []byte }

func (f *fakeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func TestMetadataWriterReaderRoundTrip(t *testing.T) {
	var sink bytes.Buffer
	mw := newMetadataWriter(&sink, GZip, nil)

	records := [][]byte{
		bytes.Repeat([]byte{0x11}, 100),
		bytes.Repeat([]byte{0x22}, 8192-100), // exactly fills the first block
		bytes.Repeat([]byte{0x33}, 50),       // starts a second block
	}

	var addrs []metadataAddress
	for _, rec := range records {
		addrs = append(addrs, mw.Tell())
		if _, err := mw.Write(rec); err != nil {
			t.Fatalf("Write failed: %s", err)
		}
	}
	if _, err := mw.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	if addrs[0].block != 0 || addrs[0].offset != 0 {
		t.Errorf("expected first record at block 0 offset 0, got %+v", addrs[0])
	}
	if addrs[1].block != 0 || addrs[1].offset != 100 {
		t.Errorf("expected second record at block 0 offset 100, got %+v", addrs[1])
	}
	if addrs[2].block == addrs[1].block {
		t.Errorf("expected third record to land in a new block, got %+v", addrs[2])
	}

	sb := &Superblock{fs: &fakeReaderAt{data: sink.Bytes()}, Comp: GZip, order: binary.LittleEndian}

	for i, addr := range addrs {
		mr, err := sb.newTableReader(int64(addr.block), int(addr.offset))
		if err != nil {
			t.Fatalf("newTableReader(%d) failed: %s", i, err)
		}
		got := make([]byte, len(records[i]))
		if _, err := io.ReadFull(mr, got); err != nil {
			t.Fatalf("Read(%d) failed: %s", i, err)
		}
		if !bytes.Equal(got, records[i]) {
			t.Errorf("record %d mismatch", i)
		}
	}
}

func TestMetadataReaderCrossesBlockBoundary(t *testing.T) {
	var sink bytes.Buffer
	mw := newMetadataWriter(&sink, GZip, nil)

	first := bytes.Repeat([]byte{0xAA}, 8192)
	second := bytes.Repeat([]byte{0xBB}, 4000)
	if _, err := mw.Write(first); err != nil {
		t.Fatalf("Write first failed: %s", err)
	}
	if _, err := mw.Write(second); err != nil {
		t.Fatalf("Write second failed: %s", err)
	}
	if _, err := mw.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sb := &Superblock{fs: &fakeReaderAt{data: sink.Bytes()}, Comp: GZip, order: binary.LittleEndian}
	mr, err := sb.newTableReader(0, 0)
	if err != nil {
		t.Fatalf("newTableReader failed: %s", err)
	}

	whole := make([]byte, len(first)+len(second))
	if _, err := io.ReadFull(mr, whole); err != nil {
		t.Fatalf("ReadFull across block boundary failed: %s", err)
	}
	if !bytes.Equal(whole[:len(first)], first) || !bytes.Equal(whole[len(first):], second) {
		t.Error("data mismatch after crossing a metadata block boundary")
	}
}
