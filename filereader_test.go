package squashfs_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nazgand/gosquash"
)

// countingComp is a private Compression id registered solely for this test,
// wrapping real gzip so the produced image is byte-valid while counting how
// many times the fragment block actually gets decompressed.
const countingComp squashfs.Compression = 0xF001

var countingDecompressCalls int64

func init() {
	squashfs.RegisterCompHandler(countingComp, &squashfs.CompHandler{
		Compress: func(p []byte) ([]byte, error) {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(p); err != nil {
				return nil, err
			}
			if err := gw.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decompress: func(p []byte) ([]byte, error) {
			atomic.AddInt64(&countingDecompressCalls, 1)
			gr, err := gzip.NewReader(bytes.NewReader(p))
			if err != nil {
				return nil, err
			}
			defer gr.Close()
			return io.ReadAll(gr)
		},
	})
}

// TestFragmentCacheAtMostOnceDecompression pushes two small files that both
// land in the same fragment block, then reads both back twice each. The
// fragment block must be decompressed exactly once no matter how many reads
// touch it.
func TestFragmentCacheAtMostOnceDecompression(t *testing.T) {
	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf, squashfs.WithCompression(countingComp))
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}

	// Both tails are repetitive enough that gzip shrinks the shared fragment
	// block, so it is stored compressed and reading it needs a decompression.
	contentA := strings.Repeat("alpha-tail ", 100)
	contentB := strings.Repeat("beta-tail ", 100)
	if err := w.PushFile(strings.NewReader(contentA), "a.txt", squashfs.Header{}); err != nil {
		t.Fatalf("PushFile a.txt failed: %s", err)
	}
	if err := w.PushFile(strings.NewReader(contentB), "b.txt", squashfs.Header{}); err != nil {
		t.Fatalf("PushFile b.txt failed: %s", err)
	}
	if err := w.Write(); err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}

	// Open each file once (this does the one-time directory/inode-table
	// lookup) and read its content twice through the same handle via Seek,
	// isolating the fragment block's own decompression count from whatever
	// metadata-table decompression a fresh path lookup would also trigger.
	fa, err := sqfs.Open("a.txt")
	if err != nil {
		t.Fatalf("Open a.txt failed: %s", err)
	}
	fb, err := sqfs.Open("b.txt")
	if err != nil {
		t.Fatalf("Open b.txt failed: %s", err)
	}
	seekerA := fa.(io.Seeker)
	seekerB := fb.(io.Seeker)

	before := atomic.LoadInt64(&countingDecompressCalls)

	for i := 0; i < 2; i++ {
		if _, err := seekerA.Seek(0, io.SeekStart); err != nil {
			t.Fatalf("seek a.txt failed: %s", err)
		}
		data, err := io.ReadAll(fa)
		if err != nil {
			t.Fatalf("read a.txt failed: %s", err)
		}
		if string(data) != contentA {
			t.Errorf("unexpected content for a.txt: %q", data)
		}

		if _, err := seekerB.Seek(0, io.SeekStart); err != nil {
			t.Fatalf("seek b.txt failed: %s", err)
		}
		data, err = io.ReadAll(fb)
		if err != nil {
			t.Fatalf("read b.txt failed: %s", err)
		}
		if string(data) != contentB {
			t.Errorf("unexpected content for b.txt: %q", data)
		}
	}

	// Exactly one decompression happens in total, on the very first read:
	// the shared fragment data block itself. The fragment table's metadata
	// block holds a single 16-byte entry, which gzip cannot shrink, so it is
	// stored uncompressed and resolving fragment index 0 decompresses
	// nothing. Every other read of either file, including b.txt sharing the
	// same fragment, hits the cache.
	after := atomic.LoadInt64(&countingDecompressCalls)
	if after-before != 1 {
		t.Errorf("expected exactly one decompression (fragment data) across 4 reads, got %d", after-before)
	}
}
