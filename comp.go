package squashfs

import (
	"bytes"
	"fmt"
	"io"
)

// Compression identifies one of the six compressor ids a SquashFS superblock
// may name (see the SquashFS 4.0 on-disk format).
type Compression uint16

const (
	GZip Compression = 1
	LZMA Compression = 2
	LZO  Compression = 3
	XZ   Compression = 4
	LZ4  Compression = 5
	ZSTD Compression = 6
)

func (c Compression) String() string {
	switch c {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("Compression(%d)", c)
}

// CompHandler provides the pluggable Compressor port (spec §4.1, §6): a
// deterministic decompress/compress pair for one Compression id.
type CompHandler struct {
	Decompress func([]byte) ([]byte, error)
	Compress   func([]byte) ([]byte, error)
}

var compRegistry = make(map[Compression]*CompHandler)

// RegisterCompHandler wires a full compress+decompress handler for a given
// compressor id. Codec files call this from their init().
func RegisterCompHandler(c Compression, h *CompHandler) {
	compRegistry[c] = h
}

// RegisterDecompressor wires a decompress-only handler, for codecs this
// module never needs to emit (kept for API parity with the teacher's
// registration style).
func RegisterDecompressor(c Compression, f func([]byte) ([]byte, error)) {
	h, ok := compRegistry[c]
	if !ok {
		h = &CompHandler{}
		compRegistry[c] = h
	}
	h.Decompress = f
}

func (c Compression) handler() (*CompHandler, error) {
	h, ok := compRegistry[c]
	if !ok || h == nil {
		return nil, ErrUnsupportedCompressor
	}
	return h, nil
}

func (c Compression) compress(buf []byte) ([]byte, error) {
	h, err := c.handler()
	if err != nil {
		return nil, err
	}
	if h.Compress == nil {
		return nil, ErrUnsupportedCompressor
	}
	return h.Compress(buf)
}

func (c Compression) decompress(buf []byte) ([]byte, error) {
	h, err := c.handler()
	if err != nil {
		return nil, err
	}
	if h.Decompress == nil {
		return nil, ErrUnsupportedCompressor
	}
	out, err := h.Decompress(buf)
	if err != nil {
		pkgLog.WithError(err).WithField("compressor", c).Debug("failed to decompress block")
		return nil, fmt.Errorf("%w: %w", ErrCorruptCompressedBlock, err)
	}
	return out, nil
}

// MakeDecompressor adapts a func(io.Reader) io.ReadCloser stream decompressor
// (as exposed by most pure-Go compression packages) into the []byte -> []byte
// shape the codec port requires.
func MakeDecompressor(newReader func(io.Reader) io.ReadCloser) func([]byte) ([]byte, error) {
	return MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
		return newReader(r), nil
	})
}

// MakeDecompressorErr is the MakeDecompressor variant for stream
// constructors that can themselves fail (e.g. xz.NewReader, which validates
// a stream header up front).
func MakeDecompressorErr(newReader func(io.Reader) (io.ReadCloser, error)) func([]byte) ([]byte, error) {
	return func(buf []byte) ([]byte, error) {
		rc, err := newReader(bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
}

// transformCompress runs an optional Transform over buf before compressing
// it, per the codec port contract in spec §6: "applied by the compression
// layer before/after the codec when configured".
func transformCompress(c Compression, tr Transform, buf []byte) ([]byte, error) {
	if tr != nil {
		work := append([]byte(nil), buf...)
		if err := tr.From(&work, 0); err != nil {
			return nil, err
		}
		buf = work
	}
	return c.compress(buf)
}

// transformDecompress decompresses buf, then runs an optional Transform over
// the result.
func transformDecompress(c Compression, tr Transform, buf []byte) ([]byte, error) {
	out, err := c.decompress(buf)
	if err != nil {
		return nil, err
	}
	if tr != nil {
		if err := tr.From(&out, 0); err != nil {
			return nil, err
		}
	}
	return out, nil
}
