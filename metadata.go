package squashfs

import (
	"encoding/binary"
	"io"
)

// metadataBlockSize is the fixed uncompressed size of a metadata block
// (8 KiB). Every metadata stream -- the inode table, the directory table,
// fragment and id table index blocks -- is a sequence of these blocks.
const metadataBlockSize = 8192

// metadataUncompressedBit marks a metadata block's 16-bit length prefix as
// already uncompressed (stored verbatim).
const metadataUncompressedBit uint16 = 1 << 15

// metadataReader sequentially decodes a metadata stream starting at an
// arbitrary byte offset in the underlying image, transparently crossing
// block boundaries as callers keep reading past the current block.
type metadataReader struct {
	sb  *Superblock
	pos int64 // absolute file offset of the next block to decode
	buf []byte
	off int
}

// newTableReader opens a metadata stream at absolute offset start, with the
// read cursor positioned offset bytes into the (decompressed) first block.
func (sb *Superblock) newTableReader(start int64, offset int) (*metadataReader, error) {
	mr := &metadataReader{sb: sb, pos: start}
	if err := mr.fillBlock(); err != nil {
		return nil, err
	}
	if offset > len(mr.buf) {
		return nil, ErrCorruptMetadata
	}
	mr.off = offset
	return mr, nil
}

func (sb *Superblock) newInodeReader(ref inodeRef) (*metadataReader, error) {
	return sb.newTableReader(int64(sb.InodeTableStart)+int64(ref.Index()), int(ref.Offset()))
}

func (mr *metadataReader) fillBlock() error {
	var lenBuf [2]byte
	if _, err := mr.sb.fs.ReadAt(lenBuf[:], mr.pos); err != nil {
		return err
	}
	raw := mr.sb.order.Uint16(lenBuf[:])
	compressed := raw&metadataUncompressedBit == 0
	size := int(raw &^ metadataUncompressedBit)

	data := make([]byte, size)
	if _, err := mr.sb.fs.ReadAt(data, mr.pos+2); err != nil {
		return err
	}

	if compressed {
		var err error
		data, err = transformDecompress(mr.sb.Comp, mr.sb.transform, data)
		if err != nil {
			return err
		}
	} else if mr.sb.transform != nil {
		if err := mr.sb.transform.From(&data, 0); err != nil {
			return err
		}
	}

	mr.buf = data
	mr.pos += int64(2 + size)
	mr.off = 0
	return nil
}

// Read implements io.Reader, transparently decoding further blocks as
// needed. It never returns a short read except at true end of stream.
func (mr *metadataReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if mr.off >= len(mr.buf) {
			if err := mr.fillBlock(); err != nil {
				return n, err
			}
		}
		c := copy(p[n:], mr.buf[mr.off:])
		n += c
		mr.off += c
	}
	return n, nil
}

// metadataAddress names a position within a metadata stream relative to
// the stream's table start: the byte offset of the block containing the
// record, and the record's offset within that block's decompressed bytes.
type metadataAddress struct {
	block  uint64
	offset uint16
}

// metadataWriter accumulates records into 8 KiB blocks, compressing and
// flushing each full block straight to sink as soon as it fills. Finalize
// flushes any remaining partial block.
type metadataWriter struct {
	sink      io.Writer
	comp      Compression
	transform Transform

	pending []byte
	flushed int64 // bytes written to sink so far, relative to stream start
}

func newMetadataWriter(sink io.Writer, comp Compression, t Transform) *metadataWriter {
	return &metadataWriter{sink: sink, comp: comp, transform: t}
}

// Tell returns the address a record would get if written starting now.
func (mw *metadataWriter) Tell() metadataAddress {
	return metadataAddress{block: uint64(mw.flushed), offset: uint16(len(mw.pending))}
}

func (mw *metadataWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := metadataBlockSize - len(mw.pending)
		n := len(p)
		if n > room {
			n = room
		}
		mw.pending = append(mw.pending, p[:n]...)
		p = p[n:]
		if len(mw.pending) == metadataBlockSize {
			if err := mw.flushBlock(); err != nil {
				return total - len(p) - n, err
			}
		}
	}
	return total, nil
}

func (mw *metadataWriter) flushBlock() error {
	if len(mw.pending) == 0 {
		return nil
	}
	raw := mw.pending
	mw.pending = nil

	if mw.transform != nil {
		if err := mw.transform.From(&raw, 0); err != nil {
			return err
		}
	}

	out, err := mw.comp.compress(raw)
	length := len(out)
	header := uint16(length)
	if err != nil || length >= len(raw) {
		// Compression failed or didn't help: store verbatim.
		out = raw
		length = len(raw)
		header = uint16(length) | metadataUncompressedBit
	}

	var prefix [2]byte
	binary.LittleEndian.PutUint16(prefix[:], header)
	if _, err := mw.sink.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := mw.sink.Write(out); err != nil {
		return err
	}
	mw.flushed += int64(2 + length)
	return nil
}

// Finalize flushes any partially filled block and returns the total number
// of bytes written to sink for this stream (its size once placed in the
// image).
func (mw *metadataWriter) Finalize() (int64, error) {
	if err := mw.flushBlock(); err != nil {
		return 0, err
	}
	return mw.flushed, nil
}
