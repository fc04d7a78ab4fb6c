package squashfs

import (
	"errors"
	"io"
)

// WriterWithOffset translates absolute positions by a fixed offset so a
// SquashFS image can be embedded inside a larger container file starting at
// some byte position other than 0. Sequential Write calls pass straight
// through; WriteAt shifts the requested offset by the constant; Seek shifts
// SeekStart on the way in and un-shifts the reported position of every
// whence on the way out, so callers observe the inner (image-relative)
// coordinate system regardless of where the image actually sits in sink.
type WriterWithOffset struct {
	w      io.Writer
	wa     io.WriterAt
	ws     io.WriteSeeker
	offset int64
}

// NewWriterWithOffset wraps sink so that position 0 of the returned writer
// corresponds to position offset in sink. Pass the result to NewWriter to
// build an image embedded inside a larger container.
func NewWriterWithOffset(sink io.Writer, offset int64) *WriterWithOffset {
	wo := &WriterWithOffset{w: sink, offset: offset}
	if wa, ok := sink.(io.WriterAt); ok {
		wo.wa = wa
	}
	if ws, ok := sink.(io.WriteSeeker); ok {
		wo.ws = ws
	}
	return wo
}

func (wo *WriterWithOffset) Write(p []byte) (int, error) {
	return wo.w.Write(p)
}

// WriteAt requires the wrapped sink to itself implement io.WriterAt.
func (wo *WriterWithOffset) WriteAt(p []byte, off int64) (int, error) {
	if wo.wa == nil {
		return 0, errors.New("squashfs: underlying writer does not support WriteAt")
	}
	return wo.wa.WriteAt(p, off+wo.offset)
}

// Seek requires the wrapped sink to itself implement io.Seeker.
func (wo *WriterWithOffset) Seek(offset int64, whence int) (int64, error) {
	if wo.ws == nil {
		return 0, errors.New("squashfs: underlying writer does not support Seek")
	}
	if whence == io.SeekStart {
		pos, err := wo.ws.Seek(offset+wo.offset, io.SeekStart)
		if err != nil {
			return 0, err
		}
		return pos - wo.offset, nil
	}
	pos, err := wo.ws.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	return pos - wo.offset, nil
}

// offsetReaderAt is the read-side mirror of WriterWithOffset: every absolute
// read is shifted by a fixed offset, so a SquashFS image embedded inside a
// larger container starting at some byte position other than 0 can be
// opened as if it started at 0.
type offsetReaderAt struct {
	r      io.ReaderAt
	offset int64
}

func (o *offsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return o.r.ReadAt(p, off+o.offset)
}

// NewWithOffset is the offset-aware counterpart to New: it parses the
// SquashFS superblock starting at byte position offset within r, instead of
// at 0. Pass the offset Writer.WriteWithOffset (or WriterWithOffset) used to
// embed the image within a larger container file.
func NewWithOffset(r io.ReaderAt, offset int64, opts ...Option) (*Superblock, error) {
	if offset == 0 {
		return New(r, opts...)
	}
	return New(&offsetReaderAt{r: r, offset: offset}, opts...)
}
