package squashfs

// LZO appears in the wild (older mksquashfs defaults on some distros) but no
// maintained pure-Go LZO codec is available anywhere in the dependency pack
// this module draws from; wiring a handler here would mean hand-rolling an
// LZO implementation, which is out of scope for a codec port (spec §4.1
// treats compressors as injected). The id is still recognized by
// Compression.String() and the superblock parser. Decompressing an
// LZO-compressed block fails with ErrUnsupportedCompressor. A Writer set to
// LZO does not fail: every compress call errors, so each metadata, data and
// fragment block is stored uncompressed.
func init() {
	RegisterCompHandler(LZO, &CompHandler{})
}
