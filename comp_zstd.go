package squashfs

import "github.com/klauspost/compress/zstd"

func zstdCompress(buf []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(buf, make([]byte, 0, len(buf))), nil
}

func zstdDecompress(buf []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(buf, nil)
}

func init() {
	RegisterCompHandler(ZSTD, &CompHandler{
		Decompress: zstdDecompress,
		Compress:   zstdCompress,
	})
}
