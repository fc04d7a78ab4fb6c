package squashfs

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

func gzipCompress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w := gzip.NewWriter(&out)
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func init() {
	RegisterCompHandler(GZip, &CompHandler{
		Decompress: MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		}),
		Compress: gzipCompress,
	})
}
