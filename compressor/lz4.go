package compressor

import (
	"io"

	"github.com/pierrec/lz4"
)

// newLz4Reader はlz4ストリームの解凍Reader
func newLz4Reader(r io.Reader) io.ReadCloser {
	return io.NopCloser(lz4.NewReader(r))
}

// newLz4Writer はlz4ストリームの圧縮Writer
func newLz4Writer(w io.Writer) io.WriteCloser {
	return lz4.NewWriter(w)
}
