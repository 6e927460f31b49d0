package compressor

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// newZstdReader はzstdストリームの解凍Reader
func newZstdReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.Errorf("zstd decoder create error: %w", err)
	}
	return dec.IOReadCloser(), nil
}

// newZstdWriter はzstdストリームの圧縮Writer
func newZstdWriter(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, errors.Errorf("zstd encoder create error: %w", err)
	}
	return enc, nil
}
