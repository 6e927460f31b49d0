package compressor

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind は圧縮方式
type Kind string

const (
	// None は非圧縮
	None Kind = "none"
	// Zstd はzstd圧縮
	Zstd Kind = "zstd"
	// Lz4 はlz4圧縮
	Lz4 Kind = "lz4"
)

// ErrKind は圧縮方式の指定がおかしい場合のエラー
var ErrKind = errors.New("unsupported compressor kind")

// IsAKind は既知の方式かを返す
func (k Kind) IsAKind() bool {
	switch k {
	case None, Zstd, Lz4:
		return true
	}
	return false
}

// NewReader は圧縮されたトレース入力を透過的に読むReaderを返す
func NewReader(r io.Reader, kind Kind) (io.ReadCloser, error) {
	switch kind {
	case None:
		return io.NopCloser(r), nil
	case Zstd:
		return newZstdReader(r)
	case Lz4:
		return newLz4Reader(r), nil
	default:
		return nil, errors.Errorf("%q: %w", kind, ErrKind)
	}
}

// NewWriter は圧縮されたトレース出力を書くWriterを返す
// Closeで圧縮ストリームの終端が書かれるため、呼び出しは必須。
func NewWriter(w io.Writer, kind Kind) (io.WriteCloser, error) {
	switch kind {
	case None:
		return nopWriteCloser{w}, nil
	case Zstd:
		return newZstdWriter(w)
	case Lz4:
		return newLz4Writer(w), nil
	default:
		return nil, errors.Errorf("%q: %w", kind, ErrKind)
	}
}

// ByExtension はファイル名の拡張子から圧縮方式を推定する
func ByExtension(path string) Kind {
	switch {
	case strings.HasSuffix(path, ".zst"), strings.HasSuffix(path, ".zstd"):
		return Zstd
	case strings.HasSuffix(path, ".lz4"):
		return Lz4
	}
	return None
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
