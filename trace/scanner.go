package trace

import (
	"bufio"
	"io"

	"github.com/cockroachdb/errors"
)

// ErrEof はEofの場合のエラー
var ErrEof = errors.New("EOF")

// maxLineLen は1レコードの上限長
// 文法上は数フィールドの整数列なので十分に大きい値にしてある。
const maxLineLen = 1 << 16

// Scanner はトレースを1レコードずつ読む
type Scanner struct {
	scanner *bufio.Scanner
	line    int
}

// NewScanner はReaderからのスキャナーを初期化する
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineLen)
	return &Scanner{scanner: s}
}

// Next は次のレコードを返す
// 入力の終端で ErrEof を返す。空行は読み飛ばす。
// 文法に合わない行は行番号付きで ErrMalformed を包んだエラーを返し、
// スキャン自体は継続可能（次のNextで次の行へ進む）。
func (s *Scanner) Next() (*Record, error) {
	for {
		if ok := s.scanner.Scan(); !ok {
			if err := s.scanner.Err(); err != nil {
				return nil, errors.Errorf("trace scan error: %w", err)
			}
			return nil, ErrEof
		}
		s.line++

		text := s.scanner.Text()
		if len(text) == 0 {
			continue
		}

		rec, err := Parse(text)
		if err != nil {
			return nil, errors.Errorf("line %d: %w", s.line, err)
		}
		return rec, nil
	}
}

// Line は直近に読んだ行番号
func (s *Scanner) Line() int {
	return s.line
}

// Writer はトレースを1レコードずつ書く
type Writer struct {
	w *bufio.Writer
}

// NewWriter はWriterを初期化する
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write は1レコードを改行付きで書き込む
func (w *Writer) Write(rec *Record) error {
	if _, err := w.w.WriteString(rec.String()); err != nil {
		return errors.Errorf("trace write error: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return errors.Errorf("trace write error: %w", err)
	}
	return nil
}

// Flush はバッファを書き出す
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return errors.Errorf("trace flush error: %w", err)
	}
	return nil
}
