package trace

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Tag はトレースレコード種別
type Tag byte

const (
	// TagAlloc はスカラーオブジェクトの割当て
	TagAlloc Tag = 'N'
	// TagArrayAlloc は配列の割当て
	TagArrayAlloc Tag = 'A'
	// TagMethodEntry はメソッド進入。論理時計を進める
	TagMethodEntry Tag = 'M'
	// TagMethodExit はメソッド脱出。論理時計を進める
	TagMethodExit Tag = 'E'
	// TagExceptionExit は例外によるメソッド脱出。論理時計を進める
	TagExceptionExit Tag = 'X'
	// TagPutField はフィールドへの参照書き込み。参照先id=0は静的フィールド
	TagPutField Tag = 'U'
	// TagWitness は最終使用の目撃（オフライン入力のみ）
	TagWitness Tag = 'W'
	// TagDeath はオブジェクトの死亡
	TagDeath Tag = 'D'
)

// ErrMalformed は文法に合わない行のエラー
var ErrMalformed = errors.New("malformed trace record")

// Record はトレース1行分
// タグごとに使うフィールドが異なる。未使用フィールドは0のまま。
type Record struct {
	Tag Tag

	// N / A / W / D
	Obj    int64
	Size   int64
	TypeID int64
	SiteID int64
	Length int64

	// M / E / X
	Method   int64
	Receiver int64

	// U
	Target int64
	Source int64
	Field  int64

	Thread int64

	// D（オフライン形式のみ）
	Time    int64
	HasTime bool
}

// Ticks はこのレコードが論理時計を進めるかを返す
func (r *Record) Ticks() bool {
	switch r.Tag {
	case TagMethodEntry, TagMethodExit, TagExceptionExit:
		return true
	}
	return false
}

// Parse は1行をレコードに変換する
// 文法に合わない行は ErrMalformed を包んだエラーを返す。
func Parse(line string) (*Record, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.Errorf("empty line: %w", ErrMalformed)
	}
	if len(fields[0]) != 1 {
		return nil, errors.Errorf("bad tag %q: %w", fields[0], ErrMalformed)
	}

	args, err := parseArgs(fields[1:])
	if err != nil {
		return nil, errors.Errorf("line %q: %w", line, err)
	}

	rec := &Record{Tag: Tag(fields[0][0])}
	switch rec.Tag {
	case TagAlloc, TagArrayAlloc:
		if len(args) != 6 {
			return nil, errors.Errorf("alloc wants 6 fields, got %d: %w", len(args), ErrMalformed)
		}
		rec.Obj, rec.Size, rec.TypeID, rec.SiteID, rec.Length, rec.Thread =
			args[0], args[1], args[2], args[3], args[4], args[5]
		if rec.Obj == 0 {
			// id 0 は静的ルートの番兵で、実オブジェクトには使えない
			return nil, errors.Errorf("alloc of reserved id 0: %w", ErrMalformed)
		}
	case TagMethodEntry:
		if len(args) != 3 {
			return nil, errors.Errorf("method entry wants 3 fields, got %d: %w", len(args), ErrMalformed)
		}
		rec.Method, rec.Receiver, rec.Thread = args[0], args[1], args[2]
	case TagMethodExit, TagExceptionExit:
		if len(args) != 2 {
			return nil, errors.Errorf("method exit wants 2 fields, got %d: %w", len(args), ErrMalformed)
		}
		rec.Method, rec.Thread = args[0], args[1]
	case TagPutField:
		if len(args) != 4 {
			return nil, errors.Errorf("put field wants 4 fields, got %d: %w", len(args), ErrMalformed)
		}
		rec.Target, rec.Source, rec.Field, rec.Thread = args[0], args[1], args[2], args[3]
	case TagWitness:
		if len(args) != 2 {
			return nil, errors.Errorf("witness wants 2 fields, got %d: %w", len(args), ErrMalformed)
		}
		rec.Obj, rec.Thread = args[0], args[1]
	case TagDeath:
		switch len(args) {
		case 2:
			rec.Obj, rec.Thread = args[0], args[1]
		case 3:
			rec.Obj, rec.Thread, rec.Time = args[0], args[1], args[2]
			rec.HasTime = true
		default:
			return nil, errors.Errorf("death wants 2 or 3 fields, got %d: %w", len(args), ErrMalformed)
		}
	default:
		return nil, errors.Errorf("unknown tag %q: %w", string(rec.Tag), ErrMalformed)
	}
	return rec, nil
}

// parseArgs は数値フィールド列を読む
func parseArgs(fields []string) ([]int64, error) {
	out := make([]int64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, errors.Errorf("field %q: %w", f, ErrMalformed)
		}
		out[i] = v
	}
	return out, nil
}

// String はレコードを1行の文法表現へ戻す
func (r *Record) String() string {
	var args []int64
	switch r.Tag {
	case TagAlloc, TagArrayAlloc:
		args = []int64{r.Obj, r.Size, r.TypeID, r.SiteID, r.Length, r.Thread}
	case TagMethodEntry:
		args = []int64{r.Method, r.Receiver, r.Thread}
	case TagMethodExit, TagExceptionExit:
		args = []int64{r.Method, r.Thread}
	case TagPutField:
		args = []int64{r.Target, r.Source, r.Field, r.Thread}
	case TagWitness:
		args = []int64{r.Obj, r.Thread}
	case TagDeath:
		if r.HasTime {
			args = []int64{r.Obj, r.Thread, r.Time}
		} else {
			args = []int64{r.Obj, r.Thread}
		}
	}

	sb := strings.Builder{}
	sb.WriteByte(byte(r.Tag))
	for _, a := range args {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatInt(a, 10))
	}
	return sb.String()
}
