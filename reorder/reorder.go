package reorder

import (
	"io"
	"sort"

	"heaptrace/trace"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "heaptrace",
		"component": "reorder",
	})
)

// ErrWitnessViolation は死亡時刻が割当てや最終使用より前にある場合のエラー
// 死亡追跡の最重要不変条件の破れなので、握り潰さずに致命扱いとする。
var ErrWitnessViolation = errors.New("witness violation")

// ErrUntimedDeath は論理時刻を持たないDレコードが入力にある場合のエラー
// 並べ替えは明示的な時刻に依存するため位置を決められない。
var ErrUntimedDeath = errors.New("death record without logical time")

// Run はトレースの死亡レコードを論理時刻順の位置へ並べ替える
// 入力は解析点にまとまって現れる D id thread time を含むトレース。
// 出力では各Dが、時計をその時刻まで進めたM/E/Xの直後かつ次の境界
// レコードの前に置かれる。同時刻のDは入力での相対順を保つ。
func Run(r io.Reader, out *trace.Writer) error {
	events, deaths, err := split(r)
	if err != nil {
		return err
	}
	deaths, err = validate(events, deaths)
	if err != nil {
		return err
	}

	// 時刻ごとの死亡バケット。同一時刻内は入力順のまま
	buckets := make(map[int64][]*trace.Record)
	for _, d := range deaths {
		buckets[d.Time] = append(buckets[d.Time], d)
	}

	flush := func(t int64) error {
		for _, d := range buckets[t] {
			if err := out.Write(d); err != nil {
				return err
			}
		}
		delete(buckets, t)
		return nil
	}

	// 時刻0のDはどの境界も生み出さないので先頭で出す
	var now int64
	if err := flush(0); err != nil {
		return err
	}
	for _, rec := range events {
		if err := out.Write(rec); err != nil {
			return err
		}
		if rec.Ticks() {
			now++
			if err := flush(now); err != nil {
				return err
			}
		}
	}

	// 観測した最大時刻より先の死亡は末尾へ。時刻順、同時刻は入力順
	rest := make([]int64, 0, len(buckets))
	for t := range buckets {
		rest = append(rest, t)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	for _, t := range rest {
		for _, d := range buckets[t] {
			if err := out.Write(d); err != nil {
				return err
			}
		}
	}
	return out.Flush()
}

// split は入力を死亡レコードとそれ以外に分ける
func split(r io.Reader) (events, deaths []*trace.Record, err error) {
	s := trace.NewScanner(r)
	for {
		rec, err := s.Next()
		if err != nil {
			if errors.Is(err, trace.ErrEof) {
				return events, deaths, nil
			}
			if errors.Is(err, trace.ErrMalformed) {
				logger.Warnf("skipping record: %v", err)
				continue
			}
			return nil, nil, err
		}
		if rec.Tag == trace.TagDeath {
			if !rec.HasTime {
				return nil, nil, errors.Errorf("line %d: %q: %w", s.Line(), rec.String(), ErrUntimedDeath)
			}
			deaths = append(deaths, rec)
			continue
		}
		events = append(events, rec)
	}
}

// validate は死亡レコードの時刻整合を検査する
// 割当てより前の死亡、最終使用より前の死亡はどちらも致命。
// 割当てが見つからないidの死亡は警告して捨て、残りを返す。
func validate(events []*trace.Record, deaths []*trace.Record) ([]*trace.Record, error) {
	allocTime := make(map[int64]int64)
	witnessLast := make(map[int64]int64)

	var now int64
	for _, rec := range events {
		if rec.Ticks() {
			now++
			continue
		}
		switch rec.Tag {
		case trace.TagAlloc, trace.TagArrayAlloc:
			allocTime[rec.Obj] = now
		case trace.TagWitness:
			if now > witnessLast[rec.Obj] {
				witnessLast[rec.Obj] = now
			}
		}
	}

	kept := deaths[:0]
	for _, d := range deaths {
		at, ok := allocTime[d.Obj]
		if !ok {
			logger.Warnf("death of unallocated object %d, dropping", d.Obj)
			continue
		}
		if d.Time < at {
			return nil, errors.Errorf("%q: death at %d precedes allocation at %d: %w",
				d.String(), d.Time, at, ErrWitnessViolation)
		}
		if last, ok := witnessLast[d.Obj]; ok && d.Time < last {
			return nil, errors.Errorf("%q: death at %d precedes last use at %d: %w",
				d.String(), d.Time, last, ErrWitnessViolation)
		}
		kept = append(kept, d)
	}
	return kept, nil
}
