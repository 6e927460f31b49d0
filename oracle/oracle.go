package oracle

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"heaptrace/trace"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "heaptrace",
		"component": "oracle",
	})
)

// Row はオブジェクト1つ分の寿命オラクル
type Row struct {
	Obj       int64 `db:"obj"`
	AllocTime int64 `db:"alloc_time"`
	DeathTime int64 `db:"death_time"`
	Size      int64 `db:"size"`
	Site      int64 `db:"site"`
	Thread    int64 `db:"thread"`
}

// Build は死亡入りトレースから寿命オラクルを組み立てる
// 割当て(N/A)と死亡(D)をidで突き合わせる。死亡のないオブジェクト
// （final_drain無効の実行など）は死亡時刻-1で残す。
func Build(r io.Reader) ([]Row, error) {
	rows := make(map[int64]*Row)

	s := trace.NewScanner(r)
	var now int64
	for {
		rec, err := s.Next()
		if err != nil {
			if errors.Is(err, trace.ErrEof) {
				break
			}
			if errors.Is(err, trace.ErrMalformed) {
				logger.Warnf("skipping record: %v", err)
				continue
			}
			return nil, err
		}
		if rec.Ticks() {
			now++
			continue
		}
		switch rec.Tag {
		case trace.TagAlloc, trace.TagArrayAlloc:
			rows[rec.Obj] = &Row{
				Obj: rec.Obj, AllocTime: now, DeathTime: -1,
				Size: rec.Size, Site: rec.SiteID, Thread: rec.Thread,
			}
		case trace.TagDeath:
			row, ok := rows[rec.Obj]
			if !ok {
				logger.Warnf("death of unallocated object %d, dropping", rec.Obj)
				continue
			}
			if rec.HasTime {
				row.DeathTime = rec.Time
			} else {
				// オンライン形式は位置が時刻
				row.DeathTime = now
			}
		}
	}

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Obj < out[j].Obj })
	return out, nil
}

// WriteCSV はオラクルをCSVで書き出す
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "alloc_time", "death_time", "size", "site", "thread"}); err != nil {
		return errors.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		rec := []string{
			strconv.FormatInt(row.Obj, 10),
			strconv.FormatInt(row.AllocTime, 10),
			strconv.FormatInt(row.DeathTime, 10),
			strconv.FormatInt(row.Size, 10),
			strconv.FormatInt(row.Site, 10),
			strconv.FormatInt(row.Thread, 10),
		}
		if err := cw.Write(rec); err != nil {
			return errors.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Errorf("flush csv: %w", err)
	}
	return nil
}
