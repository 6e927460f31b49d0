package tracker

import (
	"io"

	"heaptrace/clock"
	"heaptrace/heap"
	"heaptrace/reach"
	"heaptrace/trace"

	"github.com/cockroachdb/errors"
)

// Offline は完成済みトレースを後処理するトラッカー
// 1パス目でWレコードから最終使用時刻の表を作り、2パス目でトレースを
// 再生しながら到達可能性解析を走らせる。最終使用が現在より先にある
// オブジェクトの死亡は次回以降の解析まで遅延される。
// 出力のDレコードは id thread time の3フィールド形式で、並べ替えは
// 後段のReordererが行う。
type Offline struct {
	interval     int64
	witnessAware bool
	finalDrain   bool

	stats Stats
}

// NewOffline はオフライントラッカーを初期化する
// interval <= 0 の場合はデフォルト間隔を使う。
func NewOffline(interval int64, witnessAware, finalDrain bool) *Offline {
	if interval <= 0 {
		interval = DefaultAnalysisInterval
	}
	return &Offline{interval: interval, witnessAware: witnessAware, finalDrain: finalDrain}
}

// Run は2パスの実行をまとめる
// openは入力を先頭から読み直すために2回呼ばれることがある。
func (o *Offline) Run(open func() (io.ReadCloser, error), out *trace.Writer) error {
	var witness reach.WitnessMap

	if o.witnessAware {
		in, err := open()
		if err != nil {
			return errors.Errorf("open trace for witness pass: %w", err)
		}
		witness, err = o.CollectWitnesses(in)
		closeErr := in.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return errors.Errorf("close trace after witness pass: %w", closeErr)
		}
	}

	in, err := open()
	if err != nil {
		return errors.Errorf("open trace for replay pass: %w", err)
	}
	defer in.Close()
	return o.Replay(in, out, witness)
}

// CollectWitnesses は1パス目
// 論理時計だけを追いながら、Wレコードの出現時刻を記録する。
func (o *Offline) CollectWitnesses(r io.Reader) (reach.WitnessMap, error) {
	witness := make(reach.WitnessMap)
	clk := clock.New()
	s := trace.NewScanner(r)

	for {
		rec, err := s.Next()
		if err != nil {
			if errors.Is(err, trace.ErrEof) {
				return witness, nil
			}
			if errors.Is(err, trace.ErrMalformed) {
				logger.Warnf("skipping record: %v", err)
				continue
			}
			return nil, err
		}
		if rec.Ticks() {
			clk.Tick()
		}
		if rec.Tag == trace.TagWitness {
			witness.Observe(rec.Obj, clk.Now())
		}
	}
}

// Replay は2パス目
// トレースを再生してオンラインと同じ状態遷移を適用し、メソッド脱出の
// タイミングで解析間隔が過ぎていれば到達可能性解析を走らせる。
// 入力レコードはそのまま出力へ通し、死亡レコードを挟み込む。
func (o *Offline) Replay(r io.Reader, out *trace.Writer, witness reach.WitnessMap) error {
	live := heap.NewLiveSet()
	graph := heap.NewObjectGraph()
	roots := heap.NewRootStacks()
	engine := reach.NewEngine(live, graph, roots)
	clk := clock.New()
	s := trace.NewScanner(r)

	var sinceAnalysis int64

	for {
		rec, err := s.Next()
		if err != nil {
			if errors.Is(err, trace.ErrEof) {
				break
			}
			if errors.Is(err, trace.ErrMalformed) {
				// オフラインの入力は信用しない。壊れた行は捨てて先へ進む
				logger.Warnf("skipping record: %v", err)
				continue
			}
			return err
		}
		o.stats.Records++
		sinceAnalysis++

		switch rec.Tag {
		case trace.TagAlloc, trace.TagArrayAlloc:
			info := heap.AllocInfo{
				Size: rec.Size, TypeID: rec.TypeID, SiteID: rec.SiteID,
				Length: rec.Length, Thread: rec.Thread, Time: clk.Now(),
			}
			if err := live.Insert(rec.Obj, info); err != nil {
				if !errors.Is(err, heap.ErrDuplicateAlloc) {
					return err
				}
				logger.Warnf("line %d: duplicate allocation of %d, overwriting", s.Line(), rec.Obj)
				live.Replace(rec.Obj, info)
			}
			o.stats.Allocs++

		case trace.TagMethodEntry:
			clk.Tick()
			roots.Push(rec.Thread, rec.Receiver)

		case trace.TagMethodExit, trace.TagExceptionExit:
			clk.Tick()
			roots.Pop(rec.Thread)

		case trace.TagPutField:
			graph.WriteField(rec.Target, rec.Field, rec.Source)

		case trace.TagWitness:
			// 状態には関与しない。後段の検証が使うので出力へは通す

		case trace.TagDeath:
			// プロデューサーのトレースに死亡は含まれない想定
			logger.Warnf("line %d: unexpected death record in input, dropping", s.Line())
			continue
		}

		if err := out.Write(rec); err != nil {
			return err
		}

		if (rec.Tag == trace.TagMethodExit || rec.Tag == trace.TagExceptionExit) &&
			sinceAnalysis >= o.interval {
			sinceAnalysis = 0
			deaths := engine.Run(clk.Now(), witness)
			o.stats.Analyses++
			if err := o.emit(out, deaths); err != nil {
				return err
			}
		}
	}

	if o.finalDrain {
		roots.Clear()
		graph.ClearStatics()
		deaths := engine.Drain(clk.Now())
		o.stats.Analyses++
		if err := o.emit(out, deaths); err != nil {
			return err
		}
	}
	return out.Flush()
}

// emit は死亡バッチを明示的な論理時刻付きで書き込む
func (o *Offline) emit(out *trace.Writer, deaths []reach.Death) error {
	for _, d := range deaths {
		rec := &trace.Record{
			Tag: trace.TagDeath, Obj: d.Obj, Thread: d.Thread,
			Time: d.Time, HasTime: true,
		}
		if err := out.Write(rec); err != nil {
			return err
		}
	}
	o.stats.Deaths += int64(len(deaths))
	return nil
}

// Stats は集計を返す
func (o *Offline) Stats() Stats {
	return o.stats
}
