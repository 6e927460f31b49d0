package tracker

import (
	"sync"

	"heaptrace/clock"
	"heaptrace/heap"
	"heaptrace/reach"
	"heaptrace/sink"
	"heaptrace/trace"

	"github.com/cockroachdb/errors"
)

// Online は計測対象プロセス内で動くトラッカー
// 任意のスレッドから並行にコールバックが届くため、共有状態は単一のミューテックスで守る。
// コールバック頻度が元々スループットの上限であり、解析はグラフ全体の
// 一貫したスナップショットを必要とするので、粗いロックで足りる。
// 死亡レコードは解析を起動した脱出レコードの直後、次のコールバック処理より前に書かれる。
type Online struct {
	mu sync.Mutex

	clock  *clock.Clock
	live   *heap.LiveSet
	graph  *heap.ObjectGraph
	roots  *heap.RootStacks
	engine *reach.Engine

	out  *trace.Writer
	sink sink.DeathSink

	interval      int64
	sinceAnalysis int64
	finalDrain    bool

	stats Stats
}

// OnlineOption はOnlineの追加設定
type OnlineOption func(*Online)

// WithDeathSink は死亡バッチの外部送信先を設定する
func WithDeathSink(s sink.DeathSink) OnlineOption {
	return func(o *Online) { o.sink = s }
}

// NewOnline はオンライントラッカーを初期化する
// interval <= 0 の場合はデフォルト間隔を使う。
func NewOnline(out *trace.Writer, interval int64, finalDrain bool, opts ...OnlineOption) *Online {
	if interval <= 0 {
		interval = DefaultAnalysisInterval
	}
	live := heap.NewLiveSet()
	graph := heap.NewObjectGraph()
	roots := heap.NewRootStacks()

	o := &Online{
		clock:      clock.New(),
		live:       live,
		graph:      graph,
		roots:      roots,
		engine:     reach.NewEngine(live, graph, roots),
		out:        out,
		interval:   interval,
		finalDrain: finalDrain,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnAlloc はオブジェクト割当てのコールバック
// length > 0 は配列割当てとして記録する。
func (o *Online) OnAlloc(id, size, typeID, siteID, length, thread int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.count()

	info := heap.AllocInfo{
		Size: size, TypeID: typeID, SiteID: siteID,
		Length: length, Thread: thread, Time: o.clock.Now(),
	}
	if err := o.live.Insert(id, info); err != nil {
		if !errors.Is(err, heap.ErrDuplicateAlloc) {
			return err
		}
		// プロデューサー側の不整合。直せないので上書きで受け入れる
		logger.Warnf("duplicate allocation of %d, overwriting", id)
		o.live.Replace(id, info)
	}
	o.stats.Allocs++

	tag := trace.TagAlloc
	if length > 0 {
		tag = trace.TagArrayAlloc
	}
	return o.out.Write(&trace.Record{
		Tag: tag, Obj: id, Size: size, TypeID: typeID,
		SiteID: siteID, Length: length, Thread: thread,
	})
}

// OnMethodEntry はメソッド進入のコールバック
func (o *Online) OnMethodEntry(method, receiver, thread int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.count()

	o.clock.Tick()
	o.roots.Push(thread, receiver)
	return o.out.Write(&trace.Record{
		Tag: trace.TagMethodEntry, Method: method, Receiver: receiver, Thread: thread,
	})
}

// OnMethodExit はメソッド脱出のコールバック
// 解析間隔を超えていれば、脱出レコードの直後に到達可能性解析を走らせる。
func (o *Online) OnMethodExit(method, thread int64) error {
	return o.exit(trace.TagMethodExit, method, thread)
}

// OnExceptionExit は例外によるメソッド脱出のコールバック
// 時計を1回進めてフレームを高々1つ降ろす。複数フレームを巻き戻す
// プロデューサーはフレーム毎に1回呼ぶ必要がある。
func (o *Online) OnExceptionExit(method, thread int64) error {
	return o.exit(trace.TagExceptionExit, method, thread)
}

func (o *Online) exit(tag trace.Tag, method, thread int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.count()

	o.clock.Tick()
	o.roots.Pop(thread)
	if err := o.out.Write(&trace.Record{Tag: tag, Method: method, Thread: thread}); err != nil {
		return err
	}

	if o.sinceAnalysis < o.interval {
		return nil
	}
	o.sinceAnalysis = 0

	deaths := o.engine.Run(o.clock.Now(), nil)
	o.stats.Analyses++
	return o.emit(deaths)
}

// OnPutField はフィールド書き込みのコールバック
// target == 0 は静的フィールドへの書き込み。
func (o *Online) OnPutField(target, source, field, thread int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.count()

	o.graph.WriteField(target, field, source)
	return o.out.Write(&trace.Record{
		Tag: trace.TagPutField, Target: target, Source: source, Field: field, Thread: thread,
	})
}

// Shutdown は終端解析を実行し、出力を書き切る
func (o *Online) Shutdown() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.finalDrain {
		o.roots.Clear()
		o.graph.ClearStatics()
		deaths := o.engine.Drain(o.clock.Now())
		o.stats.Analyses++
		if err := o.emit(deaths); err != nil {
			return err
		}
	}
	return o.out.Flush()
}

// emit は死亡バッチをトレースへ書き込み、設定があれば外部へも送る
// オンライン形式のDは id thread のみで、論理時刻は位置から暗黙に決まる。
func (o *Online) emit(deaths []reach.Death) error {
	for _, d := range deaths {
		if err := o.out.Write(&trace.Record{Tag: trace.TagDeath, Obj: d.Obj, Thread: d.Thread}); err != nil {
			return err
		}
	}
	o.stats.Deaths += int64(len(deaths))

	if o.sink != nil && len(deaths) > 0 {
		if err := o.sink.Publish(deaths); err != nil {
			// 監視用の副次出力なのでトレース本体は止めない
			logger.Warnf("death sink publish failed: %v", err)
		}
	}
	return nil
}

// Stats は集計を返す
func (o *Online) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Online) count() {
	o.stats.Records++
	o.sinceAnalysis++
}
