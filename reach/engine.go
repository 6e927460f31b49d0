package reach

import (
	"heaptrace/heap"
)

// Death は到達不能と判定されたオブジェクトの死亡イベント
type Death struct {
	Obj    int64
	Thread int64 // 割当てスレッド
	Time   int64 // 判定時点の論理時刻
}

// Engine はルート集合からの到達可能性解析
// スタックルートと静的ルートを種としてObjectGraphを幅優先で辿り、
// 到達しなかった生存オブジェクトを死亡として取り除く。
// 呼び出し側が共有状態への排他を確保している前提で動く。
type Engine struct {
	Live  *heap.LiveSet
	Graph *heap.ObjectGraph
	Roots *heap.RootStacks
}

// NewEngine コンストラクタ
func NewEngine(live *heap.LiveSet, graph *heap.ObjectGraph, roots *heap.RootStacks) *Engine {
	return &Engine{Live: live, Graph: graph, Roots: roots}
}

// Run は到達可能性解析を1回実行し、死亡イベントを返す
// witnessが非nilの場合、最終使用時刻がnowより先のオブジェクトは取り除かずに残す。
// トレースにそのidへの未来のアクセスが残っており、ここで死亡を出すと
// 「死亡後の使用」が生まれてしまうため。
// 死亡イベントの並びはLiveSetのスナップショット順（id昇順）で決定的。
func (e *Engine) Run(now int64, witness WitnessMap) []Death {
	reachable := e.traverse(e.seeds())
	return e.collect(now, witness, reachable)
}

// Drain は終端解析
// ルートを空とみなして全ての生存オブジェクトを死亡として取り除く。
// 終端の論理時刻は全てのwitness時刻の上界なので、witnessの抑止は掛けない。
func (e *Engine) Drain(now int64) []Death {
	return e.collect(now, nil, map[int64]struct{}{})
}

// seeds はルート集合（スタックルート∪静的ルート）を返す
func (e *Engine) seeds() []int64 {
	roots := e.Roots.Roots()
	return append(roots, e.Graph.StaticRoots()...)
}

// traverse は種からの幅優先探索で到達集合を作る
// LiveSetに存在しないidへの辺は何も生かさない（そのidから先は辿らない）。
func (e *Engine) traverse(seeds []int64) map[int64]struct{} {
	reachable := make(map[int64]struct{}, len(seeds))
	queue := make([]int64, 0, len(seeds))

	for _, id := range seeds {
		if id == 0 {
			continue
		}
		if _, ok := reachable[id]; ok {
			continue
		}
		reachable[id] = struct{}{}
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if !e.Live.Contains(id) {
			continue
		}
		for _, tgt := range e.Graph.Neighbors(id) {
			if _, ok := reachable[tgt]; ok {
				continue
			}
			reachable[tgt] = struct{}{}
			queue = append(queue, tgt)
		}
	}
	return reachable
}

// collect は到達しなかった生存オブジェクトを死亡として取り除く
func (e *Engine) collect(now int64, witness WitnessMap, reachable map[int64]struct{}) []Death {
	var deaths []Death
	for _, id := range e.Live.Snapshot() {
		if _, ok := reachable[id]; ok {
			continue
		}
		if witness != nil {
			if last, ok := witness.Last(id); ok && last > now {
				continue
			}
		}
		info, err := e.Live.Remove(id)
		if err != nil {
			// Snapshot直後なので起こらないが、壊れた状態でも解析は止めない
			continue
		}
		e.Graph.Forget(id)
		deaths = append(deaths, Death{Obj: id, Thread: info.Thread, Time: now})
	}
	return deaths
}
