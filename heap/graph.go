package heap

import "sort"

// ObjectGraph は生存オブジェクト間の強参照グラフ
// 参照元オブジェクトごとにフィールドスロット単位で参照先を1つ持つ。
// 同一スロットへの書き込みは以前の辺を必ず消す（残すとオブジェクトを永久に固定してしまう）。
// クラス静的フィールドへの書き込み（参照元id=0）はフィールドid単位のスロットとして別管理する。
type ObjectGraph struct {
	edges   map[int64]map[int64]int64
	statics map[int64]int64
}

// NewObjectGraph コンストラクタ
func NewObjectGraph() *ObjectGraph {
	return &ObjectGraph{
		edges:   make(map[int64]map[int64]int64),
		statics: make(map[int64]int64),
	}
}

// WriteField は参照の書き込みを反映する
// src == 0 は静的フィールドへの書き込み。tgt == 0 はスロットのクリア。
func (g *ObjectGraph) WriteField(src, slot, tgt int64) {
	if src == 0 {
		if tgt == 0 {
			delete(g.statics, slot)
			return
		}
		g.statics[slot] = tgt
		return
	}

	if tgt == 0 {
		if slots, ok := g.edges[src]; ok {
			delete(slots, slot)
			if len(slots) == 0 {
				delete(g.edges, src)
			}
		}
		return
	}

	slots, ok := g.edges[src]
	if !ok {
		slots = make(map[int64]int64)
		g.edges[src] = slots
	}
	slots[slot] = tgt
}

// Neighbors はsrcの現時点の参照先一覧を返す（0は含まない）
func (g *ObjectGraph) Neighbors(src int64) []int64 {
	slots, ok := g.edges[src]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(slots))
	for _, tgt := range slots {
		if tgt != 0 {
			out = append(out, tgt)
		}
	}
	return out
}

// Forget は死亡したidを参照元として取り除く
// 参照先側の掃除は行わない。死亡した参照先はLiveSetから消えているため、
// 残った辺は次回以降の解析で何も生かさない。
func (g *ObjectGraph) Forget(id int64) {
	delete(g.edges, id)
}

// StaticRoots は静的フィールドが現在指しているオブジェクト一覧を昇順で返す
func (g *ObjectGraph) StaticRoots() []int64 {
	out := make([]int64, 0, len(g.statics))
	for _, tgt := range g.statics {
		if tgt != 0 {
			out = append(out, tgt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClearStatics は静的ルートを全て取り除く（終端解析用）
func (g *ObjectGraph) ClearStatics() {
	g.statics = make(map[int64]int64)
}

// EdgeCount は辺の総数
func (g *ObjectGraph) EdgeCount() int {
	n := 0
	for _, slots := range g.edges {
		n += len(slots)
	}
	return n
}
