package sink

import (
	"heaptrace/reach"
)

// DeathSink は死亡バッチの副次出力先
// トレース本体とは独立した監視用の出力で、失敗しても追跡自体は継続する。
type DeathSink interface {
	Publish(deaths []reach.Death) error
	Close() error
}
