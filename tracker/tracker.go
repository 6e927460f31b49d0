package tracker

import (
	"github.com/sirupsen/logrus"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "heaptrace",
		"component": "tracker",
	})
)

// DefaultAnalysisInterval は解析間隔のデフォルト（処理イベント数）
const DefaultAnalysisInterval = 500

// Stats は1回の実行で処理した量の集計
type Stats struct {
	Records  int64 `json:"records"`
	Allocs   int64 `json:"allocs"`
	Deaths   int64 `json:"deaths"`
	Analyses int64 `json:"analyses"`
}
