package report

import (
	"encoding/json"
	"os"

	"heaptrace/tracker"

	"github.com/cockroachdb/errors"
)

// Summary は1回の実行結果のまとめ
type Summary struct {
	RunID string        `json:"run_id"`
	Mode  string        `json:"mode"`
	Stats tracker.Stats `json:"stats"`
}

// Save はサマリーをjson形式にしてファイル出力
func Save(name string, s *Summary) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Errorf("failed to json marshal: %w", err)
	}
	if err := os.WriteFile(name, b, 0o644); err != nil {
		return errors.Errorf("failed to write file %q: %w", name, err)
	}
	return nil
}

// Load はファイルから読み込んだjsonをサマリーに変換
func Load(name string) (*Summary, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Errorf("failed to read file: %w", err)
	}
	s := &Summary{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, errors.Errorf("failed to json unmarshal: %w", err)
	}
	return s, nil
}
