package config

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// モード定数
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
)

// ErrMode はモード指定がおかしい場合のエラー
var ErrMode = errors.New("mode must be online or offline")

// ErrInterval は解析間隔がおかしい場合のエラー
var ErrInterval = errors.New("analysis_interval must be positive")

// Config はトラッカーの動作設定
type Config struct {
	Mode             string `mapstructure:"mode"`
	AnalysisInterval int64  `mapstructure:"analysis_interval"`
	WitnessAware     bool   `mapstructure:"witness_aware"`
	FinalDrain       bool   `mapstructure:"final_drain"`
	Compressor       string `mapstructure:"compressor"`

	DeathStream DeathStream `mapstructure:"death_stream"`
}

// DeathStream は死亡バッチの外部送信先の設定
// Addrが空の場合は無効。
type DeathStream struct {
	Addr   string `mapstructure:"addr"`
	Stream string `mapstructure:"stream"`
}

// Read は環境変数とYAMLファイルとコマンドラインフラグからコンフィグを取得
// 優先度はフラグ > 環境変数 > ファイル > デフォルト。
// pathが空の場合、ファイルは読まない。
func Read(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("mode", ModeOffline)
	v.SetDefault("analysis_interval", 500)
	v.SetDefault("witness_aware", true)
	v.SetDefault("final_drain", true)
	v.SetDefault("compressor", "none")
	v.SetDefault("death_stream.addr", "")
	v.SetDefault("death_stream.stream", "heaptrace:deaths")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Errorf("read cfg error: %w", err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Errorf("bind flags error: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Errorf("parse cfg error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合を検査する
func (c *Config) Validate() error {
	if c.Mode != ModeOnline && c.Mode != ModeOffline {
		return errors.Errorf("%q: %w", c.Mode, ErrMode)
	}
	if c.AnalysisInterval <= 0 {
		return errors.Errorf("%d: %w", c.AnalysisInterval, ErrInterval)
	}
	return nil
}
