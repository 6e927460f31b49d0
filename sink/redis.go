package sink

import (
	"context"
	"time"

	"heaptrace/reach"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "heaptrace",
		"component": "sink",
	})
)

// DefaultStream はデフォルトのストリーム名
const DefaultStream = "heaptrace:deaths"

// publishMaxRetries は一時障害時の再送上限
const publishMaxRetries = 3

// RedisSink は死亡バッチをRedisストリームへXADDで流す
type RedisSink struct {
	client *redis.Client
	stream string
	ctx    context.Context
}

// NewRedisSink はRedisへの接続を確認してシンクを初期化する
func NewRedisSink(ctx context.Context, addr, stream string) (*RedisSink, error) {
	if stream == "" {
		stream = DefaultStream
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  10 * time.Second, // Redisサーバーへの新規接続時のタイムアウト
		ReadTimeout:  30 * time.Second, // Redisサーバーからレスポンスを読み取る時のタイムアウト
		WriteTimeout: 30 * time.Second, // Redisサーバーにコマンドを書き込む時のタイムアウト
		PoolSize:     10,
	})

	// 接続テスト
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisSink{client: client, stream: stream, ctx: ctx}, nil
}

// Publish は死亡バッチを1件ずつストリームへ追加する
// 一時的な失敗は指数バックオフで再送する。
func (s *RedisSink) Publish(deaths []reach.Death) error {
	op := func() error {
		pipe := s.client.Pipeline()
		for _, d := range deaths {
			pipe.XAdd(s.ctx, &redis.XAddArgs{
				Stream: s.stream,
				Values: map[string]interface{}{
					"obj":    d.Obj,
					"thread": d.Thread,
					"time":   d.Time,
				},
			})
		}
		_, err := pipe.Exec(s.ctx)
		return err
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), publishMaxRetries)
	if err := backoff.Retry(op, backoff.WithContext(b, s.ctx)); err != nil {
		return errors.Errorf("xadd to %s: %w", s.stream, err)
	}
	logger.Debugf("published %d deaths to %s", len(deaths), s.stream)
	return nil
}

// Close はクライアントのクローズ処理
func (s *RedisSink) Close() error {
	return s.client.Close()
}
