package oracle

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// ErrRowsRequired は挿入対象が空の場合のエラー
var ErrRowsRequired = errors.New("insert requires rows")

// Table はオラクルの格納先テーブル名
const Table = "lifetimes"

// insertBatch は1回のINSERTにまとめる行数
const insertBatch = 500

// Store は寿命オラクルのMySQL格納
type Store struct {
	db *sqlx.DB
}

// NewStore はDSNからストアを初期化する
func NewStore(dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true

	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, errors.Errorf("open mysql: %w", err)
	}

	// プール設定は任意（推奨）
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &Store{db: db}, nil
}

// NewStoreWithDB はテスト用に既存のDBから初期化する
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Insert はオラクル行をバッチでINSERTし、挿入件数を返す
func (s *Store) Insert(ctx context.Context, rows []Row) (int64, error) {
	if len(rows) == 0 {
		return 0, ErrRowsRequired
	}

	var total int64
	for start := 0; start < len(rows); start += insertBatch {
		end := start + insertBatch
		if end > len(rows) {
			end = len(rows)
		}
		n, err := s.insert(ctx, rows[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// insert は1バッチ分のINSERTクエリを構築して実行する
func (s *Store) insert(ctx context.Context, rows []Row) (int64, error) {
	valStrs := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*6)
	for _, row := range rows {
		valStrs = append(valStrs, "(?, ?, ?, ?, ?, ?)")
		args = append(args, row.Obj, row.AllocTime, row.DeathTime, row.Size, row.Site, row.Thread)
	}

	sb := strings.Builder{}
	sb.WriteString("INSERT INTO ")
	sb.WriteString(Table)
	sb.WriteString(" (obj, alloc_time, death_time, size, site, thread) VALUES ")
	sb.WriteString(strings.Join(valStrs, ", "))

	q := s.db.Rebind(sb.String())
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errors.Errorf("insert lifetimes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Close はDBのクローズ処理
func (s *Store) Close() error {
	return s.db.Close()
}
