package oracle

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	db := sqlx.NewDb(rawDB, "mysql")

	cleanup := func() {
		_ = db.Close()
	}
	return db, mock, cleanup
}

func TestStore_Insert(t *testing.T) {
	ctx := context.Background()

	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	rows := []Row{
		{Obj: 100, AllocTime: 1, DeathTime: 2, Size: 8, Site: 7, Thread: 1},
		{Obj: 200, AllocTime: 1, DeathTime: 3, Size: 64, Site: 9, Thread: 2},
	}
	expectedSQL := "INSERT INTO lifetimes (obj, alloc_time, death_time, size, site, thread) VALUES (?, ?, ?, ?, ?, ?), (?, ?, ?, ?, ?, ?)"

	mock.ExpectExec(regexp.QuoteMeta(expectedSQL)).
		WithArgs(
			int64(100), int64(1), int64(2), int64(8), int64(7), int64(1),
			int64(200), int64(1), int64(3), int64(64), int64(9), int64(2),
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := NewStoreWithDB(db).Insert(ctx, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertEmpty(t *testing.T) {
	db, _, cleanup := newMockDB(t)
	defer cleanup()

	_, err := NewStoreWithDB(db).Insert(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRowsRequired)
}
