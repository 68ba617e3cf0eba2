package governor

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLExecutorRead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("select id, email from users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow(int64(1), []byte("a@example.com")).
			AddRow(int64(2), []byte("b@example.com")))

	exec := NewSQLExecutor(db)
	res, err := exec.Read(context.Background(), "select id, email from users")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "email"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, int64(1), res.Rows[0]["id"])
	// Byte slices come back as strings.
	assert.Equal(t, "a@example.com", res.Rows[0]["email"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutorReadError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("select nope from users").
		WillReturnError(fmt.Errorf("column \"nope\" does not exist"))

	exec := NewSQLExecutor(db)
	_, err = exec.Read(context.Background(), "select nope from users")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestSQLExecutorWriteCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("update users set active").
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	exec := NewSQLExecutor(db)
	res, err := exec.Write(context.Background(), "update users set active = 0 where id = 1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.RowsAffected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutorWriteRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("delete from users").
		WillReturnError(fmt.Errorf("syntax error at or near \"FORM\""))
	mock.ExpectRollback()

	exec := NewSQLExecutor(db)
	_, err = exec.Write(context.Background(), "delete from users where id = 1")
	require.Error(t, err)
	// The raw driver error surfaces for the repair loop.
	assert.Contains(t, err.Error(), "syntax error")
	require.NoError(t, mock.ExpectationsWereMet())
}
