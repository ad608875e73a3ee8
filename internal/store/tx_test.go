// ABOUTME: Transaction and dialect tests for the SQL store
// ABOUTME: Uses go-sqlmock to assert rollback, commit and Postgres placeholder rebinding

package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, d dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLStore(db, d), mock
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t, dialectSQLite)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tool_servers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE server_tools").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	srv := newTestServer("rollback")
	err := s.WithTx(context.Background(), func(tx Store) error {
		if err := tx.UpdateServer(context.Background(), srv); err != nil {
			return err
		}
		return tx.SetServerToolsAvailable(context.Background(), srv.ID, false)
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	s, mock := newMockStore(t, dialectSQLite)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE server_tools").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx Store) error {
		// Nested WithTx reuses the outer transaction
		return tx.WithTx(context.Background(), func(inner Store) error {
			return inner.SetServerToolsAvailable(context.Background(), "srv-1", true)
		})
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind_Postgres(t *testing.T) {
	s, mock := newMockStore(t, dialectPostgres)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM tool_usage WHERE created_at < $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.DeleteUsageOlderThan(context.Background(), newTestServer("x").CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "a = $1 AND b = $2", s.rebind("a = ? AND b = ?"))
}

func TestCreateServer_PostgresUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t, dialectPostgres)

	mock.ExpectExec("INSERT INTO tool_servers").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.CreateServer(context.Background(), newTestServer("dup"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
