package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ezwatch/internal/gate"
)

func newMockPostgres(t *testing.T) (*postgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newPostgresStore(db), mock
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT $1, $2", rebindDollar("SELECT ?, ?"))
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))
}

func TestPostgresCommitSingleTransaction(t *testing.T) {
	s, mock := newMockPostgres(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	upsert := regexp.QuoteMeta(`INSERT INTO gate_state (key, last_sent_at) VALUES ($1, $2)`)

	mock.ExpectBegin()
	mock.ExpectExec(upsert).WithArgs("dedupe:z:c:intrusion", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsert).WithArgs("suppress:z:c", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Commit(context.Background(), at, "dedupe:z:c:intrusion", "suppress:z:c"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitRollsBack(t *testing.T) {
	s, mock := newMockPostgres(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gate_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO gate_state").WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	err := s.Commit(context.Background(), at, "a", "b")
	assert.ErrorIs(t, err, gate.ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLast(t *testing.T) {
	s, mock := newMockPostgres(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	q := regexp.QuoteMeta(`SELECT last_sent_at FROM gate_state WHERE key = $1`)

	mock.ExpectQuery(q).WithArgs("suppress:z:c").
		WillReturnRows(sqlmock.NewRows([]string{"last_sent_at"}).AddRow(at))
	got, found, err := s.Last(context.Background(), "suppress:z:c")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, at.Equal(got))

	mock.ExpectQuery(q).WithArgs("suppress:z:none").WillReturnRows(sqlmock.NewRows([]string{"last_sent_at"}))
	_, found, err = s.Last(context.Background(), "suppress:z:none")
	require.NoError(t, err)
	assert.False(t, found)

	mock.ExpectQuery(q).WithArgs("suppress:z:c").WillReturnError(errors.New("down"))
	_, _, err = s.Last(context.Background(), "suppress:z:c")
	assert.ErrorIs(t, err, gate.ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdvisoryLock(t *testing.T) {
	s, mock := newMockPostgres(t)
	lock := regexp.QuoteMeta(`SELECT pg_advisory_lock(hashtextextended($1, 0))`)
	unlock := regexp.QuoteMeta(`SELECT pg_advisory_unlock(hashtextextended($1, 0))`)

	mock.ExpectExec(lock).WithArgs("suppress:z:c").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(unlock).WithArgs("suppress:z:c").WillReturnResult(sqlmock.NewResult(0, 0))

	lease, err := s.Acquire(context.Background(), "suppress:z:c")
	require.NoError(t, err)
	lease.Release()
	lease.Release()
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 0, s.locks.Len())
	assert.Equal(t, 1, s.db.Stats().Idle)
}

func TestPostgresLeaseCommitsOnLockSession(t *testing.T) {
	s, mock := newMockPostgres(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	upsert := regexp.QuoteMeta(`INSERT INTO gate_state (key, last_sent_at) VALUES ($1, $2)`)

	mock.ExpectExec("pg_advisory_lock").WithArgs("suppress:z:c").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(upsert).WithArgs("dedupe:z:c:intrusion", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsert).WithArgs("suppress:z:c", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("pg_advisory_unlock").WithArgs("suppress:z:c").WillReturnResult(sqlmock.NewResult(0, 0))

	lease, err := s.Acquire(context.Background(), "suppress:z:c")
	require.NoError(t, err)
	require.NoError(t, lease.Commit(context.Background(), at, "dedupe:z:c:intrusion", "suppress:z:c"))
	lease.Release()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUnlockFailureDropsSession(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("pg_advisory_lock").WithArgs("suppress:z:c").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("pg_advisory_unlock").WithArgs("suppress:z:c").WillReturnError(errors.New("statement timeout"))
	mock.ExpectClose()

	lease, err := s.Acquire(context.Background(), "suppress:z:c")
	require.NoError(t, err)
	lease.Release()

	// The session still holding the lock must not go back to the pool.
	stats := s.db.Stats()
	assert.Equal(t, 0, stats.OpenConnections)
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, s.locks.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdvisoryLockFailure(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("pg_advisory_lock").WillReturnError(errors.New("too many connections"))

	_, err := s.Acquire(context.Background(), "suppress:z:c")
	assert.ErrorIs(t, err, gate.ErrUnavailable)
	assert.Equal(t, 0, s.locks.Len())
}

func TestDBTimeScan(t *testing.T) {
	var ts dbTime
	require.NoError(t, ts.Scan("2026-03-10T12:00:00.000000000Z"))
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), ts.Time)
	require.NoError(t, ts.Scan([]byte("2026-03-10T12:00:00Z")))
	assert.Equal(t, 2026, ts.Year())
	assert.Error(t, ts.Scan(42))
}
