// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestParseServerInfo(t *testing.T) {
	cases := []struct {
		raw  string
		kind serverKind
	}{
		{"8.0.26", serverKindMySQL},
		{"5.7.25-TiDB-v6.1.0", serverKindTiDB},
		{"10.5.12-MariaDB-1:10.5.12+maria~focal", serverKindMariaDB},
		{"5.7.36-log", serverKindMySQL},
	}
	for _, tc := range cases {
		info := parseServerInfo(tc.raw)
		require.Equal(t, tc.kind, info.kind, tc.raw)
		require.NotNil(t, info.version, tc.raw)
	}
}

// TestSessionInitSetsReadCommitted verifies the session setup the
// cross-connection handoff depends on: isolation must be READ COMMITTED on
// every fresh connection.
func TestSessionInitSetsReadCommitted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION foreign_key_checks = 0").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION unique_checks = 0").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION sql_mode = 'NO_AUTO_VALUE_ON_ZERO'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION autocommit = 1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := &mysqlSession{pool: db, info: serverInfo{kind: serverKindTiDB}}
	require.NoError(t, s.Reset(context.Background()))

	// A query issued after init observes DDL committed elsewhere: round-trip
	// one probe statement on the same connection.
	mock.ExpectExec("SELECT 1 FROM `probe`").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Execute(context.Background(), "SELECT 1 FROM `probe`"))

	require.NoError(t, s.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionInitDisablesBinlogOnMySQL(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// MySQL flavor gets sql_log_bin = 0; the TiDB case, which must not, is
	// covered by TestSessionInitSetsReadCommitted.
	mock.ExpectExec("SET SESSION .*").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION .*").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION .*").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION .*").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION .*").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION sql_log_bin = 0").WillReturnResult(sqlmock.NewResult(0, 0))

	s := &mysqlSession{pool: db, info: serverInfo{kind: serverKindMySQL}}
	require.NoError(t, s.Reset(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}
