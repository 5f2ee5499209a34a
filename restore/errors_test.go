// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"database/sql/driver"
	"io"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestClassifyObjectMissing(t *testing.T) {
	empty := map[uint16]struct{}{}
	for _, code := range []uint16{errCodeNoSuchTable, errCodeBadDatabase, errCodeUnknownTable} {
		err := &mysql.MySQLError{Number: code, Message: "missing"}
		require.Equal(t, errorKindObjectMissing, classifyError(err, empty))
	}
}

func TestClassifyTransient(t *testing.T) {
	empty := map[uint16]struct{}{}
	for _, err := range []error{
		&mysql.MySQLError{Number: errCodeDeadlock, Message: "deadlock"},
		&mysql.MySQLError{Number: errCodeLockWaitTimeout, Message: "lock wait"},
		driver.ErrBadConn,
		mysql.ErrInvalidConn,
		io.EOF,
	} {
		require.Equal(t, errorKindTransientConnection, classifyError(err, empty), "%v", err)
	}
}

func TestClassifyFatal(t *testing.T) {
	empty := map[uint16]struct{}{}
	require.Equal(t, errorKindFatal,
		classifyError(&mysql.MySQLError{Number: 1064, Message: "syntax"}, empty))
	require.Equal(t, errorKindFatal, classifyError(errors.New("some other failure"), empty))
}

func TestClassifyIgnoreSetWins(t *testing.T) {
	ignore := map[uint16]struct{}{errCodeNoSuchTable: {}, 1064: {}}
	require.Equal(t, errorKindIgnorableByConfig,
		classifyError(&mysql.MySQLError{Number: errCodeNoSuchTable}, ignore))
	require.Equal(t, errorKindIgnorableByConfig,
		classifyError(&mysql.MySQLError{Number: 1064}, ignore))
}

func TestClassifySeesThroughAnnotation(t *testing.T) {
	empty := map[uint16]struct{}{}
	inner := &mysql.MySQLError{Number: errCodeNoSuchTable, Message: "missing"}
	wrapped := errors.Annotate(inner, "while loading chunk 3")
	require.Equal(t, errorKindObjectMissing, classifyError(wrapped, empty))
	require.EqualValues(t, errCodeNoSuchTable, vendorCode(wrapped))
}

func TestVendorCodeZeroForNonServerErrors(t *testing.T) {
	require.EqualValues(t, 0, vendorCode(io.EOF))
	require.EqualValues(t, 0, vendorCode(errors.New("boom")))
}

func TestBackoffDuration(t *testing.T) {
	require.Equal(t, retryBaseBackoff, backoffDuration(1, retryBaseBackoff, retryMaxBackoff))
	require.Equal(t, 2*retryBaseBackoff, backoffDuration(2, retryBaseBackoff, retryMaxBackoff))
	require.Equal(t, 4*retryBaseBackoff, backoffDuration(3, retryBaseBackoff, retryMaxBackoff))
	require.Equal(t, retryMaxBackoff, backoffDuration(5, retryBaseBackoff, retryMaxBackoff))
	require.Equal(t, retryMaxBackoff, backoffDuration(10, retryBaseBackoff, retryMaxBackoff))
}
