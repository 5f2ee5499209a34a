// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"database/sql/driver"
	stderrors "errors"
	"io"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/pingcap/errors"
)

// errorKind is the portable classification of a failure observed from the
// server. The vendor error code is kept alongside for logging only.
type errorKind int

const (
	errorKindFatal errorKind = iota
	// errorKindObjectMissing covers "table/database does not exist" answers.
	// On a data job this is usually a cross-connection visibility failure:
	// the DDL committed on another session but this session has not observed
	// it yet, so it is worth retrying with a reconnect.
	errorKindObjectMissing
	errorKindTransientConnection
	errorKindIgnorableByConfig
	errorKindRetryExhausted
)

func (k errorKind) String() string {
	switch k {
	case errorKindFatal:
		return "fatal"
	case errorKindObjectMissing:
		return "object missing"
	case errorKindTransientConnection:
		return "transient connection"
	case errorKindIgnorableByConfig:
		return "ignorable"
	case errorKindRetryExhausted:
		return "retry exhausted"
	}
	return "unknown"
}

// MySQL server error codes the classifier cares about.
const (
	errCodeNoSuchTable     = 1146
	errCodeBadDatabase     = 1049
	errCodeUnknownTable    = 1051
	errCodeLockWaitTimeout = 1205
	errCodeDeadlock        = 1213
	errCodeServerShutdown  = 1053
	errCodeTooManyConns    = 1040
	errCodeQueryInterrupt  = 1317
)

// vendorCode extracts the server error number, or 0 when the error did not
// come from the server (driver and network errors carry no code).
func vendorCode(err error) uint16 {
	var myErr *mysql.MySQLError
	if stderrors.As(errors.Cause(err), &myErr) {
		return myErr.Number
	}
	return 0
}

// classifyError maps an execution error onto the portable kind enum.
// ignoreSet membership wins over every other classification so operators
// can force-ignore anything by code.
func classifyError(err error, ignoreSet map[uint16]struct{}) errorKind {
	if err == nil {
		return errorKindFatal
	}
	cause := errors.Cause(err)

	if code := vendorCode(err); code != 0 {
		if _, ok := ignoreSet[code]; ok {
			return errorKindIgnorableByConfig
		}
		switch code {
		case errCodeNoSuchTable, errCodeBadDatabase, errCodeUnknownTable:
			return errorKindObjectMissing
		case errCodeLockWaitTimeout, errCodeDeadlock, errCodeServerShutdown,
			errCodeTooManyConns, errCodeQueryInterrupt:
			return errorKindTransientConnection
		}
		return errorKindFatal
	}

	switch cause {
	case driver.ErrBadConn, mysql.ErrInvalidConn, io.EOF, io.ErrUnexpectedEOF:
		return errorKindTransientConnection
	}
	if _, ok := cause.(net.Error); ok {
		return errorKindTransientConnection
	}
	return errorKindFatal
}
