// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/go-sql-driver/mysql"
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/pingcap/loader/log"
)

// session is one worker's private server connection. Execute replays a
// statement read verbatim from the dump; Reset tears the connection down
// and builds a fresh one so the session re-observes committed DDL.
type session interface {
	Execute(ctx context.Context, stmt string) error
	Reset(ctx context.Context) error
	Close() error
}

type sessionFactory func(ctx context.Context) (session, error)

type serverKind int

const (
	serverKindMySQL serverKind = iota
	serverKindMariaDB
	serverKindTiDB
)

func (k serverKind) String() string {
	switch k {
	case serverKindMariaDB:
		return "MariaDB"
	case serverKindTiDB:
		return "TiDB"
	}
	return "MySQL"
}

type serverInfo struct {
	kind    serverKind
	version *semver.Version
}

var versionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+`)

// parseServerInfo classifies the server from its version() string so session
// setup can skip variables the flavor rejects.
func parseServerInfo(versionStr string) serverInfo {
	info := serverInfo{kind: serverKindMySQL}
	lower := strings.ToLower(versionStr)
	switch {
	case strings.Contains(lower, "tidb"):
		info.kind = serverKindTiDB
	case strings.Contains(lower, "mariadb"):
		info.kind = serverKindMariaDB
	}
	if raw := versionRegex.FindString(versionStr); raw != "" {
		if v, err := semver.NewVersion(raw); err == nil {
			info.version = v
		}
	}
	return info
}

type mysqlSession struct {
	pool *sql.DB
	conn *sql.Conn
	info serverInfo

	sessionParams map[string]string
}

func newMySQLSessionFactory(conf *Config) sessionFactory {
	dsnCfg := mysql.NewConfig()
	dsnCfg.User = conf.User
	dsnCfg.Passwd = conf.Password
	dsnCfg.Net = "tcp"
	dsnCfg.Addr = fmt.Sprintf("%s:%d", conf.Host, conf.Port)
	dsnCfg.InterpolateParams = true
	dsnCfg.ReadTimeout = 0
	dsnCfg.WriteTimeout = 30 * time.Second
	dsnCfg.MaxAllowedPacket = 0
	dsn := dsnCfg.FormatDSN()

	params := conf.SessionParams

	var (
		initOnce sync.Once
		pool     *sql.DB
		info     serverInfo
		initErr  error
	)
	return func(ctx context.Context) (session, error) {
		initOnce.Do(func() {
			pool, initErr = sql.Open("mysql", dsn)
			if initErr != nil {
				initErr = errors.Trace(initErr)
			} else {
				// Workers own their connections for their lifetime; let the
				// pool grow to one connection per worker plus slack for the
				// schema and index pools.
				pool.SetMaxOpenConns(conf.Threads + conf.SchemaThreads + conf.IndexThreads + 1)
				pool.SetConnMaxIdleTime(0)
				var versionStr string
				if err := pool.QueryRowContext(ctx, "SELECT version()").Scan(&versionStr); err != nil {
					initErr = errors.Annotate(err, "cannot reach the target server")
				} else {
					info = parseServerInfo(versionStr)
					log.Info("detected target server",
						zap.Stringer("kind", info.kind),
						zap.String("version", versionStr))
				}
			}
		})
		if initErr != nil {
			return nil, initErr
		}
		s := &mysqlSession{pool: pool, info: info, sessionParams: params}
		if err := s.Reset(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
}

func (s *mysqlSession) Execute(ctx context.Context, stmt string) error {
	_, err := s.conn.ExecContext(ctx, stmt)
	return errors.Trace(err)
}

// Reset discards the current connection and initializes a new one. A fresh
// connection is the only reliable way to drop a stale metadata view after a
// cross-connection visibility failure.
func (s *mysqlSession) Reset(ctx context.Context) error {
	if s.conn != nil {
		// Returning ErrBadConn from Raw makes database/sql drop the
		// underlying connection instead of pooling it.
		_ = s.conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		_ = s.conn.Close()
		s.conn = nil
	}
	conn, err := s.pool.Conn(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	s.conn = conn
	return s.initSession(ctx)
}

// initSession applies the restore session settings. READ COMMITTED is a
// correctness requirement, not a preference: under REPEATABLE READ a worker
// may never observe DDL committed by another connection after its own
// snapshot began.
func (s *mysqlSession) initSession(ctx context.Context) error {
	stmts := []string{
		"SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED",
		"SET SESSION foreign_key_checks = 0",
		"SET SESSION unique_checks = 0",
		"SET SESSION sql_mode = 'NO_AUTO_VALUE_ON_ZERO'",
		"SET SESSION autocommit = 1",
	}
	if s.info.kind != serverKindTiDB {
		// TiDB rejects writes to sql_log_bin in recent versions.
		stmts = append(stmts, "SET SESSION sql_log_bin = 0")
	}
	for k, v := range s.sessionParams {
		stmts = append(stmts, fmt.Sprintf("SET SESSION %s = %s", k, v))
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return errors.Annotatef(err, "session init failed: %s", stmt)
		}
	}
	return nil
}

func (s *mysqlSession) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return errors.Trace(err)
}
