// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"go.uber.org/zap"

	"github.com/pingcap/loader/log"
)

// dataWorker executes data-loading jobs on its own dedicated session. The
// session runs READ COMMITTED so DDL committed by schema workers on other
// connections becomes visible without restarting the session's snapshot.
type dataWorker struct {
	id      int
	conf    *Config
	sched   *scheduler
	pool    *decompressPool
	session session
}

func (w *dataWorker) run(ctx context.Context) {
	// Prime the dispatcher with this worker's first request.
	w.sched.requestJob()
	for job := range w.sched.dataJobCh {
		if job.typ == jobShutdown {
			return
		}
		w.process(ctx, job)
		w.sched.requestJob()
	}
}

func (w *dataWorker) process(ctx context.Context, job *restoreJob) {
	t := job.table

	// Defensive barrier: the dispatcher only hands out jobs for created
	// tables, but a job re-dispatched from a retry path may arrive early.
	t.mu.Lock()
	for t.state < stateCreated {
		t.schemaCond.Wait()
	}
	skip := t.state == stateCreateFailed
	t.mu.Unlock()

	var err error
	if skip {
		err = errors.Errorf("schema creation failed for %s, data file %s not loaded", t.key(), job.path)
	} else {
		err = w.loadFile(ctx, job)
	}
	if err != nil {
		errorCounter.Inc()
		w.sched.fatalErrors.Inc()
		log.Error("data job failed",
			zap.String("table", t.key()),
			zap.String("file", job.path),
			zap.Uint16("code", vendorCode(err)),
			zap.Error(err))
	} else {
		finishedJobsCounter.Inc()
	}

	// Completion bookkeeping: failed-final jobs count as completed so the
	// drain condition cannot hang on them.
	t.mu.Lock()
	t.currentThreads--
	t.remainingJobs.Dec()
	w.sched.tryEnqueueReadyLocked(t)
	t.mu.Unlock()
}

// loadFile replays one data file, engaging the retry protocol on statements
// that fail with a visibility error.
func (w *dataWorker) loadFile(ctx context.Context, job *restoreJob) error {
	if err := w.executeRetrying(ctx, job, fmt.Sprintf("USE `%s`", job.database.targetName)); err != nil {
		return err
	}
	reader, err := w.pool.open(job.path, job.compression)
	if err != nil {
		return errors.Annotatef(err, "cannot open %s", job.path)
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			log.Warn("error closing data file", zap.String("file", job.path), zap.Error(closeErr))
		}
	}()
	return eachStatement(reader, func(stmt string) error {
		if err := w.executeRetrying(ctx, job, stmt); err != nil {
			return err
		}
		finishedSizeCounter.Add(float64(len(stmt)))
		return nil
	})
}

// executeRetrying runs one statement with the visibility-failure policy:
// up to retryMaxAttempts attempts with exponential backoff, forcing a
// reconnect every retryReconnectEvery attempts to invalidate any metadata
// view cached by the session.
func (w *dataWorker) executeRetrying(ctx context.Context, job *restoreJob, stmt string) error {
	var err error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = w.session.Execute(ctx, stmt)
		failpoint.Inject("dataObjectMissing", func(val failpoint.Value) {
			if n, ok := val.(int); ok && attempt <= n && err == nil {
				err = &mysql.MySQLError{Number: errCodeNoSuchTable, Message: "injected: table does not exist"}
			}
		})
		if err == nil {
			return nil
		}

		switch classifyError(err, w.conf.IgnoreErrors) {
		case errorKindIgnorableByConfig:
			log.Warn("ignoring error by config",
				zap.Uint16("code", vendorCode(err)),
				zap.String("table", job.table.key()))
			return nil
		case errorKindObjectMissing, errorKindTransientConnection:
			retryCounter.Inc()
			log.Warn("retrying statement",
				zap.String("table", job.table.key()),
				zap.Int("attempt", attempt),
				zap.Uint16("code", vendorCode(err)),
				zap.Error(err))
			if attempt%retryReconnectEvery == 0 {
				if resetErr := w.session.Reset(ctx); resetErr != nil {
					log.Warn("session reset failed", zap.Error(resetErr))
				} else if !strings.HasPrefix(stmt, "USE ") {
					// A fresh connection has no current database; restore it
					// before replaying the statement.
					if useErr := w.session.Execute(ctx, fmt.Sprintf("USE `%s`", job.database.targetName)); useErr != nil {
						log.Warn("cannot reselect database after reconnect", zap.Error(useErr))
					}
				}
			}
			select {
			case <-ctx.Done():
				return errors.Trace(ctx.Err())
			case <-time.After(backoffDuration(attempt, w.conf.retryBackoffBase, w.conf.retryBackoffCap)):
			}
		default:
			return err
		}
	}
	return errors.Annotatef(err, "statement kept failing after %d attempts", retryMaxAttempts)
}
