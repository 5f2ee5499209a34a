// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pingcap/loader/log"
)

// indexWorker drains the index queue: post-data ALTERs and index creation
// for tables that finished loading. The pool terminates on typed shutdown
// sentinels, one per worker, sent unconditionally, including runs where the
// data phase was skipped entirely.
type indexWorker struct {
	id      int
	conf    *Config
	sched   *scheduler
	pool    *decompressPool
	session session
}

func (w *indexWorker) run(ctx context.Context) {
	for {
		job, ok := w.sched.indexQueue.pop()
		if !ok {
			return
		}
		if job.typ == jobShutdown {
			return
		}
		w.process(ctx, job)
	}
}

func (w *indexWorker) process(ctx context.Context, job *restoreJob) {
	t := job.table
	err := w.session.Execute(ctx, fmt.Sprintf("USE `%s`", job.database.targetName))
	if err == nil {
		err = executeStatementsFromFile(ctx, w.pool, w.session, job)
	}
	if err != nil {
		if classifyError(err, w.conf.IgnoreErrors) == errorKindIgnorableByConfig {
			log.Warn("ignoring index error by config",
				zap.Uint16("code", vendorCode(err)),
				zap.String("table", t.key()))
		} else {
			errorCounter.Inc()
			w.sched.fatalErrors.Inc()
			log.Error("index job failed",
				zap.String("table", t.key()),
				zap.String("file", job.path),
				zap.Error(err))
		}
	}

	t.mu.Lock()
	t.indexJobsPending--
	if t.state == stateIndexEnqueued && t.indexJobsPending <= 0 {
		t.setStateLocked(stateAllDone)
		finishedTablesCounter.Inc()
	}
	t.mu.Unlock()
	log.Debug("index job finished", zap.String("table", t.key()))
}
