// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"context"
	"fmt"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pingcap/loader/log"
)

// schemaPipeline orders schema work so a table CREATE never reaches a worker
// before its database CREATE, even under concurrent producers. Table jobs
// for a database that is not yet created are buffered on the database
// descriptor and drained, atomically under the database mutex, when the
// database reaches stateCreated.
type schemaPipeline struct {
	conf  *Config
	sched *scheduler

	// outstanding counts schema jobs pushed but not yet finished, including
	// retries. The queue closes when the producer is done and it hits zero.
	outstanding  atomic.Int64
	producerDone atomic.Bool
}

func newSchemaPipeline(conf *Config, sched *scheduler) *schemaPipeline {
	return &schemaPipeline{conf: conf, sched: sched}
}

// enqueue routes a schema job. Database jobs go straight to the worker
// queue. Table-level jobs go to the queue only when their database is
// already created; otherwise they wait in the database's pending buffer.
func (p *schemaPipeline) enqueue(job *restoreJob) {
	p.outstanding.Inc()
	if job.typ == jobCreateDatabase {
		p.sched.schemaQueue.push(job)
		return
	}
	d := job.database
	d.mu.Lock()
	if d.state == stateCreated {
		p.sched.schemaQueue.push(job)
	} else {
		d.pending = append(d.pending, job)
	}
	d.mu.Unlock()
}

// markCreatedAndDrain transitions the database to created and moves every
// buffered table job to the worker queue. Transition and drain happen under
// d.mu in one critical section; splitting them can lose jobs to a producer
// that observes the new state between the two steps.
func (p *schemaPipeline) markCreatedAndDrain(d *databaseMeta) {
	d.mu.Lock()
	if d.state < stateCreated {
		d.state = stateCreated
	}
	drained := d.pending
	d.pending = nil
	for _, job := range drained {
		p.sched.schemaQueue.push(job)
	}
	d.mu.Unlock()
	if len(drained) > 0 {
		log.Debug("drained pending table schema jobs",
			zap.String("database", d.targetName),
			zap.Int("jobs", len(drained)))
	}
}

// finishProducing is called once every schema job has been enqueued. Any
// database still pending is force-created (its CREATE DATABASE file may not
// exist in the dump); tables whose schema never appeared are marked so the
// dispatcher can fail their data jobs instead of waiting forever.
func (p *schemaPipeline) finishProducing(reg *registry) {
	for _, d := range reg.allDatabases() {
		p.markCreatedAndDrain(d)
	}
	for _, t := range reg.snapshot() {
		t.mu.Lock()
		if t.state == stateNotFound {
			t.setStateLocked(stateNotFoundAgain)
			t.schemaCond.Broadcast()
		}
		t.mu.Unlock()
	}
	p.producerDone.Store(true)
	p.maybeClose()
	p.sched.controlPush(eventSchemaPhaseEnded)
}

func (p *schemaPipeline) jobFinished() {
	if p.outstanding.Dec() == 0 {
		p.maybeClose()
	}
}

func (p *schemaPipeline) maybeClose() {
	if p.producerDone.Load() && p.outstanding.Load() == 0 {
		p.sched.schemaQueue.close()
	}
}

// schemaWorker executes DDL jobs on its own session.
type schemaWorker struct {
	id       int
	conf     *Config
	pipeline *schemaPipeline
	sched    *scheduler
	pool     *decompressPool
	session  session
}

func (w *schemaWorker) run(ctx context.Context) {
	for {
		job, ok := w.sched.schemaQueue.pop()
		if !ok {
			return
		}
		w.process(ctx, job)
		w.pipeline.jobFinished()
	}
}

func (w *schemaWorker) process(ctx context.Context, job *restoreJob) {
	var err error
	switch job.typ {
	case jobCreateDatabase:
		err = w.createDatabase(ctx, job)
	case jobCreateTable, jobCreateView, jobCreateSequence:
		err = w.createTable(ctx, job)
	default:
		log.Error("schema worker received unexpected job", zap.Stringer("type", job.typ))
		return
	}
	if err == nil {
		return
	}

	switch classifyError(err, w.conf.IgnoreErrors) {
	case errorKindIgnorableByConfig:
		log.Warn("ignoring schema error by config",
			zap.Uint16("code", vendorCode(err)),
			zap.Error(err))
		w.finishSchemaJob(job)
	case errorKindTransientConnection, errorKindObjectMissing:
		if job.attempt < schemaRetryMaxAttempts {
			job.attempt++
			retryCounter.Inc()
			log.Warn("retrying schema job",
				zap.Stringer("type", job.typ),
				zap.Int("attempt", job.attempt),
				zap.Error(err))
			if resetErr := w.session.Reset(ctx); resetErr != nil {
				log.Warn("schema session reset failed", zap.Error(resetErr))
			}
			// The failed job itself goes back, never a placeholder.
			w.pipeline.outstanding.Inc()
			w.sched.schemaQueue.push(job)
			return
		}
		w.failSchemaJob(job, err)
	default:
		w.failSchemaJob(job, err)
	}
}

func (w *schemaWorker) createDatabase(ctx context.Context, job *restoreJob) error {
	d := job.database
	d.mu.Lock()
	if d.state == stateNotCreated {
		d.state = stateCreating
	}
	d.mu.Unlock()

	if !w.conf.NoSchemas {
		if err := w.executeFile(ctx, job); err != nil {
			return err
		}
	}
	w.pipeline.markCreatedAndDrain(d)
	log.Debug("database created", zap.String("database", d.targetName))
	return nil
}

func (w *schemaWorker) createTable(ctx context.Context, job *restoreJob) error {
	t := job.table
	t.mu.Lock()
	if t.state < stateCreating {
		t.setStateLocked(stateCreating)
	}
	t.mu.Unlock()

	if !w.conf.NoSchemas {
		if job.typ == jobCreateTable && w.conf.OverwriteTables {
			skipLoad, err := w.purgeTable(ctx, t)
			if err != nil {
				return err
			}
			if skipLoad {
				// Purge mode skip: the table already exists on the target
				// and keeps its contents; its data jobs are discarded.
				t.mu.Lock()
				t.noData = true
				t.setStateLocked(stateCreated)
				t.schemaCond.Broadcast()
				t.mu.Unlock()
				w.sched.wakeDataWorkers()
				log.Debug("skipping existing table", zap.String("table", t.key()))
				return nil
			}
		}
		if err := w.executeFile(ctx, job); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.setStateLocked(stateCreated)
	// Broadcast, not signal: several data workers may wait on this table.
	t.schemaCond.Broadcast()
	w.sched.tryEnqueueReadyLocked(t)
	if t.isView || t.isSequence {
		// Views and sequences have no data phase.
		t.setStateLocked(stateAllDone)
		finishedTablesCounter.Inc()
	}
	t.mu.Unlock()
	// Parked workers may be waiting for the dispatcher to notice this table
	// even when it has no data jobs yet (views, tables whose chunks arrive
	// later); nudge the loop so the terminal sweeps run.
	w.sched.wakeDataWorkers()
	log.Debug("schema applied",
		zap.String("table", t.key()),
		zap.Stringer("type", job.typ))
	return nil
}

// purgeTable clears a pre-existing table according to the purge mode and
// reports whether loading should be skipped entirely (purge mode skip over
// an existing table). A TRUNCATE against a table that does not exist is
// benign: the CREATE path will make it.
func (w *schemaWorker) purgeTable(ctx context.Context, t *tableMeta) (skipLoad bool, err error) {
	target := fmt.Sprintf("`%s`.`%s`", t.database.targetName, t.targetName)
	isMissing := func(err error) bool {
		code := vendorCode(err)
		return code == errCodeNoSuchTable || code == errCodeBadDatabase || code == errCodeUnknownTable
	}
	switch w.conf.PurgeMode {
	case PurgeNone:
		return false, nil
	case PurgeDrop:
		return false, w.session.Execute(ctx, "DROP TABLE IF EXISTS "+target)
	case PurgeSkip:
		err := w.session.Execute(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 0", target))
		if err == nil {
			return true, nil
		}
		if isMissing(err) {
			return false, nil
		}
		return false, err
	case PurgeFail:
		err := w.session.Execute(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 0", target))
		if err == nil {
			return false, errors.Errorf("table %s already exists and purge mode is fail", target)
		}
		if isMissing(err) {
			return false, nil
		}
		return false, err
	case PurgeTruncate:
		err := w.session.Execute(ctx, "TRUNCATE TABLE "+target)
		if err != nil && isMissing(err) {
			return false, nil
		}
		return false, err
	}
	return false, nil
}

// executeFile replays every statement of the job's dump file on the worker
// session, switching to the job's database first for table-level DDL.
func (w *schemaWorker) executeFile(ctx context.Context, job *restoreJob) error {
	if job.table != nil {
		if err := w.session.Execute(ctx, fmt.Sprintf("USE `%s`", job.database.targetName)); err != nil {
			return err
		}
	}
	return executeStatementsFromFile(ctx, w.pool, w.session, job)
}

func (w *schemaWorker) finishSchemaJob(job *restoreJob) {
	if job.table == nil {
		w.pipeline.markCreatedAndDrain(job.database)
		return
	}
	t := job.table
	t.mu.Lock()
	t.setStateLocked(stateCreated)
	t.schemaCond.Broadcast()
	w.sched.tryEnqueueReadyLocked(t)
	if t.isView || t.isSequence {
		t.setStateLocked(stateAllDone)
		finishedTablesCounter.Inc()
	}
	t.mu.Unlock()
	w.sched.wakeDataWorkers()
}

// failSchemaJob parks the object in the explicit terminal failure state.
// The run continues; the affected data jobs are failed by the dispatcher.
func (w *schemaWorker) failSchemaJob(job *restoreJob, err error) {
	errorCounter.Inc()
	w.sched.fatalErrors.Inc()
	log.Error("schema job failed permanently",
		zap.Stringer("type", job.typ),
		zap.String("file", job.path),
		zap.Uint16("code", vendorCode(err)),
		zap.Error(err))
	if job.table == nil {
		// Unblock the buffered table jobs; their DDL will fail with a
		// missing database and take this same path.
		w.pipeline.markCreatedAndDrain(job.database)
		return
	}
	t := job.table
	t.mu.Lock()
	t.setStateLocked(stateCreateFailed)
	t.schemaCond.Broadcast()
	t.mu.Unlock()
	finishedTablesCounter.Inc()
	w.sched.wakeDataWorkers()
}

// executeStatementsFromFile streams the dump file (decompressing when
// needed) and executes each statement in order.
func executeStatementsFromFile(ctx context.Context, pool *decompressPool, sess session, job *restoreJob) error {
	reader, err := pool.open(job.path, job.compression)
	if err != nil {
		return errors.Annotatef(err, "cannot open %s", job.path)
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			log.Warn("error closing dump file", zap.String("file", job.path), zap.Error(closeErr))
		}
	}()
	return eachStatement(reader, func(stmt string) error {
		return sess.Execute(ctx, stmt)
	})
}
