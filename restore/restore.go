// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap/loader/log"
)

// Restore replays a dump directory into the target server. It builds the
// table registry from the directory scan, runs the schema pipeline and the
// data dispatcher concurrently, and blocks until every worker pool drained.
// The run is stateless across invocations; running twice as `--no-data`
// then `--no-schemas` yields the same result as a single combined run.
func Restore(pctx context.Context, conf *Config) error {
	if err := adjustConfig(conf); err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := context.WithCancel(pctx)
	defer cancel()

	files, err := scanDumpDir(conf.Directory, conf.TableFilter)
	if err != nil {
		return errors.Trace(err)
	}
	log.Info("dump directory scanned",
		zap.String("dir", conf.Directory),
		zap.Int("files", len(files)))

	reg := newRegistry(conf.MaxTableThreads)
	sched := newScheduler(conf, reg)
	pool := newDecompressPool(conf.MaxDecompressors, conf.FifoDirectory, conf.ExternalDecompressor)
	pipeline := newSchemaPipeline(conf, sched)

	metricsRegistry := prometheus.NewRegistry()
	RegisterMetrics(metricsRegistry)
	statusServer := startStatusServer(conf.StatusAddr, metricsRegistry)
	if statusServer != nil {
		defer func() { _ = statusServer.Close() }()
	}

	// Establish every worker session before spawning anything so a failed
	// connection aborts the run instead of wedging half-started pools.
	schemaWorkers, indexWorkers, dataWorkers, closeSessions, err :=
		buildWorkerPools(ctx, conf, sched, pipeline, pool)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeSessions()

	var wgSchema, wgIndex, wgData, wgDispatch sync.WaitGroup
	for _, w := range schemaWorkers {
		w := w
		wgSchema.Add(1)
		go func() { defer wgSchema.Done(); w.run(ctx) }()
	}
	for _, w := range indexWorkers {
		w := w
		wgIndex.Add(1)
		go func() { defer wgIndex.Done(); w.run(ctx) }()
	}
	if !conf.NoData {
		for _, w := range dataWorkers {
			w := w
			wgData.Add(1)
			go func() { defer wgData.Done(); w.run(ctx) }()
		}
		wgDispatch.Add(1)
		go func() { defer wgDispatch.Done(); sched.Run() }()
		// Propagate external cancellation into the dispatch loop.
		go func() {
			<-ctx.Done()
			if !sched.ended.Load() {
				select {
				case sched.controlCh <- eventShutdown:
				default:
				}
			}
		}()
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	go runLogProgress(progressCtx, reg)

	// Producer: register descriptors and enqueue jobs. The scan ordered
	// records schema-first, so every schema job is in flight before the
	// first data job is appended.
	produce(conf, reg, sched, pipeline, files)
	pipeline.finishProducing(reg)
	sched.controlPush(eventFileTypeEnded)

	wgSchema.Wait()
	if !conf.NoData {
		wgDispatch.Wait()
		wgData.Wait()
	}

	// Index shutdown sentinels are sent unconditionally, one per worker,
	// also when the data phase was skipped.
	for i := 0; i < conf.IndexThreads; i++ {
		sched.indexQueue.push(shutdownJob())
	}
	wgIndex.Wait()
	stopProgress()

	log.Info("restore finished",
		zap.Uint64("jobsDispatched", sched.jobsDispatched),
		zap.Float64("readyQueueHitRate", sched.hitRate()),
		zap.Int64("fatalErrors", sched.fatalErrors.Load()))

	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if n := sched.fatalErrors.Load(); n > 0 {
		return errors.Errorf("restore finished with %d fatal errors, check the log for details", n)
	}
	return nil
}

// produce walks the classified dump records, building descriptors and
// enqueueing schema and data jobs.
func produce(conf *Config, reg *registry, sched *scheduler, pipeline *schemaPipeline, files []dumpFile) {
	for _, df := range files {
		switch df.kind {
		case fileMetadata:
			log.Debug("metadata file found", zap.String("file", df.path))

		case fileDatabaseSchema:
			d := reg.getDatabase(df.database)
			if conf.NoSchemas {
				pipeline.markCreatedAndDrain(d)
				continue
			}
			pipeline.enqueue(&restoreJob{
				typ:         jobCreateDatabase,
				database:    d,
				path:        df.path,
				compression: df.compression,
			})

		case fileTableSchema, fileViewSchema, fileSequenceSchema:
			d := reg.getDatabase(df.database)
			t := reg.getTable(d, df.table, df.table)
			typ := jobCreateTable
			t.mu.Lock()
			switch df.kind {
			case fileViewSchema:
				t.isView = true
				typ = jobCreateView
			case fileSequenceSchema:
				t.isSequence = true
				typ = jobCreateSequence
			}
			if t.state < stateNotCreated {
				t.setStateLocked(stateNotCreated)
			}
			if conf.NoSchemas {
				// The state machine still runs so the data phase can
				// dispatch; only the DDL execution is skipped.
				t.setStateLocked(stateCreated)
				t.schemaCond.Broadcast()
				if t.isView || t.isSequence {
					t.setStateLocked(stateAllDone)
					finishedTablesCounter.Inc()
				}
				sched.tryEnqueueReadyLocked(t)
				t.mu.Unlock()
				continue
			}
			t.mu.Unlock()
			pipeline.enqueue(&restoreJob{
				typ:         typ,
				database:    d,
				table:       t,
				path:        df.path,
				compression: df.compression,
			})

		case filePostSchema:
			d := reg.getDatabase(df.database)
			t := reg.getTable(d, df.table, df.table)
			if conf.NoData {
				// Post-data work belongs to the data phase.
				continue
			}
			t.mu.Lock()
			t.indexJobs = append(t.indexJobs, &restoreJob{
				typ:         jobCreateIndex,
				database:    d,
				table:       t,
				path:        df.path,
				compression: df.compression,
			})
			t.mu.Unlock()

		case fileTableData:
			if conf.NoData {
				continue
			}
			d := reg.getDatabase(df.database)
			t := reg.getTable(d, df.table, df.table)
			t.mu.Lock()
			if conf.NoSchemas && t.state < stateCreated {
				// Data-only phase over a dump without schema files for this
				// table: the object is assumed to exist on the target.
				t.setStateLocked(stateCreated)
				t.schemaCond.Broadcast()
			}
			t.remainingJobs.Inc()
			t.appendJobLocked(&restoreJob{
				typ:         jobRestoreData,
				database:    d,
				table:       t,
				path:        df.path,
				compression: df.compression,
			})
			sched.tryEnqueueReadyLocked(t)
			t.mu.Unlock()
		}
	}
}

// buildWorkerPools connects every worker session up front and returns the
// assembled pools plus a closer for all sessions.
func buildWorkerPools(
	ctx context.Context,
	conf *Config,
	sched *scheduler,
	pipeline *schemaPipeline,
	pool *decompressPool,
) (schemaWorkers []*schemaWorker, indexWorkers []*indexWorker, dataWorkers []*dataWorker, closeAll func(), err error) {
	var sessions []session
	closeAll = func() {
		for _, s := range sessions {
			_ = s.Close()
		}
	}
	defer func() {
		if err != nil {
			closeAll()
		}
	}()

	var g errgroup.Group
	var mu sync.Mutex
	newSession := func() (session, error) {
		s, err := conf.sessionFactory(ctx)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
		return s, nil
	}

	if !conf.NoSchemas {
		schemaWorkers = make([]*schemaWorker, conf.SchemaThreads)
		for i := range schemaWorkers {
			i := i
			g.Go(func() error {
				s, err := newSession()
				if err != nil {
					return err
				}
				schemaWorkers[i] = &schemaWorker{
					id: i, conf: conf, pipeline: pipeline, sched: sched, pool: pool, session: s,
				}
				return nil
			})
		}
	}
	indexWorkers = make([]*indexWorker, conf.IndexThreads)
	for i := range indexWorkers {
		i := i
		g.Go(func() error {
			s, err := newSession()
			if err != nil {
				return err
			}
			indexWorkers[i] = &indexWorker{id: i, conf: conf, sched: sched, pool: pool, session: s}
			return nil
		})
	}
	if !conf.NoData {
		dataWorkers = make([]*dataWorker, conf.Threads)
		for i := range dataWorkers {
			i := i
			g.Go(func() error {
				s, err := newSession()
				if err != nil {
					return err
				}
				dataWorkers[i] = &dataWorker{id: i, conf: conf, sched: sched, pool: pool, session: s}
				return nil
			})
		}
	}
	if err = g.Wait(); err != nil {
		return nil, nil, nil, closeAll, errors.Annotate(err, "cannot establish worker connections")
	}
	return schemaWorkers, indexWorkers, dataWorkers, closeAll, nil
}
