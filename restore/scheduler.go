// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pingcap/loader/log"
)

// controlEvent is one coarse message on the single-consumer control bus.
type controlEvent int

const (
	// eventRequestJob asks the dispatcher to pair a ready table with the
	// requesting data worker.
	eventRequestJob controlEvent = iota
	// eventWakeData tells the dispatcher newly ready work appeared while
	// workers were parked.
	eventWakeData
	// eventFileTypeEnded announces that producers emitted every data job.
	eventFileTypeEnded
	// eventSchemaPhaseEnded announces that no more schema jobs will appear.
	eventSchemaPhaseEnded
	eventShutdown
)

func (e controlEvent) String() string {
	switch e {
	case eventRequestJob:
		return "request job"
	case eventWakeData:
		return "wake data"
	case eventFileTypeEnded:
		return "file type ended"
	case eventSchemaPhaseEnded:
		return "schema phase ended"
	case eventShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("unknown(%d)", int(e))
}

// scheduler owns the dispatch state: the ready queue, the control bus, the
// job channels, and the waiting-worker ledger. All mutable dispatch state
// lives here rather than in package globals so a run is a value with a
// lifetime.
//
// Lock order, top-down, never inverted:
//  1. registry.mu
//  2. tableMeta.mu (one at a time)
//  3. databaseMeta.mu (never while holding a table mutex)
//  4. scheduler.waitingMu
//  5. decompress pool internals
type scheduler struct {
	conf *Config
	reg  *registry

	ready readyQueue

	controlCh chan controlEvent
	dataJobCh chan *restoreJob

	schemaQueue *jobQueue
	indexQueue  *jobQueue

	waitingMu      sync.Mutex
	threadsWaiting int

	// wakePending coalesces eventWakeData: at most one is in flight.
	wakePending atomic.Bool

	allDataJobsEnqueued atomic.Bool
	ended               atomic.Bool

	// Dispatcher-goroutine-local scan state.
	tableSnapshot        []*tableMeta
	dispatchSinceRefresh int

	// Counters owned by the dispatcher goroutine, mirrored to prometheus.
	jobsDispatched uint64
	queueHits      uint64
	queueMisses    uint64

	fatalErrors atomic.Int64
}

func newScheduler(conf *Config, reg *registry) *scheduler {
	return &scheduler{
		conf:        conf,
		reg:         reg,
		controlCh:   make(chan controlEvent, 4*conf.Threads+16),
		dataJobCh:   make(chan *restoreJob, 2*conf.Threads),
		schemaQueue: newJobQueue(),
		indexQueue:  newJobQueue(),
	}
}

// controlPush publishes an event on the control bus. It is a no-op once the
// dispatcher gave up, and always a no-op in --no-data mode where no
// dispatcher runs (schema workers still call this on completion).
func (s *scheduler) controlPush(ev controlEvent) {
	if s.conf.NoData || s.ended.Load() {
		return
	}
	s.controlCh <- ev
}

// tryEnqueueReadyLocked pushes the table into the ready queue when the
// readiness predicate holds and it is not already enqueued. The caller MUST
// hold t.mu. Every state change that can newly satisfy the predicate funnels
// through here: schema creation, job append, dispatch leftovers, and job
// completion.
func (s *scheduler) tryEnqueueReadyLocked(t *tableMeta) {
	if s.conf.NoData {
		return
	}
	if t.inReadyQueue || !t.readyLocked() {
		return
	}
	t.inReadyQueue = true
	s.ready.push(t)
	log.Debug("table enqueued as ready",
		zap.String("table", t.key()),
		zap.Int("jobs", t.jobCount),
		zap.Int("threads", t.currentThreads),
		zap.Int("maxThreads", t.maxThreads))
	// Without this wakeup, workers could be parked in threadsWaiting while
	// the ready queue holds work, stalling the dispatch loop.
	s.wakeDataWorkers()
}

func (s *scheduler) enqueueTableIfReady(t *tableMeta) {
	t.mu.Lock()
	s.tryEnqueueReadyLocked(t)
	t.mu.Unlock()
}

// wakeDataWorkers nudges the dispatcher when at least one worker is parked.
func (s *scheduler) wakeDataWorkers() {
	if s.conf.NoData {
		return
	}
	s.waitingMu.Lock()
	parked := s.threadsWaiting > 0
	s.waitingMu.Unlock()
	if parked && s.wakePending.CAS(false, true) {
		s.controlPush(eventWakeData)
	}
}

// wakeWaiting converts every parked worker back into a pending job request.
func (s *scheduler) wakeWaiting() {
	s.waitingMu.Lock()
	for s.threadsWaiting > 0 {
		s.threadsWaiting--
		s.controlPush(eventRequestJob)
	}
	s.waitingMu.Unlock()
}

// requestJob is called by data workers when they want work.
func (s *scheduler) requestJob() {
	s.controlPush(eventRequestJob)
}

// markDataDoneLocked advances a drained table out of the data phase and
// hands its index jobs to the index pool. The caller must hold t.mu.
func (s *scheduler) markDataDoneLocked(t *tableMeta) {
	t.setStateLocked(stateDataDone)
	if len(t.indexJobs) > 0 {
		t.setStateLocked(stateIndexEnqueued)
		t.indexJobsPending = len(t.indexJobs)
		for _, job := range t.indexJobs {
			s.indexQueue.push(job)
		}
		log.Debug("index jobs enqueued",
			zap.String("table", t.key()),
			zap.Int("jobs", len(t.indexJobs)))
		t.indexJobs = nil
		return
	}
	t.setStateLocked(stateAllDone)
	finishedTablesCounter.Inc()
}

// refreshTables rebuilds the dispatcher's table snapshot from the registry.
func (s *scheduler) refreshTables() {
	s.tableSnapshot = s.reg.snapshot()
	s.dispatchSinceRefresh = 0
}

// nextDataJob selects the next dispatchable data job. giveUp reports that a
// full scan found nothing left to wait for; the dispatcher may only conclude
// the data phase when giveUp holds after every job was enqueued.
func (s *scheduler) nextDataJob() (job *restoreJob, giveUp bool) {
	giveUp = true

	// Fast path: tables previously determined to be ready.
	for {
		t := s.ready.tryPop()
		if t == nil {
			break
		}
		t.mu.Lock()
		t.inReadyQueue = false

		// Re-validate: readiness may have changed since enqueue.
		if !t.readyLocked() {
			s.queueMisses++
			readyQueueMissCounter.Inc()
			if t.state == stateCreated && t.jobCount == 0 && t.currentThreads == 0 &&
				s.allDataJobsEnqueued.Load() && t.remainingJobs.Load() == 0 {
				s.markDataDoneLocked(t)
			}
			t.mu.Unlock()
			continue
		}

		s.queueHits++
		readyQueueHitCounter.Inc()
		job = t.popJobLocked()
		t.currentThreads++
		s.jobsDispatched++
		jobsDispatchedCounter.Inc()
		s.tryEnqueueReadyLocked(t)
		t.mu.Unlock()

		if s.jobsDispatched%1000 == 0 {
			log.Debug("dispatch statistics",
				zap.Uint64("dispatched", s.jobsDispatched),
				zap.Uint64("queueHits", s.queueHits),
				zap.Uint64("queueMisses", s.queueMisses))
		}
		return job, false
	}

	// Slow path: the queue was empty, scan the table list. This catches
	// tables that never went through the ready queue and performs the
	// terminal sweeps that advance drained tables to their final state.
	if s.tableSnapshot == nil || s.dispatchSinceRefresh >= s.conf.TableRefreshInterval {
		s.refreshTables()
	}
	s.dispatchSinceRefresh++

	for _, t := range s.tableSnapshot {
		t.mu.Lock()
		st := t.state

		if st == stateCreateFailed && t.jobCount > 0 {
			// The schema never materialized; discharge the data jobs so the
			// drain condition does not hang on them.
			dropped := t.jobCount
			t.jobs = nil
			t.jobCount = 0
			t.remainingJobs.Sub(int32(dropped))
			log.Warn("dropping data jobs of failed table",
				zap.String("table", t.key()),
				zap.Int("jobs", dropped))
			t.mu.Unlock()
			continue
		}

		if st.done() || st == stateDataDone || st == stateIndexEnqueued ||
			(st == stateCreated && (t.isView || t.isSequence)) {
			t.mu.Unlock()
			continue
		}

		if st == stateNotFoundAgain {
			// Schema phase ended without a schema file for this table; its
			// data cannot be loaded. Count the jobs as failed so the drain
			// condition does not hang on them.
			dropped := t.jobCount
			t.jobs = nil
			t.jobCount = 0
			t.remainingJobs.Sub(int32(dropped))
			t.setStateLocked(stateCreateFailed)
			finishedTablesCounter.Inc()
			errorCounter.Inc()
			s.fatalErrors.Inc()
			log.Error("no schema found for table with data files",
				zap.String("table", t.key()),
				zap.Int("droppedJobs", dropped))
			t.mu.Unlock()
			continue
		}

		if st != stateCreated {
			// Schema still in flight; keep the dispatcher alive.
			giveUp = false
			t.mu.Unlock()
			continue
		}

		if t.jobCount > 0 {
			if t.noData {
				dropped := t.jobCount
				t.jobs = nil
				t.jobCount = 0
				t.remainingJobs.Sub(int32(dropped))
				t.setStateLocked(stateAllDone)
				finishedTablesCounter.Inc()
				log.Debug("dropping data jobs for no-data table",
					zap.String("table", t.key()),
					zap.Int("jobs", dropped))
				t.mu.Unlock()
				continue
			}
			if t.currentThreads >= t.maxThreads {
				giveUp = false
				t.mu.Unlock()
				continue
			}
			job = t.popJobLocked()
			t.currentThreads++
			s.jobsDispatched++
			jobsDispatchedCounter.Inc()
			s.tryEnqueueReadyLocked(t)
			t.mu.Unlock()
			return job, false
		}

		// No pending jobs on this table.
		if s.allDataJobsEnqueued.Load() && t.currentThreads == 0 && t.remainingJobs.Load() == 0 {
			s.markDataDoneLocked(t)
		} else {
			giveUp = false
		}
		t.mu.Unlock()
	}
	return nil, giveUp
}

// sweepFinishedTables advances every fully drained table to DATA_DONE and
// pushes its index jobs. Called when the producers announce the end of data
// jobs so tables with no data files still progress.
func (s *scheduler) sweepFinishedTables() {
	for _, t := range s.reg.snapshot() {
		t.mu.Lock()
		if t.state == stateCreated && !t.isView && !t.isSequence &&
			t.jobCount == 0 && t.currentThreads == 0 && t.remainingJobs.Load() == 0 {
			s.markDataDoneLocked(t)
		}
		t.mu.Unlock()
	}
}

// Run drives the dispatch loop. It blocks on the control bus, pairing ready
// tables with requesting workers, until every data job is enqueued and a
// full scan over a fresh table snapshot finds nothing left to wait for.
// On exit it hands one typed shutdown job to every data worker.
func (s *scheduler) Run() {
	log.Debug("dispatcher started")
	for cont := true; cont; {
		ev := <-s.controlCh
		log.Debug("control event received", zap.Stringer("event", ev))
		switch ev {
		case eventWakeData:
			s.wakePending.Store(false)
			s.wakeWaiting()

		case eventRequestJob:
			job, giveUp := s.nextDataJob()
			if job != nil {
				s.dataJobCh <- job
				break
			}
			if s.allDataJobsEnqueued.Load() && giveUp {
				log.Debug("dispatcher drained, shutting down data workers",
					zap.Uint64("dispatched", s.jobsDispatched),
					zap.Uint64("queueHits", s.queueHits),
					zap.Uint64("queueMisses", s.queueMisses))
				s.ended.Store(true)
				for i := 0; i < s.conf.Threads; i++ {
					s.dataJobCh <- shutdownJob()
				}
				cont = false
				break
			}
			s.waitingMu.Lock()
			if s.threadsWaiting < s.conf.Threads {
				s.threadsWaiting++
			}
			s.waitingMu.Unlock()

		case eventFileTypeEnded:
			// Force one refresh so tables registered after the last rebuild
			// are visible before any give-up verdict.
			s.refreshTables()
			s.sweepFinishedTables()
			s.allDataJobsEnqueued.Store(true)
			s.controlPush(eventRequestJob)

		case eventSchemaPhaseEnded:
			s.wakeWaiting()

		case eventShutdown:
			s.ended.Store(true)
			for i := 0; i < s.conf.Threads; i++ {
				s.dataJobCh <- shutdownJob()
			}
			cont = false
		}
	}
	log.Debug("dispatcher finished")
}

// hitRate reports the fraction of ready-queue pops that passed re-validation
// and produced a dispatch (hits / (hits + misses)). Slow-path dispatches are
// not counted. Only meaningful after the dispatcher stopped.
func (s *scheduler) hitRate() float64 {
	total := s.queueHits + s.queueMisses
	if total == 0 {
		return 0
	}
	return float64(s.queueHits) / float64(total)
}
