// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchFastPath(t *testing.T) {
	reg, sched := newTestScheduler(4)
	tbl := addCreatedTable(reg, sched, "d", "t", 4)

	for i := 0; i < 4; i++ {
		job, giveUp := sched.nextDataJob()
		require.False(t, giveUp)
		require.NotNil(t, job)
		require.Same(t, tbl, job.table)
	}
	tbl.mu.Lock()
	require.Equal(t, 0, tbl.jobCount)
	require.Equal(t, 4, tbl.currentThreads)
	tbl.mu.Unlock()
	require.EqualValues(t, 4, sched.queueHits)
}

func TestDispatchRespectsMaxThreads(t *testing.T) {
	reg, sched := newTestScheduler(8)
	tbl := addCreatedTable(reg, sched, "d", "t", 8)
	tbl.mu.Lock()
	tbl.maxThreads = 2
	tbl.mu.Unlock()

	var jobs []*restoreJob
	for {
		job, _ := sched.nextDataJob()
		if job == nil {
			break
		}
		jobs = append(jobs, job)
	}
	require.Len(t, jobs, 2, "per-table cap must bound concurrent dispatches")

	// Completing one job frees a slot and re-enqueues the table.
	completeJob(sched, jobs[0])
	job, giveUp := sched.nextDataJob()
	require.False(t, giveUp)
	require.NotNil(t, job)
}

func TestDispatchSlowPathFindsUnqueuedTable(t *testing.T) {
	reg, sched := newTestScheduler(2)
	d := reg.getDatabase("d")
	tbl := reg.getTable(d, "t", "t")
	// Created with jobs but never pushed to the ready queue: only the scan
	// can find it.
	tbl.mu.Lock()
	tbl.state = stateCreated
	tbl.remainingJobs.Inc()
	tbl.appendJobLocked(&restoreJob{typ: jobRestoreData, database: d, table: tbl})
	tbl.mu.Unlock()

	require.Equal(t, 0, sched.ready.len())
	job, giveUp := sched.nextDataJob()
	require.False(t, giveUp)
	require.NotNil(t, job)
	require.Same(t, tbl, job.table)
}

func TestDispatchSkipsNotCreated(t *testing.T) {
	reg, sched := newTestScheduler(2)
	d := reg.getDatabase("d")
	tbl := reg.getTable(d, "t", "t")
	tbl.mu.Lock()
	tbl.state = stateCreating
	tbl.remainingJobs.Inc()
	tbl.appendJobLocked(&restoreJob{typ: jobRestoreData, database: d, table: tbl})
	tbl.mu.Unlock()

	job, giveUp := sched.nextDataJob()
	require.Nil(t, job)
	require.False(t, giveUp, "a table still creating keeps the dispatcher alive")
}

func TestDataDoneSweep(t *testing.T) {
	reg, sched := newTestScheduler(2)
	tbl := addCreatedTable(reg, sched, "d", "t", 1)
	sched.allDataJobsEnqueued.Store(true)

	job, giveUp := sched.nextDataJob()
	require.False(t, giveUp)
	completeJob(sched, job)

	// Drained table: the next scan advances it to its terminal state and
	// reports nothing left to wait for.
	job, giveUp = sched.nextDataJob()
	require.Nil(t, job)
	require.True(t, giveUp)
	tbl.mu.Lock()
	require.Equal(t, stateAllDone, tbl.state)
	tbl.mu.Unlock()
}

func TestDataDoneEnqueuesIndexJobs(t *testing.T) {
	reg, sched := newTestScheduler(2)
	tbl := addCreatedTable(reg, sched, "d", "t", 1)
	tbl.mu.Lock()
	tbl.indexJobs = append(tbl.indexJobs, &restoreJob{typ: jobCreateIndex, database: tbl.database, table: tbl})
	tbl.mu.Unlock()
	sched.allDataJobsEnqueued.Store(true)

	job, _ := sched.nextDataJob()
	completeJob(sched, job)
	_, giveUp := sched.nextDataJob()
	require.True(t, giveUp)

	tbl.mu.Lock()
	require.Equal(t, stateIndexEnqueued, tbl.state)
	tbl.mu.Unlock()
	require.Equal(t, 1, sched.indexQueue.len())
}

func TestMissingSchemaFailsDataJobs(t *testing.T) {
	reg, sched := newTestScheduler(2)
	d := reg.getDatabase("d")
	tbl := reg.getTable(d, "t", "t")
	tbl.mu.Lock()
	tbl.state = stateNotFoundAgain
	tbl.remainingJobs.Inc()
	tbl.appendJobLocked(&restoreJob{typ: jobRestoreData, database: d, table: tbl})
	tbl.mu.Unlock()
	sched.allDataJobsEnqueued.Store(true)

	job, giveUp := sched.nextDataJob()
	require.Nil(t, job)
	require.True(t, giveUp, "jobs of schema-less tables are failed, not waited on")
	tbl.mu.Lock()
	require.Equal(t, stateCreateFailed, tbl.state)
	require.Equal(t, 0, tbl.jobCount)
	require.EqualValues(t, 0, tbl.remainingJobs.Load())
	tbl.mu.Unlock()
	require.EqualValues(t, 1, sched.fatalErrors.Load())
}

// TestReadyQueueHitRate drives a 200-table, 4-jobs-each workload through
// dispatch/complete cycles and checks the fast path dominates after warmup.
func TestReadyQueueHitRate(t *testing.T) {
	const tables, jobsPer = 200, 4
	reg, sched := newTestScheduler(16)
	for i := 0; i < tables; i++ {
		addCreatedTable(reg, sched, "d", tableName(i), jobsPer)
	}
	sched.allDataJobsEnqueued.Store(true)

	dispatched := 0
	var inFlight []*restoreJob
	for {
		job, giveUp := sched.nextDataJob()
		if job != nil {
			dispatched++
			inFlight = append(inFlight, job)
			if len(inFlight) >= 16 {
				for _, j := range inFlight {
					completeJob(sched, j)
				}
				inFlight = inFlight[:0]
			}
			continue
		}
		for _, j := range inFlight {
			completeJob(sched, j)
		}
		inFlight = inFlight[:0]
		if giveUp {
			break
		}
	}
	require.Equal(t, tables*jobsPer, dispatched)
	require.GreaterOrEqual(t, sched.hitRate(), 0.9,
		"steady-state dispatch must be served by the ready queue")
}

func tableName(i int) string {
	return "t" + string(rune('a'+i/26%26)) + string(rune('a'+i%26)) + string(rune('a'+i/676))
}
