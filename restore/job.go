// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"fmt"
	"sync"
)

type jobType int

const (
	jobCreateDatabase jobType = iota
	jobCreateTable
	jobCreateView
	jobCreateSequence
	jobRestoreData
	jobCreateIndex
	jobAlterPostData
	// jobShutdown is the typed termination sentinel handed to every worker
	// of a pool. It is a real job value, never a nil placeholder.
	jobShutdown
)

func (t jobType) String() string {
	switch t {
	case jobCreateDatabase:
		return "create database"
	case jobCreateTable:
		return "create table"
	case jobCreateView:
		return "create view"
	case jobCreateSequence:
		return "create sequence"
	case jobRestoreData:
		return "restore data"
	case jobCreateIndex:
		return "create index"
	case jobAlterPostData:
		return "alter post data"
	case jobShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// restoreJob is one unit of work drawn from the dump: a DDL file, a data
// chunk, or an index creation. database is set on every job except
// shutdown sentinels; table is nil only for database-level DDL and shutdown
// sentinels.
type restoreJob struct {
	typ      jobType
	database *databaseMeta
	table    *tableMeta

	path        string
	compression compressionKind

	// attempt counts schema retry rounds for DDL jobs.
	attempt int
}

func shutdownJob() *restoreJob {
	return &restoreJob{typ: jobShutdown}
}

// jobQueue is an unbounded multi-producer/multi-consumer FIFO used for the
// schema and index pipelines. Closing wakes every popper; pops drain the
// remaining items before reporting closed.
type jobQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*restoreJob
	closed bool
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *jobQueue) push(job *restoreJob) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until a job is available or the queue is closed and drained.
func (q *jobQueue) pop() (*restoreJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return job, true
}

func (q *jobQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
