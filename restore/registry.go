// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pingcap/loader/log"
)

// schemaState tracks how far a database or table has progressed through the
// restore. Transitions are monotonic; readers and writers must hold the
// owning descriptor's mutex.
type schemaState int32

const (
	// stateNotFound marks an object referenced by a data file whose schema
	// file has not been seen yet.
	stateNotFound schemaState = iota
	// stateNotFoundAgain marks an object whose schema file was still missing
	// after the schema phase ended.
	stateNotFoundAgain
	stateNotCreated
	stateCreating
	stateCreated
	stateDataDone
	stateIndexEnqueued
	stateAllDone
	// stateCreateFailed is the terminal state for objects whose DDL kept
	// failing after the retry policy was exhausted. It sorts after
	// stateAllDone so a forward-only transition can reach it from any state
	// and the data worker barrier (state < stateCreated) releases on it;
	// done() counts it as finished for the drain condition.
	stateCreateFailed
)

func (s schemaState) String() string {
	switch s {
	case stateNotFound:
		return "not found"
	case stateNotFoundAgain:
		return "not found (rechecked)"
	case stateNotCreated:
		return "not created"
	case stateCreating:
		return "creating"
	case stateCreated:
		return "created"
	case stateDataDone:
		return "data done"
	case stateIndexEnqueued:
		return "index enqueued"
	case stateAllDone:
		return "all done"
	case stateCreateFailed:
		return "create failed"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// done reports whether the table needs no further data or index work.
func (s schemaState) done() bool {
	return s == stateAllDone || s == stateCreateFailed
}

// databaseMeta is the descriptor of one target database. pending buffers
// table schema jobs that arrived before the database itself was created;
// it is drained atomically under mu when the state reaches stateCreated.
type databaseMeta struct {
	targetName string

	mu      sync.Mutex
	state   schemaState
	pending []*restoreJob
}

// tableMeta is the descriptor of one table being restored. All fields below
// mu are guarded by it except remainingJobs, which is atomic because data
// workers decrement it outside the dispatch path.
type tableMeta struct {
	database   *databaseMeta
	sourceName string
	targetName string

	mu         sync.Mutex
	schemaCond *sync.Cond

	state      schemaState
	isView     bool
	isSequence bool
	noData     bool

	jobs           []*restoreJob // pending data jobs, FIFO
	jobCount       int
	currentThreads int
	maxThreads     int
	inReadyQueue   bool

	indexJobs []*restoreJob
	// indexJobsPending counts enqueued index jobs not yet finished; the
	// table reaches stateAllDone when it returns to zero.
	indexJobsPending int

	// remainingJobs counts pending plus in-flight data jobs.
	remainingJobs atomic.Int32
}

func newTableMeta(db *databaseMeta, source, target string, maxThreads int) *tableMeta {
	t := &tableMeta{
		database:   db,
		sourceName: source,
		targetName: target,
		state:      stateNotFound,
		maxThreads: maxThreads,
	}
	t.schemaCond = sync.NewCond(&t.mu)
	return t
}

// setStateLocked advances the table state. The caller must hold t.mu.
// Backwards transitions indicate a scheduling bug and are refused.
func (t *tableMeta) setStateLocked(next schemaState) {
	if next < t.state {
		log.Error("refusing backwards schema state transition",
			zap.String("table", t.key()),
			zap.Stringer("from", t.state),
			zap.Stringer("to", next))
		return
	}
	t.state = next
}

// appendJobLocked appends a data job to the FIFO. The caller must hold t.mu
// and bump remainingJobs before publishing the job.
func (t *tableMeta) appendJobLocked(job *restoreJob) {
	t.jobs = append(t.jobs, job)
	t.jobCount++
}

// popJobLocked detaches the head of the job FIFO. The caller must hold t.mu
// and have verified jobCount > 0.
func (t *tableMeta) popJobLocked() *restoreJob {
	job := t.jobs[0]
	t.jobs[0] = nil
	t.jobs = t.jobs[1:]
	t.jobCount--
	return job
}

// readyLocked is the dispatch predicate. The caller must hold t.mu.
func (t *tableMeta) readyLocked() bool {
	return t.state == stateCreated &&
		t.jobCount > 0 &&
		t.currentThreads < t.maxThreads &&
		!t.isView && !t.isSequence && !t.noData
}

func (t *tableMeta) key() string {
	return t.database.targetName + "." + t.sourceName
}

// registry owns every database and table descriptor. Lookup-or-create is
// keyed by (target database, source table). The insertion-ordered tableList
// backs the dispatcher's slow-path scan; the mutex here is the top of the
// lock order and must never be acquired while holding a descriptor mutex.
type registry struct {
	mu        sync.Mutex
	databases map[string]*databaseMeta
	tables    map[string]*tableMeta
	tableList []*tableMeta

	maxTableThreads int
}

func newRegistry(maxTableThreads int) *registry {
	if maxTableThreads < 1 {
		maxTableThreads = 1
	}
	return &registry{
		databases:       make(map[string]*databaseMeta),
		tables:          make(map[string]*tableMeta),
		maxTableThreads: maxTableThreads,
	}
}

func (r *registry) getDatabase(name string) *databaseMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.databases[name]; ok {
		return db
	}
	db := &databaseMeta{targetName: name, state: stateNotCreated}
	r.databases[name] = db
	return db
}

func (r *registry) getTable(db *databaseMeta, source, target string) *tableMeta {
	key := db.targetName + "." + source
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[key]; ok {
		return t
	}
	t := newTableMeta(db, source, target, r.maxTableThreads)
	r.tables[key] = t
	r.tableList = append(r.tableList, t)
	return t
}

// snapshot copies the insertion-ordered table list for lock-free iteration.
func (r *registry) snapshot() []*tableMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*tableMeta, len(r.tableList))
	copy(out, r.tableList)
	return out
}

func (r *registry) allDatabases() []*databaseMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*databaseMeta, 0, len(r.databases))
	for _, db := range r.databases {
		out = append(out, db)
	}
	return out
}

func (r *registry) tableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tableList)
}
