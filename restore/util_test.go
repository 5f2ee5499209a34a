// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// writeDumpFile drops a dump file with the given content into dir and
// returns its path.
func writeDumpFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("cannot write dump file %s: %v", path, err)
	}
	return path
}

// stmtRecorder collects every statement executed through fake sessions, in
// global execution order.
type stmtRecorder struct {
	mu    sync.Mutex
	stmts []string
}

func (r *stmtRecorder) record(stmt string) {
	r.mu.Lock()
	r.stmts = append(r.stmts, stmt)
	r.mu.Unlock()
}

func (r *stmtRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.stmts))
	copy(out, r.stmts)
	return out
}

func (r *stmtRecorder) countContaining(sub string) int {
	n := 0
	for _, s := range r.all() {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}

// firstIndexContaining returns the execution order position of the first
// statement containing sub, or -1.
func (r *stmtRecorder) firstIndexContaining(sub string) int {
	for i, s := range r.all() {
		if strings.Contains(s, sub) {
			return i
		}
	}
	return -1
}

// fakeSession is an in-memory session. An optional script decides the error
// of each execution; resets are counted so retry tests can assert the
// reconnect cadence.
type fakeSession struct {
	rec *stmtRecorder
	// script is called with the statement and the 1-based global count of
	// times this statement has been attempted; nil means success.
	script func(stmt string, attempt int) error

	mu       sync.Mutex
	attempts map[string]int
	resets   int
	closed   bool
}

func newFakeSession(rec *stmtRecorder, script func(stmt string, attempt int) error) *fakeSession {
	return &fakeSession{rec: rec, script: script, attempts: make(map[string]int)}
}

func (s *fakeSession) Execute(_ context.Context, stmt string) error {
	s.mu.Lock()
	s.attempts[stmt]++
	attempt := s.attempts[stmt]
	s.mu.Unlock()
	if s.script != nil {
		if err := s.script(stmt, attempt); err != nil {
			return err
		}
	}
	s.rec.record(stmt)
	return nil
}

func (s *fakeSession) Reset(context.Context) error {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// fakeFactory hands every worker a fakeSession sharing one recorder and one
// script.
type fakeFactory struct {
	rec    *stmtRecorder
	script func(stmt string, attempt int) error

	mu       sync.Mutex
	sessions []*fakeSession
}

func newFakeFactory(script func(stmt string, attempt int) error) *fakeFactory {
	return &fakeFactory{rec: &stmtRecorder{}, script: script}
}

func (f *fakeFactory) factory() sessionFactory {
	return func(context.Context) (session, error) {
		s := newFakeSession(f.rec, f.script)
		f.mu.Lock()
		f.sessions = append(f.sessions, s)
		f.mu.Unlock()
		return s, nil
	}
}

func (f *fakeFactory) totalResets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		n += s.resetCount()
	}
	return n
}

// testConfig builds a config wired to fake sessions over the given dump
// directory.
func testConfig(dir string, factory *fakeFactory) *Config {
	conf := DefaultConfig()
	conf.Directory = dir
	conf.Threads = 4
	conf.SchemaThreads = 2
	conf.IndexThreads = 2
	conf.sessionFactory = factory.factory()
	return conf
}

// newTestScheduler builds a registry plus scheduler pair for dispatch tests.
func newTestScheduler(threads int) (*registry, *scheduler) {
	conf := DefaultConfig()
	conf.Directory = "unused"
	conf.Threads = threads
	conf.MaxTableThreads = threads
	conf.TableRefreshInterval = defaultTableRefreshInterval
	conf.retryBackoffBase = time.Millisecond
	conf.retryBackoffCap = 5 * time.Millisecond
	reg := newRegistry(conf.MaxTableThreads)
	return reg, newScheduler(conf, reg)
}

// addCreatedTable registers a table in stateCreated carrying n data jobs.
func addCreatedTable(reg *registry, sched *scheduler, db, name string, n int) *tableMeta {
	d := reg.getDatabase(db)
	d.mu.Lock()
	d.state = stateCreated
	d.mu.Unlock()
	t := reg.getTable(d, name, name)
	t.mu.Lock()
	t.state = stateCreated
	for i := 0; i < n; i++ {
		t.remainingJobs.Inc()
		t.appendJobLocked(&restoreJob{typ: jobRestoreData, database: d, table: t})
	}
	sched.tryEnqueueReadyLocked(t)
	t.mu.Unlock()
	return t
}

// completeJob performs the data worker's completion bookkeeping for a
// dispatched job without executing anything.
func completeJob(sched *scheduler, job *restoreJob) {
	t := job.table
	t.mu.Lock()
	t.currentThreads--
	t.remainingJobs.Dec()
	sched.tryEnqueueReadyLocked(t)
	t.mu.Unlock()
}
