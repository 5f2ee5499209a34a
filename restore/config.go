// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/errors"
	filter "github.com/pingcap/tidb-tools/pkg/table-filter"
)

// PurgeMode decides what happens to a table that already exists on the
// target before its data is loaded.
type PurgeMode int

const (
	// PurgeTruncate issues TRUNCATE TABLE before loading. A failure because
	// the table does not exist is benign and falls through to the CREATE
	// path.
	PurgeTruncate PurgeMode = iota
	PurgeDrop
	PurgeNone
	PurgeFail
	PurgeSkip
)

func (m PurgeMode) String() string {
	switch m {
	case PurgeTruncate:
		return "truncate"
	case PurgeDrop:
		return "drop"
	case PurgeNone:
		return "none"
	case PurgeFail:
		return "fail"
	case PurgeSkip:
		return "skip"
	}
	return "unknown"
}

// ParsePurgeMode parses the CLI spelling of a purge mode.
func ParsePurgeMode(s string) (PurgeMode, error) {
	switch strings.ToLower(s) {
	case "truncate":
		return PurgeTruncate, nil
	case "drop":
		return PurgeDrop, nil
	case "none":
		return PurgeNone, nil
	case "fail":
		return PurgeFail, nil
	case "skip":
		return PurgeSkip, nil
	}
	return PurgeTruncate, errors.Errorf("unknown purge mode %q", s)
}

const (
	defaultThreads              = 4
	defaultTableRefreshInterval = 100
	maxAutoPoolThreads          = 8
	maxDecompressorCap          = 32
)

// Config holds every knob of a restore run.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// Directory is the dump directory produced by the dump tool.
	Directory string

	// Threads is the number of data worker connections.
	Threads int
	// SchemaThreads / IndexThreads default to min(num cores, 8) when zero.
	SchemaThreads int
	IndexThreads  int
	// MaxTableThreads caps concurrent data workers per table; defaults to
	// Threads.
	MaxTableThreads int

	NoData    bool
	NoSchemas bool

	OverwriteTables bool
	PurgeMode       PurgeMode

	// IgnoreErrors lists server error codes treated as success.
	IgnoreErrors map[uint16]struct{}

	// MaxDecompressors bounds concurrent decoder side-processes; defaults to
	// min(Threads, 32).
	MaxDecompressors int
	// ExternalDecompressor is the decoder command line, e.g. "gzip -dc".
	// Empty selects in-process decoding.
	ExternalDecompressor string
	// FifoDirectory hosts the named pipes of external decoders; defaults to
	// the dump directory.
	FifoDirectory string

	// TableRefreshInterval is the number of dispatch rounds between lazy
	// rebuilds of the dispatcher's table snapshot.
	TableRefreshInterval int

	TableFilter   filter.Filter
	CaseSensitive bool

	SessionParams map[string]string

	LogLevel   string
	LogFile    string
	LogFormat  string
	StatusAddr string

	// sessionFactory overrides connection establishment; tests inject fakes
	// here.
	sessionFactory sessionFactory

	// retryBackoffBase / retryBackoffCap shrink the retry schedule in tests;
	// adjustConfig fills the production defaults.
	retryBackoffBase time.Duration
	retryBackoffCap  time.Duration
}

// DefaultConfig returns a Config with the documented defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 3306,
		User:                 "root",
		Threads:              defaultThreads,
		OverwriteTables:      true,
		PurgeMode:            PurgeTruncate,
		IgnoreErrors:         make(map[uint16]struct{}),
		TableRefreshInterval: defaultTableRefreshInterval,
		TableFilter:          filter.All(),
		SessionParams:        make(map[string]string),
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// adjustConfig validates the config and fills derived defaults. It must run
// before any worker starts so every pool size and semaphore capacity is
// fixed up front.
func adjustConfig(conf *Config) error {
	if conf.Directory == "" {
		return errors.New("a dump directory must be specified")
	}
	if conf.Threads <= 0 {
		return errors.Errorf("--threads is set to %d, it should be greater than 0", conf.Threads)
	}
	autoPool := runtime.NumCPU()
	if autoPool > maxAutoPoolThreads {
		autoPool = maxAutoPoolThreads
	}
	if conf.SchemaThreads <= 0 {
		conf.SchemaThreads = autoPool
	}
	if conf.IndexThreads <= 0 {
		conf.IndexThreads = autoPool
	}
	if conf.MaxTableThreads <= 0 {
		conf.MaxTableThreads = conf.Threads
	}
	if conf.MaxDecompressors <= 0 {
		conf.MaxDecompressors = conf.Threads
	}
	if conf.MaxDecompressors > maxDecompressorCap {
		conf.MaxDecompressors = maxDecompressorCap
	}
	if conf.TableRefreshInterval <= 0 {
		conf.TableRefreshInterval = defaultTableRefreshInterval
	}
	if conf.FifoDirectory == "" {
		conf.FifoDirectory = conf.Directory
	}
	if conf.TableFilter == nil {
		conf.TableFilter = filter.All()
	}
	if !conf.CaseSensitive {
		conf.TableFilter = filter.CaseInsensitive(conf.TableFilter)
	}
	if conf.IgnoreErrors == nil {
		conf.IgnoreErrors = make(map[uint16]struct{})
	}
	if conf.sessionFactory == nil {
		conf.sessionFactory = newMySQLSessionFactory(conf)
	}
	if conf.retryBackoffBase <= 0 {
		conf.retryBackoffBase = retryBaseBackoff
	}
	if conf.retryBackoffCap <= 0 {
		conf.retryBackoffCap = retryMaxBackoff
	}
	return nil
}

// ParseIgnoreErrors parses the comma separated code list of --ignore-errors.
func ParseIgnoreErrors(s string) (map[uint16]struct{}, error) {
	set := make(map[uint16]struct{})
	if s == "" {
		return set, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, errors.Annotatef(err, "invalid error code %q in --ignore-errors", part)
		}
		set[uint16(code)] = struct{}{}
	}
	return set, nil
}
