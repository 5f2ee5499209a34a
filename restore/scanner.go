// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
	filter "github.com/pingcap/tidb-tools/pkg/table-filter"
	"go.uber.org/zap"

	"github.com/pingcap/loader/log"
)

type compressionKind int

const (
	compressionNone compressionKind = iota
	compressionGzip
	compressionZstd
)

func (c compressionKind) String() string {
	switch c {
	case compressionGzip:
		return "gzip"
	case compressionZstd:
		return "zstd"
	}
	return "none"
}

type fileKind int

const (
	fileIgnored fileKind = iota
	fileMetadata
	fileDatabaseSchema
	fileTableSchema
	fileViewSchema
	fileSequenceSchema
	filePostSchema
	fileTableData
)

// dumpFile is one classified entry of the dump directory, the record shape
// the scheduler consumes.
type dumpFile struct {
	kind        fileKind
	database    string
	table       string
	path        string
	compression compressionKind
	chunkIndex  int
}

// Schema/data file suffixes written by the dump side. The scanner is the
// exact inverse of the dump writer's naming:
//
//	<db>-schema-create.sql             CREATE DATABASE
//	<db>.<table>-schema.sql            CREATE TABLE
//	<db>.<table>-schema-view.sql       CREATE VIEW
//	<db>.<table>-schema-sequence.sql   CREATE SEQUENCE
//	<db>.<table>-schema-post.sql       post-data ALTER / index creation
//	<db>.<table>.<idx>.sql             data chunk
//	<db>.<table>.sql                   single-chunk data
//
// each optionally followed by a compression suffix (.gz / .zst).
const (
	suffixSchemaCreate   = "-schema-create"
	suffixSchemaView     = "-schema-view"
	suffixSchemaSequence = "-schema-sequence"
	suffixSchemaPost     = "-schema-post"
	suffixSchemaTriggers = "-schema-triggers"
	suffixSchema         = "-schema"
)

// scanDumpDir classifies every file in the dump directory and returns the
// records ordered: metadata, databases, table schemas, then data chunks in
// chunk order. Tables excluded by the filter are dropped here so no
// descriptor is ever built for them.
func scanDumpDir(dir string, tblFilter filter.Filter) ([]dumpFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read dump directory %s", dir)
	}
	files := make([]dumpFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		df, ok := classifyDumpFile(entry.Name())
		if !ok {
			log.Debug("skipping unrecognized file", zap.String("file", entry.Name()))
			continue
		}
		if df.table != "" && !tblFilter.MatchTable(df.database, df.table) {
			continue
		}
		if df.table == "" && df.database != "" && !tblFilter.MatchSchema(df.database) {
			continue
		}
		df.path = filepath.Join(dir, entry.Name())
		files = append(files, df)
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].kind != files[j].kind {
			return files[i].kind < files[j].kind
		}
		if files[i].database != files[j].database {
			return files[i].database < files[j].database
		}
		if files[i].table != files[j].table {
			return files[i].table < files[j].table
		}
		return files[i].chunkIndex < files[j].chunkIndex
	})
	return files, nil
}

// classifyDumpFile maps one file name onto a dump record. Table and database
// names containing dots are ambiguous in this naming scheme; like the dump
// side, the first dot is taken as the separator.
func classifyDumpFile(name string) (dumpFile, bool) {
	df := dumpFile{}
	if name == "metadata" {
		df.kind = fileMetadata
		return df, true
	}

	base := name
	switch {
	case strings.HasSuffix(base, ".gz"):
		df.compression = compressionGzip
		base = strings.TrimSuffix(base, ".gz")
	case strings.HasSuffix(base, ".zst"):
		df.compression = compressionZstd
		base = strings.TrimSuffix(base, ".zst")
	}
	if !strings.HasSuffix(base, ".sql") {
		return df, false
	}
	base = strings.TrimSuffix(base, ".sql")

	if strings.HasSuffix(base, suffixSchemaCreate) {
		df.kind = fileDatabaseSchema
		df.database = strings.TrimSuffix(base, suffixSchemaCreate)
		return df, df.database != ""
	}

	type suffixRule struct {
		suffix string
		kind   fileKind
	}
	for _, rule := range []suffixRule{
		{suffixSchemaView, fileViewSchema},
		{suffixSchemaSequence, fileSequenceSchema},
		{suffixSchemaPost, filePostSchema},
		{suffixSchemaTriggers, filePostSchema},
		{suffixSchema, fileTableSchema},
	} {
		if strings.HasSuffix(base, rule.suffix) {
			df.kind = rule.kind
			df.database, df.table = splitQualified(strings.TrimSuffix(base, rule.suffix))
			return df, df.database != "" && df.table != ""
		}
	}

	// data chunk: <db>.<table>[.<idx>]
	df.kind = fileTableData
	qualified := base
	if idx := strings.LastIndex(base, "."); idx > 0 {
		if n, err := strconv.Atoi(base[idx+1:]); err == nil {
			df.chunkIndex = n
			qualified = base[:idx]
		}
	}
	df.database, df.table = splitQualified(qualified)
	return df, df.database != "" && df.table != ""
}

func splitQualified(s string) (database, table string) {
	idx := strings.Index(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return "", ""
	}
	return s[:idx], s[idx+1:]
}
