// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	filter "github.com/pingcap/tidb-tools/pkg/table-filter"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pingcap/loader/log"
	"github.com/pingcap/loader/restore"
)

var (
	host          string
	port          int
	user          string
	password      string
	threads       int
	schemaThreads int
	indexThreads  int
	directory     string

	noData    bool
	noSchemas bool

	overwriteTables bool
	purgeModeStr    string
	ignoreErrors    string

	maxDecompressors     int
	externalDecompressor string
	tableRefreshInterval int
	maxTableThreads      int

	filters       []string
	tablesList    []string
	caseSensitive bool

	logLevel   string
	logFile    string
	logFormat  string
	statusAddr string
)

func main() {
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, "loader is a CLI tool that restores a mydumper-format dump into MySQL/TiDB\n\nUsage:\n  loader [flags]\n\nFlags:\n")
		pflag.PrintDefaults()
	}
	pflag.ErrHelp = errors.New("")

	pflag.StringVarP(&host, "host", "h", "127.0.0.1", "The host to connect to")
	pflag.IntVarP(&port, "port", "P", 3306, "TCP/IP port to connect to")
	pflag.StringVarP(&user, "user", "u", "root", "Username with privileges to run the restore")
	pflag.StringVarP(&password, "password", "p", "", "User password")
	pflag.IntVarP(&threads, "threads", "t", 4, "Number of data loader connections, default 4")
	pflag.IntVar(&schemaThreads, "schema-threads", 0, "Number of schema creation connections, default min(cores, 8)")
	pflag.IntVar(&indexThreads, "index-threads", 0, "Number of index creation connections, default min(cores, 8)")
	pflag.StringVarP(&directory, "directory", "d", "", "Dump directory to restore from")
	pflag.BoolVar(&noData, "no-data", false, "Do not restore table data, only schemas")
	pflag.BoolVar(&noSchemas, "no-schemas", false, "Do not run DDL, assume schemas already exist")
	pflag.BoolVarP(&overwriteTables, "overwrite-tables", "o", true, "Purge tables that already exist before loading")
	pflag.StringVar(&purgeModeStr, "purge-mode", "truncate", "How to purge existing tables: {fail|drop|truncate|none|skip}")
	pflag.StringVar(&ignoreErrors, "ignore-errors", "", "Comma separated server error codes to treat as success")
	pflag.IntVar(&maxDecompressors, "max-decompressors", 0, "Max concurrent decoder processes, default min(threads, 32)")
	pflag.StringVar(&externalDecompressor, "use-external-decompressor", "", "Decoder command line for compressed files, e.g. 'gzip -dc'")
	pflag.IntVar(&tableRefreshInterval, "table-refresh-interval", 0, "Dispatch rounds between table list refreshes")
	pflag.IntVar(&maxTableThreads, "max-threads-per-table", 0, "Max loader connections per table, default --threads")
	pflag.StringArrayVarP(&filters, "filter", "f", []string{"*.*"}, "filter to select which tables to restore")
	pflag.StringSliceVarP(&tablesList, "tables-list", "T", nil, "Comma delimited table list to restore; must be qualified table names")
	pflag.BoolVar(&caseSensitive, "case-sensitive", false, "whether the filter should be case-sensitive")
	pflag.StringVar(&logLevel, "loglevel", "info", "Log level: {debug|info|warn|error|dpanic|panic|fatal}")
	pflag.StringVarP(&logFile, "logfile", "L", "", "Log file `path`, leave empty to write to console")
	pflag.StringVar(&logFormat, "logfmt", "text", "Log `format`: {text|json}")
	pflag.StringVar(&statusAddr, "status-addr", "", "loader API server and pprof addr, empty to disable")

	printVersion := pflag.BoolP("version", "V", false, "Print loader version")

	pflag.Parse()

	if *printVersion {
		fmt.Println(longVersion())
		return
	}

	err := log.InitAppLogger(&log.Config{
		Level:  logLevel,
		File:   logFile,
		Format: logFormat,
	})
	if err != nil {
		fmt.Printf("failed to init logger: %s\n", err)
		os.Exit(2)
	}

	tableFilter, err := parseTableFilter()
	if err != nil {
		fmt.Printf("failed to parse filter: %s\n", err)
		os.Exit(2)
	}

	purgeMode, err := restore.ParsePurgeMode(purgeModeStr)
	if err != nil {
		fmt.Printf("failed to parse purge mode: %s\n", err)
		os.Exit(2)
	}

	ignoreSet, err := restore.ParseIgnoreErrors(ignoreErrors)
	if err != nil {
		fmt.Printf("failed to parse --ignore-errors: %s\n", err)
		os.Exit(2)
	}

	if threads <= 0 {
		fmt.Printf("--threads is set to %d. It should be greater than 0\n", threads)
		os.Exit(2)
	}

	if directory == "" {
		fmt.Println("--directory must be specified")
		os.Exit(2)
	}

	conf := restore.DefaultConfig()
	conf.Host = host
	conf.Port = port
	conf.User = user
	conf.Password = password
	conf.Threads = threads
	conf.SchemaThreads = schemaThreads
	conf.IndexThreads = indexThreads
	conf.MaxTableThreads = maxTableThreads
	conf.Directory = directory
	conf.NoData = noData
	conf.NoSchemas = noSchemas
	conf.OverwriteTables = overwriteTables
	conf.PurgeMode = purgeMode
	conf.IgnoreErrors = ignoreSet
	conf.MaxDecompressors = maxDecompressors
	conf.ExternalDecompressor = externalDecompressor
	conf.TableRefreshInterval = tableRefreshInterval
	conf.TableFilter = tableFilter
	conf.CaseSensitive = caseSensitive
	conf.LogLevel = logLevel
	conf.LogFile = logFile
	conf.LogFormat = logFormat
	conf.StatusAddr = statusAddr

	err = restore.Restore(context.Background(), conf)
	if err != nil {
		log.Error("restore failed error stack info", zap.Error(err))
		fmt.Printf("\nrestore failed: %s\n", err.Error())
		os.Exit(1)
	}
	log.Info("restore successfully, loader will exit now")
}

func parseTableFilter() (filter.Filter, error) {
	if len(tablesList) == 0 {
		return filter.Parse(filters)
	}

	// only parse -T when -f is default value. otherwise bail out.
	if len(filters) != 1 || filters[0] != "*.*" {
		return nil, errors.New("cannot pass --tables-list and --filter together")
	}

	tableNames := make([]filter.Table, 0, len(tablesList))
	for _, table := range tablesList {
		parts := strings.SplitN(table, ".", 2)
		if len(parts) < 2 {
			return nil, fmt.Errorf("--tables-list only accepts qualified table names, but `%s` lacks a dot", table)
		}
		tableNames = append(tableNames, filter.Table{Schema: parts[0], Name: parts[1]})
	}

	return filter.NewTablesFilter(tableNames...), nil
}

var (
	version   = "None"
	gitHash   = "None"
	buildDate = "None"
)

func longVersion() string {
	return fmt.Sprintf("loader v%s\ngit hash: %s\nbuild date: %s", version, gitHash, buildDate)
}
