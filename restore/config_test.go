// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdjustConfigDefaults(t *testing.T) {
	conf := DefaultConfig()
	conf.Directory = "/tmp/dump"
	require.NoError(t, adjustConfig(conf))

	autoPool := runtime.NumCPU()
	if autoPool > maxAutoPoolThreads {
		autoPool = maxAutoPoolThreads
	}
	require.Equal(t, autoPool, conf.SchemaThreads)
	require.Equal(t, autoPool, conf.IndexThreads)
	require.Equal(t, conf.Threads, conf.MaxTableThreads)
	require.Equal(t, conf.Threads, conf.MaxDecompressors)
	require.Equal(t, "/tmp/dump", conf.FifoDirectory)
	require.NotNil(t, conf.sessionFactory)
	require.True(t, conf.OverwriteTables)
	require.Equal(t, PurgeTruncate, conf.PurgeMode)
}

func TestAdjustConfigValidation(t *testing.T) {
	conf := DefaultConfig()
	require.Error(t, adjustConfig(conf), "missing directory must be rejected")

	conf = DefaultConfig()
	conf.Directory = "/tmp/dump"
	conf.Threads = 0
	require.Error(t, adjustConfig(conf))
}

func TestAdjustConfigCapsDecompressors(t *testing.T) {
	conf := DefaultConfig()
	conf.Directory = "/tmp/dump"
	conf.Threads = 64
	require.NoError(t, adjustConfig(conf))
	require.Equal(t, maxDecompressorCap, conf.MaxDecompressors)
}

func TestParsePurgeMode(t *testing.T) {
	for input, want := range map[string]PurgeMode{
		"truncate": PurgeTruncate,
		"DROP":     PurgeDrop,
		"none":     PurgeNone,
		"fail":     PurgeFail,
		"skip":     PurgeSkip,
	} {
		got, err := ParsePurgeMode(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParsePurgeMode("explode")
	require.Error(t, err)
}

func TestParseIgnoreErrors(t *testing.T) {
	set, err := ParseIgnoreErrors("1146, 1062,1317")
	require.NoError(t, err)
	require.Len(t, set, 3)
	_, ok := set[1062]
	require.True(t, ok)

	set, err = ParseIgnoreErrors("")
	require.NoError(t, err)
	require.Empty(t, set)

	_, err = ParseIgnoreErrors("1146,notacode")
	require.Error(t, err)
}
