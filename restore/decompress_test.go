// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func writeGzipFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	_, err = gw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestInProcessGzip(t *testing.T) {
	dir := t.TempDir()
	path := writeGzipFile(t, dir, "d.t.00001.sql.gz", "INSERT INTO t VALUES (1);\n")

	pool := newDecompressPool(2, dir, "")
	r, err := pool.open(path, compressionGzip)
	require.NoError(t, err)
	require.Equal(t, 1, pool.idleSlots(), "an open stream holds one slot")

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO t VALUES (1);\n", string(data))

	require.NoError(t, r.Close())
	require.Equal(t, 2, pool.idleSlots(), "closing must release the slot")
}

func TestInProcessZstd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.t.00001.sql.zst")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = zw.Write([]byte("INSERT INTO t VALUES (2);\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	pool := newDecompressPool(1, dir, "")
	r, err := pool.open(path, compressionZstd)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO t VALUES (2);\n", string(data))
	require.NoError(t, r.Close())
	require.Equal(t, 1, pool.idleSlots())
}

func TestPlainFilesBypassThePool(t *testing.T) {
	dir := t.TempDir()
	path := writeDumpFile(t, dir, "d.t.00001.sql", "INSERT INTO t VALUES (1);\n")

	pool := newDecompressPool(1, dir, "")
	r, err := pool.open(path, compressionNone)
	require.NoError(t, err)
	require.Equal(t, 1, pool.idleSlots())
	require.NoError(t, r.Close())
}

func TestCorruptStreamReleasesSlot(t *testing.T) {
	dir := t.TempDir()
	path := writeDumpFile(t, dir, "d.t.00001.sql.gz", "this is not gzip")

	pool := newDecompressPool(1, dir, "")
	_, err := pool.open(path, compressionGzip)
	require.Error(t, err)
	require.Equal(t, 1, pool.idleSlots(), "every error path must release the slot")
}

func TestExternalDecoderHealthCheckFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("named pipes require a POSIX system")
	}
	dir := t.TempDir()
	path := writeDumpFile(t, dir, "d.t.00001.sql.gz", "irrelevant")

	pool := newDecompressPool(1, dir, "/nonexistent/decoder -dc")
	_, err := pool.open(path, compressionGzip)
	require.Error(t, err, "a decoder that dies before opening the pipe must fail fast")
	require.Equal(t, 1, pool.idleSlots(), "the slot must come back after the failure")

	// No fifo may leak.
	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".loader-fifo-")
	}
}

func TestExternalDecoderSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("named pipes require a POSIX system")
	}
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("needs /bin/cat")
	}
	dir := t.TempDir()
	// `cat` stands in for a real decoder: the pipe protocol is identical.
	path := writeDumpFile(t, dir, "d.t.00001.sql.gz", "INSERT INTO t VALUES (3);\n")

	pool := newDecompressPool(1, dir, "/bin/cat --")
	r, err := pool.open(path, compressionGzip)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO t VALUES (3);\n", string(data))
	require.NoError(t, r.Close())
	require.Equal(t, 1, pool.idleSlots())
}
