// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip" // faster than stdlib
	"github.com/klauspost/compress/zstd"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pingcap/loader/log"
)

const (
	decoderHealthCheckDelay = 10 * time.Millisecond
	decoderOpenTimeout      = 30 * time.Second
)

// decompressPool bounds the number of concurrently running decoder
// side-processes. Slots work like a worker pool: apply before spawning,
// recycle on every exit path, success or not.
type decompressPool struct {
	slots chan struct{}
	limit int

	fifoDir string
	// external is the decoder command line ("gzip -dc"); empty selects
	// in-process decoding.
	external string

	fifoSeq atomic.Uint64
}

func newDecompressPool(limit int, fifoDir, external string) *decompressPool {
	slots := make(chan struct{}, limit)
	for i := 0; i < limit; i++ {
		slots <- struct{}{}
	}
	return &decompressPool{
		slots:    slots,
		limit:    limit,
		fifoDir:  fifoDir,
		external: external,
	}
}

func (p *decompressPool) apply() {
	<-p.slots
}

func (p *decompressPool) recycle() {
	select {
	case p.slots <- struct{}{}:
	default:
		panic("decompress slot recycled twice")
	}
}

func (p *decompressPool) idleSlots() int {
	return len(p.slots)
}

// open returns a reader over the (possibly compressed) dump file. Plain
// files bypass the pool entirely.
func (p *decompressPool) open(path string, kind compressionKind) (io.ReadCloser, error) {
	if kind == compressionNone {
		f, err := os.Open(path)
		return f, errors.Trace(err)
	}
	if p.external == "" {
		return p.openInProcess(path, kind)
	}
	return p.openExternal(path, kind)
}

func (p *decompressPool) openInProcess(path string, kind compressionKind) (io.ReadCloser, error) {
	p.apply()
	f, err := os.Open(path)
	if err != nil {
		p.recycle()
		return nil, errors.Trace(err)
	}
	switch kind {
	case compressionGzip:
		gr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			p.recycle()
			return nil, errors.Annotatef(err, "cannot open gzip stream %s", path)
		}
		return &inProcessReader{Reader: gr, file: f, closeInner: gr.Close, pool: p}, nil
	case compressionZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			p.recycle()
			return nil, errors.Annotatef(err, "cannot open zstd stream %s", path)
		}
		return &inProcessReader{Reader: zr, file: f, closeInner: func() error { zr.Close(); return nil }, pool: p}, nil
	}
	_ = f.Close()
	p.recycle()
	return nil, errors.Errorf("unsupported compression for %s", path)
}

// openExternal spawns the decoder side-process writing into a named pipe and
// hands back the read end. The protocol is strict about resource release:
// the slot, the pipe, and the child are reclaimed on every error path.
func (p *decompressPool) openExternal(path string, kind compressionKind) (rc io.ReadCloser, err error) {
	p.apply()
	released := false
	release := func() {
		if !released {
			released = true
			p.recycle()
		}
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	fifo := filepath.Join(p.fifoDir,
		fmt.Sprintf(".loader-fifo-%d-%d", os.Getpid(), p.fifoSeq.Inc()))
	if err := unix.Mkfifo(fifo, 0o600); err != nil {
		return nil, errors.Annotatef(err, "cannot create fifo %s", fifo)
	}

	cmdline := fmt.Sprintf("%s %s > %s", p.external, shellQuote(path), shellQuote(fifo))
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	if err := cmd.Start(); err != nil {
		_ = os.Remove(fifo)
		return nil, errors.Annotatef(err, "cannot spawn decoder %q", cmdline)
	}
	decompressorSpawnCounter.Inc()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// Health check: a decoder that dies before producing output (missing
	// binary, unreadable input) is detected here instead of at the poll
	// timeout.
	time.Sleep(decoderHealthCheckDelay)
	select {
	case waitErr := <-done:
		decompressorFailureCounter.Inc()
		_ = os.Remove(fifo)
		return nil, errors.Errorf("decoder %q exited before opening the pipe: %v", cmdline, waitErr)
	default:
	}

	fd, err := unix.Open(fifo, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		killDecoder(cmd, done)
		_ = os.Remove(fifo)
		return nil, errors.Annotatef(err, "cannot open fifo %s", fifo)
	}

	if err := waitReadable(fd, decoderOpenTimeout); err != nil {
		decompressorFailureCounter.Inc()
		_ = unix.Close(fd)
		killDecoder(cmd, done)
		_ = os.Remove(fifo)
		return nil, errors.Annotatef(err, "decoder for %s produced no output", path)
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		killDecoder(cmd, done)
		_ = os.Remove(fifo)
		return nil, errors.Trace(err)
	}

	return &decodedFile{
		file:    os.NewFile(uintptr(fd), fifo),
		fifo:    fifo,
		cmd:     cmd,
		done:    done,
		release: release,
	}, nil
}

// waitReadable polls the fifo read end until the decoder either writes data
// or closes its end, bounded by the timeout.
func waitReadable(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.New("timed out waiting for the decoder")
		}
		ms := int(remaining / time.Millisecond)
		if ms < 1 {
			ms = 1
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Trace(err)
		}
		if n > 0 {
			if fds[0].Revents&unix.POLLERR != 0 {
				return errors.New("poll error on decoder pipe")
			}
			if fds[0].Revents&unix.POLLIN == 0 && fds[0].Revents&unix.POLLHUP != 0 {
				return errors.New("decoder closed the pipe without producing output")
			}
			return nil
		}
	}
}

func killDecoder(cmd *exec.Cmd, done chan error) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		log.Warn("decoder did not exit after kill", zap.Int("pid", cmd.Process.Pid))
	}
}

// decodedFile is the read end of an external decoder pipe. Close reaps the
// child, unlinks the pipe, and releases the pool slot.
type decodedFile struct {
	file    *os.File
	fifo    string
	cmd     *exec.Cmd
	done    chan error
	release func()
}

func (d *decodedFile) Read(p []byte) (int, error) {
	return d.file.Read(p)
}

func (d *decodedFile) Close() error {
	err := d.file.Close()
	select {
	case <-d.done:
	default:
		killDecoder(d.cmd, d.done)
	}
	_ = os.Remove(d.fifo)
	d.release()
	return errors.Trace(err)
}

type inProcessReader struct {
	io.Reader
	file       *os.File
	closeInner func() error
	pool       *decompressPool
}

func (r *inProcessReader) Close() error {
	innerErr := r.closeInner()
	fileErr := r.file.Close()
	r.pool.recycle()
	if innerErr != nil {
		return errors.Trace(innerErr)
	}
	return errors.Trace(fileErr)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
