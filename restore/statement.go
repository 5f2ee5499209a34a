// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pingcap/errors"
)

// eachStatement streams `;`-terminated statements out of a dump file and
// hands each to fn. The dump writer emits one statement per line group with
// version-gated comments (`/*!40101 ... */;`) interleaved; those comment
// statements are skipped. No SQL parsing happens here, statements are
// replayed verbatim.
func eachStatement(r io.Reader, fn func(stmt string) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buffer []byte
	for {
		line, err := br.ReadBytes('\n')
		if errors.Cause(err) == io.EOF {
			if len(line) == 0 {
				break
			}
		} else if err != nil {
			return errors.Trace(err)
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte("--")) {
			continue
		}

		buffer = append(buffer, line...)
		if trimmed[len(trimmed)-1] == ';' {
			stmt := string(bytes.TrimSpace(buffer))
			buffer = buffer[:0]
			if isSkippableComment(stmt) {
				continue
			}
			if err := fn(stmt); err != nil {
				return err
			}
		}
	}
	if len(bytes.TrimSpace(buffer)) > 0 {
		// trailing statement without a terminator
		return fn(string(bytes.TrimSpace(buffer)))
	}
	return nil
}

func isSkippableComment(stmt string) bool {
	return len(stmt) >= 4 && stmt[0] == '/' && stmt[1] == '*' &&
		stmt[len(stmt)-1] == ';' && stmt[len(stmt)-3] == '*' && stmt[len(stmt)-2] == '/'
}
