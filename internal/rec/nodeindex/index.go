// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package nodeindex is a stable, line-oriented text format for persisting
// the offset list the scanner produces, so that a slow scan only has to be
// done once.
package nodeindex

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// BadIndexLine is returned by Read when a line isn't valid hex (Write emits
// lowercase; Read also accepts uppercase digits).
type BadIndexLine struct {
	LineNo int
	Raw    string
	Cause  error
}

func (e *BadIndexLine) Error() string {
	return fmt.Sprintf("nodeindex: line %d: %q: %v", e.LineNo, e.Raw, e.Cause)
}
func (e *BadIndexLine) Unwrap() error { return e.Cause }

// Write emits one lowercase hex offset per line, newline-terminated, in the
// given order. It buffers internally; callers don't need to wrap w.
func Write(w io.Writer, offsets []uint64) error {
	bw := bufio.NewWriter(w)
	for _, off := range offsets {
		if _, err := fmt.Fprintf(bw, "%x\n", off); err != nil {
			return fmt.Errorf("nodeindex: write: %w", err)
		}
	}
	return bw.Flush()
}

// Read parses an index file written by Write, preserving line order.
func Read(r io.Reader) ([]uint64, error) {
	var out []uint64
	sc := bufio.NewScanner(r)
	// Large node-count index files can have very long single-line-free
	// content but each line is short (one 16-digit hex number); the
	// default scanner buffer is ample.
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		off, err := strconv.ParseUint(line, 16, 64)
		if err != nil {
			return nil, &BadIndexLine{LineNo: lineNo, Raw: line, Cause: err}
		}
		out = append(out, off)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("nodeindex: read: %w", err)
	}
	return out, nil
}
