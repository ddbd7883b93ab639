// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package decompress dispatches a compression tag to the library that
// handles it. Every supported algorithm is a thin wrapper around a real
// decompressor package — this repo never reimplements zlib/zstd/LZO itself.
package decompress

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/DataDog/zstd"
	lzo "github.com/anchore/go-lzo"

	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
)

// UnsupportedCompressionError is returned for a compression tag no
// registered decompressor handles.
type UnsupportedCompressionError struct {
	Tag rbitem.CompressionType
}

func (e *UnsupportedCompressionError) Error() string {
	return fmt.Sprintf("decompress: unsupported compression tag %v", e.Tag)
}

// pageSize is the on-disk page framing unit btrfs uses for zlib/LZO
// compressed extents.
const pageSize = 4096

// Decompress decompresses raw (possibly multi-page) extent bytes per the
// given compression tag. The caller states the expected uncompressed size;
// the result is at least that many bytes, and the caller slices the exact
// range it needs back out of it.
func Decompress(tag rbitem.CompressionType, raw []byte, wantUncompressed int) ([]byte, error) {
	switch tag {
	case rbitem.CompressNone:
		if len(raw) < wantUncompressed {
			return nil, fmt.Errorf("decompress: uncompressed input shorter than requested: %d < %d", len(raw), wantUncompressed)
		}
		return raw, nil
	case rbitem.CompressZlib:
		return decompressPages(raw, wantUncompressed, decompressZlibPage)
	case rbitem.CompressLZO:
		return decompressPages(raw, wantUncompressed, decompressLZOPage)
	case rbitem.CompressZstd:
		out, err := zstd.Decompress(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("decompress: zstd: %w", err)
		}
		if len(out) < wantUncompressed {
			return nil, fmt.Errorf("decompress: zstd produced %d bytes, wanted >= %d", len(out), wantUncompressed)
		}
		return out, nil
	default:
		return nil, &UnsupportedCompressionError{Tag: tag}
	}
}

func decompressZlibPage(page []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, pageSize))
}

// decompressLZOPage decodes one page of btrfs's LZO1X framing: a 4-byte
// little-endian length prefix followed by that many bytes of raw LZO1X
// stream, zero-padded out to pageSize.
func decompressLZOPage(page []byte) ([]byte, error) {
	if len(page) < 4 {
		return nil, fmt.Errorf("decompress: lzo page shorter than length prefix: %d bytes", len(page))
	}
	segLen := int(page[0]) | int(page[1])<<8 | int(page[2])<<16 | int(page[3])<<24
	page = page[4:]
	if segLen > len(page) {
		segLen = len(page)
	}
	out, err := lzo.Decompress1X(bytes.NewReader(page[:segLen]), segLen, pageSize)
	if err != nil {
		return nil, fmt.Errorf("lzo1x: %w", err)
	}
	return out, nil
}

// decompressPages decodes a sequence of compressed pages (zlib streams or
// LZO segments, per decodePage), one per pageSize-aligned page,
// concatenating their output until wantUncompressed bytes have been produced.
func decompressPages(raw []byte, wantUncompressed int, decodePage func([]byte) ([]byte, error)) ([]byte, error) {
	var out bytes.Buffer
	for len(raw) > 0 && out.Len() < wantUncompressed {
		n := len(raw)
		if n > pageSize {
			n = pageSize
		}
		page, err := decodePage(raw[:n])
		if err != nil {
			return nil, fmt.Errorf("decompress: page at byte %d: %w", out.Len(), err)
		}
		out.Write(page)
		raw = raw[n:]
	}
	if out.Len() < wantUncompressed {
		return nil, fmt.Errorf("decompress: produced %d bytes, wanted >= %d", out.Len(), wantUncompressed)
	}
	return out.Bytes(), nil
}
