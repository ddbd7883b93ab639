// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scan is the node scanner: a brute-force, sector-by-sector search
// of every device for node headers whose filesystem UUID matches, used
// when the superblock's and the B-trees' own pointers can't be trusted.
package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/nthorne/btrfsalvage/internal/rec/rbnode"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
	"github.com/nthorne/btrfsalvage/internal/rec/rbvol"
	"github.com/nthorne/btrfsalvage/internal/textui"
)

// IoError wraps a device read failure encountered while scanning; it fails
// the scan of that one device, but the remaining devices in the set are
// still scanned, and ScanDevices returns the first such error alongside
// every offset found.
type IoError struct {
	Path   string
	Offset rbprim.PhysicalAddr
	Cause  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("scan: %s at %v: %v", e.Path, e.Offset, e.Cause)
}
func (e *IoError) Unwrap() error { return e.Cause }

// ScanDevices scans every device in ds sequentially and returns the
// accumulated list of global offsets, in
// scan order. sb must be the already-located, validated superblock (or a
// backup) of the primary device; its node_size/sector_size govern every
// device's scan, and its fs_uuid is the fingerprint every candidate node is
// matched against.
//
// A global offset is the physical offset within its device plus the sum of
// every prior device's length, so that a single flat offset list can name a
// position in any device of the set.
func ScanDevices(ctx context.Context, ds *rbvol.DeviceSet, sb rbvol.Superblock) ([]uint64, error) {
	if sb.NodeSize != sb.LeafSize {
		return nil, fmt.Errorf("scan: unsupported: node_size(%d) != leaf_size(%d)", sb.NodeSize, sb.LeafSize)
	}

	dlog.Infof(ctx, "scan: filesystem UUID %v, node size %d, sector size %d", sb.FSUUID, sb.NodeSize, sb.SectorSize)

	var offsets []uint64
	var base uint64
	var firstErr error
	for _, dev := range ds.Devices() {
		devOffsets, err := scanOneDevice(ctx, dev, sb, base)
		offsets = append(offsets, devOffsets...)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		base += uint64(dev.Size())
	}
	return offsets, firstErr
}

func scanOneDevice(ctx context.Context, dev *rbvol.Device, sb rbvol.Superblock, base uint64) ([]uint64, error) {
	ctx = dlog.WithField(ctx, "scan.dev", dev.Name())

	numBytes := dev.Size()
	limit := (numBytes / int64(sb.NodeSize)) * int64(sb.NodeSize)
	// A node read at pos must fit entirely before numBytes; stepping by
	// sector_size can otherwise land on a position within node_size of EOF
	// when sector_size < node_size, which would read past the device end.
	readLimit := numBytes - int64(sb.NodeSize) + 1

	progress := textui.NewProgress[textui.Portion[int64]](ctx, dlog.LogLevelInfo, 1*time.Second)

	var found []uint64
	start := int64(0x11000)
	step := int64(sb.SectorSize)
	for pos := start; pos < readLimit; pos += step {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		progress.Set(textui.Portion[int64]{N: pos, D: limit})

		if isBackupSuperblockOffset(rbprim.PhysicalAddr(pos), int64(sb.SectorSize)) {
			continue
		}

		buf, err := dev.ReadAt(rbprim.PhysicalAddr(pos), int(sb.NodeSize))
		if err != nil {
			return found, &IoError{Path: dev.Name(), Offset: rbprim.PhysicalAddr(pos), Cause: err}
		}
		if _, err := rbnode.Decode(buf, sb.NodeSize, sb.FSUUID); err != nil {
			continue
		}
		found = append(found, base+uint64(pos))
	}
	progress.Set(textui.Portion[int64]{N: limit, D: limit})
	progress.Done()
	return found, nil
}

// isBackupSuperblockOffset reports whether a sector-aligned position lands
// on one of the fixed backup-superblock offsets, in which case the scanner
// must skip it even if the 4096 bytes there happen to satisfy a node check.
func isBackupSuperblockOffset(pos rbprim.PhysicalAddr, _ int64) bool {
	for _, sbAddr := range rbvol.BackupOffsets {
		if pos == sbAddr {
			return true
		}
	}
	return false
}
