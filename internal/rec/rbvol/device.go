// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rbvol is the device set and superblock locator. A Device exposes
// a read-only byte region over
// whatever satisfies io.ReaderAt (this package's default opener wraps
// *os.File; a caller that wants memory-mapped acquisition may hand in any
// other io.ReaderAt, such as an mmap-backed one — acquiring that reader is
// the caller's concern, not this package's.
package rbvol

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/datawire/dlib/derror"

	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// ErrOutOfRange is returned by Device.ReadAt and DeviceSet.SliceAt when the
// requested region doesn't fit within the device.
var ErrOutOfRange = errors.New("rbvol: offset out of range")

// Device is one opened, read-only image backing part of the filesystem.
type Device struct {
	id   rbprim.DeviceID
	name string
	ra   io.ReaderAt
	size int64
	closer io.Closer
}

// ID returns this device's stable id; device 1 is the primary.
func (d *Device) ID() rbprim.DeviceID { return d.id }

// Name returns the path this device was opened from.
func (d *Device) Name() string { return d.name }

// Size is the device's length in bytes.
func (d *Device) Size() int64 { return d.size }

// ReadAt reads length bytes at the given physical offset, failing with
// ErrOutOfRange if the region doesn't fit.
func (d *Device) ReadAt(at rbprim.PhysicalAddr, length int) ([]byte, error) {
	if at < 0 || int64(at)+int64(length) > d.size {
		return nil, fmt.Errorf("%w: dev=%d offset=%v length=%d size=%d", ErrOutOfRange, d.id, at, length, d.size)
	}
	buf := make([]byte, length)
	if _, err := d.ra.ReadAt(buf, int64(at)); err != nil {
		return nil, fmt.Errorf("rbvol: reading dev=%d at %v: %w", d.id, at, err)
	}
	return buf, nil
}

// DeviceSet is an ordered collection of opened devices, numbered in
// argument order starting at 1. The primary device is always device 1.
type DeviceSet struct {
	byID   map[rbprim.DeviceID]*Device
	order  []rbprim.DeviceID
}

// OpenFiles opens each path read-only via os.Open and wraps it as a Device,
// numbering them 1..N in the given order.
func OpenFiles(paths []string) (*DeviceSet, error) {
	ds := &DeviceSet{byID: make(map[rbprim.DeviceID]*Device)}
	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			ds.Close()
			return nil, fmt.Errorf("rbvol: opening %q: %w", path, err)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			ds.Close()
			return nil, fmt.Errorf("rbvol: stat %q: %w", path, err)
		}
		id := rbprim.DeviceID(i + 1)
		ds.byID[id] = &Device{id: id, name: path, ra: f, size: fi.Size(), closer: f}
		ds.order = append(ds.order, id)
	}
	return ds, nil
}

// NewFromReaders builds a DeviceSet directly from (name, io.ReaderAt, size)
// triples, for callers (and tests) that already have an acquisition
// mechanism — e.g. an mmap-backed ReaderAt — and don't want OpenFiles' own
// os.Open.
func NewFromReaders(entries []struct {
	Name string
	RA   io.ReaderAt
	Size int64
}) *DeviceSet {
	ds := &DeviceSet{byID: make(map[rbprim.DeviceID]*Device)}
	for i, e := range entries {
		id := rbprim.DeviceID(i + 1)
		ds.byID[id] = &Device{id: id, name: e.Name, ra: e.RA, size: e.Size}
		ds.order = append(ds.order, id)
	}
	return ds
}

// Primary returns device 1, the device carrying the superblock.
func (ds *DeviceSet) Primary() (*Device, error) {
	return ds.Get(1)
}

// Get returns the device with the given id.
func (ds *DeviceSet) Get(id rbprim.DeviceID) (*Device, error) {
	dev, ok := ds.byID[id]
	if !ok {
		return nil, fmt.Errorf("rbvol: no such device id %d", id)
	}
	return dev, nil
}

// Devices returns every device in open order (device 1 first).
func (ds *DeviceSet) Devices() []*Device {
	out := make([]*Device, 0, len(ds.order))
	for _, id := range ds.order {
		out = append(out, ds.byID[id])
	}
	return out
}

// SliceAt reads length bytes at offset from the named device.
func (ds *DeviceSet) SliceAt(id rbprim.DeviceID, at rbprim.PhysicalAddr, length int) ([]byte, error) {
	dev, err := ds.Get(id)
	if err != nil {
		return nil, err
	}
	return dev.ReadAt(at, length)
}

// Close releases every underlying device. Per-device close errors are
// collected, not short-circuited, so that one bad device doesn't leak the
// others' file descriptors, matching the teacher's LogicalVolume.Close.
func (ds *DeviceSet) Close() error {
	var errs derror.MultiError
	for _, dev := range ds.byID {
		if dev.closer == nil {
			continue
		}
		if err := dev.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %q: %w", dev.name, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
