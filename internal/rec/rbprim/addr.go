// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rbprim holds the dependency-free primitive types shared by every
// layer of the recovery tool: physical/logical addresses, device ids, item
// keys and the other small on-disk scalars that don't need their own parser.
package rbprim

import "fmt"

// PhysicalAddr is a byte offset within a single device.
type PhysicalAddr int64

// LogicalAddr is a byte offset in the filesystem's logical address space; it
// is meaningful only once translated through a chunk map.
type LogicalAddr int64

// AddrDelta is a signed distance between two addresses of the same kind.
type AddrDelta int64

func (a PhysicalAddr) Add(d AddrDelta) PhysicalAddr { return a + PhysicalAddr(d) }
func (a LogicalAddr) Add(d AddrDelta) LogicalAddr   { return a + LogicalAddr(d) }

func (a PhysicalAddr) Sub(b PhysicalAddr) AddrDelta { return AddrDelta(a - b) }
func (a LogicalAddr) Sub(b LogicalAddr) AddrDelta   { return AddrDelta(a - b) }

func (a PhysicalAddr) String() string { return fmt.Sprintf("%#016x", int64(a)) }
func (a LogicalAddr) String() string  { return fmt.Sprintf("%#016x", int64(a)) }
func (d AddrDelta) String() string    { return fmt.Sprintf("%#x", int64(d)) }

// DeviceID identifies one device within a DeviceSet; device 1 is the primary
// device that carries the superblock.
type DeviceID uint64

// QualifiedPhysicalAddr is a physical address qualified by which device it
// lives on, i.e. one stripe of a chunk.
type QualifiedPhysicalAddr struct {
	Dev  DeviceID
	Addr PhysicalAddr
}

func (a QualifiedPhysicalAddr) Add(d AddrDelta) QualifiedPhysicalAddr {
	return QualifiedPhysicalAddr{Dev: a.Dev, Addr: a.Addr.Add(d)}
}

func (a QualifiedPhysicalAddr) String() string {
	return fmt.Sprintf("dev=%d+%v", a.Dev, a.Addr)
}
