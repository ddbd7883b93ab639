// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rbitem decodes the fixed-layout bodies of the leaf item kinds the
// recovery core consumes: InodeItem, DirEntry (DIR_ITEM/DIR_INDEX), FileExtent
// (EXTENT_DATA), ExtentItem, RootItem, RootRef (ROOT_BACKREF) and Chunk
// (CHUNK_ITEM). Each decoder takes the item's raw payload bytes (already
// sliced out of a node by the caller) and returns a typed value; none of them
// retain a reference to the input slice beyond what's documented per field.
package rbitem
