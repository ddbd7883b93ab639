// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package restore walks a subvolume's directory tree from a starting path
// and reproduces it — regular files, directories, symlinks, and device
// nodes — on the host filesystem, built directly against the standard
// library's os/syscall primitives: nothing beats syscall.Mknod and
// os.Symlink for host-filesystem recreation.
package restore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/nthorne/btrfsalvage/internal/rec/chunkmap"
	"github.com/nthorne/btrfsalvage/internal/rec/decompress"
	"github.com/nthorne/btrfsalvage/internal/rec/fstree"
	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
	"github.com/nthorne/btrfsalvage/internal/rec/rbvol"
)

// PathNotFoundError is returned when a component of the requested source
// path doesn't resolve within the subvolume.
type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string { return fmt.Sprintf("restore: path not found: %s", e.Path) }

// ExtentDataMisorderedError stops restoring a single file; the file is left
// with whatever has been written so far.
type ExtentDataMisorderedError struct {
	Object   rbprim.ObjID
	Expected uint64
	Got      uint64
}

func (e *ExtentDataMisorderedError) Error() string {
	return fmt.Sprintf("restore: inode %d: extent data out of order: expected offset %d, got %d", e.Object, e.Expected, e.Got)
}

// ErrRecord is one non-fatal failure recorded in a Report.
type ErrRecord struct {
	Source   string
	Target   string
	Messages []string
}

// Report is the restore summary: counters and a log of non-fatal failures.
type Report struct {
	Files, Dirs, Symlinks, CharDevs, BlockDevs, Sockets, Unknown int
	TotalBytes, SuccessBytes, SparseBytes                        int64
	Errors                                                       []ErrRecord
}

func (r *Report) logErr(source, target string, err error) {
	r.Errors = append(r.Errors, ErrRecord{Source: source, Target: target, Messages: []string{err.Error()}})
}

// Options carries what the CLI exposes for a restore: the
// subvolume/source/target triple.
type Options struct {
	SubvolumeID rbprim.ObjID
	Source      string
	Target      string
}

// Restore reconstructs the subtree rooted at opts.Source within
// opts.SubvolumeID onto opts.Target.
func Restore(ctx context.Context, forest *fstree.Forest, cmap *chunkmap.Map, ds *rbvol.DeviceSet, opts Options) (*Report, error) {
	sv, err := forest.Subvolume(opts.SubvolumeID)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	dirObjID := sv.RootItem.RootDirID
	objID := dirObjID
	childType := rbitem.FtDir

	comps := splitPath(opts.Source)
	for _, comp := range comps {
		entry, err := forest.DirItemEntry(objID, []byte(comp))
		if err != nil {
			return nil, fmt.Errorf("restore: %w", &PathNotFoundError{Path: opts.Source})
		}
		objID = entry.ChildKey.ObjectID
		childType = entry.ChildType
	}

	report := &Report{}
	r := &restorer{ctx: ctx, forest: forest, cmap: cmap, ds: ds, report: report}
	if err := r.restoreEntry(objID, childType, opts.Target); err != nil {
		return report, err
	}
	return report, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

type restorer struct {
	ctx    context.Context
	forest *fstree.Forest
	cmap   *chunkmap.Map
	ds     *rbvol.DeviceSet
	report *Report
}

func (r *restorer) restoreEntry(objID rbprim.ObjID, childType rbitem.FileType, target string) error {
	switch childType {
	case rbitem.FtRegFile:
		return r.restoreRegular(objID, target)
	case rbitem.FtDir:
		return r.restoreDir(objID, target)
	case rbitem.FtSymlink:
		return r.restoreSymlink(objID, target)
	case rbitem.FtChrdev, rbitem.FtBlkdev:
		return r.restoreDevice(objID, childType, target)
	case rbitem.FtSock:
		r.report.Sockets++
		dlog.Infof(r.ctx, "restore: skipping socket %s", target)
		return nil
	default:
		r.report.Unknown++
		dlog.Errorf(r.ctx, "restore: unknown child type %v at %s", childType, target)
		return nil
	}
}

func (r *restorer) restoreDir(objID rbprim.ObjID, target string) error {
	if err := os.Mkdir(target, 0o700); err != nil && !os.IsExist(err) {
		r.report.logErr(fmt.Sprintf("dir %d", objID), target, err)
		return nil
	}
	r.report.Dirs++

	inode, err := r.forest.InodeItem(objID)
	if err == nil {
		r.applyMetadata(target, inode, true)
	}

	for _, child := range r.forest.DirIndexes(objID) {
		childTarget := filepath.Join(target, string(child.Name))
		if err := r.restoreEntry(child.ChildKey.ObjectID, child.ChildType, childTarget); err != nil {
			r.report.logErr(fmt.Sprintf("dir-entry %d/%s", objID, child.Name), childTarget, err)
		}
	}
	return nil
}

func (r *restorer) restoreSymlink(objID rbprim.ObjID, target string) error {
	var buf bytes.Buffer
	for _, rec := range r.forest.ExtentDatas(objID) {
		if rec.Extent.Type == rbitem.ExtentInline {
			buf.Write(rec.Extent.Inline)
		}
	}
	if err := os.Symlink(buf.String(), target); err != nil {
		r.report.logErr(fmt.Sprintf("symlink %d", objID), target, err)
		return nil
	}
	r.report.Symlinks++
	if inode, err := r.forest.InodeItem(objID); err == nil {
		if err := os.Lchown(target, int(inode.UID), int(inode.GID)); err != nil {
			r.report.logErr(fmt.Sprintf("symlink %d", objID), target, err)
		}
	}
	return nil
}

func (r *restorer) restoreDevice(objID rbprim.ObjID, childType rbitem.FileType, target string) error {
	inode, err := r.forest.InodeItem(objID)
	if err != nil {
		r.report.logErr(fmt.Sprintf("device %d", objID), target, err)
		return nil
	}
	mode := uint32(inode.Mode&0o7777) | devModeBits(childType)
	if err := syscall.Mknod(target, mode, int(inode.RDev)); err != nil {
		r.report.logErr(fmt.Sprintf("device %d", objID), target, err)
		return nil
	}
	if childType == rbitem.FtChrdev {
		r.report.CharDevs++
	} else {
		r.report.BlockDevs++
	}
	r.applyMetadata(target, inode, false)
	return nil
}

func devModeBits(t rbitem.FileType) uint32 {
	if t == rbitem.FtChrdev {
		return syscall.S_IFCHR
	}
	return syscall.S_IFBLK
}

func (r *restorer) restoreRegular(objID rbprim.ObjID, target string) error {
	inode, err := r.forest.InodeItem(objID)
	if err != nil {
		r.report.logErr(fmt.Sprintf("file %d", objID), target, err)
		return nil
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		r.report.logErr(fmt.Sprintf("file %d", objID), target, err)
		return nil
	}
	defer f.Close()

	var filePos uint64
	for _, rec := range r.forest.ExtentDatas(objID) {
		if filePos >= inode.Size {
			break
		}
		if rec.FileOffset != filePos {
			err := &ExtentDataMisorderedError{Object: objID, Expected: filePos, Got: rec.FileOffset}
			r.report.logErr(fmt.Sprintf("file %d", objID), target, err)
			break
		}
		want := inode.Size - filePos
		n, err := r.writeExtent(f, rec.Extent, want)
		if err != nil {
			r.report.logErr(fmt.Sprintf("file %d", objID), target, err)
			break
		}
		filePos += n
		r.report.TotalBytes += int64(n)
		r.report.SuccessBytes += int64(n)
	}

	// A trailing sparse hole was only seeked over, not written; truncate to
	// the furthest position reached so it's materialized as zero bytes
	// rather than left missing from the file entirely.
	if err := f.Truncate(int64(filePos)); err != nil {
		r.report.logErr(fmt.Sprintf("file %d", objID), target, err)
	}

	r.report.Files++
	r.applyMetadata(target, inode, true)
	return nil
}

// writeExtent writes at most want bytes of a single extent at the file's
// current seek position and returns how many bytes the file position
// advanced (a sparse hole is seeked over rather than written).
func (r *restorer) writeExtent(f *os.File, fe rbitem.FileExtent, want uint64) (uint64, error) {
	switch fe.Type {
	case rbitem.ExtentInline:
		n := uint64(len(fe.Inline))
		if n > want {
			n = want
		}
		if _, err := f.Write(fe.Inline[:n]); err != nil {
			return 0, err
		}
		return n, nil

	case rbitem.ExtentPrealloc:
		n := fe.DataNumBytes
		if n > want {
			n = want
		}
		if err := writeZeroes(f, n); err != nil {
			return 0, err
		}
		return n, nil

	case rbitem.ExtentRegular:
		n := fe.DataNumBytes
		if n > want {
			n = want
		}
		if fe.DiskByteNr == 0 {
			// Sparse hole: seek forward rather than writing zeroes.
			if _, err := f.Seek(int64(n), 1); err != nil {
				return 0, err
			}
			r.report.SparseBytes += int64(n)
			return n, nil
		}
		raw, err := r.cmap.ReadAt(r.ds, fe.DiskByteNr, int(fe.DiskNumBytes))
		if err != nil {
			return 0, fmt.Errorf("reading extent at %v: %w", fe.DiskByteNr, err)
		}
		plain, err := decompress.Decompress(fe.Compression, raw, int(fe.DataOffset+n))
		if err != nil {
			return 0, fmt.Errorf("decompressing extent at %v: %w", fe.DiskByteNr, err)
		}
		slice := plain[fe.DataOffset : fe.DataOffset+n]
		if _, err := f.Write(slice); err != nil {
			return 0, err
		}
		return n, nil

	default:
		return 0, fmt.Errorf("unknown extent type %v", fe.Type)
	}
}

func writeZeroes(f *os.File, n uint64) error {
	var zero [4096]byte
	for n > 0 {
		chunk := uint64(len(zero))
		if chunk > n {
			chunk = n
		}
		if _, err := f.Write(zero[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// applyMetadata applies ownership, mode and atime/mtime, following symlinks;
// it is not called for symlinks, whose ownership restoreSymlink sets with
// Lchown. Failures are logged, not fatal.
func (r *restorer) applyMetadata(target string, inode rbitem.Inode, isRegularOrDir bool) {
	if err := os.Chown(target, int(inode.UID), int(inode.GID)); err != nil {
		r.report.logErr("metadata", target, err)
	}
	if err := os.Chmod(target, os.FileMode(inode.Mode&0o7777)); err != nil {
		r.report.logErr("metadata", target, err)
	}
	atime := time.Unix(int64(inode.ATime), 0)
	mtime := time.Unix(int64(inode.MTime), 0)
	if err := os.Chtimes(target, atime, mtime); err != nil {
		r.report.logErr("metadata", target, err)
	}
}
