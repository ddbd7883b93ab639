// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nthorne/btrfsalvage/internal/rec/chunkmap"
	"github.com/nthorne/btrfsalvage/internal/rec/fstree"
	"github.com/nthorne/btrfsalvage/internal/rec/indexer"
	"github.com/nthorne/btrfsalvage/internal/rec/nodeindex"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
	"github.com/nthorne/btrfsalvage/internal/rec/rbvol"
	"github.com/nthorne/btrfsalvage/internal/rec/restore"
	"github.com/nthorne/btrfsalvage/internal/rec/scan"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

func main() {
	lvl := logLevelFlag{Level: logrus.InfoLevel}
	var indexFile string
	var mappingsFile string

	argparser := &cobra.Command{
		Use:           "btrfsalvage SUBCOMMAND",
		Short:         "Recover files from a damaged copy-on-write filesystem image",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	argparser.PersistentFlags().Var(&lvl, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&indexFile, "index", "", "load node offsets from `FILE` instead of re-scanning the images")
	argparser.PersistentFlags().StringVar(&mappingsFile, "mappings", "", "load the chunk map from external JSON `FILE` instead of reading the chunk tree")
	if err := argparser.MarkPersistentFlagFilename("mappings"); err != nil {
		panic(err)
	}

	argparser.AddCommand(newIndexCmd(&lvl))
	argparser.AddCommand(newScanCmd(&lvl, &indexFile))
	argparser.AddCommand(newRestoreCmd(&lvl, &indexFile, &mappingsFile))

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "btrfsalvage: error: %v\n", err)
		os.Exit(1)
	}
}

// withGroup wires up dlog/dgroup the way every subcommand runs its body:
// a single supervised goroutine so panics and interrupts are funneled
// through one place and caught at the top level.
func withGroup(cmd *cobra.Command, lvl *logLevelFlag, body func(ctx context.Context) error) error {
	logger := logrus.New()
	logger.SetLevel(lvl.Level)
	ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
	grp.Go("main", func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return body(ctx)
	})
	return grp.Wait()
}

func newIndexCmd(lvl *logLevelFlag) *cobra.Command {
	var indexOut string
	cmd := &cobra.Command{
		Use:   "index --index FILE PATH...",
		Short: "scan images and write the offset index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if indexOut == "" {
				return fmt.Errorf("--index is required")
			}
			return withGroup(cmd, lvl, func(ctx context.Context) error {
				ds, err := rbvol.OpenFiles(args)
				if err != nil {
					return err
				}
				defer ds.Close()

				sb, err := openSuperblock(ds)
				if err != nil {
					return err
				}

				offsets, err := scan.ScanDevices(ctx, ds, sb)
				if err != nil {
					return err
				}

				f, err := os.Create(indexOut)
				if err != nil {
					return fmt.Errorf("creating %q: %w", indexOut, err)
				}
				defer f.Close()
				if err := nodeindex.Write(f, offsets); err != nil {
					return err
				}
				dlog.Infof(ctx, "wrote %d offsets to %s", len(offsets), indexOut)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&indexOut, "index", "", "write the offset index to `FILE`")
	return cmd
}

func newScanCmd(lvl *logLevelFlag, indexFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scan PATH...",
		Short: "list the subvolumes found in one or more images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroup(cmd, lvl, func(ctx context.Context) error {
				ds, sb, fs, err := openIndexed(ctx, args, *indexFile)
				if err != nil {
					return err
				}
				defer ds.Close()

				forest := fstree.New(fs)
				for _, sv := range forest.Subvolumes() {
					label := "ROOT"
					if sv.ID != rbprim.ObjFSTree {
						label = forest.SubvolumePath(sv.ID)
					}
					fmt.Printf("%s (%d)\n", label, sv.ID)
				}
				_ = sb
				return nil
			})
		},
	}
}

func newRestoreCmd(lvl *logLevelFlag, indexFile, mappingsFile *string) *cobra.Command {
	var subvolID uint64
	var source, target string
	cmd := &cobra.Command{
		Use:   "restore --subvolume-id N --source PATH-IN-SUBVOL --target DIR PATH...",
		Short: "restore a subtree to the host filesystem",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target is required")
			}
			return withGroup(cmd, lvl, func(ctx context.Context) error {
				ds, sb, fs, err := openIndexed(ctx, args, *indexFile)
				if err != nil {
					return err
				}
				defer ds.Close()

				var cmap *chunkmap.Map
				if *mappingsFile != "" {
					mappings, err := chunkmap.LoadMappings(*mappingsFile)
					if err != nil {
						return err
					}
					cmap = chunkmap.NewFromMappings(mappings)
					dlog.Infof(ctx, "loaded %d chunk mappings from %s", len(mappings), *mappingsFile)
				} else {
					cmap, err = chunkmap.Build(ctx, ds, sb)
					if err != nil {
						return err
					}
				}
				forest := fstree.New(fs)

				if err := os.MkdirAll(target, 0o700); err != nil {
					return fmt.Errorf("creating target %q: %w", target, err)
				}

				report, err := restore.Restore(ctx, forest, cmap, ds, restore.Options{
					SubvolumeID: rbprim.ObjID(subvolID),
					Source:      source,
					Target:      target,
				})
				if report != nil {
					printReport(report)
				}
				return err
			})
		},
	}
	cmd.Flags().Uint64Var(&subvolID, "subvolume-id", 0, "subvolume object id to restore from")
	cmd.Flags().StringVar(&source, "source", "/", "path within the subvolume to restore")
	cmd.Flags().StringVar(&target, "target", "", "directory to restore into")
	return cmd
}

// openSuperblock reads the primary superblock, falling back to each backup
// offset in turn.
func openSuperblock(ds *rbvol.DeviceSet) (rbvol.Superblock, error) {
	dev, err := ds.Primary()
	if err != nil {
		return rbvol.Superblock{}, err
	}
	sb, err := rbvol.ReadSuperblock(dev, rbvol.PrimaryOffset)
	if err == nil {
		return sb, nil
	}
	firstErr := err
	for _, at := range rbvol.BackupOffsets {
		if sb, err := rbvol.ReadSuperblock(dev, at); err == nil {
			return sb, nil
		}
	}
	return rbvol.Superblock{}, firstErr
}

// openIndexed opens the given images, loads or scans the node offsets, and
// builds the in-memory filesystem index shared by scan and restore.
func openIndexed(ctx context.Context, paths []string, indexFile string) (*rbvol.DeviceSet, rbvol.Superblock, *indexer.IndexedFilesystem, error) {
	ds, err := rbvol.OpenFiles(paths)
	if err != nil {
		return nil, rbvol.Superblock{}, nil, err
	}

	sb, err := openSuperblock(ds)
	if err != nil {
		ds.Close()
		return nil, rbvol.Superblock{}, nil, err
	}

	var offsets []uint64
	if indexFile != "" {
		f, err := os.Open(indexFile)
		if err != nil {
			ds.Close()
			return nil, rbvol.Superblock{}, nil, fmt.Errorf("opening %q: %w", indexFile, err)
		}
		offsets, err = nodeindex.Read(f)
		f.Close()
		if err != nil {
			ds.Close()
			return nil, rbvol.Superblock{}, nil, err
		}
		dlog.Infof(ctx, "loaded %d offsets from %s", len(offsets), indexFile)
	} else {
		offsets, err = scan.ScanDevices(ctx, ds, sb)
		if err != nil {
			ds.Close()
			return nil, rbvol.Superblock{}, nil, err
		}
		dlog.Infof(ctx, "scanned %d candidate node offsets", len(offsets))
	}

	fs, err := indexer.Build(ctx, ds, sb, offsets)
	if err != nil {
		ds.Close()
		return nil, rbvol.Superblock{}, nil, err
	}
	return ds, sb, fs, nil
}

func printReport(r *restore.Report) {
	fmt.Printf("files: %d  dirs: %d  symlinks: %d  chardevs: %d  blockdevs: %d  sockets: %d  unknown: %d\n",
		r.Files, r.Dirs, r.Symlinks, r.CharDevs, r.BlockDevs, r.Sockets, r.Unknown)
	fmt.Printf("bytes: total=%d success=%d sparse=%d\n", r.TotalBytes, r.SuccessBytes, r.SparseBytes)
	for _, e := range r.Errors {
		fmt.Printf("error: %s -> %s: %v\n", e.Source, e.Target, e.Messages)
	}
}
