package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chbackup/ch-backup/internal/model"
)

// cloudStoragePartMeta is one disk's part inventory entry (spec.md §6
// persisted layout "cloud_storage/<disk>/... # revision + inventory"),
// derived from the catalog's own DiskName/DiskRevision/Checksum fields
// rather than a separate file, since Create never writes one.
type cloudStoragePartMeta struct {
	Database     string `json:"database"`
	Table        string `json:"table"`
	PartName     string `json:"part_name"`
	DiskRevision uint64 `json:"disk_revision"`
	Checksum     string `json:"checksum"`
	Size         int64  `json:"size"`
}

func newCloudStorageMetaCmd() *cobra.Command {
	var disk, localPath string
	cmd := &cobra.Command{
		Use:   "get-cloud-storage-metadata <id|LAST>",
		Short: "Print a backup's object-storage disk revision and part inventory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if disk == "" {
				die(exitUsage, "--disk is required")
			}
			runCloudStorageMeta(args[0], disk, localPath)
		},
	}
	cmd.Flags().StringVar(&disk, "disk", "", "object-storage disk name")
	cmd.Flags().StringVar(&localPath, "local-path", "", "write the inventory JSON here instead of stdout")
	return cmd
}

func runCloudStorageMeta(target, disk, localPath string) {
	ctx := context.Background()
	e, err := buildEngine(ctx, false)
	if err != nil {
		dieErr("could not set up", err)
	}
	defer e.close()

	id := target
	if target == "LAST" {
		last, err := e.store.ResolveLast()
		if err != nil {
			dieErr("could not resolve LAST", err)
		}
		id = last.ID
	}
	b, err := e.store.Load(id)
	if err != nil {
		dieErr("could not load backup", err)
	}

	var entries []cloudStoragePartMeta
	b.AllParts(func(db, table string, p model.Part) {
		if p.DiskName != disk {
			return
		}
		entries = append(entries, cloudStoragePartMeta{
			Database:     db,
			Table:        table,
			PartName:     p.PartName,
			DiskRevision: p.DiskRevision,
			Checksum:     p.Checksum,
			Size:         p.Size,
		})
	})

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		dieErr("could not marshal inventory", err)
	}

	if localPath == "" {
		fmt.Println(string(out))
		return
	}
	if err := os.WriteFile(localPath, out, 0600); err != nil {
		dieErr("could not write inventory", err)
	}
	fmt.Printf("wrote %d part entries to %s\n", len(entries), localPath)
}
