package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chbackup/ch-backup/internal/restore"
)

type restoreFlags struct {
	schemaOnly                        bool
	overrideReplicaName               string
	forceNonReplicated                bool
	cleanZookeeperMode                string
	keepGoing                         bool
	cloudStorageSourceBucket          string
	cloudStorageSourcePath            string
	cloudStorageLatest                bool
	useInplaceCloudRestore            bool
	restoreTablesInReplicatedDatabase string
}

func newRestoreCmd() *cobra.Command {
	var f restoreFlags
	cmd := &cobra.Command{
		Use:   "restore <id|LAST>",
		Short: "Restore a backup into the connected ClickHouse server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runRestore(args[0], f)
		},
	}
	cmd.Flags().BoolVar(&f.schemaOnly, "schema-only", false, "restore schema without attaching data parts")
	cmd.Flags().StringVar(&f.overrideReplicaName, "override-replica-name", "", "replica name to substitute into ReplicatedMergeTree engine arguments")
	cmd.Flags().BoolVar(&f.forceNonReplicated, "force-non-replicated", false, "rewrite Replicated* engines to their non-replicated equivalent")
	cmd.Flags().StringVar(&f.cleanZookeeperMode, "clean-zookeeper-mode", "", "coordination cleanup scope: replica-only or all-replicas")
	cmd.Flags().BoolVar(&f.keepGoing, "keep-going", false, "continue past per-part attach failures instead of aborting")
	cmd.Flags().StringVar(&f.cloudStorageSourceBucket, "cloud-storage-source-bucket", "", "source bucket for object-storage part restore")
	cmd.Flags().StringVar(&f.cloudStorageSourcePath, "cloud-storage-source-path", "", "source path prefix for object-storage part restore")
	cmd.Flags().BoolVar(&f.cloudStorageLatest, "cloud-storage-latest", false, "use the latest disk revision instead of the one captured at backup time")
	cmd.Flags().BoolVar(&f.useInplaceCloudRestore, "use-inplace-cloud-restore", false, "rebuild disk metadata in place instead of copying objects")
	cmd.Flags().StringVar(&f.restoreTablesInReplicatedDatabase, "restore-tables-in-replicated-database", "", "true or false; defaults to the configured value")
	return cmd
}

func runRestore(target string, f restoreFlags) {
	ctx := context.Background()
	e, err := buildEngine(ctx, true)
	if err != nil {
		dieErr("could not set up", err)
	}
	defer e.close()

	opts := e.cfg.RestoreOptionsDefaults()
	opts.SchemaOnly = f.schemaOnly
	opts.KeepGoing = f.keepGoing
	opts.CloudStorageSourceBucket = f.cloudStorageSourceBucket
	opts.CloudStorageSourcePath = f.cloudStorageSourcePath
	opts.CloudStorageLatest = f.cloudStorageLatest
	opts.UseInplaceCloudRestore = f.useInplaceCloudRestore
	if f.overrideReplicaName != "" {
		opts.OverrideReplicaName = f.overrideReplicaName
	}
	if f.forceNonReplicated {
		opts.ForceNonReplicated = f.forceNonReplicated
	}
	switch f.cleanZookeeperMode {
	case "":
	case "replica-only":
		opts.CleanZookeeperMode = restore.CleanZookeeperReplicaOnly
	case "all-replicas":
		opts.CleanZookeeperMode = restore.CleanZookeeperAllReplicas
	default:
		die(exitUsage, "invalid --clean-zookeeper-mode", f.cleanZookeeperMode)
	}
	switch f.restoreTablesInReplicatedDatabase {
	case "":
	case "true":
		opts.RestoreTablesInReplicatedDatabase = true
	case "false":
		opts.RestoreTablesInReplicatedDatabase = false
	default:
		die(exitUsage, "invalid --restore-tables-in-replicated-database", f.restoreTablesInReplicatedDatabase)
	}

	res, err := e.restorePlanner().Run(ctx, restore.Request{
		Target:      target,
		Destination: "cli",
		Options:     opts,
	})
	if err != nil {
		dieErr("restore failed", err)
	}

	fmt.Printf("restored %s: %d parts attached, %d skipped\n", res.BackupID, res.AttachedParts, res.SkippedParts)
	if len(res.FailedParts) > 0 {
		fmt.Printf("%d parts failed: %v\n", len(res.FailedParts), res.FailedParts)
	}
	if res.RestartRequired {
		fmt.Println("ClickHouse restart required for access control/UDF changes to take effect")
	}
}
