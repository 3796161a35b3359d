package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chbackup/ch-backup/internal/chclient"
)

// newRestoreSchemaCmd bootstraps an empty replica by copying live schema
// off a peer rather than replaying a backup document: spec.md §6 lists
// `restore-schema --source HOST` alongside, but distinct from, `restore
// <id|LAST>`, and no backup id appears in its argument list, so it reads
// the peer's system.databases/system.tables directly through a second
// chclient connection instead of internal/metadata.
func newRestoreSchemaCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "restore-schema",
		Short: "Copy database and table schema from a live peer",
		Run: func(cmd *cobra.Command, args []string) {
			if source == "" {
				die(exitUsage, "--source is required")
			}
			runRestoreSchema(source)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "ClickHouse host to copy schema from")
	return cmd
}

func runRestoreSchema(source string) {
	ctx := context.Background()
	e, err := buildEngine(ctx, true)
	if err != nil {
		dieErr("could not set up", err)
	}
	defer e.close()

	peer, err := chclient.Open(ctx, "clickhouse://"+source+"/default", globalConfig.DataDir)
	if err != nil {
		dieErr("could not connect to source", err)
	}
	defer peer.Close()

	databases, err := peer.ListDatabases(ctx)
	if err != nil {
		dieErr("could not list source databases", err)
	}

	for _, dbName := range databases {
		db, err := peer.FetchDatabase(ctx, dbName)
		if err != nil {
			dieErr("could not fetch source database "+dbName, err)
		}
		if err := e.ch.EnsureDatabase(ctx, db); err != nil {
			dieErr("could not create database "+dbName, err)
		}
		tables, err := peer.ListTables(ctx, dbName)
		if err != nil {
			dieErr("could not list source tables in "+dbName, err)
		}
		for _, tableName := range tables {
			t, err := peer.FetchTable(ctx, dbName, tableName)
			if err != nil {
				dieErr("could not fetch source table "+dbName+"."+tableName, err)
			}
			if err := e.ch.EnsureTable(ctx, dbName, t); err != nil {
				dieErr("could not create table "+dbName+"."+tableName, err)
			}
		}
	}
	fmt.Printf("schema copied from %s: %d databases\n", source, len(databases))
}
