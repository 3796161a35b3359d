package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete backups the retention policy no longer protects",
		Run: func(cmd *cobra.Command, args []string) {
			runPurge()
		},
	}
}

func runPurge() {
	ctx := context.Background()
	e, err := buildEngine(ctx, false)
	if err != nil {
		dieErr("could not set up", err)
	}
	defer e.close()

	removed, err := e.lifecycleManager().Purge(ctx)
	if err != nil {
		dieErr("purge failed", err)
	}
	for _, id := range removed {
		fmt.Println(id)
	}
	fmt.Printf("%d backups purged\n", len(removed))
}
