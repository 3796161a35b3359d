package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a backup's unreferenced artifacts",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runDelete(args[0])
		},
	}
}

func runDelete(id string) {
	ctx := context.Background()
	e, err := buildEngine(ctx, false)
	if err != nil {
		dieErr("could not set up", err)
	}
	defer e.close()

	if err := e.lifecycleManager().Delete(ctx, id); err != nil {
		dieErr("delete failed", err)
	}
	fmt.Println("deleted", id)
}
