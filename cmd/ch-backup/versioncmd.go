package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ch-backup version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ch-backup v" + versionString())
		},
	}
}
