package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chbackup/ch-backup/internal/model"
)

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|LAST>",
		Short: "Show a backup's full record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runShow(args[0])
		},
	}
}

func runShow(target string) {
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

	fmt.Printf("id:           %s\n", b.ID)
	fmt.Printf("state:        %s\n", b.State)
	fmt.Printf("start:        %s\n", b.StartTime.Time.Format("2006-01-02T15:04:05"))
	if b.EndTime != nil {
		fmt.Printf("end:          %s\n", b.EndTime.Time.Format("2006-01-02T15:04:05"))
	}
	fmt.Printf("hostname:     %s\n", b.Hostname)
	fmt.Printf("ch version:   %s\n", b.CHVersion)
	fmt.Printf("tool version: %s\n", b.ToolVersion)
	fmt.Printf("schema only:  %v\n", b.SchemaOnly)
	if b.FailReason != "" {
		fmt.Printf("fail reason:  %s\n", b.FailReason)
	}
	for k, v := range b.Labels {
		fmt.Printf("label:        %s=%s\n", k, v)
	}
	fmt.Printf("databases:    %d\n", len(b.Databases))
	var parts int
	var size int64
	b.AllParts(func(db, table string, p model.Part) {
		parts++
		size += p.Size
	})
	fmt.Printf("parts:        %d\n", parts)
	fmt.Printf("size:         %d bytes\n", size)
}
