package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"

	"github.com/chbackup/ch-backup/internal/model"
)

func newListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups",
		Run: func(cmd *cobra.Command, args []string) {
			runList(all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include failed and partially_deleted backups")
	return cmd
}

func runList(all bool) {
	ctx := context.Background()
	e, err := buildEngine(ctx, false)
	if err != nil {
		dieErr("could not set up", err)
	}
	defer e.close()

	backups, err := e.store.List("")
	if err != nil {
		dieErr("could not list backups", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tSTART\tSIZE")
	var sizes []float64
	for _, b := range backups {
		if !all && b.State != model.StateCreated {
			continue
		}
		size := backupSize(b)
		sizes = append(sizes, float64(size))
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", b.ID, b.State, b.StartTime.Time.Format("2006-01-02T15:04:05"), size)
	}
	w.Flush()

	if len(sizes) > 1 {
		median, _ := stats.Median(sizes)
		p90, _ := stats.Percentile(sizes, 90)
		fmt.Printf("median size %.0f bytes, p90 %.0f bytes across %d backups\n", median, p90, len(sizes))
	}
}

// backupSize sums the catalog's recorded part sizes (spec.md §3's per-part
// size field), used for the median/percentile summary line above.
func backupSize(b *model.Backup) int64 {
	var total int64
	b.AllParts(func(db, table string, p model.Part) {
		total += p.Size
	})
	return total
}
