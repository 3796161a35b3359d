package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/lifecycle"
	"github.com/chbackup/ch-backup/internal/model"
)

type backupFlags struct {
	name       string
	databases  []string
	tables     []string
	schemaOnly bool
	access     bool
	udf        bool
	schema     bool
	data       bool
	force      bool
	labels     []string
}

func newBackupCmd() *cobra.Command {
	var f backupFlags
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Freeze and upload a new backup",
		Run: func(cmd *cobra.Command, args []string) {
			runBackup(f)
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "{uuid}", "backup name (supports the {uuid} template token)")
	cmd.Flags().StringSliceVar(&f.databases, "databases", nil, "databases to back up in full (comma-separated)")
	cmd.Flags().StringSliceVar(&f.tables, "tables", nil, "db.table entries to back up (comma-separated)")
	cmd.Flags().BoolVar(&f.schemaOnly, "schema-only", false, "back up schema without freezing any data parts")
	cmd.Flags().BoolVar(&f.access, "access", false, "include access control entities")
	cmd.Flags().BoolVar(&f.udf, "udf", false, "include user-defined functions")
	cmd.Flags().BoolVar(&f.schema, "schema", false, "include database/table schema")
	cmd.Flags().BoolVar(&f.data, "data", false, "include table data parts")
	cmd.Flags().BoolVar(&f.force, "force", false, "bypass min_interval and run even if a recent backup exists")
	cmd.Flags().StringArrayVar(&f.labels, "label", nil, "k=v label, repeatable")
	return cmd
}

func runBackup(f backupFlags) {
	ctx := context.Background()
	e, err := buildEngine(ctx, true)
	if err != nil {
		dieErr("could not set up", err)
	}
	defer e.close()

	tables, err := resolveTables(ctx, e, f.databases, f.tables)
	if err != nil {
		dieErr("could not resolve tables", err)
	}

	sources := backupSources(f)

	labels, err := parseLabels(f.labels)
	if err != nil {
		die(exitUsage, err)
	}

	var pbs *mpb.Progress
	var bar *mpb.Bar
	if globalConfig.Progress && isTerminal(os.Stdout) {
		pbs = mpb.New(mpb.WithWidth(40))
		bar = pbs.AddSpinner(-1,
			mpb.SpinnerOnLeft,
			mpb.SpinnerStyle([]string{"∙∙∙", "●∙∙", "∙●∙", "∙∙●", "∙∙∙"}),
			mpb.PrependDecorators(decor.Name("backup ")),
			mpb.AppendDecorators(decor.Elapsed(decor.ET_STYLE_GO)),
		)
	}

	req := lifecycle.CreateRequest{
		Name:       f.name,
		Tables:     tables,
		SchemaOnly: f.schemaOnly,
		Labels:     labels,
		Sources:    sources,
		Force:      f.force,
	}

	b, err := e.lifecycleManager().Create(ctx, req)
	if bar != nil {
		bar.SetTotal(-1, true)
		pbs.Wait()
	}
	if err == lifecycle.ErrNoOp {
		fmt.Println("backup skipped: within min_interval of the last backup (use --force to override)")
		return
	}
	if err != nil {
		dieErr("backup failed", err)
	}

	fmt.Printf("%s\t%s\n", b.ID, b.State)
}

// resolveTables turns --databases/--tables into the explicit per-table list
// lifecycle.CreateRequest operates on, expanding each --databases entry via
// chclient.ListTables (spec.md §6 "backup [--databases ...]").
func resolveTables(ctx context.Context, e *engine, databases, tables []string) ([]freeze.TableRef, error) {
	var out []freeze.TableRef
	for _, t := range tables {
		parts := strings.SplitN(t, ".", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --tables entry %q, expected db.table", t)
		}
		out = append(out, freeze.TableRef{Database: parts[0], Table: parts[1]})
	}
	for _, db := range databases {
		names, err := e.ch.ListTables(ctx, db)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			out = append(out, freeze.TableRef{Database: db, Table: name})
		}
	}
	return out, nil
}

// backupSources maps the --access/--udf/--schema/--data flags onto a
// model.SourceSet. None set means "everything" (spec.md §6's documented
// default when no source filter flag is given).
func backupSources(f backupFlags) model.SourceSet {
	if !f.access && !f.udf && !f.schema && !f.data {
		return model.NewSourceSet(model.SourceData, model.SourceSchema, model.SourceAccess, model.SourceUDF, model.SourceNamedCollections)
	}
	var kinds []model.SourceKind
	if f.access {
		kinds = append(kinds, model.SourceAccess)
	}
	if f.udf {
		kinds = append(kinds, model.SourceUDF)
	}
	if f.schema {
		kinds = append(kinds, model.SourceSchema)
	}
	if f.data {
		kinds = append(kinds, model.SourceData)
	}
	return model.NewSourceSet(kinds...)
}

func parseLabels(raw []string) (model.Labels, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	labels := make(model.Labels, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid --label %q, expected k=v", kv)
		}
		labels[parts[0]] = parts[1]
	}
	return labels, nil
}
