package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chbackup/ch-backup/internal/build"
)

// Exit codes, spec.md §6 "Exit codes: 0 success; 1 operational failure; 2
// bad arguments; 3 locked; 4 not found" - the same sysexits.h-inspired
// scheme cmd/uplod/main.go uses, extended with the two backup-specific
// codes.
const (
	exitSuccess  = 0
	exitGeneral  = 1 // operational failure
	exitUsage    = 2 // bad arguments
	exitLocked   = 3
	exitNotFound = 4
)

var (
	// globalConfig is filled by cobra persistent flags, the way uplod's
	// globalConfig is populated by root.Flags().
	globalConfig struct {
		ConfigPath string
		DataDir    string
		DSN        string
		Progress   bool
	}
)

// die prints its arguments to stderr and exits with code, mirroring
// uploc's die() but parameterized on the spec.md §6 exit code table
// instead of always exiting exitCodeGeneral.
func die(code int, args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(code)
}

// dieErr maps err to an exit code via its model error kind before calling
// die, the CLI-boundary half of spec.md §7's "call sites use
// errors.Contains to test kind at boundaries."
func dieErr(prefix string, err error) {
	code, _ := exitCodeFor(err)
	die(code, prefix+":", err)
}

func main() {
	root := &cobra.Command{
		Use:           "ch-backup",
		Short:         "Snapshot, restore, and garbage-collect ClickHouse backups",
		Long:          "ch-backup v" + versionString() + " - ClickHouse backup/restore tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&globalConfig.ConfigPath, "config", build.ConfigPath(), "path to the ch-backup config file")
	root.PersistentFlags().StringVar(&globalConfig.DataDir, "data-dir", build.DataDir(), "local state directory (locks, catalog cache, restore context)")
	root.PersistentFlags().StringVar(&globalConfig.DSN, "ch-dsn", "clickhouse://localhost:9000/default", "ClickHouse database/sql DSN")
	root.PersistentFlags().BoolVar(&globalConfig.Progress, "progress", true, "show progress bars (suppressed automatically when stdout is not a terminal)")

	root.AddCommand(
		newBackupCmd(),
		newRestoreCmd(),
		newListCmd(),
		newShowCmd(),
		newDeleteCmd(),
		newPurgeCmd(),
		newRestoreSchemaCmd(),
		newCloudStorageMetaCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		die(exitUsage, err)
	}
}

func versionString() string {
	version := build.Version
	if build.ReleaseTag != "" {
		version += "-" + build.ReleaseTag
	}
	switch build.Release {
	case "dev":
		return version + "-dev"
	case "testing":
		return version + "-testing"
	default:
		return version
	}
}
