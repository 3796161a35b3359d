package persist

import (
	"io"

	"github.com/chbackup/ch-backup/internal/build"
	"github.com/uplo-tech/log"
)

// Logger wraps log.Logger with ch-backup's fixed options.
type Logger struct {
	*log.Logger
}

var options = log.Options{
	BinaryName:   "ch-backup",
	BugReportURL: build.IssuesURL,
	Debug:        build.DEBUG,
	Release:      buildReleaseType(),
	Version:      build.Version,
}

// NewFileLogger returns a logger that logs to logFilename. The file is
// opened in append mode, and created if it does not exist.
func NewFileLogger(logFilename string) (*Logger, error) {
	logger, err := log.NewFileLogger(logFilename, options)
	return &Logger{logger}, err
}

// NewLogger returns a logger writing to w. Calls should not be made to the
// logger after Close has been called.
func NewLogger(w io.Writer) (*Logger, error) {
	logger, err := log.NewLogger(w, options)
	return &Logger{logger}, err
}

// buildReleaseType maps the build's release string onto log.ReleaseType,
// defaulting to Release for anything unrecognized.
func buildReleaseType() log.ReleaseType {
	switch build.Release {
	case "standard":
		return log.Release
	case "dev":
		return log.Dev
	case "testing":
		return log.Testing
	default:
		return log.Release
	}
}
