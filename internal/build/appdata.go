package build

import (
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the directory ch-backup uses for its on-disk state: the
// local catalog cache, flock files, and default log location. It resolves,
// in order, the CHBACKUP_DATA_DIR environment variable, then an
// OS-appropriate default.
func DataDir() string {
	if d := os.Getenv(dataDirEnvVar); d != "" {
		return d
	}
	return defaultDataDir()
}

// ConfigPath returns an explicit config file path from CHBACKUP_CONFIG, or
// the empty string if the caller should fall back to its own search path.
func ConfigPath() string {
	return os.Getenv(configEnvVar)
}

// defaultDataDir returns the default data directory for ch-backup. The
// values for supported operating systems are:
//
// Linux:   $HOME/.ch-backup
// MacOS:   $HOME/Library/Application Support/ch-backup
// Windows: %LOCALAPPDATA%\ch-backup
func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "ch-backup")
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "ch-backup")
	default:
		return filepath.Join(os.Getenv("HOME"), ".ch-backup")
	}
}
