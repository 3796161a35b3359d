package build

var (
	// dataDirEnvVar is the environment variable that tells ch-backup where to
	// put its state directory (catalog cache, lock tokens, logs) if
	// -data-dir is not passed explicitly.
	dataDirEnvVar = "CHBACKUP_DATA_DIR"

	// configEnvVar points at a config file to load in place of the default
	// search path.
	configEnvVar = "CHBACKUP_CONFIG"
)
