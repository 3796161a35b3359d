package build

// Version is the released version of ch-backup. It is overridden at link
// time with -ldflags "-X .../internal/build.Version=...".
var Version = "0.0.0"

// ReleaseTag is an optional suffix appended to Version (e.g. "rc1").
var ReleaseTag = ""

// GitRevision is the commit this binary was built from, set at link time.
var GitRevision = ""

// Release identifies the build type, one of "standard", "dev", "testing".
// It is set at link time; "standard" is the default for an unflagged build.
var Release = "standard"

// DEBUG enables extra consistency checks and more verbose logging. It is
// true only for "dev" and "testing" builds.
var DEBUG = Release == "dev" || Release == "testing"

// IssuesURL is where a user hitting a logged bug should file a report.
const IssuesURL = "https://github.com/chbackup/ch-backup/issues"
