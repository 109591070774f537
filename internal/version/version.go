package version

import "fmt"

// Set at build time with -ldflags "-X".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Protocol is the tracer wire protocol revision this build speaks.
const Protocol = 1

func String() string {
	return fmt.Sprintf("linetrace version=%s commit=%s build_date=%s protocol=%d", Version, Commit, BuildDate, Protocol)
}
