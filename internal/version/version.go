// Package version carries build metadata stamped in with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String is the one-line form printed by the version command and logged
// at the start of each run.
func String() string {
	return fmt.Sprintf("rheometer %s (%s, built %s)", Version, GitSHA, BuildTime)
}
