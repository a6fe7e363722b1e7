// Package version carries build information injected through -ldflags.
package version

import "fmt"

var (
	version   string
	buildtime string
)

// GetVersionString returns a standard version header.
func GetVersionString() string {
	return fmt.Sprintf("regionkeeper, version %v", GetVersion())
}

// GetVersion returns the semver compatible version number. Builds without
// injected version information report "unknown".
func GetVersion() string {
	if version == "" {
		return "unknown"
	}
	return version
}

// GetBuildTime returns the time at which the build took place.
func GetBuildTime() string {
	return buildtime
}
