// Package version executes and returns the version of the running binary.
package version

import (
	"fmt"
	"runtime"
)

// The value of these vars are set through linker options.
var gitCommit = "Local build"
var buildDate = "Moments ago"
var gitTag = "Unknown"

// Version returns the version string of this build.
func Version() string {
	if buildDate == "{DATE}" {
		buildDate = "Moments ago"
	}
	return fmt.Sprintf("%s. Built at: %s. With go=%s, commit=%s",
		gitTag, buildDate, runtime.Version(), gitCommit)
}

// SemanticVersion returns the semantic version of this build.
func SemanticVersion() string {
	return gitTag
}
