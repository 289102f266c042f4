package internal

import (
	"fmt"
	"runtime"
)

// Version is the current version of promptstats.
// This should be updated with each release
const Version = "0.3.0"

// VersionString is what --version prints.
func VersionString() string {
	return fmt.Sprintf("promptstats %s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
