// Package buildinfo identifies the running authorization gateway binary. The release fields
// are stamped by the linker and reported at startup and on /health.
package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/cordum/cordum-authz/core/infra/logging"
)

// Stamped with -ldflags "-X github.com/cordum/cordum-authz/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Build is the release identity of the gateway process.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Go      string `json:"go"`
}

// Current returns the linker-stamped release with the Go runtime version.
func Current() Build {
	return Build{Version: Version, Commit: Commit, Date: Date, Go: runtime.Version()}
}

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

// Log announces the release under the gateway's service name.
func Log(service string) {
	b := Current()
	logging.Info(service, "authz gateway build", "version", b.Version, "commit", b.Commit, "date", b.Date, "go", b.Go)
}
