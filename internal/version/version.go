// Package version provides build-time version information for the helpdesk binary.
package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/gotrs-io/helpdesk/internal/version.Version=v1.0.0".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildDate = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String is the short form shown by cobra's --version flag.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}

// Full adds the build date and toolchain.
func (i Info) Full() string {
	return fmt.Sprintf("%s (%s) built %s with %s", i.Version, i.GitCommit, i.BuildDate, i.GoVersion)
}

// UserAgent is sent as the X-Mailer header on outbound notifications.
func UserAgent() string {
	return "helpdesk/" + Version
}
