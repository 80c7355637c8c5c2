// Package contracts holds the types shared by the report service and its clients.
package contracts

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// APIVersion is the version of the HTTP API under /api
const APIVersion = "v1"

// Set with -ldflags "-X github.com/LabKey/platform-sub050/pkg/contracts.Version=..."
var (
	Version   = "1.0.0"
	GitCommit = ""
	BuildTime = ""
)

// BuildInfo identifies a build of reportd or reportctl
type BuildInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	GitCommit  string `json:"git_commit,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Build returns the info of the running binary. Without ldflags the commit
// and time come from the VCS stamp the go tool embeds.
func Build() BuildInfo {
	info := BuildInfo{
		Version:    Version,
		APIVersion: APIVersion,
		GitCommit:  GitCommit,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && info.GitCommit == "":
				info.GitCommit = s.Value
			case s.Key == "vcs.time" && info.BuildTime == "":
				info.BuildTime = s.Value
			}
		}
	}
	return info
}

func (b BuildInfo) String() string {
	commit := b.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		commit = "unknown"
	}
	return fmt.Sprintf("%s (api %s, commit %s, %s %s)", b.Version, b.APIVersion, commit, b.GoVersion, b.Platform)
}
