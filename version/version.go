package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set through -ldflags "-X github.com/teranos/tenantpulse/version.Version=...".
var (
	Version    = "dev"
	CommitHash = ""
	BuildTime  = ""
)

// Info describes the running binary.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Modified   bool   `json:"modified,omitempty"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
	// Schema is the newest database migration this binary applies.
	Schema string `json:"schema,omitempty"`
}

// Get returns build information. Values missing from ldflags are taken from
// the VCS stamp the Go toolchain embeds with `go build`.
func Get() Info {
	info := Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.CommitHash == "" {
					info.CommitHash = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.CommitHash == "" {
		info.CommitHash = "unknown"
	}
	if info.BuildTime == "" {
		info.BuildTime = "unknown"
	}
	return info
}

func (i Info) String() string {
	commit := i.Short()
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("tenantpulse %s (commit %s, built %s)", i.Version, commit, i.BuildTime)
}

// Short is the abbreviated commit hash.
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
