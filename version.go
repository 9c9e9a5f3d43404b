package mailpool

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strings"
)

// Build metadata, injected with -ldflags "-X github.com/lattiq/mailpool.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Module    string `json:"module,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

// GetVersionInfo returns the build metadata, filling gaps from the
// embedded build info.
func GetVersionInfo() VersionInfo {
	info := VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.Module = bi.Main.Path
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" {
				info.GitCommit = s.Value
				if len(info.GitCommit) > 12 {
					info.GitCommit = info.GitCommit[:12]
				}
			}
		case "vcs.time":
			if info.BuildDate == "unknown" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String returns a one-line summary.
func (v VersionInfo) String() string {
	parts := []string{"mailpool " + v.Version}
	if v.GitCommit != "unknown" && v.GitCommit != "" {
		commit := v.GitCommit
		if v.Modified {
			commit += "-dirty"
		}
		parts = append(parts, "commit "+commit)
	}
	if v.BuildDate != "unknown" && v.BuildDate != "" {
		parts = append(parts, "built "+v.BuildDate)
	}
	parts = append(parts, v.GoVersion, v.Platform)
	return strings.Join(parts, ", ")
}

// UserAgent returns the X-Mailer value sent with every message.
func (v VersionInfo) UserAgent() string {
	return fmt.Sprintf("mailpool/%s", v.Version)
}

// IsDevBuild returns true if this is a development build.
func (v VersionInfo) IsDevBuild() bool {
	return strings.Contains(v.Version, "dev") || v.Modified || v.GitCommit == "unknown"
}

// WriteVersion writes the version, as JSON when asJSON is set. The text form
// flags development builds.
func WriteVersion(w io.Writer, asJSON bool) error {
	info := GetVersionInfo()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	line := info.String()
	if info.IsDevBuild() {
		line += " (development build)"
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
