// Package buildinfo reports the nolan binary's version for `nolan version`,
// the daemon's startup log and the client's User-Agent.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Set with -ldflags "-X .../buildinfo.Version=v1.0.0" and friends.
var (
	Version    = ""
	CommitHash = ""
	BuildDate  = ""
)

const unknown = "unknown"

// Info is normalized build metadata.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit"`
	BuildDate  string `json:"build_date"`
	GoVersion  string `json:"go_version"`
}

// String renders the one-line form printed by `nolan version`.
func (i Info) String() string {
	return fmt.Sprintf("nolan %s (commit %s, built %s, %s)", i.Version, shortCommit(i.CommitHash), i.BuildDate, i.GoVersion)
}

// UserAgent is the User-Agent header the API client sends.
func (i Info) UserAgent() string {
	return "nolan/" + i.Version
}

func shortCommit(c string) string {
	dirty := strings.HasSuffix(c, "-dirty")
	c = strings.TrimSuffix(c, "-dirty")
	if len(c) > 12 {
		c = c[:12]
	}
	if dirty {
		c += "-dirty"
	}
	return c
}

// vcs is what the toolchain stamps into binaries built from a checkout.
type vcs struct {
	module   string
	revision string
	time     string
	modified bool
}

func readVCS() vcs {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return vcs{}
	}
	v := vcs{module: bi.Main.Version}
	for _, s := range bi.Settings {
		value := strings.TrimSpace(s.Value)
		switch s.Key {
		case "vcs.revision":
			v.revision = value
		case "vcs.time":
			v.time = value
		case "vcs.modified":
			v.modified = value == "true"
		}
	}
	return v
}

// Current merges linker overrides with the toolchain's build settings.
// Linker values win; anything still missing reads "unknown".
func Current() Info {
	return resolve(Version, CommitHash, BuildDate, readVCS())
}

func resolve(version, commit, date string, v vcs) Info {
	info := Info{
		Version:    firstNonEmpty(version, moduleVersion(v.module), unknown),
		CommitHash: strings.TrimSpace(commit),
		BuildDate:  firstNonEmpty(date, v.time, unknown),
		GoVersion:  runtime.Version(),
	}
	if info.CommitHash == "" && v.revision != "" {
		info.CommitHash = v.revision
		if v.modified {
			info.CommitHash += "-dirty"
		}
	}
	if info.CommitHash == "" {
		info.CommitHash = unknown
	}
	if t, err := time.Parse(time.RFC3339, info.BuildDate); err == nil {
		info.BuildDate = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	return info
}

func moduleVersion(v string) string {
	if v == "(devel)" {
		return ""
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
